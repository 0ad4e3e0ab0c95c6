package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobPut_PrintsID(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.dir, "data.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	res := f.run(t, "blob", "put", src)
	require.NoError(t, res.err, res.stderr)
	assert.Regexp(t, `^\d+\n$`, res.stdout)
	assert.Contains(t, res.stderr, "7 bytes")

	host := f.broker.LastHost()
	require.NotNil(t, host)
	assert.Zero(t, host.Blobs(), "temporary blob destroyed on exit")
}

func TestBlobPut_EvaluatesExpression(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.dir, "data.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello blob"), 0o600))

	res := f.run(t, "blob", "put", src, "--expr", "blob_text({blob})")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "\"hello blob\"\n", res.stdout)
}

func TestBlobPut_MissingFile(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "blob", "put", filepath.Join(f.dir, "missing"))
	require.Error(t, res.err)
}

func TestBlobGet(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "out.txt")

	res := f.run(t, "blob", "get", out, "--expr", "create_blob('from R')")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "wrote 6 bytes")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "from R", string(data))
}

func TestBlobGet_NotABlobID(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "blob", "get", filepath.Join(f.dir, "out"), "--expr", "'text'")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "did not return a blob id")
}

func TestBlobGet_RequiresExpr(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "blob", "get", filepath.Join(f.dir, "out"))
	require.Error(t, res.err)
	assert.Zero(t, f.broker.Connects())
}

func TestPlot(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "plot.png")

	res := f.run(t, "plot", "plot(1)", "-o", out)
	require.NoError(t, res.err, res.stderr)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "\x89PNG"))
}

func TestPlot_NoPlot(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "plot", "1 + 1", "-o", filepath.Join(f.dir, "plot.png"))
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "produced no plot")
}
