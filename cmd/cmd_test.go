package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/RTVS-sub005/internal/config"
	"github.com/microsoft/RTVS-sub005/internal/rhost/hosttest"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of console
// callbacks and command output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// resetFlags restores every flag of c and its children to its default so
// commands can run more than once per process.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, child := range c.Commands() {
		resetFlags(child)
	}
}

type result struct {
	stdout string
	stderr string
	err    error
}

// execute runs rtvs with args and stdin.
func execute(t *testing.T, stdin io.Reader, args ...string) result {
	t.Helper()
	resetFlags(rootCmd)

	var out, errOut syncBuffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

type fixture struct {
	dir    string
	config string
	broker *hosttest.Broker
}

// newFixture writes a config whose active broker "mem" is an in-memory
// broker unique to the test.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	name := strings.ToLower(strings.NewReplacer("/", "-", " ", "-", "_", "-").Replace(t.Name()))
	f := &fixture{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		broker: hosttest.NewBroker(t, name),
	}
	content := fmt.Sprintf(`active_broker: mem
brokers:
  - name: mem
    uri: memory://%s
host:
  start_timeout: 5s
storage:
  db_path: %s
`, name, filepath.Join(dir, "rtvs.db"))
	require.NoError(t, os.WriteFile(f.config, []byte(content), 0o600))
	return f
}

func (f *fixture) run(t *testing.T, args ...string) result {
	t.Helper()
	return execute(t, nil, append([]string{"--config", f.config}, args...)...)
}

func (f *fixture) load(t *testing.T) config.Config {
	t.Helper()
	c, err := config.Load(viper.New(), f.config)
	require.NoError(t, err)
	return c
}

func TestEval_PrintsResults(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "eval", "1 + 1", "x <- 2", "x * 21")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "2\n42\n", res.stdout)
	assert.Equal(t, 1, f.broker.Connects())
}

func TestEval_ConsoleOutput(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "eval", "cat('hello')", "message('careful')")
	require.NoError(t, res.err)
	assert.Equal(t, "hello", res.stdout)
	assert.Contains(t, res.stderr, "careful")
}

func TestEval_RError(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "eval", "stop('boom')")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "boom")
}

func TestEval_DialogAnsweredFromStdin(t *testing.T) {
	f := newFixture(t)

	res := execute(t, strings.NewReader("maybe\nn\n"), "--config", f.config, "eval", "askYesNo('Overwrite?')")
	require.NoError(t, res.err)
	assert.Equal(t, 2, strings.Count(res.stderr, "Overwrite? [y/n/c]"), "invalid reply asks again")
	assert.NotEmpty(t, res.stdout)
}

func TestEval_NoBroker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("storage:\n  db_path: %s\n", filepath.Join(dir, "rtvs.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	res := execute(t, nil, "--config", path, "eval", "1")
	require.ErrorIs(t, res.err, ErrNoBroker)
}

func TestEval_FallsBackToLastUsedConnection(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.run(t, "eval", "1").err)
	require.NoError(t, config.SaveActiveBroker(f.config, ""))

	res := f.run(t, "eval", "6 * 7")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "42\n", res.stdout)
	assert.Equal(t, 2, f.broker.Connects())
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("active_broker: nowhere\n"), 0o600))

	res := execute(t, nil, "--config", path, "eval", "1")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "invalid configuration")
}
