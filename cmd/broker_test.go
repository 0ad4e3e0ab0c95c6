package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/RTVS-sub005/internal/config"
	"github.com/microsoft/RTVS-sub005/internal/rhost/hosttest"
)

func TestBroker_AddListUseRemove(t *testing.T) {
	f := newFixture(t)
	other := hosttest.NewBroker(t, "broker-lifecycle-other")

	res := f.run(t, "broker", "add", "other", "memory://broker-lifecycle-other", "--user", "ada")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "added broker other")

	c := f.load(t)
	require.Len(t, c.Brokers, 2)
	assert.Equal(t, "ada", c.Brokers[1].User)
	assert.Equal(t, "mem", c.ActiveBroker)

	res = f.run(t, "broker", "list")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "mem")
	assert.Contains(t, res.stdout, "memory://broker-lifecycle-other")
	assert.Contains(t, res.stdout, "never")

	res = f.run(t, "broker", "use", "other")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "using broker other")
	assert.Equal(t, "other", f.load(t).ActiveBroker)
	assert.Equal(t, 0, other.Connects(), "switching only pings the broker")

	res = f.run(t, "broker", "list")
	require.NoError(t, res.err)
	assert.NotContains(t, lineOf(res.stdout, "other"), "never")

	res = f.run(t, "broker", "remove", "other")
	require.NoError(t, res.err)
	c = f.load(t)
	assert.Empty(t, c.ActiveBroker)
	require.Len(t, c.Brokers, 1)
	assert.Equal(t, "mem", c.Brokers[0].Name)

	res = f.run(t, "broker", "list")
	require.NoError(t, res.err)
	assert.NotContains(t, res.stdout, "broker-lifecycle-other")
}

func TestBroker_AddUse(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "broker", "add", "second", "/opt/R/4.4", "--use")
	require.NoError(t, res.err)

	c := f.load(t)
	assert.Equal(t, "second", c.ActiveBroker)
	info, ok := c.Active()
	require.True(t, ok)
	assert.False(t, info.IsRemote())
}

func TestBroker_AddInvalid(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "broker", "add", " ", "memory://x")
	require.Error(t, res.err)
	assert.Len(t, f.load(t).Brokers, 1)
}

func TestBroker_UseUnknown(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "broker", "use", "nope")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), `unknown broker "nope"`)
	assert.Equal(t, "mem", f.load(t).ActiveBroker)
}

func TestBroker_UseUnreachableKeepsActive(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, "broker", "add", "gone", "memory://not-registered").err)

	res := f.run(t, "broker", "use", "gone")
	require.Error(t, res.err)
	assert.Equal(t, "mem", f.load(t).ActiveBroker)

	res = f.run(t, "broker", "use", "gone", "--no-check")
	require.NoError(t, res.err)
	assert.Equal(t, "gone", f.load(t).ActiveBroker)
}

func TestBroker_RemoveUnknown(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "broker", "remove", "nope")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), `unknown broker "nope"`)
}

func TestBroker_UseRememberedConnection(t *testing.T) {
	f := newFixture(t)
	hosttest.NewBroker(t, "broker-remembered")
	require.NoError(t, f.run(t, "broker", "add", "kept", "memory://broker-remembered").err)

	// Drop it from the config only; the connection history still knows it.
	c := f.load(t)
	require.NoError(t, config.SaveBrokers(f.config, c.Brokers[:1]))

	res := f.run(t, "broker", "use", "kept")
	require.NoError(t, res.err, res.stderr)
	c = f.load(t)
	assert.Equal(t, "kept", c.ActiveBroker)
	assert.Len(t, c.Brokers, 2, "remembered broker is written back to the config")
}

// lineOf returns the first line of s containing substr.
func lineOf(s, substr string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.Contains(line, substr) {
			return line
		}
	}
	return ""
}
