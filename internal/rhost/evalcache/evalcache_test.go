package evalcache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/hosttest"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/rhost/session"
)

const testTimeout = 5 * time.Second

func startSession(t *testing.T) (*session.Session, *hosttest.Broker) {
	t.Helper()
	name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	b := hosttest.NewBroker(t, name)
	s := session.New("test", session.StaticBroker(b))
	t.Cleanup(func() { _ = s.Dispose(context.Background()) })
	require.NoError(t, s.StartHost(context.Background(), rhost.StartupInfo{Name: "test"}, nil, testTimeout))
	return s, b
}

func newCache(t *testing.T, s *session.Session, opts ...Option) *Cache {
	c := New(s, opts...)
	t.Cleanup(c.Close)
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestCache_ServesRepeatedEvaluations(t *testing.T) {
	s, b := startSession(t)
	c := newCache(t, s)
	ctx := testContext(t)

	for range 3 {
		v, err := Get[int](ctx, c, "6 * 7", "")
		require.NoError(t, err)
		require.Equal(t, 42, v)
	}
	require.Equal(t, 1, b.LastHost().Evaluations())
	require.Equal(t, 1, c.Len())
}

func TestCache_KindIsPartOfKey(t *testing.T) {
	s, b := startSession(t)
	c := newCache(t, s)
	ctx := testContext(t)

	_, err := c.Evaluate(ctx, "1 + 1", protocol.KindNormal)
	require.NoError(t, err)
	_, err = c.Evaluate(ctx, "1 + 1", protocol.KindReentrant)
	require.NoError(t, err)
	require.Equal(t, 2, b.LastHost().Evaluations())
}

func TestCache_MutationInvalidates(t *testing.T) {
	s, b := startSession(t)
	c := newCache(t, s)
	ctx := testContext(t)

	_, err := s.Evaluate(ctx, "x <- 1", "")
	require.NoError(t, err)

	v, err := Get[int](ctx, c, "x", "")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	_, err = s.Evaluate(ctx, "x <- 2", "")
	require.NoError(t, err)

	v, err = Get[int](ctx, c, "x", "")
	require.NoError(t, err)
	require.Equal(t, 2, v)
	require.Equal(t, 4, b.LastHost().Evaluations())
}

func TestCache_MutatingExpressionNotCached(t *testing.T) {
	s, _ := startSession(t)
	c := newCache(t, s)
	ctx := testContext(t)

	_, err := c.Evaluate(ctx, "y <- 5", "")
	require.NoError(t, err)
	require.Zero(t, c.Len())
}

func TestCache_ErrorsNotCached(t *testing.T) {
	s, b := startSession(t)
	c := newCache(t, s)
	ctx := testContext(t)

	for range 2 {
		_, err := c.Evaluate(ctx, "missing", "")
		var evalErr *rhost.EvaluationError
		require.ErrorAs(t, err, &evalErr)
	}
	require.Equal(t, 2, b.LastHost().Evaluations())
	require.Zero(t, c.Len())
}

func TestCache_RestartInvalidates(t *testing.T) {
	s, _ := startSession(t)
	c := newCache(t, s)
	ctx := testContext(t)

	_, err := c.Evaluate(ctx, "TRUE", "")
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	require.NoError(t, s.Restart(ctx))
	require.Eventually(t, func() bool { return c.Len() == 0 }, testTimeout, 5*time.Millisecond)
}

func TestCache_Expires(t *testing.T) {
	s, b := startSession(t)
	c := newCache(t, s, WithTTL(20*time.Millisecond))
	ctx := testContext(t)

	_, err := c.Evaluate(ctx, "'a'", "")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = c.Evaluate(ctx, "'a'", "")
	require.NoError(t, err)
	require.Equal(t, 2, b.LastHost().Evaluations())
}

func TestCache_CloseAfterDispose(t *testing.T) {
	s, _ := startSession(t)
	c := New(s)
	require.NoError(t, s.Dispose(context.Background()))

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(testTimeout):
		require.Fail(t, "Close did not return")
	}
}
