package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/RTVS-sub005/internal/pubsub"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

func TestEvaluate_Values(t *testing.T) {
	s, _ := startSession(t)

	n, err := Evaluate[int](testContext(t), s, "6*7", protocol.KindNormal)
	require.NoError(t, err)
	require.Equal(t, 42, n)

	str, err := Evaluate[string](testContext(t), s, "toupper('abc')", protocol.KindReentrant)
	require.NoError(t, err)
	require.Equal(t, "ABC", str)

	b, err := Evaluate[bool](testContext(t), s, "TRUE", "")
	require.NoError(t, err)
	require.True(t, b)

	raw, err := s.Evaluate(testContext(t), "NULL", protocol.KindNormal)
	require.NoError(t, err)
	require.JSONEq(t, "null", string(raw))
}

func TestEvaluate_DecodeError(t *testing.T) {
	s, _ := startSession(t)

	_, err := Evaluate[int](testContext(t), s, "'text'", protocol.KindNormal)
	require.ErrorContains(t, err, "decoding result")
}

func TestEvaluate_RErrorIsNotDisconnect(t *testing.T) {
	s, _ := startSession(t)

	_, err := s.Evaluate(testContext(t), "stop('boom')", protocol.KindNormal)

	var evalErr *rhost.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	require.Equal(t, "stop('boom')", evalErr.Expression)

	var rErr *rhost.RError
	require.ErrorAs(t, err, &rErr)
	require.Equal(t, "boom", rErr.Message)

	require.False(t, rhost.IsDisconnected(err))
	require.True(t, s.IsHostRunning())
}

func TestEvaluate_NotRunning(t *testing.T) {
	s, _ := newSession(t)

	_, err := s.Evaluate(testContext(t), "1+1", protocol.KindReentrant)
	require.True(t, rhost.IsDisconnected(err), "got %v", err)

	_, err = s.Evaluate(testContext(t), "1+1", protocol.KindNormal)
	require.True(t, rhost.IsDisconnected(err), "got %v", err)
}

func TestEvaluate_CancelInfiniteLoop(t *testing.T) {
	s, b := startSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := s.Evaluate(ctx, "while(TRUE){}", protocol.KindNormal)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, s.IsHostRunning())

	// The host is told to abandon the evaluation.
	require.Eventually(t, func() bool { return b.LastHost().Running() == 0 }, testTimeout, 5*time.Millisecond)

	v, err := Evaluate[int](testContext(t), s, "1+1", protocol.KindNormal)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestEvaluate_NormalWaitsForInteraction(t *testing.T) {
	s, b := startSession(t)

	ix, err := s.BeginInteraction(testContext(t), true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(context.Background(), "1+1", protocol.KindNormal)
		done <- err
	}()

	require.Eventually(t, func() bool { return s.waiterCount() == 1 }, testTimeout, time.Millisecond)
	require.Zero(t, b.LastHost().Evaluations())

	ix.Dispose()
	require.NoError(t, <-done)
	require.Equal(t, 1, b.LastHost().Evaluations())
}

func TestEvaluate_ReentrantDoesNotWait(t *testing.T) {
	s, _ := startSession(t)

	ix, err := s.BeginInteraction(testContext(t), true)
	require.NoError(t, err)
	defer ix.Dispose()

	v, err := Evaluate[int](testContext(t), s, "1+1", protocol.KindReentrant)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestCancelAll_CancelsEvaluation(t *testing.T) {
	s, b := startSession(t)

	evalErr := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(context.Background(), "while(TRUE){}", protocol.KindNormal)
		evalErr <- err
	}()
	require.Eventually(t, func() bool { return b.LastHost().Running() == 1 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, s.CancelAll(testContext(t)))
	require.ErrorIs(t, <-evalErr, context.Canceled)
	require.True(t, s.IsHostRunning())
	require.Equal(t, 1, b.LastHost().CancelAlls())

	// Later evaluations are unaffected.
	v, err := Evaluate[int](testContext(t), s, "1+1", protocol.KindNormal)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestCancelAll_ParallelOnInfiniteLoop(t *testing.T) {
	s, b := startSession(t)

	ix, err := s.BeginInteraction(testContext(t), true)
	require.NoError(t, err)
	defer ix.Dispose()

	respondErr := make(chan error, 1)
	go func() { respondErr <- ix.Respond(context.Background(), "while(TRUE){}") }()
	require.Eventually(t, func() bool { return s.respondingCount() == 1 }, testTimeout, time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.CancelAll(testContext(t))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.ErrorIs(t, <-respondErr, context.Canceled)
	require.True(t, s.IsHostRunning())
	require.Equal(t, 4, b.LastHost().CancelAlls())

	next, err := s.BeginInteraction(testContext(t), true)
	require.NoError(t, err)
	require.Equal(t, "> ", next.Prompt())
	require.NoError(t, next.Respond(testContext(t), "1+1"))
	next.Dispose()
}

func TestCancelAll_UnwindsNestedPrompt(t *testing.T) {
	s, b := startSession(t)

	ix, err := s.BeginInteraction(testContext(t), true)
	require.NoError(t, err)
	defer ix.Dispose()
	respondErr := make(chan error, 1)
	go func() { respondErr <- ix.Respond(context.Background(), "readline('stuck')") }()

	nested, err := s.BeginInteraction(testContext(t), true)
	require.NoError(t, err)
	defer nested.Dispose()
	require.Equal(t, "stuck", nested.Prompt())

	require.NoError(t, s.CancelAll(testContext(t)))
	require.ErrorIs(t, <-respondErr, context.Canceled)
	require.ErrorIs(t, nested.Respond(testContext(t), "late"), rhost.ErrPromptAbandoned)
	require.True(t, s.IsHostRunning())
	require.Equal(t, 1, b.LastHost().CancelAlls())
}

func TestCancelAll_NotRunning(t *testing.T) {
	s, _ := newSession(t)
	require.NoError(t, s.CancelAll(testContext(t)))
}

func TestMutations(t *testing.T) {
	s, _ := startSession(t)
	events := s.Subscribe(testContext(t))

	_, err := s.Evaluate(testContext(t), "x <- 42", protocol.KindNormal)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Mutations())
	waitEvent(t, events, pubsub.MutatedEvent)

	v, err := Evaluate[int](testContext(t), s, "x", protocol.KindNormal)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	_, err = s.Evaluate(testContext(t), "library(stats)", protocol.KindNormal)
	require.NoError(t, err)
	require.EqualValues(t, 2, s.Mutations())
}

type recordingCallbacks struct {
	NopCallbacks

	mu      sync.Mutex
	output  []string
	busy    []bool
	dirs    []string
	plots   []uint64
	answer  protocol.Answer
	asked   []string
	blockOn chan struct{}
}

func (r *recordingCallbacks) WriteConsole(text string, _ protocol.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, text)
}

func (r *recordingCallbacks) Busy(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = append(r.busy, busy)
}

func (r *recordingCallbacks) DirectoryChanged(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
}

func (r *recordingCallbacks) PlotReady(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plots = append(r.plots, id)
}

func (r *recordingCallbacks) YesNoCancel(ctx context.Context, message string) (protocol.Answer, error) {
	r.mu.Lock()
	r.asked = append(r.asked, message)
	block := r.blockOn
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.answer, nil
}

func startWithCallbacks(t *testing.T, cb Callbacks) *Session {
	t.Helper()
	s, _ := newSession(t)
	require.NoError(t, s.StartHost(testContext(t), rhost.StartupInfo{Name: "test"}, cb, testTimeout))
	return s
}

func TestCallbacks_Console(t *testing.T) {
	cb := &recordingCallbacks{}
	s := startWithCallbacks(t, cb)

	ix, err := s.BeginInteraction(testContext(t), true)
	require.NoError(t, err)
	require.NoError(t, ix.Respond(testContext(t), "cat('hello')"))
	ix.Dispose()

	_, err = s.Evaluate(testContext(t), "setwd('/tmp/work')", protocol.KindNormal)
	require.NoError(t, err)
	_, err = s.Evaluate(testContext(t), "plot(1)", protocol.KindNormal)
	require.NoError(t, err)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Contains(t, cb.output, "hello")
	require.Equal(t, []bool{true, false}, cb.busy)
	require.Equal(t, []string{"/tmp/work"}, cb.dirs)
	require.Len(t, cb.plots, 1)
}

func TestCallbacks_YesNoCancel(t *testing.T) {
	cb := &recordingCallbacks{answer: protocol.AnswerYes}
	s := startWithCallbacks(t, cb)

	v, err := Evaluate[string](testContext(t), s, "askYesNo('continue?')", protocol.KindNormal)
	require.NoError(t, err)
	require.Equal(t, "yes", v)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Equal(t, []string{"continue?"}, cb.asked)
}

func TestCallbacks_DialogCanceledByHost(t *testing.T) {
	cb := &recordingCallbacks{answer: protocol.AnswerNo, blockOn: make(chan struct{})}
	s := startWithCallbacks(t, cb)
	defer close(cb.blockOn)

	ctx, cancel := context.WithCancel(context.Background())
	evalErr := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(ctx, "askYesNo('wait')", protocol.KindNormal)
		evalErr <- err
	}()
	require.Eventually(t, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return len(cb.asked) == 1
	}, testTimeout, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-evalErr, context.Canceled)

	// The dialog context is cancelled when the host withdraws the question.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.dialogs) == 0
	}, testTimeout, time.Millisecond)
}

func TestOutputEvents(t *testing.T) {
	s, _ := startSession(t)
	events := s.Subscribe(testContext(t))

	_, err := s.Evaluate(testContext(t), "message('careful')", protocol.KindNormal)
	require.NoError(t, err)

	e := waitEvent(t, events, pubsub.OutputEvent)
	require.Equal(t, "careful\n", e.Text)
	require.Equal(t, protocol.StreamStderr, e.Stream)

	recent := s.RecentOutput(1)
	require.Len(t, recent, 1)
	require.Equal(t, "careful\n", recent[0].Text)
}

func TestEvaluate_OversizedExpressionKeepsHost(t *testing.T) {
	s, b := startSession(t)

	_, err := s.Evaluate(testContext(t), "x <- '"+strings.Repeat("a", 17<<20)+"'", protocol.KindReentrant)
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	require.False(t, rhost.IsDisconnected(err))
	require.True(t, s.IsHostRunning())
	require.Zero(t, b.LastHost().Evaluations())

	n, err := Evaluate[int](testContext(t), s, "1+1", protocol.KindNormal)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestInteraction_OversizedResponseCanBeRetried(t *testing.T) {
	s, _ := startSession(t)

	ix, err := s.BeginInteraction(testContext(t), true)
	require.NoError(t, err)

	err = ix.Respond(testContext(t), strings.Repeat("a", protocol.MaxFrameSize))
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	require.True(t, s.IsHostRunning())
	require.Equal(t, 1, s.promptCount())

	require.NoError(t, ix.Respond(testContext(t), "1+1"))
	ix.Dispose()

	next, err := s.BeginInteraction(testContext(t), true)
	require.NoError(t, err)
	require.Equal(t, "> ", next.Prompt())
	next.Dispose()
}

func TestWriteBlob_OversizedChunkKeepsHost(t *testing.T) {
	s, _ := startSession(t)

	id, err := s.CreateBlob(testContext(t))
	require.NoError(t, err)
	_, err = s.WriteBlob(testContext(t), id, 0, make([]byte, 13<<20))
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	require.True(t, s.IsHostRunning())

	_, err = s.WriteBlob(testContext(t), id, 0, []byte("small"))
	require.NoError(t, err)
}
