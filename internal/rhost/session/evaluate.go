package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/metrics"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/tracing"
)

var errCancelAll = errors.New("cancel all")

// Evaluate runs expr on the host and returns the JSON encoded result.
//
// A KindNormal evaluation waits its turn behind queued interactions and
// holds the top-level prompt while it runs. A KindReentrant evaluation is
// sent immediately, even while a prompt is being answered.
//
// Errors: context.Canceled when ctx or CancelAll interrupts it, an error
// matching rhost.ErrHostDisconnected when the host goes away, and
// *rhost.EvaluationError when R raises an error.
func (s *Session) Evaluate(ctx context.Context, expr string, kind protocol.EvaluationKind) (json.RawMessage, error) {
	if kind == "" {
		kind = protocol.KindNormal
	}
	started := time.Now()

	ctx, span := tracing.Start(ctx, s.tracer, tracing.SpanEvaluate,
		attribute.String(tracing.AttrSessionID, s.id),
		attribute.String(tracing.AttrEvalKind, string(kind)),
		attribute.String(tracing.AttrEvalExpr, expr))

	result, err := s.evaluate(ctx, expr, kind)

	tracing.End(span, err)
	s.metrics.ObserveEvaluation(string(kind), outcome(err), time.Since(started))
	return result, err
}

func (s *Session) evaluate(ctx context.Context, expr string, kind protocol.EvaluationKind) (json.RawMessage, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	id := s.registerCancel(cancel)
	defer func() {
		s.unregisterCancel(id)
		cancel(nil)
	}()

	var conn *connection
	if kind == protocol.KindNormal {
		ix, err := s.BeginInteraction(ctx, false)
		if err != nil {
			return nil, err
		}
		defer ix.Dispose()
		conn = ix.conn
	} else {
		c, err := s.liveConn()
		if err != nil {
			return nil, err
		}
		conn = c
	}

	req, err := conn.host.Start(ctx, protocol.MsgEvaluate, protocol.EvaluateArgs{Expression: expr, Kind: kind}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := req.Wait(ctx)

	s.mu.Lock()
	s.settleNestedLocked(req.ID())
	s.mu.Unlock()

	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("evaluating %q: %w", expr, err)
		}
		return nil, err
	}

	var reply protocol.EvaluateReply
	if err := resp.DecodeArgs(&reply); err != nil {
		return nil, err
	}
	switch {
	case reply.Canceled:
		return nil, context.Canceled
	case reply.RError != "":
		return nil, &rhost.EvaluationError{Expression: expr, Err: &rhost.RError{Message: reply.RError}}
	}
	return reply.Result, nil
}

// Evaluate runs expr on s and decodes the result into T.
func Evaluate[T any](ctx context.Context, s *Session, expr string, kind protocol.EvaluationKind) (T, error) {
	var v T
	raw, err := s.Evaluate(ctx, expr, kind)
	if err != nil {
		return v, err
	}
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding result of %q: %w", expr, err)
	}
	return v, nil
}

// CancelAll interrupts whatever the host is running. Every evaluation and
// pending response in flight when it is called completes with
// context.Canceled; later requests are unaffected. The host keeps running.
// ctx bounds only the wait for the host's acknowledgement.
func (s *Session) CancelAll(ctx context.Context) error {
	conn, err := s.liveConn()
	if err != nil {
		return nil
	}

	s.mu.Lock()
	n := len(s.cancellable)
	for _, cancel := range s.cancellable {
		cancel(errCancelAll)
	}
	s.cancelInteractionsLocked()
	s.mu.Unlock()

	s.metrics.CancelAll()
	log.Debug(log.CatSession, "Canceling all", "session", s.name, "evaluations", n)

	ctx, span := tracing.Start(ctx, s.tracer, tracing.SpanCancelAll,
		attribute.String(tracing.AttrSessionID, s.id))
	_, err = conn.host.Call(ctx, protocol.MsgCancelAll, nil, nil)
	tracing.End(span, err)
	return err
}

func (s *Session) registerCancel(cancel context.CancelCauseFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelSeq++
	s.cancellable[s.cancelSeq] = cancel
	return s.cancelSeq
}

func (s *Session) unregisterCancel(id uint64) {
	s.mu.Lock()
	delete(s.cancellable, id)
	s.mu.Unlock()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	case rhost.IsDisconnected(err):
		return metrics.OutcomeDisconnected
	}
	return metrics.OutcomeError
}
