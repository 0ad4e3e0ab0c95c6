package host

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transport"
)

// recordingHandler captures host-initiated messages in arrival order.
type recordingHandler struct {
	mu       sync.Mutex
	messages []*protocol.Message
	received chan *protocol.Message
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{received: make(chan *protocol.Message, 64)}
}

func (r *recordingHandler) HandleNotification(msg *protocol.Message) { r.record(msg) }
func (r *recordingHandler) HandleRequest(msg *protocol.Message)      { r.record(msg) }

func (r *recordingHandler) record(msg *protocol.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.received <- msg
}

func (r *recordingHandler) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg := <-r.received:
		return msg
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for host message")
		return nil
	}
}

func startHost(t *testing.T) (*Host, *transport.Stream, *recordingHandler) {
	t.Helper()

	client, peer := transport.Pipe()
	handler := newRecordingHandler()
	h := New(client, handler, WithName("test"))
	go func() { _ = h.Run(context.Background()) }()

	t.Cleanup(func() {
		_ = h.Close()
		_ = peer.Close()
	})
	return h, peer, handler
}

func TestHost_CallCorrelatesOutOfOrderResponses(t *testing.T) {
	h, peer, _ := startHost(t)

	type outcome struct {
		expr string
		msg  *protocol.Message
		err  error
	}
	results := make(chan outcome, 2)
	for _, expr := range []string{"a", "b"} {
		go func(expr string) {
			msg, err := h.Call(context.Background(), protocol.MsgEvaluate, protocol.EvaluateArgs{Expression: expr}, nil)
			results <- outcome{expr: expr, msg: msg, err: err}
		}(expr)
	}

	var reqs []*protocol.Message
	for i := 0; i < 2; i++ {
		req, err := peer.Receive()
		require.NoError(t, err)
		reqs = append(reqs, req)
	}

	// Answer in reverse order, echoing the expression back.
	for i := len(reqs) - 1; i >= 0; i-- {
		var args protocol.EvaluateArgs
		require.NoError(t, reqs[i].DecodeArgs(&args))
		resp, err := protocol.NewResponse(reqs[i], protocol.EvaluateReply{Result: []byte(`"` + args.Expression + `"`)}, nil)
		require.NoError(t, err)
		require.NoError(t, peer.Send(context.Background(), resp))
	}

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		var reply protocol.EvaluateReply
		require.NoError(t, r.msg.DecodeArgs(&reply))
		require.Equal(t, `"`+r.expr+`"`, string(reply.Result))
	}
	require.Zero(t, h.Pending())
}

func TestHost_DeliversHostMessagesInOrder(t *testing.T) {
	_, peer, handler := startHost(t)

	ctx := context.Background()
	require.NoError(t, peer.Send(ctx, &protocol.Message{Name: protocol.MsgOutput}))
	require.NoError(t, peer.Send(ctx, &protocol.Message{ID: 5, Name: protocol.MsgPrompt}))
	require.NoError(t, peer.Send(ctx, &protocol.Message{Name: protocol.MsgMutated}))

	require.Equal(t, protocol.MsgOutput, handler.next(t).Name)
	require.Equal(t, protocol.MsgPrompt, handler.next(t).Name)
	require.Equal(t, protocol.MsgMutated, handler.next(t).Name)
}

func TestHost_ErrorResponse(t *testing.T) {
	h, peer, _ := startHost(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), protocol.MsgReadBlob, protocol.ReadBlobArgs{BlobID: 9}, nil)
		errCh <- err
	}()

	req, err := peer.Receive()
	require.NoError(t, err)
	require.NoError(t, peer.Send(context.Background(), protocol.NewErrorResponse(req, protocol.ErrCodeBlobNotFound, "no blob")))

	err = <-errCh
	var hostErr *protocol.Error
	require.True(t, errors.As(err, &hostErr))
	require.Equal(t, protocol.ErrCodeBlobNotFound, hostErr.Code)
	require.False(t, rhost.IsDisconnected(err))
}

func TestHost_CancelSendsBestEffortNotification(t *testing.T) {
	h, peer, _ := startHost(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.Call(ctx, protocol.MsgEvaluate, protocol.EvaluateArgs{Expression: "while(TRUE){}"}, nil)
		errCh <- err
	}()

	req, err := peer.Receive()
	require.NoError(t, err)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		require.Fail(t, "cancelled call did not return")
	}

	note, err := peer.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.MsgCancel, note.Name)
	var args protocol.CancelArgs
	require.NoError(t, note.DecodeArgs(&args))
	require.Equal(t, req.ID, args.RequestID)
	require.Zero(t, h.Pending())

	// A late response to the cancelled request is ignored.
	resp, err := protocol.NewResponse(req, protocol.EvaluateReply{Canceled: true}, nil)
	require.NoError(t, err)
	require.NoError(t, peer.Send(context.Background(), resp))
}

func TestHost_DisconnectFailsAllPendingOnce(t *testing.T) {
	h, peer, _ := startHost(t)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.Call(context.Background(), protocol.MsgEvaluate, protocol.EvaluateArgs{Expression: "x"}, nil)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		_, err := peer.Receive()
		require.NoError(t, err)
	}

	require.NoError(t, peer.Close())

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, rhost.ErrHostDisconnected)
		case <-time.After(time.Second):
			require.Fail(t, "pending call not failed on disconnect")
		}
	}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		require.Fail(t, "Done not closed")
	}
	require.ErrorIs(t, h.Err(), rhost.ErrHostDisconnected)

	_, err := h.Call(context.Background(), protocol.MsgEvaluate, nil, nil)
	require.ErrorIs(t, err, rhost.ErrHostDisconnected)
	require.ErrorIs(t, h.Notify(context.Background(), protocol.MsgShutdown, nil), rhost.ErrHostDisconnected)
}

func TestHost_RunStopsOnContextCancel(t *testing.T) {
	client, peer := transport.Pipe()
	defer peer.Close()

	h := New(client, newRecordingHandler())
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()
	cancel()

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, rhost.ErrHostDisconnected)
	case <-time.After(time.Second):
		require.Fail(t, "Run did not return")
	}
}

func TestHost_RespondAnswersHostRequest(t *testing.T) {
	h, peer, handler := startHost(t)

	require.NoError(t, peer.Send(context.Background(), &protocol.Message{ID: 11, Name: protocol.MsgYesNoCancel}))
	req := handler.next(t)

	require.NoError(t, h.Respond(context.Background(), req, protocol.DialogReply{Answer: protocol.AnswerYes}))

	resp, err := peer.Receive()
	require.NoError(t, err)
	require.Equal(t, uint64(11), resp.RequestID)
	var reply protocol.DialogReply
	require.NoError(t, resp.DecodeArgs(&reply))
	require.Equal(t, protocol.AnswerYes, reply.Answer)
}

func TestHost_OversizedRequestKeepsConnection(t *testing.T) {
	h, peer, handler := startHost(t)
	ctx := context.Background()

	_, err := h.Call(ctx, protocol.MsgWriteBlob, protocol.WriteBlobArgs{BlobID: 1}, make([]byte, protocol.MaxFrameSize))
	var encErr *protocol.EncodeError
	require.ErrorAs(t, err, &encErr)
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	require.False(t, rhost.IsDisconnected(err))
	require.Zero(t, h.Pending())

	require.NoError(t, peer.Send(ctx, &protocol.Message{ID: 3, Name: protocol.MsgPrompt}))
	prompt := handler.next(t)
	err = h.Respond(ctx, prompt, protocol.PromptReply{Text: strings.Repeat("a", protocol.MaxFrameSize)})
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)

	select {
	case <-h.Done():
		require.Fail(t, "connection torn down by an encoding failure")
	default:
	}

	// The connection still carries requests.
	callErr := make(chan error, 1)
	go func() {
		_, err := h.Call(ctx, protocol.MsgEvaluate, protocol.EvaluateArgs{Expression: "1"}, nil)
		callErr <- err
	}()
	req, err := peer.Receive()
	require.NoError(t, err)
	resp, err := protocol.NewResponse(req, protocol.EvaluateReply{Result: []byte("1")}, nil)
	require.NoError(t, err)
	require.NoError(t, peer.Send(ctx, resp))
	require.NoError(t, <-callErr)
}

func TestHost_StartExposesRequestID(t *testing.T) {
	h, peer, _ := startHost(t)
	ctx := context.Background()

	req, err := h.Start(ctx, protocol.MsgEvaluate, protocol.EvaluateArgs{Expression: "x"}, nil)
	require.NoError(t, err)

	sent, err := peer.Receive()
	require.NoError(t, err)
	require.Equal(t, sent.ID, req.ID())

	resp, err := protocol.NewResponse(sent, protocol.EvaluateReply{Result: []byte(`"x"`)}, nil)
	require.NoError(t, err)
	require.NoError(t, peer.Send(ctx, resp))

	msg, err := req.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, req.ID(), msg.RequestID)
}
