// Package hosttest provides an in-process R host that speaks the wire
// protocol, for tests.
//
// The host understands a handful of R expressions:
//
//	1+1, 6*7, 10-3, 42       integer arithmetic
//	'abc', "abc"             string literals
//	TRUE, FALSE, NULL        constants
//	x <- 42                  assignment (signals Mutated)
//	ls()                     names of assigned variables
//	readline('prompt')       nested prompt; evaluates to the typed text
//	askYesNo('question')     yes/no/cancel dialog; evaluates to the answer
//	while(TRUE){}            runs until cancelled
//	Sys.sleep(0.1)           sleeps
//	stop('msg')              R error
//	library(pkg)             signals Mutated
//	setwd('dir')             signals DirectoryChanged
//	cat('text'), message('text')
//	plot(x)                  stores a fake PNG blob and signals Plot
//	create_blob('text')      stores text as a blob; evaluates to its id
//	blob_text(3)             evaluates to the content of blob 3
//	quit(), q()              ends the session
package hosttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transport"
)

var errStopped = errors.New("host stopped")

// Option configures a Host.
type Option func(*options)

type options struct {
	name         string
	startupDelay time.Duration
	rVersion     string
}

// WithName sets the host name announced in the hello message.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithStartupDelay delays the hello and first prompt.
func WithStartupDelay(d time.Duration) Option {
	return func(o *options) { o.startupDelay = d }
}

// WithRVersion sets the R version announced in the hello message.
func WithRVersion(version string) Option {
	return func(o *options) { o.rVersion = version }
}

// evaluationKey carries the id of the ?Evaluate request being run.
type evaluationKey struct{}

type prompt struct {
	id    uint64
	depth int
	reply chan string
}

// Host is a scripted R host bound to one transport.
type Host struct {
	transport transport.Transport
	opts      options

	seq atomic.Uint64

	mu          sync.Mutex
	prompts     []*prompt
	dialogs     map[uint64]chan protocol.Answer
	running     map[uint64]context.CancelFunc
	command     context.CancelFunc
	atTopPrompt bool
	vars        map[string]json.RawMessage
	blobs       map[uint64][]byte
	blobSeq     uint64

	evaluations atomic.Int32
	cancelAlls  atomic.Int32
	cancels     atomic.Int32

	ctx       context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
}

// Serve starts a host on t and returns immediately.
func Serve(t transport.Transport, opts ...Option) *Host {
	o := options{name: "hosttest", rVersion: "4.4.1"}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, stop := context.WithCancel(context.Background())
	h := &Host{
		transport: t,
		opts:      o,
		dialogs:   make(map[uint64]chan protocol.Answer),
		running:   make(map[uint64]context.CancelFunc),
		vars:      make(map[string]json.RawMessage),
		blobs:     make(map[uint64][]byte),
		ctx:       ctx,
		stop:      stop,
	}

	go h.receiveLoop()
	go h.run()
	return h
}

// Kill drops the connection without a goodbye, like a killed process.
func (h *Host) Kill() {
	h.closeOnce.Do(func() {
		h.stop()
		_ = h.transport.Close()
	})
}

// Done is closed when the host has stopped.
func (h *Host) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Evaluations returns how many evaluation requests were received.
func (h *Host) Evaluations() int { return int(h.evaluations.Load()) }

// CancelAlls returns how many cancel-all requests were received.
func (h *Host) CancelAlls() int { return int(h.cancelAlls.Load()) }

// Cancels returns how many single-request cancellations were received.
func (h *Host) Cancels() int { return int(h.cancels.Load()) }

// Blobs returns the number of stored blobs.
func (h *Host) Blobs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blobs)
}

// Running returns the number of evaluations in progress.
func (h *Host) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running)
}

func (h *Host) run() {
	if d := h.opts.startupDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-h.ctx.Done():
			return
		}
	}

	h.notify(protocol.MsgHello, protocol.HelloArgs{
		Version:  protocol.Version,
		Name:     h.opts.name,
		RVersion: h.opts.rVersion,
	})

	for {
		text, err := h.readConsole(h.ctx, "> ", 0)
		if err != nil {
			return
		}
		h.runCommand(text)
	}
}

// runCommand evaluates a line typed at the top-level prompt, printing the
// result the way the R console does.
func (h *Host) runCommand(text string) {
	ctx, cancel := context.WithCancel(h.ctx)
	h.mu.Lock()
	h.command = cancel
	h.mu.Unlock()

	defer func() {
		cancel()
		h.mu.Lock()
		h.command = nil
		h.mu.Unlock()
	}()

	h.notify(protocol.MsgBusy, protocol.BusyArgs{Busy: true})
	defer h.notify(protocol.MsgBusy, protocol.BusyArgs{Busy: false})

	v := h.eval(ctx, text, 1)
	switch {
	case ctx.Err() != nil:
	case v.rerr != "":
		h.output("Error: "+v.rerr+"\n", protocol.StreamStderr)
	case v.value != nil && string(v.value) != "null":
		h.output("[1] "+string(v.value)+"\n", protocol.StreamStdout)
	}
}

// readConsole issues a prompt and waits for the client's reply.
func (h *Host) readConsole(ctx context.Context, text string, depth int) (string, error) {
	p := &prompt{
		id:    h.seq.Add(1),
		depth: depth,
		reply: make(chan string, 1),
	}

	h.mu.Lock()
	h.prompts = append(h.prompts, p)
	if depth == 0 {
		h.atTopPrompt = true
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		for i, q := range h.prompts {
			if q == p {
				h.prompts = append(h.prompts[:i], h.prompts[i+1:]...)
				break
			}
		}
		if depth == 0 {
			h.atTopPrompt = false
		}
		h.mu.Unlock()
	}()

	evaluation, _ := ctx.Value(evaluationKey{}).(uint64)
	msg, _ := protocol.NewMessage(protocol.MsgPrompt, protocol.PromptArgs{Prompt: text, Depth: depth, Evaluation: evaluation}, nil)
	msg.ID = p.id
	if err := h.transport.Send(h.ctx, msg); err != nil {
		return "", errStopped
	}

	select {
	case reply := <-p.reply:
		return trimNewline(reply), nil
	case <-ctx.Done():
		h.notify(protocol.MsgCancel, protocol.CancelArgs{RequestID: p.id})
		if h.ctx.Err() != nil {
			return "", errStopped
		}
		return "", ctx.Err()
	}
}

// topDepth returns the depth of the innermost outstanding prompt, or -1.
func (h *Host) topDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.prompts) == 0 {
		return -1
	}
	return h.prompts[len(h.prompts)-1].depth
}

func (h *Host) receiveLoop() {
	defer h.Kill()

	for {
		msg, err := h.transport.Receive()
		if err != nil {
			return
		}

		switch {
		case msg.IsResponse():
			h.handleResponse(msg)
		case msg.Name == protocol.MsgEvaluate:
			go h.evaluate(msg)
		case msg.Name == protocol.MsgCancel:
			h.cancels.Add(1)
			var args protocol.CancelArgs
			_ = msg.DecodeArgs(&args)
			h.mu.Lock()
			if cancel, ok := h.running[args.RequestID]; ok {
				cancel()
			}
			h.mu.Unlock()
		case msg.Name == protocol.MsgCancelAll:
			go h.cancelAll(msg)
		case msg.Name == protocol.MsgShutdown:
			h.notify(protocol.MsgEnd, nil)
			return
		case isBlobMessage(msg.Name):
			h.handleBlob(msg)
		case msg.IsRequest():
			h.send(protocol.NewErrorResponse(msg, protocol.ErrCodeUnknownMessage, "unknown message "+msg.Name))
		}
	}
}

func (h *Host) handleResponse(msg *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.prompts {
		if p.id == msg.RequestID {
			var reply protocol.PromptReply
			_ = msg.DecodeArgs(&reply)
			if p.depth == 0 {
				h.atTopPrompt = false
			}
			select {
			case p.reply <- reply.Text:
			default:
			}
			return
		}
	}
	if ch, ok := h.dialogs[msg.RequestID]; ok {
		var reply protocol.DialogReply
		_ = msg.DecodeArgs(&reply)
		ch <- reply.Answer
		delete(h.dialogs, msg.RequestID)
	}
}

func (h *Host) evaluate(msg *protocol.Message) {
	h.evaluations.Add(1)

	var args protocol.EvaluateArgs
	if err := msg.DecodeArgs(&args); err != nil {
		h.send(protocol.NewErrorResponse(msg, protocol.ErrCodeInvalidArgs, err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(context.WithValue(h.ctx, evaluationKey{}, msg.ID))
	h.mu.Lock()
	h.running[msg.ID] = cancel
	h.mu.Unlock()

	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.running, msg.ID)
		h.mu.Unlock()
	}()

	v := h.eval(ctx, args.Expression, max(h.topDepth()+1, 1))

	var reply protocol.EvaluateReply
	switch {
	case ctx.Err() != nil:
		if h.ctx.Err() != nil {
			return
		}
		reply.Canceled = true
	case v.rerr != "":
		reply.RError = v.rerr
	default:
		reply.Result = v.value
		if reply.Result == nil {
			reply.Result = json.RawMessage("null")
		}
	}
	resp, _ := protocol.NewResponse(msg, reply, nil)
	h.send(resp)
}

// cancelAll interrupts every evaluation and the console command, then answers
// once the host is back at its top-level prompt.
func (h *Host) cancelAll(msg *protocol.Message) {
	h.cancelAlls.Add(1)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		// A console command may start after the request arrived, so keep
		// interrupting until the host is idle.
		h.mu.Lock()
		for _, cancel := range h.running {
			cancel()
		}
		if h.command != nil {
			h.command()
		}
		idle := len(h.running) == 0 && h.command == nil && h.atTopPrompt
		h.mu.Unlock()
		if idle {
			break
		}
		select {
		case <-ticker.C:
		case <-h.ctx.Done():
			return
		}
	}

	resp, _ := protocol.NewResponse(msg, nil, nil)
	h.send(resp)
}

func (h *Host) askDialog(ctx context.Context, name, message string, buttons protocol.Buttons) (protocol.Answer, error) {
	id := h.seq.Add(1)
	ch := make(chan protocol.Answer, 1)

	h.mu.Lock()
	h.dialogs[id] = ch
	h.mu.Unlock()

	msg, _ := protocol.NewMessage(name, protocol.DialogArgs{Message: message, Buttons: buttons}, nil)
	msg.ID = id
	h.send(msg)

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.dialogs, id)
		h.mu.Unlock()
		h.notify(protocol.MsgCancel, protocol.CancelArgs{RequestID: id})
		return "", ctx.Err()
	}
}

func (h *Host) output(text string, stream protocol.Stream) {
	h.notify(protocol.MsgOutput, protocol.OutputArgs{Text: text, Stream: stream})
}

func (h *Host) notify(name string, args any) {
	msg, err := protocol.NewMessage(name, args, nil)
	if err != nil {
		return
	}
	h.send(msg)
}

func (h *Host) send(msg *protocol.Message) {
	if err := h.transport.Send(context.Background(), msg); err != nil {
		h.Kill()
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
