package session

import (
	"context"
	"errors"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/tracing"
)

// ErrAlreadyResponded is returned by a second Respond on one interaction.
var ErrAlreadyResponded = errors.New("interaction already responded")

// prompt mirrors one outstanding prompt request from the host.
type prompt struct {
	msg   *protocol.Message
	text  string
	depth int
	owner *Interaction

	// evaluation is the request id of the evaluation whose code opened
	// the prompt, or 0 for code typed at a prompt.
	evaluation uint64
}

type grant struct {
	ix  *Interaction
	err error
}

type waiter struct {
	visible bool
	ch      chan grant
}

// Interaction is the exclusive right to answer one host prompt. Obtain it
// with BeginInteraction and always Dispose it.
type Interaction struct {
	s       *Session
	conn    *connection
	prompt  *prompt
	visible bool
	span    trace.Span

	// Guarded by s.mu.
	responding bool
	finished   bool
	disposed   bool
	result     error
	done       chan struct{}
}

// Prompt returns the text of the prompt this interaction answers.
func (ix *Interaction) Prompt() string { return ix.prompt.text }

// Depth returns the prompt's nesting depth; 0 is the top-level console.
func (ix *Interaction) Depth() int { return ix.prompt.depth }

// IsNested reports whether the prompt was opened by code that is already
// running, such as readline().
func (ix *Interaction) IsNested() bool { return ix.prompt.depth > 0 }

// Visible reports whether the caller asked for a console-visible interaction.
func (ix *Interaction) Visible() bool { return ix.visible }

// BeginInteraction waits until it is this caller's turn to answer a prompt.
// Callers are served in arrival order. A nested prompt is granted while the
// interaction that caused it is still live.
func (s *Session) BeginInteraction(ctx context.Context, visible bool) (*Interaction, error) {
	w := &waiter{visible: visible, ch: make(chan grant, 1)}

	s.mu.Lock()
	lost := s.syncLocked()
	if s.disposed {
		s.mu.Unlock()
		return nil, rhost.ErrSessionDisposed
	}
	if s.state != StateRunning && s.state != StateStarting {
		s.mu.Unlock()
		s.afterDetach(lost)
		return nil, rhost.Disconnected(ErrNotRunning)
	}
	s.waiters = append(s.waiters, w)
	s.grantLocked()
	s.mu.Unlock()
	s.afterDetach(lost)

	select {
	case g := <-w.ch:
		return g.ix, g.err
	case <-ctx.Done():
		s.mu.Lock()
		s.waiters = slices.DeleteFunc(s.waiters, func(o *waiter) bool { return o == w })
		s.mu.Unlock()

		// Granted or failed concurrently.
		select {
		case g := <-w.ch:
			if g.ix != nil {
				g.ix.Dispose()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// grantLocked hands the top prompt to the first waiter when the prompt is
// free and nests above every live interaction.
func (s *Session) grantLocked() {
	if s.state != StateRunning || s.conn == nil {
		return
	}
	for len(s.waiters) > 0 && len(s.prompts) > 0 {
		top := s.prompts[len(s.prompts)-1]
		if top.owner != nil {
			return
		}
		if n := len(s.live); n > 0 && s.live[n-1].prompt.depth >= top.depth {
			return
		}

		w := s.waiters[0]
		s.waiters = s.waiters[1:]

		ix := &Interaction{
			s:       s,
			conn:    s.conn,
			prompt:  top,
			visible: w.visible,
			done:    make(chan struct{}),
		}
		_, ix.span = tracing.Start(context.Background(), s.tracer, tracing.SpanInteraction,
			attribute.String(tracing.AttrSessionID, s.id),
			attribute.Int("depth", top.depth))
		top.owner = ix
		s.live = append(s.live, ix)
		s.metrics.InteractionGranted()
		w.ch <- grant{ix: ix}
	}
}

// Respond sends text as the answer to the prompt and waits until the host
// has processed it: for a top-level prompt, until the host prompts again.
func (ix *Interaction) Respond(ctx context.Context, text string) error {
	s := ix.s

	s.mu.Lock()
	switch {
	case ix.disposed:
		s.mu.Unlock()
		return rhost.ErrInteractionDisposed
	case ix.responding:
		s.mu.Unlock()
		return ErrAlreadyResponded
	case ix.finished:
		err := ix.result
		s.mu.Unlock()
		return err
	}
	i := slices.Index(s.prompts, ix.prompt)
	if i < 0 {
		s.mu.Unlock()
		return rhost.ErrPromptAbandoned
	}
	if i != len(s.prompts)-1 {
		s.mu.Unlock()
		return rhost.ErrNestedInteractionPending
	}
	s.prompts = s.prompts[:i]
	ix.prompt.owner = nil
	ix.responding = true
	s.responding[ix] = struct{}{}
	s.mu.Unlock()

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	log.Debug(log.CatSession, "Responding to prompt", "session", s.name, "depth", ix.prompt.depth)

	if err := ix.conn.host.Respond(ctx, ix.prompt.msg, protocol.PromptReply{Text: text}); err != nil {
		s.mu.Lock()
		var encErr *protocol.EncodeError
		if errors.As(err, &encErr) && s.restorePromptLocked(ix) {
			// The host never saw the reply and still waits on the prompt.
			s.mu.Unlock()
			return err
		}
		s.finishLocked(ix, err)
		s.mu.Unlock()
		return err
	}

	select {
	case <-ix.done:
		s.mu.Lock()
		err := ix.result
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose releases the interaction so the next caller can be served.
// It is safe to call more than once.
func (ix *Interaction) Dispose() {
	s := ix.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if ix.disposed {
		return
	}
	ix.disposed = true
	if ix.prompt.owner == ix {
		ix.prompt.owner = nil
	}
	s.finishLocked(ix, rhost.ErrInteractionDisposed)
	s.grantLocked()
}

// finishLocked completes ix with err. Only the first call has any effect.
func (s *Session) finishLocked(ix *Interaction, err error) {
	if ix.finished {
		return
	}
	ix.finished = true
	ix.result = err
	close(ix.done)
	delete(s.responding, ix)
	s.live = slices.DeleteFunc(s.live, func(o *Interaction) bool { return o == ix })

	switch {
	case err == nil:
		tracing.End(ix.span, nil)
	case errors.Is(err, rhost.ErrInteractionDisposed):
		ix.span.End()
	default:
		tracing.End(ix.span, err)
	}
}

// pushPromptLocked records a new prompt from the host. A prompt at depth d
// means everything at depth d or deeper has finished: stale prompts are
// dropped and interactions answering them complete.
func (s *Session) pushPromptLocked(p *prompt) {
	kept := s.prompts[:0]
	for _, q := range s.prompts {
		if q.depth < p.depth {
			kept = append(kept, q)
			continue
		}
		if q.owner != nil {
			s.finishLocked(q.owner, rhost.ErrPromptAbandoned)
			q.owner = nil
		}
	}
	s.prompts = kept

	for ix := range s.responding {
		if ix.prompt.depth >= p.depth {
			s.finishLocked(ix, nil)
		}
	}
	s.prompts = append(s.prompts, p)
	s.grantLocked()
}

// withdrawPromptLocked drops a prompt the host no longer waits on.
func (s *Session) withdrawPromptLocked(id uint64) bool {
	i := slices.IndexFunc(s.prompts, func(p *prompt) bool { return p.msg.ID == id })
	if i < 0 {
		return false
	}
	p := s.prompts[i]
	s.prompts = slices.Delete(s.prompts, i, i+1)
	if p.owner != nil {
		s.finishLocked(p.owner, rhost.ErrPromptAbandoned)
		p.owner = nil
	}
	s.grantLocked()
	return true
}

// restorePromptLocked puts ix's prompt back on the stack after a reply that
// was never sent, so ix can respond again. It reports false when the host
// has moved on in the meantime.
func (s *Session) restorePromptLocked(ix *Interaction) bool {
	if ix.finished || ix.disposed {
		return false
	}
	if n := len(s.prompts); n > 0 && s.prompts[n-1].depth >= ix.prompt.depth {
		return false
	}
	delete(s.responding, ix)
	ix.responding = false
	ix.prompt.owner = ix
	s.prompts = append(s.prompts, ix.prompt)
	return true
}

// settleNestedLocked completes the nested responses to prompts opened by
// evaluation id. The host does not prompt again after a nested reply
// returns control to an evaluation, so the evaluation's completion is the
// signal instead.
func (s *Session) settleNestedLocked(id uint64) {
	for ix := range s.responding {
		if ix.prompt.evaluation == id {
			s.finishLocked(ix, nil)
		}
	}
	s.grantLocked()
}

// failInteractionsLocked fails every waiter and interaction with err.
func (s *Session) failInteractionsLocked(err error) {
	for _, w := range s.waiters {
		w.ch <- grant{err: err}
	}
	s.waiters = nil

	for _, ix := range slices.Clone(s.live) {
		s.finishLocked(ix, err)
	}
	for ix := range s.responding {
		s.finishLocked(ix, err)
	}
	s.prompts = nil

	for id, cancel := range s.dialogs {
		cancel()
		delete(s.dialogs, id)
	}
}

// cancelInteractionsLocked completes every pending response with
// context.Canceled. The prompts stay; the host prompts again once
// interrupted.
func (s *Session) cancelInteractionsLocked() {
	for ix := range s.responding {
		s.finishLocked(ix, context.Canceled)
	}
}
