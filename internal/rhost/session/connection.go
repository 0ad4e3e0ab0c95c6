package session

import (
	"context"
	"sync"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/pubsub"
	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
	"github.com/microsoft/RTVS-sub005/internal/rhost/host"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

// connection is one host connection. A session replaces it on every start
// and ignores messages from connections it has already dropped.
//
// Its handler methods run on the host's receive loop. They never send on
// the connection themselves: a send that blocks on a full pipe while the
// loop is not reading would deadlock.
type connection struct {
	s          *Session
	generation uint64
	host       *host.Host
	broker     broker.Client
	callbacks  Callbacks

	ready     chan struct{}
	readyOnce sync.Once
	hello     protocol.HelloArgs
}

func newConnection(s *Session, gen uint64, b broker.Client, callbacks Callbacks) *connection {
	return &connection{
		s:          s,
		generation: gen,
		broker:     b,
		callbacks:  callbacks,
		ready:      make(chan struct{}),
	}
}

func (c *connection) current() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.conn == c
}

func (c *connection) HandleNotification(msg *protocol.Message) {
	s := c.s
	if !c.current() {
		return
	}

	switch msg.Name {
	case protocol.MsgHello:
		var args protocol.HelloArgs
		if err := msg.DecodeArgs(&args); err != nil {
			log.ErrorErr(log.CatSession, "Bad hello", err, "session", s.name)
		}
		c.readyOnce.Do(func() {
			s.mu.Lock()
			c.hello = args
			s.mu.Unlock()
			close(c.ready)
		})
		log.Info(log.CatSession, "Host ready", "session", s.name, "host", args.Name, "r_version", args.RVersion)

	case protocol.MsgOutput:
		var args protocol.OutputArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return
		}
		if args.Stream == "" {
			args.Stream = protocol.StreamStdout
		}
		s.output.Write(OutputChunk{Text: args.Text, Stream: args.Stream})
		c.callbacks.WriteConsole(args.Text, args.Stream)
		s.publish(pubsub.OutputEvent, Event{Text: args.Text, Stream: args.Stream})

	case protocol.MsgBusy:
		var args protocol.BusyArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return
		}
		c.callbacks.Busy(args.Busy)
		s.publish(pubsub.BusyEvent, Event{Busy: args.Busy})

	case protocol.MsgPlot:
		var args protocol.PlotArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return
		}
		c.callbacks.PlotReady(args.BlobID)
		s.publish(pubsub.PlotEvent, Event{BlobID: args.BlobID})

	case protocol.MsgShowMessage:
		var args protocol.MessageArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return
		}
		c.callbacks.ShowMessage(args.Message)

	case protocol.MsgDirectoryChanged:
		var args protocol.DirectoryArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return
		}
		c.callbacks.DirectoryChanged(args.Directory)
		s.publish(pubsub.DirectoryEvent, Event{Directory: args.Directory})

	case protocol.MsgMutated:
		s.mutations.Add(1)
		s.publish(pubsub.MutatedEvent, Event{})

	case protocol.MsgEnd:
		log.Info(log.CatSession, "Host ending", "session", s.name)

	case protocol.MsgCancel:
		var args protocol.CancelArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return
		}
		s.mu.Lock()
		if !s.withdrawPromptLocked(args.RequestID) {
			if cancel, ok := s.dialogs[args.RequestID]; ok {
				cancel()
				delete(s.dialogs, args.RequestID)
			}
		}
		s.mu.Unlock()

	default:
		log.Debug(log.CatSession, "Ignoring notification", "session", s.name, "name", msg.Name)
	}
}

func (c *connection) HandleRequest(msg *protocol.Message) {
	s := c.s

	switch msg.Name {
	case protocol.MsgPrompt:
		var args protocol.PromptArgs
		if err := msg.DecodeArgs(&args); err != nil {
			log.ErrorErr(log.CatSession, "Bad prompt", err, "session", s.name)
			return
		}
		s.mu.Lock()
		if s.conn == c {
			s.pushPromptLocked(&prompt{msg: msg, text: args.Prompt, depth: args.Depth, evaluation: args.Evaluation})
		}
		s.mu.Unlock()

	case protocol.MsgYesNoCancel, protocol.MsgShowDialog:
		var args protocol.DialogArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		if s.conn != c {
			s.mu.Unlock()
			cancel()
			return
		}
		s.dialogs[msg.ID] = cancel
		s.mu.Unlock()
		go c.answerDialog(ctx, cancel, msg, args)

	default:
		go func() {
			_ = c.host.Respond(context.Background(), msg, nil)
		}()
		log.Warn(log.CatSession, "Unsupported host request", "session", s.name, "name", msg.Name)
	}
}

func (c *connection) answerDialog(ctx context.Context, cancel context.CancelFunc, msg *protocol.Message, args protocol.DialogArgs) {
	s := c.s
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.dialogs, msg.ID)
		s.mu.Unlock()
	}()

	var (
		answer protocol.Answer
		err    error
	)
	if msg.Name == protocol.MsgYesNoCancel {
		answer, err = c.callbacks.YesNoCancel(ctx, args.Message)
	} else {
		answer, err = c.callbacks.ShowDialog(ctx, args.Message, args.Buttons)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.ErrorErr(log.CatSession, "Dialog callback failed", err, "session", s.name)
		answer = protocol.AnswerCancel
	}
	if err := c.host.Respond(ctx, msg, protocol.DialogReply{Answer: answer}); err != nil {
		log.Debug(log.CatSession, "Dialog answer not delivered", "session", s.name, "error", err)
	}
}
