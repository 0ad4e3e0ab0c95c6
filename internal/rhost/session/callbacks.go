package session

import (
	"context"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

// Callbacks receives host-initiated UI requests. Methods are called in the
// order the host sent them. WriteConsole, Busy, PlotReady, ShowMessage and
// DirectoryChanged run on the transport loop and must return quickly; the
// dialog methods run on their own goroutine and may block until ctx is done.
type Callbacks interface {
	WriteConsole(text string, stream protocol.Stream)
	Busy(busy bool)
	PlotReady(blobID uint64)
	ShowMessage(message string)
	DirectoryChanged(dir string)
	YesNoCancel(ctx context.Context, message string) (protocol.Answer, error)
	ShowDialog(ctx context.Context, message string, buttons protocol.Buttons) (protocol.Answer, error)
}

// NopCallbacks ignores output and answers every dialog with cancel.
// Embed it to implement only the callbacks you need.
type NopCallbacks struct{}

func (NopCallbacks) WriteConsole(string, protocol.Stream) {}
func (NopCallbacks) Busy(bool)                            {}
func (NopCallbacks) PlotReady(uint64)                     {}
func (NopCallbacks) ShowMessage(string)                   {}
func (NopCallbacks) DirectoryChanged(string)              {}

func (NopCallbacks) YesNoCancel(context.Context, string) (protocol.Answer, error) {
	return protocol.AnswerCancel, nil
}

func (NopCallbacks) ShowDialog(context.Context, string, protocol.Buttons) (protocol.Answer, error) {
	return protocol.AnswerCancel, nil
}
