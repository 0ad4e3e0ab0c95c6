package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/rhost/session"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8787"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FECA57"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F"))
)

// styled renders text with s, keeping a trailing newline outside the style.
func styled(s lipgloss.Style, text string) string {
	body := strings.TrimSuffix(text, "\n")
	if body == "" {
		return text
	}
	return s.Render(body) + text[len(body):]
}

// asker reads an answer to a host dialog.
type asker func(ctx context.Context, prompt string) (string, error)

// console implements session.Callbacks for a terminal.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	ask    asker

	plots []uint64
}

var _ session.Callbacks = (*console)(nil)

func newConsole(out, errOut io.Writer, ask asker) *console {
	return &console{out: out, errOut: errOut, ask: ask}
}

func (c *console) WriteConsole(text string, stream protocol.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream == protocol.StreamStderr {
		_, _ = io.WriteString(c.errOut, styled(errorStyle, text))
		return
	}
	_, _ = io.WriteString(c.out, text)
}

func (c *console) Busy(bool) {}

func (c *console) PlotReady(blobID uint64) {
	c.mu.Lock()
	c.plots = append(c.plots, blobID)
	c.mu.Unlock()
}

func (c *console) ShowMessage(message string) {
	c.notice(message)
}

func (c *console) DirectoryChanged(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.errOut, styled(subtleStyle, "working directory: "+dir))
}

func (c *console) YesNoCancel(ctx context.Context, message string) (protocol.Answer, error) {
	return c.ShowDialog(ctx, message, protocol.ButtonsYesNoCancel)
}

func (c *console) ShowDialog(ctx context.Context, message string, buttons protocol.Buttons) (protocol.Answer, error) {
	if c.ask == nil {
		return protocol.AnswerCancel, nil
	}
	choices, answers := dialogChoices(buttons)
	for {
		reply, err := c.ask(ctx, fmt.Sprintf("%s [%s] ", message, choices))
		if err != nil {
			return protocol.AnswerCancel, err
		}
		if a, ok := answers[strings.ToLower(strings.TrimSpace(reply))]; ok {
			return a, nil
		}
	}
}

// lastPlot returns the most recent plot blob, if any.
func (c *console) lastPlot() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.plots) == 0 {
		return 0, false
	}
	return c.plots[len(c.plots)-1], true
}

// plotIDs returns every plot blob seen, oldest first.
func (c *console) plotIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.plots...)
}

func (c *console) notice(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.errOut, styled(noticeStyle, text))
}

func (c *console) failure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.errOut, styled(errorStyle, "Error: "+err.Error()))
}

func dialogChoices(buttons protocol.Buttons) (string, map[string]protocol.Answer) {
	yes := map[string]protocol.Answer{"y": protocol.AnswerYes, "yes": protocol.AnswerYes}
	no := map[string]protocol.Answer{"n": protocol.AnswerNo, "no": protocol.AnswerNo}
	cancel := map[string]protocol.Answer{"c": protocol.AnswerCancel, "cancel": protocol.AnswerCancel}
	ok := map[string]protocol.Answer{"o": protocol.AnswerOK, "ok": protocol.AnswerOK, "": protocol.AnswerOK}

	merge := func(ms ...map[string]protocol.Answer) map[string]protocol.Answer {
		out := make(map[string]protocol.Answer)
		for _, m := range ms {
			for k, v := range m {
				out[k] = v
			}
		}
		return out
	}

	switch buttons {
	case protocol.ButtonsOK:
		return "ok", ok
	case protocol.ButtonsOKCancel:
		return "ok/c", merge(ok, cancel)
	case protocol.ButtonsYesNo:
		return "y/n", merge(yes, no)
	default:
		return "y/n/c", merge(yes, no, cancel)
	}
}
