package hosttest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

// fakePNG is the payload stored for plot().
var fakePNG = []byte("\x89PNG\r\n\x1a\nhosttest")

var (
	callPattern   = regexp.MustCompile(`^([A-Za-z_.][A-Za-z0-9_.]*)\((.*)\)$`)
	assignPattern = regexp.MustCompile(`^([A-Za-z_.][A-Za-z0-9_.]*)\s*<-\s*(.+)$`)
	arithPattern  = regexp.MustCompile(`^(-?\d+)\s*([-+*])\s*(-?\d+)$`)
	namePattern   = regexp.MustCompile(`^[A-Za-z_.][A-Za-z0-9_.]*$`)
)

type value struct {
	value json.RawMessage
	rerr  string
}

func ok(v any) value {
	raw, _ := json.Marshal(v)
	return value{value: raw}
}

func rError(format string, args ...any) value {
	return value{rerr: fmt.Sprintf(format, args...)}
}

// eval runs expr. depth is the depth given to any prompt it opens.
func (h *Host) eval(ctx context.Context, expr string, depth int) value {
	expr = strings.TrimSpace(expr)

	switch expr {
	case "":
		return value{}
	case "NULL":
		return value{value: json.RawMessage("null")}
	case "TRUE":
		return ok(true)
	case "FALSE":
		return ok(false)
	case "while(TRUE){}", "while (TRUE) {}", "repeat{}":
		<-ctx.Done()
		return value{}
	}

	if s, isString := stringLiteral(expr); isString {
		return ok(s)
	}
	if n, err := strconv.Atoi(expr); err == nil {
		return ok(n)
	}
	if m := arithPattern.FindStringSubmatch(expr); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[3])
		switch m[2] {
		case "+":
			return ok(a + b)
		case "-":
			return ok(a - b)
		default:
			return ok(a * b)
		}
	}
	if m := assignPattern.FindStringSubmatch(expr); m != nil {
		v := h.eval(ctx, m[2], depth)
		if v.rerr != "" || ctx.Err() != nil {
			return v
		}
		h.mu.Lock()
		h.vars[m[1]] = v.value
		h.mu.Unlock()
		h.notify(protocol.MsgMutated, nil)
		return value{}
	}
	if m := callPattern.FindStringSubmatch(expr); m != nil {
		return h.call(ctx, m[1], strings.TrimSpace(m[2]), depth)
	}
	if namePattern.MatchString(expr) {
		h.mu.Lock()
		v, found := h.vars[expr]
		h.mu.Unlock()
		if !found {
			return rError("object '%s' not found", expr)
		}
		return value{value: v}
	}
	return rError("unexpected symbol in %q", expr)
}

func (h *Host) call(ctx context.Context, fn, arg string, depth int) value {
	text, _ := stringLiteral(arg)

	switch fn {
	case "stop":
		return rError("%s", text)
	case "readline":
		reply, err := h.readConsole(ctx, text, depth)
		if err != nil {
			return value{}
		}
		return ok(reply)
	case "askYesNo":
		answer, err := h.askDialog(ctx, protocol.MsgYesNoCancel, text, protocol.ButtonsYesNoCancel)
		if err != nil {
			return value{}
		}
		return ok(answer)
	case "Sys.sleep":
		secs, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return rError("invalid 'time' value")
		}
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
		case <-ctx.Done():
		}
		return value{}
	case "library", "require":
		h.notify(protocol.MsgMutated, nil)
		return value{}
	case "setwd":
		h.notify(protocol.MsgDirectoryChanged, protocol.DirectoryArgs{Directory: text})
		h.notify(protocol.MsgMutated, nil)
		return value{}
	case "cat":
		h.output(text, protocol.StreamStdout)
		return value{}
	case "message":
		h.output(text+"\n", protocol.StreamStderr)
		return value{}
	case "plot":
		h.mu.Lock()
		h.blobSeq++
		id := h.blobSeq
		h.blobs[id] = append([]byte(nil), fakePNG...)
		h.mu.Unlock()
		h.notify(protocol.MsgPlot, protocol.PlotArgs{BlobID: id})
		return value{}
	case "create_blob":
		h.mu.Lock()
		h.blobSeq++
		id := h.blobSeq
		h.blobs[id] = []byte(text)
		h.mu.Unlock()
		return ok(id)
	case "blob_text":
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return rError("invalid blob id")
		}
		h.mu.Lock()
		data, found := h.blobs[id]
		h.mu.Unlock()
		if !found {
			return rError("blob %d not found", id)
		}
		return ok(string(data))
	case "quit", "q":
		go func() {
			h.notify(protocol.MsgEnd, nil)
			h.Kill()
		}()
		<-ctx.Done()
		return value{}
	case "ls":
		h.mu.Lock()
		names := make([]string, 0, len(h.vars))
		for name := range h.vars {
			names = append(names, name)
		}
		h.mu.Unlock()
		slices.Sort(names)
		return ok(names)
	case "nchar":
		return ok(len(text))
	case "toupper":
		return ok(strings.ToUpper(text))
	}
	return rError("could not find function \"%s\"", fn)
}

func stringLiteral(expr string) (string, bool) {
	if len(expr) < 2 {
		return "", false
	}
	first, last := expr[0], expr[len(expr)-1]
	if (first == '\'' || first == '"') && first == last {
		return expr[1 : len(expr)-1], true
	}
	return "", false
}
