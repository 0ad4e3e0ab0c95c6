// Package protocol defines the messages exchanged between a client and an R
// host process.
//
// Every message is a JSON object. Requests carry a unique ID and a name
// starting with '?'; the peer answers with a message whose RequestID equals
// that ID. Notifications carry a name starting with '!' and expect no answer.
// Binary payloads (blob chunks) travel in Blob and are base64 encoded by
// encoding/json.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the protocol version announced in the host's hello.
const Version = 1

// Host to client.
const (
	MsgHello            = "!Hello"
	MsgPrompt           = "?Prompt"
	MsgOutput           = "!Output"
	MsgBusy             = "!Busy"
	MsgPlot             = "!Plot"
	MsgShowMessage      = "!ShowMessage"
	MsgYesNoCancel      = "?YesNoCancel"
	MsgShowDialog       = "?ShowDialog"
	MsgDirectoryChanged = "!DirectoryChanged"
	MsgMutated          = "!Mutated"
	MsgEnd              = "!End"
)

// Client to host.
const (
	MsgEvaluate     = "?Evaluate"
	MsgCancel       = "!Cancel"
	MsgCancelAll    = "?CancelAll"
	MsgCreateBlob   = "?CreateBlob"
	MsgWriteBlob    = "?WriteBlob"
	MsgReadBlob     = "?ReadBlob"
	MsgGetBlobSize  = "?GetBlobSize"
	MsgDestroyBlobs = "?DestroyBlobs"
	MsgShutdown     = "!Shutdown"
)

// Message is a single frame on the wire.
type Message struct {
	ID        uint64          `json:"id,omitempty"`
	RequestID uint64          `json:"request_id,omitempty"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Blob      []byte          `json:"blob,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.RequestID != 0
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool {
	return m.RequestID == 0 && strings.HasPrefix(m.Name, "?")
}

// IsNotification reports whether m is fire-and-forget.
func (m *Message) IsNotification() bool {
	return m.RequestID == 0 && !strings.HasPrefix(m.Name, "?")
}

// DecodeArgs unmarshals Args into v.
func (m *Message) DecodeArgs(v any) error {
	if len(m.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Args, v); err != nil {
		return fmt.Errorf("decoding %s args: %w", m.Name, err)
	}
	return nil
}

// NewMessage builds a message with args marshalled to JSON.
func NewMessage(name string, args any, blob []byte) (*Message, error) {
	msg := &Message{Name: name, Blob: blob}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding %s args: %w", name, err)
		}
		msg.Args = raw
	}
	return msg, nil
}

// NewResponse builds the answer to req.
func NewResponse(req *Message, args any, blob []byte) (*Message, error) {
	msg, err := NewMessage(req.Name, args, blob)
	if err != nil {
		return nil, err
	}
	msg.RequestID = req.ID
	return msg, nil
}

// NewErrorResponse builds a failed answer to req.
func NewErrorResponse(req *Message, code int, message string) *Message {
	return &Message{
		RequestID: req.ID,
		Name:      req.Name,
		Error:     &Error{Code: code, Message: message},
	}
}

// Error is a host-side failure to process a request.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("host error %d: %s", e.Code, e.Message)
}

// Error codes.
const (
	ErrCodeUnknownMessage = 1
	ErrCodeInvalidArgs    = 2
	ErrCodeBlobNotFound   = 3
	ErrCodeInternal       = 4
)
