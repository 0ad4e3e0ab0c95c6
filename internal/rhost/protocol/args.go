package protocol

import "encoding/json"

// Stream identifies a console output stream.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// EvaluationKind selects how an evaluation is scheduled by the host.
type EvaluationKind string

const (
	// KindNormal runs at the top-level prompt, after any queued interaction.
	KindNormal EvaluationKind = "normal"
	// KindReentrant runs immediately, even while a prompt is waiting for input.
	KindReentrant EvaluationKind = "reentrant"
)

// Answer is the user's choice in a host dialog.
type Answer string

const (
	AnswerYes    Answer = "yes"
	AnswerNo     Answer = "no"
	AnswerCancel Answer = "cancel"
	AnswerOK     Answer = "ok"
)

// Buttons selects which answers a dialog offers.
type Buttons string

const (
	ButtonsOK          Buttons = "ok"
	ButtonsOKCancel    Buttons = "ok_cancel"
	ButtonsYesNo       Buttons = "yes_no"
	ButtonsYesNoCancel Buttons = "yes_no_cancel"
)

type HelloArgs struct {
	Version  int    `json:"version"`
	Name     string `json:"name"`
	RVersion string `json:"r_version,omitempty"`
}

// PromptArgs describes a console read request. Depth is the number of
// evaluation contexts below this prompt: 0 for the top-level prompt.
// Evaluation is the id of the ?Evaluate request whose code opened the
// prompt; it is 0 when the code was typed at a prompt.
type PromptArgs struct {
	Prompt     string `json:"prompt"`
	Depth      int    `json:"depth"`
	Evaluation uint64 `json:"evaluation,omitempty"`
}

type PromptReply struct {
	Text string `json:"text"`
}

type OutputArgs struct {
	Text   string `json:"text"`
	Stream Stream `json:"stream"`
}

type BusyArgs struct {
	Busy bool `json:"busy"`
}

type PlotArgs struct {
	BlobID uint64 `json:"blob_id"`
}

type MessageArgs struct {
	Message string `json:"message"`
}

type DialogArgs struct {
	Message string  `json:"message"`
	Buttons Buttons `json:"buttons,omitempty"`
}

type DialogReply struct {
	Answer Answer `json:"answer"`
}

type DirectoryArgs struct {
	Directory string `json:"directory"`
}

type EvaluateArgs struct {
	Expression string         `json:"expr"`
	Kind       EvaluationKind `json:"kind"`
}

// EvaluateReply carries exactly one of Result, RError or Canceled.
type EvaluateReply struct {
	Result   json.RawMessage `json:"result,omitempty"`
	RError   string          `json:"r_error,omitempty"`
	Canceled bool            `json:"canceled,omitempty"`
}

type CancelArgs struct {
	RequestID uint64 `json:"request_id"`
}

type BlobArgs struct {
	BlobID uint64 `json:"blob_id"`
}

type WriteBlobArgs struct {
	BlobID uint64 `json:"blob_id"`
	Offset int64  `json:"offset"`
}

type ReadBlobArgs struct {
	BlobID uint64 `json:"blob_id"`
	Offset int64  `json:"offset"`
	Count  int    `json:"count"`
}

type BlobSizeReply struct {
	Size int64 `json:"size"`
}

type DestroyBlobsArgs struct {
	BlobIDs []uint64 `json:"blob_ids"`
}

type ShutdownArgs struct {
	SaveWorkspace bool `json:"save_workspace"`
}
