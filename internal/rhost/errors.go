// Package rhost holds the types shared by every layer of the R host
// connection: startup parameters and the error taxonomy callers match on.
package rhost

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrHostDisconnected reports that the transport to the R host is gone.
	// Every error caused by a lost connection, an explicit stop or a start
	// timeout matches it with errors.Is.
	ErrHostDisconnected = errors.New("R host disconnected")

	// ErrNestedInteractionPending is returned when responding to a prompt that
	// has a nested prompt above it.
	ErrNestedInteractionPending = errors.New("a nested prompt is pending above this interaction")

	// ErrPromptAbandoned is returned when the host discarded the prompt an
	// interaction was bound to (cancel-all, or an unwind to an outer prompt).
	ErrPromptAbandoned = errors.New("prompt abandoned by R host")

	// ErrInteractionDisposed is returned when using an interaction after Dispose.
	ErrInteractionDisposed = errors.New("interaction disposed")

	// ErrBlobNotFound is returned when the host does not know a blob id.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrBrokerNotConfigured is returned when a session starts with no broker.
	ErrBrokerNotConfigured = errors.New("no broker configured")

	// ErrSessionDisposed is returned by operations on a disposed session.
	ErrSessionDisposed = errors.New("session disposed")
)

// HostDisconnectedError carries the reason a connection to the R host ended.
type HostDisconnectedError struct {
	Reason error
}

// Disconnected wraps reason into a HostDisconnectedError.
func Disconnected(reason error) error {
	return &HostDisconnectedError{Reason: reason}
}

func (e *HostDisconnectedError) Error() string {
	if e.Reason == nil {
		return ErrHostDisconnected.Error()
	}
	return fmt.Sprintf("%s: %v", ErrHostDisconnected, e.Reason)
}

func (e *HostDisconnectedError) Unwrap() error {
	return e.Reason
}

// Is matches ErrHostDisconnected.
func (e *HostDisconnectedError) Is(target error) bool {
	return target == ErrHostDisconnected
}

// ComponentBinaryMissingError is returned when an executable needed to start
// the host cannot be found. It is fatal to that start attempt only.
type ComponentBinaryMissingError struct {
	Component string
	Path      string
}

func (e *ComponentBinaryMissingError) Error() string {
	return fmt.Sprintf("%s executable not found at %q", e.Component, e.Path)
}

// HostBinaryMissingError is reported when a stop raced with a start that
// failed because the host binary is missing. It matches ErrHostDisconnected
// and unwraps to the ComponentBinaryMissingError.
type HostBinaryMissingError struct {
	Missing *ComponentBinaryMissingError
}

func (e *HostBinaryMissingError) Error() string {
	return fmt.Sprintf("%s: %v", ErrHostDisconnected, e.Missing)
}

func (e *HostBinaryMissingError) Unwrap() error {
	return e.Missing
}

// Is matches ErrHostDisconnected.
func (e *HostBinaryMissingError) Is(target error) bool {
	return target == ErrHostDisconnected
}

// RError is a failure raised by R code (stop(), parse errors).
type RError struct {
	Message string
}

func (e *RError) Error() string {
	return "R error: " + e.Message
}

// EvaluationError wraps an RError with the expression that produced it.
type EvaluationError struct {
	Expression string
	Err        *RError
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %q: %s", e.Expression, e.Err.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// IsDisconnected reports whether err was caused by a lost host connection.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrHostDisconnected)
}
