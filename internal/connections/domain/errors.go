package domain

import "fmt"

// ConnectionNotFoundError is returned when no connection has the given name.
type ConnectionNotFoundError struct {
	Name string
}

func (e *ConnectionNotFoundError) Error() string {
	return fmt.Sprintf("connection not found: %s", e.Name)
}

// DuplicateConnectionError is returned when a new connection reuses a name.
type DuplicateConnectionError struct {
	Name string
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("connection already exists: %s", e.Name)
}

// InvalidConnectionError is returned for a connection that cannot be used.
type InvalidConnectionError struct {
	Name   string
	Reason string
}

func (e *InvalidConnectionError) Error() string {
	return fmt.Sprintf("invalid connection %q: %s", e.Name, e.Reason)
}
