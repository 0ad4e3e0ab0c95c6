package domain

import (
	"context"
	"time"
)

// ConnectionRepository persists connections.
type ConnectionRepository interface {
	// Save inserts a connection with ID 0 and sets its ID, or updates an
	// existing one. Returns DuplicateConnectionError when inserting a name
	// that is already taken.
	Save(ctx context.Context, c *Connection) error

	// FindByName returns ConnectionNotFoundError if no connection matches.
	FindByName(ctx context.Context, name string) (*Connection, error)

	// List returns every connection, most recently used first, then by name.
	List(ctx context.Context) ([]*Connection, error)

	// MarkUsed sets the last used time of the named connection.
	MarkUsed(ctx context.Context, name string, at time.Time) error

	// Delete returns ConnectionNotFoundError if no connection matches.
	Delete(ctx context.Context, name string) error

	Close() error
}
