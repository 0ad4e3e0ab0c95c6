// Package domain holds the saved broker connections an rtvs user can switch
// between. It has no infrastructure dependencies.
package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Connection is a named broker endpoint remembered across runs.
// Fields are unexported; use NewConnection or ReconstituteConnection.
type Connection struct {
	id         int64
	name       string
	uri        string
	user       string
	createdAt  time.Time
	updatedAt  time.Time
	lastUsedAt *time.Time
}

// NewConnection creates an unsaved connection.
func NewConnection(name, uri, user string) (*Connection, error) {
	if err := validate(name, uri); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Connection{
		name:      name,
		uri:       uri,
		user:      user,
		createdAt: now,
		updatedAt: now,
	}, nil
}

// ReconstituteConnection rebuilds a connection loaded from storage.
func ReconstituteConnection(id int64, name, uri, user string, createdAt, updatedAt time.Time, lastUsedAt *time.Time) *Connection {
	return &Connection{
		id:         id,
		name:       name,
		uri:        uri,
		user:       user,
		createdAt:  createdAt,
		updatedAt:  updatedAt,
		lastUsedAt: lastUsedAt,
	}
}

func (c *Connection) ID() int64              { return c.id }
func (c *Connection) Name() string           { return c.name }
func (c *Connection) URI() string            { return c.uri }
func (c *Connection) User() string           { return c.user }
func (c *Connection) CreatedAt() time.Time   { return c.createdAt }
func (c *Connection) UpdatedAt() time.Time   { return c.updatedAt }
func (c *Connection) LastUsedAt() *time.Time { return c.lastUsedAt }

// SetID is called by repositories after insert.
func (c *Connection) SetID(id int64) { c.id = id }

// IsRemote reports whether the connection goes through a remote broker
// rather than a local host process.
func (c *Connection) IsRemote() bool {
	u, err := url.Parse(c.uri)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

// Update changes the endpoint of the connection.
func (c *Connection) Update(uri, user string) error {
	if err := validate(c.name, uri); err != nil {
		return err
	}
	c.uri = uri
	c.user = user
	c.updatedAt = time.Now()
	return nil
}

// MarkUsed records that a session provider switched to this connection.
func (c *Connection) MarkUsed(at time.Time) {
	c.lastUsedAt = &at
	c.updatedAt = at
}

func validate(name, uri string) error {
	if strings.TrimSpace(name) == "" {
		return &InvalidConnectionError{Name: name, Reason: "name is empty"}
	}
	if strings.TrimSpace(uri) == "" {
		return &InvalidConnectionError{Name: name, Reason: "uri is empty"}
	}
	if _, err := url.Parse(uri); err != nil {
		return &InvalidConnectionError{Name: name, Reason: fmt.Sprintf("invalid uri: %v", err)}
	}
	return nil
}
