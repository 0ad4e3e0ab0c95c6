package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConnection(t *testing.T) {
	c, err := NewConnection("lab", "https://rbroker.lab:5444", "alice")
	require.NoError(t, err)
	require.Zero(t, c.ID())
	require.Equal(t, "lab", c.Name())
	require.True(t, c.IsRemote())
	require.Nil(t, c.LastUsedAt())
	require.Equal(t, c.CreatedAt(), c.UpdatedAt())
}

func TestNewConnection_Invalid(t *testing.T) {
	tests := []struct {
		name, connName, uri string
	}{
		{"empty name", " ", "local:///usr/lib/R"},
		{"empty uri", "x", ""},
		{"unparseable", "x", "http://[::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConnection(tt.connName, tt.uri, "")
			var invalid *InvalidConnectionError
			require.True(t, errors.As(err, &invalid), "got %v", err)
		})
	}
}

func TestConnection_IsRemote(t *testing.T) {
	for uri, remote := range map[string]bool{
		"/usr/lib/R":            false,
		"file:///opt/R":         false,
		"wss://broker.example":  true,
		"HTTP://broker.example": true,
	} {
		c, err := NewConnection("c", uri, "")
		require.NoError(t, err)
		require.Equal(t, remote, c.IsRemote(), uri)
	}
}

func TestConnection_UpdateAndMarkUsed(t *testing.T) {
	c, err := NewConnection("lab", "https://a", "")
	require.NoError(t, err)

	require.Error(t, c.Update("", ""))
	require.Equal(t, "https://a", c.URI())

	require.NoError(t, c.Update("https://b", "bob"))
	require.Equal(t, "https://b", c.URI())
	require.Equal(t, "bob", c.User())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.MarkUsed(at)
	require.Equal(t, at, *c.LastUsedAt())
	require.Equal(t, at, c.UpdatedAt())
}
