package sqlite

import (
	"time"

	"github.com/microsoft/RTVS-sub005/internal/connections/domain"
)

// connectionModel is a row of the connections table. Times are Unix
// milliseconds.
type connectionModel struct {
	ID         int64
	Name       string
	URI        string
	User       *string
	CreatedAt  int64
	UpdatedAt  int64
	LastUsedAt *int64
}

func toConnectionModel(c *domain.Connection) *connectionModel {
	m := &connectionModel{
		ID:        c.ID(),
		Name:      c.Name(),
		URI:       c.URI(),
		CreatedAt: c.CreatedAt().UnixMilli(),
		UpdatedAt: c.UpdatedAt().UnixMilli(),
	}
	if c.User() != "" {
		user := c.User()
		m.User = &user
	}
	if c.LastUsedAt() != nil {
		lastUsed := c.LastUsedAt().UnixMilli()
		m.LastUsedAt = &lastUsed
	}
	return m
}

func (m *connectionModel) toDomain() *domain.Connection {
	var user string
	if m.User != nil {
		user = *m.User
	}
	var lastUsed *time.Time
	if m.LastUsedAt != nil {
		t := time.UnixMilli(*m.LastUsedAt)
		lastUsed = &t
	}
	return domain.ReconstituteConnection(
		m.ID, m.Name, m.URI, user,
		time.UnixMilli(m.CreatedAt), time.UnixMilli(m.UpdatedAt), lastUsed,
	)
}
