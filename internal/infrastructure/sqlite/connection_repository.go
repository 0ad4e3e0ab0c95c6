package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ncruces/go-sqlite3"

	"github.com/microsoft/RTVS-sub005/internal/connections/domain"
)

const connectionColumns = `id, name, uri, username, created_at, updated_at, last_used_at`

// connectionRepository implements domain.ConnectionRepository using SQLite.
type connectionRepository struct {
	db *sql.DB
}

func newConnectionRepository(db *sql.DB) *connectionRepository {
	return &connectionRepository{db: db}
}

var _ domain.ConnectionRepository = (*connectionRepository)(nil)

func scanConnection(scanner interface{ Scan(...any) error }) (*connectionModel, error) {
	var m connectionModel
	err := scanner.Scan(&m.ID, &m.Name, &m.URI, &m.User, &m.CreatedAt, &m.UpdatedAt, &m.LastUsedAt)
	return &m, err
}

// Save inserts new connections and updates existing ones by ID.
func (r *connectionRepository) Save(ctx context.Context, c *domain.Connection) error {
	m := toConnectionModel(c)

	if c.ID() == 0 {
		result, err := r.db.ExecContext(ctx,
			`INSERT INTO connections (name, uri, username, created_at, updated_at, last_used_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.Name, m.URI, m.User, m.CreatedAt, m.UpdatedAt, m.LastUsedAt,
		)
		if err != nil {
			if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) {
				return &domain.DuplicateConnectionError{Name: c.Name()}
			}
			return fmt.Errorf("failed to insert connection: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		c.SetID(id)
		return nil
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE connections SET uri = ?, username = ?, updated_at = ?, last_used_at = ? WHERE id = ?`,
		m.URI, m.User, m.UpdatedAt, m.LastUsedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return requireRow(result, c.Name())
}

func (r *connectionRepository) FindByName(ctx context.Context, name string) (*domain.Connection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE name = ?`, name)
	m, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ConnectionNotFoundError{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find connection: %w", err)
	}
	return m.toDomain(), nil
}

func (r *connectionRepository) List(ctx context.Context) ([]*domain.Connection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		ORDER BY last_used_at IS NULL, last_used_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conns []*domain.Connection
	for rows.Next() {
		m, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

func (r *connectionRepository) MarkUsed(ctx context.Context, name string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE connections SET last_used_at = ?, updated_at = ? WHERE name = ?`,
		at.UnixMilli(), at.UnixMilli(), name)
	if err != nil {
		return fmt.Errorf("failed to mark connection used: %w", err)
	}
	return requireRow(result, name)
}

func (r *connectionRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return requireRow(result, name)
}

// Close is a no-op; the DB owns the handle.
func (r *connectionRepository) Close() error {
	return nil
}

func requireRow(result sql.Result, name string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &domain.ConnectionNotFoundError{Name: name}
	}
	return nil
}
