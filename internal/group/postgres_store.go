package group

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists groups in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed group store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const groupColumns = `id, deal_ids, status, message, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, g *Group) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deal_groups (id, deal_ids, status, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, pq.Array(g.DealIDs), string(g.Status), nullString(g.Message), g.CreatedAt, g.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrGroupExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Group, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM deal_groups WHERE id = $1`, id)

	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, ErrGroupNotFound
	}
	return g, err
}

func (p *PostgresStore) UpdateIfStatus(ctx context.Context, id string, expected Status, patch Patch) (*Group, error) {
	var (
		status  sql.NullString
		message sql.NullString
	)
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	if patch.Message != nil {
		message = sql.NullString{String: *patch.Message, Valid: true}
	}

	// WHERE id AND status is the compare-and-swap, same as the deal store.
	row := p.db.QueryRowContext(ctx, `
		UPDATE deal_groups SET
			status = COALESCE($3, status),
			message = COALESCE($4, message),
			updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+groupColumns,
		id, string(expected), status, message, time.Now(),
	)

	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		if _, getErr := p.Get(ctx, id); getErr == ErrGroupNotFound {
			return nil, ErrGroupNotFound
		}
		return nil, ErrStatusConflict
	}
	return g, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Group, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+groupColumns+`
		FROM deal_groups
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(s scanner) (*Group, error) {
	g := &Group{}
	var (
		status  string
		message sql.NullString
	)
	err := s.Scan(&g.ID, pq.Array(&g.DealIDs), &status, &message, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Status = Status(status)
	g.Message = message.String
	return g, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
