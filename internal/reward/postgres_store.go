package reward

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists rewards in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reward store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const rewardColumns = `deal_id, recipient, asset, amount, status, tx_hash, attempts, message, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Reward) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rewards (deal_id, recipient, asset, amount, status, tx_hash, attempts, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.DealID, r.Recipient, r.Asset, r.Amount, string(r.Status),
		nullString(r.TxHash), r.Attempts, nullString(r.Message), r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrRewardExists
	}
	return err
}

func (p *PostgresStore) GetByDeal(ctx context.Context, dealID string) (*Reward, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE deal_id = $1`, dealID)

	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		return nil, ErrRewardNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateIfStatus(ctx context.Context, dealID string, expected Status, patch Patch) (*Reward, error) {
	var (
		status   sql.NullString
		txHash   sql.NullString
		attempts sql.NullInt32
		message  sql.NullString
	)
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	if patch.TxHash != nil {
		txHash = sql.NullString{String: *patch.TxHash, Valid: true}
	}
	if patch.Attempts != nil {
		attempts = sql.NullInt32{Int32: int32(*patch.Attempts), Valid: true}
	}
	if patch.Message != nil {
		message = sql.NullString{String: *patch.Message, Valid: true}
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE rewards SET
			status = COALESCE($3, status),
			tx_hash = COALESCE($4, tx_hash),
			attempts = COALESCE($5, attempts),
			message = COALESCE($6, message),
			updated_at = $7
		WHERE deal_id = $1 AND status = $2
		RETURNING `+rewardColumns,
		dealID, string(expected), status, txHash, attempts, message, time.Now(),
	)

	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		if _, getErr := p.GetByDeal(ctx, dealID); getErr == ErrRewardNotFound {
			return nil, ErrRewardNotFound
		}
		return nil, ErrStatusConflict
	}
	return r, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Reward, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rewardColumns+`
		FROM rewards
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReward(s scanner) (*Reward, error) {
	r := &Reward{}
	var (
		status  string
		txHash  sql.NullString
		message sql.NullString
	)
	err := s.Scan(&r.DealID, &r.Recipient, &r.Asset, &r.Amount, &status,
		&txHash, &r.Attempts, &message, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.TxHash = txHash.String
	r.Message = message.String
	return r, nil
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
