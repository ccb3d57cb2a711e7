package deal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists deals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `id, offer, offer_id,
		storage_provider, storage_customer, storage_asset, storage_value, storage_state,
		chain_name, chain_id, contract_address,
		user_addresses, passengers, group_id,
		status, order_id, message, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	offerJSON, err := json.Marshal(d.Offer)
	if err != nil {
		return err
	}
	passengersJSON, _ := json.Marshal(d.Passengers)
	if d.Passengers == nil {
		passengersJSON = []byte("[]")
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO deals (
			id, offer, offer_id,
			storage_provider, storage_customer, storage_asset, storage_value, storage_state,
			chain_name, chain_id, contract_address,
			user_addresses, passengers, group_id,
			status, order_id, message, created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19
		)`,
		d.ID, offerJSON, d.OfferID,
		d.DealStorage.Provider, d.DealStorage.Customer, d.DealStorage.Asset, d.DealStorage.Value, int(d.DealStorage.State),
		d.Contract.Name, d.Contract.ChainID, d.Contract.ContractAddress,
		pq.Array(d.UserAddresses), passengersJSON, nullString(d.GroupID),
		string(d.Status), nullString(d.OrderID), nullString(d.Message), d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDealExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)

	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateIfStatus(ctx context.Context, id string, expected Status, patch Patch) (*Deal, error) {
	var (
		status       sql.NullString
		storageState sql.NullInt32
		orderID      sql.NullString
		message      sql.NullString
	)
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	if patch.StorageState != nil {
		storageState = sql.NullInt32{Int32: int32(*patch.StorageState), Valid: true}
	}
	if patch.OrderID != nil {
		orderID = sql.NullString{String: *patch.OrderID, Valid: true}
	}
	if patch.Message != nil {
		message = sql.NullString{String: *patch.Message, Valid: true}
	}

	// The WHERE id AND status clause is the compare-and-swap: zero rows
	// means another worker got there first (or the deal is unknown).
	row := p.db.QueryRowContext(ctx, `
		UPDATE deals SET
			status = COALESCE($3, status),
			storage_state = COALESCE($4, storage_state),
			order_id = COALESCE($5, order_id),
			message = COALESCE($6, message),
			updated_at = $7
		WHERE id = $1 AND status = $2
		RETURNING `+dealColumns,
		id, string(expected), status, storageState, orderID, message, time.Now(),
	)

	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		// Distinguish a missing deal from a lost race.
		if _, getErr := p.Get(ctx, id); getErr == ErrDealNotFound {
			return nil, ErrDealNotFound
		}
		return nil, ErrStatusConflict
	}
	return d, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func (p *PostgresStore) ListByGroup(ctx context.Context, groupID string) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE group_id = $1
		ORDER BY created_at ASC`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(s scanner) (*Deal, error) {
	d := &Deal{}
	var (
		offerJSON      []byte
		passengersJSON []byte
		storageState   int
		groupID        sql.NullString
		status         string
		orderID        sql.NullString
		message        sql.NullString
	)

	err := s.Scan(
		&d.ID, &offerJSON, &d.OfferID,
		&d.DealStorage.Provider, &d.DealStorage.Customer, &d.DealStorage.Asset, &d.DealStorage.Value, &storageState,
		&d.Contract.Name, &d.Contract.ChainID, &d.Contract.ContractAddress,
		pq.Array(&d.UserAddresses), &passengersJSON, &groupID,
		&status, &orderID, &message, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.DealStorage.State = State(storageState)
	d.GroupID = groupID.String
	d.Status = Status(status)
	d.OrderID = orderID.String
	d.Message = message.String
	if len(offerJSON) > 0 {
		if err := json.Unmarshal(offerJSON, &d.Offer); err != nil {
			return nil, err
		}
	}
	if len(passengersJSON) > 0 {
		_ = json.Unmarshal(passengersJSON, &d.Passengers)
	}

	return d, nil
}

func scanDeals(rows *sql.Rows) ([]*Deal, error) {
	var result []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
