package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/poolbuy/pledge-engine/internal/model"
)

// schema is applied by Migrate. Money and units are NUMERIC for exact
// decimal precision.
const schema = `
CREATE TABLE IF NOT EXISTS pools (
	id                  TEXT PRIMARY KEY,
	product_name        TEXT NOT NULL DEFAULT '',
	supplier_ref        TEXT NOT NULL DEFAULT '',
	unit_label          TEXT NOT NULL,
	unit_price          NUMERIC NOT NULL CHECK (unit_price > 0),
	min_units           NUMERIC NOT NULL CHECK (min_units > 0),
	moq_target          NUMERIC NOT NULL CHECK (moq_target > 0),
	committed_units     NUMERIC NOT NULL DEFAULT 0 CHECK (committed_units >= 0),
	currency            CHAR(3) NOT NULL,
	deadline            TIMESTAMPTZ NOT NULL,
	platform_fee_rate   NUMERIC NOT NULL,
	optional_surcharges JSONB NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pledges (
	id                  TEXT PRIMARY KEY,
	pool_id             TEXT NOT NULL REFERENCES pools(id),
	buyer_ref           TEXT NOT NULL,
	units               NUMERIC NOT NULL,
	selected_surcharges TEXT[] NOT NULL DEFAULT '{}',
	per_unit_base       NUMERIC NOT NULL,
	flat_surcharges     NUMERIC NOT NULL,
	subtotal            NUMERIC NOT NULL,
	platform_fee_rate   NUMERIC NOT NULL,
	platform_fee        NUMERIC NOT NULL,
	total               NUMERIC NOT NULL,
	currency            CHAR(3) NOT NULL,
	authorized_amount   NUMERIC NOT NULL,
	authorization_ref   TEXT NOT NULL,
	idempotency_key     TEXT NOT NULL UNIQUE,
	status              TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS pledges_pool_id_idx  ON pledges (pool_id);
CREATE INDEX IF NOT EXISTS pledges_buyer_ref_idx ON pledges (buyer_ref);
`

const poolColumns = `id, product_name, supplier_ref, unit_label,
	unit_price::TEXT, min_units::TEXT, moq_target::TEXT, committed_units::TEXT,
	currency, deadline, platform_fee_rate::TEXT, optional_surcharges, created_at`

const pledgeColumns = `id, pool_id, buyer_ref, units::TEXT, selected_surcharges,
	per_unit_base::TEXT, flat_surcharges::TEXT, subtotal::TEXT,
	platform_fee_rate::TEXT, platform_fee::TEXT, total::TEXT, currency,
	authorized_amount::TEXT, authorization_ref, idempotency_key, status, created_at`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.PoolSnapshot) error {
	surcharges, err := json.Marshal(p.OptionalSurcharges)
	if err != nil {
		return fmt.Errorf("encode surcharges: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pools (id, product_name, supplier_ref, unit_label, unit_price, min_units,
		                    moq_target, committed_units, currency, deadline, platform_fee_rate,
		                    optional_surcharges, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9, $10, $11::NUMERIC, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, p.ProductName, p.SupplierRef, p.UnitLabel,
		p.UnitPrice.String(), p.MinUnits.String(), p.MOQTarget.String(), p.CommittedUnits.String(),
		p.Currency, p.Deadline, p.PlatformFeeRate.String(),
		surcharges, p.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPoolExists, p.ID)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, poolID string) (model.PoolSnapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, poolID)
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PoolSnapshot{}, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	if err != nil {
		return model.PoolSnapshot{}, fmt.Errorf("get pool %s: %w", poolID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.PoolSnapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.PoolSnapshot
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) IncrementCommitted(ctx context.Context, poolID string, units decimal.Decimal) error {
	return incrementCommitted(ctx, s.pool, poolID, units)
}

// CreatePledgeRecord inserts the record and increments committed units in
// one transaction. A unique violation on idempotency_key becomes
// ErrDuplicatePledge via ON CONFLICT DO NOTHING.
func (s *PostgresStore) CreatePledgeRecord(ctx context.Context, r *model.PledgeRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c := r.Cost
	surcharges := r.SelectedSurcharges
	if surcharges == nil {
		surcharges = []string{}
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO pledges (id, pool_id, buyer_ref, units, selected_surcharges,
		                      per_unit_base, flat_surcharges, subtotal, platform_fee_rate,
		                      platform_fee, total, currency, authorized_amount,
		                      authorization_ref, idempotency_key, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12, $13::NUMERIC, $14, $15, $16, $17)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		r.ID, r.PoolID, r.BuyerRef, r.Units.String(), surcharges,
		c.PerUnitBase.String(), c.FlatSurcharges.String(), c.Subtotal.String(), c.PlatformFeeRate.String(),
		c.PlatformFee.String(), c.Total.String(), c.Currency, r.AuthorizedAmount.String(),
		r.AuthorizationRef, r.IdempotencyKey, string(r.Status), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pledge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicatePledge
	}

	// Row-level lock on the pool serializes concurrent increments.
	if err := incrementCommitted(ctx, tx, r.PoolID, r.Units); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetPledgeByIdempotencyKey(ctx context.Context, key string) (*model.PledgeRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pledgeColumns+` FROM pledges WHERE idempotency_key = $1`, key)
	r, err := scanPledge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPledgeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pledge by key: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListPledgesByPool(ctx context.Context, poolID string) ([]model.PledgeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pledgeColumns+` FROM pledges WHERE pool_id = $1 ORDER BY created_at`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPledges(rows)
}

func (s *PostgresStore) ListPledgesByBuyer(ctx context.Context, buyerRef string) ([]model.PledgeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pledgeColumns+` FROM pledges WHERE buyer_ref = $1 ORDER BY created_at`, buyerRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPledges(rows)
}

// queryRower is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func incrementCommitted(ctx context.Context, db queryRower, poolID string, units decimal.Decimal) error {
	var id string
	err := db.QueryRow(ctx,
		`UPDATE pools SET committed_units = committed_units + $2::NUMERIC
		 WHERE id = $1 RETURNING id`,
		poolID, units.String(),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	if err != nil {
		return fmt.Errorf("increment committed %s: %w", poolID, err)
	}
	return nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (model.PoolSnapshot, error) {
	var p model.PoolSnapshot
	var unitPrice, minUnits, moq, committed, feeRate string
	var surcharges []byte

	if err := row.Scan(&p.ID, &p.ProductName, &p.SupplierRef, &p.UnitLabel,
		&unitPrice, &minUnits, &moq, &committed,
		&p.Currency, &p.Deadline, &feeRate, &surcharges, &p.CreatedAt); err != nil {
		return model.PoolSnapshot{}, err
	}

	p.UnitPrice, _ = decimal.NewFromString(unitPrice)
	p.MinUnits, _ = decimal.NewFromString(minUnits)
	p.MOQTarget, _ = decimal.NewFromString(moq)
	p.CommittedUnits, _ = decimal.NewFromString(committed)
	p.PlatformFeeRate, _ = decimal.NewFromString(feeRate)
	if len(surcharges) > 0 {
		if err := json.Unmarshal(surcharges, &p.OptionalSurcharges); err != nil {
			return model.PoolSnapshot{}, fmt.Errorf("decode surcharges for %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func scanPledge(row rowScanner) (model.PledgeRecord, error) {
	var r model.PledgeRecord
	var units, perUnit, flat, subtotal, feeRate, fee, total, authorized, status string

	if err := row.Scan(&r.ID, &r.PoolID, &r.BuyerRef, &units, &r.SelectedSurcharges,
		&perUnit, &flat, &subtotal, &feeRate, &fee, &total, &r.Cost.Currency,
		&authorized, &r.AuthorizationRef, &r.IdempotencyKey, &status, &r.CreatedAt); err != nil {
		return model.PledgeRecord{}, err
	}

	r.Units, _ = decimal.NewFromString(units)
	r.Cost.PerUnitBase, _ = decimal.NewFromString(perUnit)
	r.Cost.FlatSurcharges, _ = decimal.NewFromString(flat)
	r.Cost.Subtotal, _ = decimal.NewFromString(subtotal)
	r.Cost.PlatformFeeRate, _ = decimal.NewFromString(feeRate)
	r.Cost.PlatformFee, _ = decimal.NewFromString(fee)
	r.Cost.Total, _ = decimal.NewFromString(total)
	r.AuthorizedAmount, _ = decimal.NewFromString(authorized)
	r.Status = model.PledgeStatus(status)
	return r, nil
}

func scanPledges(rows pgx.Rows) ([]model.PledgeRecord, error) {
	var records []model.PledgeRecord
	for rows.Next() {
		r, err := scanPledge(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
