// Package database persists flattened stock rows into PostgreSQL as an
// optional secondary sink next to the JSON files.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/catalog"
	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS form_f2_data (
	id BIGSERIAL PRIMARY KEY,
	product TEXT NOT NULL,
	opening_balance TEXT,
	received_this_month TEXT,
	balance_this_month TEXT,
	adjustment_plus TEXT,
	adjustment_minus TEXT,
	total_this_month TEXT,
	distribution_this_month TEXT,
	closing_balance_this_month TEXT,
	stock_out_reason_code TEXT,
	days_stock_out TEXT,
	eligible BOOLEAN NOT NULL DEFAULT FALSE,
	warehouse TEXT NOT NULL,
	district TEXT,
	upazila TEXT NOT NULL,
	sdp TEXT NOT NULL,
	month TEXT NOT NULL,
	year TEXT NOT NULL,
	file_name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS form_f2_data_location_idx
	ON form_f2_data (warehouse, district, upazila, sdp);
`

const insertRowSQL = `
INSERT INTO form_f2_data (
	product, opening_balance, received_this_month, balance_this_month,
	adjustment_plus, adjustment_minus, total_this_month,
	distribution_this_month, closing_balance_this_month,
	stock_out_reason_code, days_stock_out, eligible,
	warehouse, district, upazila, sdp, month, year, file_name
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`

// Pool is the subset of pgxpool.Pool the store needs, mockable in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store writes stock rows to form_f2_data.
type Store struct {
	pool   Pool
	logger *zap.Logger
}

// Connect opens a pool against the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewStore(pool, logger), nil
}

// NewStore wraps an existing pool.
func NewStore(pool Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// CreateTable provisions the target table and its location index.
func (s *Store) CreateTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create form_f2_data: %w", err)
	}
	s.logger.Info("form_f2_data table ready")
	return nil
}

// InsertDocument stores every record of a document in one transaction.
// Documents with no records are a no-op.
func (s *Store) InsertDocument(ctx context.Context, doc stock.ResultDocument) error {
	if len(doc.Data) == 0 {
		return nil
	}

	unit := doc.Metadata
	district := catalog.District(unit.WarehouseName)
	fileName := unit.FileName()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range doc.Data {
		_, err := tx.Exec(ctx, insertRowSQL,
			unit.ItemName,
			rec.OpeningBalance,
			rec.Received,
			rec.Total,
			rec.AdjPlus,
			rec.AdjMinus,
			rec.GrandTotal,
			rec.Distribution,
			rec.ClosingBalance,
			rec.StockOutReason,
			rec.StockOutDays,
			rec.Eligible,
			unit.WarehouseName,
			district,
			unit.UpazilaName,
			rec.Facility,
			unit.Month,
			unit.Year,
			fileName,
		)
		if err != nil {
			return fmt.Errorf("insert stock row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stock rows: %w", err)
	}
	s.logger.Debug("document stored",
		zap.String("unit", unit.Key()),
		zap.Int("rows", len(doc.Data)),
	)
	return nil
}
