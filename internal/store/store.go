package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"fulfillment-service/internal/apperr"
)

//go:embed schema.sql
var schemaSQL string

// PostgreSQL error codes treated as retryable contention.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
	pqUniqueViolation      = "23505"
)

type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewStore creates a new database store
func NewStore(databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction with row locks taken by the
// repositories' ForUpdate methods.
func (s *Store) WithinTx(ctx context.Context, fn func(r Repos) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return mapError(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	if err := fn(&txRepos{tx: tx}); err != nil {
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type txRepos struct {
	tx *sqlx.Tx
}

func (r *txRepos) Orders() OrderRepository       { return &orderRepo{db: r.tx} }
func (r *txRepos) Products() ProductRepository   { return &productRepo{db: r.tx} }
func (r *txRepos) Payments() PaymentRepository   { return &paymentRepo{db: r.tx} }
func (r *txRepos) Coupons() CouponRepository     { return &couponRepo{db: r.tx} }
func (r *txRepos) Customers() CustomerRepository { return &customerRepo{db: r.tx} }
func (r *txRepos) Audit() AuditRepository        { return &auditRepo{db: r.tx} }

// mapError turns lock contention into ConcurrencyConflict; other errors pass through.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
			return apperr.Conflict("concurrent update, retry the operation", err)
		case pqUniqueViolation:
			return apperr.Conflict(fmt.Sprintf("duplicate value violates %s", pqErr.Constraint), err)
		}
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// notFound converts sql.ErrNoRows into ErrNotFound.
func notFound(err error) error {
	if isNoRows(err) {
		return ErrNotFound
	}
	return err
}

// requireOneRow reports ErrNotFound when an UPDATE or DELETE matched nothing.
func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
