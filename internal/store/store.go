// Package store is the primary transactional store: a Postgres database
// holding every row that participates in the §5 row-locking invariants
// (principals, firms, stored subscriptions, panic requests, providers).
// Catalog data with lower write contention lives in internal/catalog instead.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/coverline/dispatch-core/internal/errs"
)

// Store wraps a *sql.DB and provides the row-lock transaction helper every
// component needs for its linearizability guarantee.
type Store struct {
	DB *sql.DB
}

// Open connects to the primary store using the lib/pq driver.
func Open(dsn string, maxOpen, maxIdle int, connMaxLife time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open primary store: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLife > 0 {
		db.SetConnMaxLifetime(connMaxLife)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping primary store: %w", err)
	}
	return &Store{DB: db}, nil
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic. Every multi-row mutation in the dispatch
// domain (credit debit, subscription apply, request status transition)
// goes through this helper so the read, precondition check, and write stay
// inside one transaction (§5).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errs.Wrap(errs.CodeSysInternal, "rollback failed after error", rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeSysInternal, "commit transaction", err)
	}
	return nil
}

// LockRow runs a SELECT ... FOR UPDATE on a single-column primary key to
// take a row lock for the remainder of the transaction, the explicit
// equivalent §5 requires for credit debits, subscription application, and
// panic-request transitions.
func LockRow(ctx context.Context, tx interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}, table, idColumn, id string) *sql.Row {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 FOR UPDATE", table, idColumn)
	return tx.QueryRowContext(ctx, query, id)
}

// Retry runs fn with bounded exponential backoff for transient store
// errors, matching §5's failure semantics: initial 100ms, x2, <=5 attempts,
// <=5s total. A *errs.DomainError is returned at once unless its code is
// CodeSysUnavailable.
func Retry(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	deadline := time.Now().Add(5 * time.Second)
	for attempt := 0; attempt < 5; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if de, ok := lastErr.(*errs.DomainError); ok && de.Code != errs.CodeSysUnavailable {
			return lastErr
		}
		if time.Now().Add(backoff).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
