package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertActionSQL = `INSERT INTO keeper_actions (
        kind,
        requester,
        identifier,
        request_ts,
        ancillary_data,
        price,
        tx_hash,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING id, kind, requester, identifier, request_ts, ancillary_data, price, tx_hash, status, error, created_at;`

	listRecentActionsSQL = `SELECT
        id,
        kind,
        requester,
        identifier,
        request_ts,
        ancillary_data,
        price,
        tx_hash,
        status,
        error,
        created_at
    FROM keeper_actions
    ORDER BY created_at DESC
    LIMIT $1;`

	listActionsBetweenSQL = `SELECT
        id,
        kind,
        requester,
        identifier,
        request_ts,
        ancillary_data,
        price,
        tx_hash,
        status,
        error,
        created_at
    FROM keeper_actions
    WHERE identifier = $1
      AND created_at >= $2
      AND created_at < $3
    ORDER BY created_at;`

	countActionsSQL = `SELECT COUNT(*) FROM keeper_actions;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ActionStore defines persistence for keeper action auditing.
type ActionStore interface {
	InsertAction(ctx context.Context, action ActionRecord) (ActionRecord, error)
	ListRecentActions(ctx context.Context, limit int) ([]ActionRecord, error)
	ListActionsBetween(ctx context.Context, identifier string, from, to time.Time) ([]ActionRecord, error)
	CountActions(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the keeper action audit log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAction persists one attempted keeper action.
func (s *Store) InsertAction(ctx context.Context, action ActionRecord) (ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ActionRecord{}, err
	}

	var price interface{}
	if action.Price != nil {
		price = action.Price.String()
	}
	var txHash interface{}
	if action.TxHash != nil {
		txHash = *action.TxHash
	}
	var errMsg interface{}
	if action.Error != nil {
		errMsg = *action.Error
	}

	rows, queryErr := pool.Query(ctx, insertActionSQL,
		action.Kind,
		action.Requester,
		action.Identifier,
		action.RequestTime,
		action.AncillaryData,
		price,
		txHash,
		action.Status,
		errMsg,
	)
	if queryErr != nil {
		return ActionRecord{}, fmt.Errorf("insert action: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return ActionRecord{}, rows.Err()
		}
		return ActionRecord{}, errors.New("insert action returned no row")
	}
	return scanAction(rows)
}

// ListRecentActions returns the newest actions first.
func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentActionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent actions: %w", queryErr)
	}
	defer rows.Close()

	return collectActions(rows, limit)
}

// ListActionsBetween returns an identifier's actions within a time window,
// oldest first.
func (s *Store) ListActionsBetween(ctx context.Context, identifier string, from, to time.Time) ([]ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActionsBetweenSQL, identifier, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list actions between: %w", queryErr)
	}
	defer rows.Close()

	return collectActions(rows, 0)
}

// CountActions returns the total number of recorded actions.
func (s *Store) CountActions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var count int64
	if err := pool.QueryRow(ctx, countActionsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return count, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; the lock dies with the session anyway
		}
		conn.Release()
	}
	return unlock, true, nil
}

func collectActions(rows pgx.Rows, sizeHint int) ([]ActionRecord, error) {
	actions := make([]ActionRecord, 0, sizeHint)
	for rows.Next() {
		action, scanErr := scanAction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		actions = append(actions, action)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return actions, nil
}

func scanAction(rows pgx.Rows) (ActionRecord, error) {
	var (
		action   ActionRecord
		priceStr sql.NullString
		txHash   sql.NullString
		errMsg   sql.NullString
	)

	if err := rows.Scan(
		&action.ID,
		&action.Kind,
		&action.Requester,
		&action.Identifier,
		&action.RequestTime,
		&action.AncillaryData,
		&priceStr,
		&txHash,
		&action.Status,
		&errMsg,
		&action.CreatedAt,
	); err != nil {
		return ActionRecord{}, err
	}

	if priceStr.Valid {
		price, err := decimal.NewFromString(priceStr.String)
		if err != nil {
			return ActionRecord{}, fmt.Errorf("parse action price: %w", err)
		}
		action.Price = &price
	}
	if txHash.Valid {
		value := txHash.String
		action.TxHash = &value
	}
	if errMsg.Valid {
		value := errMsg.String
		action.Error = &value
	}

	return action, nil
}

var (
	_ ActionStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
