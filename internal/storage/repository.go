package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"ohlcv-merge/internal/bars"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	listDailyBarsSQL = `SELECT
        trade_date,
        open::text,
        high::text,
        low::text,
        close::text,
        volume,
        adj_factor::text
    FROM daily_bars
    WHERE symbol = $1
      AND ($2::date IS NULL OR trade_date >= $2)
      AND ($3::date IS NULL OR trade_date <= $3)
    ORDER BY trade_date;`

	insertMergeRunSQL = `INSERT INTO merge_runs (
        id,
        symbol,
        start_date,
        end_date,
        adjust,
        primary_source,
        sources,
        fallback_used,
        conflicts,
        unfilled,
        rows,
        status,
        error,
        log
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    RETURNING created_at;`

	listRecentMergeRunsSQL = `SELECT
        id::text,
        symbol,
        start_date,
        end_date,
        adjust,
        primary_source,
        sources,
        fallback_used,
        conflicts,
        unfilled,
        rows,
        status,
        error,
        log,
        created_at
    FROM merge_runs
    WHERE ($1 = '' OR symbol = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteMergeRunsBeforeSQL = `DELETE FROM merge_runs WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// BarReader serves stored daily bars.
type BarReader interface {
	DailyBars(ctx context.Context, symbol string, start, end time.Time) (bars.Table, error)
}

// MergeAuditStore persists merge audit records.
type MergeAuditStore interface {
	InsertMergeRun(ctx context.Context, run MergeRun) (MergeRun, error)
	ListRecentMergeRuns(ctx context.Context, symbol string, limit int) ([]MergeRun, error)
	DeleteMergeRunsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to stored bars and merge audits.
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

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Migrate creates the tables used by the database provider and the merge audit.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
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
		// best effort; the session lock is dropped with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// DailyBars lists stored bars of symbol between start and end inclusive. Zero bounds are open.
func (s *Store) DailyBars(ctx context.Context, symbol string, start, end time.Time) (bars.Table, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDailyBarsSQL, symbol, nullDate(start), nullDate(end))
	if queryErr != nil {
		return nil, fmt.Errorf("list daily bars: %w", queryErr)
	}
	defer rows.Close()

	table := make(bars.Table, 0)
	for rows.Next() {
		bar, scanErr := scanDailyBar(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		table = append(table, bar)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return table, nil
}

// InsertMergeRun persists a merge audit record, assigning an id when missing.
func (s *Store) InsertMergeRun(ctx context.Context, run MergeRun) (MergeRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return MergeRun{}, err
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Sources == nil {
		run.Sources = []string{}
	}

	var errMsg interface{}
	if run.Error != nil {
		errMsg = *run.Error
	}
	var logJSON interface{}
	if len(run.Log) > 0 {
		logJSON = []byte(run.Log)
	}

	row := pool.QueryRow(ctx, insertMergeRunSQL,
		run.ID.String(),
		run.Symbol,
		nullDate(run.Start),
		nullDate(run.End),
		run.Adjust,
		run.Primary,
		run.Sources,
		run.FallbackUsed,
		run.Conflicts,
		run.Unfilled,
		run.Rows,
		run.Status,
		errMsg,
		logJSON,
	)
	if scanErr := row.Scan(&run.CreatedAt); scanErr != nil {
		return MergeRun{}, fmt.Errorf("insert merge run: %w", scanErr)
	}
	return run, nil
}

// ListRecentMergeRuns lists the latest audits, optionally for one symbol.
func (s *Store) ListRecentMergeRuns(ctx context.Context, symbol string, limit int) ([]MergeRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentMergeRunsSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent merge runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]MergeRun, 0, limit)
	for rows.Next() {
		run, scanErr := scanMergeRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// DeleteMergeRunsBefore deletes historical audits.
func (s *Store) DeleteMergeRunsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteMergeRunsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete merge runs before: %w", execErr)
	}
	return nil
}

func nullDate(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanDailyBar(rows pgx.Rows) (bars.Bar, error) {
	var (
		day       time.Time
		openStr   string
		highStr   string
		lowStr    string
		closeStr  string
		volume    int64
		factorStr sql.NullString
	)

	if err := rows.Scan(&day, &openStr, &highStr, &lowStr, &closeStr, &volume, &factorStr); err != nil {
		return bars.Bar{}, err
	}

	prices := make([]float64, 4)
	for i, raw := range []string{openStr, highStr, lowStr, closeStr} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return bars.Bar{}, fmt.Errorf("parse price %q: %w", raw, err)
		}
		prices[i] = d.InexactFloat64()
	}

	bar := bars.Bar{
		Date:   time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
		Open:   prices[0],
		High:   prices[1],
		Low:    prices[2],
		Close:  prices[3],
		Volume: volume,
	}
	if factorStr.Valid {
		factor, err := decimal.NewFromString(factorStr.String)
		if err != nil {
			return bars.Bar{}, fmt.Errorf("parse adj factor: %w", err)
		}
		bar.Factor = factor.InexactFloat64()
	}
	return bar, nil
}

func scanMergeRun(rows pgx.Rows) (MergeRun, error) {
	var (
		id     string
		run    MergeRun
		start  sql.NullTime
		end    sql.NullTime
		errMsg sql.NullString
	)

	if err := rows.Scan(
		&id,
		&run.Symbol,
		&start,
		&end,
		&run.Adjust,
		&run.Primary,
		&run.Sources,
		&run.FallbackUsed,
		&run.Conflicts,
		&run.Unfilled,
		&run.Rows,
		&run.Status,
		&errMsg,
		&run.Log,
		&run.CreatedAt,
	); err != nil {
		return MergeRun{}, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return MergeRun{}, fmt.Errorf("parse merge run id: %w", err)
	}
	run.ID = parsed
	if start.Valid {
		run.Start = start.Time
	}
	if end.Valid {
		run.End = end.Time
	}
	if errMsg.Valid {
		msg := errMsg.String
		run.Error = &msg
	}
	return run, nil
}

var (
	_ BarReader       = (*Store)(nil)
	_ MergeAuditStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
