package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPriceSQL = `INSERT INTO price_samples (
        bucket_ts,
        asset,
        source,
        price_raw,
        decimals,
        twap_raw,
        deviation_bps,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (bucket_ts, asset) DO UPDATE
    SET
        source        = EXCLUDED.source,
        price_raw     = EXCLUDED.price_raw,
        decimals      = EXCLUDED.decimals,
        twap_raw      = EXCLUDED.twap_raw,
        deviation_bps = EXCLUDED.deviation_bps,
        status        = EXCLUDED.status,
        error         = EXCLUDED.error;`

	latestAcceptedSQL = `SELECT
        bucket_ts, asset, source, price_raw, decimals, twap_raw, deviation_bps, status, error, created_at
    FROM price_samples
    WHERE asset = $1
      AND status = 'complete'
    ORDER BY bucket_ts DESC
    LIMIT 1;`

	listBetweenSQL = `SELECT
        bucket_ts, asset, source, price_raw, decimals, twap_raw, deviation_bps, status, error, created_at
    FROM price_samples
    WHERE asset = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	listRecentSQL = `SELECT
        bucket_ts, asset, source, price_raw, decimals, twap_raw, deviation_bps, status, error, created_at
    FROM price_samples
    WHERE asset = $1
    ORDER BY bucket_ts DESC
    LIMIT $2;`

	markErroredSQL = `INSERT INTO price_samples (bucket_ts, asset, source, price_raw, decimals, status, error)
    VALUES ($1, $2, $3, NULL, 0, 'errored', $4)
    ON CONFLICT (bucket_ts, asset) DO UPDATE
    SET status = 'errored', error = EXCLUDED.error;`

	countSamplesSQL = `SELECT COUNT(*) FROM price_samples;`

	insertAlertSQL = `INSERT INTO alerts (
        sample_ts,
        asset,
        deviation_bps,
        threshold_bps,
        direction,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (sample_ts, asset) DO UPDATE
    SET deviation_bps = EXCLUDED.deviation_bps,
        threshold_bps = EXCLUDED.threshold_bps,
        direction     = EXCLUDED.direction,
        channels      = EXCLUDED.channels
    RETURNING id, sample_ts, asset, deviation_bps, threshold_bps, direction, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id, sample_ts, asset, deviation_bps, threshold_bps, direction, channels, created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceStore defines operations for oracle sample persistence.
type PriceStore interface {
	UpsertPrice(ctx context.Context, row PriceRow) error
	LatestAccepted(ctx context.Context, asset string) (*PriceRow, error)
	ListBetween(ctx context.Context, asset string, from, to time.Time) ([]PriceRow, error)
	ListRecent(ctx context.Context, asset string, limit int) ([]PriceRow, error)
	MarkErrored(ctx context.Context, bucket time.Time, asset, source, errMsg string) error
	CountSamples(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to price samples and alerts.
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

// UpsertPrice persists or updates an observation bucket for an asset.
func (s *Store) UpsertPrice(ctx context.Context, row PriceRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var price interface{}
	if row.PriceRaw != nil {
		price = row.PriceRaw.String()
	}

	var twap interface{}
	if row.TwapRaw != nil {
		twap = row.TwapRaw.String()
	}

	var deviation interface{}
	if row.DeviationBps != nil {
		deviation = *row.DeviationBps
	}

	var errMsg interface{}
	if row.Error != nil {
		errMsg = *row.Error
	}

	_, execErr := pool.Exec(ctx, upsertPriceSQL,
		row.Bucket,
		row.Asset,
		row.Source,
		price,
		int32(row.Decimals),
		twap,
		deviation,
		row.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert price sample: %w", execErr)
	}
	return nil
}

// LatestAccepted returns the newest complete row for the asset, or nil when
// no accepted price exists yet.
func (s *Store) LatestAccepted(ctx context.Context, asset string) (*PriceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestAcceptedSQL, asset)
	if queryErr != nil {
		return nil, fmt.Errorf("latest accepted price: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	row, scanErr := scanPriceRow(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &row, rows.Err()
}

// ListBetween lists an asset's samples within a time window.
func (s *Store) ListBetween(ctx context.Context, asset string, from, to time.Time) ([]PriceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBetweenSQL, asset, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectPriceRows(rows, 0)
}

// ListRecent lists the most recent samples for an asset, newest first.
func (s *Store) ListRecent(ctx context.Context, asset string, limit int) ([]PriceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSQL, asset, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectPriceRows(rows, limit)
}

// MarkErrored records a failed bucket for an asset.
func (s *Store) MarkErrored(ctx context.Context, bucket time.Time, asset, source, errMsg string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markErroredSQL, bucket, asset, source, errMsg); execErr != nil {
		return fmt.Errorf("mark sample errored: %w", execErr)
	}
	return nil
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		alert.Asset,
		alert.DeviationBps,
		alert.ThresholdBps,
		alert.Direction,
		alert.Channels,
	)

	var rec AlertRecord
	if scanErr := row.Scan(
		&rec.ID,
		&rec.SampleTS,
		&rec.Asset,
		&rec.DeviationBps,
		&rec.ThresholdBps,
		&rec.Direction,
		&rec.Channels,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}

	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.SampleTS,
			&rec.Asset,
			&rec.DeviationBps,
			&rec.ThresholdBps,
			&rec.Direction,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func collectPriceRows(rows pgx.Rows, capacity int) ([]PriceRow, error) {
	if capacity < 0 {
		capacity = 0
	}
	samples := make([]PriceRow, 0, capacity)
	for rows.Next() {
		row, scanErr := scanPriceRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanPriceRow(rows pgx.Rows) (PriceRow, error) {
	var (
		bucket    time.Time
		asset     string
		source    string
		priceStr  sql.NullString
		decimals  int32
		twapStr   sql.NullString
		deviation sql.NullInt64
		status    string
		errMsg    sql.NullString
		createdAt time.Time
	)

	if err := rows.Scan(
		&bucket,
		&asset,
		&source,
		&priceStr,
		&decimals,
		&twapStr,
		&deviation,
		&status,
		&errMsg,
		&createdAt,
	); err != nil {
		return PriceRow{}, err
	}

	row := PriceRow{
		Bucket:    bucket,
		Asset:     asset,
		Source:    source,
		Decimals:  uint32(decimals),
		Status:    status,
		CreatedAt: createdAt,
	}

	if priceStr.Valid {
		price, ok := new(big.Int).SetString(priceStr.String, 10)
		if !ok {
			return PriceRow{}, fmt.Errorf("parse price raw %q", priceStr.String)
		}
		row.PriceRaw = price
	}
	if twapStr.Valid {
		twap, ok := new(big.Int).SetString(twapStr.String, 10)
		if !ok {
			return PriceRow{}, fmt.Errorf("parse twap raw %q", twapStr.String)
		}
		row.TwapRaw = twap
	}
	if deviation.Valid {
		value := deviation.Int64
		row.DeviationBps = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		row.Error = &msg
	}

	return row, nil
}
