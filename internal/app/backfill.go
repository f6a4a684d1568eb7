package app

import (
	"context"
	"errors"
	"time"

	"oraclewatch/internal/oracle"
	"oraclewatch/internal/storage"
)

// Backfill replays historical buckets through the oracle's timestamped read,
// persisting whatever the source still holds for each bucket.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	interval := a.Config.Scheduler.Interval
	if interval <= 0 {
		return errors.New("scheduler.interval is not usable for backfill")
	}

	start := alignForward(opts.From.UTC(), interval)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("backfill range is empty; check --from/--to")
	}

	var store *storage.Store
	var closeStore func()
	var err error

	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
	} else {
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot backfill")
		}
		if closeStore != nil {
			defer closeStore()
		}
	}

	primary, _ := a.newSources()
	reader := a.newReader()

	assets := make([]oracle.AssetID, 0, len(a.Config.Oracle.Assets))
	for _, code := range a.Config.Oracle.Assets {
		assets = append(assets, oracle.ParseAsset(code))
	}

	processed := 0
	failed := 0
	for bucket := start; bucket.Before(end); bucket = bucket.Add(interval) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for _, asset := range assets {
			if err := a.backfillBucket(ctx, reader, primary, store, bucket, asset); err != nil {
				failed++
				a.Logger.Error().Err(err).Time("bucket", bucket).Str("asset", asset.String()).Msg("backfill failed")
				continue
			}
			processed++
		}
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("backfill finished")
	if failed > 0 {
		return errors.New("some buckets failed to backfill; check the logs")
	}
	return nil
}

func (a *App) backfillBucket(ctx context.Context, reader *oracle.Reader, src oracle.PriceSource, store *storage.Store, bucket time.Time, asset oracle.AssetID) error {
	at := uint64(bucket.Unix())
	sample, err := reader.GetPriceAt(ctx, src, asset, at, a.Config.Oracle.MaxAge)
	if err != nil {
		return err
	}

	if store == nil {
		a.Logger.Info().Time("bucket", bucket).Str("asset", asset.String()).Str("price", sample.Price.String()).Msg("dry-run sample")
		return nil
	}

	return store.UpsertPrice(ctx, storage.PriceRow{
		Bucket:    bucket,
		Asset:     asset.String(),
		Source:    src.Name(),
		PriceRaw:  sample.Price,
		Decimals:  sample.Decimals,
		Status:    "backfilled",
		CreatedAt: time.Now().UTC(),
	})
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
