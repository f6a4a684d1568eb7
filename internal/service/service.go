package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oraclewatch/internal/alerting"
	"oraclewatch/internal/config"
	"oraclewatch/internal/oracle"
	"oraclewatch/internal/scheduler"
	"oraclewatch/internal/storage"
)

// Service orchestrates oracle reads, persistence, and alerting.
type Service struct {
	scheduler  *scheduler.Scheduler
	reader     *oracle.Reader
	primary    oracle.PriceSource
	fallback   oracle.PriceSource
	store      storage.PriceStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	logger     zerolog.Logger

	assets          []oracle.AssetID
	maxAge          time.Duration
	twapWindow      time.Duration
	twapInterval    time.Duration
	maxDeviationBps uint32
	channels        []string
	alertsOn        bool
	cooldown        time.Duration
	locker          storage.AdvisoryLocker
	lockKey         int64

	// last alert emission per asset; only touched from the scheduler loop
	lastAlert map[string]time.Time
}

// New constructs the monitoring service. fallback may be nil when no
// secondary source is configured.
func New(cfg *config.Config, sched *scheduler.Scheduler, reader *oracle.Reader, primary, fallback oracle.PriceSource, store storage.PriceStore, alertStore storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	assets := make([]oracle.AssetID, 0, len(cfg.Oracle.Assets))
	for _, code := range cfg.Oracle.Assets {
		assets = append(assets, oracle.ParseAsset(code))
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:       sched,
		reader:          reader,
		primary:         primary,
		fallback:        fallback,
		store:           store,
		alertStore:      alertStore,
		notifier:        notifier,
		logger:          logger.With().Str("component", "service").Logger(),
		assets:          assets,
		maxAge:          cfg.Oracle.MaxAge,
		twapWindow:      cfg.Oracle.TwapWindow,
		twapInterval:    cfg.Oracle.TwapInterval,
		maxDeviationBps: cfg.Alerting.MaxDeviationBps,
		channels:        cfg.Alerting.Channels,
		alertsOn:        cfg.Alerting.Enabled,
		cooldown:        cfg.Alerting.Cooldown,
		locker:          locker,
		lockKey:         cfg.Scheduler.AdvisoryLockKey,
		lastAlert:       make(map[string]time.Time),
	}
}

// Run begins the aligned sampling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket samples every configured asset for one time bucket.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var failures []error
	for _, asset := range s.assets {
		if err := s.processAsset(ctx, bucket, asset); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Str("asset", asset.String()).Msg("asset sampling failed")
			failures = append(failures, fmt.Errorf("%s: %w", asset, err))
		}
	}
	return errors.Join(failures...)
}

func (s *Service) processAsset(ctx context.Context, bucket time.Time, asset oracle.AssetID) error {
	now := uint64(bucket.Unix())

	sample, sourceName, err := s.fetch(ctx, asset, now)
	if err != nil {
		if s.store != nil {
			if markErr := s.store.MarkErrored(ctx, bucket, asset.String(), sourceName, err.Error()); markErr != nil {
				s.logger.Error().Err(markErr).Time("bucket", bucket).Msg("failed to record errored bucket")
			}
		}
		return err
	}

	row := storage.PriceRow{
		Bucket:    bucket,
		Asset:     asset.String(),
		Source:    sourceName,
		PriceRaw:  sample.Price,
		Decimals:  sample.Decimals,
		Status:    "complete",
		CreatedAt: time.Now().UTC(),
	}

	twap, twapErr := s.reader.TWAP(ctx, s.primary, asset, now, s.twapWindow, s.twapInterval)
	if twapErr != nil {
		s.logger.Warn().Err(twapErr).Str("asset", asset.String()).Msg("twap unavailable for bucket")
	} else {
		row.TwapRaw = twap
	}

	tripped := false
	var deviation int64
	if s.store != nil {
		last, lastErr := s.store.LatestAccepted(ctx, asset.String())
		if lastErr != nil {
			s.logger.Error().Err(lastErr).Str("asset", asset.String()).Msg("failed to load last accepted price")
		} else if last != nil && last.PriceRaw != nil && last.PriceRaw.Sign() != 0 {
			bps, devErr := s.reader.DeviationBps(sample.Price, last.PriceRaw)
			if devErr != nil {
				s.logger.Error().Err(devErr).Str("asset", asset.String()).Msg("failed to compute deviation")
			} else {
				deviation = bps.Int64()
				row.DeviationBps = &deviation
			}

			if checkErr := s.reader.CheckDeviation(sample, last.PriceRaw, s.maxDeviationBps); errors.Is(checkErr, oracle.ErrExcessiveDeviation) {
				tripped = true
				if sample.Price.Cmp(last.PriceRaw) > 0 {
					row.Status = "deviated_up"
				} else {
					row.Status = "deviated_down"
				}
			}
		}

		if err := s.store.UpsertPrice(ctx, row); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Str("asset", asset.String()).Msg("failed to upsert sample")
		}
	}

	s.logger.Info().Time("bucket", bucket).
		Str("asset", asset.String()).
		Str("source", sourceName).
		Str("price", sample.Price.String()).
		Int64("deviation_bps", deviation).
		Msg("sample recorded")

	if tripped {
		s.emitAlert(ctx, bucket, asset, row)
	}
	return nil
}

// fetch reads the asset price, preferring the primary source and falling back
// once, and reports which source produced the sample.
func (s *Service) fetch(ctx context.Context, asset oracle.AssetID, now uint64) (oracle.Sample, string, error) {
	sample, err := s.reader.GetPrice(ctx, s.primary, asset, now, s.maxAge)
	if err == nil {
		return sample, s.primary.Name(), nil
	}
	if s.fallback == nil {
		return oracle.Sample{}, s.primary.Name(), err
	}

	s.logger.Warn().Err(err).Str("asset", asset.String()).Msg("primary source failed, trying fallback")
	sample, fbErr := s.reader.GetPrice(ctx, s.fallback, asset, now, s.maxAge)
	if fbErr != nil {
		return oracle.Sample{}, s.fallback.Name(), fbErr
	}
	return sample, s.fallback.Name(), nil
}

func (s *Service) emitAlert(ctx context.Context, bucket time.Time, asset oracle.AssetID, row storage.PriceRow) {
	if !s.alertsOn || s.notifier == nil {
		return
	}

	if last, ok := s.lastAlert[asset.String()]; ok && s.cooldown > 0 && bucket.Sub(last) < s.cooldown {
		s.logger.Debug().Str("asset", asset.String()).Msg("alert suppressed by cooldown")
		return
	}

	direction := "up"
	if row.Status == "deviated_down" {
		direction = "down"
	}

	deviation := int64(0)
	if row.DeviationBps != nil {
		deviation = *row.DeviationBps
	}

	if s.alertStore != nil {
		record := storage.AlertRecord{
			SampleTS:     bucket,
			Asset:        asset.String(),
			DeviationBps: deviation,
			ThresholdBps: int64(s.maxDeviationBps),
			Direction:    direction,
			Channels:     s.channels,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to persist alert record")
		}
	}

	note := alerting.Notification{
		Bucket:       bucket,
		Asset:        asset.String(),
		Source:       row.Source,
		Price:        row.Rate(),
		Twap:         row.TwapRate(),
		DeviationBps: deviation,
		ThresholdBps: int64(s.maxDeviationBps),
		Direction:    direction,
		Channels:     s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
		return
	}
	s.lastAlert[asset.String()] = bucket
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
