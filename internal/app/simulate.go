package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"oraclewatch/internal/alerting"
	"oraclewatch/internal/oracle"
)

// simulatedDecimals is the scale used for operator-supplied prices.
const simulatedDecimals = 7

// SimulateAlert runs the deviation circuit breaker against operator-supplied
// prices and dispatches the alert it would produce.
func (a *App) SimulateAlert(ctx context.Context, asset string, newPrice, lastPrice decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	reader := a.newReader()
	id := oracle.ParseAsset(asset)
	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)

	src := &staticSource{sample: oracle.Sample{
		Price:     newPrice.Shift(simulatedDecimals).BigInt(),
		Timestamp: uint64(bucket.Unix()),
		Decimals:  simulatedDecimals,
	}}

	sample, err := reader.GetPrice(ctx, src, id, uint64(bucket.Unix()), a.Config.Oracle.MaxAge)
	if err != nil {
		return err
	}

	last := lastPrice.Shift(simulatedDecimals).BigInt()
	deviation, err := reader.DeviationBps(sample.Price, last)
	if err != nil {
		return err
	}

	checkErr := reader.CheckDeviation(sample, last, a.Config.Alerting.MaxDeviationBps)
	if checkErr == nil {
		a.Logger.Info().
			Str("asset", asset).
			Str("deviation_bps", deviation.String()).
			Msg("deviation within threshold; no alert emitted")
		return nil
	}
	if !errors.Is(checkErr, oracle.ErrExcessiveDeviation) {
		return checkErr
	}

	direction := "up"
	if sample.Price.Cmp(last) < 0 {
		direction = "down"
	}

	note := alerting.Notification{
		Bucket:        bucket,
		Asset:         id.String(),
		Source:        src.Name(),
		Price:         newPrice,
		DeviationBps:  deviation.Int64(),
		ThresholdBps:  int64(a.Config.Alerting.MaxDeviationBps),
		Direction:     direction,
		Channels:      a.Config.Alerting.Channels,
		AdditionalMsg: "(simulated)",
	}
	return notifier.Notify(ctx, note)
}

// staticSource serves one fixed sample for any asset.
type staticSource struct {
	sample oracle.Sample
}

func (s *staticSource) Name() string {
	return "simulated"
}

func (s *staticSource) Latest(ctx context.Context, asset oracle.AssetID) (*oracle.Sample, error) {
	sample := s.sample
	return &sample, nil
}

func (s *staticSource) At(ctx context.Context, asset oracle.AssetID, timestamp uint64) (*oracle.Sample, error) {
	sample := s.sample
	return &sample, nil
}

func (s *staticSource) Recent(ctx context.Context, asset oracle.AssetID, count uint32) ([]oracle.Sample, error) {
	return []oracle.Sample{s.sample}, nil
}

var _ oracle.PriceSource = (*staticSource)(nil)
