package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
)

var bpsScale = big.NewInt(10_000)

// Reader turns raw, possibly stale or missing samples from one or more price
// sources into caller-trustable results: a fresh price, an ordering, a TWAP,
// or a deviation verdict. It holds no mutable state; every operation is a
// pure function of its arguments and the source's current data, so concurrent
// use needs no coordination.
type Reader struct {
	logger zerolog.Logger
}

// NewReader constructs a Reader.
func NewReader(logger zerolog.Logger) *Reader {
	return &Reader{logger: logger.With().Str("component", "oracle_reader").Logger()}
}

// GetPrice fetches the latest sample for asset and verifies it against the
// staleness budget. A sample whose age equals maxAge exactly is still fresh.
func (r *Reader) GetPrice(ctx context.Context, src PriceSource, asset AssetID, now uint64, maxAge time.Duration) (Sample, error) {
	if maxAge <= 0 {
		return Sample{}, fmt.Errorf("%w: max age must be positive, got %s", ErrInvalidConfig, maxAge)
	}

	sample, err := src.Latest(ctx, asset)
	if err != nil {
		return Sample{}, fmt.Errorf("latest %s from %s: %w", asset, src.Name(), err)
	}
	if sample == nil {
		return Sample{}, fmt.Errorf("%w: %s on %s", ErrNoData, asset, src.Name())
	}
	if err := validateSample(*sample, now); err != nil {
		return Sample{}, err
	}

	if age := now - sample.Timestamp; age > maxSeconds(maxAge) {
		return Sample{}, fmt.Errorf("%w: %s is %ds old, max %ds", ErrStaleData, asset, age, maxSeconds(maxAge))
	}
	return *sample, nil
}

// GetPriceAt fetches the sample recorded at or before the given timestamp and
// applies the same validation and staleness rule relative to that timestamp.
func (r *Reader) GetPriceAt(ctx context.Context, src PriceSource, asset AssetID, at uint64, maxAge time.Duration) (Sample, error) {
	if maxAge <= 0 {
		return Sample{}, fmt.Errorf("%w: max age must be positive, got %s", ErrInvalidConfig, maxAge)
	}

	sample, err := src.At(ctx, asset, at)
	if err != nil {
		return Sample{}, fmt.Errorf("at %s from %s: %w", asset, src.Name(), err)
	}
	if sample == nil {
		return Sample{}, fmt.Errorf("%w: %s on %s at %d", ErrNoData, asset, src.Name(), at)
	}
	if err := validateSample(*sample, at); err != nil {
		return Sample{}, err
	}

	if age := at - sample.Timestamp; age > maxSeconds(maxAge) {
		return Sample{}, fmt.Errorf("%w: %s is %ds older than %d, max %ds", ErrStaleData, asset, age, at, maxSeconds(maxAge))
	}
	return *sample, nil
}

// GetPriceWithFallback reads from primary and, on any failure, retries once
// against fallback with the same parameters. The fallback outcome is returned
// verbatim; there is no further chaining.
func (r *Reader) GetPriceWithFallback(ctx context.Context, primary, fallback PriceSource, asset AssetID, now uint64, maxAge time.Duration) (Sample, error) {
	sample, err := r.GetPrice(ctx, primary, asset, now, maxAge)
	if err == nil {
		return sample, nil
	}

	r.logger.Warn().Err(err).
		Str("asset", asset.String()).
		Str("primary", primary.Name()).
		Str("fallback", fallback.Name()).
		Msg("primary source failed, trying fallback")

	return r.GetPrice(ctx, fallback, asset, now, maxAge)
}

// Compare fetches fresh prices for both assets and orders them by raw scaled
// value, returning -1, 0, or +1. Both samples must share the same decimals
// exponent; the reader never rescales implicitly. Failures name the asset
// that could not be read.
func (r *Reader) Compare(ctx context.Context, src PriceSource, a, b AssetID, now uint64, maxAge time.Duration) (int, error) {
	sampleA, err := r.GetPrice(ctx, src, a, now, maxAge)
	if err != nil {
		return 0, fmt.Errorf("asset %s: %w", a, err)
	}
	sampleB, err := r.GetPrice(ctx, src, b, now, maxAge)
	if err != nil {
		return 0, fmt.Errorf("asset %s: %w", b, err)
	}

	if sampleA.Decimals != sampleB.Decimals {
		return 0, fmt.Errorf("%w: %s has 10^-%d, %s has 10^-%d",
			ErrIncompatibleScale, a, sampleA.Decimals, b, sampleB.Decimals)
	}
	return sampleA.Price.Cmp(sampleB.Price), nil
}

// TWAP computes a time-weighted average over the window/interval most recent
// samples. Each sample's price is weighted by the duration until the next
// sample, i.e. the price is assumed to hold constant until the next update.
// The division truncates toward zero.
func (r *Reader) TWAP(ctx context.Context, src PriceSource, asset AssetID, now uint64, window, interval time.Duration) (*big.Int, error) {
	if window <= 0 || interval <= 0 {
		return nil, fmt.Errorf("%w: window and interval must be positive", ErrInvalidConfig)
	}

	records := uint32(window / interval)
	if records == 0 {
		return nil, fmt.Errorf("%w: window %s shorter than interval %s", ErrInsufficientData, window, interval)
	}

	samples, err := src.Recent(ctx, asset, records)
	if err != nil {
		return nil, fmt.Errorf("recent %s from %s: %w", asset, src.Name(), err)
	}
	if len(samples) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 samples for %s, got %d", ErrInsufficientData, asset, len(samples))
	}

	decimals := samples[0].Decimals
	weightedSum := new(big.Int)
	totalWeight := new(big.Int)

	for i, sample := range samples {
		if err := validateSample(sample, now); err != nil {
			return nil, err
		}
		if sample.Decimals != decimals {
			return nil, fmt.Errorf("%w: mixed decimals in series for %s", ErrIncompatibleScale, asset)
		}
		if i == 0 {
			continue
		}
		older := samples[i-1]
		if sample.Timestamp < older.Timestamp {
			return nil, fmt.Errorf("%w: timestamps not ordered oldest-first for %s", ErrInvalidSample, asset)
		}
		weight := new(big.Int).SetUint64(sample.Timestamp - older.Timestamp)
		weightedSum.Add(weightedSum, new(big.Int).Mul(older.Price, weight))
		totalWeight.Add(totalWeight, weight)
	}

	if totalWeight.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero total weight for %s (equal timestamps)", ErrInsufficientData, asset)
	}

	return new(big.Int).Quo(weightedSum, totalWeight), nil
}

// CrossRate derives base/quote from two fresh samples on the same source:
// price = base.Price * 10^decimals / quote.Price, truncating. Both legs must
// share the same decimals exponent; the result carries the older of the two
// timestamps, since the rate is only as fresh as its stalest leg.
func (r *Reader) CrossRate(ctx context.Context, src PriceSource, base, quote AssetID, now uint64, maxAge time.Duration) (Sample, error) {
	baseSample, err := r.GetPrice(ctx, src, base, now, maxAge)
	if err != nil {
		return Sample{}, fmt.Errorf("asset %s: %w", base, err)
	}
	quoteSample, err := r.GetPrice(ctx, src, quote, now, maxAge)
	if err != nil {
		return Sample{}, fmt.Errorf("asset %s: %w", quote, err)
	}

	if baseSample.Decimals != quoteSample.Decimals {
		return Sample{}, fmt.Errorf("%w: %s has 10^-%d, %s has 10^-%d",
			ErrIncompatibleScale, base, baseSample.Decimals, quote, quoteSample.Decimals)
	}
	if quoteSample.Price.Sign() == 0 {
		return Sample{}, fmt.Errorf("%w: zero quote price for %s", ErrInvalidSample, quote)
	}

	price := new(big.Int).Mul(baseSample.Price, pow10(baseSample.Decimals))
	price.Quo(price, quoteSample.Price)

	ts := baseSample.Timestamp
	if quoteSample.Timestamp < ts {
		ts = quoteSample.Timestamp
	}

	return Sample{Price: price, Timestamp: ts, Decimals: baseSample.Decimals}, nil
}

// DeviationBps computes |newPrice - lastKnown| * 10000 / |lastKnown| with
// truncating integer arithmetic.
func (r *Reader) DeviationBps(newPrice, lastKnown *big.Int) (*big.Int, error) {
	if lastKnown == nil || lastKnown.Sign() == 0 {
		return nil, fmt.Errorf("%w: last known price must be non-zero", ErrInvalidConfig)
	}

	diff := new(big.Int).Sub(newPrice, lastKnown)
	diff.Abs(diff)
	diff.Mul(diff, bpsScale)
	return diff.Quo(diff, new(big.Int).Abs(lastKnown)), nil
}

// CheckDeviation is the circuit breaker callers invoke before accepting a new
// price into their own state. It fails when the sample deviates from the last
// known price by more than maxDeviationBps basis points.
func (r *Reader) CheckDeviation(sample Sample, lastKnown *big.Int, maxDeviationBps uint32) error {
	deviation, err := r.DeviationBps(sample.Price, lastKnown)
	if err != nil {
		return err
	}

	if deviation.Cmp(new(big.Int).SetUint64(uint64(maxDeviationBps))) > 0 {
		return fmt.Errorf("%w: %s bps exceeds %d bps", ErrExcessiveDeviation, deviation, maxDeviationBps)
	}
	return nil
}

func validateSample(s Sample, now uint64) error {
	if s.Price == nil {
		return fmt.Errorf("%w: missing price", ErrInvalidSample)
	}
	if s.Timestamp > now {
		return fmt.Errorf("%w: timestamp %d is in the future (now %d)", ErrInvalidSample, s.Timestamp, now)
	}
	return nil
}

func maxSeconds(d time.Duration) uint64 {
	return uint64(d / time.Second)
}
