package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeSource struct {
	name      string
	latest    map[AssetID]*Sample
	at        map[AssetID]*Sample
	recent    map[AssetID][]Sample
	latestErr error
	recentErr error
}

func (f *fakeSource) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeSource) Latest(ctx context.Context, asset AssetID) (*Sample, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	return f.latest[asset], nil
}

func (f *fakeSource) At(ctx context.Context, asset AssetID, timestamp uint64) (*Sample, error) {
	return f.at[asset], nil
}

func (f *fakeSource) Recent(ctx context.Context, asset AssetID, count uint32) ([]Sample, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	samples := f.recent[asset]
	if uint32(len(samples)) > count {
		samples = samples[uint32(len(samples))-count:]
	}
	return samples, nil
}

func sampleAt(price int64, ts uint64, decimals uint32) *Sample {
	return &Sample{Price: big.NewInt(price), Timestamp: ts, Decimals: decimals}
}

var xlm = Symbol("XLM")

func TestGetPriceFresh(t *testing.T) {
	src := &fakeSource{latest: map[AssetID]*Sample{xlm: sampleAt(1_2345678, 1000, 7)}}
	reader := NewReader(noopLogger())

	got, err := reader.GetPrice(context.Background(), src, xlm, 1100, 5*time.Minute)
	if err != nil {
		t.Fatalf("fresh sample should succeed: %v", err)
	}
	if got.Price.Cmp(big.NewInt(1_2345678)) != 0 {
		t.Fatalf("unexpected price %s", got.Price)
	}
}

func TestGetPriceBoundaryAgeIsFresh(t *testing.T) {
	src := &fakeSource{latest: map[AssetID]*Sample{xlm: sampleAt(100, 1000, 7)}}
	reader := NewReader(noopLogger())

	// age == maxAge exactly must not be stale
	if _, err := reader.GetPrice(context.Background(), src, xlm, 1300, 300*time.Second); err != nil {
		t.Fatalf("boundary age should be fresh: %v", err)
	}

	if _, err := reader.GetPrice(context.Background(), src, xlm, 1301, 300*time.Second); !errors.Is(err, ErrStaleData) {
		t.Fatalf("expected ErrStaleData one second past the boundary, got %v", err)
	}
}

func TestGetPriceNoData(t *testing.T) {
	src := &fakeSource{}
	reader := NewReader(noopLogger())

	if _, err := reader.GetPrice(context.Background(), src, xlm, 1000, time.Minute); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestGetPriceInvalidMaxAge(t *testing.T) {
	src := &fakeSource{latest: map[AssetID]*Sample{xlm: sampleAt(100, 1000, 7)}}
	reader := NewReader(noopLogger())

	if _, err := reader.GetPrice(context.Background(), src, xlm, 1000, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero max age, got %v", err)
	}
	if _, err := reader.GetPrice(context.Background(), src, xlm, 1000, -time.Second); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for negative max age, got %v", err)
	}
}

func TestGetPriceFutureTimestamp(t *testing.T) {
	src := &fakeSource{latest: map[AssetID]*Sample{xlm: sampleAt(100, 2000, 7)}}
	reader := NewReader(noopLogger())

	if _, err := reader.GetPrice(context.Background(), src, xlm, 1000, time.Minute); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample for future timestamp, got %v", err)
	}
}

func TestGetPriceAt(t *testing.T) {
	src := &fakeSource{at: map[AssetID]*Sample{xlm: sampleAt(100, 900, 7)}}
	reader := NewReader(noopLogger())

	got, err := reader.GetPriceAt(context.Background(), src, xlm, 1000, 5*time.Minute)
	if err != nil {
		t.Fatalf("historical read should succeed: %v", err)
	}
	if got.Timestamp != 900 {
		t.Fatalf("unexpected timestamp %d", got.Timestamp)
	}

	if _, err := reader.GetPriceAt(context.Background(), src, xlm, 2000, time.Minute); !errors.Is(err, ErrStaleData) {
		t.Fatalf("sample too far before the requested time should be stale, got %v", err)
	}
}

func TestFallbackPrefersPrimary(t *testing.T) {
	primary := &fakeSource{name: "primary", latest: map[AssetID]*Sample{xlm: sampleAt(100, 1000, 7)}}
	fallback := &fakeSource{name: "fallback", latest: map[AssetID]*Sample{xlm: sampleAt(999, 1000, 7)}}
	reader := NewReader(noopLogger())

	got, err := reader.GetPriceWithFallback(context.Background(), primary, fallback, xlm, 1000, time.Minute)
	if err != nil {
		t.Fatalf("primary success should be returned: %v", err)
	}
	if got.Price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected primary price, got %s", got.Price)
	}
}

func TestFallbackOnPrimaryFailure(t *testing.T) {
	primary := &fakeSource{name: "primary", latestErr: errors.New("connection refused")}
	fallback := &fakeSource{name: "fallback", latest: map[AssetID]*Sample{xlm: sampleAt(42, 1000, 7)}}
	reader := NewReader(noopLogger())

	got, err := reader.GetPriceWithFallback(context.Background(), primary, fallback, xlm, 1000, time.Minute)
	if err != nil {
		t.Fatalf("fallback success should be returned: %v", err)
	}
	if got.Price.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("expected fallback price, got %s", got.Price)
	}
}

func TestFallbackFailureReturnedVerbatim(t *testing.T) {
	primary := &fakeSource{name: "primary", latest: map[AssetID]*Sample{xlm: sampleAt(100, 100, 7)}}
	fallback := &fakeSource{name: "fallback"}
	reader := NewReader(noopLogger())

	// primary stale, fallback empty: the fallback's NoData wins
	_, err := reader.GetPriceWithFallback(context.Background(), primary, fallback, xlm, 10_000, time.Minute)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected fallback's ErrNoData, got %v", err)
	}
}

func TestCompareAntisymmetric(t *testing.T) {
	btc := Symbol("BTC")
	src := &fakeSource{latest: map[AssetID]*Sample{
		xlm: sampleAt(100, 1000, 7),
		btc: sampleAt(200, 1000, 7),
	}}
	reader := NewReader(noopLogger())

	forward, err := reader.Compare(context.Background(), src, xlm, btc, 1000, time.Minute)
	if err != nil {
		t.Fatalf("compare should succeed: %v", err)
	}
	backward, err := reader.Compare(context.Background(), src, btc, xlm, 1000, time.Minute)
	if err != nil {
		t.Fatalf("compare should succeed: %v", err)
	}
	if forward != -1 || backward != 1 {
		t.Fatalf("expected (-1, 1), got (%d, %d)", forward, backward)
	}

	equal, err := reader.Compare(context.Background(), src, xlm, xlm, 1000, time.Minute)
	if err != nil || equal != 0 {
		t.Fatalf("self-compare should be 0, got (%d, %v)", equal, err)
	}
}

func TestCompareIncompatibleScale(t *testing.T) {
	btc := Symbol("BTC")
	src := &fakeSource{latest: map[AssetID]*Sample{
		xlm: sampleAt(100, 1000, 7),
		btc: sampleAt(100, 1000, 8),
	}}
	reader := NewReader(noopLogger())

	if _, err := reader.Compare(context.Background(), src, xlm, btc, 1000, time.Minute); !errors.Is(err, ErrIncompatibleScale) {
		t.Fatalf("expected ErrIncompatibleScale, got %v", err)
	}
}

func TestCompareNamesFailedAsset(t *testing.T) {
	src := &fakeSource{latest: map[AssetID]*Sample{xlm: sampleAt(100, 1000, 7)}}
	reader := NewReader(noopLogger())

	_, err := reader.Compare(context.Background(), src, xlm, Symbol("MISSING"), 1000, time.Minute)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if !strings.Contains(err.Error(), "MISSING") {
		t.Fatalf("error should name the failing asset: %v", err)
	}
}

func TestTWAPConstantPrice(t *testing.T) {
	src := &fakeSource{recent: map[AssetID][]Sample{xlm: {
		*sampleAt(500, 0, 7),
		*sampleAt(500, 300, 7),
		*sampleAt(500, 600, 7),
		*sampleAt(500, 900, 7),
	}}}
	reader := NewReader(noopLogger())

	got, err := reader.TWAP(context.Background(), src, xlm, 900, 20*time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatalf("twap should succeed: %v", err)
	}
	if got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("constant series should average to the constant, got %s", got)
	}
}

func TestTWAPWindowSelectsMostRecent(t *testing.T) {
	src := &fakeSource{recent: map[AssetID][]Sample{xlm: {
		*sampleAt(100, 0, 7),
		*sampleAt(110, 300, 7),
		*sampleAt(120, 600, 7),
	}}}
	reader := NewReader(noopLogger())

	// window 600 / interval 300 = 2 records: the (110, 120) pair, one
	// interval weighted entirely at the older price
	got, err := reader.TWAP(context.Background(), src, xlm, 600, 600*time.Second, 300*time.Second)
	if err != nil {
		t.Fatalf("twap should succeed: %v", err)
	}
	if got.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("expected 110, got %s", got)
	}
}

func TestTWAPWeightsByHoldingTime(t *testing.T) {
	src := &fakeSource{recent: map[AssetID][]Sample{xlm: {
		*sampleAt(100, 0, 7),   // held for 900s
		*sampleAt(200, 900, 7), // held for 100s
		*sampleAt(999, 1000, 7),
	}}}
	reader := NewReader(noopLogger())

	// (100*900 + 200*100) / 1000 = 110
	got, err := reader.TWAP(context.Background(), src, xlm, 1000, 30*time.Minute, 10*time.Minute)
	if err != nil {
		t.Fatalf("twap should succeed: %v", err)
	}
	if got.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("expected 110, got %s", got)
	}
}

func TestTWAPInsufficientData(t *testing.T) {
	reader := NewReader(noopLogger())

	src := &fakeSource{recent: map[AssetID][]Sample{xlm: {*sampleAt(100, 0, 7)}}}
	if _, err := reader.TWAP(context.Background(), src, xlm, 1000, 10*time.Minute, time.Minute); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("single sample should be insufficient, got %v", err)
	}

	// window shorter than interval yields zero records
	if _, err := reader.TWAP(context.Background(), src, xlm, 1000, time.Minute, 10*time.Minute); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("zero records should be insufficient, got %v", err)
	}
}

func TestTWAPDegenerateTimestamps(t *testing.T) {
	src := &fakeSource{recent: map[AssetID][]Sample{xlm: {
		*sampleAt(100, 500, 7),
		*sampleAt(200, 500, 7),
	}}}
	reader := NewReader(noopLogger())

	if _, err := reader.TWAP(context.Background(), src, xlm, 1000, 10*time.Minute, 5*time.Minute); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("zero total weight should be insufficient, got %v", err)
	}
}

func TestTWAPMixedDecimals(t *testing.T) {
	src := &fakeSource{recent: map[AssetID][]Sample{xlm: {
		*sampleAt(100, 0, 7),
		*sampleAt(100, 300, 8),
	}}}
	reader := NewReader(noopLogger())

	if _, err := reader.TWAP(context.Background(), src, xlm, 1000, 10*time.Minute, 5*time.Minute); !errors.Is(err, ErrIncompatibleScale) {
		t.Fatalf("expected ErrIncompatibleScale, got %v", err)
	}
}

func TestTWAPInvalidConfig(t *testing.T) {
	src := &fakeSource{}
	reader := NewReader(noopLogger())

	if _, err := reader.TWAP(context.Background(), src, xlm, 1000, 0, time.Minute); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero window, got %v", err)
	}
	if _, err := reader.TWAP(context.Background(), src, xlm, 1000, time.Minute, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero interval, got %v", err)
	}
}

func TestCheckDeviationZeroNeverTrips(t *testing.T) {
	reader := NewReader(noopLogger())
	sample := *sampleAt(100, 1000, 7)

	if err := reader.CheckDeviation(sample, big.NewInt(100), 0); err != nil {
		t.Fatalf("identical price must never trip the breaker: %v", err)
	}
}

func TestCheckDeviationThreshold(t *testing.T) {
	reader := NewReader(noopLogger())
	sample := *sampleAt(105, 1000, 7)

	// 105 vs 100 is 500 bps
	if err := reader.CheckDeviation(sample, big.NewInt(100), 400); !errors.Is(err, ErrExcessiveDeviation) {
		t.Fatalf("expected ErrExcessiveDeviation, got %v", err)
	}
	if err := reader.CheckDeviation(sample, big.NewInt(100), 500); err != nil {
		t.Fatalf("deviation equal to the threshold must pass: %v", err)
	}
}

func TestCheckDeviationZeroBaseline(t *testing.T) {
	reader := NewReader(noopLogger())
	sample := *sampleAt(105, 1000, 7)

	if err := reader.CheckDeviation(sample, big.NewInt(0), 400); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero baseline, got %v", err)
	}
}

func TestDeviationBpsTruncates(t *testing.T) {
	reader := NewReader(noopLogger())

	// |1001 - 1000| * 10000 / 1000 = 10 bps exactly
	got, err := reader.DeviationBps(big.NewInt(1001), big.NewInt(1000))
	if err != nil {
		t.Fatalf("deviation should compute: %v", err)
	}
	if got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected 10 bps, got %s", got)
	}

	// |1 - 3| * 10000 / 3 = 6666 after truncation
	got, err = reader.DeviationBps(big.NewInt(1), big.NewInt(3))
	if err != nil {
		t.Fatalf("deviation should compute: %v", err)
	}
	if got.Cmp(big.NewInt(6666)) != 0 {
		t.Fatalf("expected 6666 bps, got %s", got)
	}
}

func TestCrossRate(t *testing.T) {
	btc := Symbol("BTC")
	src := &fakeSource{latest: map[AssetID]*Sample{
		xlm: sampleAt(2_0000000, 900, 7),
		btc: sampleAt(4_0000000, 1000, 7),
	}}
	reader := NewReader(noopLogger())

	got, err := reader.CrossRate(context.Background(), src, xlm, btc, 1000, 5*time.Minute)
	if err != nil {
		t.Fatalf("cross rate should succeed: %v", err)
	}
	if got.Price.Cmp(big.NewInt(5000000)) != 0 {
		t.Fatalf("expected 0.5 at 10^-7, got %s", got.Price)
	}
	if got.Timestamp != 900 {
		t.Fatalf("cross rate should carry the older timestamp, got %d", got.Timestamp)
	}
}

func TestCrossRateZeroQuote(t *testing.T) {
	btc := Symbol("BTC")
	src := &fakeSource{latest: map[AssetID]*Sample{
		xlm: sampleAt(100, 1000, 7),
		btc: sampleAt(0, 1000, 7),
	}}
	reader := NewReader(noopLogger())

	if _, err := reader.CrossRate(context.Background(), src, xlm, btc, 1000, time.Minute); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample for zero quote price, got %v", err)
	}
}
