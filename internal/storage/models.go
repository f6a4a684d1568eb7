package storage

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// PriceRow represents one persisted observation bucket for one asset. Raw
// values keep the oracle's integer scaling; Rate/TwapRate scale them down for
// display and export.
type PriceRow struct {
	Bucket       time.Time
	Asset        string
	Source       string
	PriceRaw     *big.Int
	Decimals     uint32
	TwapRaw      *big.Int
	DeviationBps *int64
	Status       string
	Error        *string
	CreatedAt    time.Time
}

// Rate returns the price scaled by its decimals exponent.
func (r PriceRow) Rate() decimal.Decimal {
	if r.PriceRaw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(r.PriceRaw, -int32(r.Decimals))
}

// TwapRate returns the TWAP scaled by the row's decimals exponent.
func (r PriceRow) TwapRate() decimal.Decimal {
	if r.TwapRaw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(r.TwapRaw, -int32(r.Decimals))
}

// AlertRecord captures an emitted deviation alert for auditing.
type AlertRecord struct {
	ID           int64
	SampleTS     time.Time
	Asset        string
	DeviationBps int64
	ThresholdBps int64
	Direction    string
	Channels     []string
	CreatedAt    time.Time
}
