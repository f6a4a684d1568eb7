package oracle

import (
	"context"
	"fmt"
	"math/big"
)

// AssetKind distinguishes how an asset is identified on the oracle side.
type AssetKind uint8

const (
	// AssetSymbol is a plain ticker symbol such as "XLM" or "BTC".
	AssetSymbol AssetKind = iota
	// AssetContract references an on-chain asset by contract address.
	AssetContract
)

// AssetID identifies an asset on a price source. It is a comparable value
// with structural equality, so it can be used directly as a map key.
type AssetID struct {
	Kind AssetKind
	Code string
}

// Symbol builds an AssetID for a ticker symbol.
func Symbol(code string) AssetID {
	return AssetID{Kind: AssetSymbol, Code: code}
}

// Contract builds an AssetID for a contract-addressed asset.
func Contract(addr string) AssetID {
	return AssetID{Kind: AssetContract, Code: addr}
}

// ParseAsset interprets a configured asset code: a 56-character value
// starting with "C" is treated as a contract address, anything else as a
// plain symbol.
func ParseAsset(code string) AssetID {
	if len(code) == 56 && code[0] == 'C' {
		return Contract(code)
	}
	return Symbol(code)
}

// String renders the identifier for logs and persistence.
func (a AssetID) String() string {
	if a.Kind == AssetContract {
		return "contract:" + a.Code
	}
	return a.Code
}

// Sample is a single price observation returned by a PriceSource. Price is an
// integer scaled by 10^Decimals; Timestamp is unix seconds. Samples are values
// and are never mutated after being returned.
type Sample struct {
	Price     *big.Int
	Timestamp uint64
	Decimals  uint32
}

// Rate returns the sample price scaled down by its decimals exponent as a
// float, for display only. Policy arithmetic always uses the raw integer.
func (s Sample) Rate() float64 {
	if s.Price == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(s.Price),
		new(big.Float).SetInt(pow10(s.Decimals)),
	).Float64()
	return f
}

func (s Sample) String() string {
	return fmt.Sprintf("%s@%d (10^-%d)", s.Price, s.Timestamp, s.Decimals)
}

// PriceSource is the read-only capability the reader consumes. It mirrors the
// SEP-40 oracle surface: latest sample, sample at or before a timestamp, and
// the most recent samples for an asset.
//
// Latest and At return (nil, nil) when the source has no data for the asset.
// Recent returns the samples ordered oldest-first, with length at most count.
// Transport failures from network-backed sources surface as errors.
type PriceSource interface {
	Name() string
	Latest(ctx context.Context, asset AssetID) (*Sample, error)
	At(ctx context.Context, asset AssetID, timestamp uint64) (*Sample, error)
	Recent(ctx context.Context, asset AssetID, count uint32) ([]Sample, error)
}

func pow10(exp uint32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}
