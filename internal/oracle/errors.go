package oracle

import "errors"

var (
	// ErrNoData indicates the source has no sample for the asset.
	ErrNoData = errors.New("oracle: no data for asset")
	// ErrStaleData indicates the newest sample exceeds the allowed age.
	ErrStaleData = errors.New("oracle: sample exceeds max age")
	// ErrInsufficientData indicates too few samples for a TWAP window.
	ErrInsufficientData = errors.New("oracle: insufficient samples")
	// ErrIncompatibleScale indicates a decimals mismatch between samples.
	ErrIncompatibleScale = errors.New("oracle: decimals mismatch")
	// ErrExcessiveDeviation indicates a price moved beyond the configured
	// basis-point threshold relative to the last accepted price.
	ErrExcessiveDeviation = errors.New("oracle: deviation above threshold")
	// ErrInvalidConfig indicates a caller-supplied parameter is unusable,
	// e.g. a non-positive max age or a zero reference price.
	ErrInvalidConfig = errors.New("oracle: invalid configuration")
	// ErrInvalidSample indicates a source returned a sample violating the
	// sample invariants, e.g. a timestamp in the future.
	ErrInvalidSample = errors.New("oracle: invalid sample")
)
