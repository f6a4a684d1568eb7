package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	lastPricePath = "/lastprice"
	priceAtPath   = "/price"
	pricesPath    = "/prices"
)

// ReflectorOptions parameterise the HTTP gateway source.
type ReflectorOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Reflector reads prices from a Reflector-style oracle HTTP gateway. The
// gateway mirrors the SEP-40 contract surface: last price, price at a
// timestamp, and the most recent records for an asset.
type Reflector struct {
	opts    ReflectorOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewReflector constructs the HTTP source.
func NewReflector(opts ReflectorOptions, logger zerolog.Logger) *Reflector {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")

	return &Reflector{
		opts:    opts,
		logger:  logger.With().Str("component", "reflector_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements PriceSource.
func (r *Reflector) Name() string {
	return "reflector"
}

// Latest fetches the most recent sample for the asset.
func (r *Reflector) Latest(ctx context.Context, asset AssetID) (*Sample, error) {
	query := url.Values{}
	setAssetQuery(query, asset)

	var payload priceResponse
	found, err := r.get(ctx, lastPricePath, query, &payload)
	if err != nil || !found {
		return nil, err
	}
	return payload.toSample()
}

// At fetches the sample recorded at or before the given timestamp.
func (r *Reflector) At(ctx context.Context, asset AssetID, timestamp uint64) (*Sample, error) {
	query := url.Values{}
	setAssetQuery(query, asset)
	query.Set("timestamp", strconv.FormatUint(timestamp, 10))

	var payload priceResponse
	found, err := r.get(ctx, priceAtPath, query, &payload)
	if err != nil || !found {
		return nil, err
	}
	return payload.toSample()
}

// Recent fetches up to count samples, oldest-first.
func (r *Reflector) Recent(ctx context.Context, asset AssetID, count uint32) ([]Sample, error) {
	query := url.Values{}
	setAssetQuery(query, asset)
	query.Set("records", strconv.FormatUint(uint64(count), 10))

	var payload pricesResponse
	found, err := r.get(ctx, pricesPath, query, &payload)
	if err != nil || !found {
		return nil, err
	}

	samples := make([]Sample, 0, len(payload.Prices))
	for _, entry := range payload.Prices {
		sample, err := entry.toSample()
		if err != nil {
			return nil, err
		}
		samples = append(samples, *sample)
	}
	return samples, nil
}

// get performs a GET against the gateway. It reports found=false on a 404,
// mapping the gateway's "no data" answer onto the source contract.
func (r *Reflector) get(ctx context.Context, path string, query url.Values, out any) (bool, error) {
	if r.baseURL == "" {
		return false, errors.New("reflector gateway url not configured")
	}

	endpoint := r.baseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "oraclewatch/1.0")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, parseGatewayError(resp.StatusCode, payloadBytes)
	}

	if err := json.Unmarshal(payloadBytes, out); err != nil {
		return false, fmt.Errorf("decode gateway response: %w", err)
	}
	return true, nil
}

func setAssetQuery(query url.Values, asset AssetID) {
	if asset.Kind == AssetContract {
		query.Set("contract", asset.Code)
		return
	}
	query.Set("asset", asset.Code)
}

type priceResponse struct {
	Price     string `json:"price"`
	Timestamp uint64 `json:"timestamp"`
	Decimals  uint32 `json:"decimals"`
}

func (p priceResponse) toSample() (*Sample, error) {
	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return nil, fmt.Errorf("parse price %q", p.Price)
	}
	return &Sample{Price: price, Timestamp: p.Timestamp, Decimals: p.Decimals}, nil
}

type pricesResponse struct {
	Prices []priceResponse `json:"prices"`
}

type gatewayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseGatewayError(status int, payload []byte) error {
	var apiErr gatewayError
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("reflector gateway error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("reflector gateway error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("reflector gateway error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("reflector gateway error (%d)", status)
}

var _ PriceSource = (*Reflector)(nil)
