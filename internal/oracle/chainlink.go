package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint80","name":"_roundId","type":"uint80"}],"name":"getRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

// maxRoundWalk bounds how many historical rounds At is willing to scan.
const maxRoundWalk = 1000

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainlinkOptions parameterise the EVM aggregator source.
type ChainlinkOptions struct {
	RPCURL  string
	Feeds   map[string]string // asset code -> aggregator contract address
	Timeout time.Duration
}

// Chainlink reads prices from Chainlink aggregator contracts over Ethereum
// RPC. Each configured asset maps to one aggregator feed.
type Chainlink struct {
	opts   ChainlinkOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client

	decimalsMux sync.Mutex
	decimals    map[common.Address]uint32
}

// NewChainlink builds the EVM source.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_source").Logger(),
		decimals: make(map[common.Address]uint32),
	}
}

// Name implements PriceSource.
func (c *Chainlink) Name() string {
	return "chainlink"
}

type roundData struct {
	roundID   *big.Int
	answer    *big.Int
	updatedAt uint64
}

// Latest returns the most recent round as a sample.
func (c *Chainlink) Latest(ctx context.Context, asset AssetID) (*Sample, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	feed, err := c.feedAddress(asset)
	if err != nil {
		return nil, err
	}

	round, err := c.latestRound(ctx, feed)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, nil
	}
	return c.toSample(ctx, feed, *round)
}

// At walks rounds backwards from the latest until it finds one updated at or
// before the requested timestamp. The walk is bounded; feeds with sparse
// updates beyond the bound report no data.
func (c *Chainlink) At(ctx context.Context, asset AssetID, timestamp uint64) (*Sample, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	feed, err := c.feedAddress(asset)
	if err != nil {
		return nil, err
	}

	round, err := c.latestRound(ctx, feed)
	if err != nil {
		return nil, err
	}

	for i := 0; round != nil && i < maxRoundWalk; i++ {
		if round.updatedAt <= timestamp {
			return c.toSample(ctx, feed, *round)
		}
		round, err = c.roundAt(ctx, feed, new(big.Int).Sub(round.roundID, big.NewInt(1)))
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Recent collects the count most recent rounds, oldest-first.
func (c *Chainlink) Recent(ctx context.Context, asset AssetID, count uint32) ([]Sample, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	feed, err := c.feedAddress(asset)
	if err != nil {
		return nil, err
	}

	round, err := c.latestRound(ctx, feed)
	if err != nil {
		return nil, err
	}

	collected := make([]Sample, 0, count)
	for round != nil && uint32(len(collected)) < count {
		sample, err := c.toSample(ctx, feed, *round)
		if err != nil {
			return nil, err
		}
		collected = append(collected, *sample)

		if round.roundID.Sign() <= 0 {
			break
		}
		round, err = c.roundAt(ctx, feed, new(big.Int).Sub(round.roundID, big.NewInt(1)))
		if err != nil {
			return nil, err
		}
	}

	// reverse newest-first into the oldest-first contract
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

func (c *Chainlink) feedAddress(asset AssetID) (common.Address, error) {
	addr, ok := c.opts.Feeds[asset.Code]
	if !ok {
		return common.Address{}, fmt.Errorf("no aggregator feed configured for asset %s", asset)
	}
	return common.HexToAddress(addr), nil
}

func (c *Chainlink) latestRound(ctx context.Context, feed common.Address) (*roundData, error) {
	outputs, err := c.call(ctx, feed, "latestRoundData")
	if err != nil {
		return nil, err
	}
	return decodeRound(outputs)
}

func (c *Chainlink) roundAt(ctx context.Context, feed common.Address, roundID *big.Int) (*roundData, error) {
	if roundID.Sign() <= 0 {
		return nil, nil
	}
	outputs, err := c.call(ctx, feed, "getRoundData", roundID)
	if err != nil {
		return nil, err
	}
	return decodeRound(outputs)
}

func (c *Chainlink) toSample(ctx context.Context, feed common.Address, round roundData) (*Sample, error) {
	decimals, err := c.feedDecimals(ctx, feed)
	if err != nil {
		return nil, err
	}
	return &Sample{Price: round.answer, Timestamp: round.updatedAt, Decimals: decimals}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, feed common.Address) (uint32, error) {
	c.decimalsMux.Lock()
	cached, ok := c.decimals[feed]
	c.decimalsMux.Unlock()
	if ok {
		return cached, nil
	}

	outputs, err := c.call(ctx, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	value, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.decimalsMux.Lock()
	c.decimals[feed] = uint32(value)
	c.decimalsMux.Unlock()
	return uint32(value), nil
}

func (c *Chainlink) call(ctx context.Context, feed common.Address, method string, args ...interface{}) ([]interface{}, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := aggregatorABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	return aggregatorABI.Unpack(method, res)
}

func decodeRound(outputs []interface{}) (*roundData, error) {
	if len(outputs) != 5 {
		return nil, errors.New("unexpected round data response")
	}
	roundID, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode round id")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode updatedAt")
	}

	// an unanswered round reports a zero timestamp
	if updatedAt.Sign() == 0 {
		return nil, nil
	}

	return &roundData{roundID: roundID, answer: answer, updatedAt: updatedAt.Uint64()}, nil
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *Chainlink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

var _ PriceSource = (*Chainlink)(nil)
