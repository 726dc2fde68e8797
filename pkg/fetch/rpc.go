package fetch

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/pkg/types"
)

// RPCSourceName identifies the node RPC strategy in logs and metrics
const RPCSourceName = "rpc"

// DefaultMaxBlockRange is the widest eth_getLogs window most providers accept
const DefaultMaxBlockRange = 10000

// LogFilterer is the subset of ethclient used by the RPC strategy
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// RPCConfig configures the node RPC strategy
type RPCConfig struct {
	// MaxBlockRange caps the queried window; zero uses DefaultMaxBlockRange
	MaxBlockRange uint64
	Logger        *zap.Logger
	Metrics       *Metrics
}

// RPCSource queries logs through a node's eth_getLogs
type RPCSource struct {
	filterer      LogFilterer
	maxBlockRange uint64
	logger        *zap.Logger
	metrics       *Metrics
}

// NewRPCSource creates an RPC strategy over a log filterer
func NewRPCSource(filterer LogFilterer, cfg *RPCConfig) (*RPCSource, error) {
	if filterer == nil {
		return nil, fmt.Errorf("log filterer cannot be nil")
	}
	if cfg == nil {
		cfg = &RPCConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRange := cfg.MaxBlockRange
	if maxRange == 0 {
		maxRange = DefaultMaxBlockRange
	}

	return &RPCSource{
		filterer:      filterer,
		maxBlockRange: maxRange,
		logger:        logger,
		metrics:       cfg.Metrics,
	}, nil
}

// Name implements LogSource
func (s *RPCSource) Name() string {
	return RPCSourceName
}

// FetchLogs implements LogSource. Ranges wider than the cap are narrowed
// to the most recent window; older blocks are not paginated.
func (s *RPCSource) FetchLogs(ctx context.Context, address common.Address, fromBlock, toBlock uint64) ([]types.RawLog, error) {
	from, to := s.capRange(fromBlock, toBlock)
	if from != fromBlock {
		s.metrics.rangeCapped(RPCSourceName)
		s.logger.Warn("block range exceeds RPC limit, querying most recent window",
			zap.Uint64("requested_from", fromBlock),
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", to),
			zap.Uint64("max_block_range", s.maxBlockRange))
	}

	logs, err := s.filterer.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
	}

	out := make([]types.RawLog, 0, len(logs))
	for i := range logs {
		out = append(out, types.FromGethLog(&logs[i]))
	}
	return out, nil
}

func (s *RPCSource) capRange(fromBlock, toBlock uint64) (uint64, uint64) {
	if toBlock-fromBlock+1 <= s.maxBlockRange {
		return fromBlock, toBlock
	}
	return toBlock - s.maxBlockRange + 1, toBlock
}
