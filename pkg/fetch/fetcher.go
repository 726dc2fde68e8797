package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/pkg/types"
)

// DefaultStrategyTimeout bounds a single source attempt
const DefaultStrategyTimeout = 15 * time.Second

// ErrAllStrategiesFailed is matched by the error returned when every source failed
var ErrAllStrategiesFailed = errors.New("all log sources failed")

// LogSource retrieves the logs a contract emitted in a block range
type LogSource interface {
	Name() string
	FetchLogs(ctx context.Context, address common.Address, fromBlock, toBlock uint64) ([]types.RawLog, error)
}

// Attempt records the outcome of one source during a historical fetch
type Attempt struct {
	Source   string
	Err      error
	Duration time.Duration
}

// ExhaustedError is returned when no source produced a result
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllStrategiesFailed.Error() + ": no sources configured"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Source, a.Err)
	}
	return fmt.Sprintf("%s (%s)", ErrAllStrategiesFailed, strings.Join(parts, "; "))
}

// Unwrap returns the last underlying cause
func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllStrategiesFailed
}

// Result is a successful historical fetch
type Result struct {
	Logs   []types.RawLog
	Source string
	// Attempts includes the failed sources tried before the successful one
	Attempts []Attempt
}

// Config holds fetcher configuration
type Config struct {
	// StrategyTimeout bounds each source attempt independently
	StrategyTimeout time.Duration
	Logger          *zap.Logger
	Metrics         *Metrics
}

// Fetcher tries log sources in order until one succeeds
type Fetcher struct {
	sources []LogSource
	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics
}

// NewFetcher creates a fetcher over the given sources in priority order
func NewFetcher(cfg *Config, sources ...LogSource) *Fetcher {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.StrategyTimeout
	if timeout <= 0 {
		timeout = DefaultStrategyTimeout
	}

	return &Fetcher{
		sources: sources,
		timeout: timeout,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Sources returns the configured source names in order
func (f *Fetcher) Sources() []string {
	names := make([]string, len(f.sources))
	for i, s := range f.sources {
		names[i] = s.Name()
	}
	return names
}

// FetchHistorical returns the first successful source's logs for the range.
// A failure of any kind falls through to the next source.
func (f *Fetcher) FetchHistorical(ctx context.Context, address common.Address, fromBlock, toBlock uint64) (*Result, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("invalid block range %d-%d", fromBlock, toBlock)
	}

	var attempts []Attempt
	for _, src := range f.sources {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Source: src.Name(), Err: err})
			break
		}

		start := time.Now()
		logs, err := f.attempt(ctx, src, address, fromBlock, toBlock)
		elapsed := time.Since(start)
		f.metrics.observeAttempt(src.Name(), elapsed, err)

		if err != nil {
			f.logger.Warn("log source failed, falling back",
				zap.String("source", src.Name()),
				zap.Uint64("from_block", fromBlock),
				zap.Uint64("to_block", toBlock),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			attempts = append(attempts, Attempt{Source: src.Name(), Err: err, Duration: elapsed})
			continue
		}

		f.metrics.observeLogs(src.Name(), len(logs))
		f.logger.Debug("fetched historical logs",
			zap.String("source", src.Name()),
			zap.Int("logs", len(logs)),
			zap.Duration("elapsed", elapsed))

		return &Result{Logs: logs, Source: src.Name(), Attempts: attempts}, nil
	}

	f.metrics.exhaustedInc()
	return nil, &ExhaustedError{Attempts: attempts}
}

func (f *Fetcher) attempt(ctx context.Context, src LogSource, address common.Address, fromBlock, toBlock uint64) ([]types.RawLog, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	logs, err := src.FetchLogs(ctx, address, fromBlock, toBlock)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, err
	}
	return logs, nil
}
