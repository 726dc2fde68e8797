package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/pkg/types"
)

const (
	defaultBatchSize     = 64
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = 30 * time.Second
	logChannelBuffer     = 256
)

// LogSubscriber opens live log subscriptions (satisfied by ethclient)
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
}

// SubscriberConfig configures a LiveSubscriber
type SubscriberConfig struct {
	Address common.Address
	// BatchSize bounds how many buffered logs are delivered together
	BatchSize     int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Logger        *zap.Logger
	Metrics       *Metrics
}

// LiveSubscriber delivers batches of new contract logs from a live
// subscription, resubscribing with backoff after errors.
type LiveSubscriber struct {
	source        LogSubscriber
	address       common.Address
	batchSize     int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	logger        *zap.Logger
	metrics       *Metrics
}

// NewLiveSubscriber creates a live subscriber
func NewLiveSubscriber(source LogSubscriber, cfg *SubscriberConfig) (*LiveSubscriber, error) {
	if source == nil {
		return nil, fmt.Errorf("log subscriber cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	s := &LiveSubscriber{
		source:        source,
		address:       cfg.Address,
		batchSize:     cfg.BatchSize,
		retryDelay:    cfg.RetryDelay,
		maxRetryDelay: cfg.MaxRetryDelay,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}
	if s.maxRetryDelay < s.retryDelay {
		s.maxRetryDelay = defaultMaxRetryDelay
		if s.maxRetryDelay < s.retryDelay {
			s.maxRetryDelay = s.retryDelay
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Run subscribes and calls deliver for every batch until ctx is done.
// onResubscribe, when non-nil, runs after a subscription is re-established
// so the caller can backfill the gap.
func (s *LiveSubscriber) Run(ctx context.Context, deliver func([]types.RawLog), onResubscribe func()) error {
	delay := s.retryDelay
	connected := false

	for {
		ch := make(chan gethtypes.Log, logChannelBuffer)
		sub, err := s.source.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
			Addresses: []common.Address{s.address},
		}, ch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("log subscription failed, retrying",
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay, s.maxRetryDelay)
			continue
		}

		if connected {
			s.metrics.resubscribed()
			s.logger.Info("log subscription re-established")
			if onResubscribe != nil {
				onResubscribe()
			}
		}
		connected = true
		delay = s.retryDelay

		if done := s.consume(ctx, sub, ch, deliver); done {
			return nil
		}
	}
}

// consume reads one subscription until it errors (false) or ctx ends (true)
func (s *LiveSubscriber) consume(ctx context.Context, sub ethereum.Subscription, ch <-chan gethtypes.Log, deliver func([]types.RawLog)) bool {
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return true
		case err := <-sub.Err():
			s.logger.Warn("log subscription dropped", zap.Error(err))
			return false
		case l := <-ch:
			batch := []types.RawLog{types.FromGethLog(&l)}
		drain:
			for len(batch) < s.batchSize {
				select {
				case next := <-ch:
					batch = append(batch, types.FromGethLog(&next))
				default:
					break drain
				}
			}
			deliver(batch)
		}
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
