package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/fetch"
	"github.com/0xmhha/market-indexer/pkg/types"
)

// Sink receives events newly added to the feed
type Sink interface {
	Consume(ctx context.Context, events []*abi.DecodedEvent)
}

// Retrier is a Sink that keeps events it failed to consume. The session
// asks it to retry them after every historical fetch.
type Retrier interface {
	RetryPending(ctx context.Context) int
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, events []*abi.DecodedEvent)

// Consume implements Sink
func (f SinkFunc) Consume(ctx context.Context, events []*abi.DecodedEvent) {
	f(ctx, events)
}

// HistoricalFetcher performs a one-shot fetch of a block range
type HistoricalFetcher interface {
	FetchHistorical(ctx context.Context, address common.Address, fromBlock, toBlock uint64) (*fetch.Result, error)
}

// HeadReader reports the current chain head
type HeadReader interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	GetBlockTime(ctx context.Context, number uint64) (time.Time, error)
}

// SessionConfig configures a Session
type SessionConfig struct {
	Address    common.Address
	StartBlock uint64
	Logger     *zap.Logger
}

// Session runs the historical fetch and the live subscription side by
// side, feeding both into one reconciler and forwarding new events to sinks.
type Session struct {
	reconciler *Reconciler
	fetcher    HistoricalFetcher
	head       HeadReader
	subscriber *LiveSubscriber
	sinks      []Sink
	address    common.Address
	startBlock uint64
	logger     *zap.Logger

	refreshMu sync.Mutex
	wg        sync.WaitGroup
}

// NewSession wires a session. subscriber may be nil to run history only.
func NewSession(cfg *SessionConfig, reconciler *Reconciler, fetcher HistoricalFetcher, head HeadReader, subscriber *LiveSubscriber, sinks ...Sink) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if reconciler == nil || fetcher == nil || head == nil {
		return nil, fmt.Errorf("reconciler, fetcher and head reader are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		reconciler: reconciler,
		fetcher:    fetcher,
		head:       head,
		subscriber: subscriber,
		sinks:      sinks,
		address:    cfg.Address,
		startBlock: cfg.StartBlock,
		logger:     logger,
	}, nil
}

// Reconciler returns the session's feed
func (s *Session) Reconciler() *Reconciler {
	return s.reconciler
}

// Run starts the live subscription, performs the initial historical fetch
// and blocks until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if s.subscriber != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.subscriber.Run(ctx,
				func(logs []types.RawLog) { s.emit(ctx, s.reconciler.Ingest(OriginLive, logs)) },
				func() {
					s.wg.Add(1)
					go func() {
						defer s.wg.Done()
						s.refreshQuietly(ctx)
					}()
				},
			)
			if err != nil {
				s.logger.Error("live subscription stopped", zap.Error(err))
			}
		}()
	}

	s.refreshQuietly(ctx)

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

// Refresh runs a new historical fetch from the start block to the current
// head. Concurrent refreshes are serialized; a refresh never removes events.
func (s *Session) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	generation := s.reconciler.BeginHistorical()

	head, err := s.head.GetLatestBlockNumber(ctx)
	if err != nil {
		s.reconciler.CompleteHistorical(generation, nil, "", err)
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	s.reconciler.ObserveHead(head, s.headTime(ctx, head))

	from := s.startBlock
	if from > head {
		from = head
	}

	res, err := s.fetcher.FetchHistorical(ctx, s.address, from, head)
	if err != nil {
		s.reconciler.CompleteHistorical(generation, nil, "", err)
		return err
	}

	added := s.reconciler.CompleteHistorical(generation, res.Logs, res.Source, nil)
	s.logger.Info("historical fetch complete",
		zap.String("source", res.Source),
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", head),
		zap.Int("logs", len(res.Logs)),
		zap.Int("added", len(added)))
	s.emit(ctx, added)
	s.retrySinks(ctx)
	return nil
}

func (s *Session) retrySinks(ctx context.Context) {
	for _, sink := range s.sinks {
		r, ok := sink.(Retrier)
		if !ok {
			continue
		}
		if left := r.RetryPending(ctx); left > 0 {
			s.logger.Warn("sink still has pending events", zap.Int("pending", left))
		}
	}
}

// headTime anchors the block clock on the head header, or on the local
// clock when the header cannot be read
func (s *Session) headTime(ctx context.Context, head uint64) time.Time {
	at, err := s.head.GetBlockTime(ctx, head)
	if err != nil {
		s.logger.Debug("using local time for chain head", zap.Uint64("block", head), zap.Error(err))
		return time.Now()
	}
	return at
}

func (s *Session) refreshQuietly(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("historical fetch failed", zap.Error(err))
	}
}

// Ingest merges externally delivered logs (such as webhook payloads) into
// the feed and forwards the new events to the sinks.
func (s *Session) Ingest(ctx context.Context, origin Origin, logs []types.RawLog) []*abi.DecodedEvent {
	added := s.reconciler.Ingest(origin, logs)
	s.emit(ctx, added)
	return added
}

func (s *Session) emit(ctx context.Context, events []*abi.DecodedEvent) {
	if len(events) == 0 {
		return
	}
	for _, sink := range s.sinks {
		sink.Consume(ctx, events)
	}
}
