package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/dedup"
	"github.com/0xmhha/market-indexer/pkg/types"
)

// DefaultMaxPending bounds the feed events kept for retry
const DefaultMaxPending = 1024

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	// Ledger skips logs that were already applied. Optional.
	Ledger dedup.Ledger
	// MaxPending bounds the failed feed events kept for RetryPending
	MaxPending int
	Logger     *zap.Logger
	Metrics    *Metrics
}

// Dispatcher routes decoded events to the handler registered for their kind
type Dispatcher struct {
	handlers map[string]Handler
	ledger   dedup.Ledger
	logger   *zap.Logger
	metrics  *Metrics

	mu         sync.Mutex
	pending    map[types.LogKey]*abi.DecodedEvent
	maxPending int
}

// NewDispatcher creates a dispatcher. Registering two handlers for the same
// event kind is an error.
func NewDispatcher(cfg *DispatcherConfig, handlers ...Handler) (*Dispatcher, error) {
	if cfg == nil {
		cfg = &DispatcherConfig{}
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	d := &Dispatcher{
		handlers:   make(map[string]Handler, len(handlers)),
		ledger:     cfg.Ledger,
		logger:     orNop(cfg.Logger),
		metrics:    cfg.Metrics,
		pending:    make(map[types.LogKey]*abi.DecodedEvent),
		maxPending: maxPending,
	}
	for _, h := range handlers {
		name := h.EventName()
		if _, dup := d.handlers[name]; dup {
			return nil, fmt.Errorf("duplicate handler for event %s", name)
		}
		d.handlers[name] = h
	}
	return d, nil
}

// Handles reports whether a handler exists for kind
func (d *Dispatcher) Handles(kind string) bool {
	_, ok := d.handlers[kind]
	return ok
}

// Dispatch applies one event. Events without a handler are logged and
// ignored. The ledger is marked only after the handler succeeds.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *abi.DecodedEvent) error {
	h, ok := d.handlers[ev.Kind]
	if !ok {
		d.metrics.unhandledInc(ev.Kind)
		d.logger.Debug("no handler for event",
			zap.String("event", ev.Kind),
			zap.String("tx_hash", ev.Log.TxHash.Hex()),
			zap.Uint("log_index", ev.Log.LogIndex))
		return nil
	}

	key := ev.Key()
	if d.ledger != nil {
		seen, err := d.ledger.Seen(ctx, key)
		if err != nil {
			d.logger.Warn("ledger lookup failed", zap.String("key", key.String()), zap.Error(err))
		}
		if seen {
			d.metrics.observe(ev.Kind, resultSkipped, 0)
			return nil
		}
	}

	start := time.Now()
	if err := h.Handle(ctx, ev); err != nil {
		d.metrics.observe(ev.Kind, resultFailed, time.Since(start).Seconds())
		return fmt.Errorf("%s handler failed for %s: %w", ev.Kind, key, err)
	}
	d.metrics.observe(ev.Kind, resultApplied, time.Since(start).Seconds())

	if d.ledger != nil {
		if err := d.ledger.Mark(ctx, key); err != nil {
			d.logger.Warn("ledger mark failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return nil
}

// DispatchAll applies events in order. Every event is attempted; the
// returned error joins the individual failures.
func (d *Dispatcher) DispatchAll(ctx context.Context, events []*abi.DecodedEvent) error {
	var errs []error
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Consume applies events delivered by the feed. The feed never delivers
// an event twice, so failed events are kept for RetryPending.
func (d *Dispatcher) Consume(ctx context.Context, events []*abi.DecodedEvent) {
	failed := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			d.keep(ev)
			failed++
			continue
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			d.logger.Error("failed to apply event", zap.Error(err))
			d.keep(ev)
			failed++
		}
	}
	if failed > 0 {
		d.logger.Warn("events kept for retry", zap.Int("failed", failed), zap.Int("pending", d.Pending()))
	}
}

// RetryPending re-applies failed feed events in block order and returns
// how many are still pending
func (d *Dispatcher) RetryPending(ctx context.Context) int {
	d.mu.Lock()
	retry := make([]*abi.DecodedEvent, 0, len(d.pending))
	for _, ev := range d.pending {
		retry = append(retry, ev)
	}
	d.mu.Unlock()

	sort.Slice(retry, func(i, j int) bool {
		a, b := retry[i].Log, retry[j].Log
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})

	for _, ev := range retry {
		if ctx.Err() != nil {
			break
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			d.logger.Warn("retry failed", zap.Error(err))
			continue
		}
		d.mu.Lock()
		delete(d.pending, ev.Key())
		d.mu.Unlock()
	}
	return d.Pending()
}

// Pending returns the number of feed events awaiting retry
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) keep(ev *abi.DecodedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := ev.Key()
	if _, ok := d.pending[key]; !ok && len(d.pending) >= d.maxPending {
		d.logger.Error("retry queue full, dropping event", zap.String("key", key.String()))
		return
	}
	d.pending[key] = ev
}
