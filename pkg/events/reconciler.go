package events

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/types"
)

// Origin names the path a batch of logs arrived through
type Origin string

const (
	OriginHistorical Origin = "historical"
	OriginLive       Origin = "live"
	OriginWebhook    Origin = "webhook"
)

// FeedStatus distinguishes an empty feed from one that failed to load
type FeedStatus string

const (
	// StatusLoading means no historical fetch has completed and nothing arrived live
	StatusLoading FeedStatus = "loading"
	// StatusEmpty means the latest historical fetch succeeded with no events
	StatusEmpty FeedStatus = "empty"
	// StatusFailed means the latest historical fetch failed and the feed is empty
	StatusFailed FeedStatus = "failed"
	// StatusReady means the feed holds at least one event
	StatusReady FeedStatus = "ready"
)

// Snapshot is a consistent view of the feed
type Snapshot struct {
	Status FeedStatus
	// Events are sorted by block number descending, ties in arrival order
	Events []*abi.DecodedEvent
	// Source is the log source of the latest successful historical fetch
	Source string
	// Err is the error of the latest completed historical fetch, if it failed
	Err   error
	Clock BlockClock
}

// evictedKeysFactor sizes the evicted-key set relative to MaxEvents
const evictedKeysFactor = 4

type feedEntry struct {
	event *abi.DecodedEvent
	seq   uint64
}

// ReconcilerConfig configures a Reconciler
type ReconcilerConfig struct {
	// MaxEvents bounds the feed; the lowest blocks are evicted first. Zero is unbounded.
	MaxEvents int
	// SecondsPerBlock drives the display-time estimate
	SecondsPerBlock float64
	Logger          *zap.Logger
	Metrics         *Metrics
}

// Reconciler merges historical and live logs into one deduplicated,
// ordered feed of decoded events. Arrival order between paths does not
// affect the result. It is safe for concurrent use.
type Reconciler struct {
	decoder         *abi.Decoder
	maxEvents       int
	secondsPerBlock float64
	logger          *zap.Logger
	metrics         *Metrics

	mu      sync.RWMutex
	entries map[types.LogKey]*feedEntry
	seq     uint64
	names   map[string]string
	// keys evicted from a bounded feed, still treated as duplicates
	evicted *lru.Cache[types.LogKey, struct{}]

	// generation of the most recently started historical fetch
	started uint64
	// generation whose outcome currently defines the status
	settled    uint64
	histDone   bool
	histErr    error
	histSource string

	headBlock uint64
	headTime  time.Time
}

// NewReconciler creates an empty reconciler
func NewReconciler(decoder *abi.Decoder, cfg *ReconcilerConfig) *Reconciler {
	if cfg == nil {
		cfg = &ReconcilerConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reconciler{
		decoder:         decoder,
		maxEvents:       cfg.MaxEvents,
		secondsPerBlock: cfg.SecondsPerBlock,
		logger:          logger,
		metrics:         cfg.Metrics,
		entries:         make(map[types.LogKey]*feedEntry),
		names:           make(map[string]string),
	}
	if cfg.MaxEvents > 0 {
		// lru.New only fails for a non-positive size
		r.evicted, _ = lru.New[types.LogKey, struct{}](cfg.MaxEvents * evictedKeysFactor)
	}
	return r
}

// Ingest decodes a batch and merges it into the feed, returning only the
// events that were not already present and survived eviction. Keys evicted
// from a bounded feed keep counting as duplicates. Undecodable logs are
// dropped with a warning and never fail the batch.
func (r *Reconciler) Ingest(origin Origin, logs []types.RawLog) []*abi.DecodedEvent {
	decoded := make([]*abi.DecodedEvent, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			r.metrics.logDropped("removed")
			continue
		}
		ev, err := r.decoder.Decode(logs[i])
		if err != nil {
			r.metrics.logDropped(string(abi.FailureKindOf(err)))
			r.logger.Warn("dropping undecodable log",
				zap.String("origin", string(origin)),
				zap.String("tx_hash", logs[i].TxHash.Hex()),
				zap.Uint("log_index", logs[i].LogIndex),
				zap.Uint64("block", logs[i].BlockNumber),
				zap.Error(err))
			continue
		}
		decoded = append(decoded, ev)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inserted := make([]*abi.DecodedEvent, 0, len(decoded))
	for _, ev := range decoded {
		key := ev.Key()
		if r.knownLocked(key) {
			r.metrics.duplicate(origin)
			continue
		}
		r.seq++
		r.entries[key] = &feedEntry{event: ev, seq: r.seq}
		inserted = append(inserted, ev)

		if ev.Kind == abi.EventResourceCreated {
			r.rememberName(ev)
		}
		if ev.Log.BlockNumber > r.headBlock {
			r.headBlock = ev.Log.BlockNumber
			r.headTime = time.Now()
		}
	}

	r.evictLocked()

	added := inserted[:0]
	for _, ev := range inserted {
		if _, kept := r.entries[ev.Key()]; !kept {
			continue
		}
		added = append(added, ev)
		r.metrics.eventDecoded(ev.Kind, origin)
	}
	r.metrics.setSize(len(r.entries))
	return added
}

func (r *Reconciler) knownLocked(key types.LogKey) bool {
	if _, exists := r.entries[key]; exists {
		return true
	}
	return r.evicted != nil && r.evicted.Contains(key)
}

func (r *Reconciler) rememberName(ev *abi.DecodedEvent) {
	id, err := ev.Uint("resourceId")
	if err != nil {
		return
	}
	name, err := ev.String("name")
	if err != nil {
		return
	}
	r.names[id.String()] = name
}

func (r *Reconciler) evictLocked() {
	if r.maxEvents <= 0 || len(r.entries) <= r.maxEvents {
		return
	}
	ordered := r.sortedLocked()
	for _, e := range ordered[r.maxEvents:] {
		key := e.event.Key()
		delete(r.entries, key)
		r.evicted.Add(key, struct{}{})
	}
}

// BeginHistorical marks the start of a historical fetch and returns its generation
func (r *Reconciler) BeginHistorical() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	return r.started
}

// CompleteHistorical records the outcome of the fetch started as generation.
// Logs from any generation are merged, since merging never removes events;
// only the newest completed generation decides the status.
func (r *Reconciler) CompleteHistorical(generation uint64, logs []types.RawLog, source string, err error) []*abi.DecodedEvent {
	var added []*abi.DecodedEvent
	if err == nil {
		added = r.Ingest(OriginHistorical, logs)
	} else {
		r.metrics.historicalFailed()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if generation < r.settled {
		r.logger.Debug("stale historical fetch completed",
			zap.Uint64("generation", generation),
			zap.Uint64("settled", r.settled),
			zap.Int("added", len(added)))
		return added
	}

	r.settled = generation
	r.histDone = true
	r.histErr = err
	if err == nil {
		r.histSource = source
	}
	return added
}

// ObserveHead records the chain head used for display-time estimates
func (r *Reconciler) ObserveHead(block uint64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if block >= r.headBlock {
		r.headBlock = block
		r.headTime = at
	}
}

// Snapshot returns the current feed
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.sortedLocked()
	events := make([]*abi.DecodedEvent, len(ordered))
	for i, e := range ordered {
		events[i] = e.event
	}

	return Snapshot{
		Status: r.statusLocked(len(events)),
		Events: events,
		Source: r.histSource,
		Err:    r.histErr,
		Clock:  r.clockLocked(),
	}
}

// Len returns the number of events in the feed
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Contains reports whether a log is currently in the feed
func (r *Reconciler) Contains(key types.LogKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// ResourceName resolves a resource id to the name carried by its ResourceCreated event
func (r *Reconciler) ResourceName(resourceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[resourceID]
	return name, ok
}

// Clock returns the current block clock
func (r *Reconciler) Clock() BlockClock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clockLocked()
}

// ActivityOf projects events using the feed's resource names and clock
func (r *Reconciler) ActivityOf(events []*abi.DecodedEvent) []ActivityEvent {
	clock := r.Clock()
	return Project(events, r.ResourceName, &clock, 0)
}

// Activity projects the feed into at most limit activity events (all when limit <= 0)
func (r *Reconciler) Activity(limit int) (FeedStatus, []ActivityEvent) {
	snap := r.Snapshot()
	return snap.Status, Project(snap.Events, r.ResourceName, &snap.Clock, limit)
}

func (r *Reconciler) statusLocked(n int) FeedStatus {
	switch {
	case n > 0:
		return StatusReady
	case !r.histDone:
		return StatusLoading
	case r.histErr != nil:
		return StatusFailed
	default:
		return StatusEmpty
	}
}

func (r *Reconciler) clockLocked() BlockClock {
	return BlockClock{
		HeadBlock:       r.headBlock,
		HeadTime:        r.headTime,
		SecondsPerBlock: r.secondsPerBlock,
	}
}

func (r *Reconciler) sortedLocked() []*feedEntry {
	out := make([]*feedEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].event.Log.BlockNumber, out[j].event.Log.BlockNumber
		if bi != bj {
			return bi > bj
		}
		return out[i].seq < out[j].seq
	})
	return out
}
