package events

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/market-indexer/internal/testutil"
	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/types"
)

func newTestReconciler(t *testing.T, cfg *ReconcilerConfig) (*Reconciler, *abi.Decoder) {
	t.Helper()
	dec := testutil.MarketplaceDecoder(t)
	if cfg == nil {
		cfg = &ReconcilerConfig{}
	}
	cfg.Logger = testutil.NewTestLogger(t)
	return NewReconciler(dec, cfg), dec
}

func purchaseAt(t *testing.T, dec *abi.Decoder, block uint64, seed string, logIndex uint) types.RawLog {
	t.Helper()
	return testutil.AccessPurchasedLog(t, dec, testutil.BuyerAddress, 1, 100, 1700000000, testutil.Meta(block, seed, logIndex))
}

func blocksOf(events []*abi.DecodedEvent) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.Log.BlockNumber
	}
	return out
}

func TestReconciler_DedupAcrossOrigins(t *testing.T) {
	r, dec := newTestReconciler(t, nil)
	log := purchaseAt(t, dec, 12345, "purchase", 2)

	added := r.Ingest(OriginHistorical, []types.RawLog{log})
	require.Len(t, added, 1)

	added = r.Ingest(OriginLive, []types.RawLog{log})
	assert.Empty(t, added)

	added = r.Ingest(OriginWebhook, []types.RawLog{log, log})
	assert.Empty(t, added)

	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Contains(log.Key()))
}

func TestReconciler_SameTxDifferentLogIndex(t *testing.T) {
	r, dec := newTestReconciler(t, nil)
	a := purchaseAt(t, dec, 10, "tx", 0)
	b := purchaseAt(t, dec, 10, "tx", 1)

	r.Ingest(OriginLive, []types.RawLog{a, b})
	assert.Equal(t, 2, r.Len())
}

func TestReconciler_OrderByBlockDescending(t *testing.T) {
	r, dec := newTestReconciler(t, nil)

	r.Ingest(OriginHistorical, []types.RawLog{
		purchaseAt(t, dec, 10, "a", 0),
		purchaseAt(t, dec, 30, "b", 0),
		purchaseAt(t, dec, 20, "c", 0),
	})
	r.Ingest(OriginLive, []types.RawLog{purchaseAt(t, dec, 25, "d", 0)})

	snap := r.Snapshot()
	assert.Equal(t, []uint64{30, 25, 20, 10}, blocksOf(snap.Events))
}

func TestReconciler_SameBlockKeepsArrivalOrder(t *testing.T) {
	r, dec := newTestReconciler(t, nil)
	first := purchaseAt(t, dec, 50, "first", 5)
	second := purchaseAt(t, dec, 50, "second", 1)

	r.Ingest(OriginLive, []types.RawLog{first})
	r.Ingest(OriginLive, []types.RawLog{second})

	snap := r.Snapshot()
	require.Len(t, snap.Events, 2)
	assert.Equal(t, first.Key(), snap.Events[0].Key())
	assert.Equal(t, second.Key(), snap.Events[1].Key())
}

func TestReconciler_ArrivalOrderIndependent(t *testing.T) {
	_, dec := newTestReconciler(t, nil)
	historical := []types.RawLog{
		purchaseAt(t, dec, 100, "h1", 0),
		purchaseAt(t, dec, 120, "shared", 3),
	}
	live := []types.RawLog{
		purchaseAt(t, dec, 120, "shared", 3),
		purchaseAt(t, dec, 140, "l1", 0),
	}

	histFirst, _ := newTestReconciler(t, nil)
	histFirst.Ingest(OriginHistorical, historical)
	histFirst.Ingest(OriginLive, live)

	liveFirst, _ := newTestReconciler(t, nil)
	liveFirst.Ingest(OriginLive, live)
	liveFirst.Ingest(OriginHistorical, historical)

	a, b := histFirst.Snapshot(), liveFirst.Snapshot()
	require.Len(t, a.Events, 3)
	require.Len(t, b.Events, 3)
	for i := range a.Events {
		assert.Equal(t, a.Events[i].Key(), b.Events[i].Key())
	}
}

func TestReconciler_DropsUndecodableLogs(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	r, dec := newTestReconciler(t, &ReconcilerConfig{Metrics: metrics})

	good := purchaseAt(t, dec, 10, "good", 0)
	unknown := types.RawLog{
		Topics:      []common.Hash{common.HexToHash("0xdeadbeef")},
		BlockNumber: 11,
		TxHash:      common.HexToHash("0x01"),
	}
	noTopics := types.RawLog{BlockNumber: 12, TxHash: common.HexToHash("0x02")}
	badData := purchaseAt(t, dec, 13, "bad", 0)
	badData.Data = badData.Data[:31]

	added := r.Ingest(OriginHistorical, []types.RawLog{unknown, good, noTopics, badData})
	require.Len(t, added, 1)
	assert.Equal(t, good.Key(), added[0].Key())

	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.dropped.WithLabelValues(string(abi.FailureUnknownEvent))))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.dropped.WithLabelValues(string(abi.FailureNoTopics))))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.dropped.WithLabelValues(string(abi.FailureBadData))))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.size))
}

func TestReconciler_IgnoresRemovedLogs(t *testing.T) {
	r, dec := newTestReconciler(t, nil)
	log := purchaseAt(t, dec, 10, "reorged", 0)
	log.Removed = true

	assert.Empty(t, r.Ingest(OriginLive, []types.RawLog{log}))
	assert.Equal(t, 0, r.Len())
}

func TestReconciler_Status(t *testing.T) {
	r, dec := newTestReconciler(t, nil)
	assert.Equal(t, StatusLoading, r.Snapshot().Status)

	gen := r.BeginHistorical()
	r.CompleteHistorical(gen, []types.RawLog{}, "explorer", nil)
	snap := r.Snapshot()
	assert.Equal(t, StatusEmpty, snap.Status)
	assert.Equal(t, "explorer", snap.Source)
	assert.NoError(t, snap.Err)

	cause := errors.New("all log sources failed")
	gen = r.BeginHistorical()
	r.CompleteHistorical(gen, nil, "", cause)
	snap = r.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.ErrorIs(t, snap.Err, cause)

	r.Ingest(OriginLive, []types.RawLog{purchaseAt(t, dec, 5, "live", 0)})
	snap = r.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.ErrorIs(t, snap.Err, cause, "the failure stays visible alongside live events")
}

func TestReconciler_StaleFetchNeverRemovesEvents(t *testing.T) {
	r, dec := newTestReconciler(t, nil)

	older := r.BeginHistorical()
	newer := r.BeginHistorical()

	r.CompleteHistorical(newer, []types.RawLog{purchaseAt(t, dec, 200, "new", 0)}, "explorer", nil)
	live := r.Ingest(OriginLive, []types.RawLog{purchaseAt(t, dec, 210, "live", 0)})
	require.Len(t, live, 1)

	// the stale fetch saw neither event and then failed
	added := r.CompleteHistorical(older, nil, "", errors.New("timeout"))
	assert.Empty(t, added)

	snap := r.Snapshot()
	assert.Equal(t, []uint64{210, 200}, blocksOf(snap.Events))
	assert.Equal(t, StatusReady, snap.Status)
	assert.NoError(t, snap.Err, "a stale failure does not override the newer outcome")
	assert.Equal(t, "explorer", snap.Source)

	// a stale success still contributes events it alone found
	oldest := purchaseAt(t, dec, 150, "old", 0)
	r2, _ := newTestReconciler(t, nil)
	g1 := r2.BeginHistorical()
	g2 := r2.BeginHistorical()
	r2.CompleteHistorical(g2, []types.RawLog{}, "rpc", nil)
	added = r2.CompleteHistorical(g1, []types.RawLog{oldest}, "explorer", nil)
	require.Len(t, added, 1)
	snap = r2.Snapshot()
	assert.Equal(t, "rpc", snap.Source)
	assert.Len(t, snap.Events, 1)
}

func TestReconciler_MaxEvents(t *testing.T) {
	r, dec := newTestReconciler(t, &ReconcilerConfig{MaxEvents: 3})

	var logs []types.RawLog
	for i := 1; i <= 5; i++ {
		logs = append(logs, purchaseAt(t, dec, uint64(i*10), fmt.Sprintf("tx-%d", i), 0))
	}
	r.Ingest(OriginHistorical, logs)

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []uint64{50, 40, 30}, blocksOf(r.Snapshot().Events))
}

func TestReconciler_MaxEventsRedelivery(t *testing.T) {
	r, dec := newTestReconciler(t, &ReconcilerConfig{MaxEvents: 3})

	var logs []types.RawLog
	for i := 1; i <= 5; i++ {
		logs = append(logs, purchaseAt(t, dec, uint64(i*10), fmt.Sprintf("tx-%d", i), 0))
	}

	// events evicted within the same batch are not reported as added
	added := r.Ingest(OriginHistorical, logs)
	assert.Equal(t, []uint64{50, 40, 30}, blocksOf(added))

	added = r.Ingest(OriginLive, logs)
	assert.Empty(t, added)
	added = r.Ingest(OriginHistorical, logs[:2])
	assert.Empty(t, added)

	assert.False(t, r.Contains(logs[0].Key()))
	assert.Equal(t, []uint64{50, 40, 30}, blocksOf(r.Snapshot().Events))

	// a newer block still displaces the lowest one
	added = r.Ingest(OriginLive, []types.RawLog{purchaseAt(t, dec, 60, "tx-6", 0)})
	assert.Equal(t, []uint64{60}, blocksOf(added))
	assert.Equal(t, []uint64{60, 50, 40}, blocksOf(r.Snapshot().Events))
}

func TestReconciler_ResourceNames(t *testing.T) {
	r, dec := newTestReconciler(t, nil)

	r.Ingest(OriginHistorical, []types.RawLog{
		testutil.ResourceCreatedLog(t, dec, 1, testutil.SellerAddress, "weather-api", testutil.Meta(10, "create", 0)),
		purchaseAt(t, dec, 20, "buy", 0),
	})

	name, ok := r.ResourceName("1")
	require.True(t, ok)
	assert.Equal(t, "weather-api", name)

	status, activity := r.Activity(0)
	assert.Equal(t, StatusReady, status)
	require.Len(t, activity, 2)
	assert.Equal(t, ActivityPurchase, activity[0].Type)
	assert.Equal(t, "weather-api", activity[0].ResourceName)
	assert.Equal(t, ActivityListing, activity[1].Type)
}

func TestReconciler_ObserveHead(t *testing.T) {
	r, _ := newTestReconciler(t, &ReconcilerConfig{SecondsPerBlock: 2})
	now := time.Unix(1700000000, 0)

	r.ObserveHead(1000, now)
	r.ObserveHead(900, now.Add(time.Minute))

	clock := r.Snapshot().Clock
	assert.Equal(t, uint64(1000), clock.HeadBlock)
	assert.Equal(t, now, clock.HeadTime)
	assert.Equal(t, float64(2), clock.SecondsPerBlock)
}

// The purchase from the end-to-end scenario: both paths deliver the same
// AccessPurchased log and the feed shows exactly one purchase.
func TestReconciler_PurchaseScenario(t *testing.T) {
	r, dec := newTestReconciler(t, nil)

	amount := int64(10_000_000_000_000_000)
	log := testutil.AccessPurchasedLog(t, dec, testutil.BuyerAddress, 7, amount, 1700000000, testutil.Meta(12345, "scenario", 2))

	gen := r.BeginHistorical()
	r.CompleteHistorical(gen, []types.RawLog{log}, "explorer", nil)
	r.Ingest(OriginLive, []types.RawLog{log})

	_, activity := r.Activity(0)
	require.Len(t, activity, 1)

	a := activity[0]
	assert.Equal(t, ActivityPurchase, a.Type)
	assert.Equal(t, "7", a.ResourceID)
	assert.Equal(t, "10000000000000000", a.Amount)
	assert.Equal(t, uint64(12345), a.BlockNumber)
	assert.Equal(t, log.Key().String(), a.ID)
}

func TestReconciler_ActivityOf(t *testing.T) {
	r, dec := newTestReconciler(t, &ReconcilerConfig{SecondsPerBlock: 1})
	r.ObserveHead(30, time.Unix(1700000000, 0))
	added := r.Ingest(OriginLive, []types.RawLog{
		testutil.ResourceCreatedLog(t, dec, 1, testutil.SellerAddress, "maps", testutil.Meta(10, "create", 0)),
		purchaseAt(t, dec, 20, "buy", 0),
	})
	require.Len(t, added, 2)

	out := r.ActivityOf(added)
	require.Len(t, out, 2)
	assert.Equal(t, "maps", out[1].ResourceName)
	require.NotNil(t, out[1].EstimatedAt)
	assert.Equal(t, time.Unix(1700000000-10, 0), *out[1].EstimatedAt)
	assert.Equal(t, uint64(30), r.Clock().HeadBlock)
}
