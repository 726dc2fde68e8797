package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/market-indexer/internal/testutil"
	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/fetch"
	"github.com/0xmhha/market-indexer/pkg/types"
)

type fakeFetcher struct {
	mu       sync.Mutex
	logs     []types.RawLog
	err      error
	from, to uint64
	calls    int
}

func (f *fakeFetcher) FetchHistorical(_ context.Context, _ common.Address, from, to uint64) (*fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.from, f.to = from, to
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Result{Logs: f.logs, Source: "explorer"}, nil
}

type fakeHead struct {
	block   uint64
	err     error
	at      time.Time
	timeErr error
}

func (h *fakeHead) GetLatestBlockNumber(context.Context) (uint64, error) {
	return h.block, h.err
}

func (h *fakeHead) GetBlockTime(context.Context, uint64) (time.Time, error) {
	if h.timeErr != nil {
		return time.Time{}, h.timeErr
	}
	if h.at.IsZero() {
		return time.Now(), nil
	}
	return h.at, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []*abi.DecodedEvent
}

func (s *recordingSink) Consume(_ context.Context, events []*abi.DecodedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSession_Refresh(t *testing.T) {
	r, dec := newTestReconciler(t, nil)
	log := purchaseAt(t, dec, 500, "buy", 0)
	fetcher := &fakeFetcher{logs: []types.RawLog{log}}
	sink := &recordingSink{}

	s, err := NewSession(&SessionConfig{StartBlock: 100}, r, fetcher, &fakeHead{block: 1000}, nil, sink)
	require.NoError(t, err)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, uint64(100), fetcher.from)
	assert.Equal(t, uint64(1000), fetcher.to)
	assert.Equal(t, 1, sink.count())

	// a second refresh re-fetches the same log without re-emitting it
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, r.Len())

	snap := r.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, uint64(1000), snap.Clock.HeadBlock)
}

func TestSession_RefreshUsesHeaderTime(t *testing.T) {
	r, _ := newTestReconciler(t, nil)
	at := time.Unix(1700000000, 0).UTC()

	s, err := NewSession(&SessionConfig{}, r, &fakeFetcher{}, &fakeHead{block: 1000, at: at}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(context.Background()))

	clock := r.Clock()
	assert.Equal(t, uint64(1000), clock.HeadBlock)
	assert.True(t, clock.HeadTime.Equal(at))

	// an unreadable header falls back to the local clock
	r2, _ := newTestReconciler(t, nil)
	s2, err := NewSession(&SessionConfig{}, r2, &fakeFetcher{}, &fakeHead{block: 1000, timeErr: errors.New("header unavailable")}, nil)
	require.NoError(t, err)
	before := time.Now()
	require.NoError(t, s2.Refresh(context.Background()))
	assert.False(t, r2.Clock().HeadTime.Before(before))
}

type retryingSink struct {
	recordingSink
	retries int
}

func (s *retryingSink) RetryPending(context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return 0
}

func TestSession_RefreshRetriesSinks(t *testing.T) {
	r, _ := newTestReconciler(t, nil)
	sink := &retryingSink{}

	s, err := NewSession(&SessionConfig{}, r, &fakeFetcher{}, &fakeHead{block: 10}, nil, sink)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(context.Background()))
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 2, sink.retries)

	// a failed fetch does not retry
	s2, err := NewSession(&SessionConfig{}, r, &fakeFetcher{err: errors.New("down")}, &fakeHead{block: 10}, nil, sink)
	require.NoError(t, err)
	assert.Error(t, s2.Refresh(context.Background()))
	assert.Equal(t, 2, sink.retries)
}

func TestSession_RefreshFailure(t *testing.T) {
	r, _ := newTestReconciler(t, nil)
	cause := errors.New("all log sources failed")

	s, err := NewSession(&SessionConfig{}, r, &fakeFetcher{err: cause}, &fakeHead{block: 10}, nil)
	require.NoError(t, err)

	err = s.Refresh(context.Background())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StatusFailed, r.Snapshot().Status)
}

func TestSession_HeadFailure(t *testing.T) {
	r, _ := newTestReconciler(t, nil)
	fetcher := &fakeFetcher{}

	s, err := NewSession(&SessionConfig{}, r, fetcher, &fakeHead{err: errors.New("rpc down")}, nil)
	require.NoError(t, err)

	assert.Error(t, s.Refresh(context.Background()))
	assert.Equal(t, 0, fetcher.calls)
	assert.Equal(t, StatusFailed, r.Snapshot().Status)
}

func TestSession_StartBeyondHead(t *testing.T) {
	r, _ := newTestReconciler(t, nil)
	fetcher := &fakeFetcher{}

	s, err := NewSession(&SessionConfig{StartBlock: 5000}, r, fetcher, &fakeHead{block: 10}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, uint64(10), fetcher.from)
	assert.Equal(t, StatusEmpty, r.Snapshot().Status)
}

func TestSession_RunMergesLiveAndHistorical(t *testing.T) {
	r, dec := newTestReconciler(t, nil)
	shared := purchaseAt(t, dec, 500, "shared", 2)
	fetcher := &fakeFetcher{logs: []types.RawLog{shared}}

	source := newMockLogSubscriber(0)
	sub, err := NewLiveSubscriber(source, &SubscriberConfig{Address: testutil.ContractAddress})
	require.NoError(t, err)

	sink := &recordingSink{}
	s, err := NewSession(&SessionConfig{Address: testutil.ContractAddress}, r, fetcher, &fakeHead{block: 600}, sub, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	h := waitHandle(t, source)
	h.ch <- gethtypes.Log{
		Address:     shared.Address,
		Topics:      shared.Topics,
		Data:        shared.Data,
		BlockNumber: shared.BlockNumber,
		TxHash:      shared.TxHash,
		Index:       shared.LogIndex,
	}
	live := purchaseAt(t, dec, 601, "live", 0)
	h.ch <- gethtypes.Log{
		Address:     live.Address,
		Topics:      live.Topics,
		Data:        live.Data,
		BlockNumber: live.BlockNumber,
		TxHash:      live.TxHash,
		Index:       live.LogIndex,
	}

	require.Eventually(t, func() bool { return r.Len() == 2 && sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}

	snap := r.Snapshot()
	assert.Equal(t, []uint64{601, 500}, blocksOf(snap.Events))
}

func TestSession_Ingest(t *testing.T) {
	r, dec := newTestReconciler(t, nil)
	sink := &recordingSink{}
	s, err := NewSession(&SessionConfig{}, r, &fakeFetcher{}, &fakeHead{}, nil, sink)
	require.NoError(t, err)

	log := purchaseAt(t, dec, 1, "hook", 0)
	added := s.Ingest(context.Background(), OriginWebhook, []types.RawLog{log, log})
	assert.Len(t, added, 1)
	assert.Equal(t, 1, sink.count())
}

func TestNewSession_Validation(t *testing.T) {
	r, _ := newTestReconciler(t, nil)
	_, err := NewSession(nil, r, &fakeFetcher{}, &fakeHead{}, nil)
	assert.Error(t, err)
	_, err = NewSession(&SessionConfig{}, nil, &fakeFetcher{}, &fakeHead{}, nil)
	assert.Error(t, err)
}
