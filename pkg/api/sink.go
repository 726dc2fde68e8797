package api

import (
	"context"

	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/events"
)

// ActivityProjector turns decoded events into activity entries
type ActivityProjector interface {
	ActivityOf(events []*abi.DecodedEvent) []events.ActivityEvent
}

// Broadcaster pushes activity to connected clients
type Broadcaster interface {
	BroadcastActivity(activity []events.ActivityEvent)
}

// ActivitySink is an events.Sink that broadcasts every event newly added to
// the feed. Events without an activity projection are not sent.
type ActivitySink struct {
	projector   ActivityProjector
	broadcaster Broadcaster
}

// NewActivitySink creates a new activity sink
func NewActivitySink(projector ActivityProjector, broadcaster Broadcaster) *ActivitySink {
	return &ActivitySink{projector: projector, broadcaster: broadcaster}
}

// Consume implements events.Sink
func (s *ActivitySink) Consume(_ context.Context, added []*abi.DecodedEvent) {
	activity := s.projector.ActivityOf(added)
	if len(activity) == 0 {
		return
	}
	s.broadcaster.BroadcastActivity(activity)
}
