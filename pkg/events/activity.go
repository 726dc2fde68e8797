package events

import (
	"math"
	"strings"
	"time"

	"github.com/0xmhha/market-indexer/pkg/abi"
)

// ActivityType is the closed set of activity kinds shown in the portal
type ActivityType string

const (
	ActivityPurchase   ActivityType = "purchase"
	ActivityListing    ActivityType = "listing"
	ActivityWithdrawal ActivityType = "withdrawal"
	ActivityTransfer   ActivityType = "transfer"
)

// ActivityEvent is the display projection of a decoded event
type ActivityEvent struct {
	ID           string       `json:"id"`
	Type         ActivityType `json:"type"`
	Actor        string       `json:"actor"`
	ResourceID   string       `json:"resourceId,omitempty"`
	ResourceName string       `json:"resourceName,omitempty"`
	// Amount is a decimal wei string
	Amount      string     `json:"amount,omitempty"`
	BlockNumber uint64     `json:"blockNumber"`
	TxHash      string     `json:"txHash"`
	EstimatedAt *time.Time `json:"estimatedAt,omitempty"`
}

// NameResolver looks up a resource's display name by id
type NameResolver func(resourceID string) (string, bool)

// BlockClock estimates wall-clock times from block numbers. The estimate
// assumes a fixed block interval and is for display only.
type BlockClock struct {
	HeadBlock       uint64
	HeadTime        time.Time
	SecondsPerBlock float64
}

// Estimate returns the approximate time of block, or false when the clock
// has no reference point.
func (c *BlockClock) Estimate(block uint64) (time.Time, bool) {
	if c == nil || c.SecondsPerBlock <= 0 || c.HeadTime.IsZero() {
		return time.Time{}, false
	}
	delta := float64(c.HeadBlock) - float64(block)
	offset := time.Duration(math.Round(delta*c.SecondsPerBlock)) * time.Second
	return c.HeadTime.Add(-offset), true
}

// ToActivity maps a decoded event onto its activity projection. Events
// with no activity type report false.
func ToActivity(ev *abi.DecodedEvent, names NameResolver) (ActivityEvent, bool) {
	out := ActivityEvent{
		ID:          ev.Key().String(),
		BlockNumber: ev.Log.BlockNumber,
		TxHash:      strings.ToLower(ev.Log.TxHash.Hex()),
	}

	switch ev.Kind {
	case abi.EventAccessPurchased:
		out.Type = ActivityPurchase
		out.Actor = addressField(ev, "buyer")
		out.ResourceID = uintField(ev, "resourceId")
		out.Amount = uintField(ev, "amountPaid")
		if names != nil && out.ResourceID != "" {
			if name, ok := names(out.ResourceID); ok {
				out.ResourceName = name
			}
		}
	case abi.EventResourceCreated:
		out.Type = ActivityListing
		out.Actor = addressField(ev, "seller")
		out.ResourceID = uintField(ev, "resourceId")
		out.Amount = uintField(ev, "price")
		if name, err := ev.String("name"); err == nil {
			out.ResourceName = name
		}
	case abi.EventWithdrawal:
		out.Type = ActivityWithdrawal
		out.Actor = addressField(ev, "seller")
		out.Amount = uintField(ev, "amount")
	case abi.EventOwnershipTransferred:
		out.Type = ActivityTransfer
		out.Actor = addressField(ev, "previousOwner")
	default:
		return ActivityEvent{}, false
	}

	return out, true
}

// Project maps events in order onto activity events, skipping kinds with
// no projection. limit <= 0 keeps everything.
func Project(events []*abi.DecodedEvent, names NameResolver, clock *BlockClock, limit int) []ActivityEvent {
	out := make([]ActivityEvent, 0, len(events))
	for _, ev := range events {
		if limit > 0 && len(out) >= limit {
			break
		}
		a, ok := ToActivity(ev, names)
		if !ok {
			continue
		}
		if ts, ok := clock.Estimate(a.BlockNumber); ok {
			a.EstimatedAt = &ts
		}
		out = append(out, a)
	}
	return out
}

func addressField(ev *abi.DecodedEvent, name string) string {
	v, err := ev.Address(name)
	if err != nil {
		return ""
	}
	return v
}

func uintField(ev *abi.DecodedEvent, name string) string {
	v, err := ev.Uint(name)
	if err != nil {
		return ""
	}
	return v.String()
}
