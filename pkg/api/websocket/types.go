package websocket

import (
	"encoding/json"

	"github.com/0xmhha/market-indexer/pkg/events"
)

// SubscriptionType names a stream a client can subscribe to. Activity
// types ("purchase", "listing", ...) select one kind; "activity" selects all.
type SubscriptionType string

// SubscribeActivity receives every activity event
const SubscribeActivity SubscriptionType = "activity"

// Message is the envelope of every frame in both directions
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a broadcast item
type Event struct {
	Type SubscriptionType `json:"type"`
	Data interface{}      `json:"data"`
}

// SubscriptionRequest is the payload of subscribe and unsubscribe messages
type SubscriptionRequest struct {
	Type SubscriptionType `json:"type"`
}

// ErrorMessage is the payload of an error message
type ErrorMessage struct {
	Error string `json:"error"`
}

// SuccessMessage is the payload of a success message
type SuccessMessage struct {
	Message string `json:"message"`
}

// Per-kind activity streams
const (
	SubscribePurchase   = SubscriptionType(events.ActivityPurchase)
	SubscribeListing    = SubscriptionType(events.ActivityListing)
	SubscribeWithdrawal = SubscriptionType(events.ActivityWithdrawal)
	SubscribeTransfer   = SubscriptionType(events.ActivityTransfer)
)

// Valid reports whether t names a known stream
func (t SubscriptionType) Valid() bool {
	switch t {
	case SubscribeActivity, SubscribePurchase, SubscribeListing, SubscribeWithdrawal, SubscribeTransfer:
		return true
	}
	return false
}
