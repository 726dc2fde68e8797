// Package handlers applies decoded marketplace events to the repository.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/storage"
)

// Handler applies one event kind
type Handler interface {
	EventName() string
	Handle(ctx context.Context, ev *abi.DecodedEvent) error
}

// Config holds the access grant policy
type Config struct {
	// AccessTTL sets ExpiresAt = purchasedAt + AccessTTL when positive
	AccessTTL time.Duration

	// UsageLimit is stored on every grant when positive
	UsageLimit int64
}

// AccessFromEvent maps an AccessPurchased event to a repository input
func AccessFromEvent(ev *abi.DecodedEvent, cfg Config) (*storage.AccessInput, error) {
	if err := expectKind(ev, abi.EventAccessPurchased); err != nil {
		return nil, err
	}
	buyer, err := ev.Address("buyer")
	if err != nil {
		return nil, err
	}
	resourceID, err := ev.Uint("resourceId")
	if err != nil {
		return nil, err
	}
	amount, err := ev.Uint("amountPaid")
	if err != nil {
		return nil, err
	}
	ts, err := ev.Uint("purchasedAt")
	if err != nil {
		return nil, err
	}
	if !ts.IsInt64() {
		return nil, fmt.Errorf("%s: purchasedAt %s out of range", ev.Kind, ts)
	}

	purchasedAt := time.Unix(ts.Int64(), 0).UTC()
	in := &storage.AccessInput{
		ResourceID:    resourceID.String(),
		BuyerWallet:   buyer,
		AmountPaidWei: amount.String(),
		PurchasedAt:   purchasedAt,
		TxHash:        strings.ToLower(ev.Log.TxHash.Hex()),
		LogIndex:      ev.Log.LogIndex,
	}
	if cfg.AccessTTL > 0 {
		expires := purchasedAt.Add(cfg.AccessTTL)
		in.ExpiresAt = &expires
	}
	if cfg.UsageLimit > 0 {
		limit := cfg.UsageLimit
		in.UsageLimit = &limit
	}
	return in, nil
}

// ResourceFromEvent maps a ResourceCreated event to a repository input
func ResourceFromEvent(ev *abi.DecodedEvent) (*storage.ResourceInput, error) {
	if err := expectKind(ev, abi.EventResourceCreated); err != nil {
		return nil, err
	}
	in := &storage.ResourceInput{}

	id, err := ev.Uint("resourceId")
	if err != nil {
		return nil, err
	}
	in.ResourceID = id.String()
	if in.SellerWallet, err = ev.Address("seller"); err != nil {
		return nil, err
	}
	price, err := ev.Uint("price")
	if err != nil {
		return nil, err
	}
	in.PriceWei = price.String()
	if in.ResourceType, err = ev.Uint8("resourceType"); err != nil {
		return nil, err
	}

	strs := []struct {
		field string
		dst   *string
	}{
		{"name", &in.Name},
		{"description", &in.Description},
		{"serviceId", &in.ServiceID},
		{"cid", &in.CID},
		{"url", &in.URL},
	}
	for _, s := range strs {
		if *s.dst, err = ev.String(s.field); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// WithdrawalFromEvent maps a Withdrawal event to a repository input
func WithdrawalFromEvent(ev *abi.DecodedEvent) (*storage.WithdrawalInput, error) {
	if err := expectKind(ev, abi.EventWithdrawal); err != nil {
		return nil, err
	}
	seller, err := ev.Address("seller")
	if err != nil {
		return nil, err
	}
	amount, err := ev.Uint("amount")
	if err != nil {
		return nil, err
	}
	return &storage.WithdrawalInput{
		TxHash:       strings.ToLower(ev.Log.TxHash.Hex()),
		LogIndex:     ev.Log.LogIndex,
		SellerWallet: seller,
		AmountWei:    amount.String(),
		BlockNumber:  ev.Log.BlockNumber,
	}, nil
}

func expectKind(ev *abi.DecodedEvent, kind string) error {
	if ev == nil {
		return errors.New("event is nil")
	}
	if ev.Kind != kind {
		return fmt.Errorf("expected %s event, got %s", kind, ev.Kind)
	}
	return nil
}

// AccessPurchasedHandler grants access for purchases
type AccessPurchasedHandler struct {
	repo   storage.Repository
	cfg    Config
	logger *zap.Logger
}

// NewAccessPurchasedHandler creates the purchase handler
func NewAccessPurchasedHandler(repo storage.Repository, cfg Config, logger *zap.Logger) *AccessPurchasedHandler {
	return &AccessPurchasedHandler{repo: repo, cfg: cfg, logger: orNop(logger)}
}

// EventName implements Handler
func (h *AccessPurchasedHandler) EventName() string { return abi.EventAccessPurchased }

// Handle implements Handler
func (h *AccessPurchasedHandler) Handle(ctx context.Context, ev *abi.DecodedEvent) error {
	in, err := AccessFromEvent(ev, h.cfg)
	if err != nil {
		return err
	}
	access, err := h.repo.UpsertAccess(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to grant access: %w", err)
	}
	h.logger.Info("access granted",
		zap.String("resource_id", access.ResourceID),
		zap.String("buyer", access.BuyerWallet),
		zap.String("amount_wei", access.AmountPaidWei),
		zap.String("tx_hash", in.TxHash),
		zap.Uint("log_index", in.LogIndex))
	return nil
}

// ResourceCreatedHandler stores new listings
type ResourceCreatedHandler struct {
	repo   storage.Repository
	logger *zap.Logger
}

// NewResourceCreatedHandler creates the listing handler
func NewResourceCreatedHandler(repo storage.Repository, logger *zap.Logger) *ResourceCreatedHandler {
	return &ResourceCreatedHandler{repo: repo, logger: orNop(logger)}
}

// EventName implements Handler
func (h *ResourceCreatedHandler) EventName() string { return abi.EventResourceCreated }

// Handle implements Handler
func (h *ResourceCreatedHandler) Handle(ctx context.Context, ev *abi.DecodedEvent) error {
	in, err := ResourceFromEvent(ev)
	if err != nil {
		return err
	}
	res, created, err := h.repo.CreateResource(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	if !created {
		h.logger.Debug("resource already exists", zap.String("resource_id", res.ResourceID))
		return nil
	}
	h.logger.Info("resource created",
		zap.String("resource_id", res.ResourceID),
		zap.String("seller", res.SellerWallet),
		zap.String("name", res.Name))
	return nil
}

// WithdrawalHandler records seller withdrawals
type WithdrawalHandler struct {
	repo   storage.Repository
	logger *zap.Logger
}

// NewWithdrawalHandler creates the withdrawal handler
func NewWithdrawalHandler(repo storage.Repository, logger *zap.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{repo: repo, logger: orNop(logger)}
}

// EventName implements Handler
func (h *WithdrawalHandler) EventName() string { return abi.EventWithdrawal }

// Handle implements Handler
func (h *WithdrawalHandler) Handle(ctx context.Context, ev *abi.DecodedEvent) error {
	in, err := WithdrawalFromEvent(ev)
	if err != nil {
		return err
	}
	h.logger.Info("withdrawal",
		zap.String("seller", in.SellerWallet),
		zap.String("amount_wei", in.AmountWei),
		zap.Uint64("block", in.BlockNumber),
		zap.String("tx_hash", in.TxHash))

	if _, err := h.repo.RecordWithdrawal(ctx, in); err != nil {
		return fmt.Errorf("failed to record withdrawal: %w", err)
	}
	return nil
}

// ResourceDeactivatedHandler deactivates listings in place
type ResourceDeactivatedHandler struct {
	repo   storage.Repository
	logger *zap.Logger
}

// NewResourceDeactivatedHandler creates the deactivation handler
func NewResourceDeactivatedHandler(repo storage.Repository, logger *zap.Logger) *ResourceDeactivatedHandler {
	return &ResourceDeactivatedHandler{repo: repo, logger: orNop(logger)}
}

// EventName implements Handler
func (h *ResourceDeactivatedHandler) EventName() string { return abi.EventResourceDeactivated }

// Handle implements Handler. Deactivating a resource that was never stored
// locally is logged and ignored.
func (h *ResourceDeactivatedHandler) Handle(ctx context.Context, ev *abi.DecodedEvent) error {
	if err := expectKind(ev, abi.EventResourceDeactivated); err != nil {
		return err
	}
	id, err := ev.Uint("resourceId")
	if err != nil {
		return err
	}
	err = h.repo.DeactivateResource(ctx, id.String())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.logger.Warn("deactivated resource is not stored", zap.String("resource_id", id.String()))
		return nil
	case err != nil:
		return fmt.Errorf("failed to deactivate resource: %w", err)
	}
	h.logger.Info("resource deactivated", zap.String("resource_id", id.String()))
	return nil
}

// MarketplaceHandlers returns the handlers for every mutating marketplace event
func MarketplaceHandlers(repo storage.Repository, cfg Config, logger *zap.Logger) []Handler {
	return []Handler{
		NewAccessPurchasedHandler(repo, cfg, logger),
		NewResourceCreatedHandler(repo, logger),
		NewWithdrawalHandler(repo, logger),
		NewResourceDeactivatedHandler(repo, logger),
	}
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
