package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Common errors
var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when operating on a closed repository
	ErrClosed = errors.New("repository is closed")

	// ErrInvalidData is returned when input data is invalid
	ErrInvalidData = errors.New("invalid data")
)

// Access is the current purchase grant of one buyer for one resource
type Access struct {
	ID            string     `json:"id"`
	ResourceID    string     `json:"resourceId"`
	BuyerWallet   string     `json:"buyerWallet"`
	AmountPaidWei string     `json:"amountPaidWei"`
	PurchasedAt   time.Time  `json:"purchasedAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	UsageLimit    *int64     `json:"usageLimit,omitempty"`
	TxHash        string     `json:"txHash"`
	LogIndex      uint       `json:"logIndex"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Resource is a listing created on the marketplace
type Resource struct {
	ResourceID   string    `json:"resourceId"`
	SellerWallet string    `json:"sellerWallet"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	PriceWei     string    `json:"priceWei"`
	ServiceID    string    `json:"serviceId"`
	ResourceType uint8     `json:"resourceType"`
	CID          string    `json:"cid"`
	URL          string    `json:"url"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Withdrawal is the audit record of a seller withdrawal
type Withdrawal struct {
	TxHash       string    `json:"txHash"`
	LogIndex     uint      `json:"logIndex"`
	SellerWallet string    `json:"sellerWallet"`
	AmountWei    string    `json:"amountWei"`
	BlockNumber  uint64    `json:"blockNumber"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AccessInput carries the fields of an AccessPurchased event
type AccessInput struct {
	ResourceID    string
	BuyerWallet   string
	AmountPaidWei string
	PurchasedAt   time.Time
	ExpiresAt     *time.Time
	UsageLimit    *int64
	TxHash        string
	LogIndex      uint
}

// ResourceInput carries the fields of a ResourceCreated event
type ResourceInput struct {
	ResourceID   string
	SellerWallet string
	Name         string
	Description  string
	PriceWei     string
	ServiceID    string
	ResourceType uint8
	CID          string
	URL          string
}

// WithdrawalInput carries the fields of a Withdrawal event
type WithdrawalInput struct {
	TxHash       string
	LogIndex     uint
	SellerWallet string
	AmountWei    string
	BlockNumber  uint64
}

// Repository is the persistence boundary of the event handlers.
// Every mutation is an idempotent upsert-or-no-op.
type Repository interface {
	// UpsertAccess grants access for (ResourceID, BuyerWallet). Replaying
	// the same purchase leaves the record unchanged and an older purchase
	// never overwrites a newer one.
	UpsertAccess(ctx context.Context, in *AccessInput) (*Access, error)

	// GetAccess returns the current access of a buyer for a resource
	GetAccess(ctx context.Context, resourceID, buyerWallet string) (*Access, error)

	// CountAccess returns the number of access records of a resource
	CountAccess(ctx context.Context, resourceID string) (int, error)

	// CreateResource inserts a resource if none exists for its ID.
	// The returned flag reports whether a new record was written.
	CreateResource(ctx context.Context, in *ResourceInput) (*Resource, bool, error)

	// GetResource returns a resource by ID
	GetResource(ctx context.Context, resourceID string) (*Resource, error)

	// DeactivateResource marks a resource inactive in place
	DeactivateResource(ctx context.Context, resourceID string) error

	// RecordWithdrawal stores a withdrawal once per (TxHash, LogIndex).
	// The returned flag reports whether a new record was written.
	RecordWithdrawal(ctx context.Context, in *WithdrawalInput) (bool, error)

	// Close releases the repository
	Close() error
}

// Validate checks and normalizes the input
func (in *AccessInput) Validate() error {
	if in == nil {
		return fmt.Errorf("%w: access input is nil", ErrInvalidData)
	}
	if err := validateID(in.ResourceID); err != nil {
		return err
	}
	wallet, err := normalizeWallet(in.BuyerWallet)
	if err != nil {
		return err
	}
	in.BuyerWallet = wallet
	if err := validateAmount(in.AmountPaidWei); err != nil {
		return err
	}
	if in.PurchasedAt.IsZero() {
		return fmt.Errorf("%w: purchase time is required", ErrInvalidData)
	}
	in.PurchasedAt = in.PurchasedAt.UTC().Truncate(time.Second)
	in.TxHash = strings.ToLower(in.TxHash)
	return nil
}

// Validate checks and normalizes the input
func (in *ResourceInput) Validate() error {
	if in == nil {
		return fmt.Errorf("%w: resource input is nil", ErrInvalidData)
	}
	if err := validateID(in.ResourceID); err != nil {
		return err
	}
	wallet, err := normalizeWallet(in.SellerWallet)
	if err != nil {
		return err
	}
	in.SellerWallet = wallet
	return validateAmount(in.PriceWei)
}

// Validate checks and normalizes the input
func (in *WithdrawalInput) Validate() error {
	if in == nil {
		return fmt.Errorf("%w: withdrawal input is nil", ErrInvalidData)
	}
	if !isHash(in.TxHash) {
		return fmt.Errorf("%w: invalid tx hash %q", ErrInvalidData, in.TxHash)
	}
	in.TxHash = strings.ToLower(in.TxHash)
	wallet, err := normalizeWallet(in.SellerWallet)
	if err != nil {
		return err
	}
	in.SellerWallet = wallet
	return validateAmount(in.AmountWei)
}

func validateID(id string) error {
	if _, ok := new(big.Int).SetString(id, 10); !ok || strings.HasPrefix(id, "-") {
		return fmt.Errorf("%w: invalid resource id %q", ErrInvalidData, id)
	}
	return nil
}

func validateAmount(v string) error {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return fmt.Errorf("%w: invalid amount %q", ErrInvalidData, v)
	}
	return nil
}

func normalizeWallet(w string) (string, error) {
	if !common.IsHexAddress(w) {
		return "", fmt.Errorf("%w: invalid wallet %q", ErrInvalidData, w)
	}
	return strings.ToLower(common.HexToAddress(w).Hex()), nil
}

func isHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// newer reports whether a purchase at candidate should replace one at current
func newer(candidate, current time.Time) bool {
	return !candidate.Before(current)
}
