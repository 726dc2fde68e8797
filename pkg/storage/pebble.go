package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/internal/constants"
)

// Key prefixes
const (
	prefixData        = "/data/"
	prefixResources   = prefixData + "resources/"
	prefixAccess      = prefixData + "access/"
	prefixWithdrawals = prefixData + "withdrawals/"
)

// ResourceKey returns the key of a resource record
func ResourceKey(resourceID string) []byte {
	return []byte(prefixResources + resourceID)
}

// AccessKey returns the key of an access record
func AccessKey(resourceID, buyerWallet string) []byte {
	return []byte(prefixAccess + resourceID + "/" + buyerWallet)
}

// AccessPrefix returns the key prefix of every access record of a resource
func AccessPrefix(resourceID string) []byte {
	return []byte(prefixAccess + resourceID + "/")
}

// WithdrawalKey returns the key of a withdrawal record
func WithdrawalKey(txHash string, logIndex uint) []byte {
	return []byte(fmt.Sprintf("%s%s/%d", prefixWithdrawals, txHash, logIndex))
}

// PebbleConfig holds configuration for the Pebble repository
type PebbleConfig struct {
	// Path to the database directory
	Path string

	// Cache size in MB (default: 64)
	Cache int

	// MaxOpenFiles is the maximum number of open files (default: 500)
	MaxOpenFiles int

	// WriteBuffer size in MB (default: 16)
	WriteBuffer int

	// ReadOnly opens the database in read-only mode
	ReadOnly bool

	Logger *zap.Logger
}

// DefaultPebbleConfig returns a default configuration
func DefaultPebbleConfig(path string) *PebbleConfig {
	return &PebbleConfig{
		Path:         path,
		Cache:        constants.DefaultCacheSize,
		MaxOpenFiles: constants.DefaultMaxOpenFiles,
		WriteBuffer:  constants.DefaultWriteBuffer,
	}
}

// Validate checks if the configuration is valid
func (c *PebbleConfig) Validate() error {
	if c.Path == "" {
		return errors.New("path cannot be empty")
	}
	if c.Cache < 0 {
		return errors.New("cache size cannot be negative")
	}
	if c.MaxOpenFiles < 0 {
		return errors.New("max open files cannot be negative")
	}
	if c.WriteBuffer < 0 {
		return errors.New("write buffer size cannot be negative")
	}
	return nil
}

// PebbleRepository implements Repository on a local PebbleDB
type PebbleRepository struct {
	db       *pebble.DB
	config   *PebbleConfig
	logger   *zap.Logger
	closed   atomic.Bool
	readOnly bool

	// read-modify-write sequences are serialized
	writeMu sync.Mutex

	now func() time.Time
}

var _ Repository = (*PebbleRepository)(nil)

// NewPebbleRepository opens (or creates) a repository at cfg.Path
func NewPebbleRepository(cfg *PebbleConfig) (*PebbleRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &pebble.Options{
		MaxOpenFiles: cfg.MaxOpenFiles,
		ReadOnly:     cfg.ReadOnly,
	}
	if cfg.Cache > 0 {
		cache := pebble.NewCache(int64(cfg.Cache) * constants.BytesPerMB)
		defer cache.Unref()
		opts.Cache = cache
	}
	if cfg.WriteBuffer > 0 {
		opts.MemTableSize = uint64(cfg.WriteBuffer) * constants.BytesPerMB
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PebbleRepository{
		db:       db,
		config:   cfg,
		logger:   logger,
		readOnly: cfg.ReadOnly,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *PebbleRepository) ensureWritable() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.readOnly {
		return errors.New("repository is read-only")
	}
	return nil
}

// UpsertAccess implements Repository
func (r *PebbleRepository) UpsertAccess(_ context.Context, in *AccessInput) (*Access, error) {
	if err := r.ensureWritable(); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	key := AccessKey(in.ResourceID, in.BuyerWallet)
	var current Access
	found, err := r.getJSON(key, &current)
	if err != nil {
		return nil, err
	}

	if found {
		if current.TxHash == in.TxHash && current.LogIndex == in.LogIndex {
			return &current, nil
		}
		if !newer(in.PurchasedAt, current.PurchasedAt) {
			r.logger.Debug("ignoring older purchase",
				zap.String("resource_id", in.ResourceID),
				zap.String("buyer", in.BuyerWallet),
				zap.String("tx_hash", in.TxHash))
			return &current, nil
		}
	}

	now := r.now()
	next := Access{
		ID:            uuid.NewString(),
		ResourceID:    in.ResourceID,
		BuyerWallet:   in.BuyerWallet,
		AmountPaidWei: in.AmountPaidWei,
		PurchasedAt:   in.PurchasedAt,
		ExpiresAt:     in.ExpiresAt,
		UsageLimit:    in.UsageLimit,
		TxHash:        in.TxHash,
		LogIndex:      in.LogIndex,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if found {
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
	}

	if err := r.putJSON(key, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// GetAccess implements Repository
func (r *PebbleRepository) GetAccess(_ context.Context, resourceID, buyerWallet string) (*Access, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	wallet, err := normalizeWallet(buyerWallet)
	if err != nil {
		return nil, err
	}

	var a Access
	found, err := r.getJSON(AccessKey(resourceID, wallet), &a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &a, nil
}

// CountAccess implements Repository
func (r *PebbleRepository) CountAccess(_ context.Context, resourceID string) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}

	prefix := AccessPrefix(resourceID)
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterator error: %w", err)
	}
	return count, nil
}

// CreateResource implements Repository
func (r *PebbleRepository) CreateResource(_ context.Context, in *ResourceInput) (*Resource, bool, error) {
	if err := r.ensureWritable(); err != nil {
		return nil, false, err
	}
	if err := in.Validate(); err != nil {
		return nil, false, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	key := ResourceKey(in.ResourceID)
	var existing Resource
	found, err := r.getJSON(key, &existing)
	if err != nil {
		return nil, false, err
	}
	if found {
		return &existing, false, nil
	}

	now := r.now()
	res := Resource{
		ResourceID:   in.ResourceID,
		SellerWallet: in.SellerWallet,
		Name:         in.Name,
		Description:  in.Description,
		PriceWei:     in.PriceWei,
		ServiceID:    in.ServiceID,
		ResourceType: in.ResourceType,
		CID:          in.CID,
		URL:          in.URL,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.putJSON(key, &res); err != nil {
		return nil, false, err
	}
	return &res, true, nil
}

// GetResource implements Repository
func (r *PebbleRepository) GetResource(_ context.Context, resourceID string) (*Resource, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	var res Resource
	found, err := r.getJSON(ResourceKey(resourceID), &res)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &res, nil
}

// DeactivateResource implements Repository
func (r *PebbleRepository) DeactivateResource(_ context.Context, resourceID string) error {
	if err := r.ensureWritable(); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	key := ResourceKey(resourceID)
	var res Resource
	found, err := r.getJSON(key, &res)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if !res.IsActive {
		return nil
	}
	res.IsActive = false
	res.UpdatedAt = r.now()
	return r.putJSON(key, &res)
}

// RecordWithdrawal implements Repository
func (r *PebbleRepository) RecordWithdrawal(_ context.Context, in *WithdrawalInput) (bool, error) {
	if err := r.ensureWritable(); err != nil {
		return false, err
	}
	if err := in.Validate(); err != nil {
		return false, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	key := WithdrawalKey(in.TxHash, in.LogIndex)
	var existing Withdrawal
	found, err := r.getJSON(key, &existing)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	w := Withdrawal{
		TxHash:       in.TxHash,
		LogIndex:     in.LogIndex,
		SellerWallet: in.SellerWallet,
		AmountWei:    in.AmountWei,
		BlockNumber:  in.BlockNumber,
		CreatedAt:    r.now(),
	}
	if err := r.putJSON(key, &w); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the repository and releases resources
func (r *PebbleRepository) Close() error {
	if r.closed.Swap(true) {
		return nil // Already closed
	}
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *PebbleRepository) getJSON(key []byte, v interface{}) (bool, error) {
	value, closer, err := r.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (r *PebbleRepository) putJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := r.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with the prefix
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
