package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// accessRow is the access table
type accessRow struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)"`
	ResourceID    string     `gorm:"type:varchar(78);not null;uniqueIndex:idx_access_resource_buyer"`
	BuyerWallet   string     `gorm:"type:varchar(42);not null;uniqueIndex:idx_access_resource_buyer"`
	AmountPaidWei string     `gorm:"type:varchar(78);not null"`
	PurchasedAt   int64      `gorm:"not null"` // unix seconds
	ExpiresAt     *time.Time `gorm:"index"`
	UsageLimit    *int64
	TxHash        string `gorm:"type:varchar(66);index"`
	LogIndex      uint
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName specifies the table name
func (accessRow) TableName() string { return "accesses" }

// resourceRow is the resource table
type resourceRow struct {
	ResourceID   string `gorm:"primaryKey;type:varchar(78)"`
	SellerWallet string `gorm:"type:varchar(42);not null;index"`
	Name         string `gorm:"type:varchar(255);not null"`
	Description  string `gorm:"type:text"`
	PriceWei     string `gorm:"type:varchar(78);not null"`
	ServiceID    string `gorm:"type:varchar(255)"`
	ResourceType uint8
	CID          string `gorm:"column:cid;type:varchar(255)"`
	URL          string `gorm:"column:url;type:text"`
	IsActive     bool   `gorm:"not null;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName specifies the table name
func (resourceRow) TableName() string { return "resources" }

// withdrawalRow is the withdrawal audit table
type withdrawalRow struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TxHash       string `gorm:"type:varchar(66);not null;uniqueIndex:idx_withdrawal_tx_log"`
	LogIndex     uint   `gorm:"uniqueIndex:idx_withdrawal_tx_log"`
	SellerWallet string `gorm:"type:varchar(42);not null;index"`
	AmountWei    string `gorm:"type:varchar(78);not null"`
	BlockNumber  uint64 `gorm:"type:bigint;index"`
	CreatedAt    time.Time
}

// TableName specifies the table name
func (withdrawalRow) TableName() string { return "withdrawals" }

// accessUpdateColumns are rewritten when a newer purchase arrives
var accessUpdateColumns = []string{
	"amount_paid_wei", "purchased_at", "expires_at", "usage_limit", "tx_hash", "log_index", "updated_at",
}

// PostgresConfig holds connection pool and logging settings
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// LogSQL prints every statement through the gorm logger
	LogSQL bool

	Logger *zap.Logger
}

// PostgresRepository implements Repository on a SQL database through gorm
type PostgresRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	closed atomic.Bool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to a Postgres-compatible database
func NewPostgresRepository(dsn string, cfg *PostgresConfig) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn cannot be empty")
	}
	return NewRepositoryWithDialector(postgres.Open(dsn), cfg)
}

// NewRepositoryWithDialector opens a repository on any gorm dialector and
// migrates the schema.
func NewRepositoryWithDialector(dialector gorm.Dialector, cfg *PostgresConfig) (*PostgresRepository, error) {
	if cfg == nil {
		cfg = &PostgresConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	level := gormlogger.Silent
	if cfg.LogSQL {
		level = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &PostgresRepository{db: db, logger: logger}
	if err := repo.AutoMigrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return repo, nil
}

// AutoMigrate creates or updates the schema
func (r *PostgresRepository) AutoMigrate() error {
	if err := r.db.AutoMigrate(&resourceRow{}, &accessRow{}, &withdrawalRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// UpsertAccess implements Repository. The conflict update only applies when
// the incoming purchase is not older than the stored one.
func (r *PostgresRepository) UpsertAccess(ctx context.Context, in *AccessInput) (*Access, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	row := accessRow{
		ID:            uuid.NewString(),
		ResourceID:    in.ResourceID,
		BuyerWallet:   in.BuyerWallet,
		AmountPaidWei: in.AmountPaidWei,
		PurchasedAt:   in.PurchasedAt.Unix(),
		ExpiresAt:     in.ExpiresAt,
		UsageLimit:    in.UsageLimit,
		TxHash:        in.TxHash,
		LogIndex:      in.LogIndex,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resource_id"}, {Name: "buyer_wallet"}},
			DoUpdates: clause.AssignmentColumns(accessUpdateColumns),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "accesses.purchased_at <= excluded.purchased_at"},
			}},
		}).
		Create(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to save access: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		r.logger.Debug("ignoring older purchase",
			zap.String("resource_id", in.ResourceID),
			zap.String("buyer", in.BuyerWallet),
			zap.String("tx_hash", in.TxHash))
	}

	return r.GetAccess(ctx, in.ResourceID, in.BuyerWallet)
}

// GetAccess implements Repository
func (r *PostgresRepository) GetAccess(ctx context.Context, resourceID, buyerWallet string) (*Access, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	wallet, err := normalizeWallet(buyerWallet)
	if err != nil {
		return nil, err
	}

	var row accessRow
	err = r.db.WithContext(ctx).
		Where("resource_id = ? AND buyer_wallet = ?", resourceID, wallet).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get access: %w", err)
	}
	return row.toAccess(), nil
}

// CountAccess implements Repository
func (r *PostgresRepository) CountAccess(ctx context.Context, resourceID string) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	var n int64
	if err := r.db.WithContext(ctx).Model(&accessRow{}).Where("resource_id = ?", resourceID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count access: %w", err)
	}
	return int(n), nil
}

// CreateResource implements Repository
func (r *PostgresRepository) CreateResource(ctx context.Context, in *ResourceInput) (*Resource, bool, error) {
	if r.closed.Load() {
		return nil, false, ErrClosed
	}
	if err := in.Validate(); err != nil {
		return nil, false, err
	}

	row := resourceRow{
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
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resource_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to save resource: %w", result.Error)
	}

	res, err := r.GetResource(ctx, in.ResourceID)
	if err != nil {
		return nil, false, err
	}
	return res, result.RowsAffected > 0, nil
}

// GetResource implements Repository
func (r *PostgresRepository) GetResource(ctx context.Context, resourceID string) (*Resource, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	var row resourceRow
	if err := r.db.WithContext(ctx).Where("resource_id = ?", resourceID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return row.toResource(), nil
}

// DeactivateResource implements Repository
func (r *PostgresRepository) DeactivateResource(ctx context.Context, resourceID string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	result := r.db.WithContext(ctx).
		Model(&resourceRow{}).
		Where("resource_id = ?", resourceID).
		Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate resource: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordWithdrawal implements Repository
func (r *PostgresRepository) RecordWithdrawal(ctx context.Context, in *WithdrawalInput) (bool, error) {
	if r.closed.Load() {
		return false, ErrClosed
	}
	if err := in.Validate(); err != nil {
		return false, err
	}

	row := withdrawalRow{
		TxHash:       in.TxHash,
		LogIndex:     in.LogIndex,
		SellerWallet: in.SellerWallet,
		AmountWei:    in.AmountWei,
		BlockNumber:  in.BlockNumber,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to save withdrawal: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Close closes the underlying connection pool
func (r *PostgresRepository) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (row *accessRow) toAccess() *Access {
	return &Access{
		ID:            row.ID,
		ResourceID:    row.ResourceID,
		BuyerWallet:   row.BuyerWallet,
		AmountPaidWei: row.AmountPaidWei,
		PurchasedAt:   time.Unix(row.PurchasedAt, 0).UTC(),
		ExpiresAt:     row.ExpiresAt,
		UsageLimit:    row.UsageLimit,
		TxHash:        row.TxHash,
		LogIndex:      row.LogIndex,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

func (row *resourceRow) toResource() *Resource {
	return &Resource{
		ResourceID:   row.ResourceID,
		SellerWallet: row.SellerWallet,
		Name:         row.Name,
		Description:  row.Description,
		PriceWei:     row.PriceWei,
		ServiceID:    row.ServiceID,
		ResourceType: row.ResourceType,
		CID:          row.CID,
		URL:          row.URL,
		IsActive:     row.IsActive,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}
