package tenants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable tenant registry.
type Store interface {
	// List returns every tenant row.
	List(ctx context.Context) ([]Tenant, error)
	// Get returns the config for a single tenant or ErrTenantNotFound.
	Get(ctx context.Context, id string) (TenantConfig, error)
	// Upsert creates or fully replaces a tenant's config.
	Upsert(ctx context.Context, id string, cfg TenantConfig) error
	// Delete removes a tenant row or returns ErrTenantNotFound.
	Delete(ctx context.Context, id string) error
}

// tenantRecord is the row stored in the tenants table.
type tenantRecord struct {
	ID        string       `gorm:"primaryKey;column:id"`
	Config    TenantConfig `gorm:"column:config;type:jsonb;serializer:json;not null"`
	CreatedAt time.Time    `gorm:"column:created_at"`
	UpdatedAt time.Time    `gorm:"column:updated_at"`
}

func (tenantRecord) TableName() string { return "tenants" }

// GormStore is a Store backed by the multitenant database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the tenants table.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&tenantRecord{})
}

// Ping checks connectivity to the underlying database.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *GormStore) List(ctx context.Context) ([]Tenant, error) {
	var records []tenantRecord
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: list tenants: %w", ErrStoreUnavailable, err)
	}
	out := make([]Tenant, 0, len(records))
	for _, r := range records {
		out = append(out, Tenant{ID: r.ID, Config: r.Config})
	}
	return out, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (TenantConfig, error) {
	var record tenantRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TenantConfig{}, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if err != nil {
		return TenantConfig{}, fmt.Errorf("%w: get tenant %s: %w", ErrStoreUnavailable, id, err)
	}
	return record.Config, nil
}

func (s *GormStore) Upsert(ctx context.Context, id string, cfg TenantConfig) error {
	record := tenantRecord{ID: id, Config: cfg}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("%w: upsert tenant %s: %w", ErrStoreUnavailable, id, err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&tenantRecord{})
	if result.Error != nil {
		return fmt.Errorf("%w: delete tenant %s: %w", ErrStoreUnavailable, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return nil
}
