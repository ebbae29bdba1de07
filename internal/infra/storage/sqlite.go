package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// AssetPrice is the shared price table row: one live row per asset key,
// last-write-wins on conflict.
type AssetPrice struct {
	AssetKey  string           `gorm:"primaryKey;column:asset_key" json:"asset_key"`
	PriceUSD  decimal.Decimal  `gorm:"column:price_usd" json:"price_usd"`
	Change24h *decimal.Decimal `gorm:"column:change_24h" json:"change_24h,omitempty"`
	Source    string           `gorm:"column:source" json:"source"`
	UpdatedAt time.Time        `gorm:"column:updated_at;index" json:"updated_at"`
}

// CacheEntry backs the persistent local cache: namespaced key, opaque
// payload, absolute expiry.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;column:key"`
	Value     []byte    `gorm:"column:value"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
}

// Storage wraps the SQLite database shared between sessions.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at path and migrates
// the schema. An empty path resolves to the per-user data directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		var err error
		path, err = defaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&AssetPrice{}, &CacheEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// NewStorageWithDB wraps an already-open gorm DB (used by tests).
func NewStorageWithDB(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&AssetPrice{}, &CacheEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// defaultDBPath resolves the database file path based on OS
func defaultDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "CryptoVaultX", "data", "prices.db"), nil
}

// ======================================================================================
// Price Operations
// ======================================================================================

// GetFresh returns rows for the requested keys whose updated_at is within
// maxAge of now. Stale rows are excluded, never deleted.
func (s *Storage) GetFresh(ctx context.Context, assetKeys []string, maxAge time.Duration) (map[string]domain.PriceRecord, error) {
	out := make(map[string]domain.PriceRecord, len(assetKeys))
	if len(assetKeys) == 0 {
		return out, nil
	}

	threshold := time.Now().Add(-maxAge)
	var rows []AssetPrice
	err := s.db.WithContext(ctx).
		Where("asset_key IN ? AND updated_at >= ?", assetKeys, threshold).
		Find(&rows).Error
	if err != nil {
		return out, &domain.StoreError{Op: "get_fresh", Err: err}
	}

	for _, row := range rows {
		out[row.AssetKey] = row.toRecord()
	}
	return out, nil
}

// Upsert writes the given records in one batch, keyed by asset_key with
// last-write-wins conflict resolution.
func (s *Storage) Upsert(ctx context.Context, records []domain.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]AssetPrice, 0, len(records))
	for _, rec := range records {
		if rec.AssetKey == "" || !rec.PriceUSD.IsPositive() {
			continue
		}
		rows = append(rows, AssetPrice{
			AssetKey:  rec.AssetKey,
			PriceUSD:  rec.PriceUSD,
			Change24h: rec.Change24h,
			Source:    rec.Source,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"price_usd", "change_24h", "source", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return &domain.StoreError{Op: "upsert", Err: err}
	}
	return nil
}

// Count returns the number of rows in the price table.
func (s *Storage) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&AssetPrice{}).Count(&n).Error; err != nil {
		return 0, &domain.StoreError{Op: "count", Err: err}
	}
	return n, nil
}

// LastUpdate returns the newest updated_at in the price table, or the
// zero time when the table is empty.
func (s *Storage) LastUpdate(ctx context.Context) (time.Time, error) {
	var row AssetPrice
	err := s.db.WithContext(ctx).Order("updated_at DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &domain.StoreError{Op: "last_update", Err: err}
	}
	return row.UpdatedAt, nil
}

func (p AssetPrice) toRecord() domain.PriceRecord {
	return domain.PriceRecord{
		AssetKey:  p.AssetKey,
		PriceUSD:  p.PriceUSD,
		Change24h: p.Change24h,
		UpdatedAt: p.UpdatedAt,
		Source:    p.Source,
	}
}

// ======================================================================================
// Cache Entry Operations (persistent local cache backing)
// ======================================================================================

// PutCacheEntry stores a cache entry, replacing any previous value.
func (s *Storage) PutCacheEntry(key string, value []byte, expiresAt time.Time) error {
	entry := CacheEntry{Key: key, Value: value, ExpiresAt: expiresAt}
	if err := s.db.Save(&entry).Error; err != nil {
		return &domain.StoreError{Op: "cache_put", Err: err}
	}
	return nil
}

// GetCacheEntry retrieves a cache entry; nil when absent.
func (s *Storage) GetCacheEntry(key string) (*CacheEntry, error) {
	var entry CacheEntry
	err := s.db.First(&entry, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "cache_get", Err: err}
	}
	return &entry, nil
}

// DeleteCacheEntry removes a cache entry.
func (s *Storage) DeleteCacheEntry(key string) error {
	if err := s.db.Where("key = ?", key).Delete(&CacheEntry{}).Error; err != nil {
		return &domain.StoreError{Op: "cache_delete", Err: err}
	}
	return nil
}

// CacheStats returns the count and total payload size of unexpired
// entries under the given key prefix.
func (s *Storage) CacheStats(prefix string) (count int, sizeBytes int64, err error) {
	type stats struct {
		N    int
		Size int64
	}
	var st stats
	err = s.db.Model(&CacheEntry{}).
		Select("COUNT(*) AS n, COALESCE(SUM(LENGTH(value)), 0) AS size").
		Where("key LIKE ? AND expires_at > ?", prefix+"%", time.Now()).
		Scan(&st).Error
	if err != nil {
		return 0, 0, &domain.StoreError{Op: "cache_stats", Err: err}
	}
	return st.N, st.Size, nil
}
