// Package sqlite implements the key-value store on SQLite via GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/binomepay/binomepay-go/internal/platform/cfg"
	"github.com/binomepay/binomepay-go/internal/platform/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

// Options are decoded from [storage.drivers.sqlite].
type Options struct {
	File string `mapstructure:"file"`
}

// ApplyDefaults sets the default database file name.
func (o *Options) ApplyDefaults() {
	if o.File == "" {
		o.File = "binomepay.db"
	}
}

// Entry is one row of the kv_entries table.
type Entry struct {
	Key       string `gorm:"column:entry_key;primaryKey"`
	Value     []byte `gorm:"not null"`
	UpdatedAt int64  `gorm:"not null"`
}

// TableName implements the GORM tabler interface.
func (Entry) TableName() string { return "kv_entries" }

// Store persists entries in a single SQLite table.
type Store struct {
	db *gorm.DB
}

// NewDriver opens the database under cfg.DataDir and migrates the schema.
func NewDriver(c *store.DriverConfig) (store.Store, error) {
	if c.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}
	var opts Options
	if err := cfg.Decode(c.Options, &opts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return Open(filepath.Join(c.DataDir, opts.File))
}

// Open opens dsn (a file path or ":memory:") and runs AutoMigrate.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var e Entry
	err := s.db.WithContext(ctx).First(&e, "entry_key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return e.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	e := Entry{Key: key, Value: value, UpdatedAt: time.Now().UnixMilli()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&Entry{}, "entry_key = ?", key).Error
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("substr(entry_key, 1, ?) = ?", len(prefix), prefix).
		Order("entry_key").
		Pluck("entry_key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ store.Store = (*Store)(nil)
