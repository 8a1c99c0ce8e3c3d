// Package profilestore persists domain profiles (per-hostname filter rule
// overlays) to SQLite via GORM.
package profilestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/revamp-proxy/revampd/internal/filterengine"
)

// ErrNotFound is returned when no profile exists for a hostname.
var ErrNotFound = errors.New("profilestore: not found")

// Rule is the persisted form of a filterengine.Rule.
type Rule struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Hostname  string `gorm:"index"`
	Type      string
	Pattern   string
	Enabled   bool
	Action    string
	CreatedAt int64
	UpdatedAt int64
}

// TableName pins the GORM table name explicitly, matching the teacher's
// convention of not relying on pluralization inference for domain terms.
func (Rule) TableName() string { return "domain_rules" }

// Store persists and retrieves domain profiles.
type Store struct {
	dbPath string
	db     *gorm.DB
}

// New creates a Store backed by a SQLite file at dataDir/profiles.db.
func New(dataDir string) *Store {
	return &Store{dbPath: filepath.Join(dataDir, "profiles.db")}
}

// Init opens the database and runs auto-migration.
func (s *Store) Init(ctx context.Context) error {
	db, err := gorm.Open(sqlite.Open(s.dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open profile database: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&Rule{}); err != nil {
		return fmt.Errorf("migrate profile database: %w", err)
	}
	s.db = db
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetProfile loads the domain profile for hostname, or ErrNotFound if no
// rules are stored for it.
func (s *Store) GetProfile(ctx context.Context, hostname string) (*filterengine.Profile, error) {
	var rows []Rule
	if err := s.db.WithContext(ctx).Where("hostname = ?", hostname).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	profile := &filterengine.Profile{Hostname: hostname}
	for _, r := range rows {
		profile.Rules = append(profile.Rules, filterengine.Rule{
			Type:    filterengine.RuleType(r.Type),
			Pattern: r.Pattern,
			Enabled: r.Enabled,
			Action:  filterengine.Action(r.Action),
		})
	}
	return profile, nil
}

// UpsertRule adds or replaces a single rule identified by
// (hostname, type, pattern) within a domain profile.
func (s *Store) UpsertRule(ctx context.Context, hostname string, rule filterengine.Rule) error {
	now := time.Now().UnixMilli()
	var existing Rule
	err := s.db.WithContext(ctx).Where(
		"hostname = ? AND type = ? AND pattern = ?", hostname, string(rule.Type), rule.Pattern,
	).First(&existing).Error

	if err == nil {
		existing.Enabled = rule.Enabled
		existing.Action = string(rule.Action)
		existing.UpdatedAt = now
		return s.db.WithContext(ctx).Save(&existing).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return s.db.WithContext(ctx).Create(&Rule{
		Hostname:  hostname,
		Type:      string(rule.Type),
		Pattern:   rule.Pattern,
		Enabled:   rule.Enabled,
		Action:    string(rule.Action),
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
}

// DeleteProfile removes every rule for a hostname.
func (s *Store) DeleteProfile(ctx context.Context, hostname string) error {
	return s.db.WithContext(ctx).Where("hostname = ?", hostname).Delete(&Rule{}).Error
}

// ListHostnames returns every hostname with at least one stored rule.
func (s *Store) ListHostnames(ctx context.Context) ([]string, error) {
	var hostnames []string
	err := s.db.WithContext(ctx).Model(&Rule{}).Distinct().Pluck("hostname", &hostnames).Error
	return hostnames, err
}
