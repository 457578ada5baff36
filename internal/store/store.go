// Package store mirrors throttle state into SQLite so the status API can answer
// without reading the root-only runtime directory. The marker files remain
// the source of truth; every row here is rewritten from a decision.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/throttle"
)

// ErrNotFound is returned for a tenant with no recorded state.
var ErrNotFound = errors.New("store: tenant not found")

// Store is the state database.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ throttle.Recorder = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(path string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(&models.TenantState{}, &models.ThrottleEvent{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db, logger: logging.OrNop(log).Named("db")}
	s.logger.Debug("database opened", zap.String("path", path))
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordDecision upserts the tenant's state row and, for decisions that
// changed enforcement, appends an event.
func (s *Store) RecordDecision(ctx context.Context, d throttle.Decision) error {
	db := s.db.WithContext(ctx)

	var since *time.Time
	if d.Current.Throttled() {
		t := d.Current.Since
		since = &t
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var row models.TenantState
		err := tx.Where("tenant = ?", d.Tenant).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = models.TenantState{Tenant: d.Tenant}
		case err != nil:
			return fmt.Errorf("loading state for %s: %w", d.Tenant, err)
		}

		row.State = d.Current.State.String()
		row.Since = since
		row.UsageMiB = d.UsageMiB
		row.LimitGiB = d.LimitGiB
		row.LastAction = string(d.Action)
		row.LastEvaluated = d.At
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("saving state for %s: %w", d.Tenant, err)
		}

		switch d.Action {
		case throttle.ActionEnter, throttle.ActionLeave:
		default:
			return nil
		}
		ev := models.ThrottleEvent{
			Tenant:   d.Tenant,
			Action:   string(d.Action),
			UsageMiB: d.UsageMiB,
			LimitGiB: d.LimitGiB,
			At:       d.At,
		}
		if err := tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("recording event for %s: %w", d.Tenant, err)
		}
		return nil
	})
}

// ListStates returns every tenant's last known state, ordered by name.
func (s *Store) ListStates(ctx context.Context) ([]models.TenantState, error) {
	var rows []models.TenantState
	if err := s.db.WithContext(ctx).Order("tenant").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetState returns one tenant's last known state.
func (s *Store) GetState(ctx context.Context, tenant string) (*models.TenantState, error) {
	var row models.TenantState
	err := s.db.WithContext(ctx).Where("tenant = ?", tenant).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenant)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListEvents returns the newest events for tenant, at most limit of them.
func (s *Store) ListEvents(ctx context.Context, tenant string, limit int) ([]models.ThrottleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.ThrottleEvent
	err := s.db.WithContext(ctx).
		Where("tenant = ?", tenant).
		Order("at desc").Order("id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
