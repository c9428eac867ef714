package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dcabot/internal/models"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("store: not found")
	// ErrActiveCycleExists is returned when a second non-terminal cycle
	// would be created for an asset.
	ErrActiveCycleExists = errors.New("store: active cycle already exists")
)

// Store owns all durable state: assets, cycles and terminal cycle history.
// Every exported operation is a single atomic transaction.
type Store struct {
	db *gorm.DB
}

// New opens the database and migrates the schema. A postgres:// or
// postgresql:// DSN selects PostgreSQL, anything else is a SQLite path.
func New(databaseURL string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(databaseURL)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", databaseURL).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&models.Asset{}, &models.Cycle{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Asset operations

func (s *Store) GetAsset(symbol string) (*models.Asset, error) {
	var asset models.Asset
	err := s.db.First(&asset, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (s *Store) GetAssetByID(id uint) (*models.Asset, error) {
	var asset models.Asset
	err := s.db.First(&asset, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (s *Store) ListEnabledAssets() ([]models.Asset, error) {
	var assets []models.Asset
	err := s.db.Where("enabled = ?", true).Order("symbol").Find(&assets).Error
	return assets, err
}

// CreateAsset inserts a new asset row. Administration of the asset catalog
// is otherwise out of scope; this exists for bootstrap tooling and tests.
func (s *Store) CreateAsset(asset *models.Asset) error {
	return s.db.Create(asset).Error
}

func (s *Store) SetAssetLastSellPrice(assetID uint, price decimal.Decimal) error {
	res := s.db.Model(&models.Asset{}).Where("id = ?", assetID).
		Updates(map[string]any{"last_sell_price": price, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cycle operations

// GetActiveCycle returns the unique non-terminal cycle for an asset.
func (s *Store) GetActiveCycle(assetID uint) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.db.
		Where("asset_id = ? AND status NOT IN ?", assetID, models.TerminalStatuses).
		First(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// GetActiveCycleByOrderID returns the non-terminal cycle tracking the given
// broker order, if any.
func (s *Store) GetActiveCycleByOrderID(orderID string) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.db.
		Where("latest_order_id = ? AND status NOT IN ?", orderID, models.TerminalStatuses).
		First(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// GetLatestTerminalCycle returns the most recently completed or errored
// cycle for an asset.
func (s *Store) GetLatestTerminalCycle(assetID uint) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.db.
		Where("asset_id = ? AND status IN ? AND completed_at IS NOT NULL", assetID, models.TerminalStatuses).
		Order("completed_at DESC").
		First(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// ListCyclesByStatus returns all cycles in any of the given statuses.
func (s *Store) ListCyclesByStatus(statuses ...models.CycleStatus) ([]models.Cycle, error) {
	var cycles []models.Cycle
	err := s.db.Where("status IN ?", statuses).Order("asset_id, created_at").Find(&cycles).Error
	return cycles, err
}

// patchableCycleFields is the whitelist for UpdateCycle. Keys are column
// names; terminal fields (status=complete/error, completed_at) go through
// CompleteAndRollover instead.
var patchableCycleFields = map[string]bool{
	"status":                  true,
	"quantity":                true,
	"average_purchase_price":  true,
	"safety_orders":           true,
	"latest_order_id":         true,
	"latest_order_created_at": true,
	"last_order_fill_price":   true,
	"highest_trailing_price":  true,
}

// UpdateCycle applies a whitelisted field patch to a non-terminal cycle and
// bumps updated_at. A nil value clears a nullable column.
func (s *Store) UpdateCycle(id uint, patch map[string]any) error {
	for field := range patch {
		if !patchableCycleFields[field] {
			return fmt.Errorf("store: field %q is not patchable", field)
		}
	}
	if st, ok := patch["status"]; ok {
		if cs, ok := st.(models.CycleStatus); ok && cs.Terminal() {
			return fmt.Errorf("store: cannot patch cycle to terminal status %q, use CompleteAndRollover", cs)
		}
	}

	updates := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		updates[k] = v
	}
	updates["updated_at"] = time.Now().UTC()

	res := s.db.Model(&models.Cycle{}).
		Where("id = ? AND status NOT IN ?", id, models.TerminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteAndRollover atomically marks the cycle terminal and inserts a
// fresh watching cycle for the same asset. Replaying the call for an
// already-terminal cycle is a no-op that returns the existing active cycle,
// so duplicate fill events converge on the same state.
func (s *Store) CompleteAndRollover(cycleID uint, terminal models.CycleStatus, patch map[string]any) (*models.Cycle, error) {
	if !terminal.Terminal() {
		return nil, fmt.Errorf("store: %q is not a terminal status", terminal)
	}
	for field := range patch {
		if !patchableCycleFields[field] && field != "sell_price" {
			return nil, fmt.Errorf("store: field %q is not patchable", field)
		}
	}

	var fresh models.Cycle
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var old models.Cycle
		if err := tx.First(&old, "id = ?", cycleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if old.Status.Terminal() {
			// Duplicate delivery: the rollover already happened.
			if err := tx.Where("asset_id = ? AND status NOT IN ?", old.AssetID, models.TerminalStatuses).
				First(&fresh).Error; err == nil {
				return nil
			}
			// Terminal cycle but no successor: fall through and create one.
			fresh = newWatchingCycle(old.AssetID)
			return tx.Create(&fresh).Error
		}

		now := time.Now().UTC()
		updates := make(map[string]any, len(patch)+3)
		for k, v := range patch {
			updates[k] = v
		}
		updates["status"] = terminal
		updates["completed_at"] = now
		updates["updated_at"] = now
		if err := tx.Model(&models.Cycle{}).Where("id = ?", cycleID).Updates(updates).Error; err != nil {
			return err
		}

		fresh = newWatchingCycle(old.AssetID)
		if err := tx.Create(&fresh).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrActiveCycleExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &fresh, nil
}

// CreateInitialCycle inserts a watching zero-quantity cycle for an asset if
// no non-terminal cycle exists. Idempotent: the existing active cycle is
// returned when one is already there.
func (s *Store) CreateInitialCycle(assetID uint) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("asset_id = ? AND status NOT IN ?", assetID, models.TerminalStatuses).
			First(&cycle).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		cycle = newWatchingCycle(assetID)
		if err := tx.Create(&cycle).Error; err != nil {
			if isUniqueViolation(err) {
				// Concurrent creation won the race; treat as success.
				return tx.Where("asset_id = ? AND status NOT IN ?", assetID, models.TerminalStatuses).
					First(&cycle).Error
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// CountActiveCycles returns the number of non-terminal cycles for an asset.
func (s *Store) CountActiveCycles(assetID uint) (int64, error) {
	var n int64
	err := s.db.Model(&models.Cycle{}).
		Where("asset_id = ? AND status NOT IN ?", assetID, models.TerminalStatuses).
		Count(&n).Error
	return n, err
}

func newWatchingCycle(assetID uint) models.Cycle {
	return models.Cycle{
		AssetID:              assetID,
		Status:               models.StatusWatching,
		Quantity:             decimal.Zero,
		AveragePurchasePrice: decimal.Zero,
		SafetyOrders:         0,
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
