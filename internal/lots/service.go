// Package lots manages lot lifecycle commands originating outside the
// settlement pipeline (operator open/cancel/resubmit) and the snapshot read
// path used for reconciliation.
package lots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openlot/auctiond/internal/settlement"
	"github.com/openlot/auctiond/pkg/models"
)

// Lifecycle command errors.
var (
	ErrLotNotFound    = errors.New("lot not found")
	ErrNotPending     = errors.New("lot is not pending")
	ErrNotCancellable = errors.New("lot can only be cancelled while pending")
	ErrNotCancelled   = errors.New("lot is not cancelled")
)

// Service implements lot lifecycle commands and snapshot reads.
type Service struct {
	db        *gorm.DB
	cache     *redis.Client
	cacheTTL  time.Duration
	scheduler settlement.ExpiryScheduler
	window    time.Duration
	logger    *zap.Logger
}

// NewService creates a lot service. cache may be nil, in which case snapshot
// reads always hit the database.
func NewService(db *gorm.DB, cache *redis.Client, cacheTTL time.Duration, scheduler settlement.ExpiryScheduler, window time.Duration, logger *zap.Logger) *Service {
	return &Service{
		db:        db,
		cache:     cache,
		cacheTTL:  cacheTTL,
		scheduler: scheduler,
		window:    window,
		logger:    logger,
	}
}

// CreateLot queues an item as a new pending lot. No timer runs until the lot
// is opened.
func (s *Service) CreateLot(ctx context.Context, auctionID, itemID uuid.UUID, basePrice, minIncrement decimal.Decimal) (*models.Lot, error) {
	now := time.Now().UTC()
	lot := models.Lot{
		ID:              uuid.New(),
		AuctionID:       auctionID,
		ItemID:          itemID,
		Status:          models.LotPending,
		BasePrice:       basePrice,
		MinIncrement:    minIncrement,
		LastQueueOffset: -1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(&lot).Error; err != nil {
		return nil, fmt.Errorf("failed to create lot: %w", err)
	}
	s.logger.Info("Lot created",
		zap.String("lot_id", lot.ID.String()),
		zap.String("item_id", itemID.String()))
	return &lot, nil
}

// OpenLot transitions a pending lot to active, starts its bidding window and
// arms the expiry countdown.
func (s *Service) OpenLot(ctx context.Context, lotID uuid.UUID) (*models.Lot, error) {
	var lot models.Lot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", lotID).First(&lot).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLotNotFound
			}
			return fmt.Errorf("failed to load lot: %w", err)
		}
		if lot.Status != models.LotPending {
			return ErrNotPending
		}

		now := time.Now().UTC()
		end := now.Add(s.window)
		lot.Status = models.LotActive
		lot.WindowStart = &now
		lot.WindowEnd = &end
		lot.UpdatedAt = now
		if err := tx.Save(&lot).Error; err != nil {
			return fmt.Errorf("failed to open lot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.scheduler.Arm(lot.ID, *lot.WindowEnd)
	s.InvalidateSnapshot(ctx, lot.ID)
	s.logger.Info("Lot opened",
		zap.String("lot_id", lot.ID.String()),
		zap.Time("window_end", *lot.WindowEnd))
	return &lot, nil
}

// CancelLot cancels a lot that has not yet opened. Once active, a lot can
// only reach a terminal state through expiry.
func (s *Service) CancelLot(ctx context.Context, lotID uuid.UUID) (*models.Lot, error) {
	var lot models.Lot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", lotID).First(&lot).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLotNotFound
			}
			return fmt.Errorf("failed to load lot: %w", err)
		}
		if lot.Status != models.LotPending {
			return ErrNotCancellable
		}

		lot.Status = models.LotCancelled
		lot.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&lot).Error; err != nil {
			return fmt.Errorf("failed to cancel lot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.InvalidateSnapshot(ctx, lot.ID)
	s.logger.Info("Lot cancelled", zap.String("lot_id", lot.ID.String()))
	return &lot, nil
}

// ResubmitLot creates a brand-new pending lot for a cancelled lot's item. The
// cancelled lot itself stays terminal.
func (s *Service) ResubmitLot(ctx context.Context, lotID uuid.UUID) (*models.Lot, error) {
	var fresh models.Lot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old models.Lot
		if err := tx.Where("id = ?", lotID).First(&old).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLotNotFound
			}
			return fmt.Errorf("failed to load lot: %w", err)
		}
		if old.Status != models.LotCancelled {
			return ErrNotCancelled
		}

		now := time.Now().UTC()
		fresh = models.Lot{
			ID:              uuid.New(),
			AuctionID:       old.AuctionID,
			ItemID:          old.ItemID,
			Status:          models.LotPending,
			BasePrice:       old.BasePrice,
			MinIncrement:    old.MinIncrement,
			LastQueueOffset: -1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Create(&fresh).Error; err != nil {
			return fmt.Errorf("failed to resubmit lot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Lot resubmitted",
		zap.String("cancelled_lot_id", lotID.String()),
		zap.String("new_lot_id", fresh.ID.String()))
	return &fresh, nil
}

// GetSnapshot returns the current lot state with its full bid history. Reads
// go through a short-lived cache; settlement truth lives in the database.
func (s *Service) GetSnapshot(ctx context.Context, lotID uuid.UUID) (*models.LotSnapshot, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, snapshotKey(lotID)).Bytes(); err == nil {
			var snap models.LotSnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return &snap, nil
			}
		}
	}

	var lot models.Lot
	if err := s.db.WithContext(ctx).Where("id = ?", lotID).First(&lot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLotNotFound
		}
		return nil, fmt.Errorf("failed to load lot: %w", err)
	}

	var history []models.Bid
	if err := s.db.WithContext(ctx).Where("lot_id = ?", lotID).Order("seq ASC").Find(&history).Error; err != nil {
		return nil, fmt.Errorf("failed to load bid history: %w", err)
	}

	snap := &models.LotSnapshot{Lot: lot, BidHistory: history}

	if s.cache != nil {
		if data, err := json.Marshal(snap); err == nil {
			if err := s.cache.Set(ctx, snapshotKey(lotID), data, s.cacheTTL).Err(); err != nil {
				s.logger.Warn("Failed to cache lot snapshot", zap.Error(err))
			}
		}
	}

	return snap, nil
}

// InvalidateSnapshot drops the cached snapshot so the next read reflects
// settlement. Called here on lifecycle commands and by the settlement worker
// after each committed outcome.
func (s *Service) InvalidateSnapshot(ctx context.Context, lotID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, snapshotKey(lotID)).Err(); err != nil {
		s.logger.Warn("Failed to invalidate lot snapshot", zap.Error(err))
	}
}

func snapshotKey(lotID uuid.UUID) string {
	return "lot:snapshot:" + lotID.String()
}
