// Package expiry tracks each active lot's countdown and publishes finalize
// events through the same per-lot ordered queue as bids. The in-memory timer
// map is derived state: on restart the schedule is rebuilt from persisted lot
// windows, and any lot already past its window is finalized immediately.
package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openlot/auctiond/internal/messaging"
	"github.com/openlot/auctiond/pkg/models"
)

// Scheduler maintains one countdown per active lot.
type Scheduler struct {
	producer messaging.Producer
	db       *gorm.DB
	logger   *zap.Logger

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	closed bool
}

// NewScheduler creates a scheduler publishing finalize events via producer.
func NewScheduler(producer messaging.Producer, db *gorm.DB, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		producer: producer,
		db:       db,
		logger:   logger,
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// Arm sets or re-arms the lot's countdown to fire at the given time. Each lot
// has at most one timer; a re-arm resets it rather than stacking a second
// fire.
func (s *Scheduler) Arm(lotID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	if timer, ok := s.timers[lotID]; ok {
		timer.Reset(delay)
		return
	}
	s.timers[lotID] = time.AfterFunc(delay, func() { s.fire(lotID) })
}

// Cancel drops the lot's countdown. Called when a lot reaches a terminal
// status.
func (s *Scheduler) Cancel(lotID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[lotID]; ok {
		timer.Stop()
		delete(s.timers, lotID)
	}
}

// fire publishes one finalize event for the lot. Ordering against in-flight
// bids comes from the queue partition; a finalize that lost the race against
// an extension is ignored by the worker and re-armed from lot state.
func (s *Scheduler) fire(lotID uuid.UUID) {
	s.mu.Lock()
	delete(s.timers, lotID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.producer.Publish(ctx, messaging.NewFinalizeMessage(lotID)); err != nil {
		s.logger.Error("Failed to publish finalize event, re-arming",
			zap.Error(err),
			zap.String("lot_id", lotID.String()))
		// Without the finalize event the lot would stay open forever; retry
		// shortly rather than dropping it.
		s.Arm(lotID, time.Now().Add(5*time.Second))
		return
	}

	s.logger.Info("Lot expiry fired", zap.String("lot_id", lotID.String()))
}

// Recover rebuilds the schedule from persisted lot state after a restart.
// Overdue lots get an immediate finalize; future windows are re-armed.
func (s *Scheduler) Recover(ctx context.Context) error {
	var active []models.Lot
	if err := s.db.WithContext(ctx).Where("status = ?", models.LotActive).Find(&active).Error; err != nil {
		return fmt.Errorf("failed to load active lots: %w", err)
	}

	now := time.Now().UTC()
	for _, lot := range active {
		if lot.WindowEnd == nil {
			s.logger.Warn("Active lot has no window end, skipping",
				zap.String("lot_id", lot.ID.String()))
			continue
		}
		if lot.WindowEnd.After(now) {
			s.Arm(lot.ID, *lot.WindowEnd)
		} else {
			s.Arm(lot.ID, now)
		}
	}

	s.logger.Info("Expiry schedule recovered", zap.Int("active_lots", len(active)))
	return nil
}

// Close stops all timers and prevents further arming.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
