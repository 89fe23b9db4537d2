// Package settlement is the sole writer of lot state and team budgets. It
// consumes the per-lot ordered queue one message at a time and applies each
// bid or finalize event inside a single database transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openlot/auctiond/internal/fanout"
	"github.com/openlot/auctiond/internal/messaging"
	"github.com/openlot/auctiond/pkg/metrics"
	"github.com/openlot/auctiond/pkg/models"
)

// Rejection reasons reported to the submitting team. These are outcomes, not
// errors; a rejected message is acknowledged and never retried.
const (
	ReasonLotNotFound    = "lot_not_found"
	ReasonLotClosed      = "lot_closed"
	ReasonStaleAmount    = "stale_amount"
	ReasonNoBudget       = "no_budget"
	ReasonBudgetExceeded = "budget_exceeded"
)

// ExpiryScheduler re-arms or cancels a lot's expiry countdown. The worker
// calls it after commit; the schedule is derived state, the lot row is the
// source of truth.
type ExpiryScheduler interface {
	Arm(lotID uuid.UUID, at time.Time)
	Cancel(lotID uuid.UUID)
}

// SnapshotInvalidator drops the cached read-path snapshot of a lot after
// settlement changes it.
type SnapshotInvalidator interface {
	InvalidateSnapshot(ctx context.Context, lotID uuid.UUID)
}

// historyTailLen bounds the bid history carried on accepted-bid events.
const historyTailLen = 5

// Worker validates and settles lot messages.
type Worker struct {
	db        *gorm.DB
	ledger    Ledger
	notifier  fanout.Publisher
	scheduler ExpiryScheduler
	cache     SnapshotInvalidator
	extension time.Duration
	logger    *zap.Logger

	// orphans remembers recent rejections for lots with no row to carry the
	// idempotency markers, so redelivering an unknown-lot bid does not
	// re-emit the rejection.
	orphans *recentIDs
}

// NewWorker creates a settlement worker. cache may be nil, in which case
// snapshot reads age out by TTL alone.
func NewWorker(db *gorm.DB, notifier fanout.Publisher, scheduler ExpiryScheduler, cache SnapshotInvalidator, extension time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		db:        db,
		notifier:  notifier,
		scheduler: scheduler,
		cache:     cache,
		extension: extension,
		logger:    logger,
		orphans:   newRecentIDs(1024),
	}
}

// recentIDs is a bounded set of message ids, evicting oldest-first.
type recentIDs struct {
	mu    sync.Mutex
	ids   map[uuid.UUID]struct{}
	order []uuid.UUID
	cap   int
}

func newRecentIDs(capacity int) *recentIDs {
	return &recentIDs{ids: make(map[uuid.UUID]struct{}, capacity), cap: capacity}
}

func (r *recentIDs) contains(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

func (r *recentIDs) add(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return
	}
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.ids, oldest)
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
}

// outcome captures what the transaction decided so side effects (fan-out,
// scheduler, metrics) run only after commit.
type outcome struct {
	duplicate bool
	accepted  *models.Bid
	tail      []models.Bid
	rejected  string // rejection reason, empty if none
	closed    bool
	rearm     *time.Time
	lot       models.Lot
}

// Handle processes one delivery to completion. It satisfies
// messaging.Handler; a returned error means transient infrastructure failure
// and leaves the message unacknowledged.
func (w *Worker) Handle(ctx context.Context, d *messaging.Delivery) error {
	start := time.Now()

	var res outcome
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch d.Message.Kind {
		case messaging.KindBid:
			return w.settleBid(tx, d, &res)
		case messaging.KindFinalize:
			return w.finalize(tx, d, &res)
		default:
			// Unknown kinds cannot succeed on retry; drop them.
			w.logger.Error("Unknown lot message kind ignored",
				zap.String("kind", d.Message.Kind),
				zap.String("lot_id", d.Message.LotID.String()))
			res.duplicate = true
			return nil
		}
	})
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	w.emit(ctx, d, &res)
	return nil
}

// emit performs post-commit side effects. A redelivered message that was
// already applied emits nothing.
func (w *Worker) emit(ctx context.Context, d *messaging.Delivery, res *outcome) {
	if res.rearm != nil {
		w.scheduler.Arm(d.Message.LotID, *res.rearm)
	}
	if res.duplicate {
		metrics.DuplicateMessages.Inc()
		return
	}
	if w.cache != nil && (res.accepted != nil || res.closed) {
		w.cache.InvalidateSnapshot(ctx, d.Message.LotID)
	}

	msg := d.Message
	switch {
	case res.accepted != nil:
		metrics.BidsSettled.WithLabelValues("accepted", "").Inc()
		amount := res.accepted.Amount
		w.notifier.PublishLotEvent(fanout.Event{
			Type:           fanout.EventBidAccepted,
			LotID:          msg.LotID,
			TeamID:         &res.accepted.TeamID,
			Amount:         &amount,
			BidHistoryTail: res.tail,
		})
		w.logger.Info("Bid accepted",
			zap.String("lot_id", msg.LotID.String()),
			zap.String("team_id", msg.TeamID.String()),
			zap.String("amount", amount.String()))
	case res.rejected != "":
		metrics.BidsSettled.WithLabelValues("rejected", res.rejected).Inc()
		w.notifier.PublishLotEvent(fanout.Event{
			Type:   fanout.EventBidRejected,
			LotID:  msg.LotID,
			TeamID: &msg.TeamID,
			Reason: res.rejected,
		})
		w.logger.Info("Bid rejected",
			zap.String("lot_id", msg.LotID.String()),
			zap.String("team_id", msg.TeamID.String()),
			zap.String("reason", res.rejected))
	case res.closed:
		metrics.LotsFinalized.WithLabelValues(res.lot.Status).Inc()
		final := res.lot.FinalAmount
		w.notifier.PublishLotEvent(fanout.Event{
			Type:        fanout.EventLotClosed,
			LotID:       msg.LotID,
			WinnerID:    res.lot.WinnerID,
			FinalAmount: &final,
		})
		w.scheduler.Cancel(msg.LotID)
		w.logger.Info("Lot closed",
			zap.String("lot_id", msg.LotID.String()),
			zap.String("status", res.lot.Status))
	}
}

// settleBid validates one bid against lot state and the team budget, applying
// it if every check passes. Rejections also advance the idempotency markers
// so a redelivery does not re-emit the rejection.
func (w *Worker) settleBid(tx *gorm.DB, d *messaging.Delivery, res *outcome) error {
	msg := d.Message

	var lot models.Lot
	if err := tx.Where("id = ?", msg.LotID).First(&lot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if w.orphans.contains(msg.ID) {
				res.duplicate = true
				return nil
			}
			w.orphans.add(msg.ID)
			res.rejected = ReasonLotNotFound
			return nil
		}
		return fmt.Errorf("failed to load lot: %w", err)
	}

	if w.alreadyProcessed(&lot, d) {
		res.duplicate = true
		return nil
	}

	if lot.Status != models.LotActive {
		res.rejected = ReasonLotClosed
		return w.markProcessed(tx, &lot, d)
	}

	floor := lot.BasePrice
	if lot.CurrentBidderID != nil {
		floor = lot.CurrentBid.Add(lot.MinIncrement)
	}
	if msg.Amount.LessThan(floor) {
		res.rejected = ReasonStaleAmount
		return w.markProcessed(tx, &lot, d)
	}

	affordable, err := w.ledger.CanAfford(tx, msg.TeamID, lot.AuctionID, msg.Amount)
	if err != nil {
		if errors.Is(err, ErrNoBudgetEntry) {
			res.rejected = ReasonNoBudget
			return w.markProcessed(tx, &lot, d)
		}
		return err
	}
	if !affordable {
		res.rejected = ReasonBudgetExceeded
		return w.markProcessed(tx, &lot, d)
	}

	now := time.Now().UTC()

	var seq int64
	if err := tx.Model(&models.Bid{}).Where("lot_id = ?", lot.ID).Count(&seq).Error; err != nil {
		return fmt.Errorf("failed to count lot bids: %w", err)
	}

	bid := models.Bid{
		ID:          uuid.New(),
		LotID:       lot.ID,
		TeamID:      msg.TeamID,
		Amount:      msg.Amount,
		SubmittedAt: msg.SubmittedAt,
		AcceptedAt:  now,
		Seq:         int(seq) + 1,
	}
	if err := tx.Create(&bid).Error; err != nil {
		return fmt.Errorf("failed to append bid: %w", err)
	}

	lot.CurrentBid = msg.Amount
	teamID := msg.TeamID
	lot.CurrentBidderID = &teamID
	// Windows only move forward; a bid never shortens one.
	newEnd := now.Add(w.extension)
	if lot.WindowEnd == nil || newEnd.After(*lot.WindowEnd) {
		lot.WindowEnd = &newEnd
	}
	lot.LastMessageID = &msg.ID
	lot.LastQueueOffset = d.Offset
	lot.UpdatedAt = now
	if err := tx.Save(&lot).Error; err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}

	tail, err := historyTail(tx, lot.ID)
	if err != nil {
		return err
	}

	res.accepted = &bid
	res.tail = tail
	res.rearm = lot.WindowEnd
	res.lot = lot
	return nil
}

// finalize drives an active lot to its terminal status when its window has
// elapsed. A finalize that raced with an accepted extension is a no-op and
// the countdown is re-armed from the persisted window.
func (w *Worker) finalize(tx *gorm.DB, d *messaging.Delivery, res *outcome) error {
	msg := d.Message

	var lot models.Lot
	if err := tx.Where("id = ?", msg.LotID).First(&lot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			res.duplicate = true
			return nil
		}
		return fmt.Errorf("failed to load lot: %w", err)
	}

	if w.alreadyProcessed(&lot, d) || lot.IsTerminal() || lot.Status == models.LotPending {
		res.duplicate = true
		return nil
	}

	now := time.Now().UTC()
	if lot.WindowEnd != nil && now.Before(*lot.WindowEnd) {
		// Window was extended after this finalize was scheduled.
		res.duplicate = true
		res.rearm = lot.WindowEnd
		return w.markProcessed(tx, &lot, d)
	}

	if lot.CurrentBidderID == nil {
		lot.Status = models.LotCancelled
	} else {
		err := w.ledger.Commit(tx, *lot.CurrentBidderID, lot.AuctionID, lot.CurrentBid)
		switch {
		case err == nil:
			lot.Status = models.LotCompleted
			lot.WinnerID = lot.CurrentBidderID
			lot.FinalAmount = lot.CurrentBid
		case errors.Is(err, ErrBudgetExceeded), errors.Is(err, ErrNoBudgetEntry):
			// The leading bid cleared its check when accepted, but wins on
			// other lots have consumed the budget since. Charging would break
			// the ledger invariant, so the lot closes unsold; the item can be
			// resubmitted.
			lot.Status = models.LotCancelled
			w.logger.Warn("Winner cannot cover spend at finalize, cancelling lot",
				zap.String("lot_id", lot.ID.String()),
				zap.String("team_id", lot.CurrentBidderID.String()),
				zap.String("amount", lot.CurrentBid.String()))
		default:
			return fmt.Errorf("failed to commit winner spend: %w", err)
		}
	}
	lot.LastMessageID = &msg.ID
	lot.LastQueueOffset = d.Offset
	lot.UpdatedAt = now
	if err := tx.Save(&lot).Error; err != nil {
		return fmt.Errorf("failed to finalize lot: %w", err)
	}

	res.closed = true
	res.lot = lot
	return nil
}

// alreadyProcessed reports whether this delivery was applied before a crash
// between commit and acknowledgment. The offset comparison covers redelivery
// windows spanning several messages; the id check covers transports without
// offsets.
func (w *Worker) alreadyProcessed(lot *models.Lot, d *messaging.Delivery) bool {
	if lot.LastMessageID != nil && *lot.LastMessageID == d.Message.ID {
		return true
	}
	if d.Offset >= 0 && lot.LastQueueOffset >= 0 && d.Offset <= lot.LastQueueOffset {
		return true
	}
	return false
}

// markProcessed advances the lot's idempotency markers without touching
// bidding state.
func (w *Worker) markProcessed(tx *gorm.DB, lot *models.Lot, d *messaging.Delivery) error {
	err := tx.Model(&models.Lot{}).Where("id = ?", lot.ID).Updates(map[string]interface{}{
		"last_message_id":   d.Message.ID,
		"last_queue_offset": d.Offset,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to record processed message: %w", err)
	}
	return nil
}

// historyTail loads the most recent accepted bids in settlement order.
func historyTail(tx *gorm.DB, lotID uuid.UUID) ([]models.Bid, error) {
	var tail []models.Bid
	err := tx.Where("lot_id = ?", lotID).
		Order("seq DESC").
		Limit(historyTailLen).
		Find(&tail).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load bid history tail: %w", err)
	}
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return tail, nil
}
