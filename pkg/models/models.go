package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Lot statuses. Transitions are pending -> active -> {completed, cancelled},
// each write-once; terminal lots are never reopened in place.
const (
	LotPending   = "pending"
	LotActive    = "active"
	LotCompleted = "completed"
	LotCancelled = "cancelled"
)

// Lot represents one item's bidding session within an auction event.
// Only the settlement worker writes CurrentBid, CurrentBidderID, WindowEnd,
// WinnerID and the idempotency fields once the lot is active.
type Lot struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AuctionID uuid.UUID `json:"auction_id" gorm:"type:uuid;index" validate:"required,uuid"`
	ItemID    uuid.UUID `json:"item_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Status    string    `json:"status" validate:"required,oneof=pending active completed cancelled"`

	BasePrice    decimal.Decimal `json:"base_price" gorm:"type:decimal(20,8)"`
	MinIncrement decimal.Decimal `json:"min_increment" gorm:"type:decimal(20,8)"`

	CurrentBid      decimal.Decimal `json:"current_bid" gorm:"type:decimal(20,8)"`
	CurrentBidderID *uuid.UUID      `json:"current_bidder_id,omitempty" gorm:"type:uuid"`

	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`

	WinnerID    *uuid.UUID      `json:"winner_id,omitempty" gorm:"type:uuid"`
	FinalAmount decimal.Decimal `json:"final_amount" gorm:"type:decimal(20,8)"`

	// Settlement idempotency: identity and queue offset of the last message
	// applied to this lot. Redelivered messages at or before this point are
	// skipped without re-emitting an outcome.
	LastMessageID   *uuid.UUID `json:"-" gorm:"type:uuid"`
	LastQueueOffset int64      `json:"-" gorm:"default:-1"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the lot has reached a terminal status.
func (l *Lot) IsTerminal() bool {
	return l.Status == LotCompleted || l.Status == LotCancelled
}

// Bid is a settlement-accepted submission. Rejected bids are never stored;
// they exist only as a rejection outcome returned to the submitter.
type Bid struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	LotID       uuid.UUID       `json:"lot_id" gorm:"type:uuid;index" validate:"required,uuid"`
	TeamID      uuid.UUID       `json:"team_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(20,8)"`
	SubmittedAt time.Time       `json:"submitted_at"`
	AcceptedAt  time.Time       `json:"accepted_at"`
	// Seq is the per-lot settlement sequence; history order is settlement
	// order, not submission order.
	Seq int `json:"seq" gorm:"index:idx_bids_lot_seq"`
}

// BudgetEntry tracks a team's spendable amount for one auction event.
// Committed never exceeds TotalBudget; the settlement transaction enforces it.
type BudgetEntry struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	TeamID      uuid.UUID       `json:"team_id" gorm:"type:uuid;index:idx_budget_team_auction,unique" validate:"required,uuid"`
	AuctionID   uuid.UUID       `json:"auction_id" gorm:"type:uuid;index:idx_budget_team_auction,unique" validate:"required,uuid"`
	TotalBudget decimal.Decimal `json:"total_budget" gorm:"type:decimal(20,8)"`
	Committed   decimal.Decimal `json:"committed" gorm:"type:decimal(20,8)"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Remaining returns the uncommitted part of the budget.
func (b *BudgetEntry) Remaining() decimal.Decimal {
	return b.TotalBudget.Sub(b.Committed)
}

// Team is a bidding party. Roster management happens outside this service.
type Team struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Name      string    `json:"name" validate:"required,max=100"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Item is a biddable catalog entry. A cancelled lot's item returns to the
// pool and may be resubmitted as a brand-new pending lot.
type Item struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Name      string          `json:"name" validate:"required,max=200"`
	BasePrice decimal.Decimal `json:"base_price" gorm:"type:decimal(20,8)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AuctionEvent groups lots and budget entries.
type AuctionEvent struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Name      string    `json:"name" validate:"required,max=200"`
	Status    string    `json:"status" validate:"required,oneof=scheduled running finished"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LotSnapshot is the external read-path view of a lot, used by subscribers to
// reconcile after a missed notification.
type LotSnapshot struct {
	Lot        Lot   `json:"lot"`
	BidHistory []Bid `json:"bid_history"`
}
