// Package messaging wraps the partitioned lot queue. All messages for one lot
// share a partition key, so the settlement worker observes them in publish
// order; delivery is at-least-once and the worker deduplicates.
package messaging

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Message kinds carried on the lot queue. Finalize events travel through the
// same per-lot partition as bids, which serializes expiry against settlement.
const (
	KindBid      = "bid"
	KindFinalize = "finalize"
)

// LotMessage is the queue envelope. ID is unique per publish and is the
// worker's idempotency token.
type LotMessage struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	LotID       uuid.UUID       `json:"lot_id"`
	TeamID      uuid.UUID       `json:"team_id,omitempty"`
	Amount      decimal.Decimal `json:"amount,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// NewBidMessage builds a bid envelope with a fresh message id.
func NewBidMessage(lotID, teamID uuid.UUID, amount decimal.Decimal, submittedAt time.Time) LotMessage {
	return LotMessage{
		ID:          uuid.New(),
		Kind:        KindBid,
		LotID:       lotID,
		TeamID:      teamID,
		Amount:      amount,
		SubmittedAt: submittedAt,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// NewFinalizeMessage builds a finalize envelope with a fresh message id.
func NewFinalizeMessage(lotID uuid.UUID) LotMessage {
	return LotMessage{
		ID:         uuid.New(),
		Kind:       KindFinalize,
		LotID:      lotID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Delivery is a consumed lot message plus its queue position. Offset is -1
// when the transport has no meaningful offset (tests, in-process queues).
type Delivery struct {
	Message   LotMessage
	Partition int
	Offset    int64
}
