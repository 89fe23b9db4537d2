// Package fanout broadcasts lot outcome events to connected subscribers.
// Delivery is best-effort and at-most-once per connection; a missed event is
// recovered by re-fetching the lot snapshot, never by blocking settlement.
package fanout

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openlot/auctiond/pkg/models"
)

// Event types emitted to lot subscribers.
const (
	EventBidAccepted = "bid-accepted"
	EventBidRejected = "bid-rejected"
	EventLotClosed   = "lot-closed"
)

// Event is one lot outcome notification.
type Event struct {
	Type           string           `json:"type"`
	LotID          uuid.UUID        `json:"lot_id"`
	TeamID         *uuid.UUID       `json:"team_id,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	WinnerID       *uuid.UUID       `json:"winner_id,omitempty"`
	FinalAmount    *decimal.Decimal `json:"final_amount,omitempty"`
	BidHistoryTail []models.Bid     `json:"bid_history_tail,omitempty"`
}

// Publisher delivers lot events to subscribers. Implementations must not
// block the caller.
type Publisher interface {
	PublishLotEvent(ev Event)
}

// LotTopic returns the subscription topic for a lot.
func LotTopic(lotID uuid.UUID) string {
	return "lot:" + lotID.String()
}
