// Package ingress accepts bid submissions, performs structural validation
// only, and publishes to the ordered lot queue. It never reads or writes lot
// state; business validation happens at settlement.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openlot/auctiond/internal/messaging"
	"github.com/openlot/auctiond/pkg/metrics"
)

// ErrInvalidBid marks a structurally malformed submission. The caller is
// notified synchronously and nothing is queued.
var ErrInvalidBid = errors.New("invalid bid")

// ErrQueueUnavailable marks a transient publish failure. The bid was not
// queued and must be resubmitted by the caller.
var ErrQueueUnavailable = errors.New("bid queue unavailable")

// BidRequest is the inbound submission payload.
type BidRequest struct {
	LotID  string `json:"lot_id" validate:"required,uuid"`
	TeamID string `json:"team_id" validate:"required,uuid"`
	Amount string `json:"amount" validate:"required"`
}

// Service publishes validated bids to the lot queue.
type Service struct {
	producer messaging.Producer
	validate *validator.Validate
	logger   *zap.Logger
}

// NewService creates a bid ingress service.
func NewService(producer messaging.Producer, logger *zap.Logger) *Service {
	return &Service{
		producer: producer,
		validate: validator.New(),
		logger:   logger,
	}
}

// SubmitBid validates the payload shape, stamps the server-observed
// submission time and publishes one message keyed by lot. It returns the
// queue message id for correlation.
func (s *Service) SubmitBid(ctx context.Context, req BidRequest) (uuid.UUID, error) {
	if err := s.validate.Struct(req); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidBid, err)
	}

	lotID, err := uuid.Parse(req.LotID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed lot id", ErrInvalidBid)
	}
	teamID, err := uuid.Parse(req.TeamID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed team id", ErrInvalidBid)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed amount", ErrInvalidBid)
	}
	if !amount.IsPositive() {
		return uuid.Nil, fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	}

	msg := messaging.NewBidMessage(lotID, teamID, amount, time.Now().UTC())
	if err := s.producer.Publish(ctx, msg); err != nil {
		s.logger.Error("Failed to publish bid",
			zap.Error(err),
			zap.String("lot_id", lotID.String()),
			zap.String("team_id", teamID.String()))
		return uuid.Nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	metrics.BidsIngested.Inc()
	return msg.ID, nil
}
