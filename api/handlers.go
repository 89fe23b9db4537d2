package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openlot/auctiond/internal/ingress"
	"github.com/openlot/auctiond/internal/lots"
)

type submitBidBody struct {
	TeamID string `json:"team_id" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// handleSubmitBid accepts a bid and publishes it to the lot queue. A 202
// response means queued, not accepted; the settlement outcome arrives through
// the notification channel.
func (s *Server) handleSubmitBid(c *gin.Context) {
	var body submitBidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	msgID, err := s.ingress.SubmitBid(c.Request.Context(), ingress.BidRequest{
		LotID:  c.Param("id"),
		TeamID: body.TeamID,
		Amount: body.Amount,
	})
	if err != nil {
		switch {
		case errors.Is(err, ingress.ErrInvalidBid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ingress.ErrQueueUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bid queue unavailable, please resubmit"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message_id": msgID})
}

type createLotBody struct {
	AuctionID    string `json:"auction_id" binding:"required"`
	ItemID       string `json:"item_id" binding:"required"`
	BasePrice    string `json:"base_price" binding:"required"`
	MinIncrement string `json:"min_increment" binding:"required"`
}

func (s *Server) handleCreateLot(c *gin.Context) {
	var body createLotBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	auctionID, err := uuid.Parse(body.AuctionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed auction id"})
		return
	}
	itemID, err := uuid.Parse(body.ItemID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed item id"})
		return
	}
	basePrice, err := decimal.NewFromString(body.BasePrice)
	if err != nil || basePrice.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed base price"})
		return
	}
	minIncrement, err := decimal.NewFromString(body.MinIncrement)
	if err != nil || !minIncrement.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed min increment"})
		return
	}

	lot, err := s.lots.CreateLot(c.Request.Context(), auctionID, itemID, basePrice, minIncrement)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create lot"})
		return
	}

	c.JSON(http.StatusCreated, lot)
}

func (s *Server) handleGetLot(c *gin.Context) {
	lotID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed lot id"})
		return
	}

	snap, err := s.lots.GetSnapshot(c.Request.Context(), lotID)
	if err != nil {
		if errors.Is(err, lots.ErrLotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "lot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load lot"})
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleOpenLot(c *gin.Context) {
	lotID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed lot id"})
		return
	}

	lot, err := s.lots.OpenLot(c.Request.Context(), lotID)
	if err != nil {
		s.respondLifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, lot)
}

func (s *Server) handleCancelLot(c *gin.Context) {
	lotID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed lot id"})
		return
	}

	lot, err := s.lots.CancelLot(c.Request.Context(), lotID)
	if err != nil {
		s.respondLifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, lot)
}

func (s *Server) handleResubmitLot(c *gin.Context) {
	lotID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed lot id"})
		return
	}

	lot, err := s.lots.ResubmitLot(c.Request.Context(), lotID)
	if err != nil {
		s.respondLifecycleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, lot)
}

func (s *Server) respondLifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lots.ErrLotNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "lot not found"})
	case errors.Is(err, lots.ErrNotPending),
		errors.Is(err, lots.ErrNotCancellable),
		errors.Is(err, lots.ErrNotCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
