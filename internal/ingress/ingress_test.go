package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openlot/auctiond/internal/messaging"
)

type fakeProducer struct {
	mu        sync.Mutex
	published []messaging.LotMessage
	err       error
}

func (f *fakeProducer) Publish(ctx context.Context, msg messaging.LotMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestSubmitBidPublishesEnvelope(t *testing.T) {
	producer := &fakeProducer{}
	svc := NewService(producer, zap.NewNop())

	lotID := uuid.New()
	teamID := uuid.New()
	msgID, err := svc.SubmitBid(context.Background(), BidRequest{
		LotID:  lotID.String(),
		TeamID: teamID.String(),
		Amount: "125.50",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, msgID)

	require.Len(t, producer.published, 1)
	msg := producer.published[0]
	assert.Equal(t, msgID, msg.ID)
	assert.Equal(t, messaging.KindBid, msg.Kind)
	assert.Equal(t, lotID, msg.LotID)
	assert.Equal(t, teamID, msg.TeamID)
	assert.True(t, msg.Amount.Equal(decimal.RequireFromString("125.50")))
	assert.False(t, msg.SubmittedAt.IsZero())
}

func TestSubmitBidRejectsMalformedInput(t *testing.T) {
	producer := &fakeProducer{}
	svc := NewService(producer, zap.NewNop())
	ctx := context.Background()

	valid := BidRequest{LotID: uuid.NewString(), TeamID: uuid.NewString(), Amount: "100"}

	cases := []struct {
		name string
		req  BidRequest
	}{
		{"missing lot id", BidRequest{TeamID: valid.TeamID, Amount: valid.Amount}},
		{"bad lot id", BidRequest{LotID: "not-a-uuid", TeamID: valid.TeamID, Amount: valid.Amount}},
		{"bad team id", BidRequest{LotID: valid.LotID, TeamID: "nope", Amount: valid.Amount}},
		{"missing amount", BidRequest{LotID: valid.LotID, TeamID: valid.TeamID}},
		{"bad amount", BidRequest{LotID: valid.LotID, TeamID: valid.TeamID, Amount: "abc"}},
		{"zero amount", BidRequest{LotID: valid.LotID, TeamID: valid.TeamID, Amount: "0"}},
		{"negative amount", BidRequest{LotID: valid.LotID, TeamID: valid.TeamID, Amount: "-5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitBid(ctx, tc.req)
			assert.ErrorIs(t, err, ErrInvalidBid)
		})
	}

	// Nothing reached the queue.
	assert.Empty(t, producer.published)
}

func TestSubmitBidQueueFailure(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	svc := NewService(producer, zap.NewNop())

	_, err := svc.SubmitBid(context.Background(), BidRequest{
		LotID:  uuid.NewString(),
		TeamID: uuid.NewString(),
		Amount: "100",
	})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}
