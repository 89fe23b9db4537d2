package lots

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/openlot/auctiond/pkg/models"
)

type fakeScheduler struct {
	mu        sync.Mutex
	armed     map[uuid.UUID]time.Time
	cancelled []uuid.UUID
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[uuid.UUID]time.Time)}
}

func (f *fakeScheduler) Arm(lotID uuid.UUID, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[lotID] = at
}

func (f *fakeScheduler) Cancel(lotID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, lotID)
}

func newTestService(t *testing.T) (*Service, *fakeScheduler, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Lot{}, &models.Bid{}))

	scheduler := newFakeScheduler()
	svc := NewService(db, nil, time.Minute, scheduler, time.Minute, zap.NewNop())
	return svc, scheduler, db
}

func TestCreateLotStartsPending(t *testing.T) {
	svc, scheduler, _ := newTestService(t)
	ctx := context.Background()

	lot, err := svc.CreateLot(ctx, uuid.New(), uuid.New(), decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.NoError(t, err)

	assert.Equal(t, models.LotPending, lot.Status)
	assert.Nil(t, lot.WindowStart)
	assert.Nil(t, lot.WindowEnd)
	assert.Equal(t, int64(-1), lot.LastQueueOffset)
	assert.Empty(t, scheduler.armed)
}

func TestOpenLotActivatesAndArms(t *testing.T) {
	svc, scheduler, _ := newTestService(t)
	ctx := context.Background()

	lot, err := svc.CreateLot(ctx, uuid.New(), uuid.New(), decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.NoError(t, err)

	before := time.Now().UTC()
	opened, err := svc.OpenLot(ctx, lot.ID)
	require.NoError(t, err)

	assert.Equal(t, models.LotActive, opened.Status)
	require.NotNil(t, opened.WindowEnd)
	assert.False(t, opened.WindowEnd.Before(before.Add(time.Minute)))

	armedAt, ok := scheduler.armed[lot.ID]
	require.True(t, ok)
	assert.True(t, armedAt.Equal(*opened.WindowEnd))

	// Opening twice is rejected.
	_, err = svc.OpenLot(ctx, lot.ID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestOpenLotNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.OpenLot(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrLotNotFound)
}

func TestCancelLotOnlyWhilePending(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	lot, err := svc.CreateLot(ctx, uuid.New(), uuid.New(), decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.NoError(t, err)

	cancelled, err := svc.CancelLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LotCancelled, cancelled.Status)

	// Active lots reach terminal states only through expiry.
	active, err := svc.CreateLot(ctx, uuid.New(), uuid.New(), decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = svc.OpenLot(ctx, active.ID)
	require.NoError(t, err)

	_, err = svc.CancelLot(ctx, active.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestResubmitCreatesFreshPendingLot(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	lot, err := svc.CreateLot(ctx, uuid.New(), uuid.New(), decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = svc.CancelLot(ctx, lot.ID)
	require.NoError(t, err)

	fresh, err := svc.ResubmitLot(ctx, lot.ID)
	require.NoError(t, err)

	assert.NotEqual(t, lot.ID, fresh.ID)
	assert.Equal(t, lot.ItemID, fresh.ItemID)
	assert.Equal(t, lot.AuctionID, fresh.AuctionID)
	assert.Equal(t, models.LotPending, fresh.Status)
	assert.True(t, fresh.BasePrice.Equal(lot.BasePrice))
	assert.True(t, fresh.MinIncrement.Equal(lot.MinIncrement))

	// The cancelled lot stays terminal.
	var old models.Lot
	require.NoError(t, db.Where("id = ?", lot.ID).First(&old).Error)
	assert.Equal(t, models.LotCancelled, old.Status)
}

func TestResubmitRequiresCancelledLot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	lot, err := svc.CreateLot(ctx, uuid.New(), uuid.New(), decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.NoError(t, err)

	_, err = svc.ResubmitLot(ctx, lot.ID)
	assert.ErrorIs(t, err, ErrNotCancelled)

	_, err = svc.ResubmitLot(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrLotNotFound)
}

func TestGetSnapshotIncludesOrderedHistory(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	lot, err := svc.CreateLot(ctx, uuid.New(), uuid.New(), decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.NoError(t, err)

	team := uuid.New()
	now := time.Now().UTC()
	for i, amount := range []int64{100, 120, 150} {
		bid := models.Bid{
			ID:          uuid.New(),
			LotID:       lot.ID,
			TeamID:      team,
			Amount:      decimal.NewFromInt(amount),
			SubmittedAt: now,
			AcceptedAt:  now,
			Seq:         i + 1,
		}
		require.NoError(t, db.Create(&bid).Error)
	}

	snap, err := svc.GetSnapshot(ctx, lot.ID)
	require.NoError(t, err)

	assert.Equal(t, lot.ID, snap.Lot.ID)
	require.Len(t, snap.BidHistory, 3)
	for i, bid := range snap.BidHistory {
		assert.Equal(t, i+1, bid.Seq)
	}
	assert.True(t, snap.BidHistory[2].Amount.Equal(decimal.NewFromInt(150)))
}

func TestGetSnapshotNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GetSnapshot(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrLotNotFound)
}
