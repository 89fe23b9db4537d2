package settlement

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openlot/auctiond/pkg/models"
)

// ErrBudgetExceeded is returned by Commit when the spend would push a team's
// committed total past its budget. The worker validates before committing, so
// seeing this error means the budget row changed outside the pipeline.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrNoBudgetEntry is returned when a team has no budget row for the auction.
var ErrNoBudgetEntry = errors.New("no budget entry")

// Ledger reads and mutates team budgets. Every method takes the caller's open
// transaction handle; budget checks and lot settlement always share one
// transaction so there is no check-then-act window.
type Ledger struct{}

// Entry loads the team's budget row for an auction within tx.
func (Ledger) Entry(tx *gorm.DB, teamID, auctionID uuid.UUID) (*models.BudgetEntry, error) {
	var entry models.BudgetEntry
	err := tx.Where("team_id = ? AND auction_id = ?", teamID, auctionID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoBudgetEntry
		}
		return nil, fmt.Errorf("failed to load budget entry: %w", err)
	}
	return &entry, nil
}

// CanAfford reports whether committing amount would keep the team within
// budget.
func (l Ledger) CanAfford(tx *gorm.DB, teamID, auctionID uuid.UUID, amount decimal.Decimal) (bool, error) {
	entry, err := l.Entry(tx, teamID, auctionID)
	if err != nil {
		return false, err
	}
	return entry.Committed.Add(amount).LessThanOrEqual(entry.TotalBudget), nil
}

// Commit records a won lot's spend. It is the only mutator of Committed and
// runs only inside the settlement transaction that completes the lot.
func (l Ledger) Commit(tx *gorm.DB, teamID, auctionID uuid.UUID, amount decimal.Decimal) error {
	entry, err := l.Entry(tx, teamID, auctionID)
	if err != nil {
		return err
	}

	committed := entry.Committed.Add(amount)
	if committed.GreaterThan(entry.TotalBudget) {
		return ErrBudgetExceeded
	}

	if err := tx.Model(&models.BudgetEntry{}).
		Where("id = ?", entry.ID).
		Update("committed", committed).Error; err != nil {
		return fmt.Errorf("failed to commit budget spend: %w", err)
	}
	return nil
}
