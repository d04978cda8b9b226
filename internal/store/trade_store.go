// Package store provides durable keyed storage for trades and listings on
// top of gorm. Every successful write is persisted before the call returns.
package store

import (
	"errors"

	"gorm.io/gorm"

	"escrow-engine-go/internal/errs"
	"escrow-engine-go/internal/models"
)

// TradeStore is the durable trade ledger. Updates are guarded by an
// optimistic version check per record: a concurrent update for the same id
// fails fast with Conflict instead of silently overwriting a transition.
type TradeStore struct {
	db *gorm.DB
}

// NewTradeStore creates a TradeStore backed by the given database.
func NewTradeStore(db *gorm.DB) *TradeStore {
	return &TradeStore{db: db}
}

// Insert persists a new trade. Fails with Conflict if the id is already
// present.
func (s *TradeStore) Insert(trade *models.Trade) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Trade
		err := tx.First(&existing, "id = ?", trade.ID).Error
		if err == nil {
			return errs.New(errs.KindConflict, "trade %s already exists", trade.ID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		trade.Version = 1
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
		return nil
	})
}

// Get loads a trade by id.
func (s *TradeStore) Get(id string) (*models.Trade, error) {
	var trade models.Trade
	if err := s.db.First(&trade, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindNotFound, "trade %s not found", id)
		}
		return nil, err
	}
	return &trade, nil
}

// GetByExternalID loads a trade by its ledger correlation key, for
// reconciliation lookups.
func (s *TradeStore) GetByExternalID(externalID string) (*models.Trade, error) {
	var trade models.Trade
	if err := s.db.First(&trade, "external_id = ?", externalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindNotFound, "trade with external id %s not found", externalID)
		}
		return nil, err
	}
	return &trade, nil
}

// Update atomically applies a pure mutation to the trade. The read, the
// mutation and the conditional write happen against one version of the
// record; if another writer got there first the version check fails and the
// caller sees Conflict with no data written.
func (s *TradeStore) Update(id string, mutate func(*models.Trade) error) (*models.Trade, error) {
	var updated models.Trade

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var trade models.Trade
		if err := tx.First(&trade, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.New(errs.KindNotFound, "trade %s not found", id)
			}
			return err
		}

		loadedVersion := trade.Version
		if err := mutate(&trade); err != nil {
			return err
		}
		trade.Version = loadedVersion + 1

		res := tx.Model(&models.Trade{}).
			Where("id = ? AND version = ?", id, loadedVersion).
			Select("*").Omit("id", "created_at").
			Updates(&trade)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.New(errs.KindConflict, "concurrent update on trade %s", id)
		}

		return tx.First(&updated, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListByParty returns every trade where the party appears on either side,
// oldest first.
func (s *TradeStore) ListByParty(partyID string) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.
		Where("buyer_party = ? OR seller_party = ?", partyID, partyID).
		Order("created_at asc").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// ListActive returns every trade still in flight, oldest first.
func (s *TradeStore) ListActive() ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.
		Where("state IN ?", models.ActiveStates()).
		Order("created_at asc").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}
