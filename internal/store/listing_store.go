package store

import (
	"errors"

	"gorm.io/gorm"

	"escrow-engine-go/internal/errs"
	"escrow-engine-go/internal/models"
)

// ListingStore is the keyed catalog of sellable services.
type ListingStore struct {
	db *gorm.DB
}

// NewListingStore creates a ListingStore backed by the given database.
func NewListingStore(db *gorm.DB) *ListingStore {
	return &ListingStore{db: db}
}

// Insert persists a new listing. Fails with Conflict on a duplicate id.
func (s *ListingStore) Insert(listing *models.Listing) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Listing
		err := tx.First(&existing, "id = ?", listing.ID).Error
		if err == nil {
			return errs.New(errs.KindConflict, "listing %s already exists", listing.ID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(listing).Error
	})
}

// Get loads a listing by id.
func (s *ListingStore) Get(id string) (*models.Listing, error) {
	var listing models.Listing
	if err := s.db.First(&listing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindNotFound, "listing %s not found", id)
		}
		return nil, err
	}
	return &listing, nil
}

// List returns listings, optionally filtered by seller, newest first.
func (s *ListingStore) List(sellerParty string) ([]models.Listing, error) {
	q := s.db.Order("created_at desc")
	if sellerParty != "" {
		q = q.Where("seller_party = ?", sellerParty)
	}
	var listings []models.Listing
	if err := q.Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}
