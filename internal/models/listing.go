package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a sellable service in the catalog. Trades reference listings by
// id but never dereference them during lifecycle transitions.
type Listing struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	SellerParty string          `gorm:"index" json:"seller_party"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `gorm:"type:text" json:"price"`
	Active      bool            `gorm:"default:true" json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
