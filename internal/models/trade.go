package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a trade.
type State string

const (
	StatePending   State = "pending"
	StateLocked    State = "locked"
	StateDelivered State = "delivered"
	StateReleased  State = "released"
	StateRefunded  State = "refunded"
)

// transitions is the full edge set of the lifecycle state machine.
// delivered → refunded is deliberately absent: once delivery is claimed only
// release applies.
var transitions = map[State][]State{
	StatePending:   {StateLocked},
	StateLocked:    {StateDelivered, StateReleased, StateRefunded},
	StateDelivered: {StateReleased},
	StateReleased:  {},
	StateRefunded:  {},
}

// CanTransition reports whether the state machine permits moving from s to
// next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Active reports whether the trade still requires attention from either
// party.
func (s State) Active() bool {
	switch s {
	case StatePending, StateLocked, StateDelivered:
		return true
	}
	return false
}

// ActiveStates lists the states considered in-flight, for store scans.
func ActiveStates() []State {
	return []State{StatePending, StateLocked, StateDelivered}
}

// Trade is one escrow-mediated exchange between a buyer and a seller. Trades
// are permanent audit records and are never deleted.
type Trade struct {
	// ID is the locally generated primary key.
	ID string `gorm:"primaryKey" json:"id"`
	// ExternalID is the 32-byte correlation key (hex, 0x-prefixed) shared
	// with the ledger contract's escrow map. Immutable once assigned.
	ExternalID string `gorm:"size:66;uniqueIndex" json:"external_id"`

	ListingRef  string `json:"listing_ref"`
	BuyerParty  string `gorm:"index" json:"buyer_party"`
	SellerParty string `gorm:"index" json:"seller_party"`

	// Ledger account identifiers, distinct from the party identifiers.
	BuyerAddress  string `json:"buyer_address"`
	SellerAddress string `json:"seller_address"`

	// Amount is fixed at initiate time and stored as exact decimal text so
	// it round-trips bit-for-bit to the ledger's smallest unit.
	Amount decimal.Decimal `gorm:"type:text" json:"amount"`

	State State `gorm:"index" json:"state"`

	// Confirmation references for each money-moving transition performed.
	LockTxRef    string `json:"lock_tx_ref,omitempty"`
	ReleaseTxRef string `json:"release_tx_ref,omitempty"`
	RefundTxRef  string `json:"refund_tx_ref,omitempty"`

	// NeedsReconcile is set after a confirmation timeout left the ledger
	// outcome unknown. While set, money-moving calls must re-check the
	// ledger's own escrow record before proceeding.
	NeedsReconcile bool `json:"needs_reconcile"`

	// Version backs the store's optimistic concurrency check.
	Version int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
