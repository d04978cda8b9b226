package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"escrow-engine-go/internal/errs"
	"escrow-engine-go/internal/models"
)

// EscrowState is the ledger contract's own state for an escrow entry, a
// small integer on the wire.
type EscrowState uint8

const (
	EscrowNone     EscrowState = 0
	EscrowLocked   EscrowState = 1
	EscrowReleased EscrowState = 2
	EscrowRefunded EscrowState = 3
)

// String renders the ledger-side state for logs.
func (s EscrowState) String() string {
	switch s {
	case EscrowNone:
		return "none"
	case EscrowLocked:
		return "locked"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	}
	return "unknown"
}

// TradeState maps the ledger-side state to its single local interpretation.
// NONE means the ledger never saw the escrow, which locally is a pending
// trade. An unmapped value is surfaced as a ledger rejection rather than
// silently interpreted.
func (s EscrowState) TradeState() (models.State, error) {
	switch s {
	case EscrowNone:
		return models.StatePending, nil
	case EscrowLocked:
		return models.StateLocked, nil
	case EscrowReleased:
		return models.StateReleased, nil
	case EscrowRefunded:
		return models.StateRefunded, nil
	}
	return "", errs.New(errs.KindLedgerRejected, "unmapped ledger escrow state %d", uint8(s))
}

// EscrowRecord is the ledger's authoritative record for one escrow entry,
// used for reconciliation after an ambiguous outcome.
type EscrowRecord struct {
	State     EscrowState
	Seller    common.Address
	Amount    decimal.Decimal
	LockTx    string
	ReleaseTx string
	RefundTx  string
}

// Wire types for the gateway's JSON API.

type txSubmitResponse struct {
	TxHash string `json:"tx_hash"`
}

type txStatusResponse struct {
	Status string `json:"status"` // "pending", "confirmed" or "rejected"
	Reason string `json:"reason,omitempty"`
}

type escrowResponse struct {
	State     uint8  `json:"state"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	LockTx    string `json:"lock_tx,omitempty"`
	ReleaseTx string `json:"release_tx,omitempty"`
	RefundTx  string `json:"refund_tx,omitempty"`
}

type allowanceResponse struct {
	Allowance string `json:"allowance"`
}

type statusResponse struct {
	Height uint64 `json:"height"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
