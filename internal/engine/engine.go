// Package engine orchestrates the trade lifecycle: it validates transitions
// against the state machine, sequences local record updates behind ledger
// confirmations, and keeps the trade ledger consistent with the external
// escrow contract across partial failures.
//
// Ordering discipline: a money-moving call always hits the ledger before any
// local mutation, and the state change plus confirmation reference land in
// one atomic store update. The local record therefore never claims a state
// the ledger does not hold. The converse window, where the ledger confirmed
// but the process crashed before the local write, is bounded by the
// reconciliation path.
package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrow-engine-go/internal/errs"
	"escrow-engine-go/internal/ledger"
	"escrow-engine-go/internal/models"
	"escrow-engine-go/internal/signing"
	"escrow-engine-go/internal/store"
	"escrow-engine-go/internal/tradeid"
)

// Engine is the trade lifecycle manager.
type Engine struct {
	logger *zap.Logger
	store  *store.TradeStore
	ledger ledger.Client
	locks  *tradeLocks
}

// NewEngine creates a lifecycle engine over the given store and ledger
// client.
func NewEngine(logger *zap.Logger, tradeStore *store.TradeStore, ledgerClient ledger.Client) *Engine {
	return &Engine{
		logger: logger,
		store:  tradeStore,
		ledger: ledgerClient,
		locks:  newTradeLocks(),
	}
}

// InitiateParams carries the inputs for a new trade.
type InitiateParams struct {
	ListingRef    string
	BuyerParty    string
	SellerParty   string
	BuyerAddress  string
	SellerAddress string
	Amount        decimal.Decimal
}

func (p *InitiateParams) validate() error {
	if p.ListingRef == "" {
		return errs.New(errs.KindInvalidArgument, "listing reference is required")
	}
	if p.BuyerParty == "" || p.SellerParty == "" {
		return errs.New(errs.KindInvalidArgument, "both party identifiers are required")
	}
	if !common.IsHexAddress(p.BuyerAddress) {
		return errs.New(errs.KindInvalidArgument, "malformed buyer address %q", p.BuyerAddress)
	}
	if !common.IsHexAddress(p.SellerAddress) {
		return errs.New(errs.KindInvalidArgument, "malformed seller address %q", p.SellerAddress)
	}
	if common.HexToAddress(p.SellerAddress) == (common.Address{}) {
		return errs.New(errs.KindInvalidArgument, "seller address must not be the zero address")
	}
	if !p.Amount.IsPositive() {
		return errs.New(errs.KindInvalidArgument, "amount must be strictly positive, got %s", p.Amount)
	}
	return nil
}

// Initiate creates a new pending trade. Purely local: the ledger is not
// contacted, and the external id is fixed here once and for all.
func (e *Engine) Initiate(ctx context.Context, params InitiateParams) (*models.Trade, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	createdAt := time.Now().UTC()
	externalID := tradeid.ExternalID(
		id,
		common.HexToAddress(params.BuyerAddress),
		common.HexToAddress(params.SellerAddress),
		createdAt,
	)

	trade := &models.Trade{
		ID:            id,
		ExternalID:    externalID.Hex(),
		ListingRef:    params.ListingRef,
		BuyerParty:    params.BuyerParty,
		SellerParty:   params.SellerParty,
		BuyerAddress:  common.HexToAddress(params.BuyerAddress).Hex(),
		SellerAddress: common.HexToAddress(params.SellerAddress).Hex(),
		Amount:        params.Amount,
		State:         models.StatePending,
		CreatedAt:     createdAt,
	}

	if err := e.store.Insert(trade); err != nil {
		return nil, err
	}

	e.logger.Info("Trade initiated",
		zap.String("trade_id", trade.ID),
		zap.String("external_id", trade.ExternalID),
		zap.String("amount", trade.Amount.String()),
	)
	return trade, nil
}

// LockFunds moves the trade from pending to locked by escrowing the buyer's
// funds on the ledger. The local record is only written after the ledger
// confirms.
func (e *Engine) LockFunds(ctx context.Context, tradeID string, signer signing.Signer) (*models.Trade, error) {
	release, ok := e.locks.tryAcquire(tradeID)
	if !ok {
		return nil, errs.New(errs.KindConflict, "another operation on trade %s is in flight", tradeID)
	}
	defer release()

	trade, err := e.loadReconciled(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.State != models.StatePending {
		return nil, errs.New(errs.KindInvalidState, "cannot lock trade %s in state %s", tradeID, trade.State)
	}

	txRef, err := e.ledger.LockFunds(ctx,
		signer,
		common.HexToAddress(trade.SellerAddress),
		trade.Amount,
		common.HexToHash(trade.ExternalID),
	)
	if err != nil {
		return nil, e.ledgerFailure(tradeID, "lock", err)
	}

	updated, err := e.store.Update(tradeID, func(t *models.Trade) error {
		t.State = models.StateLocked
		t.LockTxRef = txRef
		t.NeedsReconcile = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Funds locked", zap.String("trade_id", tradeID), zap.String("tx", txRef))
	return updated, nil
}

// MarkDelivered records the seller's delivery claim. Purely local.
func (e *Engine) MarkDelivered(ctx context.Context, tradeID string) (*models.Trade, error) {
	release, ok := e.locks.tryAcquire(tradeID)
	if !ok {
		return nil, errs.New(errs.KindConflict, "another operation on trade %s is in flight", tradeID)
	}
	defer release()

	updated, err := e.store.Update(tradeID, func(t *models.Trade) error {
		if t.State != models.StateLocked {
			return errs.New(errs.KindInvalidState, "cannot mark trade %s delivered in state %s", tradeID, t.State)
		}
		t.State = models.StateDelivered
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Trade marked delivered", zap.String("trade_id", tradeID))
	return updated, nil
}

// ReleaseFunds pays the escrowed amount out to the seller. Permitted from
// locked or delivered.
func (e *Engine) ReleaseFunds(ctx context.Context, tradeID string, signer signing.Signer) (*models.Trade, error) {
	release, ok := e.locks.tryAcquire(tradeID)
	if !ok {
		return nil, errs.New(errs.KindConflict, "another operation on trade %s is in flight", tradeID)
	}
	defer release()

	trade, err := e.loadReconciled(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.State != models.StateLocked && trade.State != models.StateDelivered {
		return nil, errs.New(errs.KindInvalidState, "cannot release trade %s in state %s", tradeID, trade.State)
	}

	txRef, err := e.ledger.ReleaseFunds(ctx, signer, common.HexToHash(trade.ExternalID))
	if err != nil {
		return nil, e.ledgerFailure(tradeID, "release", err)
	}

	updated, err := e.store.Update(tradeID, func(t *models.Trade) error {
		t.State = models.StateReleased
		t.ReleaseTxRef = txRef
		t.NeedsReconcile = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Funds released", zap.String("trade_id", tradeID), zap.String("tx", txRef))
	return updated, nil
}

// RefundFunds returns the escrowed amount to the buyer. Only permitted from
// locked: a claimed delivery closes the refund path.
func (e *Engine) RefundFunds(ctx context.Context, tradeID string, signer signing.Signer) (*models.Trade, error) {
	release, ok := e.locks.tryAcquire(tradeID)
	if !ok {
		return nil, errs.New(errs.KindConflict, "another operation on trade %s is in flight", tradeID)
	}
	defer release()

	trade, err := e.loadReconciled(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.State != models.StateLocked {
		return nil, errs.New(errs.KindInvalidState, "cannot refund trade %s in state %s", tradeID, trade.State)
	}

	txRef, err := e.ledger.RefundFunds(ctx, signer, common.HexToHash(trade.ExternalID))
	if err != nil {
		return nil, e.ledgerFailure(tradeID, "refund", err)
	}

	updated, err := e.store.Update(tradeID, func(t *models.Trade) error {
		t.State = models.StateRefunded
		t.RefundTxRef = txRef
		t.NeedsReconcile = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Funds refunded", zap.String("trade_id", tradeID), zap.String("tx", txRef))
	return updated, nil
}

// Reconcile resolves an ambiguous outcome by querying the ledger's own
// escrow record and adopting it.
func (e *Engine) Reconcile(ctx context.Context, tradeID string) (*models.Trade, error) {
	release, ok := e.locks.tryAcquire(tradeID)
	if !ok {
		return nil, errs.New(errs.KindConflict, "another operation on trade %s is in flight", tradeID)
	}
	defer release()

	trade, err := e.store.Get(tradeID)
	if err != nil {
		return nil, err
	}
	return e.reconcile(ctx, trade)
}

// GetTrade loads a trade by id.
func (e *Engine) GetTrade(tradeID string) (*models.Trade, error) {
	return e.store.Get(tradeID)
}

// GetTradeByExternalID resolves a ledger escrow key to its local trade.
func (e *Engine) GetTradeByExternalID(externalID string) (*models.Trade, error) {
	return e.store.GetByExternalID(externalID)
}

// ListByParty returns every trade the party participates in.
func (e *Engine) ListByParty(partyID string) ([]models.Trade, error) {
	return e.store.ListByParty(partyID)
}

// ListActive returns every trade still in flight.
func (e *Engine) ListActive() ([]models.Trade, error) {
	return e.store.ListActive()
}

// ledgerFailure handles a failed money-moving call. Rejections and outages
// leave the record untouched; a timeout flags the trade for reconciliation
// because the operation may still land.
func (e *Engine) ledgerFailure(tradeID, op string, err error) error {
	if !errs.IsKind(err, errs.KindLedgerTimeout) {
		e.logger.Warn("Ledger operation failed",
			zap.String("trade_id", tradeID),
			zap.String("op", op),
			zap.Error(err),
		)
		return err
	}

	e.logger.Warn("Ledger operation timed out, outcome unknown",
		zap.String("trade_id", tradeID),
		zap.String("op", op),
	)
	if _, uerr := e.store.Update(tradeID, func(t *models.Trade) error {
		t.NeedsReconcile = true
		return nil
	}); uerr != nil {
		e.logger.Error("Failed to flag trade for reconciliation",
			zap.String("trade_id", tradeID),
			zap.Error(uerr),
		)
	}
	return err
}

// loadReconciled loads the trade and, when a previous timeout left its
// ledger outcome unknown, reconciles against the ledger before the caller
// validates any transition. Must be called with the trade's exclusive
// section held.
func (e *Engine) loadReconciled(ctx context.Context, tradeID string) (*models.Trade, error) {
	trade, err := e.store.Get(tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.NeedsReconcile {
		return trade, nil
	}
	return e.reconcile(ctx, trade)
}

// reconcile queries the authoritative escrow record and folds its outcome
// into the local trade in one atomic update. Must be called with the
// trade's exclusive section held.
func (e *Engine) reconcile(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	record, err := e.ledger.Escrow(ctx, common.HexToHash(trade.ExternalID))
	if err != nil {
		return nil, err
	}

	// Validate the mapping before touching anything; an unmapped ledger
	// state must never be folded in.
	if _, err := record.State.TradeState(); err != nil {
		return nil, err
	}

	updated, err := e.store.Update(trade.ID, func(t *models.Trade) error {
		t.NeedsReconcile = false
		switch record.State {
		case ledger.EscrowNone:
			// The submission never landed; the record stays as it is.
		case ledger.EscrowLocked:
			if t.State == models.StatePending {
				t.State = models.StateLocked
				t.LockTxRef = record.LockTx
			}
		case ledger.EscrowReleased:
			if t.State != models.StateReleased {
				t.State = models.StateReleased
				t.ReleaseTxRef = record.ReleaseTx
			}
			if t.LockTxRef == "" {
				t.LockTxRef = record.LockTx
			}
		case ledger.EscrowRefunded:
			if t.State != models.StateRefunded {
				t.State = models.StateRefunded
				t.RefundTxRef = record.RefundTx
			}
			if t.LockTxRef == "" {
				t.LockTxRef = record.LockTx
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Trade reconciled against ledger",
		zap.String("trade_id", trade.ID),
		zap.Stringer("ledger_state", record.State),
		zap.String("local_state", string(updated.State)),
	)
	return updated, nil
}
