package api

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrow-engine-go/internal/engine"
	"escrow-engine-go/internal/errs"
	"escrow-engine-go/internal/signing"
)

// TradeHandler exposes the lifecycle operations over HTTP.
type TradeHandler struct {
	engine  *engine.Engine
	keyring *signing.Keyring
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(eng *engine.Engine, keyring *signing.Keyring) *TradeHandler {
	return &TradeHandler{engine: eng, keyring: keyring}
}

type initiateRequest struct {
	ListingRef    string `json:"listing_ref"`
	BuyerParty    string `json:"buyer_party"`
	SellerParty   string `json:"seller_party"`
	BuyerAddress  string `json:"buyer_address"`
	SellerAddress string `json:"seller_address"`
	Amount        string `json:"amount"`
}

type signedRequest struct {
	SignerAddress string `json:"signer_address"`
}

// Initiate handles POST /trades.
func (h *TradeHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindInvalidArgument, "malformed request body"))
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, errs.New(errs.KindInvalidArgument, "malformed amount %q", req.Amount))
		return
	}

	trade, err := h.engine.Initiate(r.Context(), engine.InitiateParams{
		ListingRef:    req.ListingRef,
		BuyerParty:    req.BuyerParty,
		SellerParty:   req.SellerParty,
		BuyerAddress:  req.BuyerAddress,
		SellerAddress: req.SellerAddress,
		Amount:        amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

// signer resolves the signing handle for a request body naming a signer
// address.
func (h *TradeHandler) signer(r *http.Request) (signing.Signer, error) {
	var req signedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errs.New(errs.KindInvalidArgument, "malformed request body")
	}
	if !common.IsHexAddress(req.SignerAddress) {
		return nil, errs.New(errs.KindInvalidArgument, "malformed signer address %q", req.SignerAddress)
	}
	return h.keyring.Signer(common.HexToAddress(req.SignerAddress))
}

// Lock handles POST /trades/{trade_id}/lock.
func (h *TradeHandler) Lock(w http.ResponseWriter, r *http.Request) {
	signer, err := h.signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	trade, err := h.engine.LockFunds(r.Context(), chi.URLParam(r, "trade_id"), signer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// Deliver handles POST /trades/{trade_id}/deliver.
func (h *TradeHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	trade, err := h.engine.MarkDelivered(r.Context(), chi.URLParam(r, "trade_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// Release handles POST /trades/{trade_id}/release.
func (h *TradeHandler) Release(w http.ResponseWriter, r *http.Request) {
	signer, err := h.signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	trade, err := h.engine.ReleaseFunds(r.Context(), chi.URLParam(r, "trade_id"), signer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// Refund handles POST /trades/{trade_id}/refund.
func (h *TradeHandler) Refund(w http.ResponseWriter, r *http.Request) {
	signer, err := h.signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	trade, err := h.engine.RefundFunds(r.Context(), chi.URLParam(r, "trade_id"), signer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// Reconcile handles POST /trades/{trade_id}/reconcile.
func (h *TradeHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	trade, err := h.engine.Reconcile(r.Context(), chi.URLParam(r, "trade_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// Get handles GET /trades/{trade_id}.
func (h *TradeHandler) Get(w http.ResponseWriter, r *http.Request) {
	trade, err := h.engine.GetTrade(chi.URLParam(r, "trade_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// GetByExternal handles GET /trades/external/{external_id}, resolving a
// ledger escrow key back to the local trade.
func (h *TradeHandler) GetByExternal(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "external_id")
	trade, err := h.engine.GetTradeByExternalID(externalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// List handles GET /trades?party=X.
func (h *TradeHandler) List(w http.ResponseWriter, r *http.Request) {
	party := r.URL.Query().Get("party")
	if party == "" {
		writeError(w, errs.New(errs.KindInvalidArgument, "party query parameter is required"))
		return
	}
	trades, err := h.engine.ListByParty(party)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListActive handles GET /trades/active.
func (h *TradeHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	trades, err := h.engine.ListActive()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}
