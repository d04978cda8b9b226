package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrow-engine-go/internal/errs"
	"escrow-engine-go/internal/models"
	"escrow-engine-go/internal/store"
)

// ListingHandler exposes the service catalog over HTTP.
type ListingHandler struct {
	listings *store.ListingStore
}

// NewListingHandler creates a ListingHandler.
func NewListingHandler(listings *store.ListingStore) *ListingHandler {
	return &ListingHandler{listings: listings}
}

type createListingRequest struct {
	SellerParty string `json:"seller_party"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

// Create handles POST /listings.
func (h *ListingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindInvalidArgument, "malformed request body"))
		return
	}
	if req.SellerParty == "" || req.Title == "" {
		writeError(w, errs.New(errs.KindInvalidArgument, "seller_party and title are required"))
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		writeError(w, errs.New(errs.KindInvalidArgument, "price must be a positive decimal"))
		return
	}

	listing := &models.Listing{
		ID:          uuid.NewString(),
		SellerParty: req.SellerParty,
		Title:       req.Title,
		Description: req.Description,
		Price:       price,
		Active:      true,
	}
	if err := h.listings.Insert(listing); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// Get handles GET /listings/{listing_id}.
func (h *ListingHandler) Get(w http.ResponseWriter, r *http.Request) {
	listing, err := h.listings.Get(chi.URLParam(r, "listing_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// List handles GET /listings?seller=X.
func (h *ListingHandler) List(w http.ResponseWriter, r *http.Request) {
	listings, err := h.listings.List(r.URL.Query().Get("seller"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}
