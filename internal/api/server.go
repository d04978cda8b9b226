// Package api is the thin HTTP adapter over the lifecycle engine and the
// listing catalog.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"escrow-engine-go/internal/engine"
	"escrow-engine-go/internal/signing"
	"escrow-engine-go/internal/store"
)

// Server hosts the HTTP API.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer wires the router and handlers.
func NewServer(port int, eng *engine.Engine, listings *store.ListingStore, keyring *signing.Keyring, logger *zap.Logger) *Server {
	log := logger.Named("api-server")

	tradeH := NewTradeHandler(eng, keyring)
	listingH := NewListingHandler(listings)

	r := chi.NewRouter()
	r.Use(requestLogging(log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/trades", tradeH.Initiate)
	r.Get("/trades", tradeH.List)
	r.Get("/trades/active", tradeH.ListActive)
	r.Get("/trades/external/{external_id}", tradeH.GetByExternal)
	r.Get("/trades/{trade_id}", tradeH.Get)
	r.Post("/trades/{trade_id}/lock", tradeH.Lock)
	r.Post("/trades/{trade_id}/deliver", tradeH.Deliver)
	r.Post("/trades/{trade_id}/release", tradeH.Release)
	r.Post("/trades/{trade_id}/refund", tradeH.Refund)
	r.Post("/trades/{trade_id}/reconcile", tradeH.Reconcile)

	r.Post("/listings", listingH.Create)
	r.Get("/listings", listingH.List)
	r.Get("/listings/{listing_id}", listingH.Get)

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		},
		logger: log,
	}
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
