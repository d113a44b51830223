// Package api exposes the operational surface a deployed infinitree
// process needs beyond the embedded library itself: liveness, readiness
// (backend reachability, and KeyManager reachability when configured),
// and Prometheus metrics (§4.12).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/infinitree/infinitree/internal/backend"
	"github.com/infinitree/infinitree/internal/crypto"
	"github.com/infinitree/infinitree/internal/middleware"
	"github.com/infinitree/infinitree/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Handler serves the operational HTTP surface for one tree's backend.
type Handler struct {
	be           backend.Backend
	keyManager   crypto.KeyManager // optional; nil if the tree was opened from a passphrase
	logger       *logrus.Logger
	metrics      *metrics.Metrics
}

// NewHandler creates a new operational-surface handler.
func NewHandler(be backend.Backend, keyManager crypto.KeyManager, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		be:         be,
		keyManager: keyManager,
		logger:     logger,
		metrics:    m,
	}
}

// RegisterRoutes registers all operational routes, wrapped in request
// logging and panic recovery (§2 ambient stack).
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Use(middleware.RecoveryMiddleware(h.logger))
	r.Use(middleware.LoggingMiddleware(h.logger))

	r.HandleFunc("/livez", h.handleLive).Methods("GET")
	r.HandleFunc("/readyz", h.handleReady).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
}

// handleLive handles liveness check requests: the process is running and
// able to serve HTTP, independent of backend/KMS reachability.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	handler := metrics.LivenessHandler()
	handler(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/livez", http.StatusOK, time.Since(start), 0)
}

// handleReady handles readiness check requests: the configured backend
// must answer a List call, and, when a KeyManager is configured, its
// HealthCheck must succeed.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	handler := metrics.ReadinessHandler(h.checkDependencies)
	handler(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/readyz", http.StatusOK, time.Since(start), 0)
}

// checkDependencies verifies the backend and, if configured, the
// KeyManager are reachable. It is deliberately cheap: List rather than a
// full object round trip, HealthCheck rather than a real unwrap.
func (h *Handler) checkDependencies(ctx context.Context) error {
	if _, err := h.be.List(ctx); err != nil {
		h.logger.WithError(err).Error("readiness check: backend unreachable")
		return err
	}

	if h.keyManager != nil {
		if err := h.keyManager.HealthCheck(ctx); err != nil {
			h.logger.WithError(err).Error("readiness check: key manager unreachable")
			return err
		}
	}

	return nil
}
