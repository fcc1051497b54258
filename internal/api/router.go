// Package api composes the admission controller, repository, and storage
// gateway into the public HTTP surface (SPEC_FULL.md §4.6): routes register
// handlers backed by services, with logging/recovery/auth/rate-limit
// middleware wrapping the whole router rather than each handler
// individually.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"dropmesh/internal/authsession"
	"dropmesh/internal/metrics"
	"dropmesh/internal/ratelimit"
	"dropmesh/internal/repository"
	"dropmesh/internal/signaling"
	"dropmesh/internal/storage"
)

// NewRouter builds the full public API router.
func NewRouter(gw *storage.Gateway, repo repository.Repository, auth *authsession.Manager, limiter *ratelimit.Limiter, hub *signaling.Hub, m *metrics.Metrics, log *logrus.Logger) http.Handler {
	h := &handlers{gateway: gw, repo: repo, auth: auth, limiter: limiter, hub: hub, metrics: m, log: log}

	r := mux.NewRouter()
	r.Use(recoverMiddleware(log))
	r.Use(logMiddleware(log))
	r.Use(authMiddleware(auth))
	r.Use(limiter.Middleware)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/upload/presign", h.presignUpload).Methods(http.MethodPost)
	r.HandleFunc("/upload/finalize", h.finalizeUpload).Methods(http.MethodPost)
	r.HandleFunc("/share/{share_id}", h.getShare).Methods(http.MethodGet)
	r.HandleFunc("/share/{share_id}/download", h.download).Methods(http.MethodPost)
	r.HandleFunc("/files", h.listFiles).Methods(http.MethodGet)
	r.HandleFunc("/files/{share_id}", h.revoke).Methods(http.MethodDelete)

	r.HandleFunc("/ws", h.signaling)

	return r
}
