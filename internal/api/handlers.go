package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"dropmesh/internal/apperrors"
	"dropmesh/internal/authsession"
	"dropmesh/internal/metrics"
	"dropmesh/internal/ratelimit"
	"dropmesh/internal/repository"
	"dropmesh/internal/signaling"
	"dropmesh/internal/storage"
)

// handlers holds the services the public API surface composes: admission,
// repository, gateway, auth session, and the signaling hub. Handlers wrap
// services the way a thin controller layer wraps business logic, keeping
// request decoding separate from domain operations.
type handlers struct {
	gateway *storage.Gateway
	repo    repository.Repository
	auth    *authsession.Manager
	limiter *ratelimit.Limiter
	hub     *signaling.Hub
	metrics *metrics.Metrics
	log     *logrus.Logger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, apperrors.HTTPStatus(code), map[string]string{
		"code":    string(code),
		"message": err.Error(),
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type presignUploadRequest struct {
	Filename string `json:"filename"`
	SizeByte int64  `json:"size_bytes"`
	MimeType string `json:"mime_type"`
	ExpiryS  int64  `json:"expiry_seconds"`
}

func (h *handlers) presignUpload(w http.ResponseWriter, r *http.Request) {
	var req presignUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeValidationFailed, "malformed request body"))
		return
	}
	principal := principalFrom(r)
	if err := h.limiter.AllowBucket(r.Context(), ratelimit.BucketUpload, tierFor(principal), identityFor(principal), principal.IPHash); err != nil {
		writeError(w, err)
		return
	}

	var owner *string
	if !principal.IsAnonymous {
		owner = &principal.UserID
	}

	ticket, err := h.gateway.IssueUpload(r.Context(), owner, req.Filename, req.SizeByte, req.MimeType, time.Duration(req.ExpiryS)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.PresignUploadTotal.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"share_id":   ticket.ShareID,
		"upload_url": ticket.UploadURL,
		"headers":    ticket.Headers,
		"expires_at": ticket.ExpiresAt,
	})
}

type finalizeUploadRequest struct {
	ShareID    string `json:"share_id"`
	ActualSize int64  `json:"actual_size"`
}

func (h *handlers) finalizeUpload(w http.ResponseWriter, r *http.Request) {
	var req finalizeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeValidationFailed, "malformed request body"))
		return
	}
	if err := h.gateway.FinalizeUpload(r.Context(), req.ShareID, req.ActualSize); err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.FinalizeUploadTotal.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"share_id": req.ShareID, "state": "available"})
}

// getShare returns metadata only: no presigned URL (spec.md §4.6).
func (h *handlers) getShare(w http.ResponseWriter, r *http.Request) {
	shareID := mux.Vars(r)["share_id"]
	share, err := h.repo.GetShareByID(r.Context(), shareID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"share_id":     share.ShareID,
		"name":         share.OriginalName,
		"size_bytes":   share.SizeBytes,
		"mime_type":    share.MimeType,
		"expires_at":   share.ExpiresAt,
		"has_password": share.HasPassword(),
		"state":        share.State,
	})
}

type downloadRequest struct {
	Password *string `json:"password,omitempty"`
}

func (h *handlers) download(w http.ResponseWriter, r *http.Request) {
	shareID := mux.Vars(r)["share_id"]
	principal := principalFrom(r)

	if err := h.limiter.AllowBucket(r.Context(), ratelimit.BucketDownload, tierFor(principal), identityFor(principal), principal.IPHash); err != nil {
		writeError(w, err)
		return
	}

	var req downloadRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.New(apperrors.CodeValidationFailed, "malformed request body"))
			return
		}
	}

	ticket, err := h.gateway.IssueDownload(r.Context(), shareID, req.Password, identityFor(principal))
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.PresignDownloadTotal.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"download_url": ticket.DownloadURL,
		"filename":     ticket.Filename,
		"size_bytes":   ticket.Size,
		"expires_at":   ticket.ExpiresAt,
	})
}

func (h *handlers) listFiles(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.IsAnonymous {
		writeError(w, apperrors.New(apperrors.CodeUnauthenticated, "authentication required"))
		return
	}
	shares, err := h.repo.ListSharesByOwner(r.Context(), principal.UserID, repository.ListFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(shares))
	for _, s := range shares {
		out = append(out, map[string]interface{}{
			"share_id":       s.ShareID,
			"name":           s.OriginalName,
			"size_bytes":     s.SizeBytes,
			"expires_at":     s.ExpiresAt,
			"state":          s.State,
			"download_count": s.DownloadCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shares": out})
}

func (h *handlers) revoke(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.IsAnonymous {
		writeError(w, apperrors.New(apperrors.CodeUnauthenticated, "authentication required"))
		return
	}
	shareID := mux.Vars(r)["share_id"]
	if err := h.gateway.Revoke(r.Context(), shareID, principal.UserID); err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RevokeTotal.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) signaling(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	sigPrincipal := signaling.Principal{
		UserID:      principal.UserID,
		IsAnonymous: principal.IsAnonymous,
		IPHash:      principal.IPHash,
	}
	if err := h.hub.ServeWS(w, r, sigPrincipal); err != nil {
		h.log.WithError(err).Warn("signaling upgrade failed")
	}
}

func tierFor(p authsession.Principal) ratelimit.Tier {
	if p.IsAnonymous {
		return ratelimit.TierAnonymous
	}
	return ratelimit.TierAuthenticated
}

func identityFor(p authsession.Principal) string {
	if p.IsAnonymous {
		return p.IPHash
	}
	return p.UserID
}
