package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dropmesh/internal/apperrors"
	"dropmesh/internal/config"
	"dropmesh/internal/domain"
	"dropmesh/internal/repository"
)

// shareIDEntropyBytes yields 160 bits of entropy, comfortably over the
// ">= 128 bits" floor spec.md §3 requires for share_id.
const shareIDEntropyBytes = 20

func newShareID() (string, error) {
	b := make([]byte, shareIDEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "generate share id", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// UploadTicket is the result of IssueUpload.
type UploadTicket struct {
	ShareID   string
	UploadURL string
	Headers   map[string]string
	ExpiresAt time.Time
}

// DownloadTicket is the result of IssueDownload.
type DownloadTicket struct {
	DownloadURL string
	Filename    string
	Size        int64
	ExpiresAt   time.Time
}

// Gateway composes an ObjectStore with the metadata Repository to implement
// the four operations SPEC_FULL.md §4.2 names. It never streams bytes
// itself.
type Gateway struct {
	store  ObjectStore
	repo   repository.Repository
	cfg    *config.Config
	logger *logrus.Logger
}

// NewGateway wires a Gateway.
func NewGateway(store ObjectStore, repo repository.Repository, cfg *config.Config, logger *logrus.Logger) *Gateway {
	return &Gateway{store: store, repo: repo, cfg: cfg, logger: logger}
}

func (g *Gateway) allowedMIME(mime string) bool {
	for _, allowed := range g.cfg.Storage.AllowedMIME {
		if allowed == "*" {
			return true
		}
		if strings.HasSuffix(allowed, "/*") {
			prefix := strings.TrimSuffix(allowed, "*")
			if strings.HasPrefix(mime, prefix) {
				return true
			}
		}
		if allowed == mime {
			return true
		}
	}
	return false
}

func (g *Gateway) allowedExpiry(d time.Duration) bool {
	for _, allowed := range g.cfg.Policy.AllowedExpiries {
		if allowed == d {
			return true
		}
	}
	return false
}

// ownerUsage counts an owner's pending_upload shares (for the per-user
// in-flight upload cap) and sums the sizes of their pending_upload and
// available shares (for the per-user storage quota).
func (g *Gateway) ownerUsage(ctx context.Context, ownerUserID string) (inFlight int, totalBytes int64, err error) {
	shares, err := g.repo.ListSharesByOwner(ctx, ownerUserID, repository.ListFilter{
		States: []domain.ShareState{domain.StatePendingUpload, domain.StateAvailable},
	})
	if err != nil {
		return 0, 0, err
	}
	for _, s := range shares {
		totalBytes += s.SizeBytes
		if s.State == domain.StatePendingUpload {
			inFlight++
		}
	}
	return inFlight, totalBytes, nil
}

// IssueUpload validates policy, allocates a share_id/storage_key, inserts a
// pending_upload Share, and returns a presigned PUT ticket.
func (g *Gateway) IssueUpload(ctx context.Context, ownerUserID *string, originalName string, size int64, mime string, expiry time.Duration) (*UploadTicket, error) {
	if size < 0 || size > g.cfg.Storage.MaxObjectBytes {
		return nil, apperrors.New(apperrors.CodeOversize, "object exceeds max_object_bytes")
	}
	if !g.allowedMIME(mime) {
		return nil, apperrors.New(apperrors.CodeUnsupportedMedia, "mime type not permitted by policy")
	}
	if !g.allowedExpiry(expiry) {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "expiry not in allowed set")
	}
	if ownerUserID == nil && !g.cfg.Policy.AllowAnonymousShares {
		return nil, apperrors.New(apperrors.CodeForbidden, "anonymous shares are disabled")
	}

	if ownerUserID != nil {
		inFlight, totalBytes, err := g.ownerUsage(ctx, *ownerUserID)
		if err != nil {
			return nil, err
		}
		if inFlight >= g.cfg.Policy.PerUserInflightUpload {
			return nil, apperrors.New(apperrors.CodeQuotaExceeded, "too many in-flight uploads")
		}
		if totalBytes+size > g.cfg.Policy.PerUserStorageQuota {
			return nil, apperrors.New(apperrors.CodeQuotaExceeded, "storage quota exceeded")
		}
	}

	shareID, err := newShareID()
	if err != nil {
		return nil, err
	}
	storageKey := DeriveStorageKey(shareID, originalName)

	now := time.Now().UTC()
	share := &domain.Share{
		ShareID:      shareID,
		OwnerUserID:  ownerUserID,
		StorageKey:   storageKey,
		OriginalName: originalName,
		SizeBytes:    size,
		MimeType:     mime,
		CreatedAt:    now,
		ExpiresAt:    now.Add(expiry),
		State:        domain.StatePendingUpload,
	}
	if err := g.repo.CreateSharePending(ctx, share); err != nil {
		return nil, err
	}

	uploadURL, headers, err := g.store.PresignPut(ctx, storageKey, g.cfg.Storage.UploadURLTTL, mime)
	if err != nil {
		return nil, err
	}
	g.logger.WithField("share_id", shareID).Info("issued upload ticket")
	return &UploadTicket{
		ShareID:   shareID,
		UploadURL: uploadURL,
		Headers:   headers,
		ExpiresAt: now.Add(g.cfg.Storage.UploadURLTTL),
	}, nil
}

// FinalizeUpload verifies the object landed in the store and transitions
// the Share to available. It is idempotent: calling it again after success
// is a no-op.
func (g *Gateway) FinalizeUpload(ctx context.Context, shareID string, actualSize int64) error {
	share, err := g.repo.GetShareByID(ctx, shareID)
	if err != nil {
		return err
	}
	if share.State == domain.StateAvailable {
		return nil // already finalized; idempotent no-op
	}
	if share.State != domain.StatePendingUpload {
		return apperrors.New(apperrors.CodeInvalidState, "share is not pending upload")
	}

	exists, size, err := g.store.Exists(ctx, share.StorageKey)
	if err != nil {
		return err
	}
	if !exists || (actualSize >= 0 && size != actualSize) {
		_ = g.repo.TransitionToDeleted(ctx, []string{shareID})
		return apperrors.New(apperrors.CodeNotFound, "upload_not_found")
	}
	return g.repo.MarkShareAvailable(ctx, shareID)
}

// IssueDownload validates share availability, password, and expiry, then
// returns a presigned GET ticket and increments download_count atomically
// with the issuance (SPEC_FULL.md §3).
func (g *Gateway) IssueDownload(ctx context.Context, shareID string, password *string, requesterHash string) (*DownloadTicket, error) {
	now := time.Now().UTC()

	share, err := g.repo.GetShareByID(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if share.IsExpired(now) {
		return nil, apperrors.New(apperrors.CodeExpired, "share expired")
	}
	if share.State != domain.StateAvailable {
		return nil, apperrors.New(apperrors.CodeGone, "share not available")
	}
	if share.HasPassword() {
		if password == nil || *password == "" {
			return nil, apperrors.New(apperrors.CodePasswordRequired, "password required")
		}
		ok, err := verifyPassword(*password, *share.PasswordHash)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "verify password", err)
		}
		if !ok {
			return nil, apperrors.New(apperrors.CodePasswordIncorrect, "incorrect password")
		}
	}

	updated, err := g.repo.IncrementDownloadCount(ctx, shareID, now)
	if err != nil {
		return nil, err
	}

	url, err := g.store.PresignGet(ctx, share.StorageKey, g.cfg.Storage.DownloadURLTTL, share.OriginalName)
	if err != nil {
		return nil, err
	}

	_ = g.repo.AppendDownloadEvent(ctx, &domain.DownloadEvent{ShareID: shareID, At: now, RequesterHash: requesterHash})

	return &DownloadTicket{
		DownloadURL: url,
		Filename:    updated.OriginalName,
		Size:        updated.SizeBytes,
		ExpiresAt:   now.Add(g.cfg.Storage.DownloadURLTTL),
	}, nil
}

// Revoke is owner-only: it transitions the Share to deleted and removes the
// underlying object.
func (g *Gateway) Revoke(ctx context.Context, shareID string, callerUserID string) error {
	share, err := g.repo.GetShareByID(ctx, shareID)
	if err != nil {
		return err
	}
	if share.OwnerUserID == nil || *share.OwnerUserID != callerUserID {
		return apperrors.New(apperrors.CodeForbidden, "only the owner may revoke a share")
	}
	if err := g.repo.TransitionToDeleted(ctx, []string{shareID}); err != nil {
		return err
	}
	if err := g.store.Delete(ctx, share.StorageKey); err != nil {
		g.logger.WithError(err).WithField("share_id", shareID).Warn("object delete failed after revoke; no sweep pass retries it")
	}
	return nil
}

// SetPassword hashes and stores a password for an existing share.
func (g *Gateway) SetPassword(ctx context.Context, shareID, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "hash password", err)
	}
	return g.repo.SetPasswordHash(ctx, shareID, hash)
}
