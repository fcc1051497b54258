// Package domain holds the persisted entities of the control plane — User,
// Share, and DownloadEvent — and the Share state machine invariants from
// SPEC_FULL.md §3. It has no dependency on storage, transport, or HTTP so
// every other package can import it without pulling in infrastructure.
package domain

import (
	"time"

	"dropmesh/internal/apperrors"
)

// ShareState is one of the four states a Share can occupy.
type ShareState string

const (
	StatePendingUpload ShareState = "pending_upload"
	StateAvailable     ShareState = "available"
	StateExpired       ShareState = "expired"
	StateDeleted       ShareState = "deleted"
)

// validTransitions enumerates every transition SPEC_FULL.md §3/§4.3 allows.
// pending_upload -> available is finalize_upload succeeding; pending_upload
// -> deleted is finalize_upload failing (object never showed up);
// available|pending_upload -> expired is the sweeper's first pass;
// available|expired -> deleted is revoke or the sweeper's reclaim step.
var validTransitions = map[ShareState]map[ShareState]bool{
	StatePendingUpload: {StateAvailable: true, StateExpired: true, StateDeleted: true},
	StateAvailable:     {StateExpired: true, StateDeleted: true},
	StateExpired:       {StateDeleted: true},
	StateDeleted:       {},
}

// CanTransition reports whether moving a Share from `from` to `to` is a
// legal state-machine edge.
func CanTransition(from, to ShareState) bool {
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ValidateTransition returns an *apperrors.Error with CodeInvalidState if the
// transition is not legal, nil otherwise. Repository implementations call
// this before committing any state change.
func ValidateTransition(from, to ShareState) error {
	if CanTransition(from, to) {
		return nil
	}
	return apperrors.New(apperrors.CodeInvalidState,
		"illegal share state transition from "+string(from)+" to "+string(to))
}

// User is a principal resolved from the upstream identity provider. The
// control plane only upserts it on sign-in; it is never deleted implicitly.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Provider    string
	IsAnonymous bool
	CreatedAt   time.Time
}

// Share is the unit of cloud exchange.
type Share struct {
	ShareID        string
	OwnerUserID    *string // nil for anonymous shares, if policy allows
	StorageKey     string
	OriginalName   string
	SizeBytes      int64
	MimeType       string
	PasswordHash   *string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	DownloadCount  int64
	LastAccessedAt *time.Time
	State          ShareState
}

// Validate checks the invariants a Share must satisfy independent of any
// particular repository backend.
func (s *Share) Validate() error {
	if s.ShareID == "" {
		return apperrors.New(apperrors.CodeValidationFailed, "share_id is required")
	}
	if s.SizeBytes < 0 {
		return apperrors.New(apperrors.CodeValidationFailed, "size_bytes must be non-negative")
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return apperrors.New(apperrors.CodeValidationFailed, "expires_at must be strictly after created_at")
	}
	if s.DownloadCount < 0 {
		return apperrors.New(apperrors.CodeValidationFailed, "download_count must be non-negative")
	}
	return nil
}

// IsExpired reports whether the share must stop serving downloads as of now.
// This is a timestamp check, not a state check, so it stays correct even in
// the window between expires_at and the next sweeper pass (SPEC_FULL.md
// §4.4's "at-most-once serving across expiry").
func (s *Share) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HasPassword reports whether a recipient must supply a password.
func (s *Share) HasPassword() bool {
	return s.PasswordHash != nil && *s.PasswordHash != ""
}

// DownloadEvent is an append-only analytics record of a successful
// issue_download call.
type DownloadEvent struct {
	ID            int64
	ShareID       string
	At            time.Time
	RequesterHash string
}
