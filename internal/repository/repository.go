// Package repository defines the metadata store contract (SPEC_FULL.md §4.3)
// and its concrete SQL-backed implementation. Every operation is exposed
// through the Repository interface so the rest of the control plane never
// imports database/sql directly.
package repository

import (
	"context"
	"time"

	"dropmesh/internal/domain"
)

// ListFilter narrows list_shares_by_owner queries.
type ListFilter struct {
	States []domain.ShareState
	Limit  int
	Offset int
}

// Repository is the metadata store contract required operations list from
// SPEC_FULL.md §4.3. All methods accept a context carrying the caller's
// deadline (SPEC_FULL.md §5).
type Repository interface {
	UpsertUser(ctx context.Context, u *domain.User) (*domain.User, error)

	CreateSharePending(ctx context.Context, s *domain.Share) error
	MarkShareAvailable(ctx context.Context, shareID string) error
	GetShareByID(ctx context.Context, shareID string) (*domain.Share, error)
	ListSharesByOwner(ctx context.Context, ownerUserID string, filter ListFilter) ([]*domain.Share, error)

	// IncrementDownloadCount atomically verifies share.state == available
	// and expires_at > now before incrementing download_count, in a single
	// transaction (SPEC_FULL.md §4.3's transactional guard). It returns the
	// updated Share, or an *apperrors.Error with CodeExpired/CodeGone/
	// CodeNotFound if the guard fails.
	IncrementDownloadCount(ctx context.Context, shareID string, now time.Time) (*domain.Share, error)

	SetPasswordHash(ctx context.Context, shareID string, hash string) error

	// TransitionToExpired selects up to batchSize shares eligible for expiry
	// as of cutoff (expires_at <= cutoff) and transitions them to "expired",
	// returning the transitioned shares. Safe for concurrent callers across
	// instances (SPEC_FULL.md §4.4's lease/SKIP LOCKED requirement).
	TransitionToExpired(ctx context.Context, cutoff time.Time, batchSize int) ([]*domain.Share, error)
	TransitionToDeleted(ctx context.Context, shareIDs []string) error
	HardDelete(ctx context.Context, olderThan time.Time, retentionWindow time.Duration, batchSize int) (int, error)

	AppendDownloadEvent(ctx context.Context, ev *domain.DownloadEvent) error
	CountRecentDownloadEvents(ctx context.Context, shareID string, since time.Time) (int, error)

	Close() error
}
