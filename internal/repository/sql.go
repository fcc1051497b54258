package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"dropmesh/internal/apperrors"
	"dropmesh/internal/domain"
)

// dialect captures the handful of places Postgres and sqlite3 diverge: bind
// placeholders and whether SELECT ... FOR UPDATE is available. sqlite has no
// row locks, so its IncrementDownloadCount guard falls back to a
// compare-and-set UPDATE (SPEC_FULL.md §4.3).
type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

type sqlRepository struct {
	db      *sql.DB
	dialect dialect
}

func newSQLRepository(db *sql.DB, d dialect) *sqlRepository {
	return &sqlRepository{db: db, dialect: d}
}

// bind rewrites a query written with "?" placeholders into the dialect's
// native placeholder style.
func (r *sqlRepository) bind(query string) string {
	if r.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *sqlRepository) Close() error { return r.db.Close() }

func (r *sqlRepository) UpsertUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	now := time.Now().UTC()
	var upsert string
	switch r.dialect {
	case dialectPostgres:
		upsert = `INSERT INTO users (id, email, display_name, provider, is_anonymous, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (email) DO UPDATE SET display_name = EXCLUDED.display_name
			RETURNING id, email, display_name, provider, is_anonymous, created_at`
	default:
		upsert = `INSERT INTO users (id, email, display_name, provider, is_anonymous, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (email) DO UPDATE SET display_name = excluded.display_name`
	}

	if r.dialect == dialectPostgres {
		row := r.db.QueryRowContext(ctx, r.bind(upsert), u.ID, u.Email, u.DisplayName, u.Provider, u.IsAnonymous, now)
		out := &domain.User{}
		if err := row.Scan(&out.ID, &out.Email, &out.DisplayName, &out.Provider, &out.IsAnonymous, &out.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnavailable, "upsert user", err)
		}
		return out, nil
	}

	if _, err := r.db.ExecContext(ctx, r.bind(upsert), u.ID, u.Email, u.DisplayName, u.Provider, u.IsAnonymous, now); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "upsert user", err)
	}
	return r.getUserByEmail(ctx, u.Email)
}

func (r *sqlRepository) getUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, r.bind(`SELECT id, email, display_name, provider, is_anonymous, created_at
		FROM users WHERE email = ?`), email)
	out := &domain.User{}
	if err := row.Scan(&out.ID, &out.Email, &out.DisplayName, &out.Provider, &out.IsAnonymous, &out.CreatedAt); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "load upserted user", err)
	}
	return out, nil
}

func (r *sqlRepository) CreateSharePending(ctx context.Context, s *domain.Share) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.bind(`INSERT INTO shares
		(id, owner_user_id, storage_key, original_name, size_bytes, mime_type, password_hash,
		 created_at, expires_at, download_count, last_accessed_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)`),
		s.ShareID, s.OwnerUserID, s.StorageKey, s.OriginalName, s.SizeBytes, s.MimeType,
		s.PasswordHash, s.CreatedAt, s.ExpiresAt, domain.StatePendingUpload)
	if err != nil {
		// share_id uniqueness collisions are a fatal ID-generator
		// misconfiguration per SPEC_FULL.md §4.3, not a retryable error.
		return apperrors.Wrap(apperrors.CodeInternal, "share_id collision or insert failure", err)
	}
	return nil
}

func (r *sqlRepository) MarkShareAvailable(ctx context.Context, shareID string) error {
	return r.transition(ctx, shareID, domain.StatePendingUpload, domain.StateAvailable)
}

func (r *sqlRepository) transition(ctx context.Context, shareID string, from, to domain.ShareState) error {
	if err := domain.ValidateTransition(from, to); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.bind(`UPDATE shares SET state = ? WHERE id = ? AND state = ?`), to, shareID, from)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "transition share state", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.CodeInvalidState, "share not in expected state "+string(from))
	}
	return nil
}

func scanShare(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Share, error) {
	s := &domain.Share{}
	if err := row.Scan(&s.ShareID, &s.OwnerUserID, &s.StorageKey, &s.OriginalName, &s.SizeBytes,
		&s.MimeType, &s.PasswordHash, &s.CreatedAt, &s.ExpiresAt, &s.DownloadCount,
		&s.LastAccessedAt, &s.State); err != nil {
		return nil, err
	}
	return s, nil
}

const shareColumns = `id, owner_user_id, storage_key, original_name, size_bytes, mime_type,
	password_hash, created_at, expires_at, download_count, last_accessed_at, state`

func (r *sqlRepository) GetShareByID(ctx context.Context, shareID string) (*domain.Share, error) {
	row := r.db.QueryRowContext(ctx, r.bind(`SELECT `+shareColumns+` FROM shares WHERE id = ?`), shareID)
	s, err := scanShare(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.CodeNotFound, "share not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "get share", err)
	}
	return s, nil
}

func (r *sqlRepository) ListSharesByOwner(ctx context.Context, ownerUserID string, filter ListFilter) ([]*domain.Share, error) {
	q := `SELECT ` + shareColumns + ` FROM shares WHERE owner_user_id = ?`
	args := []interface{}{ownerUserID}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		q += ` AND state IN (` + strings.Join(placeholders, ",") + `)`
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
		if filter.Offset > 0 {
			q += fmt.Sprintf(` OFFSET %d`, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, r.bind(q), args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "list shares", err)
	}
	defer rows.Close()

	var out []*domain.Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnavailable, "scan share row", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// IncrementDownloadCount is the guard SPEC_FULL.md §4.3 requires: the
// expires_at > now check and the download_count increment happen in the
// same statement/transaction so no sweeper race can let a request through.
func (r *sqlRepository) IncrementDownloadCount(ctx context.Context, shareID string, now time.Time) (*domain.Share, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "begin tx", err)
	}
	defer tx.Rollback()

	selectQ := `SELECT ` + shareColumns + ` FROM shares WHERE id = ?`
	if r.dialect == dialectPostgres {
		selectQ += ` FOR UPDATE`
	}
	row := tx.QueryRowContext(ctx, r.bind(selectQ), shareID)
	s, err := scanShare(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.CodeNotFound, "share not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "load share for download", err)
	}

	if s.IsExpired(now) {
		return nil, apperrors.New(apperrors.CodeExpired, "share expired")
	}
	if s.State != domain.StateAvailable {
		return nil, apperrors.New(apperrors.CodeGone, "share not available")
	}

	res, err := tx.ExecContext(ctx, r.bind(`UPDATE shares SET download_count = download_count + 1, last_accessed_at = ?
		WHERE id = ? AND state = ? AND expires_at > ?`), now, shareID, domain.StateAvailable, now)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "increment download count", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race between the SELECT and the UPDATE (e.g. a concurrent
		// sweeper expired it); report the same uniform outcome.
		return nil, apperrors.New(apperrors.CodeExpired, "share expired")
	}
	s.DownloadCount++
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "commit download count", err)
	}
	return s, nil
}

func (r *sqlRepository) SetPasswordHash(ctx context.Context, shareID string, hash string) error {
	res, err := r.db.ExecContext(ctx, r.bind(`UPDATE shares SET password_hash = ? WHERE id = ?`), hash, shareID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "set password hash", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.CodeNotFound, "share not found")
	}
	return nil
}

// TransitionToExpired uses SKIP LOCKED on Postgres so multiple sweeper
// instances can run concurrently against the same backlog without
// double-processing a row (SPEC_FULL.md §4.4). sqlite3 has no multi-writer
// concurrency to protect against, so the lease clause is a no-op there.
func (r *sqlRepository) TransitionToExpired(ctx context.Context, cutoff time.Time, batchSize int) ([]*domain.Share, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "begin tx", err)
	}
	defer tx.Rollback()

	selectQ := `SELECT ` + shareColumns + ` FROM shares
		WHERE state IN (?, ?) AND expires_at <= ?
		ORDER BY expires_at ASC LIMIT ?`
	if r.dialect == dialectPostgres {
		selectQ += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := tx.QueryContext(ctx, r.bind(selectQ), domain.StatePendingUpload, domain.StateAvailable, cutoff, batchSize)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "select expiry batch", err)
	}
	var candidates []*domain.Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			rows.Close()
			return nil, apperrors.Wrap(apperrors.CodeUnavailable, "scan expiry candidate", err)
		}
		candidates = append(candidates, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "iterate expiry batch", err)
	}

	var transitioned []*domain.Share
	for _, s := range candidates {
		res, err := tx.ExecContext(ctx, r.bind(`UPDATE shares SET state = ? WHERE id = ? AND state = ?`),
			domain.StateExpired, s.ShareID, s.State)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnavailable, "expire share", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			s.State = domain.StateExpired
			transitioned = append(transitioned, s)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "commit expiry batch", err)
	}
	return transitioned, nil
}

func (r *sqlRepository) TransitionToDeleted(ctx context.Context, shareIDs []string) error {
	for _, id := range shareIDs {
		s, err := r.GetShareByID(ctx, id)
		if err != nil {
			return err
		}
		if err := r.transition(ctx, id, s.State, domain.StateDeleted); err != nil {
			return err
		}
	}
	return nil
}

func (r *sqlRepository) HardDelete(ctx context.Context, olderThan time.Time, retentionWindow time.Duration, batchSize int) (int, error) {
	cutoff := olderThan.Add(-retentionWindow)
	res, err := r.db.ExecContext(ctx, r.bind(`DELETE FROM shares WHERE state = ? AND created_at <= ?`), domain.StateDeleted, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUnavailable, "hard delete batch", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqlRepository) AppendDownloadEvent(ctx context.Context, ev *domain.DownloadEvent) error {
	_, err := r.db.ExecContext(ctx, r.bind(`INSERT INTO download_events (share_id, at, requester_hash) VALUES (?, ?, ?)`),
		ev.ShareID, ev.At, ev.RequesterHash)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "append download event", err)
	}
	return nil
}

func (r *sqlRepository) CountRecentDownloadEvents(ctx context.Context, shareID string, since time.Time) (int, error) {
	row := r.db.QueryRowContext(ctx, r.bind(`SELECT COUNT(*) FROM download_events WHERE share_id = ? AND at >= ?`), shareID, since)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUnavailable, "count download events", err)
	}
	return n, nil
}
