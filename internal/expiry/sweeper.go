// Package expiry implements the background sweeper (SPEC_FULL.md §4.4): a
// two-pass expiry algorithm that transitions past-due shares out of
// "available" and reclaims their storage objects, then hard-deletes
// "deleted" rows created longer ago than the retention window. Batches are worked
// concurrently with golang.org/x/sync/errgroup, the same claim-a-batch/
// fan-out/commit shape used by the retrieved peer-manager pool examples
// (e.g. prxssh-rabbit's pkg/peer manager).
package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dropmesh/internal/config"
	"dropmesh/internal/domain"
	"dropmesh/internal/metrics"
	"dropmesh/internal/repository"
	"dropmesh/internal/storage"
)

// Sweeper periodically expires and purges shares past their retention
// window. It is safe to run more than one instance concurrently across
// replicas: TransitionToExpired claims its batch with SKIP LOCKED on
// Postgres, and every per-share transition is a compare-and-set guarded by
// the share's current state.
type Sweeper struct {
	repo    repository.Repository
	store   storage.ObjectStore
	cfg     config.Config
	log     *logrus.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	failures map[string]int // shareID -> consecutive object-delete failures

	stop chan struct{}
	done chan struct{}
}

// New wires a Sweeper from the Expiry section of Config. m may be nil, in
// which case batch/failure counts are skipped.
func New(repo repository.Repository, store storage.ObjectStore, cfg config.Config, log *logrus.Logger, m *metrics.Metrics) *Sweeper {
	if log == nil {
		log = logrus.New()
	}
	return &Sweeper{
		repo:     repo,
		store:    store,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		failures: make(map[string]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, sweeping every SweepInterval until ctx is cancelled or Stop is
// called.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	interval := s.cfg.Expiry.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.WithError(err).Error("expiry sweep failed")
			}
		}
	}
}

// Stop signals Run to return and waits for it to finish its current pass.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// SweepOnce runs one full pass: expire-and-reclaim, then hard-delete.
// Exported so cmd/sweeper and tests can drive it synchronously.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if err := s.expireAndReclaim(ctx); err != nil {
		return err
	}
	return s.hardDeleteRetained(ctx)
}

// expireAndReclaim claims up to BatchSize past-due shares, transitions them
// to expired, deletes their storage objects (together with those of expired
// shares whose delete failed on an earlier pass, after a per-share
// exponential backoff), and transitions successfully reclaimed shares to
// deleted.
func (s *Sweeper) expireAndReclaim(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.Expiry.Grace)
	batch, err := s.repo.TransitionToExpired(ctx, cutoff, s.cfg.Expiry.BatchSize)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SweepBatchSize.Observe(float64(len(batch)))
	}
	// Shares whose object delete failed on an earlier pass are already
	// expired, so TransitionToExpired does not return them again; the
	// failure map is what brings them back for another attempt.
	s.mu.Lock()
	retryIDs := make([]string, 0, len(s.failures))
	for id := range s.failures {
		retryIDs = append(retryIDs, id)
	}
	s.mu.Unlock()
	for _, id := range retryIDs {
		if share, err := s.repo.GetShareByID(ctx, id); err == nil && share.State == domain.StateExpired {
			batch = append(batch, share)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	s.log.WithField("count", len(batch)).Info("expiry: claimed batch")

	concurrency := s.cfg.Expiry.MaxConcurrentBatches
	if concurrency <= 0 {
		concurrency = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	var reclaimed []string

	for _, share := range batch {
		share := share
		g.Go(func() error {
			if err := s.reclaimOne(gctx, share); err != nil {
				s.log.WithError(err).WithField("share_id", share.ShareID).Warn("expiry: object reclaim failed, will retry next pass")
				return nil // per-share failure does not fail the batch
			}
			mu.Lock()
			reclaimed = append(reclaimed, share.ShareID)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(reclaimed) == 0 {
		return nil
	}
	return s.repo.TransitionToDeleted(ctx, reclaimed)
}

// reclaimOne deletes a single share's storage object, backing off
// exponentially across consecutive failures for that share so a
// persistently broken object doesn't spin the sweeper hot.
func (s *Sweeper) reclaimOne(ctx context.Context, share *domain.Share) error {
	if backoff := s.backoffFor(share.ShareID); backoff > 0 {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.store.Delete(ctx, share.StorageKey); err != nil {
		s.recordFailure(share.ShareID)
		if s.metrics != nil {
			s.metrics.SweepReclaimFailures.Inc()
		}
		return err
	}
	s.clearFailure(share.ShareID)
	if s.metrics != nil {
		s.metrics.SweepExpiredTotal.Inc()
	}
	return nil
}

func (s *Sweeper) backoffFor(shareID string) time.Duration {
	s.mu.Lock()
	n := s.failures[shareID]
	s.mu.Unlock()
	if n == 0 {
		return 0
	}
	backoff := time.Duration(1<<uint(n)) * time.Second
	const maxBackoff = 30 * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

func (s *Sweeper) recordFailure(shareID string) {
	s.mu.Lock()
	s.failures[shareID]++
	s.mu.Unlock()
}

func (s *Sweeper) clearFailure(shareID string) {
	s.mu.Lock()
	delete(s.failures, shareID)
	s.mu.Unlock()
}

// hardDeleteRetained purges rows in the deleted state whose created_at is
// older than RetentionWindow (SPEC_FULL.md §4.4's second pass). The time a
// share entered the deleted state is not recorded, so the window is counted
// from creation, not from deletion.
func (s *Sweeper) hardDeleteRetained(ctx context.Context) error {
	n, err := s.repo.HardDelete(ctx, time.Now(), s.cfg.Expiry.RetentionWindow, s.cfg.Expiry.BatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.WithField("count", n).Info("expiry: hard-deleted retained rows")
	}
	return nil
}
