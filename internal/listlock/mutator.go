// Package listlock serializes mutations of a single list's remote rows.
package listlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amaumene/sermonsync/internal/config"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var errLeaseHeld = errors.New("lease held by another caller")

// Store is the lease bookkeeping the mutator needs from the local database
type Store interface {
	TryTouchList(id, token string, now time.Time, lease time.Duration) (bool, error)
	ReleaseList(id, token string) error
}

// Mutator runs functions while holding a per-list lease. Each attempt to take
// the lease is one local write transaction; a live lease held by someone else
// is a conflict that is retried with backoff.
type Mutator struct {
	store       Store
	maxAttempts int
	lease       time.Duration
	newBackOff  func() backoff.BackOff
	now         func() time.Time
	logger      *logrus.Logger
}

// NewMutator creates a new list mutator
func NewMutator(store Store, cfg *config.Config, logger *logrus.Logger) *Mutator {
	maxAttempts := cfg.LockMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	lease := cfg.LockLease
	if lease <= 0 {
		lease = 2 * time.Minute
	}

	return &Mutator{
		store:       store,
		maxAttempts: maxAttempts,
		lease:       lease,
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 50 * time.Millisecond
			eb.MaxInterval = 2 * time.Second
			return eb
		},
		now:    time.Now,
		logger: logger,
	}
}

// WithListLock runs fn while holding listID's lease and returns fn's error.
// It fails with models.ErrConflict when the lease cannot be taken within the
// configured number of attempts.
func (m *Mutator) WithListLock(ctx context.Context, listID string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	if err := m.acquire(ctx, listID, token); err != nil {
		return err
	}

	started := m.now()
	defer func() {
		if held := m.now().Sub(started); held > m.lease {
			m.logger.WithFields(logrus.Fields{
				"list_id": listID,
				"held":    held,
				"lease":   m.lease,
			}).Warn("List mutation outlived its lease")
		}
		if err := m.store.ReleaseList(listID, token); err != nil && !models.IsNotFound(err) {
			m.logger.WithError(err).WithField("list_id", listID).Error("Failed to release list lease")
		}
	}()

	return fn(ctx)
}

func (m *Mutator) acquire(ctx context.Context, listID, token string) error {
	attempts := 0
	operation := func() error {
		attempts++
		acquired, err := m.store.TryTouchList(listID, token, m.now(), m.lease)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !acquired {
			lockConflicts.Inc()
			return errLeaseHeld
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), uint64(m.maxAttempts-1)), ctx)
	err := backoff.Retry(operation, policy)
	switch {
	case err == nil:
		if attempts > 1 {
			m.logger.WithFields(logrus.Fields{
				"list_id":  listID,
				"attempts": attempts,
			}).Debug("Acquired list lease after contention")
		}
		return nil
	case errors.Is(err, errLeaseHeld):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: list %s still locked after %d attempts", models.ErrConflict, listID, attempts)
	default:
		return fmt.Errorf("failed to lock list %s: %w", listID, err)
	}
}
