package offline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

// Reconciler drains the offline queue against the server. Sales replay
// strictly in enqueue order; a transient failure stops the cycle so later
// sales never jump ahead of earlier ones. Permanent rejections are parked
// as conflicts and do not block the rest of the queue.
type Reconciler struct {
	queue     *Queue
	processor SaleProcessor
	log       *zap.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	failures    int
	nextAttempt time.Time
	now         func() time.Time
}

func NewReconciler(queue *Queue, processor SaleProcessor, log *zap.Logger, baseDelay time.Duration, maxDelay time.Duration) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = time.Minute
	}
	return &Reconciler{
		queue:     queue,
		processor: processor,
		log:       log,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		now:       time.Now,
	}
}

// Sync runs one reconciliation cycle. It is a no-op while a previous
// transient failure still has the reconciler backing off.
func (r *Reconciler) Sync(ctx context.Context) (*domain.SyncResult, error) {
	result := &domain.SyncResult{}

	if wait := r.nextAttempt.Sub(r.now()); wait > 0 {
		remaining, err := r.queue.Count(ctx)
		if err != nil {
			return nil, err
		}
		result.Remaining = remaining
		r.log.Debug("sync deferred", zap.Duration("wait", wait), zap.Int("remaining", remaining))
		return result, nil
	}

	entries, err := r.queue.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		resp, err := r.processor.Submit(ctx, entry.Payload)
		switch {
		case err == nil:
			if resp.Duplicate {
				r.log.Info("sale already on server",
					zap.String("transaction_number", entry.TransactionNumber))
			} else {
				r.log.Info("sale synced",
					zap.String("transaction_number", entry.TransactionNumber),
					zap.String("transaction_id", resp.TransactionID))
			}
			if err := r.queue.Delete(ctx, entry.OfflineID); err != nil {
				return nil, err
			}
			result.Synced++
			r.failures = 0

		case errors.Is(err, store.ErrDuplicateTransaction):
			// The sale is already recorded server-side; the entry is done.
			r.log.Info("sale already on server",
				zap.String("transaction_number", entry.TransactionNumber))
			if err := r.queue.Delete(ctx, entry.OfflineID); err != nil {
				return nil, err
			}
			result.Synced++
			r.failures = 0

		case isPermanentRejection(err):
			r.log.Warn("sale rejected by server, parked for review",
				zap.String("transaction_number", entry.TransactionNumber),
				zap.Error(err))
			if markErr := r.queue.MarkConflict(ctx, entry.OfflineID, err.Error()); markErr != nil {
				return nil, markErr
			}
			result.Failed++
			result.Conflicts = append(result.Conflicts, domain.SyncConflict{
				OfflineID:         entry.OfflineID,
				TransactionNumber: entry.TransactionNumber,
				Reason:            err.Error(),
			})

		default:
			// Transient: server down, network flake, lock contention.
			// Stop here so sales behind this one keep their order.
			if recErr := r.queue.RecordFailure(ctx, entry.OfflineID, err.Error()); recErr != nil {
				return nil, recErr
			}
			r.failures++
			delay := r.backoffDelay()
			r.nextAttempt = r.now().Add(delay)
			r.log.Warn("sync interrupted, backing off",
				zap.String("transaction_number", entry.TransactionNumber),
				zap.Int("consecutive_failures", r.failures),
				zap.Duration("retry_in", delay),
				zap.Error(err))

			remaining, countErr := r.queue.Count(ctx)
			if countErr != nil {
				return nil, countErr
			}
			result.Remaining = remaining
			return result, nil
		}
	}

	remaining, err := r.queue.Count(ctx)
	if err != nil {
		return nil, err
	}
	result.Remaining = remaining
	return result, nil
}

func (r *Reconciler) backoffDelay() time.Duration {
	delay := r.baseDelay
	for i := 1; i < r.failures; i++ {
		delay *= 2
		if delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

func isPermanentRejection(err error) bool {
	return errors.Is(err, store.ErrInsufficientStock) ||
		errors.Is(err, store.ErrInvalidSale) ||
		errors.Is(err, store.ErrNotFound)
}
