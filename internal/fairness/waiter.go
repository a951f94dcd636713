package fairness

import (
	"context"
	"time"

	"atomiq-core/internal/coreerr"
	"atomiq-core/internal/finalize"
	"atomiq-core/internal/gamestore"
)

// Waiter binds the generic FairnessPersisted notifier to the gamestore so a
// caller can block for a specific transaction's fairness record to become
// durable, re-checking inclusion against the KV store rather than trusting
// the notification payload alone. Grounded on
// original_source/src/fairness.rs's FairnessWaiter.wait_for_game_result: the
// notifier is only a wake-up mechanism, the store is the source of truth.
type Waiter struct {
	store    *gamestore.Store
	notifier *finalize.Notifier[finalize.FairnessPersisted]
}

// NewWaiter builds a Waiter over store, woken by events published on
// notifier (the same notifier the Worker publishes FairnessPersisted to).
func NewWaiter(store *gamestore.Store, notifier *finalize.Notifier[finalize.FairnessPersisted]) *Waiter {
	return &Waiter{store: store, notifier: notifier}
}

// WaitForResult blocks until txID's fairness record is durable and its
// inclusion matches (expectedHeight, expectedHash), or returns a structured
// error: coreerr.ErrRecordNotFound if a wake-up fired but the record still
// isn't readable, coreerr.ErrInclusionMismatch if the record disagrees with
// the expected inclusion, a coreerr.Timeout if the deadline elapses, or
// ctx.Err() if ctx is cancelled first.
func (w *Waiter) WaitForResult(ctx context.Context, txID, expectedHeight uint64, expectedHash [32]byte, timeout time.Duration) (gamestore.Record, error) {
	if rec, ok, err := w.store.Load(txID); err != nil {
		return gamestore.Record{}, err
	} else if ok {
		if rec.BlockHeight == expectedHeight && rec.BlockHash == expectedHash {
			return rec, nil
		}
		return gamestore.Record{}, coreerr.ErrInclusionMismatch
	}

	ch, cancel := w.notifier.Register(finalize.TxKey(txID))
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		rec, ok, err := w.store.Load(txID)
		if err != nil {
			return gamestore.Record{}, err
		}
		if !ok {
			return gamestore.Record{}, coreerr.ErrRecordNotFound
		}
		if rec.BlockHeight != expectedHeight || rec.BlockHash != expectedHash {
			return gamestore.Record{}, coreerr.ErrInclusionMismatch
		}
		return rec, nil
	case <-timer.C:
		return gamestore.Record{}, coreerr.Timeout("fairness.wait_for_result", timeout.Milliseconds())
	case <-ctx.Done():
		return gamestore.Record{}, ctx.Err()
	}
}
