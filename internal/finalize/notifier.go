// Package finalize implements the finalization/fairness notifier pattern of
// spec.md §4.6: a bounded broadcast channel, a per-key waiter map with
// single-delivery channels, and a dispatch loop that fulfills waiters in
// commit order. Grounded on original_source/src/finalization.rs and
// fairness.rs's FinalizationWaiter/FairnessWaiter (DashMap + oneshot +
// broadcast), translated to a single mutex-guarded map plus buffered Go
// channels; the dispatch loop is supervised with golang.org/x/sync/errgroup
// the way luxfi-consensus supervises its event-plumbing goroutines.
package finalize

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"atomiq-core/internal/coreerr"
	"atomiq-core/internal/logx"
)

// KeyFunc extracts every waiter key an event satisfies (e.g. both
// "height:{h}" and "tx:{id}" for each included transaction).
type KeyFunc[T any] func(evt T) []string

// Notifier is one instance of the broadcast + per-key-waiter pattern;
// spec.md §4.6 requires two independent instances (block-commit,
// fairness-persisted) built on this same shape.
type Notifier[T any] struct {
	events  chan T
	keyFn   KeyFunc[T]
	name    string

	mu        sync.Mutex
	waiters   map[string][]chan T
	subs      map[int]chan T
	nextSubID int

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a notifier with the given bounded channel capacity (~10000
// per spec.md §4.6) and key-extraction function.
func New[T any](name string, capacity int, keyFn KeyFunc[T]) *Notifier[T] {
	return &Notifier[T]{
		events:  make(chan T, capacity),
		keyFn:   keyFn,
		name:    name,
		waiters: make(map[string][]chan T),
		subs:    make(map[int]chan T),
	}
}

// Start launches the dispatch loop; Stop halts it.
func (n *Notifier[T]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.dispatchLoop(gctx) })
	n.group = g
}

// Stop cancels the dispatch loop and waits for it to exit.
func (n *Notifier[T]) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.group != nil {
		_ = n.group.Wait()
	}
}

func (n *Notifier[T]) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-n.events:
			n.dispatch(evt)
		}
	}
}

// Publish enqueues evt for dispatch. It never blocks: a full channel means
// a lagging dispatch loop, logged and dropped; subscribers (the fairness
// worker) are required by spec.md §4.5/§5 to resynchronize from their
// durable cursor rather than assume every event arrives.
func (n *Notifier[T]) Publish(evt T) {
	select {
	case n.events <- evt:
	default:
		logx.L.Warn("notifier channel full, dropping event; subscribers must resync from durable cursor", "notifier", n.name)
	}
}

func (n *Notifier[T]) dispatch(evt T) {
	keys := n.keyFn(evt)

	n.mu.Lock()
	var toFulfill [][]chan T
	for _, k := range keys {
		if chs, ok := n.waiters[k]; ok {
			toFulfill = append(toFulfill, chs)
			delete(n.waiters, k)
		}
	}
	subs := make([]chan T, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, chs := range toFulfill {
		for _, ch := range chs {
			// Buffered size-1 channel: this never blocks the dispatch loop,
			// and a receiver that already gave up (timeout/cancel) simply
			// never drains it; errors from a dropped receiver are ignored
			// per spec.md §4.6.
			select {
			case ch <- evt:
			default:
			}
		}
	}
	for _, s := range subs {
		select {
		case s <- evt:
		default:
			logx.L.Warn("notifier subscriber lagging, event dropped", "notifier", n.name)
		}
	}
}

// register adds a single-shot waiter channel under key. Callers MUST
// register before performing the action that might produce the awaited
// event (spec.md §4.6's ordering guarantee); this package cannot enforce
// that itself, only provide the primitive.
func (n *Notifier[T]) register(key string) chan T {
	ch := make(chan T, 1)
	n.mu.Lock()
	n.waiters[key] = append(n.waiters[key], ch)
	n.mu.Unlock()
	return ch
}

func (n *Notifier[T]) unregister(key string, ch chan T) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.waiters[key]
	for i, c := range list {
		if c == ch {
			n.waiters[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(n.waiters[key]) == 0 {
		delete(n.waiters, key)
	}
}

// Register exposes a waiter channel to a caller that wants to select on it
// alongside other conditions (e.g. the fairness waiter's KV re-check).
func (n *Notifier[T]) Register(key string) (ch <-chan T, cancel func()) {
	c := n.register(key)
	return c, func() { n.unregister(key, c) }
}

// Wait registers a waiter for key and blocks until it fires or timeout
// elapses, returning a structured Timeout error on expiry.
func (n *Notifier[T]) Wait(key string, timeout time.Duration) (T, error) {
	ch := n.register(key)
	select {
	case evt := <-ch:
		return evt, nil
	case <-time.After(timeout):
		n.unregister(key, ch)
		var zero T
		return zero, coreerr.Timeout("finalize.wait", timeout.Milliseconds())
	}
}

// WaitContext is Wait with cancellation: a cancelled context unregisters
// the waiter and returns ctx.Err() rather than a Timeout error, matching
// spec.md §5's "cancellation drops the single-shot sender" semantics.
func (n *Notifier[T]) WaitContext(ctx context.Context, key string, timeout time.Duration) (T, error) {
	ch := n.register(key)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case evt := <-ch:
		return evt, nil
	case <-timer.C:
		n.unregister(key, ch)
		var zero T
		return zero, coreerr.Timeout("finalize.wait", timeout.Milliseconds())
	case <-ctx.Done():
		n.unregister(key, ch)
		var zero T
		return zero, ctx.Err()
	}
}

// Subscribe registers an internal subscriber (e.g. the fairness worker)
// that receives every dispatched event, independent of key-based waiters.
// The returned cancel function must be called to stop receiving.
func (n *Notifier[T]) Subscribe(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	n.mu.Lock()
	id := n.nextSubID
	n.nextSubID++
	n.subs[id] = ch
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}
