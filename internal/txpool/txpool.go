// Package txpool implements the bounded FIFO transaction intake queue
// described in spec.md §4.1: wait-free submit, backpressure logging at high
// occupancy, and the drain/peek/remove/clear/stats surface the producer and
// request handlers use. Grounded on the teacher's pending_submissions.go
// (bounded pending-work queue with capacity warnings) and job_manager.go's
// mutex-guarded counters for the stats surface.
package txpool

import (
	"sync"
	"sync/atomic"

	"atomiq-core/internal/blockchain"
	"atomiq-core/internal/coreerr"
	"atomiq-core/internal/logx"
)

// backpressureThreshold is the occupancy fraction at which submit starts
// logging a structured warning, per spec.md §4.1.
const backpressureThreshold = 0.9

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Size       int
	Capacity   int
	NextAutoID uint64
}

// Pool is a bounded FIFO queue of pending transactions. All operations are
// safe for concurrent use; submit never blocks.
type Pool struct {
	mu            sync.Mutex
	items         []blockchain.Transaction
	maxPoolSize   int
	maxTxDataSize int
	nextAutoID    uint64
	warned        atomic.Bool
}

// New builds an empty pool with the given capacity and per-transaction data
// size limit.
func New(maxPoolSize, maxTxDataSize int) *Pool {
	return &Pool{
		maxPoolSize:   maxPoolSize,
		maxTxDataSize: maxTxDataSize,
		nextAutoID:    1,
	}
}

// Submit appends tx to the pool, assigning a fresh ID iff the caller left ID
// at 0 (preserving caller-supplied IDs for tests and deterministic replay),
// and stamping Timestamp. It is wait-free: it never blocks on a full pool,
// it returns PoolFull immediately.
func (p *Pool) Submit(tx blockchain.Transaction) (uint64, error) {
	if len(tx.Data) > p.maxTxDataSize {
		return 0, coreerr.ErrDataTooLarge
	}

	p.mu.Lock()
	if len(p.items) >= p.maxPoolSize {
		p.mu.Unlock()
		return 0, coreerr.ErrPoolFull
	}

	if tx.ID == 0 {
		tx.ID = p.nextAutoID
		p.nextAutoID++
	} else if tx.ID >= p.nextAutoID {
		p.nextAutoID = tx.ID + 1
	}
	tx.Timestamp = blockchain.NowMS()
	p.items = append(p.items, tx)
	size, capacity := len(p.items), p.maxPoolSize
	p.mu.Unlock()

	p.maybeWarnBackpressure(size, capacity)
	return tx.ID, nil
}

func (p *Pool) maybeWarnBackpressure(size, capacity int) {
	if capacity <= 0 {
		return
	}
	occupied := float64(size) / float64(capacity)
	if occupied >= backpressureThreshold {
		if p.warned.CompareAndSwap(false, true) {
			logx.L.Warn("txpool approaching capacity", "size", size, "capacity", capacity, "occupied", occupied)
		}
	} else {
		p.warned.Store(false)
	}
}

// Drain removes and returns up to n oldest entries, oldest first.
func (p *Pool) Drain(n int) []blockchain.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 || len(p.items) == 0 {
		return nil
	}
	if n > len(p.items) {
		n = len(p.items)
	}
	out := append([]blockchain.Transaction(nil), p.items[:n]...)
	remaining := append([]blockchain.Transaction(nil), p.items[n:]...)
	p.items = remaining
	return out
}

// Peek returns up to n oldest entries without removing them.
func (p *Pool) Peek(n int) []blockchain.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 || len(p.items) == 0 {
		return nil
	}
	if n > len(p.items) {
		n = len(p.items)
	}
	return append([]blockchain.Transaction(nil), p.items[:n]...)
}

// Remove deletes every entry whose ID is in ids, preserving relative order
// of the survivors.
func (p *Pool) Remove(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	toRemove := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		toRemove[id] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.items[:0:0]
	for _, tx := range p.items {
		if _, drop := toRemove[tx.ID]; !drop {
			out = append(out, tx)
		}
	}
	p.items = out
}

// Clear empties the pool.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = nil
}

// Stats returns a snapshot of current occupancy. The read path never
// returns an error; a concurrently-draining pool simply yields a slightly
// stale count, which is acceptable for a stats surface.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:       len(p.items),
		Capacity:   p.maxPoolSize,
		NextAutoID: p.nextAutoID,
	}
}
