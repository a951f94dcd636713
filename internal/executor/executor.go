// Package executor implements the state executor of spec.md §4.2: a pure
// function over a transaction batch that validates nonces, produces a
// canonical ordered state-update set, and derives a deterministic
// state_root. Grounded on the teacher's job_validate.go (structural
// validation pass over a batch before it is accepted) generalized from
// Stratum job fields to nonce/sender state.
package executor

import (
	"encoding/binary"
	"sort"

	"atomiq-core/internal/blockchain"
	"atomiq-core/internal/coreerr"
)

// Mode selects how strictly a batch is validated, per spec.md §4.2.
type Mode int

const (
	// ModeNone performs no validation; every transaction trivially succeeds.
	ModeNone Mode = iota
	// ModeBasic validates structure (non-empty data) and nonce sequencing.
	ModeBasic
	// ModeFull is reserved for future richer validation.
	ModeFull
)

// Update is one entry in the canonical state-update set. Tombstone entries
// carry an empty Value, matching the kvstore's tombstone-as-empty-value
// convention.
type Update struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// TxResult is the per-transaction outcome of executing a batch.
type TxResult struct {
	TxID    uint64
	Success bool
	Err     error
}

// Result is the full output of executing one batch.
type Result struct {
	TxResults    []TxResult
	StateUpdates []Update
	StateRoot    [32]byte
}

// Reader reads prior state by key; a miss returns ok=false. The producer's
// KV store (or an in-memory test double) satisfies this during execution.
type Reader interface {
	Get(key []byte) ([]byte, bool, error)
}

func nonceKey(sender [32]byte) []byte {
	return append([]byte("nonce_"), sender[:]...)
}

func txKey(txID uint64) []byte {
	buf := make([]byte, 0, 3+8)
	buf = append(buf, "tx_"...)
	buf = binary.BigEndian.AppendUint64(buf, txID)
	return buf
}

func decodeNonceLE(v []byte) uint64 {
	if len(v) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

func encodeNonceLE(n uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

// Execute runs mode-appropriate validation over txs against the state
// visible through r, returning per-tx results and the ordered state-update
// set with its state_root. Execute never mutates r; callers apply the
// returned updates atomically through the KV store.
func Execute(mode Mode, r Reader, txs []blockchain.Transaction) (Result, error) {
	var res Result
	res.TxResults = make([]TxResult, 0, len(txs))

	// Track in-flight nonces within this batch so multiple transactions
	// from the same sender in one block chain correctly without re-reading
	// storage after every update.
	pendingNonce := make(map[[32]byte]uint64)
	updatesBySender := make(map[[32]byte]uint64)

	for _, tx := range txs {
		result := TxResult{TxID: tx.ID, Success: true}

		switch mode {
		case ModeNone:
			// Trivially success.
		case ModeBasic, ModeFull:
			if len(tx.Data) == 0 {
				result.Success = false
				result.Err = coreerr.ErrEmptyData
				res.TxResults = append(res.TxResults, result)
				continue
			}

			current, ok := pendingNonce[tx.Sender]
			if !ok {
				stored, found, err := r.Get(nonceKey(tx.Sender))
				if err != nil {
					return Result{}, coreerr.New(coreerr.KindStorage, "executor.execute", err)
				}
				if found {
					current = decodeNonceLE(stored)
				}
			}

			if tx.Nonce != current+1 {
				result.Success = false
				result.Err = coreerr.ErrBadNonce
				res.TxResults = append(res.TxResults, result)
				continue
			}

			pendingNonce[tx.Sender] = tx.Nonce
			updatesBySender[tx.Sender] = tx.Nonce
			res.StateUpdates = append(res.StateUpdates, Update{Key: txKey(tx.ID), Value: blockchain.EncodeTransaction(tx)})
		}

		res.TxResults = append(res.TxResults, result)
	}

	for sender, nonce := range updatesBySender {
		sender := sender
		res.StateUpdates = append(res.StateUpdates, Update{Key: nonceKey(sender), Value: encodeNonceLE(nonce)})
	}

	sortUpdates(res.StateUpdates)
	res.StateRoot = computeStateRoot(res.StateUpdates)
	return res, nil
}

func sortUpdates(updates []Update) {
	sort.Slice(updates, func(i, j int) bool {
		return lessBytes(updates[i].Key, updates[j].Key)
	})
}

func lessBytes(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// computeStateRoot hashes the canonically-ordered update set so identical
// batches produce identical roots regardless of execution order, per
// spec.md §4.2.
func computeStateRoot(updates []Update) [32]byte {
	if len(updates) == 0 {
		return blockchain.ZeroHash
	}
	buf := make([]byte, 0, 256)
	for _, u := range updates {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(u.Key)))
		buf = append(buf, u.Key...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(u.Value)))
		buf = append(buf, u.Value...)
	}
	return blockchain.SumBytes(buf)
}
