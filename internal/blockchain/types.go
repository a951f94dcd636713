// Package blockchain holds the core data model: Transaction, Block, their
// deterministic hashing and binary codec, per spec.md §3.
package blockchain

import "time"

// MaxTxDataSize is the hard ceiling on Transaction.Data; the txpool also
// enforces a configurable (lower-or-equal) limit at submit time.
const MaxTxDataSize = 1 << 20

// Transaction is immutable once enqueued by the pool.
type Transaction struct {
	ID        uint64
	Sender    [32]byte
	Data      []byte
	Timestamp uint64 // ms since epoch, assigned at enqueue
	Nonce     uint64
}

// NowMS returns the current time in epoch milliseconds, the pool's
// timestamp source.
func NowMS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Block is sealed once by the producer and never mutated afterward.
type Block struct {
	Height             uint64
	PreviousBlockHash   [32]byte
	Transactions        []Transaction
	Timestamp           uint64
	TransactionCount    uint32
	TransactionsRoot    [32]byte
	StateRoot           [32]byte
	BlockHash           [32]byte
}

// ZeroHash is the all-zero 32-byte hash used for previous_block_hash of the
// first block and for latest_hash on an empty chain.
var ZeroHash [32]byte
