package blockchain

import (
	stdsha "crypto/sha256"
	"encoding/binary"

	simdsha "github.com/minio/sha256-simd"
)

// sumFunc is swappable the way the teacher's hash_sha256.go swaps between
// the stdlib and SIMD implementations; defaults to the SIMD path.
type sumFunc func([]byte) [32]byte

var sum256 sumFunc = simdsha.Sum256

// UseSIMD toggles between the SIMD-accelerated and stdlib SHA-256
// implementations. No test in this module calls it, so tests run on the
// default SIMD path.
func UseSIMD(enabled bool) {
	if enabled {
		sum256 = simdsha.Sum256
		return
	}
	sum256 = stdsha.Sum256
}

// SumBytes exposes the module's swappable SHA-256 implementation to other
// packages (the executor's state_root, the VRF engine's output hash) so
// every hash in the core goes through the same SIMD/stdlib toggle.
func SumBytes(b []byte) [32]byte {
	return sum256(b)
}

// Hash returns SHA-256 of the transaction's fields concatenated in a fixed
// big-endian order, per spec.md §3.
func (tx Transaction) Hash() [32]byte {
	buf := make([]byte, 0, 8+32+len(tx.Data)+8+8)
	buf = binary.BigEndian.AppendUint64(buf, tx.ID)
	buf = append(buf, tx.Sender[:]...)
	buf = append(buf, tx.Data...)
	buf = binary.BigEndian.AppendUint64(buf, tx.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)
	return sum256(buf)
}

// headerBytes encodes every Block field except BlockHash, in field order,
// for both BlockHash computation and verification.
func (b Block) headerBytes() []byte {
	buf := make([]byte, 0, 8+32+8+4+32+32+8*len(b.Transactions))
	buf = binary.BigEndian.AppendUint64(buf, b.Height)
	buf = append(buf, b.PreviousBlockHash[:]...)
	for _, tx := range b.Transactions {
		h := tx.Hash()
		buf = append(buf, h[:]...)
	}
	buf = binary.BigEndian.AppendUint64(buf, b.Timestamp)
	buf = binary.BigEndian.AppendUint32(buf, b.TransactionCount)
	buf = append(buf, b.TransactionsRoot[:]...)
	buf = append(buf, b.StateRoot[:]...)
	return buf
}

// ComputeHash derives BlockHash = H(B without BlockHash).
func (b Block) ComputeHash() [32]byte {
	return sum256(b.headerBytes())
}

// VerifyHash reports whether b.BlockHash matches its computed hash.
func (b Block) VerifyHash() bool {
	return b.ComputeHash() == b.BlockHash
}

// VerifyTransactionsRoot reports whether b.TransactionsRoot matches the
// Merkle root of b.Transactions.
func (b Block) VerifyTransactionsRoot() bool {
	return MerkleRoot(b.Transactions) == b.TransactionsRoot
}
