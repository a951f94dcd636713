package blockchain

// Seal builds a fully-hashed Block from its pre-hash fields: it computes
// TransactionsRoot, then BlockHash, leaving the caller (the producer) to
// verify both before committing, per spec.md §4.3 step 5.
func Seal(height uint64, previousBlockHash [32]byte, txs []Transaction, timestamp uint64, stateRoot [32]byte) Block {
	b := Block{
		Height:            height,
		PreviousBlockHash: previousBlockHash,
		Transactions:      txs,
		Timestamp:         timestamp,
		TransactionCount:  uint32(len(txs)),
		StateRoot:         stateRoot,
	}
	b.TransactionsRoot = MerkleRoot(txs)
	b.BlockHash = b.ComputeHash()
	return b
}
