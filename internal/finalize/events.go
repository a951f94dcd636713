package finalize

import (
	"strconv"

	"atomiq-core/internal/blockchain"
)

// Committed is the block-commit event the producer publishes. It is defined
// here and re-exported by internal/producer as the type alias
// producer.Committed, so this package never imports internal/producer.
// cmd/atomiqd wires the two together.
type Committed struct {
	Height       uint64
	Hash         [32]byte
	Transactions []blockchain.Transaction
	Timestamp    uint64
}

// CommittedKeys satisfies both a height waiter and one tx waiter per
// included transaction, per spec.md §4.6.
func CommittedKeys(evt Committed) []string {
	keys := make([]string, 0, 1+len(evt.Transactions))
	keys = append(keys, HeightKey(evt.Height))
	for _, tx := range evt.Transactions {
		keys = append(keys, TxKey(tx.ID))
	}
	return keys
}

// FairnessPersisted is the event the fairness worker publishes once a
// record is durable. It is defined here because internal/fairness imports
// this package.
type FairnessPersisted struct {
	TxID        uint64
	BlockHeight uint64
	BlockHash   [32]byte
}

// FairnessPersistedKeys satisfies exactly one tx waiter per spec.md §4.5/§4.6.
func FairnessPersistedKeys(evt FairnessPersisted) []string {
	return []string{TxKey(evt.TxID)}
}

// HeightKey and TxKey are the canonical waiter-map key formats shared by
// both notifier instances.
func HeightKey(height uint64) string { return "height:" + strconv.FormatUint(height, 10) }
func TxKey(txID uint64) string       { return "tx:" + strconv.FormatUint(txID, 10) }
