// Package verifier implements spec.md §4.8: resolves a transaction's
// canonical inclusion, checks the fairness record's inclusion against the
// chain, re-verifies the VRF proof against the pinned public key, and
// re-derives the outcome to compare against what was stored. No single
// teacher file matches this end-to-end (it composes internal/blockchain,
// internal/vrf, internal/kvstore, internal/gamestore); WalkChain is
// grounded on original_source/src/bin/verify_chain.rs's block-by-block
// linkage and hash/Merkle verification.
package verifier

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"atomiq-core/internal/blockchain"
	"atomiq-core/internal/coreerr"
	"atomiq-core/internal/fairness"
	"atomiq-core/internal/gamestore"
	"atomiq-core/internal/kvstore"
	"atomiq-core/internal/vrf"
)

// Verifier checks end-to-end fairness proofs for committed transactions.
type Verifier struct {
	kv     *kvstore.Store
	store  *gamestore.Store
	pubKey [vrf.PubKeyLen]byte
}

// New builds a Verifier pinned to pubKey, the VRF engine's public key at
// boot; the verifier never trusts a caller-supplied key, per spec.md §4.4.
func New(kv *kvstore.Store, store *gamestore.Store, pubKey [vrf.PubKeyLen]byte) *Verifier {
	return &Verifier{kv: kv, store: store, pubKey: pubKey}
}

// Result is the structured outcome of one verification; Reason is set iff
// Valid is false. The verifier never panics or returns a bare error for a
// failed verification — only for genuine storage faults.
type Result struct {
	Valid  bool
	Reason string
}

func fail(reason string) Result { return Result{Valid: false, Reason: reason} }

// Verify checks the fairness record for txID against the canonical chain,
// per spec.md §4.8's five-step procedure.
func (v *Verifier) Verify(txID uint64) (Result, error) {
	height, index, err := v.resolveTxIndex(txID)
	if err != nil {
		return Result{}, err
	}
	if height == 0 {
		return fail("transaction index not found"), nil
	}

	block, ok, err := v.loadBlock(height)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return fail("canonical block not found at indexed height"), nil
	}
	if index >= len(block.Transactions) || block.Transactions[index].ID != txID {
		return fail("stored result inclusion does not match canonical chain"), nil
	}

	rec, ok, err := v.store.Load(txID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return fail("fairness record not found"), nil
	}

	if rec.BlockHeight != height || rec.BlockHash != block.BlockHash {
		return fail("stored result inclusion does not match canonical chain"), nil
	}

	var proof [vrf.ProofLen]byte
	var output [vrf.OutputLen]byte
	if err := vrf.ValidateLengths(rec.VRFProof, rec.VRFOutput); err != nil {
		return fail("VRF proof or output has the wrong length"), nil
	}
	copy(proof[:], rec.VRFProof)
	copy(output[:], rec.VRFOutput)

	tx := block.Transactions[index]
	if err := vrf.VerifyWithKey(v.pubKey, block.BlockHash, txID, height, tx.Timestamp, proof, output); err != nil {
		return fail("VRF verification failed"), nil
	}

	rederivedHeads := output[0]%2 == 0
	rederivedResult := gamestore.Tails
	if rederivedHeads {
		rederivedResult = gamestore.Heads
	}
	if rederivedResult != rec.CoinResult {
		return fail("re-derived coin result does not match stored outcome"), nil
	}

	var bet fairness.BetData
	if err := sonic.Unmarshal(tx.Data, &bet); err == nil {
		rederivedOutcome := gamestore.Loss
		rederivedPayout := uint64(0)
		if rederivedResult == bet.PlayerChoice {
			rederivedOutcome = gamestore.Win
			rederivedPayout = bet.BetAmount * 2
		}
		if rederivedOutcome != rec.Outcome || rederivedPayout != rec.Payout {
			return fail("re-derived outcome does not match stored outcome"), nil
		}

		rederivedGameType := bet.GameType
		if rederivedGameType == "" {
			rederivedGameType = gamestore.GameTypeCoinFlip
		}
		if rederivedGameType != rec.GameType {
			return fail("re-derived game type does not match stored record"), nil
		}
		if bet.Token != rec.Token {
			return fail("re-derived token does not match stored record"), nil
		}
	}

	expectedVRFInputMessage := string(vrf.CanonicalInput(block.BlockHash, txID, height, tx.Timestamp))
	if rec.VRFInputMessage != "" && rec.VRFInputMessage != expectedVRFInputMessage {
		return fail("stored vrf_input_message does not match canonical re-derivation"), nil
	}

	return Result{Valid: true}, nil
}

func (v *Verifier) resolveTxIndex(txID uint64) (height uint64, index int, err error) {
	key := append([]byte("tx_index:"), binary.BigEndian.AppendUint64(nil, txID)...)
	raw, ok, err := v.kv.Get(key)
	if err != nil {
		return 0, 0, coreerr.New(coreerr.KindStorage, "verifier.resolve_tx_index", err)
	}
	if !ok {
		return 0, 0, nil
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return 0, 0, coreerr.New(coreerr.KindIntegrity, "verifier.resolve_tx_index", fmt.Errorf("malformed tx_index value %q", raw))
	}
	h, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, coreerr.New(coreerr.KindIntegrity, "verifier.resolve_tx_index", err)
	}
	i, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, coreerr.New(coreerr.KindIntegrity, "verifier.resolve_tx_index", err)
	}
	return h, i, nil
}

func (v *Verifier) loadBlock(height uint64) (blockchain.Block, bool, error) {
	key := append([]byte("block:height:"), binary.BigEndian.AppendUint64(nil, height)...)
	raw, ok, err := v.kv.Get(key)
	if err != nil {
		return blockchain.Block{}, false, coreerr.New(coreerr.KindStorage, "verifier.load_block", err)
	}
	if !ok {
		return blockchain.Block{}, false, nil
	}
	blk, err := blockchain.DecodeBlock(raw)
	if err != nil {
		return blockchain.Block{}, false, coreerr.New(coreerr.KindIntegrity, "verifier.load_block", err)
	}
	return blk, true, nil
}

// LinkIssue describes one broken invariant WalkChain found at a height.
type LinkIssue struct {
	Height uint64
	Reason string
}

// WalkChain re-verifies block hash, transactions root, and previous-hash
// linkage for every height in [from, to], supplementing the spec with a
// range inspector grounded on original_source's verify_chain.rs.
func (v *Verifier) WalkChain(from, to uint64) ([]LinkIssue, error) {
	var issues []LinkIssue
	var prev *blockchain.Block

	for height := from; height <= to; height++ {
		block, ok, err := v.loadBlock(height)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !block.VerifyHash() {
			issues = append(issues, LinkIssue{Height: height, Reason: "block hash does not match computed hash"})
		}
		if !block.VerifyTransactionsRoot() {
			issues = append(issues, LinkIssue{Height: height, Reason: "transactions root does not match computed root"})
		}
		if prev != nil && block.PreviousBlockHash != prev.BlockHash {
			issues = append(issues, LinkIssue{Height: height, Reason: "previous_block_hash does not match prior block's hash"})
		}
		blockCopy := block
		prev = &blockCopy
	}
	return issues, nil
}
