package verifier

import (
	"encoding/binary"
	"testing"

	"github.com/bytedance/sonic"

	"atomiq-core/internal/blockchain"
	"atomiq-core/internal/fairness"
	"atomiq-core/internal/gamestore"
	"atomiq-core/internal/kvstore"
	"atomiq-core/internal/vrf"
)

func openTestKV(t *testing.T) *kvstore.Store {
	t.Helper()
	kv, err := kvstore.Open(t.TempDir() + "/kv.sqlite")
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func testEngine(t *testing.T) *vrf.Engine {
	t.Helper()
	kp, err := vrf.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	e, err := vrf.NewEngine(kp)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func encodeLE(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func betTx(id uint64, playerChoice gamestore.CoinSide, amount uint64) blockchain.Transaction {
	body, _ := sonic.Marshal(fairness.BetData{PlayerAddress: "p1", BetAmount: amount, PlayerChoice: playerChoice})
	return blockchain.Transaction{ID: id, Data: body, Timestamp: 1000}
}

// commitAndProcess commits a block with txs at height on top of prev (or the
// zero hash if prev is nil), then runs the fairness worker's synchronous
// path for each tx, and writes the tx_index entries the producer would.
func commitAndProcess(t *testing.T, kv *kvstore.Store, w *fairness.Worker, height uint64, prev *blockchain.Block, txs []blockchain.Transaction) blockchain.Block {
	t.Helper()
	prevHash := blockchain.ZeroHash
	if prev != nil {
		prevHash = prev.BlockHash
	}
	block := blockchain.Seal(height, prevHash, txs, blockchain.NowMS(), blockchain.ZeroHash)

	entries := []kvstore.Entry{
		{Key: append([]byte("block:height:"), binary.BigEndian.AppendUint64(nil, height)...), Value: blockchain.EncodeBlock(block)},
		{Key: []byte("latest_height"), Value: encodeLE(height)},
		{Key: []byte("latest_hash"), Value: block.BlockHash[:]},
	}
	for i, tx := range txs {
		entries = append(entries, kvstore.Entry{
			Key:   append([]byte("tx_index:"), binary.BigEndian.AppendUint64(nil, tx.ID)...),
			Value: []byte(formatTxIndexForTest(height, i)),
		})
	}
	if err := kv.WriteBatch(entries); err != nil {
		t.Fatalf("commit block: %v", err)
	}

	for _, tx := range txs {
		if _, err := w.ProcessSync(tx, block); err != nil {
			t.Fatalf("process sync tx %d: %v", tx.ID, err)
		}
	}
	return block
}

func formatTxIndexForTest(height uint64, index int) string {
	return itoaForTest(height) + ":" + itoaForTest(uint64(index))
}

func itoaForTest(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func TestVerifyAcceptsGenuineRecord(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	w := fairness.New(kv, store, engine, nil, 4, 0)

	tx := betTx(1, gamestore.Heads, 100)
	commitAndProcess(t, kv, w, 1, nil, []blockchain.Transaction{tx})

	v := New(kv, store, engine.PublicKey())
	result, err := v.Verify(1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected genuine record to verify, got reason: %s", result.Reason)
	}
}

func TestVerifyDetectsTamperedOutput(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	w := fairness.New(kv, store, engine, nil, 4, 0)

	tx := betTx(1, gamestore.Heads, 100)
	commitAndProcess(t, kv, w, 1, nil, []blockchain.Transaction{tx})

	rec, ok, err := store.Load(1)
	if err != nil || !ok {
		t.Fatalf("load record: ok=%v err=%v", ok, err)
	}
	rec.VRFOutput[0] ^= 0xFF
	if err := store.Store(rec); err != nil {
		t.Fatalf("store tampered record: %v", err)
	}

	v := New(kv, store, engine.PublicKey())
	result, err := v.Verify(1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected tampered VRF output to fail verification")
	}
}

func TestVerifyDetectsInclusionMismatch(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	w := fairness.New(kv, store, engine, nil, 4, 0)

	tx1 := betTx(1, gamestore.Heads, 100)
	block1 := commitAndProcess(t, kv, w, 1, nil, []blockchain.Transaction{tx1})

	tx2 := betTx(2, gamestore.Tails, 100)
	commitAndProcess(t, kv, w, 2, &block1, []blockchain.Transaction{tx2})

	// Overwrite tx 1's index entry to point at height 2, index 0 (tx 2's
	// slot), simulating a corrupted or malicious index.
	if err := kv.Put(
		append([]byte("tx_index:"), binary.BigEndian.AppendUint64(nil, 1)...),
		[]byte(formatTxIndexForTest(2, 0)),
	); err != nil {
		t.Fatalf("overwrite tx index: %v", err)
	}

	v := New(kv, store, engine.PublicKey())
	result, err := v.Verify(1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected inclusion mismatch to fail verification")
	}
}

func TestVerifyReturnsFalseForUnknownTransaction(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)

	v := New(kv, store, engine.PublicKey())
	result, err := v.Verify(999)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected unknown transaction to fail verification")
	}
}

func TestWalkChainDetectsBrokenLinkage(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	w := fairness.New(kv, store, engine, nil, 4, 0)

	block1 := commitAndProcess(t, kv, w, 1, nil, []blockchain.Transaction{betTx(1, gamestore.Heads, 100)})
	commitAndProcess(t, kv, w, 2, &block1, []blockchain.Transaction{betTx(2, gamestore.Tails, 100)})

	// Corrupt block 2's previous_block_hash by re-sealing it with the wrong
	// parent and overwriting its stored bytes directly.
	badBlock := blockchain.Seal(2, [32]byte{0xAB}, []blockchain.Transaction{betTx(2, gamestore.Tails, 100)}, blockchain.NowMS(), blockchain.ZeroHash)
	if err := kv.Put(append([]byte("block:height:"), binary.BigEndian.AppendUint64(nil, 2)...), blockchain.EncodeBlock(badBlock)); err != nil {
		t.Fatalf("corrupt block 2: %v", err)
	}

	v := New(kv, store, engine.PublicKey())
	issues, err := v.WalkChain(1, 2)
	if err != nil {
		t.Fatalf("walk chain: %v", err)
	}
	found := false
	for _, issue := range issues {
		if issue.Height == 2 && issue.Reason == "previous_block_hash does not match prior block's hash" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a broken previous_block_hash link at height 2, got %+v", issues)
	}
}

func TestWalkChainCleanRangeReportsNoIssues(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	w := fairness.New(kv, store, engine, nil, 4, 0)

	block1 := commitAndProcess(t, kv, w, 1, nil, []blockchain.Transaction{betTx(1, gamestore.Heads, 100)})
	commitAndProcess(t, kv, w, 2, &block1, []blockchain.Transaction{betTx(2, gamestore.Tails, 100)})

	v := New(kv, store, engine.PublicKey())
	issues, err := v.WalkChain(1, 2)
	if err != nil {
		t.Fatalf("walk chain: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues on a clean chain, got %+v", issues)
	}
}
