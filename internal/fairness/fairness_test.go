package fairness

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"atomiq-core/internal/blockchain"
	"atomiq-core/internal/finalize"
	"atomiq-core/internal/gamestore"
	"atomiq-core/internal/kvstore"
	"atomiq-core/internal/vrf"
)

type capturingFairnessPublisher struct {
	events []finalize.FairnessPersisted
}

func (c *capturingFairnessPublisher) Publish(evt finalize.FairnessPersisted) {
	c.events = append(c.events, evt)
}

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

// commitBlockForTest writes a block to the KV store at the given height
// the way the producer would, without depending on internal/producer.
func commitBlockForTest(t *testing.T, kv *kvstore.Store, height uint64, txs []blockchain.Transaction) blockchain.Block {
	t.Helper()
	block := blockchain.Seal(height, blockchain.ZeroHash, txs, blockchain.NowMS(), blockchain.ZeroHash)
	entries := []kvstore.Entry{
		{Key: append([]byte("block:height:"), binary.BigEndian.AppendUint64(nil, height)...), Value: blockchain.EncodeBlock(block)},
		{Key: []byte("latest_height"), Value: encodeLEForTest(height)},
		{Key: []byte("latest_hash"), Value: block.BlockHash[:]},
	}
	if err := kv.WriteBatch(entries); err != nil {
		t.Fatalf("commit block: %v", err)
	}
	return block
}

func encodeLEForTest(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func betTx(id uint64, playerChoice gamestore.CoinSide, amount uint64) blockchain.Transaction {
	body, _ := sonic.Marshal(BetData{PlayerAddress: "p1", BetAmount: amount, PlayerChoice: playerChoice})
	return blockchain.Transaction{ID: id, Data: body, Timestamp: 1000}
}

func TestCatchUpProcessesAllHeightsAndAdvancesCursor(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	pub := &capturingFairnessPublisher{}
	w := New(kv, store, engine, pub, 4, time.Hour)

	commitBlockForTest(t, kv, 1, []blockchain.Transaction{betTx(1, gamestore.Heads, 100)})
	commitBlockForTest(t, kv, 2, []blockchain.Transaction{betTx(2, gamestore.Tails, 100)})

	if err := w.catchUpOnce(); err != nil {
		t.Fatalf("catch up: %v", err)
	}

	cursor, err := w.loadCursor()
	if err != nil || cursor != 2 {
		t.Fatalf("expected cursor at 2, got %d err=%v", cursor, err)
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected 2 fairness-persisted events, got %d", len(pub.events))
	}

	rec1, ok, err := store.Load(1)
	if err != nil || !ok {
		t.Fatalf("expected record for tx 1: ok=%v err=%v", ok, err)
	}
	if rec1.BlockHeight != 1 {
		t.Fatalf("expected record block height 1, got %d", rec1.BlockHeight)
	}
}

func TestProcessHeightSkipsNonGameBetTransactions(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	w := New(kv, store, engine, nil, 4, time.Hour)

	commitBlockForTest(t, kv, 1, []blockchain.Transaction{{ID: 1, Data: []byte("not json bet data"), Timestamp: 1}})

	if err := w.processHeight(1); err != nil {
		t.Fatalf("process height: %v", err)
	}
	if _, ok, _ := store.Load(1); ok {
		t.Fatalf("expected no fairness record for non-game-bet transaction")
	}
}

func TestProcessHeightIsIdempotent(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	w := New(kv, store, engine, nil, 4, time.Hour)

	commitBlockForTest(t, kv, 1, []blockchain.Transaction{betTx(1, gamestore.Heads, 100)})

	if err := w.processHeight(1); err != nil {
		t.Fatalf("process height (1st): %v", err)
	}
	first, _, _ := store.Load(1)

	if err := w.processHeight(1); err != nil {
		t.Fatalf("process height (2nd): %v", err)
	}
	second, _, _ := store.Load(1)

	if first.CoinResult != second.CoinResult || first.Outcome != second.Outcome || string(first.VRFProof) != string(second.VRFProof) {
		t.Fatalf("expected byte-identical replay, got %+v vs %+v", first, second)
	}
}

func TestProcessHeightToleratesMissingBlock(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	w := New(kv, store, engine, nil, 4, time.Hour)

	if err := w.processHeight(42); err != nil {
		t.Fatalf("expected missing height to be a no-op, got %v", err)
	}
}

func TestProcessSyncComputesAndPersists(t *testing.T) {
	kv := openTestKV(t)
	store := gamestore.New(kv)
	engine := testEngine(t)
	w := New(kv, store, engine, nil, 4, time.Hour)

	tx := betTx(9, gamestore.Heads, 50)
	block := commitBlockForTest(t, kv, 1, []blockchain.Transaction{tx})

	rec, err := w.ProcessSync(tx, block)
	if err != nil {
		t.Fatalf("process sync: %v", err)
	}
	if rec.BlockHeight != 1 || rec.TransactionID != 9 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
