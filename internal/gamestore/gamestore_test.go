package gamestore

import (
	"testing"

	"github.com/bytedance/sonic"

	"atomiq-core/internal/coreerr"
	"atomiq-core/internal/kvstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.Open(t.TempDir() + "/kv.sqlite")
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv)
}

func baseRecord(txID, height uint64) Record {
	return Record{
		TransactionID:    txID,
		PlayerAddress:    "player-1",
		BetAmount:        100,
		PlayerChoice:     Heads,
		CoinResult:       Heads,
		Outcome:          Win,
		Payout:           200,
		BlockHeight:      height,
		SettlementStatus: StatusPendingSettlement,
		Version:          1,
	}
}

func TestStoreAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := baseRecord(1, 10)
	if err := s.Store(rec); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := s.Load(1)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.PlayerAddress != rec.PlayerAddress || got.Payout != rec.Payout {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoadRecentOrdersNewestBlockFirst(t *testing.T) {
	s := openTestStore(t)
	s.Store(baseRecord(1, 10))
	s.Store(baseRecord(2, 20))
	s.Store(baseRecord(3, 15))

	page, err := s.LoadRecent("", 10)
	if err != nil {
		t.Fatalf("load recent: %v", err)
	}
	want := []uint64{2, 3, 1}
	if len(page.TxIDs) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(page.TxIDs))
	}
	for i, id := range want {
		if page.TxIDs[i] != id {
			t.Fatalf("expected newest-first order %v, got %v", want, page.TxIDs)
		}
	}
}

func TestPendingSettlementExcludesSettledRecords(t *testing.T) {
	s := openTestStore(t)
	pending := baseRecord(1, 10)
	s.Store(pending)

	settled := baseRecord(2, 11)
	settled.SettlementStatus = StatusComplete
	s.Store(settled)

	page, err := s.LoadPendingSettlements("", 10)
	if err != nil {
		t.Fatalf("load pending: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].TransactionID != 1 {
		t.Fatalf("expected only tx 1 pending, got %+v", page.Records)
	}
}

func TestPendingSettlementFallsBackToRecentIndexWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	rec := baseRecord(1, 10)
	// Simulate a pre-settlement-index record: store directly without
	// going through the pending index (empty pending value).
	rec.SettlementStatus = StatusPendingSettlement
	body, err := sonic.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := s.kv.WriteBatch([]kvstore.Entry{
		{Key: resultKey(1), Value: body},
		{Key: recentIndexKey(10, 1), Value: nil},
	}); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	page, err := s.LoadPendingSettlements("", 10)
	if err != nil {
		t.Fatalf("load pending: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].TransactionID != 1 {
		t.Fatalf("expected fallback scan to find tx 1, got %+v", page.Records)
	}
}

func TestUpdateSettlementCASSucceedsOnce(t *testing.T) {
	s := openTestStore(t)
	s.Store(baseRecord(1, 10))

	newVersion, err := s.UpdateSettlement(CASUpdate{
		TxID:            1,
		Status:          StatusComplete,
		ExpectedVersion: 1,
		NowSeconds:      12345,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if newVersion != 2 {
		t.Fatalf("expected version 2, got %d", newVersion)
	}

	rec, _, _ := s.Load(1)
	if rec.SettlementCompleted != 12345 {
		t.Fatalf("expected settlement_completed_at to be set")
	}

	_, err = s.UpdateSettlement(CASUpdate{TxID: 1, Status: StatusComplete, ExpectedVersion: 1})
	if coreerr.Of(err) != coreerr.KindConflict {
		t.Fatalf("expected second CAS with stale version to conflict, got %v", err)
	}
}

func TestPendingSettlementPaginatesPastFilteredPage(t *testing.T) {
	s := openTestStore(t)
	// Fill a full page of tombstoned/settled records so the raw scan
	// returns `limit` rows but the filtered page is empty; pagination must
	// still continue rather than clearing NextCursor.
	for i := uint64(1); i <= 3; i++ {
		rec := baseRecord(i, 10+i)
		rec.SettlementStatus = StatusComplete
		s.Store(rec)
	}
	live := baseRecord(4, 20)
	s.Store(live)

	page, err := s.LoadPendingSettlements("", 3)
	if err != nil {
		t.Fatalf("load pending: %v", err)
	}
	if len(page.Records) != 0 {
		t.Fatalf("expected all 3 scanned rows filtered out, got %+v", page.Records)
	}
	if page.NextCursor == "" {
		t.Fatalf("expected NextCursor to survive a fully-filtered page since the raw scan was not exhausted")
	}

	next, err := s.LoadPendingSettlements(page.NextCursor, 3)
	if err != nil {
		t.Fatalf("load pending page 2: %v", err)
	}
	if len(next.Records) != 1 || next.Records[0].TransactionID != 4 {
		t.Fatalf("expected page 2 to surface tx 4, got %+v", next.Records)
	}
}

func TestIngestExternalNormalizesAndStores(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.IngestExternal(ExternalSettlementEvent{
		TransactionID: 42,
		PlayerAddress: "player-1",
		GameType:      "coin_flip",
		BetAmount:     500,
		Token:         "USDC",
		Outcome:       "Win",
		Payout:        1000,
		VRFProof:      "aabbcc",
		VRFOutput:     "ddeeff",
		BlockHeight:   7,
		BlockHash:     "",
		Timestamp:     99,
	})
	if err != nil {
		t.Fatalf("ingest external: %v", err)
	}
	if rec.GameType != GameTypeCoinFlip {
		t.Fatalf("expected normalized game type, got %q", rec.GameType)
	}
	if rec.Outcome != Win || rec.PlayerChoice != Heads || rec.CoinResult != Heads {
		t.Fatalf("expected win outcome to derive heads/heads placeholder, got %+v", rec)
	}
	if rec.Token.Symbol != "USDC" {
		t.Fatalf("expected token symbol USDC, got %+v", rec.Token)
	}
	if len(rec.VRFProof) != 3 || rec.VRFProof[0] != 0xaa {
		t.Fatalf("expected hex-decoded vrf proof, got %x", rec.VRFProof)
	}
	if rec.SettlementStatus != StatusPendingSettlement || rec.Version != 1 {
		t.Fatalf("expected fresh pending record, got %+v", rec)
	}

	got, ok, err := s.Load(42)
	if err != nil || !ok {
		t.Fatalf("load ingested record: ok=%v err=%v", ok, err)
	}
	if got.VRFInputMessage == "" {
		t.Fatalf("expected synthesized vrf_input_message to be persisted")
	}
}

func TestIngestExternalRejectsUnknownGameType(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.IngestExternal(ExternalSettlementEvent{GameType: "blackjack", Outcome: "win"}); coreerr.Of(err) != coreerr.KindValidation {
		t.Fatalf("expected validation error for unknown game type, got %v", err)
	}
}

func TestRecordProjections(t *testing.T) {
	rec := baseRecord(1, 10)
	rec.GameType = GameTypeCoinFlip
	rec.Token = Token{Symbol: "SOL"}
	rec.VRFProof = []byte{1, 2, 3}
	rec.VRFOutput = []byte{4, 5, 6}

	detail := rec.ToDetail()
	if detail.VRFProof != "010203" || detail.VRFOutput != "040506" {
		t.Fatalf("expected hex-encoded VRF material in detail, got %+v", detail)
	}

	info := rec.ToInfo()
	if info.TransactionID != rec.TransactionID || info.Token != rec.Token {
		t.Fatalf("expected info projection to carry core fields, got %+v", info)
	}
}
