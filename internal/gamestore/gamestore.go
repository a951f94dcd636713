// Package gamestore implements the game store and settlement index of
// spec.md §4.7: a canonical JSON record per transaction, a recent-first
// index, and a pending-settlement index, all three written atomically, plus
// a compare-and-swap settlement update. Grounded on
// original_source/src/game_store.rs (key layouts, fallback scan) and
// original_source/src/api/settlement.rs's update_settlement_status
// (version-gate-then-increment CAS shape). JSON encoding uses
// github.com/bytedance/sonic, the teacher's fast-path JSON idiom
// (jsonx_sonic.go).
package gamestore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"atomiq-core/internal/coreerr"
	"atomiq-core/internal/kvstore"
)

const (
	resultPrefix      = "game:result:tx:"
	recentIndexPrefix = "game:index:recent:"
	pendingPrefix     = "settlement:pending:"
)

// SettlementStatus mirrors the status enum the CAS update transitions
// through, per spec.md §4.7.
type SettlementStatus string

const (
	StatusPendingSettlement SettlementStatus = "pending_settlement"
	StatusSubmitted         SettlementStatus = "submitted"
	StatusComplete          SettlementStatus = "complete"
	StatusFailed            SettlementStatus = "failed"
)

// CoinSide is the player's chosen/observed coin-flip face.
type CoinSide string

const (
	Heads CoinSide = "heads"
	Tails CoinSide = "tails"
)

// Outcome is the settled game outcome.
type Outcome string

const (
	Win  Outcome = "win"
	Loss Outcome = "loss"
)

// GameType identifies the game a bet was placed on. Only CoinFlip exists
// today, mirroring original_source/src/games/types.rs's GameType enum
// (single variant, serialized lowercase).
type GameType string

const GameTypeCoinFlip GameType = "coinflip"

// Token identifies the settlement currency a bet/payout is denominated in,
// grounded on original_source/src/games/types.rs's Token struct. MintAddress
// is empty for tokens without an on-chain mint (native SOL).
type Token struct {
	Symbol      string `json:"symbol"`
	MintAddress string `json:"mint_address,omitempty"`
}

// Record is the canonical fairness + settlement record persisted under
// game:result:tx:{id}, combining original_source's BlockchainGameResult and
// its settlement fields (see SPEC_FULL.md's supplemented-features section).
type Record struct {
	TransactionID       uint64           `json:"transaction_id"`
	PlayerAddress       string           `json:"player_address"`
	GameType            GameType         `json:"game_type"`
	BetAmount           uint64           `json:"bet_amount"`
	Token               Token            `json:"token"`
	PlayerChoice        CoinSide         `json:"player_choice"`
	CoinResult          CoinSide         `json:"coin_result"`
	Outcome             Outcome          `json:"outcome"`
	VRFProof            []byte           `json:"vrf_proof"`
	VRFOutput           []byte           `json:"vrf_output"`
	VRFInputMessage     string           `json:"vrf_input_message"`
	Payout              uint64           `json:"payout"`
	Timestamp           uint64           `json:"timestamp"`
	BlockHeight         uint64           `json:"block_height"`
	BlockHash           [32]byte         `json:"block_hash"`
	SettlementStatus    SettlementStatus `json:"settlement_status"`
	Version             uint64           `json:"version"`
	SolanaTxID          string           `json:"solana_tx_id,omitempty"`
	SettlementError     string           `json:"settlement_error,omitempty"`
	RetryCount          uint32           `json:"retry_count,omitempty"`
	NextRetryAfter      uint64           `json:"next_retry_after,omitempty"`
	SettlementCompleted uint64           `json:"settlement_completed_at,omitempty"`
}

// ToDetail projects rec into the full settlement detail view exposed to an
// operator inspecting one game, grounded on
// original_source/src/api/settlement.rs's impl From<BlockchainGameResult>
// for GameSettlementDetail.
func (rec Record) ToDetail() GameSettlementDetail {
	return GameSettlementDetail{
		TransactionID:       rec.TransactionID,
		PlayerAddress:       rec.PlayerAddress,
		GameType:            rec.GameType,
		BetAmount:           rec.BetAmount,
		Token:               rec.Token,
		PlayerChoice:        rec.PlayerChoice,
		CoinResult:          rec.CoinResult,
		Outcome:             rec.Outcome,
		Payout:              rec.Payout,
		VRFProof:            hex.EncodeToString(rec.VRFProof),
		VRFOutput:           hex.EncodeToString(rec.VRFOutput),
		VRFInputMessage:     rec.VRFInputMessage,
		BlockHeight:         rec.BlockHeight,
		BlockHash:           hex.EncodeToString(rec.BlockHash[:]),
		SettlementStatus:    rec.SettlementStatus,
		Version:             rec.Version,
		SolanaTxID:          rec.SolanaTxID,
		SettlementError:     rec.SettlementError,
		SettlementCompleted: rec.SettlementCompleted,
	}
}

// ToInfo projects rec into the redacted listing view used by bulk
// pending/recent pages, which omits the per-game VRF and block-hash detail
// that ToDetail carries, grounded on the same file's impl From<..> for
// GameSettlementInfo.
func (rec Record) ToInfo() GameSettlementInfo {
	return GameSettlementInfo{
		TransactionID:  rec.TransactionID,
		PlayerAddress:  rec.PlayerAddress,
		GameType:       rec.GameType,
		BetAmount:      rec.BetAmount,
		Token:          rec.Token,
		Outcome:        rec.Outcome,
		Payout:         rec.Payout,
		BlockHeight:    rec.BlockHeight,
		Version:        rec.Version,
		RetryCount:     rec.RetryCount,
		NextRetryAfter: rec.NextRetryAfter,
		SolanaTxID:     rec.SolanaTxID,
	}
}

// GameSettlementDetail is the full per-game settlement projection, grounded
// on original_source/src/api/settlement.rs's GameSettlementDetail.
type GameSettlementDetail struct {
	TransactionID       uint64           `json:"transaction_id"`
	PlayerAddress       string           `json:"player_address"`
	GameType            GameType         `json:"game_type"`
	BetAmount           uint64           `json:"bet_amount"`
	Token               Token            `json:"token"`
	PlayerChoice        CoinSide         `json:"player_choice"`
	CoinResult          CoinSide         `json:"coin_result"`
	Outcome             Outcome          `json:"outcome"`
	Payout              uint64           `json:"payout"`
	VRFProof            string           `json:"vrf_proof"`
	VRFOutput           string           `json:"vrf_output"`
	VRFInputMessage     string           `json:"vrf_input_message"`
	BlockHeight         uint64           `json:"block_height"`
	BlockHash           string           `json:"block_hash"`
	SettlementStatus    SettlementStatus `json:"settlement_status"`
	Version             uint64           `json:"version"`
	SolanaTxID          string           `json:"solana_tx_id,omitempty"`
	SettlementError     string           `json:"settlement_error,omitempty"`
	SettlementCompleted uint64           `json:"settlement_completed_at,omitempty"`
}

// GameSettlementInfo is the redacted listing projection (no block_hash, no
// VRF material, no settlement error detail) used by recent/pending listing
// surfaces so a bulk page doesn't leak full per-game detail, grounded on the
// same file's GameSettlementInfo.
type GameSettlementInfo struct {
	TransactionID  uint64   `json:"transaction_id"`
	PlayerAddress  string   `json:"player_address"`
	GameType       GameType `json:"game_type"`
	BetAmount      uint64   `json:"bet_amount"`
	Token          Token    `json:"token"`
	Outcome        Outcome  `json:"outcome"`
	Payout         uint64   `json:"payout"`
	BlockHeight    uint64   `json:"block_height"`
	Version        uint64   `json:"version"`
	RetryCount     uint32   `json:"retry_count,omitempty"`
	NextRetryAfter uint64   `json:"next_retry_after,omitempty"`
	SolanaTxID     string   `json:"solana_tx_id,omitempty"`
}

// Summary is the lightweight projection stored in the pending-settlement
// index, avoiding a full record decode during listing.
type Summary struct {
	TransactionID uint64 `json:"transaction_id"`
	PlayerAddress string `json:"player_address"`
	BetAmount     uint64 `json:"bet_amount"`
	Payout        uint64 `json:"payout"`
	Version       uint64 `json:"version"`
	BlockHeight   uint64 `json:"block_height"`
}

func resultKey(txID uint64) []byte {
	return []byte(resultPrefix + strconv.FormatUint(txID, 10))
}

func recentIndexKey(blockHeight, txID uint64) []byte {
	buf := make([]byte, 0, len(recentIndexPrefix)+16)
	buf = append(buf, recentIndexPrefix...)
	buf = binary.BigEndian.AppendUint64(buf, math.MaxUint64-blockHeight)
	buf = binary.BigEndian.AppendUint64(buf, txID)
	return buf
}

func pendingKey(txID uint64) []byte {
	buf := make([]byte, 0, len(pendingPrefix)+8)
	buf = append(buf, pendingPrefix...)
	buf = binary.BigEndian.AppendUint64(buf, txID)
	return buf
}

// Store wraps the KV store with the game-record access patterns.
type Store struct {
	kv *kvstore.Store
}

// New builds a Store over the given KV store.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Load returns the canonical record for txID, or ok=false if absent.
func (s *Store) Load(txID uint64) (Record, bool, error) {
	raw, ok, err := s.kv.Get(resultKey(txID))
	if err != nil {
		return Record{}, false, coreerr.New(coreerr.KindStorage, "gamestore.load", err)
	}
	if !ok || len(raw) == 0 {
		return Record{}, false, nil
	}
	var rec Record
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, coreerr.New(coreerr.KindStorage, "gamestore.load", err)
	}
	return rec, true, nil
}

// Store persists rec as the canonical record, recent-index entry, and
// pending-settlement index entry, all in one atomic batch, per spec.md
// §4.7's "all three writes performed as one atomic batch" requirement.
func (s *Store) Store(rec Record) error {
	body, err := sonic.Marshal(rec)
	if err != nil {
		return coreerr.New(coreerr.KindStorage, "gamestore.store", err)
	}

	var pendingValue []byte
	if rec.SettlementStatus == StatusPendingSettlement {
		summary := Summary{
			TransactionID: rec.TransactionID,
			PlayerAddress: rec.PlayerAddress,
			BetAmount:     rec.BetAmount,
			Payout:        rec.Payout,
			Version:       rec.Version,
			BlockHeight:   rec.BlockHeight,
		}
		pendingValue, err = sonic.Marshal(summary)
		if err != nil {
			return coreerr.New(coreerr.KindStorage, "gamestore.store", err)
		}
	}

	entries := []kvstore.Entry{
		{Key: resultKey(rec.TransactionID), Value: body},
		{Key: recentIndexKey(rec.BlockHeight, rec.TransactionID), Value: nil},
		{Key: pendingKey(rec.TransactionID), Value: pendingValue},
	}
	if err := s.kv.WriteBatch(entries); err != nil {
		return coreerr.New(coreerr.KindStorage, "gamestore.store", err)
	}
	return nil
}

// RecentPage is one page of the recent-first game index.
type RecentPage struct {
	TxIDs      []uint64
	NextCursor string
}

// LoadRecent returns up to limit transaction ids newest-block-first, inside
// a block smallest-tx-id-first, starting after cursorHex (or from the
// beginning if empty).
func (s *Store) LoadRecent(cursorHex string, limit int) (RecentPage, error) {
	var cursor []byte
	if cursorHex != "" {
		decoded, err := hex.DecodeString(cursorHex)
		if err != nil {
			return RecentPage{}, coreerr.New(coreerr.KindValidation, "gamestore.load_recent", err)
		}
		cursor = decoded
	}

	rows, err := s.kv.ScanPrefix([]byte(recentIndexPrefix), cursor, limit)
	if err != nil {
		return RecentPage{}, coreerr.New(coreerr.KindStorage, "gamestore.load_recent", err)
	}

	var page RecentPage
	for _, row := range rows {
		if len(row.Key) < len(recentIndexPrefix)+16 {
			continue
		}
		txIDBytes := row.Key[len(row.Key)-8:]
		page.TxIDs = append(page.TxIDs, binary.BigEndian.Uint64(txIDBytes))
		page.NextCursor = hex.EncodeToString(row.Key)
	}
	return page, nil
}

// PendingPage is one page of pending-settlement records.
type PendingPage struct {
	Records    []Record
	NextCursor string
}

// LoadPendingSettlements scans the settlement-pending index, re-checking
// each record's live status defensively against races, with a fallback to
// scanning the recent-games index when the pending index is empty and no
// cursor was supplied (the migration case of spec.md §4.7).
func (s *Store) LoadPendingSettlements(cursorHex string, limit int) (PendingPage, error) {
	var cursor []byte
	if cursorHex != "" {
		decoded, err := hex.DecodeString(cursorHex)
		if err != nil {
			return PendingPage{}, coreerr.New(coreerr.KindValidation, "gamestore.load_pending", err)
		}
		cursor = decoded
	}

	rows, err := s.kv.ScanPrefix([]byte(pendingPrefix), cursor, limit)
	if err != nil {
		return PendingPage{}, coreerr.New(coreerr.KindStorage, "gamestore.load_pending", err)
	}

	if len(rows) == 0 && cursorHex == "" {
		return s.loadPendingViaFallback(limit)
	}

	var page PendingPage
	var lastRowKey []byte
	for _, row := range rows {
		lastRowKey = row.Key
		if len(row.Value) == 0 {
			continue
		}
		var summary Summary
		if err := sonic.Unmarshal(row.Value, &summary); err != nil {
			continue
		}
		rec, ok, err := s.Load(summary.TransactionID)
		if err != nil || !ok {
			continue
		}
		if rec.SettlementStatus != StatusPendingSettlement {
			continue
		}
		page.Records = append(page.Records, rec)
	}
	// Whether pagination continues depends on whether the raw scan was
	// exhausted, not on how many rows survived the live-status filter: a
	// page full of tombstones/settled entries must not end pagination early
	// just because none of them were still pending.
	if len(rows) == limit {
		page.NextCursor = hex.EncodeToString(lastRowKey)
	}
	return page, nil
}

func (s *Store) loadPendingViaFallback(limit int) (PendingPage, error) {
	recent, err := s.LoadRecent("", limit*2)
	if err != nil {
		return PendingPage{}, err
	}
	var page PendingPage
	for _, txID := range recent.TxIDs {
		rec, ok, err := s.Load(txID)
		if err != nil || !ok {
			continue
		}
		if rec.SettlementStatus != StatusPendingSettlement {
			continue
		}
		page.Records = append(page.Records, rec)
		if len(page.Records) >= limit {
			break
		}
	}
	return page, nil
}

// CASUpdate is the set of optional mutations a settlement update may apply.
type CASUpdate struct {
	TxID            uint64
	Status          SettlementStatus
	ExpectedVersion uint64
	SolanaTxID      *string
	SettlementError *string
	RetryCount      *uint32
	NextRetryAfter  *uint64
	NowSeconds      uint64
}

// UpdateSettlement applies a compare-and-swap settlement status transition
// per spec.md §4.7: loads the record, rejects on version mismatch, mutates,
// bumps the version, and persists through the same atomic three-write
// batch Store uses.
func (s *Store) UpdateSettlement(u CASUpdate) (uint64, error) {
	rec, ok, err := s.Load(u.TxID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, coreerr.New(coreerr.KindValidation, "gamestore.update_settlement", errRecordNotFound(u.TxID))
	}
	if rec.Version != u.ExpectedVersion {
		return 0, coreerr.ErrVersionConflict
	}

	rec.SettlementStatus = u.Status
	if u.SolanaTxID != nil {
		rec.SolanaTxID = *u.SolanaTxID
	}
	if u.SettlementError != nil {
		rec.SettlementError = *u.SettlementError
	}
	if u.RetryCount != nil {
		rec.RetryCount = *u.RetryCount
	}
	if u.NextRetryAfter != nil {
		rec.NextRetryAfter = *u.NextRetryAfter
	}
	rec.Version++
	if u.Status == StatusComplete {
		rec.SettlementCompleted = u.NowSeconds
	}

	if err := s.Store(rec); err != nil {
		return 0, err
	}
	return rec.Version, nil
}

type errRecordNotFoundT struct{ txID uint64 }

func (e errRecordNotFoundT) Error() string {
	return "game record not found for transaction"
}

func errRecordNotFound(txID uint64) error { return errRecordNotFoundT{txID: txID} }

// ExternalSettlementEvent is the wire shape an external settlement
// dispatcher reports, grounded on
// original_source/src/api/settlement.rs's SettlementEvent. It carries only
// the outcome, not the underlying coin-flip detail.
type ExternalSettlementEvent struct {
	TransactionID uint64
	PlayerAddress string
	GameType      string
	BetAmount     uint64
	Token         string
	Outcome       string
	Payout        uint64
	VRFProof      string
	VRFOutput     string
	BlockHeight   uint64
	BlockHash     string
	Timestamp     uint64
}

// IngestExternal accepts a settlement event reported by an external
// dispatcher rather than derived from this core's own VRF pipeline, and
// persists a best-effort pending-settlement record for it. Grounded on
// original_source/src/api/settlement.rs's ingest_settlement_event: a
// debug/backfill path, not the primary fairness pipeline, so the coin
// choice/result are reconstructed as placeholders consistent with the
// reported outcome rather than carried on the wire.
func (s *Store) IngestExternal(evt ExternalSettlementEvent) (Record, error) {
	gameType, err := parseGameType(evt.GameType)
	if err != nil {
		return Record{}, err
	}
	outcome, err := parseOutcome(evt.Outcome)
	if err != nil {
		return Record{}, err
	}

	playerChoice, coinResult := Heads, Heads
	if outcome == Loss {
		coinResult = Tails
	}

	rec := Record{
		TransactionID:    evt.TransactionID,
		PlayerAddress:    evt.PlayerAddress,
		GameType:         gameType,
		BetAmount:        evt.BetAmount,
		Token:            Token{Symbol: evt.Token},
		PlayerChoice:     playerChoice,
		CoinResult:       coinResult,
		Outcome:          outcome,
		VRFProof:         decodeHexOrBytes(evt.VRFProof),
		VRFOutput:        decodeHexOrBytes(evt.VRFOutput),
		VRFInputMessage:  ingestVRFInputMessage(evt.TransactionID, gameType, evt.PlayerAddress),
		Payout:           evt.Payout,
		Timestamp:        evt.Timestamp,
		BlockHeight:      evt.BlockHeight,
		BlockHash:        decode32ByteHashOrZero(evt.BlockHash),
		SettlementStatus: StatusPendingSettlement,
		Version:          1,
	}
	if err := s.Store(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func ingestVRFInputMessage(txID uint64, gameType GameType, playerAddress string) string {
	return "ingest:" + strconv.FormatUint(txID, 10) + ":" + string(gameType) + ":" + playerAddress
}

func parseGameType(raw string) (GameType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "coinflip", "coin_flip", "coin-flip":
		return GameTypeCoinFlip, nil
	default:
		return "", coreerr.New(coreerr.KindValidation, "gamestore.ingest_external", fmt.Errorf("unsupported game_type %q", raw))
	}
}

func parseOutcome(raw string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "win":
		return Win, nil
	case "loss", "lose":
		return Loss, nil
	default:
		return "", coreerr.New(coreerr.KindValidation, "gamestore.ingest_external", fmt.Errorf("unsupported outcome %q", raw))
	}
}

// decodeHexOrBytes decodes value as hex (with an optional 0x prefix) when it
// looks like hex, falling back to its raw bytes otherwise, matching
// settlement.rs's decode-hex-or-raw fallback for externally reported VRF
// material.
func decodeHexOrBytes(value string) []byte {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if len(trimmed)%2 == 0 {
		if decoded, err := hex.DecodeString(trimmed); err == nil {
			return decoded
		}
	}
	return []byte(value)
}

// decode32ByteHashOrZero decodes value as a 32-byte hash, returning the zero
// hash if it isn't exactly 32 bytes once decoded.
func decode32ByteHashOrZero(value string) [32]byte {
	var out [32]byte
	decoded := decodeHexOrBytes(value)
	if len(decoded) == 32 {
		copy(out[:], decoded)
	}
	return out
}
