// Package fairness implements the fairness worker of spec.md §4.5: it
// converts committed blocks into durable BlockchainGameResult records via
// the VRF engine, off the producer's hot path, with a durable cursor for
// restart-safe catch-up. Grounded on original_source/src/fairness.rs's
// FairnessWorker (cursor load/store, catch-up-then-event-driven loop,
// semaphore-bounded per-tx processing) and blockchain_game_processor.rs for
// the VRF-to-outcome derivation. Bounded concurrency uses
// github.com/remeh/sizedwaitgroup, the same idiom the teacher's
// job_manager.go uses for node-sync fan-out.
package fairness

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/remeh/sizedwaitgroup"

	"atomiq-core/internal/blockchain"
	"atomiq-core/internal/coreerr"
	"atomiq-core/internal/finalize"
	"atomiq-core/internal/gamestore"
	"atomiq-core/internal/kvstore"
	"atomiq-core/internal/logx"
	"atomiq-core/internal/vrf"
)

const cursorKey = "fairness:last_processed_height"

// BetData is the JSON payload of a game-bet transaction submitted by a
// player; a transaction whose data does not decode as BetData is not a game
// bet and is skipped by the worker.
type BetData struct {
	PlayerAddress string             `json:"player_address"`
	GameType      gamestore.GameType `json:"game_type"`
	BetAmount     uint64             `json:"bet_amount"`
	Token         gamestore.Token    `json:"token"`
	PlayerChoice  gamestore.CoinSide `json:"player_choice"`
}

// Publisher delivers a FairnessPersisted event; satisfied by
// *finalize.Notifier[finalize.FairnessPersisted].
type Publisher interface {
	Publish(evt finalize.FairnessPersisted)
}

// Worker is the background fairness persistence pipeline.
type Worker struct {
	kv            *kvstore.Store
	store         *gamestore.Store
	engine        *vrf.Engine
	publisher     Publisher
	maxConcurrency int
	pollInterval  time.Duration

	running chan struct{}
	stopped atomic.Bool
}

// New builds a Worker. maxConcurrency bounds per-height VRF derivation
// fan-out (spec.md §4.5's "acquire a permit from a semaphore").
func New(kv *kvstore.Store, store *gamestore.Store, engine *vrf.Engine, publisher Publisher, maxConcurrency int, pollInterval time.Duration) *Worker {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Worker{
		kv:             kv,
		store:          store,
		engine:         engine,
		publisher:      publisher,
		maxConcurrency: maxConcurrency,
		pollInterval:   pollInterval,
		running:        make(chan struct{}),
	}
}

func loadLatestHeight(kv *kvstore.Store) (uint64, error) {
	b, ok, err := kv.Get([]byte("latest_height"))
	if err != nil {
		return 0, err
	}
	if !ok || len(b) != 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (w *Worker) loadCursor() (uint64, error) {
	b, ok, err := w.kv.Get([]byte(cursorKey))
	if err != nil {
		return 0, err
	}
	if !ok || len(b) != 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (w *Worker) storeCursor(height uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, height)
	return w.kv.Put([]byte(cursorKey), buf)
}

func loadBlock(kv *kvstore.Store, height uint64) (blockchain.Block, bool, error) {
	key := append([]byte("block:height:"), binary.BigEndian.AppendUint64(nil, height)...)
	raw, ok, err := kv.Get(key)
	if err != nil {
		return blockchain.Block{}, false, err
	}
	if !ok {
		// Height gap: spec.md §4.3 never emits empty blocks, so an absent
		// height is tolerated as a no-op, never an error.
		return blockchain.Block{}, false, nil
	}
	blk, err := blockchain.DecodeBlock(raw)
	if err != nil {
		return blockchain.Block{}, false, err
	}
	return blk, true, nil
}

// Run drives catch-up then event-driven processing until Stop is called.
// It processes each commit event as it arrives and, on every pollInterval
// tick (100ms by default), also runs a cursor-driven catch-up, which picks
// up heights whose events were dropped when the broadcast channel lagged.
func (w *Worker) Run(commits *finalize.Notifier[finalize.Committed]) {
	if err := w.catchUpOnce(); err != nil {
		logx.L.Warn("fairness worker initial catch-up failed", "error", err)
	}

	sub, unsub := commits.Subscribe(64)
	defer unsub()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.running:
			return
		case evt := <-sub:
			if err := w.processHeight(evt.Height); err != nil {
				logx.L.Warn("fairness worker failed to process height from event", "height", evt.Height, "error", err)
			}
		case <-ticker.C:
			if err := w.catchUpOnce(); err != nil {
				logx.L.Warn("fairness worker catch-up tick failed", "error", err)
			}
		}
	}
}

// Stop signals the run loop to exit. The worker drains in-flight permits
// (sizedwaitgroup.Wait) before any in-progress processHeight call returns.
func (w *Worker) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.running)
	}
}

func (w *Worker) catchUpOnce() error {
	latest, err := loadLatestHeight(w.kv)
	if err != nil {
		return coreerr.New(coreerr.KindStorage, "fairness.catch_up", err)
	}
	if latest == 0 {
		return nil
	}

	cursor, err := w.loadCursor()
	if err != nil {
		return coreerr.New(coreerr.KindStorage, "fairness.catch_up", err)
	}
	if cursor > latest {
		cursor = latest
		if err := w.storeCursor(cursor); err != nil {
			return err
		}
	}

	for next := cursor + 1; next <= latest; next++ {
		if err := w.processHeight(next); err != nil {
			// Do not advance past an unrecoverable height; re-processing is
			// safe because fairness writes are keyed by tx_id (idempotent).
			return err
		}
		if err := w.storeCursor(next); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) processHeight(height uint64) error {
	block, ok, err := loadBlock(w.kv, height)
	if err != nil {
		return coreerr.New(coreerr.KindStorage, "fairness.process_height", err)
	}
	if !ok {
		return nil
	}

	swg := sizedwaitgroup.New(w.maxConcurrency)
	var mu sync.Mutex
	var failures []uint64
	for _, tx := range block.Transactions {
		tx := tx
		var bet BetData
		if sonic.Unmarshal(tx.Data, &bet) != nil {
			continue
		}
		swg.Add()
		go func() {
			defer swg.Done()
			if err := w.processTx(tx, bet, block); err != nil {
				logx.L.Warn("fairness tx processing failed", "tx_id", tx.ID, "height", height, "error", err)
				mu.Lock()
				failures = append(failures, tx.ID)
				mu.Unlock()
			}
		}()
	}
	swg.Wait()
	if len(failures) > 0 {
		// A partially-failed height must not let the durable cursor advance
		// past it, per spec.md §4.5: re-processing is safe (fairness writes
		// are keyed by tx_id and idempotent) but skipping isn't.
		return coreerr.New(coreerr.KindStorage, "fairness.process_height", errHeightIncomplete{height: height, failedTxIDs: failures})
	}
	return nil
}

type errHeightIncomplete struct {
	height      uint64
	failedTxIDs []uint64
}

func (e errHeightIncomplete) Error() string {
	return "fairness: one or more transactions failed to persist for this height"
}

func (w *Worker) processTx(tx blockchain.Transaction, bet BetData, block blockchain.Block) error {
	if existing, ok, err := w.store.Load(tx.ID); err == nil && ok && existing.BlockHeight == block.Height {
		return nil
	}

	outcome, err := w.engine.GenerateOutcome(block.BlockHash, tx.ID, block.Height, tx.Timestamp)
	if err != nil {
		return err
	}

	coinResult := gamestore.Tails
	if outcome.Heads {
		coinResult = gamestore.Heads
	}
	result := gamestore.Loss
	payout := uint64(0)
	if coinResult == bet.PlayerChoice {
		result = gamestore.Win
		payout = bet.BetAmount * 2
	}

	gameType := bet.GameType
	if gameType == "" {
		gameType = gamestore.GameTypeCoinFlip
	}

	rec := gamestore.Record{
		TransactionID:    tx.ID,
		PlayerAddress:    bet.PlayerAddress,
		GameType:         gameType,
		BetAmount:        bet.BetAmount,
		Token:            bet.Token,
		PlayerChoice:     bet.PlayerChoice,
		CoinResult:       coinResult,
		Outcome:          result,
		VRFProof:         outcome.Proof[:],
		VRFOutput:        outcome.Output[:],
		VRFInputMessage:  string(vrf.CanonicalInput(block.BlockHash, tx.ID, block.Height, tx.Timestamp)),
		Payout:           payout,
		Timestamp:        tx.Timestamp,
		BlockHeight:      block.Height,
		BlockHash:        block.BlockHash,
		SettlementStatus: gamestore.StatusPendingSettlement,
		Version:          1,
	}
	if err := w.store.Store(rec); err != nil {
		return err
	}

	if w.publisher != nil {
		w.publisher.Publish(finalize.FairnessPersisted{TxID: tx.ID, BlockHeight: block.Height, BlockHash: block.BlockHash})
	}
	return nil
}

// ProcessSync computes and persists the fairness record for a single
// already-committed transaction inline, bypassing the background worker.
// This is the legacy fallback path of spec.md §9's "legacy fallback in the
// request path" open question: safe to call redundantly with the
// background worker since both paths produce the same deterministic
// record, keyed by tx_id.
func (w *Worker) ProcessSync(tx blockchain.Transaction, block blockchain.Block) (gamestore.Record, error) {
	var bet BetData
	if err := sonic.Unmarshal(tx.Data, &bet); err != nil {
		return gamestore.Record{}, coreerr.New(coreerr.KindValidation, "fairness.process_sync", err)
	}
	if err := w.processTx(tx, bet, block); err != nil {
		return gamestore.Record{}, err
	}
	rec, ok, err := w.store.Load(tx.ID)
	if err != nil {
		return gamestore.Record{}, err
	}
	if !ok {
		return gamestore.Record{}, coreerr.New(coreerr.KindStorage, "fairness.process_sync", errNotPersisted)
	}
	return rec, nil
}

var errNotPersisted = errors.New("fairness record not found immediately after processing")
