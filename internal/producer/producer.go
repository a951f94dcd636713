// Package producer implements the timer-driven direct-commit block
// producer of spec.md §4.3: drain, execute, seal, verify, atomic batch
// write, publish. Grounded on original_source/src/direct_commit.rs for the
// algorithm and on the teacher's job_manager.go/job_refresh.go timer-loop
// style (mutex-guarded last-refresh state, time.Ticker/select loop).
package producer

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/hako/durafmt"

	"atomiq-core/internal/blockchain"
	"atomiq-core/internal/coreerr"
	"atomiq-core/internal/executor"
	"atomiq-core/internal/finalize"
	"atomiq-core/internal/kvstore"
	"atomiq-core/internal/logx"
	"atomiq-core/internal/txpool"
)

// Committed is an alias for the shared block-commit event shape, keeping
// this package's exported signatures self-describing without duplicating
// the struct (finalize.Committed is the canonical definition).
type Committed = finalize.Committed

// Publisher delivers a committed block to internal subscribers; satisfied
// by *finalize.Notifier[Committed].
type Publisher interface {
	Publish(evt Committed)
}

// Producer runs at most one tick loop per process. No two ticks execute
// concurrently; the tick loop itself enforces this by being single-goroutine.
type Producer struct {
	pool          *txpool.Pool
	store         *kvstore.Store
	publisher     Publisher
	nonceMode     executor.Mode
	maxTxPerBlock int
	interval      time.Duration

	mu                sync.RWMutex
	lastBlockHash     [32]byte
	lastBlockHeight   uint64
	lastStatsEmission time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a producer seeded with the chain's current tip, read from
// the KV store (or genesis defaults if absent, per spec.md §6).
func New(pool *txpool.Pool, store *kvstore.Store, publisher Publisher, nonceMode executor.Mode, maxTxPerBlock int, interval time.Duration) (*Producer, error) {
	p := &Producer{
		pool:          pool,
		store:         store,
		publisher:     publisher,
		nonceMode:     nonceMode,
		maxTxPerBlock: maxTxPerBlock,
		interval:      interval,
		stop:          make(chan struct{}),
	}

	heightBytes, ok, err := store.Get([]byte("latest_height"))
	if err != nil {
		return nil, coreerr.New(coreerr.KindStorage, "producer.new", err)
	}
	if ok && len(heightBytes) == 8 {
		p.lastBlockHeight = binary.LittleEndian.Uint64(heightBytes)
	}
	hashBytes, ok, err := store.Get([]byte("latest_hash"))
	if err != nil {
		return nil, coreerr.New(coreerr.KindStorage, "producer.new", err)
	}
	if ok && len(hashBytes) == 32 {
		copy(p.lastBlockHash[:], hashBytes)
	}
	return p, nil
}

// LastCommitted returns the in-memory tip, guarded by the producer's RWMutex
// per spec.md §5's shared-resource policy.
func (p *Producer) LastCommitted() (height uint64, hash [32]byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastBlockHeight, p.lastBlockHash
}

// Start begins the tick loop in its own goroutine; Stop halts it.
func (p *Producer) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop halts the tick loop and waits for the in-flight tick to finish. The
// producer has no mid-tick cancellation, per spec.md §5: process exit (or
// this graceful stop between ticks) is the only way to halt it.
func (p *Producer) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Producer) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Producer) tick() {
	drained := p.pool.Drain(p.maxTxPerBlock)
	if len(drained) == 0 {
		// Empty blocks would create height gaps downstream indexers assume
		// don't exist; skip the tick entirely per spec.md §4.3 step 2.
		return
	}
	if len(drained) > p.maxTxPerBlock {
		logx.L.Error("producer drained more than max_transactions_per_block", "drained", len(drained), "max", p.maxTxPerBlock)
		return
	}

	execResult, err := executor.Execute(p.nonceMode, p.store, drained)
	if err != nil {
		logx.L.Error("producer execute failed", "error", err)
		return
	}

	p.mu.RLock()
	previousHash := p.lastBlockHash
	height := p.lastBlockHeight + 1
	p.mu.RUnlock()

	block := blockchain.Seal(height, previousHash, drained, blockchain.NowMS(), execResult.StateRoot)
	if !block.VerifyHash() || !block.VerifyTransactionsRoot() {
		logx.L.Error("producer sealed block failed self-verification", "height", height)
		return
	}

	if err := p.commit(block, execResult); err != nil {
		logx.L.Error("producer commit failed", "height", height, "error", err)
		return
	}

	p.mu.Lock()
	p.lastBlockHeight = block.Height
	p.lastBlockHash = block.BlockHash
	elapsedSinceStats := time.Since(p.lastStatsEmission)
	p.lastStatsEmission = time.Now()
	p.mu.Unlock()

	if elapsedSinceStats > 0 {
		logx.L.Info("block committed", "height", block.Height, "txs", len(block.Transactions), "since_last", durafmt.Parse(elapsedSinceStats).String())
	}

	if p.publisher != nil {
		p.publisher.Publish(Committed{
			Height:       block.Height,
			Hash:         block.BlockHash,
			Transactions: block.Transactions,
			Timestamp:    block.Timestamp,
		})
	}
}

func (p *Producer) commit(block blockchain.Block, execResult executor.Result) error {
	entries := make([]kvstore.Entry, 0, 6+2*len(block.Transactions)+len(execResult.StateUpdates))

	encodedBlock := blockchain.EncodeBlock(block)
	heightKey := append([]byte("block:height:"), binary.BigEndian.AppendUint64(nil, block.Height)...)
	hashHex := hex.EncodeToString(block.BlockHash[:])

	entries = append(entries,
		kvstore.Entry{Key: heightKey, Value: encodedBlock},
		kvstore.Entry{Key: []byte("block:hash:" + hashHex), Value: encodedBlock},
		kvstore.Entry{Key: append([]byte("height_to_hash:"), binary.BigEndian.AppendUint64(nil, block.Height)...), Value: block.BlockHash[:]},
		kvstore.Entry{Key: []byte("latest_height"), Value: encodeLE(block.Height)},
		kvstore.Entry{Key: []byte("latest_hash"), Value: block.BlockHash[:]},
	)

	for i, tx := range block.Transactions {
		idxValue := []byte(formatTxIndex(block.Height, i))
		entries = append(entries,
			kvstore.Entry{Key: txIndexKey(tx.ID), Value: idxValue},
			kvstore.Entry{Key: txDataKey(tx.ID), Value: blockchain.EncodeTransaction(tx)},
		)
	}

	for _, u := range execResult.StateUpdates {
		entries = append(entries, kvstore.Entry{Key: u.Key, Value: u.Value})
	}

	if err := p.store.WriteBatch(entries); err != nil {
		return coreerr.New(coreerr.KindStorage, "producer.commit", err)
	}
	return nil
}

func encodeLE(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func txIndexKey(txID uint64) []byte {
	return append([]byte("tx_index:"), binary.BigEndian.AppendUint64(nil, txID)...)
}

func txDataKey(txID uint64) []byte {
	return append([]byte("tx_data:"), binary.BigEndian.AppendUint64(nil, txID)...)
}

// formatTxIndex renders the ASCII "{height}:{index_in_block}" value spec.md
// §6 requires for tx_index:{id}.
func formatTxIndex(height uint64, index int) string {
	return strconv.FormatUint(height, 10) + ":" + strconv.Itoa(index)
}
