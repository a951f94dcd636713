// Command atomiqd wires together the intake pool, block producer, fairness
// worker, and finalization notifiers into the single-process core of
// spec.md §1, in the teacher's main.go idiom: flag overrides over a TOML
// config, a top-level panic-to-file handler, and signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	debugpkg "runtime/debug"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"atomiq-core/internal/config"
	"atomiq-core/internal/executor"
	"atomiq-core/internal/fairness"
	"atomiq-core/internal/finalize"
	"atomiq-core/internal/gamestore"
	"atomiq-core/internal/kvstore"
	"atomiq-core/internal/logx"
	"atomiq-core/internal/producer"
	"atomiq-core/internal/txpool"
	"atomiq-core/internal/verifier"
	"atomiq-core/internal/vrf"
)

const vrfBootIDKey = "vrf:boot_id"
const vrfKeyRecordKey = "vrf:keypair"

func main() {
	defer func() {
		if r := recover(); r != nil {
			path := "panic.log"
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\n%s\n\n", ts, r, debugpkg.Stack())
			}
		}
	}()

	configFlag := flag.String("config", "", "path to atomiqd.toml")
	dataDirFlag := flag.String("data-dir", "", "override data directory")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fatal("config", err)
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("data dir", err)
	}
	config.EnsureExampleFile(cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := kvstore.Open(filepath.Join(cfg.DataDir, "atomiq.sqlite"))
	if err != nil {
		fatal("kv store", err)
	}
	defer kv.Close()

	engine, err := loadOrGenerateVRFEngine(kv)
	if err != nil {
		fatal("vrf engine", err)
	}
	logx.L.Info("vrf engine ready", "component", "startup", "public_key", fmt.Sprintf("%x", engine.PublicKey()))

	pool := txpool.New(cfg.MaxPoolSize, cfg.MaxTxDataSize)
	gstore := gamestore.New(kv)

	commitNotifier := finalize.New[finalize.Committed]("commit", cfg.NotifierChannelCapacity, finalize.CommittedKeys)
	fairnessNotifier := finalize.New[finalize.FairnessPersisted]("fairness", cfg.NotifierChannelCapacity, finalize.FairnessPersistedKeys)
	commitNotifier.Start(ctx)
	fairnessNotifier.Start(ctx)
	defer commitNotifier.Stop()
	defer fairnessNotifier.Stop()

	nonceMode := executorModeFor(cfg.NonceValidation)
	prod, err := producer.New(pool, kv, commitNotifier, nonceMode, cfg.MaxTransactionsPerBlock, time.Duration(cfg.BlockIntervalMS)*time.Millisecond)
	if err != nil {
		fatal("producer", err)
	}

	worker := fairness.New(kv, gstore, engine, fairnessNotifier, cfg.FairnessMaxConcurrency, cfg.FairnessPollInterval)
	verify := verifier.New(kv, gstore, engine.PublicKey())
	waiter := fairness.NewWaiter(gstore, fairnessNotifier)
	_ = verify // exposed to the in-process API layer (not wired to an HTTP surface here, per spec.md §1's non-goals)
	_ = waiter // same: reserved for the in-process API layer's fairness-result wait

	prod.Start()
	go worker.Run(commitNotifier)

	logx.L.Info("atomiqd started", "component", "startup", "data_dir", cfg.DataDir, "block_interval_ms", cfg.BlockIntervalMS)

	<-ctx.Done()
	logx.L.Info("shutting down", "component", "shutdown")

	prod.Stop()
	worker.Stop()
}

func executorModeFor(mode config.NonceMode) executor.Mode {
	switch mode {
	case config.NonceModeNone:
		return executor.ModeNone
	case config.NonceModeFull:
		return executor.ModeFull
	default:
		return executor.ModeBasic
	}
}

// loadOrGenerateVRFEngine loads the persisted VRF keypair, or generates and
// persists one on first boot, stamped with a boot id under vrf:boot_id so
// operators can correlate a running process with the key generation event
// in its logs, per SPEC_FULL.md §12.
func loadOrGenerateVRFEngine(kv *kvstore.Store) (*vrf.Engine, error) {
	raw, ok, err := kv.Get([]byte(vrfKeyRecordKey))
	if err != nil {
		return nil, err
	}
	if ok && len(raw) == 64 {
		var kp vrf.Keypair
		copy(kp.PrivateKey[:], raw[:32])
		copy(kp.PublicKey[:], raw[32:])
		return vrf.NewEngine(kp)
	}

	kp, err := vrf.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	bootID := uuid.New()
	entries := []kvstore.Entry{
		{Key: []byte(vrfKeyRecordKey), Value: append(append([]byte{}, kp.PrivateKey[:]...), kp.PublicKey[:]...)},
		{Key: []byte(vrfBootIDKey), Value: []byte(bootID.String())},
	}
	if err := kv.WriteBatch(entries); err != nil {
		return nil, err
	}
	logx.L.Info("generated new vrf keypair at first boot", "component", "startup", "boot_id", bootID.String())
	return vrf.NewEngine(kp)
}

func fatal(component string, err error) {
	logx.L.Error("fatal startup error", "component", component, "error", err)
	os.Exit(1)
}
