// Package nanocore is the top-level embeddable transactional storage
// and dataflow core of spec.md: MVCC snapshot/serializable transactions
// over a tiered multi-version store, change-data-capture, a catalog of
// tables/views/flows, and the incremental dataflow engine that keeps
// materialized views current. Following the teacher's tinysql.go, this
// file and config.go (Config, DefaultConfig) are the package's entire
// public surface — every concrete type underneath lives in an internal/
// package and is reached only through DB and the handles in internal/vm.
//
// A minimal program:
//
//	db, err := nanocore.OpenDB(nanocore.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	cmd := db.BeginCommand(false)
//	if err := cmd.Set(kv.Source(ordersTable.ID), rowKey, encodedRow); err != nil {
//		cmd.Rollback()
//		log.Fatal(err)
//	}
//	if _, err := cmd.Commit(); err != nil {
//		log.Fatal(err)
//	}
package nanocore

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/cdc"
	"github.com/nanodb/core/internal/flow"
	"github.com/nanodb/core/internal/health"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/txn"
	"github.com/nanodb/core/internal/vm"
)

// DB is one running engine instance: the tiered store, its commit
// pipeline, the MVCC oracle, the catalog, every running flow scheduler,
// and the background workers (retention sweeps, health reporting, the
// memory watchdog) that keep it alive unattended. Grounded on
// tinysql.go's DB re-export, generalized from one in-process storage.DB
// to the full multi-tier, multi-worker engine spec.md describes.
type DB struct {
	cfg Config

	hot  *kv.HotTier
	warm *kv.WarmTier
	cold *kv.ColdTier

	store  *kv.MultiVersionStore
	writer *kv.Writer
	oracle *txn.Oracle
	ids    vm.IDs

	cdcLog   *cdc.Log
	producer *cdc.Producer

	catalogStore *catalog.Store
	materialized *catalog.MaterializedCatalog

	dropWorker *kv.DropWorker
	monitor    *health.Monitor
	watchdog   *health.Watchdog

	logger *log.Logger

	mu         sync.Mutex
	schedulers map[catalog.FlowID]*runningFlow
	closed     bool
}

type runningFlow struct {
	scheduler *flow.Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
}

// Paused reports the underlying scheduler's paused state, satisfying
// health.FlowStatus.
func (f *runningFlow) Paused() bool { return f.scheduler.Paused() }

// LastError reports the underlying scheduler's last error, satisfying
// health.FlowStatus.
func (f *runningFlow) LastError() string { return f.scheduler.LastError() }

// NewDB opens a DB with DefaultConfig().
func NewDB() (*DB, error) {
	return OpenDB(DefaultConfig())
}

// OpenDB wires every package built on top of internal/kv's tiered store
// into one running engine: hot/warm/cold tiers behind DefaultRouter, a
// commit pipeline (internal/kv.Writer) whose CDC appender is
// internal/cdc.Log, a fan-out internal/cdc.Producer feeding the catalog's
// materialized cache, the retention-driven drop worker, and the health
// monitor and memory watchdog. Flows are registered separately with
// RegisterFlow once their graph has been compiled from a view
// definition (outside this module's scope per spec.md's Non-goals).
func OpenDB(cfg Config) (*DB, error) {
	logger := log.Default()

	hot, err := kv.NewHotTier("nanocore-hot-" + uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("nanocore: open hot tier: %w", err)
	}
	warm, err := kv.NewWarmTier(cfg.WarmDir)
	if err != nil {
		return nil, fmt.Errorf("nanocore: open warm tier: %w", err)
	}
	cold, err := kv.NewColdTier(cfg.ColdDir)
	if err != nil {
		return nil, fmt.Errorf("nanocore: open cold tier: %w", err)
	}

	store := kv.NewMultiVersionStore(hot, warm, cold, kv.DefaultRouter{})

	cdcLog, err := cdc.NewLog(store)
	if err != nil {
		return nil, fmt.Errorf("nanocore: open cdc log: %w", err)
	}

	writer := kv.NewWriter(store, cdcLog, cfg.WriterQueueSize)
	producer := cdc.NewProducer(writer, logger)
	oracle := txn.NewOracle()

	catalogStore, err := catalog.NewStore(store)
	if err != nil {
		writer.Close()
		producer.Close()
		return nil, fmt.Errorf("nanocore: open catalog store: %w", err)
	}
	materialized := catalog.NewMaterializedCatalog(catalogStore, logger)
	materialized.Listen(producer)

	retention := catalog.NewRetentionSource(materialized, store)
	dropWorker := kv.NewDropWorker(store, retention, oracle, logger)
	if err := dropWorker.Start(cfg.DropSchedule); err != nil {
		writer.Close()
		producer.Close()
		return nil, fmt.Errorf("nanocore: start drop worker: %w", err)
	}

	monitor := health.NewMonitor(materialized, oracle, logger)
	if err := monitor.Start(cfg.HealthInterval); err != nil {
		dropWorker.Stop()
		writer.Close()
		producer.Close()
		return nil, fmt.Errorf("nanocore: start health monitor: %w", err)
	}

	watchdog := health.NewWatchdog(cfg.MemoryLimitBytes, cfg.MemoryKillThresholdPct, logger, nil)
	if err := watchdog.Start(cfg.MemoryPollEvery); err != nil {
		monitor.Stop()
		dropWorker.Stop()
		writer.Close()
		producer.Close()
		return nil, fmt.Errorf("nanocore: start memory watchdog: %w", err)
	}

	return &DB{
		cfg:          cfg,
		hot:          hot,
		warm:         warm,
		cold:         cold,
		store:        store,
		writer:       writer,
		oracle:       oracle,
		cdcLog:       cdcLog,
		producer:     producer,
		catalogStore: catalogStore,
		materialized: materialized,
		dropWorker:   dropWorker,
		monitor:      monitor,
		watchdog:     watchdog,
		logger:       logger,
		schedulers:   make(map[catalog.FlowID]*runningFlow),
	}, nil
}

// BeginQuery opens a read-only snapshot transaction, per spec.md
// §6.1's `begin_query`.
func (db *DB) BeginQuery() *vm.QueryHandle {
	return vm.BeginQuery(db.oracle, db.store)
}

// BeginCommand opens a read/write transaction, per spec.md §6.1's
// `begin_command`. serializable selects conflict-checking mode per I4.
func (db *DB) BeginCommand(serializable bool) *vm.CommandHandle {
	return vm.BeginCommand(db.oracle, db.store, db.writer, &db.ids, serializable)
}

// Catalog exposes the materialized catalog cache for callers that need
// to resolve a primitive or flow definition directly (a query planner,
// for instance), rather than duplicating its find_X_at surface here.
func (db *DB) Catalog() *catalog.MaterializedCatalog { return db.materialized }

// Store exposes the underlying tiered store, for callers (a query
// executor) that already hold a transaction handle and need direct
// EntryKind/key access this package's narrower vm handles do not
// expose, such as ensuring a new primitive's table exists.
func (db *DB) Store() *kv.MultiVersionStore { return db.store }

// RegisterFlow starts graph's incremental dataflow scheduler, feeding
// it commit events from this engine's CDC fan-out, recovering from
// flowID's own sink watermark before it begins consuming live traffic,
// and registering it with the health monitor under name. Call
// UnregisterFlow to stop it.
func (db *DB) RegisterFlow(ctx context.Context, name string, flowID catalog.FlowID, graph *flow.Graph, resolve flow.LayoutResolver) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return fmt.Errorf("nanocore: engine is closed")
	}
	if _, exists := db.schedulers[flowID]; exists {
		return fmt.Errorf("nanocore: flow %d is already registered", flowID)
	}

	sched := flow.NewScheduler(flowID, graph, db.oracle, db.store, db.writer, db.cdcLog, resolve, db.logger)

	head := db.oracle.ReadWatermark()
	if err := sched.Recover(head); err != nil {
		return fmt.Errorf("nanocore: recover flow %d: %w", flowID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	events := db.producer.Listen(name, db.cfg.CommitEventBuffer)
	rf := &runningFlow{scheduler: sched, cancel: cancel, done: make(chan struct{})}
	db.schedulers[flowID] = rf

	go func() {
		defer close(rf.done)
		if err := sched.Run(runCtx, events); err != nil && runCtx.Err() == nil {
			db.logger.Printf("nanocore: flow %q (id %d) stopped: %v", name, flowID, err)
		}
	}()

	db.monitor.RegisterFlow(name, rf)
	return nil
}

// UnregisterFlow stops flowID's scheduler and removes it from health
// reporting. It is a no-op if flowID was never registered.
func (db *DB) UnregisterFlow(name string, flowID catalog.FlowID) {
	db.mu.Lock()
	rf, ok := db.schedulers[flowID]
	if ok {
		delete(db.schedulers, flowID)
	}
	db.mu.Unlock()
	if !ok {
		return
	}
	db.monitor.UnregisterFlow(name)
	db.producer.Unlisten(name)
	rf.cancel()
	<-rf.done
}

// Close stops every background worker and running flow, then closes the
// commit pipeline and underlying tiers. Close is idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	schedulers := db.schedulers
	db.schedulers = make(map[catalog.FlowID]*runningFlow)
	db.mu.Unlock()

	for _, rf := range schedulers {
		rf.cancel()
		<-rf.done
	}

	db.watchdog.Stop()
	db.monitor.Stop()
	db.dropWorker.Stop()
	db.materialized.Close()
	db.producer.Close()
	db.writer.Close()

	var errs []error
	if err := db.hot.Close(); err != nil {
		errs = append(errs, fmt.Errorf("hot tier: %w", err))
	}
	if err := db.warm.Close(); err != nil {
		errs = append(errs, fmt.Errorf("warm tier: %w", err))
	}
	if err := db.cold.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cold tier: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("nanocore: close: %v", errs)
}
