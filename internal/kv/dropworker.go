package kv

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nanodb/core/internal/key"
)

// RetentionKind discriminates a RetentionPolicy, per spec.md §6.3.
type RetentionKind uint8

const (
	KeepForever RetentionKind = iota
	KeepVersions
)

// CleanupMode selects how a dropped version is physically reclaimed,
// per spec.md §6.3: Delete tombstones before the eventual physical
// drop, Drop removes the version outright.
type CleanupMode uint8

const (
	CleanupDelete CleanupMode = iota
	CleanupDrop
)

// RetentionPolicy is the effective policy for one primitive or flow
// node, resolved by the catalog package as "the policy stored with the
// greatest version ≤ V" (spec.md §6.3).
type RetentionPolicy struct {
	Kind      RetentionKind
	KeepCount int // valid when Kind == KeepVersions
	Cleanup   CleanupMode
}

// RetentionSource is implemented by internal/catalog so the drop worker
// can discover which EntryKinds exist and what policy governs each,
// without kv importing catalog (catalog depends on kv, not the
// reverse).
type RetentionSource interface {
	// EntryKinds enumerates every EntryKind the drop worker should
	// sweep on this pass.
	EntryKinds() []EntryKind
	// PolicyFor returns the effective retention policy for kind, or
	// ok=false if spec.md §9's implementation-defined default applies
	// (this repository defaults an unset policy to KeepForever).
	PolicyFor(kind EntryKind) (policy RetentionPolicy, ok bool)
	// KeysFor enumerates every key currently known to exist (or have
	// existed) under an EntryKind.
	KeysFor(kind EntryKind) ([]key.Key, error)
}

// WatermarkSource reports the oracle's read watermark: the oldest
// version any active or future reader may still request, per I7.
type WatermarkSource interface {
	ReadWatermark() uint64
}

// DropWorker is the background reclamation loop of spec.md §4.2.4,
// grounded on the teacher's internal/storage/scheduler.go (cron-driven
// background job runner) and internal/storage/mvcc.go's
// GarbageCollect/GCWatermark concept, generalized from "one GC pass over
// one MVCCTable" to "one sweep per retention-governed EntryKind".
type DropWorker struct {
	store     *MultiVersionStore
	retention RetentionSource
	watermark WatermarkSource
	logger    *log.Logger

	cronSched *cron.Cron
	mu        sync.Mutex
	entryID   cron.EntryID
	running   bool
}

// NewDropWorker wires a reclamation sweep to run on a cron schedule
// (e.g. "0 */5 * * * *" for every five minutes, cron.WithSeconds()
// resolution matching the teacher's scheduler).
func NewDropWorker(store *MultiVersionStore, retention RetentionSource, watermark WatermarkSource, logger *log.Logger) *DropWorker {
	if logger == nil {
		logger = log.Default()
	}
	loc, _ := time.LoadLocation("UTC")
	return &DropWorker{
		store:     store,
		retention: retention,
		watermark: watermark,
		logger:    logger,
		cronSched: cron.New(cron.WithLocation(loc), cron.WithSeconds()),
	}
}

// Start schedules periodic sweeps. schedule is a standard (optionally
// seconds-resolution) cron expression.
func (w *DropWorker) Start(schedule string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("drop worker: already running")
	}
	id, err := w.cronSched.AddFunc(schedule, w.sweepLogged)
	if err != nil {
		return fmt.Errorf("drop worker: schedule %q: %w", schedule, err)
	}
	w.entryID = id
	w.cronSched.Start()
	w.running = true
	return nil
}

// Stop halts the scheduler; in-flight sweeps are allowed to finish.
func (w *DropWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	ctx := w.cronSched.Stop()
	<-ctx.Done()
	w.running = false
}

func (w *DropWorker) sweepLogged() {
	dropped, err := w.Sweep()
	if err != nil {
		w.logger.Printf("drop worker: sweep failed: %v", err)
		return
	}
	if dropped > 0 {
		w.logger.Printf("drop worker: reclaimed %d versions", dropped)
	}
}

// Sweep runs one reclamation pass over every EntryKind the retention
// source names, returning the total number of versions physically
// removed.
func (w *DropWorker) Sweep() (int, error) {
	watermark := w.watermark.ReadWatermark()
	total := 0
	for _, kind := range w.retention.EntryKinds() {
		policy, ok := w.retention.PolicyFor(kind)
		if !ok {
			policy = RetentionPolicy{Kind: KeepForever}
		}
		if policy.Kind == KeepForever {
			continue
		}
		keys, err := w.retention.KeysFor(kind)
		if err != nil {
			return total, fmt.Errorf("drop worker: keys for %s: %w", kind, err)
		}
		var batch []DropEntry
		for _, k := range keys {
			versions, err := w.store.GetAllVersions(kind, k)
			if err != nil {
				return total, fmt.Errorf("drop worker: get all versions for %s: %w", kind, err)
			}
			for _, v := range selectVersionsToDrop(versions, policy, watermark) {
				batch = append(batch, DropEntry{Key: k, Version: v})
			}
		}
		if len(batch) == 0 {
			continue
		}
		if err := w.store.Drop(kind, batch); err != nil {
			return total, fmt.Errorf("drop worker: drop %s: %w", kind, err)
		}
		total += len(batch)
	}
	return total, nil
}

// selectVersionsToDrop applies spec.md §4.2.4 + §6.3 + I7 to one key's
// version history (versions must be newest-first, GetAllVersions's
// contract): the greatest version ≤ watermark is always protected;
// KeepVersions additionally protects the KeepCount-1 next most recent
// versions below watermark. Everything else strictly below watermark is
// eligible.
func selectVersionsToDrop(versions []VersionedValue, policy RetentionPolicy, watermark uint64) []uint64 {
	sorted := make([]VersionedValue, len(versions))
	copy(sorted, versions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })

	protectedIdx := -1
	for i, v := range sorted {
		if v.Version <= watermark {
			protectedIdx = i
			break
		}
	}
	if protectedIdx == -1 {
		return nil // every version postdates the watermark; nothing is droppable
	}

	keepBelowWatermark := 0
	if policy.Kind == KeepVersions && policy.KeepCount > 1 {
		keepBelowWatermark = policy.KeepCount - 1
	}

	var drop []uint64
	kept := 0
	for i := protectedIdx + 1; i < len(sorted); i++ {
		if kept < keepBelowWatermark {
			kept++
			continue
		}
		drop = append(drop, sorted[i].Version)
	}
	return drop
}
