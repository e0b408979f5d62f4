package kv

import (
	"fmt"
	"sync"

	"github.com/nanodb/core/internal/key"
)

// Router decides which physical Tier backs a given EntryKind, the "routes
// entity→tier" box in spec.md's architecture diagram (§2).
type Router interface {
	// RouteFor returns the tier name ("hot", "warm", or "cold") an
	// EntryKind should be stored under.
	RouteFor(kind EntryKind) string
}

// DefaultRouter implements the routing policy spec.md's overview diagram
// implies but leaves unpinned (§9 Open Questions): system/catalog data
// and active flow-node state stay hot for low-latency access, table row
// data lands warm by default since most tables outgrow memory, and
// nothing is cold-routed automatically — only primitives listed in
// ColdPrimitives go cold. Retention policies do not change routing.
type DefaultRouter struct {
	// ColdPrimitives marks primitive IDs whose Source(...) entries route
	// to the cold tier instead of warm; a nil map routes nothing cold.
	ColdPrimitives map[uint64]bool
}

func (r DefaultRouter) RouteFor(kind EntryKind) string {
	switch {
	case kind == Multi:
		return "hot"
	case r.ColdPrimitives != nil && r.isCold(kind):
		return "cold"
	default:
		return kind.defaultRoute()
	}
}

func (r DefaultRouter) isCold(kind EntryKind) bool {
	id, ok := kind.PrimitiveID()
	return ok && r.ColdPrimitives[id]
}

// defaultRoute is the routing a bare EntryKind gets absent any retention
// override: Source data defaults to warm (on-disk, not memory-resident),
// Operator (flow) state defaults to hot (it is read and rewritten on
// every micro-batch and must stay fast).
func (k EntryKind) defaultRoute() string {
	switch k.variant {
	case entrySource:
		return "warm"
	case entryOperator:
		return "hot"
	default:
		return "hot"
	}
}

// MultiVersionStore is the unified entry point spec.md §4.2 describes:
// callers address it by EntryKind and never see which physical Tier
// answered the call. It is grounded on the teacher's
// internal/storage/storage_backend.go StorageBackend facade, generalized
// from "one backend for the whole database" to "one router per entity".
type MultiVersionStore struct {
	mu sync.RWMutex

	hot  Tier
	warm Tier
	cold Tier

	router   Router
	prepared map[EntryKind]bool
}

// NewMultiVersionStore wires the three physical tiers behind a router.
func NewMultiVersionStore(hot, warm, cold Tier, router Router) *MultiVersionStore {
	if router == nil {
		router = DefaultRouter{}
	}
	return &MultiVersionStore{hot: hot, warm: warm, cold: cold, router: router, prepared: make(map[EntryKind]bool)}
}

// TierName reports which physical tier name ("hot", "warm", "cold") an
// EntryKind currently routes to, used by the write pipeline to pick the
// right per-tier writer goroutine.
func (m *MultiVersionStore) TierName(kind EntryKind) string {
	return m.router.RouteFor(kind)
}

func (m *MultiVersionStore) tierFor(kind EntryKind) (Tier, error) {
	switch m.router.RouteFor(kind) {
	case "hot":
		return m.hot, nil
	case "warm":
		return m.warm, nil
	case "cold":
		return m.cold, nil
	default:
		return nil, fmt.Errorf("multiversion: router returned unknown tier for %s", kind)
	}
}

// EnsureTable prepares the EntryKind's routed tier for use. Idempotent,
// cached so repeated calls on a hot path (e.g. per-row sink writes) skip
// the tier's own idempotence check.
func (m *MultiVersionStore) EnsureTable(kind EntryKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepared[kind] {
		return nil
	}
	t, err := m.tierFor(kind)
	if err != nil {
		return err
	}
	if err := t.EnsureTable(kind); err != nil {
		return err
	}
	m.prepared[kind] = true
	return nil
}

// ClearTable drops every key under an EntryKind, used when a primitive
// or flow node is deleted (spec.md I4: deleting a flow node must clear
// its EntryKind::Operator partition to the last byte).
func (m *MultiVersionStore) ClearTable(kind EntryKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.tierFor(kind)
	if err != nil {
		return err
	}
	delete(m.prepared, kind)
	return t.ClearTable(kind)
}

// Get resolves the MVCC-visible value for key at version, per spec.md
// §4.2.2: "find the greatest stored version v' ≤ V; return its value
// unless it is a tombstone."
func (m *MultiVersionStore) Get(kind EntryKind, k key.Key, version uint64) (VersionedValue, bool, error) {
	t, err := m.tierFor(kind)
	if err != nil {
		return VersionedValue{}, false, err
	}
	return t.Get(kind, k, version)
}

// Set applies a batch of deltas, all written at the same commit version.
// Every delta in one call must route to the same EntryKind's tier; the
// writer (internal/kv/writer.go) groups deltas by EntryKind before
// calling Set, matching the "single writer per tier" rule of §4.2.3.
func (m *MultiVersionStore) Set(kind EntryKind, version uint64, deltas []Delta) error {
	t, err := m.tierFor(kind)
	if err != nil {
		return err
	}
	return t.Set(kind, version, deltas)
}

func (m *MultiVersionStore) RangeNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) ([]VersionedValue, []key.Key, Cursor, bool, error) {
	t, err := m.tierFor(kind)
	if err != nil {
		return nil, nil, Cursor{}, false, err
	}
	return t.RangeNext(kind, cursor, start, end, version, batch)
}

func (m *MultiVersionStore) RangeRevNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) ([]VersionedValue, []key.Key, Cursor, bool, error) {
	t, err := m.tierFor(kind)
	if err != nil {
		return nil, nil, Cursor{}, false, err
	}
	return t.RangeRevNext(kind, cursor, start, end, version, batch)
}

// GetAllVersions enumerates every stored version for a key, newest
// first, for use by the drop worker.
func (m *MultiVersionStore) GetAllVersions(kind EntryKind, k key.Key) ([]VersionedValue, error) {
	t, err := m.tierFor(kind)
	if err != nil {
		return nil, err
	}
	return t.GetAllVersions(kind, k)
}

// Drop physically removes the named (key, version) pairs from whichever
// tier kind routes to. Callers (the drop worker) must have already
// enforced I7 (never the greatest version ≤ the read watermark).
func (m *MultiVersionStore) Drop(kind EntryKind, entries []DropEntry) error {
	t, err := m.tierFor(kind)
	if err != nil {
		return err
	}
	return t.Drop(kind, entries)
}

// Close releases every physical tier's resources.
func (m *MultiVersionStore) Close() error {
	var firstErr error
	for _, t := range []Tier{m.hot, m.warm, m.cold} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
