// Package kv implements the tiered multi-version storage substrate of
// spec.md §4.2: a Tier abstraction with hot/warm/cold backends, a
// MultiVersionStore that resolves MVCC reads across whatever tier an
// EntryKind routes to, a single-writer commit pipeline that appends CDC
// records atomically with user data, and a retention-driven drop worker.
//
// What: Every tier implements the same minimal interface
// (internal/storage/storage_backend.go's StorageBackend generalized from
// one storage mode to a uniform contract every tier satisfies); callers
// never see which tier answered a read.
// How: EntryKind partitions the key namespace the way tinySQL's
// StorageMode picked a whole-database backend, but per-entity instead of
// per-database: Multi (shared system data), Source(primitive) for table
// row data, Operator(flow node) for flow state.
// Why: Routing by EntryKind lets hot (in-process, low latency),
// warm (file-resident), and cold (append-only checksummed log) tiers coexist in
// one process the way tinySQL's ModeHybrid buffer pool coexists RAM and
// disk, but generalized from "whole table in one tier" to "any entity in
// any tier".
package kv

import (
	"fmt"

	"github.com/nanodb/core/internal/key"
)

// EntryKind partitions the key namespace per spec.md §4.2.1.
type EntryKind struct {
	variant   entryVariant
	primitive uint64 // valid when variant == entrySource
	flowNode  uint64 // valid when variant == entryOperator
}

type entryVariant uint8

const (
	entryMulti entryVariant = iota
	entrySource
	entryOperator
)

// Multi is the default, shared system partition.
var Multi = EntryKind{variant: entryMulti}

// Source returns the partition holding row data for a primitive.
func Source(primitiveID uint64) EntryKind {
	return EntryKind{variant: entrySource, primitive: primitiveID}
}

// Operator returns the partition holding a flow node's private state.
func Operator(flowNodeID uint64) EntryKind {
	return EntryKind{variant: entryOperator, flowNode: flowNodeID}
}

// Table returns the string used to namespace this EntryKind within a
// tier backend (file names, SQL table names, ...).
func (k EntryKind) Table() string {
	switch k.variant {
	case entryMulti:
		return "multi"
	case entrySource:
		return fmt.Sprintf("source_%d", k.primitive)
	case entryOperator:
		return fmt.Sprintf("operator_%d", k.flowNode)
	default:
		return "unknown"
	}
}

func (k EntryKind) String() string { return k.Table() }

// PrimitiveID returns the primitive id this EntryKind is Source(...) of,
// or ok=false for any other variant. Used by internal/catalog to
// reconstruct which primitive a retention-governed EntryKind belongs to.
func (k EntryKind) PrimitiveID() (id uint64, ok bool) {
	if k.variant != entrySource {
		return 0, false
	}
	return k.primitive, true
}

// FlowNodeID returns the flow node id this EntryKind is Operator(...) of,
// or ok=false for any other variant.
func (k EntryKind) FlowNodeID() (id uint64, ok bool) {
	if k.variant != entryOperator {
		return 0, false
	}
	return k.flowNode, true
}

// VersionedValue pairs a stored value with the commit version that wrote
// it. A nil Value with Tombstone set represents a Remove.
type VersionedValue struct {
	Version   uint64
	Value     []byte
	Tombstone bool
}

// Delta is one key's pending write within a tier transaction.
type Delta struct {
	Key       key.Key
	Value     []byte
	Tombstone bool // Remove
}

// DropEntry names a specific (key, version) pair the drop worker has
// decided to physically remove.
type DropEntry struct {
	Key     key.Key
	Version uint64
}

// Cursor carries range-scan position across calls so a caller can page
// through a range without holding a lazy iterator open, per spec.md §9
// ("range scans return a cursor + batched results").
type Cursor struct {
	// LastKey is the last key.Key byte form returned; the next call
	// resumes strictly after it. Empty on the first call.
	LastKey []byte
}

// Tier is the minimal interface every storage backend implements, per
// spec.md §4.2.1.
type Tier interface {
	// Name identifies the tier for logs and health reports.
	Name() string

	// EnsureTable prepares storage for an EntryKind (creating a file,
	// SQL table, or page-set as needed). Idempotent.
	EnsureTable(kind EntryKind) error

	// ClearTable drops every key under an EntryKind, used when a
	// primitive or flow node is deleted.
	ClearTable(kind EntryKind) error

	// Get resolves the value visible at or before version for a key,
	// per spec.md §4.2.2: "find the greatest stored version v' ≤ V for
	// that key; return its value if not a tombstone, None otherwise."
	Get(kind EntryKind, k key.Key, version uint64) (VersionedValue, bool, error)

	// Set applies a batch of deltas all written at the same commit
	// version, per spec.md §4.2.3 step 2.
	Set(kind EntryKind, version uint64, deltas []Delta) error

	// RangeNext returns up to batch entries with keys in [start, end)
	// whose MVCC-resolved value at version is defined, resuming after
	// cursor.LastKey. hasMore reports whether more entries remain.
	RangeNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) (items []VersionedValue, keys []key.Key, nextCursor Cursor, hasMore bool, err error)

	// RangeRevNext is RangeNext in descending key order.
	RangeRevNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) (items []VersionedValue, keys []key.Key, nextCursor Cursor, hasMore bool, err error)

	// GetAllVersions enumerates every stored version for a key, newest
	// first, for use by the drop worker (spec.md §4.2.4).
	GetAllVersions(kind EntryKind, k key.Key) ([]VersionedValue, error)

	// Drop physically removes the named (key, version) pairs. Must
	// never be asked to remove the greatest version ≤ the read
	// watermark (I7); the drop worker enforces that invariant before
	// calling Drop.
	Drop(kind EntryKind, entries []DropEntry) error

	// Close releases any resources (file handles, DB connections).
	Close() error
}
