// Package vm is the external-collaborator boundary of spec.md §6.1: the
// query compiler/VM is not part of this module, but whatever process
// embeds it needs a transaction handle and the row I/O operations —
// get, contains, range, set, remove, commit, rollback — and nothing
// else. Handle and CommandHandle narrow internal/txn's Query and
// Command down to exactly that surface, the way tinysql.go re-exports a
// handful of internal/storage and internal/engine types as the package's
// entire public API rather than exposing the packages themselves.
package vm

import (
	"sync/atomic"

	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/txn"
)

// IDs mints the caller-supplied transaction identifiers BeginCommand
// requires. A VM boundary typically owns exactly one IDs per engine
// instance.
type IDs struct {
	next uint64
}

// Next returns a fresh transaction id, unique among the ids this IDs
// has issued.
func (g *IDs) Next() uint64 { return atomic.AddUint64(&g.next, 1) }

// QueryHandle is a read-only snapshot transaction, per spec.md §6.1's
// `begin_query`.
type QueryHandle struct {
	q *txn.Query
}

// BeginQuery opens a read-only snapshot transaction against store.
func BeginQuery(oracle *txn.Oracle, store *kv.MultiVersionStore) *QueryHandle {
	return &QueryHandle{q: txn.BeginQuery(oracle, store)}
}

// Get resolves k's MVCC-visible value at this handle's snapshot.
func (h *QueryHandle) Get(kind kv.EntryKind, k key.Key) (kv.VersionedValue, bool, error) {
	return h.q.Get(kind, k)
}

// Contains reports whether k has a visible value, without returning it.
func (h *QueryHandle) Contains(kind kv.EntryKind, k key.Key) (bool, error) {
	_, ok, err := h.q.Get(kind, k)
	return ok, err
}

// Range scans [start, end) at this handle's snapshot.
func (h *QueryHandle) Range(kind kv.EntryKind, cursor kv.Cursor, start, end key.Key, batch int) ([]kv.VersionedValue, []key.Key, kv.Cursor, bool, error) {
	return h.q.RangeNext(kind, cursor, start, end, batch)
}

// ReadVersion returns the snapshot version this handle reads at.
func (h *QueryHandle) ReadVersion() uint64 { return h.q.ReadVersion() }

// Rollback releases the snapshot's read registration. A query handle
// never writes, so "rollback" and "commit" are the same no-op release;
// Rollback is the name the VM boundary calls unconditionally at the end
// of a read-only program.
func (h *QueryHandle) Rollback() { h.q.Close() }

// CommandHandle is a read/write transaction, per spec.md §6.1's
// `begin_command`.
type CommandHandle struct {
	c *txn.Command
}

// BeginCommand opens a read/write transaction with the given id,
// running in serializable mode when serializable is true.
func BeginCommand(oracle *txn.Oracle, store *kv.MultiVersionStore, writer *kv.Writer, ids *IDs, serializable bool) *CommandHandle {
	return &CommandHandle{c: txn.BeginCommand(oracle, store, writer, ids.Next(), serializable)}
}

// Get consults this transaction's own pending writes before falling
// back to its snapshot, so a program sees its own uncommitted changes.
func (h *CommandHandle) Get(kind kv.EntryKind, k key.Key) (kv.VersionedValue, bool, error) {
	return h.c.Get(kind, k)
}

// Contains reports whether k has a visible value, without returning it.
func (h *CommandHandle) Contains(kind kv.EntryKind, k key.Key) (bool, error) {
	_, ok, err := h.c.Get(kind, k)
	return ok, err
}

// Range scans [start, end) at this transaction's storage snapshot.
// This transaction's own pending writes are not merged into the
// results; Get does see them.
func (h *CommandHandle) Range(kind kv.EntryKind, cursor kv.Cursor, start, end key.Key, batch int) ([]kv.VersionedValue, []key.Key, kv.Cursor, bool, error) {
	return h.c.RangeNext(kind, cursor, start, end, batch)
}

// Set buffers a write, visible to this transaction's own later reads
// but invisible to everyone else until Commit succeeds.
func (h *CommandHandle) Set(kind kv.EntryKind, k key.Key, value []byte) error {
	return h.c.Set(kind, k, value)
}

// Remove buffers a tombstone.
func (h *CommandHandle) Remove(kind kv.EntryKind, k key.Key) error {
	return h.c.Remove(kind, k)
}

// ReadVersion returns the snapshot version this handle reads at.
func (h *CommandHandle) ReadVersion() uint64 { return h.c.ReadVersion() }

// Commit runs conflict detection and, on success, durably applies every
// buffered write under a single freshly-allocated commit version.
func (h *CommandHandle) Commit() (uint64, error) {
	return h.c.Commit()
}

// Rollback discards every buffered write and releases the snapshot.
// Safe to call after a failed Commit, and safe to defer unconditionally
// since a completed Commit makes Rollback a no-op.
func (h *CommandHandle) Rollback() {
	h.c.Rollback()
}
