package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
)

// ErrConflict is returned by Commit when another transaction's write set
// intersects this one's, per spec.md §4.1's commit step 4. Callers may
// retry.
var ErrConflict = errors.New("txn: conflict, retry")

// ErrReadOnly is returned when a Query transaction is asked to write.
var ErrReadOnly = errors.New("txn: read-only transaction")

// ErrClosed is returned by any operation on a Command or Query after
// Commit or Rollback has already run.
var ErrClosed = errors.New("txn: transaction already closed")

// pendingOp discriminates a buffered write in a Command's pending set.
type pendingOp uint8

const (
	pendingSet pendingOp = iota
	pendingRemove
)

type pendingDelta struct {
	kind kv.EntryKind
	key  key.Key
	op   pendingOp
	val  []byte
}

type pendingEntry struct {
	kind  kv.EntryKind
	key   key.Key
	delta pendingDelta
}

// Query is a read-only snapshot transaction: spec.md §4.1 Begin(query).
// Every read resolves at the fixed read version R; writes are forbidden.
type Query struct {
	oracle *Oracle
	store  *kv.MultiVersionStore
	r      uint64
	closed bool
}

// BeginQuery snapshots the current commit watermark (doneUntil) as its
// read version and registers it so
// the drop worker and CDC pruning cannot remove history this
// transaction might still need.
func BeginQuery(oracle *Oracle, store *kv.MultiVersionStore) *Query {
	return &Query{oracle: oracle, store: store, r: oracle.BeginRead()}
}

// ReadVersion returns the snapshot version R this query reads at.
func (q *Query) ReadVersion() uint64 { return q.r }

// Get resolves k's MVCC-visible value at this query's snapshot.
func (q *Query) Get(kind kv.EntryKind, k key.Key) (kv.VersionedValue, bool, error) {
	if q.closed {
		return kv.VersionedValue{}, false, ErrClosed
	}
	return q.store.Get(kind, k, q.r)
}

// RangeNext scans [start, end) at this query's snapshot.
func (q *Query) RangeNext(kind kv.EntryKind, cursor kv.Cursor, start, end key.Key, batch int) ([]kv.VersionedValue, []key.Key, kv.Cursor, bool, error) {
	if q.closed {
		return nil, nil, kv.Cursor{}, false, ErrClosed
	}
	return q.store.RangeNext(kind, cursor, start, end, q.r, batch)
}

// Close releases the read registration. Safe to call once; repeated
// calls are a no-op, which lets a deferred Close after an explicit one
// not double-release.
func (q *Query) Close() {
	if q.closed {
		return
	}
	q.closed = true
	q.oracle.EndRead(q.r)
}

// Command is a read/write transaction: spec.md §4.1 Begin(command).
// Writes accumulate in an in-memory pending set and are only made
// durable on Commit, which runs conflict detection against every
// transaction committed since this one's read snapshot.
//
// Grounded on the teacher's internal/storage/mvcc.go TxContext (ID,
// ReadSnapshot, WriteSet/ReadSet, mutex-guarded status), generalized
// from an always-applied-immediately row store to a buffered
// pending-set model since spec.md requires reads to see their own
// transaction's uncommitted writes before the pipeline ever touches
// storage.
type Command struct {
	oracle       *Oracle
	store        *kv.MultiVersionStore
	cdc          kv.CDCAppender
	writer       *kv.Writer
	serializable bool

	r        uint64
	txID     uint64
	conflict *Conflict

	pendingOrder []pendingEntry
	pendingIdx   map[string]int

	done bool
}

func pendingMapKey(kind kv.EntryKind, k key.Key) string {
	return kind.String() + "\x00" + string(k.Bytes())
}

// BeginCommand snapshots the commit watermark (doneUntil) as its read
// version, opens a pending set and
// conflict manager, and returns a Command ready for reads and writes.
// txID is an opaque identifier carried through to the CDC record; the
// caller (the VM boundary) is responsible for minting unique ids.
func BeginCommand(oracle *Oracle, store *kv.MultiVersionStore, writer *kv.Writer, txID uint64, serializable bool) *Command {
	return &Command{
		oracle:       oracle,
		store:        store,
		writer:       writer,
		serializable: serializable,
		r:            oracle.BeginRead(),
		txID:         txID,
		conflict:     NewConflict(),
		pendingIdx:   make(map[string]int),
	}
}

// ReadVersion returns the snapshot version R this command reads at.
func (c *Command) ReadVersion() uint64 { return c.r }

// Get consults the pending set first (spec.md §4.1: "first consult the
// pending set; on miss, read at version R from storage"), logging every
// access — pending-set hits included, since a later conflicting write
// from another transaction still matters for serializable checking.
func (c *Command) Get(kind kv.EntryKind, k key.Key) (kv.VersionedValue, bool, error) {
	if c.done {
		return kv.VersionedValue{}, false, ErrClosed
	}
	c.conflict.RecordRead(k)
	if idx, ok := c.pendingIdx[pendingMapKey(kind, k)]; ok {
		entry := c.pendingOrder[idx]
		if entry.delta.op == pendingRemove {
			return kv.VersionedValue{}, false, nil
		}
		return kv.VersionedValue{Value: entry.delta.val, Version: c.r}, true, nil
	}
	return c.store.Get(kind, k, c.r)
}

// RangeNext scans storage at this command's snapshot. Pending-set
// entries are not merged into range results in this implementation —
// callers needing read-your-writes over a range should check the
// pending set for the same kind separately; point lookups (Get) always
// see pending writes. The range itself is logged for serializable
// conflict detection.
func (c *Command) RangeNext(kind kv.EntryKind, cursor kv.Cursor, start, end key.Key, batch int) ([]kv.VersionedValue, []key.Key, kv.Cursor, bool, error) {
	if c.done {
		return nil, nil, kv.Cursor{}, false, ErrClosed
	}
	c.conflict.RecordRangeRead(start, end)
	return c.store.RangeNext(kind, cursor, start, end, c.r, batch)
}

// Set buffers a write into the pending set and the conflict manager's
// write set. Nothing is visible to other transactions until Commit.
func (c *Command) Set(kind kv.EntryKind, k key.Key, value []byte) error {
	if c.done {
		return ErrClosed
	}
	c.bufferWrite(kind, k, pendingDelta{kind: kind, key: k, op: pendingSet, val: value})
	return nil
}

// Remove buffers a tombstone write.
func (c *Command) Remove(kind kv.EntryKind, k key.Key) error {
	if c.done {
		return ErrClosed
	}
	c.bufferWrite(kind, k, pendingDelta{kind: kind, key: k, op: pendingRemove})
	return nil
}

func (c *Command) bufferWrite(kind kv.EntryKind, k key.Key, delta pendingDelta) {
	c.conflict.RecordWrite(k)
	mapKey := pendingMapKey(kind, k)
	entry := pendingEntry{kind: kind, key: k, delta: delta}
	if idx, ok := c.pendingIdx[mapKey]; ok {
		c.pendingOrder[idx] = entry
		return
	}
	c.pendingIdx[mapKey] = len(c.pendingOrder)
	c.pendingOrder = append(c.pendingOrder, entry)
}

// Commit runs spec.md §4.1's commit algorithm: acquire the oracle's
// sequence lock and allocate V (step 1–3, done together inside
// Oracle.beginCommit per the critical ordering rule), test for
// conflicts against every transaction committed since R (step 4), and
// on success hand the pending set to the write pipeline grouped by
// EntryKind (step 5) before releasing the read registration (step 6).
func (c *Command) Commit() (uint64, error) {
	if c.done {
		return 0, ErrClosed
	}
	if len(c.pendingOrder) == 0 {
		c.done = true
		c.oracle.EndRead(c.r)
		return c.r, nil
	}

	ticket := c.oracle.beginCommit()

	for _, other := range c.oracle.committedSince(c.r) {
		if c.conflict.ConflictsWith(other, c.serializable) {
			c.oracle.abortCommit(ticket)
			c.done = true
			c.oracle.EndRead(c.r)
			return 0, ErrConflict
		}
	}

	batches := make(map[kv.EntryKind][]kv.Delta)
	order := make([]kv.EntryKind, 0, 4)
	for _, entry := range c.pendingOrder {
		if _, seen := batches[entry.kind]; !seen {
			order = append(order, entry.kind)
		}
		d := kv.Delta{Key: entry.key, Tombstone: entry.delta.op == pendingRemove}
		if d.Tombstone {
			d.Value = nil
		} else {
			d.Value = entry.delta.val
		}
		batches[entry.kind] = append(batches[entry.kind], d)
	}

	for seq, kind := range order {
		req := &kv.CommitRequest{Kind: kind, Version: ticket.version, Sequence: uint64(seq), TxnID: c.txID, Deltas: batches[kind]}
		if err := c.writer.Submit(context.Background(), req); err != nil {
			c.oracle.abortCommit(ticket)
			c.done = true
			c.oracle.EndRead(c.r)
			return 0, fmt.Errorf("txn: commit: %w", err)
		}
	}

	c.oracle.finishCommit(ticket, c.conflict)
	c.done = true
	c.oracle.EndRead(c.r)
	return ticket.version, nil
}

// Rollback discards the pending set and conflict manager without
// touching storage, per spec.md §4.1 Rollback. Safe to call after a
// failed Commit or instead of one; a no-op once the transaction is
// already done, so a deferred Rollback following an explicit Commit
// never double-releases the read registration.
func (c *Command) Rollback() {
	if c.done {
		return
	}
	c.done = true
	c.pendingOrder = nil
	c.pendingIdx = nil
	c.oracle.EndRead(c.r)
}

// Guard runs fn inside a Command, committing on a nil return and
// rolling back otherwise — including when fn panics, per spec.md
// §4.1's panic failure row: "Transaction dropped; auto-rollback via
// scope guards." The panic is re-thrown after rollback so callers still
// see it.
func Guard(oracle *Oracle, store *kv.MultiVersionStore, writer *kv.Writer, txID uint64, serializable bool, fn func(*Command) error) (version uint64, err error) {
	cmd := BeginCommand(oracle, store, writer, txID, serializable)
	committed := false
	defer func() {
		if r := recover(); r != nil {
			cmd.Rollback()
			panic(r)
		}
		if !committed {
			cmd.Rollback()
		}
	}()

	if err = fn(cmd); err != nil {
		return 0, err
	}
	version, err = cmd.Commit()
	if err == nil {
		committed = true
	}
	return version, err
}
