// Package change defines the wire-level change records produced by every
// commit: the CDC contract of spec.md §4.2.6 and §4.3.
//
// What: SystemChange is a tagged union of Insert/Update/Delete over a raw
// key; Record bundles the ordered list of SystemChanges for one commit
// version together with the commit's wall-clock timestamp and txn id.
// How: Before/after images are captured as opaque byte slices — the
// storage tier that produces a Record has no opinion about what Layout
// those bytes decode under; that is a concern of whoever reads the
// record back (catalog listener, flow scheduler).
// Why: Keeping this package free of storage/txn/catalog imports lets
// every layer that needs "what changed" (the write pipeline that
// produces it, the CDC log that stores it, the catalog and flow
// packages that consume it) share one vocabulary without a dependency
// cycle.
package change

// Kind discriminates a SystemChange.
type Kind uint8

const (
	Insert Kind = iota + 1
	Update
	Delete
)

// SystemChange is one key's before/after pair within a commit, per
// spec.md §4.2.6: `Insert{key, post} | Update{key, pre, post} |
// Delete{key, pre}`.
type SystemChange struct {
	Kind Kind
	Key  []byte
	Pre  []byte // nil for Insert
	Post []byte // nil for Delete
}

// Record is the CDC entry for one commit version: `{ version, timestamp,
// txn_id, changes }` per spec.md §4.2.6.
//
// Sequence disambiguates multiple Records produced for the same Version:
// a single command's pending set commits one sub-batch per EntryKind
// (internal/txn Command.Commit), and each sub-batch appends its own
// Record. The CDC log stores and replays these keyed by (Version,
// Sequence) but always hands callers back one Record per Version with
// every sub-batch's Changes merged in Sequence order, so Sequence itself
// never needs to leave the cdc package.
type Record struct {
	Version   uint64
	Sequence  uint64
	Timestamp int64 // unix nanoseconds
	TxnID     uint64
	Changes   []SystemChange
}
