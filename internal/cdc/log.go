// Package cdc implements the change-data-capture log of spec.md §4.2.6:
// every commit appends a Record keyed by its commit version, and
// downstream consumers (the catalog's materialized cache, the flow
// scheduler) read it back by exact version or by range for replay.
//
// What: Log stores change.Record values under the shared system
// partition (kv.Multi), GOB-encoded. A single commit version can carry
// more than one Record — internal/txn's Command.Commit splits a
// multi-kind pending set into one write-pipeline sub-batch per
// EntryKind, and each sub-batch appends its own Record at the same
// Version — so records are keyed by version (primary) and
// version+sequence (secondary), exactly as spec.md §4.2.6 specifies.
// Read and ReadRange hide this fan-out from callers: both merge every
// Sequence appended for a Version into the single logical Record
// callers expect, in Sequence order.
// How: Records are addressed by a KindCDCRecord key built from
// (version, sequence), so internal/kv's ordinary Get/RangeNext/Drop
// already give ordered storage and retention-driven reclamation for
// free — no CDC-specific storage code is needed beyond the
// encode/decode, key-building, and per-version merge glue.
// Why: Reusing the tiered store instead of a bespoke append log keeps
// CDC data subject to the same tier routing, retention policy, and
// drop-worker reclamation as everything else (spec.md §4.2.4), and
// keeps `internal/kv` free of any import of this package — `Log`
// implements kv.CDCAppender, it is never imported by kv.
package cdc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/nanodb/core/internal/change"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
)

func init() {
	gob.Register(change.Record{})
	gob.Register(change.SystemChange{})
}

// Log is the CDC record store described above.
type Log struct {
	store *kv.MultiVersionStore
}

// NewLog wires a CDC log on top of an already-open MultiVersionStore.
func NewLog(store *kv.MultiVersionStore) (*Log, error) {
	if err := store.EnsureTable(kv.Multi); err != nil {
		return nil, fmt.Errorf("cdc: ensure table: %w", err)
	}
	return &Log{store: store}, nil
}

// recordKey builds the composite (version, sequence) key a Record is
// stored under. Version-major ordering keeps a forward range scan in
// commit order; sequence-minor ordering keeps every sub-batch of one
// version adjacent and ascending so a merge only ever appends.
func recordKey(version, sequence uint64) key.Key {
	return key.NewBuilder(key.KindCDCRecord).PutUint64(version).PutUint64(sequence).Build()
}

func encodeRecord(rec change.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("cdc: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (change.Record, error) {
	var rec change.Record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		return change.Record{}, fmt.Errorf("cdc: decode record: %w", err)
	}
	return rec, nil
}

// Append implements kv.CDCAppender: records rec under its own
// (version, sequence) key. Called by internal/kv.Writer inside the
// per-tier commit pipeline, immediately after the user data's Set
// succeeds; rec.Sequence is whatever internal/txn's Command.Commit
// assigned the sub-batch this record came from (0 for a command that
// only ever touches one EntryKind).
func (l *Log) Append(rec change.Record) error {
	buf, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	k := recordKey(rec.Version, rec.Sequence)
	return l.store.Set(kv.Multi, rec.Version, []kv.Delta{{Key: k, Value: buf}})
}

// Read returns the CDC record for an exact commit version, if one was
// ever appended, merging every sequence recorded for that version into
// one Record ordered the way it was originally committed.
func (l *Log) Read(version uint64) (change.Record, bool, error) {
	startKey := recordKey(version, 0)
	endKey := recordKey(version+1, 0)
	var merged *change.Record
	var cursor kv.Cursor
	for {
		items, _, next, hasMore, err := l.store.RangeNext(kv.Multi, cursor, startKey, endKey, math.MaxUint64, 256)
		if err != nil {
			return change.Record{}, false, fmt.Errorf("cdc: read %d: %w", version, err)
		}
		for _, vv := range items {
			rec, err := decodeRecord(vv.Value)
			if err != nil {
				return change.Record{}, false, err
			}
			merged = mergeSequence(merged, rec)
		}
		if !hasMore {
			break
		}
		cursor = next
	}
	if merged == nil {
		return change.Record{}, false, nil
	}
	return *merged, true, nil
}

// mergeSequence folds the next (in key order, i.e. ascending Sequence)
// sub-batch record for a version into the running merged Record.
func mergeSequence(merged *change.Record, next change.Record) *change.Record {
	if merged == nil {
		rec := next
		return &rec
	}
	merged.Changes = append(merged.Changes, next.Changes...)
	return merged
}

// ReadRange returns up to batch records with version in [start, end),
// in ascending version order, per spec.md §4.2.6's
// `read_range(start_bound, end_bound, batch_size) -> (items, has_more)`.
// Every version's sub-batches are merged into a single Record before it
// is counted against batch, so a version split across several
// EntryKinds never shows up as more than one entry here.
func (l *Log) ReadRange(start, end uint64, cursor kv.Cursor, batch int) ([]change.Record, kv.Cursor, bool, error) {
	if batch <= 0 {
		batch = 64
	}
	startKey := recordKey(start, 0)
	endKey := recordKey(end, 0)

	var out []change.Record
	var pending *change.Record
	resumeCursor := cursor

	for {
		items, keys, next, hasMore, err := l.store.RangeNext(kv.Multi, cursor, startKey, endKey, math.MaxUint64, 256)
		if err != nil {
			return nil, kv.Cursor{}, false, fmt.Errorf("cdc: read range: %w", err)
		}
		for i, vv := range items {
			rec, err := decodeRecord(vv.Value)
			if err != nil {
				return nil, kv.Cursor{}, false, err
			}
			if pending != nil && pending.Version != rec.Version {
				out = append(out, *pending)
				pending = nil
				if len(out) >= batch {
					// The row just decoded belongs to a version
					// we have not started collecting yet, and a
					// later page may still hold more of the
					// version before it — stop here and resume
					// at resumeCursor, which sits right after
					// the last row folded into out.
					return out, resumeCursor, true, nil
				}
			}
			pending = mergeSequence(pending, rec)
			resumeCursor = kv.Cursor{LastKey: append([]byte(nil), keys[i].Bytes()...)}
		}
		if !hasMore {
			if pending != nil {
				out = append(out, *pending)
			}
			return out, next, false, nil
		}
		if len(items) == 0 {
			return out, next, false, nil
		}
		cursor = next
	}
}

// DropBefore physically removes every CDC record with version strictly
// less than version, for use by the retention-driven drop worker.
func (l *Log) DropBefore(version uint64) (int, error) {
	startKey := recordKey(0, 0)
	endKey := recordKey(version, 0)
	cursor := kv.Cursor{}
	dropped := 0
	for {
		items, keys, next, hasMore, err := l.store.RangeNext(kv.Multi, cursor, startKey, endKey, math.MaxUint64, 256)
		if err != nil {
			return dropped, fmt.Errorf("cdc: drop before %d: %w", version, err)
		}
		if len(items) == 0 {
			break
		}
		batch := make([]kv.DropEntry, 0, len(items))
		for i, vv := range items {
			batch = append(batch, kv.DropEntry{Key: keys[i], Version: vv.Version})
		}
		if err := l.store.Drop(kv.Multi, batch); err != nil {
			return dropped, fmt.Errorf("cdc: drop before %d: %w", version, err)
		}
		dropped += len(batch)
		if !hasMore {
			break
		}
		cursor = next
	}
	return dropped, nil
}
