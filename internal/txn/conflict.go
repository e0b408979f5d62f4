package txn

import "github.com/nanodb/core/internal/key"

// keyRange is a half-open [Start, End) byte range read during a
// transaction, recorded so a serializable commit can detect a
// phantom-style conflict: another transaction writing a key that falls
// inside a range we read, even though we never read that exact key.
type keyRange struct {
	start, end key.Key
}

func (r keyRange) contains(k key.Key) bool {
	return k.Compare(r.start) >= 0 && k.Compare(r.end) < 0
}

// Conflict is the conflict manager of spec.md §4.1: it records, for one
// transaction, the keys and ranges it read and the keys it wrote, so
// that at commit time its footprint can be intersection-tested against
// every transaction that committed after its read snapshot. Grounded on
// the teacher's internal/storage/mvcc.go TxContext.ReadSet/WriteSet,
// generalized from table/rowID maps to arbitrary encoded keys and
// widened with real range-read tracking (the teacher's
// checkSerializableConflicts only compared table names, not actual key
// sets or ranges).
type Conflict struct {
	reads  map[string]bool
	ranges []keyRange
	writes map[string]bool
}

// NewConflict returns an empty conflict manager for a new transaction.
func NewConflict() *Conflict {
	return &Conflict{
		reads:  make(map[string]bool),
		writes: make(map[string]bool),
	}
}

// RecordRead logs a single-key read.
func (c *Conflict) RecordRead(k key.Key) {
	c.reads[string(k.Bytes())] = true
}

// RecordRangeRead logs a scan over [start, end) so writes landing inside
// the range — even to keys never individually read — count as
// conflicts under serializable mode.
func (c *Conflict) RecordRangeRead(start, end key.Key) {
	c.ranges = append(c.ranges, keyRange{start: start, end: end})
}

// RecordWrite logs a key this transaction wrote.
func (c *Conflict) RecordWrite(k key.Key) {
	c.writes[string(k.Bytes())] = true
}

// writesIntersect reports whether c and other wrote any key in common —
// the snapshot-isolation conflict test of spec.md §4.1: "(other.writes ∩
// self.writes) ≠ ∅".
func (c *Conflict) writesIntersect(other *Conflict) bool {
	small, big := c, other
	if len(other.writes) < len(small.writes) {
		small, big = other, c
	}
	for k := range small.writes {
		if big.writes[k] {
			return true
		}
	}
	return false
}

// writesHitReads reports whether other wrote any key c read, by exact
// key or by range — the additional serializable-mode test of spec.md
// §4.1: "(other.writes ∩ self.reads) ≠ ∅ ... any write to a key within a
// read range counts as an intersection".
func (c *Conflict) writesHitReads(other *Conflict) bool {
	for k := range other.writes {
		if c.reads[k] {
			return true
		}
	}
	if len(c.ranges) == 0 {
		return false
	}
	for wk := range other.writes {
		encoded := key.FromBytes([]byte(wk))
		for _, r := range c.ranges {
			if r.contains(encoded) {
				return true
			}
		}
	}
	return false
}

// ConflictsWith tests self (the committing transaction) against other
// (an already-committed transaction) under mode, per spec.md §4.1's two
// conflict rules.
func (c *Conflict) ConflictsWith(other *Conflict, serializable bool) bool {
	if c.writesIntersect(other) {
		return true
	}
	if serializable && c.writesHitReads(other) {
		return true
	}
	return false
}
