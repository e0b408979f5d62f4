package cdc

import (
	"fmt"

	"github.com/nanodb/core/internal/change"
)

// Describe renders a human-readable one-line summary of a record, used
// by health/debug logging rather than by any correctness path.
func Describe(rec change.Record) string {
	counts := map[change.Kind]int{}
	for _, c := range rec.Changes {
		counts[c.Kind]++
	}
	return fmt.Sprintf("version=%d txn=%d inserts=%d updates=%d deletes=%d",
		rec.Version, rec.TxnID, counts[change.Insert], counts[change.Update], counts[change.Delete])
}

// Before returns whether a precedes b in commit order. Records are
// totally ordered by Version alone (spec.md §4.2.6: "keyed by version
// (primary)"), unlike the hybrid logical clocks some CDC systems need
// when commits originate from multiple coordinators.
func Before(a, b change.Record) bool { return a.Version < b.Version }
