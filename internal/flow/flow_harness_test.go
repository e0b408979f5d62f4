package flow

import (
	"testing"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

// newFlowHarness builds a fresh three-tier store and oracle, the same
// shape as internal/txn's own test harness, so operator tests exercise
// real MVCC commands rather than a mock.
func newFlowHarness(t *testing.T) (*txn.Oracle, *kv.MultiVersionStore, *kv.Writer) {
	t.Helper()
	hot, err := kv.NewHotTier(t.Name())
	if err != nil {
		t.Fatalf("NewHotTier: %v", err)
	}
	warm, err := kv.NewWarmTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewWarmTier: %v", err)
	}
	cold, err := kv.NewColdTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewColdTier: %v", err)
	}
	store := kv.NewMultiVersionStore(hot, warm, cold, nil)
	writer := kv.NewWriter(store, nil, 16)
	t.Cleanup(func() {
		writer.Close()
		store.Close()
	})
	return txn.NewOracle(), store, writer
}

// ensureOperator prepares an operator node's EntryKind::Operator(id)
// partition for use.
func ensureOperator(t *testing.T, store *kv.MultiVersionStore, id catalog.FlowNodeID) {
	t.Helper()
	if err := store.EnsureTable(kv.Operator(uint64(id))); err != nil {
		t.Fatalf("EnsureTable(Operator(%d)): %v", id, err)
	}
}

// ensureSource prepares a primitive's Source(id) partition for use.
func ensureSource(t *testing.T, store *kv.MultiVersionStore, p key.PrimitiveID) {
	t.Helper()
	if err := store.EnsureTable(kv.Source(p.ID)); err != nil {
		t.Fatalf("EnsureTable(Source(%d)): %v", p.ID, err)
	}
}

var orderLayout = row.NewLayout([]row.Field{
	{Name: "customer", Type: row.TypeString},
	{Name: "amount", Type: row.TypeFloat64},
	{Name: "region", Type: row.TypeString},
})

func testTxn(oracle *txn.Oracle, store *kv.MultiVersionStore, writer *kv.Writer, id uint64) *txn.Command {
	return txn.BeginCommand(oracle, store, writer, id, false)
}

func rowOf(l *row.Layout, values map[string]row.Value) *row.Row {
	r := row.NewRow(l)
	for name, v := range values {
		_ = r.Set(name, v)
	}
	return r
}

func strVal(s string) row.Value    { return row.Value{Bytes: []byte(s)} }
func floatVal(f float64) row.Value { return row.Value{Float64: f} }

func insertDiff(rn key.RowNumber, r *row.Row) FlowDiff {
	return FlowDiff{Kind: Insert, Post: &RowImage{RowNumber: rn, Row: r}}
}

func removeDiff(rn key.RowNumber, r *row.Row) FlowDiff {
	return FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: rn, Row: r}}
}

func updateDiff(rn key.RowNumber, pre, post *row.Row) FlowDiff {
	return FlowDiff{Kind: Update, Pre: &RowImage{RowNumber: rn, Row: pre}, Post: &RowImage{RowNumber: rn, Row: post}}
}

func externalChange(p key.PrimitiveID, version uint64, diffs ...FlowDiff) FlowChange {
	return FlowChange{Origin: Origin{Kind: OriginExternal, Primitive: p}, Version: version, Diffs: diffs}
}

func countDiffs(fc FlowChange, kind DiffKind) int {
	n := 0
	for _, d := range fc.Diffs {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
