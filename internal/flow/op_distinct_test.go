package flow

import (
	"testing"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/row"
)

func TestDistinctOperatorAdmitsOnceAndTracksRefcount(t *testing.T) {
	oracle, store, writer := newFlowHarness(t)
	const nodeID catalog.FlowNodeID = 1
	ensureOperator(t, store, nodeID)
	op := NewDistinctOperator(nodeID, []string{"region"})
	cmd := testTxn(oracle, store, writer, 1)

	east1 := rowOf(orderLayout, map[string]row.Value{"region": strVal("east")})
	east2 := rowOf(orderLayout, map[string]row.Value{"region": strVal("east")})

	out, err := op.Apply(cmd, FlowChange{Version: 1, Diffs: []FlowDiff{insertDiff(1, east1)}})
	if err != nil {
		t.Fatalf("Apply first: %v", err)
	}
	if len(out.Diffs) != 1 || out.Diffs[0].Kind != Insert {
		t.Fatalf("expected the first occurrence to admit, got %+v", out.Diffs)
	}

	out2, err := op.Apply(cmd, FlowChange{Version: 2, Diffs: []FlowDiff{insertDiff(2, east2)}})
	if err != nil {
		t.Fatalf("Apply second: %v", err)
	}
	if len(out2.Diffs) != 0 {
		t.Fatalf("expected the duplicate occurrence to produce no diff, got %+v", out2.Diffs)
	}
}

func TestDistinctOperatorEvictsOnLastReferenceRemoved(t *testing.T) {
	oracle, store, writer := newFlowHarness(t)
	const nodeID catalog.FlowNodeID = 1
	ensureOperator(t, store, nodeID)
	op := NewDistinctOperator(nodeID, []string{"region"})
	cmd := testTxn(oracle, store, writer, 1)

	east1 := rowOf(orderLayout, map[string]row.Value{"region": strVal("east")})
	east2 := rowOf(orderLayout, map[string]row.Value{"region": strVal("east")})
	if _, err := op.Apply(cmd, FlowChange{Version: 1, Diffs: []FlowDiff{insertDiff(1, east1), insertDiff(2, east2)}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := op.Apply(cmd, FlowChange{Version: 2, Diffs: []FlowDiff{removeDiff(1, east1)}})
	if err != nil {
		t.Fatalf("Apply remove 1: %v", err)
	}
	if len(out.Diffs) != 0 {
		t.Fatalf("expected removing one of two references to produce no diff, got %+v", out.Diffs)
	}

	out2, err := op.Apply(cmd, FlowChange{Version: 3, Diffs: []FlowDiff{removeDiff(2, east2)}})
	if err != nil {
		t.Fatalf("Apply remove 2: %v", err)
	}
	if len(out2.Diffs) != 1 || out2.Diffs[0].Kind != Remove {
		t.Fatalf("expected the last reference removed to evict, got %+v", out2.Diffs)
	}
}

func TestDistinctOperatorUpdateChangingKeyEvictsAndAdmits(t *testing.T) {
	oracle, store, writer := newFlowHarness(t)
	const nodeID catalog.FlowNodeID = 1
	ensureOperator(t, store, nodeID)
	op := NewDistinctOperator(nodeID, []string{"region"})
	cmd := testTxn(oracle, store, writer, 1)

	east := rowOf(orderLayout, map[string]row.Value{"region": strVal("east")})
	west := rowOf(orderLayout, map[string]row.Value{"region": strVal("west")})
	if _, err := op.Apply(cmd, FlowChange{Version: 1, Diffs: []FlowDiff{insertDiff(1, east)}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := op.Apply(cmd, FlowChange{Version: 2, Diffs: []FlowDiff{updateDiff(1, east, west)}})
	if err != nil {
		t.Fatalf("Apply update: %v", err)
	}
	if len(out.Diffs) != 2 {
		t.Fatalf("expected evict+admit pair for a changed distinctness key, got %+v", out.Diffs)
	}
}

func TestDistinctOperatorUpdateSameKeyProducesNoDiff(t *testing.T) {
	oracle, store, writer := newFlowHarness(t)
	const nodeID catalog.FlowNodeID = 1
	ensureOperator(t, store, nodeID)
	op := NewDistinctOperator(nodeID, []string{"region"})
	cmd := testTxn(oracle, store, writer, 1)

	eastA := rowOf(orderLayout, map[string]row.Value{"region": strVal("east"), "amount": floatVal(1)})
	eastB := rowOf(orderLayout, map[string]row.Value{"region": strVal("east"), "amount": floatVal(2)})
	if _, err := op.Apply(cmd, FlowChange{Version: 1, Diffs: []FlowDiff{insertDiff(1, eastA)}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := op.Apply(cmd, FlowChange{Version: 2, Diffs: []FlowDiff{updateDiff(1, eastA, eastB)}})
	if err != nil {
		t.Fatalf("Apply update: %v", err)
	}
	if len(out.Diffs) != 0 {
		t.Fatalf("expected no diff when the distinctness key is unchanged, got %+v", out.Diffs)
	}
}
