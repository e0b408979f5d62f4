package flow

import (
	"testing"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/row"
)

var (
	joinLeftLayout  = row.NewLayout([]row.Field{{Name: "customer", Type: row.TypeString}, {Name: "amount", Type: row.TypeFloat64}})
	joinRightLayout = row.NewLayout([]row.Field{{Name: "customer", Type: row.TypeString}, {Name: "city", Type: row.TypeString}})
)

func joinOutputLayout() *row.Layout {
	return row.NewLayout([]row.Field{
		{Name: "customer", Type: row.TypeString},
		{Name: "amount", Type: row.TypeFloat64},
		{Name: "city", Type: row.TypeString},
	})
}

const (
	joinLeftNode  catalog.FlowNodeID = 10
	joinRightNode catalog.FlowNodeID = 11
)

func leftChange(version uint64, diffs ...FlowDiff) FlowChange {
	return FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: joinLeftNode}, Version: version, Diffs: diffs}
}

func rightChange(version uint64, diffs ...FlowDiff) FlowChange {
	return FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: joinRightNode}, Version: version, Diffs: diffs}
}

func TestJoinOperatorInnerMatchesBothSides(t *testing.T) {
	oracle, store, writer := newFlowHarness(t)
	const nodeID catalog.FlowNodeID = 1
	ensureOperator(t, store, nodeID)
	op := NewJoinOperator(nodeID, JoinInner, joinLeftNode, joinRightNode, []string{"customer"}, []string{"customer"}, joinLeftLayout, joinRightLayout, joinOutputLayout())
	cmd := testTxn(oracle, store, writer, 1)

	leftRow := rowOf(joinLeftLayout, map[string]row.Value{"customer": strVal("alice"), "amount": floatVal(10)})
	out, err := op.Apply(cmd, leftChange(1, insertDiff(1, leftRow)))
	if err != nil {
		t.Fatalf("Apply left insert: %v", err)
	}
	if len(out.Diffs) != 0 {
		t.Fatalf("expected no output before a matching right row arrives, got %+v", out.Diffs)
	}

	rightRow := rowOf(joinRightLayout, map[string]row.Value{"customer": strVal("alice"), "city": strVal("nyc")})
	out2, err := op.Apply(cmd, rightChange(2, insertDiff(1, rightRow)))
	if err != nil {
		t.Fatalf("Apply right insert: %v", err)
	}
	if len(out2.Diffs) != 1 || out2.Diffs[0].Kind != Insert {
		t.Fatalf("expected the matching pair to emit a single Insert, got %+v", out2.Diffs)
	}
	city, _ := out2.Diffs[0].Post.Row.Get("city")
	if string(city.Bytes) != "nyc" {
		t.Fatalf("expected combined row to carry the right side's city, got %+v", city)
	}
}

func TestJoinOperatorInnerNeverEmitsForUnmatchedLeft(t *testing.T) {
	oracle, store, writer := newFlowHarness(t)
	const nodeID catalog.FlowNodeID = 1
	ensureOperator(t, store, nodeID)
	op := NewJoinOperator(nodeID, JoinInner, joinLeftNode, joinRightNode, []string{"customer"}, []string{"customer"}, joinLeftLayout, joinRightLayout, joinOutputLayout())
	cmd := testTxn(oracle, store, writer, 1)

	leftRow := rowOf(joinLeftLayout, map[string]row.Value{"customer": strVal("bob"), "amount": floatVal(1)})
	out, err := op.Apply(cmd, leftChange(1, insertDiff(1, leftRow)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out.Diffs) != 0 {
		t.Fatalf("expected an unmatched inner-join left row to emit nothing, got %+v", out.Diffs)
	}
}

func TestJoinOperatorLeftPadsUnmatchedLeftWithUndefined(t *testing.T) {
	oracle, store, writer := newFlowHarness(t)
	const nodeID catalog.FlowNodeID = 1
	ensureOperator(t, store, nodeID)
	op := NewJoinOperator(nodeID, JoinLeft, joinLeftNode, joinRightNode, []string{"customer"}, []string{"customer"}, joinLeftLayout, joinRightLayout, joinOutputLayout())
	cmd := testTxn(oracle, store, writer, 1)

	leftRow := rowOf(joinLeftLayout, map[string]row.Value{"customer": strVal("bob"), "amount": floatVal(1)})
	out, err := op.Apply(cmd, leftChange(1, insertDiff(1, leftRow)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out.Diffs) != 1 || out.Diffs[0].Kind != Insert {
		t.Fatalf("expected an unmatched left row to emit a padded Insert under left join, got %+v", out.Diffs)
	}
	city, _ := out.Diffs[0].Post.Row.Get("city")
	if !city.Undefined {
		t.Fatalf("expected the unmatched right side to be UNDEFINED, got %+v", city)
	}

	rightRow := rowOf(joinRightLayout, map[string]row.Value{"customer": strVal("bob"), "city": strVal("la")})
	out2, err := op.Apply(cmd, rightChange(2, insertDiff(1, rightRow)))
	if err != nil {
		t.Fatalf("Apply right insert: %v", err)
	}
	if countDiffs(out2, Remove) != 1 || countDiffs(out2, Insert) != 1 {
		t.Fatalf("expected the late-arriving match to retract the padded row and emit the real match, got %+v", out2.Diffs)
	}
}

func TestJoinOperatorNaturalDedupsSharedColumn(t *testing.T) {
	oracle, store, writer := newFlowHarness(t)
	const nodeID catalog.FlowNodeID = 1
	ensureOperator(t, store, nodeID)
	output := joinOutputLayout()
	op := NewJoinOperator(nodeID, JoinNatural, joinLeftNode, joinRightNode, []string{"customer"}, []string{"customer"}, joinLeftLayout, joinRightLayout, output)
	cmd := testTxn(oracle, store, writer, 1)

	leftRow := rowOf(joinLeftLayout, map[string]row.Value{"customer": strVal("alice"), "amount": floatVal(10)})
	rightRow := rowOf(joinRightLayout, map[string]row.Value{"customer": strVal("alice"), "city": strVal("nyc")})
	if _, err := op.Apply(cmd, leftChange(1, insertDiff(1, leftRow))); err != nil {
		t.Fatalf("Apply left: %v", err)
	}
	out, err := op.Apply(cmd, rightChange(2, insertDiff(1, rightRow)))
	if err != nil {
		t.Fatalf("Apply right: %v", err)
	}
	if len(out.Diffs) != 1 {
		t.Fatalf("expected one combined row, got %+v", out.Diffs)
	}
	if len(out.Diffs[0].Post.Row.Values) != len(output.Fields) {
		t.Fatalf("expected the shared customer column to appear once in the output layout")
	}
}
