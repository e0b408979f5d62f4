package flow

import (
	"context"
	"fmt"
	"log"
	"testing"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/cdc"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

const (
	schedSourceNode catalog.FlowNodeID = 1
	schedFilterNode catalog.FlowNodeID = 2
	schedSinkNode   catalog.FlowNodeID = 3
)

func schedulerLayoutResolver(table key.PrimitiveID) LayoutResolver {
	return func(p key.PrimitiveID) (*row.Layout, error) {
		if p == table {
			return orderLayout, nil
		}
		return nil, fmt.Errorf("scheduler test: no layout for primitive %+v", p)
	}
}

func buildSchedulerHarness(t *testing.T, table, view key.PrimitiveID) (*txn.Oracle, *kv.MultiVersionStore, *kv.Writer, *cdc.Log, *Scheduler) {
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
	if err := store.EnsureTable(kv.Source(table.ID)); err != nil {
		t.Fatalf("EnsureTable(source): %v", err)
	}
	if err := store.EnsureTable(kv.Source(view.ID)); err != nil {
		t.Fatalf("EnsureTable(sink): %v", err)
	}
	if err := store.EnsureTable(kv.Operator(uint64(schedFilterNode))); err != nil {
		t.Fatalf("EnsureTable(operator): %v", err)
	}
	if err := store.EnsureTable(kv.Operator(uint64(schedSinkNode))); err != nil {
		t.Fatalf("EnsureTable(sink operator): %v", err)
	}

	cdcLog, err := cdc.NewLog(store)
	if err != nil {
		t.Fatalf("cdc.NewLog: %v", err)
	}
	writer := kv.NewWriter(store, cdcLog, 16)
	t.Cleanup(func() { writer.Close(); store.Close() })

	oracle := txn.NewOracle()

	nodes := map[catalog.FlowNodeID]Operator{
		schedSourceNode: NewSourceOperator(schedSourceNode, table),
		schedFilterNode: NewFilterOperator(schedFilterNode, func(r *row.Row) (bool, error) {
			amt, err := r.Get("amount")
			if err != nil {
				return false, err
			}
			return amt.Float64 > 50, nil
		}),
		schedSinkNode: NewSinkOperator(schedSinkNode, view),
	}
	edges := []catalog.FlowEdgeDef{
		{From: schedSourceNode, To: schedFilterNode},
		{From: schedFilterNode, To: schedSinkNode},
	}
	graph, err := BuildGraph(1, nodes, edges)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	sched := NewScheduler(1, graph, oracle, store, writer, cdcLog, schedulerLayoutResolver(table), log.New(testWriter{t}, "", 0))
	return oracle, store, writer, cdcLog, sched
}

// testWriter adapts *testing.T into an io.Writer so scheduler logging
// lands in the test's own output instead of stderr.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func commitRow(t *testing.T, oracle *txn.Oracle, store *kv.MultiVersionStore, writer *kv.Writer, table key.PrimitiveID, rn key.RowNumber, amount float64, txnID uint64) uint64 {
	t.Helper()
	cmd := txn.BeginCommand(oracle, store, writer, txnID, false)
	r := rowOf(orderLayout, map[string]row.Value{"customer": strVal("alice"), "amount": floatVal(amount)})
	encoded, err := row.Encode(r)
	if err != nil {
		t.Fatalf("row.Encode: %v", err)
	}
	if err := cmd.Set(kv.Source(table.ID), key.NewRowKey(table, rn), encoded); err != nil {
		t.Fatalf("cmd.Set: %v", err)
	}
	version, err := cmd.Commit()
	if err != nil {
		t.Fatalf("cmd.Commit: %v", err)
	}
	return version
}

func TestSchedulerAdvancePropagatesThroughFilterToSink(t *testing.T) {
	table := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 100}
	view := key.PrimitiveID{Kind: key.PrimitiveView, ID: 200}
	oracle, store, writer, _, sched := buildSchedulerHarness(t, table, view)

	version := commitRow(t, oracle, store, writer, table, 1, 75, 1)

	if err := sched.advance(version); err != nil {
		t.Fatalf("advance: %v", err)
	}

	checkCmd := txn.BeginCommand(oracle, store, writer, 2, false)
	defer checkCmd.Rollback()
	vv, ok, err := checkCmd.Get(kv.Source(view.ID), key.NewRowKey(view, 1))
	if err != nil || !ok {
		t.Fatalf("expected the passing row to reach the sink: ok=%v err=%v", ok, err)
	}
	decoded, err := row.Decode(orderLayout, vv.Value)
	if err != nil {
		t.Fatalf("row.Decode: %v", err)
	}
	amt, _ := decoded.Get("amount")
	if amt.Float64 != 75 {
		t.Fatalf("expected sunk amount 75, got %v", amt.Float64)
	}
}

func TestSchedulerAdvanceDropsRowsFailingFilter(t *testing.T) {
	table := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 101}
	view := key.PrimitiveID{Kind: key.PrimitiveView, ID: 201}
	oracle, store, writer, _, sched := buildSchedulerHarness(t, table, view)

	version := commitRow(t, oracle, store, writer, table, 1, 5, 1)

	if err := sched.advance(version); err != nil {
		t.Fatalf("advance: %v", err)
	}

	checkCmd := txn.BeginCommand(oracle, store, writer, 2, false)
	defer checkCmd.Rollback()
	if _, ok, err := checkCmd.Get(kv.Source(view.ID), key.NewRowKey(view, 1)); err != nil || ok {
		t.Fatalf("expected a row failing the filter to never reach the sink: ok=%v err=%v", ok, err)
	}
}

func TestSchedulerAdvanceIgnoresUnrelatedPrimitives(t *testing.T) {
	table := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 102}
	other := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 999}
	view := key.PrimitiveID{Kind: key.PrimitiveView, ID: 202}
	oracle, store, writer, _, sched := buildSchedulerHarness(t, table, view)

	if err := store.EnsureTable(kv.Source(other.ID)); err != nil {
		t.Fatalf("EnsureTable(other): %v", err)
	}
	cmd := txn.BeginCommand(oracle, store, writer, 1, false)
	r := rowOf(orderLayout, map[string]row.Value{"customer": strVal("zoe"), "amount": floatVal(500)})
	encoded, err := row.Encode(r)
	if err != nil {
		t.Fatalf("row.Encode: %v", err)
	}
	if err := cmd.Set(kv.Source(other.ID), key.NewRowKey(other, 1), encoded); err != nil {
		t.Fatalf("cmd.Set: %v", err)
	}
	version, err := cmd.Commit()
	if err != nil {
		t.Fatalf("cmd.Commit: %v", err)
	}

	if err := sched.advance(version); err != nil {
		t.Fatalf("advance: %v", err)
	}

	checkCmd := txn.BeginCommand(oracle, store, writer, 2, false)
	defer checkCmd.Rollback()
	if _, ok, err := checkCmd.Get(kv.Source(view.ID), key.NewRowKey(view, 1)); err != nil || ok {
		t.Fatalf("expected a change on an unwatched primitive to produce no sink write: ok=%v err=%v", ok, err)
	}
}

func TestSchedulerRecoverReplaysFromWatermarkToHead(t *testing.T) {
	table := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 103}
	view := key.PrimitiveID{Kind: key.PrimitiveView, ID: 203}
	oracle, store, writer, _, sched := buildSchedulerHarness(t, table, view)

	v1 := commitRow(t, oracle, store, writer, table, 1, 60, 1)
	v2 := commitRow(t, oracle, store, writer, table, 2, 80, 2)

	if err := sched.Recover(v2); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if v1 == 0 {
		t.Fatal("expected a non-zero first commit version")
	}

	checkCmd := txn.BeginCommand(oracle, store, writer, 3, false)
	defer checkCmd.Rollback()
	for _, rn := range []key.RowNumber{1, 2} {
		if _, ok, err := checkCmd.Get(kv.Source(view.ID), key.NewRowKey(view, rn)); err != nil || !ok {
			t.Fatalf("expected row %d to have been replayed into the sink by Recover: ok=%v err=%v", rn, ok, err)
		}
	}
}

func TestSchedulerPausesAfterExhaustingRetries(t *testing.T) {
	table := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 104}
	view := key.PrimitiveID{Kind: key.PrimitiveView, ID: 204}
	_, store, writer, _, _ := buildSchedulerHarness(t, table, view)
	oracle := txn.NewOracle()

	// Replace the filter with one that always errors, forcing advance to
	// exhaust maxOperatorRetries and return an error (which Run would
	// translate into a paused state).
	nodes := map[catalog.FlowNodeID]Operator{
		schedSourceNode: NewSourceOperator(schedSourceNode, table),
		schedFilterNode: NewFilterOperator(schedFilterNode, func(*row.Row) (bool, error) {
			return false, fmt.Errorf("boom")
		}),
		schedSinkNode: NewSinkOperator(schedSinkNode, view),
	}
	edges := []catalog.FlowEdgeDef{
		{From: schedSourceNode, To: schedFilterNode},
		{From: schedFilterNode, To: schedSinkNode},
	}
	graph, err := BuildGraph(1, nodes, edges)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	cdcLog, err := cdc.NewLog(store)
	if err != nil {
		t.Fatalf("cdc.NewLog: %v", err)
	}
	failingSched := NewScheduler(1, graph, oracle, store, writer, cdcLog, schedulerLayoutResolver(table), nil)

	version := commitRow(t, oracle, store, writer, table, 1, 75, 1)
	if err := failingSched.advance(version); err == nil {
		t.Fatal("expected advance to fail after exhausting retries on a permanently-erroring operator")
	}

	events := make(chan kv.CommitEvent, 1)
	events <- kv.CommitEvent{Version: version}
	close(events)
	if err := failingSched.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !failingSched.Paused() {
		t.Fatal("expected Run to pause the flow after the version failed permanently")
	}
}
