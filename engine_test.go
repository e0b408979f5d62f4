package nanocore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/flow"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/row"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WarmDir = t.TempDir()
	cfg.ColdDir = t.TempDir()
	cfg.DropSchedule = "@every 1h"
	cfg.HealthInterval = time.Hour
	cfg.MemoryPollEvery = time.Hour
	return cfg
}

var engineOrderLayout = row.NewLayout([]row.Field{
	{Name: "customer", Type: row.TypeString},
	{Name: "amount", Type: row.TypeFloat64},
})

func encodeOrder(t *testing.T, customer string, amount float64) []byte {
	t.Helper()
	r := row.NewRow(engineOrderLayout)
	if err := r.Set("customer", row.Value{Bytes: []byte(customer)}); err != nil {
		t.Fatalf("row.Set customer: %v", err)
	}
	if err := r.Set("amount", row.Value{Float64: amount}); err != nil {
		t.Fatalf("row.Set amount: %v", err)
	}
	encoded, err := row.Encode(r)
	if err != nil {
		t.Fatalf("row.Encode: %v", err)
	}
	return encoded
}

func TestOpenDBRoundTripsCommittedRow(t *testing.T) {
	db, err := OpenDB(testConfig(t))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()

	table := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 1}
	if err := db.Store().EnsureTable(kv.Source(table.ID)); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	cmd := db.BeginCommand(false)
	k := key.NewRowKey(table, 1)
	if err := cmd.Set(kv.Source(table.ID), k, encodeOrder(t, "alice", 42)); err != nil {
		cmd.Rollback()
		t.Fatalf("Set: %v", err)
	}
	if _, err := cmd.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	q := db.BeginQuery()
	defer q.Rollback()
	vv, ok, err := q.Get(kv.Source(table.ID), k)
	if err != nil || !ok {
		t.Fatalf("expected the committed row to be visible to a fresh query: ok=%v err=%v", ok, err)
	}
	decoded, err := row.Decode(engineOrderLayout, vv.Value)
	if err != nil {
		t.Fatalf("row.Decode: %v", err)
	}
	customer, _ := decoded.Get("customer")
	if string(customer.Bytes) != "alice" {
		t.Fatalf("expected customer=alice, got %q", customer.Bytes)
	}
}

func TestOpenDBCloseIsIdempotent(t *testing.T) {
	db, err := OpenDB(testConfig(t))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got: %v", err)
	}
}

func TestRegisterFlowPropagatesCommittedRowToSinkView(t *testing.T) {
	db, err := OpenDB(testConfig(t))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()

	const (
		sourceNode catalog.FlowNodeID = 1
		sinkNode   catalog.FlowNodeID = 2
		flowID     catalog.FlowID     = 1
	)
	table := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 10}
	view := key.PrimitiveID{Kind: key.PrimitiveView, ID: 20}

	for _, kind := range []kv.EntryKind{kv.Source(table.ID), kv.Source(view.ID), kv.Operator(uint64(sinkNode))} {
		if err := db.Store().EnsureTable(kind); err != nil {
			t.Fatalf("EnsureTable(%s): %v", kind, err)
		}
	}

	nodes := map[catalog.FlowNodeID]flow.Operator{
		sourceNode: flow.NewSourceOperator(sourceNode, table),
		sinkNode:   flow.NewSinkOperator(sinkNode, view),
	}
	edges := []catalog.FlowEdgeDef{{From: sourceNode, To: sinkNode}}
	graph, err := flow.BuildGraph(flowID, nodes, edges)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	resolve := func(p key.PrimitiveID) (*row.Layout, error) {
		if p == table {
			return engineOrderLayout, nil
		}
		return nil, fmt.Errorf("no layout for %+v", p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := db.RegisterFlow(ctx, "orders_view", flowID, graph, resolve); err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}
	defer db.UnregisterFlow("orders_view", flowID)

	cmd := db.BeginCommand(false)
	if err := cmd.Set(kv.Source(table.ID), key.NewRowKey(table, 1), encodeOrder(t, "bob", 99)); err != nil {
		cmd.Rollback()
		t.Fatalf("Set: %v", err)
	}
	if _, err := cmd.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		q := db.BeginQuery()
		vv, ok, err := q.Get(kv.Source(view.ID), key.NewRowKey(view, 1))
		q.Rollback()
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			decoded, err := row.Decode(engineOrderLayout, vv.Value)
			if err != nil {
				t.Fatalf("row.Decode: %v", err)
			}
			customer, _ := decoded.Get("customer")
			if string(customer.Bytes) != "bob" {
				t.Fatalf("expected the sunk row's customer to be bob, got %q", customer.Bytes)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the registered flow to propagate the committed row to the sink view before the test timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
