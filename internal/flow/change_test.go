package flow

import (
	"testing"

	"github.com/nanodb/core/internal/change"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/row"
)

func mustEncode(t *testing.T, r *row.Row) []byte {
	t.Helper()
	b, err := row.Encode(r)
	if err != nil {
		t.Fatalf("row.Encode: %v", err)
	}
	return b
}

func TestFromRecordGroupsBySourcePrimitiveAndDecodesDiffs(t *testing.T) {
	orders := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 1}
	customers := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 2}

	insertedOrder := rowOf(orderLayout, map[string]row.Value{"customer": strVal("alice"), "amount": floatVal(10), "region": strVal("east")})
	preOrder := rowOf(orderLayout, map[string]row.Value{"customer": strVal("alice"), "amount": floatVal(10), "region": strVal("east")})
	postOrder := rowOf(orderLayout, map[string]row.Value{"customer": strVal("alice"), "amount": floatVal(20), "region": strVal("east")})
	deletedOrder := rowOf(orderLayout, map[string]row.Value{"customer": strVal("bob"), "amount": floatVal(5), "region": strVal("west")})

	custLayout := row.NewLayout([]row.Field{{Name: "name", Type: row.TypeString}})
	insertedCust := row.NewRow(custLayout)
	_ = insertedCust.Set("name", strVal("alice"))

	rec := change.Record{
		Version: 7,
		Changes: []change.SystemChange{
			{Kind: change.Insert, Key: []byte(key.NewRowKey(orders, 1)), Post: mustEncode(t, insertedOrder)},
			{Kind: change.Update, Key: []byte(key.NewRowKey(orders, 2)), Pre: mustEncode(t, preOrder), Post: mustEncode(t, postOrder)},
			{Kind: change.Delete, Key: []byte(key.NewRowKey(orders, 3)), Pre: mustEncode(t, deletedOrder)},
			{Kind: change.Insert, Key: []byte(key.NewRowKey(customers, 1)), Post: mustEncode(t, insertedCust)},
		},
	}

	resolve := func(p key.PrimitiveID) (*row.Layout, error) {
		if p == orders {
			return orderLayout, nil
		}
		return custLayout, nil
	}

	changes, err := FromRecord(rec, resolve)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 per-primitive changes, got %d", len(changes))
	}

	byPrimitive := map[key.PrimitiveID]FlowChange{}
	for _, c := range changes {
		byPrimitive[c.Origin.Primitive] = c
		if c.Origin.Kind != OriginExternal {
			t.Errorf("expected OriginExternal, got %v", c.Origin.Kind)
		}
		if c.Version != 7 {
			t.Errorf("expected version 7, got %d", c.Version)
		}
	}

	ordersChange := byPrimitive[orders]
	if len(ordersChange.Diffs) != 3 {
		t.Fatalf("expected 3 diffs for orders, got %d", len(ordersChange.Diffs))
	}
	if countDiffs(ordersChange, Insert) != 1 || countDiffs(ordersChange, Update) != 1 || countDiffs(ordersChange, Remove) != 1 {
		t.Fatalf("unexpected diff kind distribution: %+v", ordersChange.Diffs)
	}

	custChange := byPrimitive[customers]
	if len(custChange.Diffs) != 1 || custChange.Diffs[0].Kind != Insert {
		t.Fatalf("expected single customer insert, got %+v", custChange.Diffs)
	}
}

func TestFromRecordSkipsDeleteWithNoPreImage(t *testing.T) {
	orders := key.PrimitiveID{Kind: key.PrimitiveTable, ID: 1}
	rec := change.Record{
		Version: 1,
		Changes: []change.SystemChange{
			{Kind: change.Delete, Key: []byte(key.NewRowKey(orders, 1)), Pre: nil},
		},
	}
	resolve := func(key.PrimitiveID) (*row.Layout, error) { return orderLayout, nil }
	changes, err := FromRecord(rec, resolve)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no flow changes for a pre-imageless delete, got %d", len(changes))
	}
}

func TestDiffKindString(t *testing.T) {
	for _, k := range []DiffKind{Insert, Update, Remove} {
		if k.String() == "" {
			t.Errorf("expected non-empty String() for %d", k)
		}
	}
}
