// Package flow implements the incremental dataflow engine of spec.md
// §4.4: a DAG of operators compiled from a view definition, scheduled
// cooperatively per flow, consuming CDC and producing stable-row-number
// view deltas.
//
// What: change.go defines the wire vocabulary (FlowChange/FlowDiff/
// Origin) operators exchange; graph.go is the DAG and its topological
// walk; state.go is the row-number identity provider every materializing
// operator shares; operator.go is the shared apply contract; op_*.go are
// the individual operator kinds of §4.4.4.
// How: Grounded on original_source/crates/{reifydb-sub-flow,sub-flow,
// engine}'s operator shapes (take/merge/join_natural/extend), expressed
// idiomatically in Go rather than transliterated — no operator here owns
// a goroutine of its own; Apply is a plain call the scheduler drives.
// Why: Keeping operator state under EntryKind::Operator(id) and routing
// every mutation through the same txn.Command the scheduler already
// holds is what lets sink writes and operator-state updates commit
// atomically per input version (§4.4.3 step 3).
package flow

import (
	"fmt"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/change"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/row"
)

// DiffKind discriminates a FlowDiff, named to avoid colliding with
// change.Kind (the lower-level CDC vocabulary this package is built on).
type DiffKind uint8

const (
	Insert DiffKind = iota + 1
	Update
	Remove
)

func (k DiffKind) String() string {
	switch k {
	case Insert:
		return "Insert"
	case Update:
		return "Update"
	case Remove:
		return "Remove"
	default:
		return fmt.Sprintf("DiffKind(%d)", uint8(k))
	}
}

// RowImage pairs a stable row number with its decoded value, spec.md
// §4.4.2's "each carries a row (row-number + encoded value + layout)" —
// the layout itself is implicit in the Row's own Layout pointer.
type RowImage struct {
	RowNumber key.RowNumber
	Row       *row.Row
}

// FlowDiff is one of Insert{post}, Update{pre, post}, Remove{pre} per
// spec.md §4.4.2.
type FlowDiff struct {
	Kind DiffKind
	Pre  *RowImage // nil for Insert
	Post *RowImage // nil for Remove
}

// OriginKind discriminates a FlowChange's Origin.
type OriginKind uint8

const (
	OriginInternal OriginKind = iota + 1
	OriginExternal
)

// Origin identifies where a FlowChange came from: an upstream operator
// node (Internal) or a source primitive's own commit (External).
type Origin struct {
	Kind      OriginKind
	FlowNode  catalog.FlowNodeID // valid when Kind == OriginInternal
	Primitive catalog.PrimitiveID // valid when Kind == OriginExternal
}

func (o Origin) String() string {
	switch o.Kind {
	case OriginInternal:
		return fmt.Sprintf("Internal(%d)", o.FlowNode)
	case OriginExternal:
		return fmt.Sprintf("External(%v)", o.Primitive)
	default:
		return "Origin(unset)"
	}
}

// FlowChange is `{ origin, version, diffs }` per spec.md §4.4.2: the
// unit every operator's Apply consumes and produces.
type FlowChange struct {
	Origin Origin
	Version uint64
	Diffs  []FlowDiff
}

// LayoutResolver looks up the row.Layout a source primitive's rows are
// encoded under, so FromRecord can decode raw CDC bytes into Rows. The
// materialized catalog supplies this in practice; kept as a function
// type here so this package never needs to import internal/catalog's
// cache directly.
type LayoutResolver func(primitiveID key.PrimitiveID) (*row.Layout, error)

// FromRecord implements spec.md §4.4.3 step 1: "Parses the CDC record
// into per-source FlowChange"s. Only KindRow changes feed flows — system
// key changes (catalog, retention, CDC bookkeeping) never do.
func FromRecord(rec change.Record, resolveLayout LayoutResolver) ([]FlowChange, error) {
	type bucket struct {
		primitive key.PrimitiveID
		diffs     []FlowDiff
	}
	order := make([]key.PrimitiveID, 0)
	buckets := make(map[key.PrimitiveID]*bucket)

	for _, sc := range rec.Changes {
		k := key.FromBytes(sc.Key)
		if k.Kind() != key.KindRow {
			continue
		}
		pid, rn, err := key.DecodeRowKey(k)
		if err != nil {
			return nil, fmt.Errorf("flow: decode row key: %w", err)
		}
		layout, err := resolveLayout(pid)
		if err != nil {
			return nil, fmt.Errorf("flow: resolve layout for %v: %w", pid, err)
		}
		diff, ok, err := decodeDiff(sc, rn, layout)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		b, ok := buckets[pid]
		if !ok {
			b = &bucket{primitive: pid}
			buckets[pid] = b
			order = append(order, pid)
		}
		b.diffs = append(b.diffs, diff)
	}

	out := make([]FlowChange, 0, len(order))
	for _, pid := range order {
		b := buckets[pid]
		out = append(out, FlowChange{
			Origin:  Origin{Kind: OriginExternal, Primitive: pid},
			Version: rec.Version,
			Diffs:   b.diffs,
		})
	}
	return out, nil
}

// decodeDiff translates one SystemChange into a FlowDiff. ok is false
// for a Delete whose key was never visible before removal (the writer
// still records these so replay sees the tombstone land, but there is
// no row image for a flow to propagate).
func decodeDiff(sc change.SystemChange, rn key.RowNumber, layout *row.Layout) (diff FlowDiff, ok bool, err error) {
	switch sc.Kind {
	case change.Insert:
		post, err := row.Decode(layout, sc.Post)
		if err != nil {
			return FlowDiff{}, false, fmt.Errorf("flow: decode insert post-image: %w", err)
		}
		return FlowDiff{Kind: Insert, Post: &RowImage{RowNumber: rn, Row: post}}, true, nil
	case change.Update:
		pre, err := row.Decode(layout, sc.Pre)
		if err != nil {
			return FlowDiff{}, false, fmt.Errorf("flow: decode update pre-image: %w", err)
		}
		post, err := row.Decode(layout, sc.Post)
		if err != nil {
			return FlowDiff{}, false, fmt.Errorf("flow: decode update post-image: %w", err)
		}
		return FlowDiff{Kind: Update, Pre: &RowImage{RowNumber: rn, Row: pre}, Post: &RowImage{RowNumber: rn, Row: post}}, true, nil
	case change.Delete:
		if sc.Pre == nil {
			return FlowDiff{}, false, nil
		}
		pre, err := row.Decode(layout, sc.Pre)
		if err != nil {
			return FlowDiff{}, false, fmt.Errorf("flow: decode delete pre-image: %w", err)
		}
		return FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: rn, Row: pre}}, true, nil
	default:
		return FlowDiff{}, false, fmt.Errorf("flow: unknown change kind %d", sc.Kind)
	}
}
