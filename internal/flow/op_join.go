package flow

import (
	"encoding/binary"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

// JoinKind selects among spec.md §4.4.4's three join shapes. Natural
// join is kept as its own operator kind rather than folded into Inner,
// per SPEC_FULL.md §5's note that the distillation's one-line
// "join(inner,left,natural)" undersells how distinct natural join's
// column-equating behavior is from the other two.
type JoinKind uint8

const (
	JoinInner JoinKind = iota + 1
	JoinLeft
	JoinNatural
)

const (
	stateTagJoinLeftIndex  byte = 7
	stateTagJoinRightIndex byte = 8
	stateTagJoinLeftArity  byte = 9 // left join: count of right-side matches currently held by a left row
)

type joinSide uint8

const (
	joinLeft joinSide = iota
	joinRight
)

// joinEntry is one row held in a join side's hash index.
type joinEntry struct {
	RN     key.RowNumber
	Values []row.Value
}

// JoinOperator maintains hash indexes for both input sides and probes
// the opposite side's index as each diff arrives. LeftNode/RightNode
// identify which upstream FlowNodeID each incoming FlowChange's Origin
// names, since Apply sees one side's diffs per call.
type JoinOperator struct {
	id                  catalog.FlowNodeID
	Kind                JoinKind
	LeftNode, RightNode catalog.FlowNodeID
	LeftKeys            []string // equality columns on the left input; for Natural, the shared column names
	RightKeys           []string // equality columns on the right input; for Natural, same names as LeftKeys
	LeftLayout          *row.Layout
	RightLayout         *row.Layout
	Output              *row.Layout // left columns first, then right columns not already named on the left
	rowNumbers          *RowNumberProvider
}

// NewJoinOperator returns a Join node owning id. For JoinNatural,
// leftKeys and rightKeys should name the same shared columns.
func NewJoinOperator(id catalog.FlowNodeID, kind JoinKind, leftNode, rightNode catalog.FlowNodeID, leftKeys, rightKeys []string, leftLayout, rightLayout, output *row.Layout) *JoinOperator {
	return &JoinOperator{
		id: id, Kind: kind, LeftNode: leftNode, RightNode: rightNode,
		LeftKeys: leftKeys, RightKeys: rightKeys,
		LeftLayout: leftLayout, RightLayout: rightLayout, Output: output,
		rowNumbers: NewRowNumberProvider(id),
	}
}

func (o *JoinOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *JoinOperator) indexTag(side joinSide) byte {
	if side == joinLeft {
		return stateTagJoinLeftIndex
	}
	return stateTagJoinRightIndex
}

func (o *JoinOperator) indexKey(side joinSide, jk []byte) key.Key {
	return key.NewFlowNodeStateKey(uint64(o.id), append([]byte{o.indexTag(side)}, jk...))
}

func (o *JoinOperator) arityKey(leftRN key.RowNumber) key.Key {
	return key.NewFlowNodeStateKey(uint64(o.id), append([]byte{stateTagJoinLeftArity}, rnKeyBytes(leftRN)...))
}

func (o *JoinOperator) loadIndex(cmd *txn.Command, side joinSide, jk []byte) ([]joinEntry, error) {
	vv, ok, err := cmd.Get(o.rowNumbers.kind(), o.indexKey(side, jk))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var entries []joinEntry
	if err := decodeState(vv.Value, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (o *JoinOperator) saveIndex(cmd *txn.Command, side joinSide, jk []byte, entries []joinEntry) error {
	if len(entries) == 0 {
		return cmd.Remove(o.rowNumbers.kind(), o.indexKey(side, jk))
	}
	buf, err := encodeState(entries)
	if err != nil {
		return err
	}
	return cmd.Set(o.rowNumbers.kind(), o.indexKey(side, jk), buf)
}

func (o *JoinOperator) leftArity(cmd *txn.Command, leftRN key.RowNumber) (int64, error) {
	vv, ok, err := cmd.Get(o.rowNumbers.kind(), o.arityKey(leftRN))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(vv.Value)), nil
}

func (o *JoinOperator) setLeftArity(cmd *txn.Command, leftRN key.RowNumber, n int64) error {
	if n <= 0 {
		return cmd.Remove(o.rowNumbers.kind(), o.arityKey(leftRN))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return cmd.Set(o.rowNumbers.kind(), o.arityKey(leftRN), buf[:])
}

func (o *JoinOperator) combine(left, right *row.Row) *row.Row {
	out := row.NewRow(o.Output)
	for i, f := range o.Output.Fields {
		if left != nil {
			if idx := left.Layout.IndexOf(f.Name); idx >= 0 {
				out.Values[i] = left.Values[idx]
				continue
			}
		}
		if right != nil {
			if idx := right.Layout.IndexOf(f.Name); idx >= 0 {
				out.Values[i] = right.Values[idx]
			}
		}
	}
	return out
}

func (o *JoinOperator) pairKey(leftRN, rightRN key.RowNumber) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(leftRN))
	binary.BigEndian.PutUint64(buf[8:], uint64(rightRN))
	return buf
}

func (o *JoinOperator) pairRow(cmd *txn.Command, leftRN, rightRN key.RowNumber, combined *row.Row) (key.RowNumber, bool, error) {
	return o.rowNumbers.GetOrCreate(cmd, o.pairKey(leftRN, rightRN))
}

func (o *JoinOperator) Apply(cmd *txn.Command, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}
	var side joinSide
	switch in.Origin.FlowNode {
	case o.LeftNode:
		side = joinLeft
	case o.RightNode:
		side = joinRight
	default:
		return out, nil
	}

	for _, d := range in.Diffs {
		switch d.Kind {
		case Insert:
			diffs, err := o.admit(cmd, side, d.Post)
			if err != nil {
				return FlowChange{}, err
			}
			out.Diffs = append(out.Diffs, diffs...)
		case Remove:
			diffs, err := o.evict(cmd, side, d.Pre)
			if err != nil {
				return FlowChange{}, err
			}
			out.Diffs = append(out.Diffs, diffs...)
		case Update:
			rdiffs, err := o.evict(cmd, side, d.Pre)
			if err != nil {
				return FlowChange{}, err
			}
			out.Diffs = append(out.Diffs, rdiffs...)
			idiffs, err := o.admit(cmd, side, d.Post)
			if err != nil {
				return FlowChange{}, err
			}
			out.Diffs = append(out.Diffs, idiffs...)
		}
	}
	return out, nil
}

func (o *JoinOperator) keyFor(side joinSide, r *row.Row) ([]byte, error) {
	if side == joinLeft {
		return groupKey(r, o.LeftKeys)
	}
	return groupKey(r, o.RightKeys)
}

func (o *JoinOperator) admit(cmd *txn.Command, side joinSide, img *RowImage) ([]FlowDiff, error) {
	jk, err := o.keyFor(side, img.Row)
	if err != nil {
		return nil, err
	}
	own, err := o.loadIndex(cmd, side, jk)
	if err != nil {
		return nil, err
	}
	own = append(own, joinEntry{RN: img.RowNumber, Values: img.Row.Values})
	if err := o.saveIndex(cmd, side, jk, own); err != nil {
		return nil, err
	}

	other := joinRight
	if side == joinRight {
		other = joinLeft
	}
	matches, err := o.loadIndex(cmd, other, jk)
	if err != nil {
		return nil, err
	}

	var diffs []FlowDiff
	if side == joinLeft {
		if len(matches) == 0 {
			if o.Kind == JoinLeft {
				combined := o.combine(img.Row, nil)
				rn, isNew, err := o.pairRow(cmd, img.RowNumber, 0)
				if err != nil {
					return nil, err
				}
				_ = isNew
				diffs = append(diffs, FlowDiff{Kind: Insert, Post: &RowImage{RowNumber: rn, Row: combined}})
			}
			return diffs, nil
		}
		for _, m := range matches {
			right := &row.Row{Layout: o.RightLayout, Values: m.Values}
			combined := o.combine(img.Row, right)
			rn, _, err := o.pairRow(cmd, img.RowNumber, m.RN)
			if err != nil {
				return nil, err
			}
			diffs = append(diffs, FlowDiff{Kind: Insert, Post: &RowImage{RowNumber: rn, Row: combined}})
		}
		if o.Kind == JoinLeft {
			if err := o.setLeftArity(cmd, img.RowNumber, int64(len(matches))); err != nil {
				return nil, err
			}
		}
		return diffs, nil
	}

	// side == joinRight
	for _, m := range matches {
		left := &row.Row{Layout: o.LeftLayout, Values: m.Values}
		if o.Kind == JoinLeft {
			arity, err := o.leftArity(cmd, m.RN)
			if err != nil {
				return nil, err
			}
			if arity == 0 {
				padRN, _, err := o.pairRow(cmd, m.RN, 0)
				if err != nil {
					return nil, err
				}
				diffs = append(diffs, FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: padRN, Row: o.combine(left, nil)}})
				if err := o.rowNumbers.Forget(cmd, o.pairKey(m.RN, 0), padRN); err != nil {
					return nil, err
				}
			}
			if err := o.setLeftArity(cmd, m.RN, arity+1); err != nil {
				return nil, err
			}
		}
		combined := o.combine(left, img.Row)
		rn, _, err := o.pairRow(cmd, m.RN, img.RowNumber)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, FlowDiff{Kind: Insert, Post: &RowImage{RowNumber: rn, Row: combined}})
	}
	return diffs, nil
}

func (o *JoinOperator) evict(cmd *txn.Command, side joinSide, img *RowImage) ([]FlowDiff, error) {
	jk, err := o.keyFor(side, img.Row)
	if err != nil {
		return nil, err
	}
	own, err := o.loadIndex(cmd, side, jk)
	if err != nil {
		return nil, err
	}
	own = removeEntry(own, img.RowNumber)
	if err := o.saveIndex(cmd, side, jk, own); err != nil {
		return nil, err
	}

	other := joinRight
	if side == joinRight {
		other = joinLeft
	}
	matches, err := o.loadIndex(cmd, other, jk)
	if err != nil {
		return nil, err
	}

	var diffs []FlowDiff
	if side == joinLeft {
		if len(matches) == 0 {
			if o.Kind == JoinLeft {
				rn, _, err := o.pairRow(cmd, img.RowNumber, 0)
				if err != nil {
					return nil, err
				}
				diffs = append(diffs, FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: rn, Row: o.combine(img.Row, nil)}})
				if err := o.rowNumbers.Forget(cmd, o.pairKey(img.RowNumber, 0), rn); err != nil {
					return nil, err
				}
			}
			return diffs, nil
		}
		for _, m := range matches {
			right := &row.Row{Layout: o.RightLayout, Values: m.Values}
			combined := o.combine(img.Row, right)
			rn, _, err := o.pairRow(cmd, img.RowNumber, m.RN)
			if err != nil {
				return nil, err
			}
			diffs = append(diffs, FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: rn, Row: combined}})
			if err := o.rowNumbers.Forget(cmd, o.pairKey(img.RowNumber, m.RN), rn); err != nil {
				return nil, err
			}
		}
		if o.Kind == JoinLeft {
			if err := o.setLeftArity(cmd, img.RowNumber, 0); err != nil {
				return nil, err
			}
		}
		return diffs, nil
	}

	for _, m := range matches {
		left := &row.Row{Layout: o.LeftLayout, Values: m.Values}
		combined := o.combine(left, img.Row)
		rn, _, err := o.pairRow(cmd, m.RN, img.RowNumber)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: rn, Row: combined}})
		if err := o.rowNumbers.Forget(cmd, o.pairKey(m.RN, img.RowNumber), rn); err != nil {
			return nil, err
		}
		if o.Kind == JoinLeft {
			arity, err := o.leftArity(cmd, m.RN)
			if err != nil {
				return nil, err
			}
			arity--
			if err := o.setLeftArity(cmd, m.RN, arity); err != nil {
				return nil, err
			}
			if arity <= 0 {
				padRN, _, err := o.pairRow(cmd, m.RN, 0)
				if err != nil {
					return nil, err
				}
				diffs = append(diffs, FlowDiff{Kind: Insert, Post: &RowImage{RowNumber: padRN, Row: o.combine(left, nil)}})
			}
		}
	}
	return diffs, nil
}

func removeEntry(entries []joinEntry, rn key.RowNumber) []joinEntry {
	for i, e := range entries {
		if e.RN == rn {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
