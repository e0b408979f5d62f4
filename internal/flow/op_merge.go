package flow

import (
	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/txn"
)

// MergeOperator is an N-way set union that preserves duplicates: every
// input row survives to the output, distinguished only by which
// upstream parent it came from (spec.md §4.4.4). Row-number identity —
// how to keep output row numbers stable when two parents might
// otherwise allocate overlapping numbers — is resolved per spec.md's
// own text: a composite key of (parent_index, source_row_number),
// rather than a fresh counter per output row.
type MergeOperator struct {
	id      catalog.FlowNodeID
	Parents []catalog.FlowNodeID
}

// NewMergeOperator returns a Merge node owning id, unioning the named
// parents' outputs. Parents' order fixes each parent's index for the
// composite row-number key.
func NewMergeOperator(id catalog.FlowNodeID, parents []catalog.FlowNodeID) *MergeOperator {
	return &MergeOperator{id: id, Parents: parents}
}

func (o *MergeOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *MergeOperator) parentIndex(origin catalog.FlowNodeID) (int, bool) {
	for i, p := range o.Parents {
		if p == origin {
			return i, true
		}
	}
	return 0, false
}

// mergeRowNumber packs (parentIndex, sourceRowNumber) into one
// key.RowNumber so two parents' row number 1 never collide downstream:
// the high byte carries the parent index (bounding Merge to 255
// parents, ample for any real view definition), the low 56 bits carry
// the source row number.
func mergeRowNumber(parentIdx int, source key.RowNumber) key.RowNumber {
	return key.RowNumber((uint64(byte(parentIdx)) << 56) | (uint64(source) & 0x00ffffffffffffff))
}

func (o *MergeOperator) Apply(cmd *txn.Command, in FlowChange) (FlowChange, error) {
	_ = cmd
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}
	idx, ok := o.parentIndex(in.Origin.FlowNode)
	if !ok {
		return out, nil
	}
	for _, d := range in.Diffs {
		nd := FlowDiff{Kind: d.Kind}
		if d.Pre != nil {
			nd.Pre = &RowImage{RowNumber: mergeRowNumber(idx, d.Pre.RowNumber), Row: d.Pre.Row}
		}
		if d.Post != nil {
			nd.Post = &RowImage{RowNumber: mergeRowNumber(idx, d.Post.RowNumber), Row: d.Post.Row}
		}
		out.Diffs = append(out.Diffs, nd)
	}
	return out, nil
}
