package flow

import (
	"encoding/binary"
	"fmt"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

const stateTagRefCount byte = 4

// DistinctOperator maintains a reference count per distinct row key,
// emitting Insert on a 0->1 transition and Remove on 1->0 — spec.md
// §4.4.4's Distinct contract.
type DistinctOperator struct {
	id         catalog.FlowNodeID
	Columns    []string // columns forming the distinctness key; nil means the whole row
	rowNumbers *RowNumberProvider
}

// NewDistinctOperator returns a Distinct node owning id. columns, if
// non-nil, restricts the distinctness key to those row columns;
// otherwise every column participates.
func NewDistinctOperator(id catalog.FlowNodeID, columns []string) *DistinctOperator {
	return &DistinctOperator{id: id, Columns: columns, rowNumbers: NewRowNumberProvider(id)}
}

func (o *DistinctOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *DistinctOperator) refKey(dk []byte) key.Key {
	return key.NewFlowNodeStateKey(uint64(o.id), append([]byte{stateTagRefCount}, dk...))
}

func (o *DistinctOperator) distinctKey(r *row.Row) ([]byte, error) {
	cols := o.Columns
	if cols == nil {
		cols = make([]string, len(r.Layout.Fields))
		for i, f := range r.Layout.Fields {
			cols[i] = f.Name
		}
	}
	return groupKey(r, cols)
}

func (o *DistinctOperator) refCount(cmd *txn.Command, dk []byte) (int64, error) {
	vv, ok, err := cmd.Get(o.rowNumbers.kind(), o.refKey(dk))
	if err != nil {
		return 0, fmt.Errorf("flow: distinct refcount read: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(vv.Value)), nil
}

func (o *DistinctOperator) setRefCount(cmd *txn.Command, dk []byte, n int64) error {
	if n <= 0 {
		return cmd.Remove(o.rowNumbers.kind(), o.refKey(dk))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return cmd.Set(o.rowNumbers.kind(), o.refKey(dk), buf[:])
}

func (o *DistinctOperator) Apply(cmd *txn.Command, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}
	for _, d := range in.Diffs {
		switch d.Kind {
		case Insert:
			diff, err := o.admit(cmd, d.Post)
			if err != nil {
				return FlowChange{}, err
			}
			if diff != nil {
				out.Diffs = append(out.Diffs, *diff)
			}
		case Remove:
			diff, err := o.evict(cmd, d.Pre)
			if err != nil {
				return FlowChange{}, err
			}
			if diff != nil {
				out.Diffs = append(out.Diffs, *diff)
			}
		case Update:
			preDK, err := o.distinctKey(d.Pre.Row)
			if err != nil {
				return FlowChange{}, err
			}
			postDK, err := o.distinctKey(d.Post.Row)
			if err != nil {
				return FlowChange{}, err
			}
			if string(preDK) == string(postDK) {
				// Same distinctness key: no refcount-transition diff fires.
				continue
			}
			evicted, err := o.evict(cmd, d.Pre)
			if err != nil {
				return FlowChange{}, err
			}
			if evicted != nil {
				out.Diffs = append(out.Diffs, *evicted)
			}
			admitted, err := o.admit(cmd, d.Post)
			if err != nil {
				return FlowChange{}, err
			}
			if admitted != nil {
				out.Diffs = append(out.Diffs, *admitted)
			}
		}
	}
	return out, nil
}

func (o *DistinctOperator) admit(cmd *txn.Command, post *RowImage) (*FlowDiff, error) {
	dk, err := o.distinctKey(post.Row)
	if err != nil {
		return nil, err
	}
	n, err := o.refCount(cmd, dk)
	if err != nil {
		return nil, err
	}
	if err := o.setRefCount(cmd, dk, n+1); err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}
	rn, _, err := o.rowNumbers.GetOrCreate(cmd, dk)
	if err != nil {
		return nil, err
	}
	return &FlowDiff{Kind: Insert, Post: &RowImage{RowNumber: rn, Row: post.Row}}, nil
}

func (o *DistinctOperator) evict(cmd *txn.Command, pre *RowImage) (*FlowDiff, error) {
	dk, err := o.distinctKey(pre.Row)
	if err != nil {
		return nil, err
	}
	n, err := o.refCount(cmd, dk)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if err := o.setRefCount(cmd, dk, n-1); err != nil {
		return nil, err
	}
	if n > 1 {
		return nil, nil
	}
	rn, found, err := o.rowNumbers.GetOrCreate(cmd, dk)
	if err != nil {
		return nil, err
	}
	if err := o.rowNumbers.Forget(cmd, dk, rn); err != nil {
		return nil, err
	}
	_ = found
	return &FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: rn, Row: pre.Row}}, nil
}
