package flow

import (
	"fmt"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

// ComputeFunc derives the values of an Extend operator's appended
// columns from an input row, in the same order as Appended. Like
// PredicateFunc, this is the external-compiler boundary: the flow
// engine calls an already-compiled computation, it never evaluates
// expressions itself.
type ComputeFunc func(*row.Row) ([]row.Value, error)

// ExtendOperator preserves every input column and appends computed
// ones, distinct from the terminal Map (spec.md §4.4.4, supplemented
// per SPEC_FULL.md §5 from original_source's extend.rs: "like Map but
// preserves all input columns and appends computed ones").
type ExtendOperator struct {
	id       catalog.FlowNodeID
	Output   *row.Layout // input columns followed by Appended, in order
	Appended []string    // names of the computed columns, for Compute's return order
	Compute  ComputeFunc
}

// NewExtendOperator returns an Extend node owning id. output must list
// the input row's columns first, in their original order, followed by
// appended in the order Compute returns their values.
func NewExtendOperator(id catalog.FlowNodeID, output *row.Layout, appended []string, compute ComputeFunc) *ExtendOperator {
	return &ExtendOperator{id: id, Output: output, Appended: appended, Compute: compute}
}

func (o *ExtendOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *ExtendOperator) Apply(_ *txn.Command, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}
	for _, d := range in.Diffs {
		nd := FlowDiff{Kind: d.Kind}
		if d.Pre != nil {
			extended, err := o.extend(d.Pre.Row)
			if err != nil {
				return FlowChange{}, err
			}
			nd.Pre = &RowImage{RowNumber: d.Pre.RowNumber, Row: extended}
		}
		if d.Post != nil {
			extended, err := o.extend(d.Post.Row)
			if err != nil {
				return FlowChange{}, err
			}
			nd.Post = &RowImage{RowNumber: d.Post.RowNumber, Row: extended}
		}
		out.Diffs = append(out.Diffs, nd)
	}
	return out, nil
}

func (o *ExtendOperator) extend(in *row.Row) (*row.Row, error) {
	computed, err := o.Compute(in)
	if err != nil {
		return nil, err
	}
	if len(computed) != len(o.Appended) {
		return nil, fmt.Errorf("flow: extend compute returned %d values, want %d", len(computed), len(o.Appended))
	}
	out := row.NewRow(o.Output)
	for i, f := range o.Output.Fields {
		if idx := in.Layout.IndexOf(f.Name); idx >= 0 {
			out.Values[i] = in.Values[idx]
			continue
		}
		for j, name := range o.Appended {
			if name == f.Name {
				out.Values[i] = computed[j]
				break
			}
		}
	}
	return out, nil
}
