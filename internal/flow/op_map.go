package flow

import (
	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

// MapOperator is the terminal projection operator: it projects columns
// onto the view's output schema by name, emitting UNDEFINED for any
// output column whose input is missing (e.g. an unmatched left-join
// side). Values are copied as they are; no type cast to the output
// column's type is applied.
type MapOperator struct {
	id     catalog.FlowNodeID
	Output *row.Layout
}

// NewMapOperator returns a Map node projecting every incoming row onto
// output by column name (ProjectByName).
func NewMapOperator(id catalog.FlowNodeID, output *row.Layout) *MapOperator {
	return &MapOperator{id: id, Output: output}
}

func (o *MapOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *MapOperator) Apply(_ *txn.Command, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}
	for _, d := range in.Diffs {
		nd := FlowDiff{Kind: d.Kind}
		if d.Pre != nil {
			nd.Pre = &RowImage{RowNumber: d.Pre.RowNumber, Row: ProjectByName(d.Pre.Row, o.Output)}
		}
		if d.Post != nil {
			nd.Post = &RowImage{RowNumber: d.Post.RowNumber, Row: ProjectByName(d.Post.Row, o.Output)}
		}
		out.Diffs = append(out.Diffs, nd)
	}
	return out, nil
}

// ProjectByName builds a new row under output's layout, copying values
// from in by matching column name and leaving UNDEFINED wherever in has
// no column of that name. Values are copied unchanged, without casting
// to the output field's type. MapOperator uses it for every row; Extend
// builds its rows itself.
func ProjectByName(in *row.Row, output *row.Layout) *row.Row {
	out := row.NewRow(output)
	for i, f := range output.Fields {
		idx := in.Layout.IndexOf(f.Name)
		if idx < 0 {
			continue
		}
		out.Values[i] = in.Values[idx]
	}
	return out
}
