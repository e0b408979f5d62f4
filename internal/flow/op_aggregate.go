package flow

import (
	"fmt"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

// AggregateKind enumerates the incrementally maintainable aggregates of
// spec.md §4.4.4: "sum, count, min/max with stored histograms, avg via
// sum+count".
type AggregateKind uint8

const (
	AggSum AggregateKind = iota + 1
	AggCount
	AggMin
	AggMax
	AggAvg
)

// AggregateSpec names one output column computed over Input.
type AggregateSpec struct {
	Output string
	Input  string
	Kind   AggregateKind
}

// accumulator is the per-group state persisted under the operator's own
// partition. Min/Max keep a histogram (value -> count) rather than a
// single extremum, since retracting the current min/max on a Remove
// must fall back to the next-smallest value still present — the "stored
// histograms" spec.md calls for.
type accumulator struct {
	GroupValues []row.Value // the group-by columns' values, so emit can rematerialize the output row
	Count       int64
	Sum         float64
	Hist        map[float64]int64
}

// AggregateOperator maintains one accumulator per group key, emitting
// Insert on a group's first appearance, Update when its aggregates
// change, and Remove when the group's count drops to zero.
type AggregateOperator struct {
	id         catalog.FlowNodeID
	GroupBy    []string
	Specs      []AggregateSpec
	Output     *row.Layout // GroupBy columns followed by each Spec's Output, in order
	rowNumbers *RowNumberProvider
}

// NewAggregateOperator returns an Aggregate node owning id.
func NewAggregateOperator(id catalog.FlowNodeID, groupBy []string, specs []AggregateSpec, output *row.Layout) *AggregateOperator {
	return &AggregateOperator{id: id, GroupBy: groupBy, Specs: specs, Output: output, rowNumbers: NewRowNumberProvider(id)}
}

func (o *AggregateOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *AggregateOperator) entryKind() kv.EntryKind { return kv.Operator(uint64(o.id)) }

// stateTagAccumulator keeps the accumulator's own sub-key space distinct
// from RowNumberProvider's forward/reverse/counter tags (0-2) within the
// same operator's partition.
const stateTagAccumulator byte = 3

func (o *AggregateOperator) stateKey(gk []byte) key.Key {
	return key.NewFlowNodeStateKey(uint64(o.id), append([]byte{stateTagAccumulator}, gk...))
}

func (o *AggregateOperator) loadAccumulator(cmd *txn.Command, gk []byte) (accumulator, bool, error) {
	vv, ok, err := cmd.Get(o.entryKind(), o.stateKey(gk))
	if err != nil {
		return accumulator{}, false, fmt.Errorf("flow: aggregate load state: %w", err)
	}
	if !ok {
		return accumulator{Hist: make(map[float64]int64)}, false, nil
	}
	var acc accumulator
	if err := decodeState(vv.Value, &acc); err != nil {
		return accumulator{}, false, err
	}
	if acc.Hist == nil {
		acc.Hist = make(map[float64]int64)
	}
	return acc, true, nil
}

func (o *AggregateOperator) saveAccumulator(cmd *txn.Command, gk []byte, acc accumulator) error {
	buf, err := encodeState(acc)
	if err != nil {
		return err
	}
	if err := cmd.Set(o.entryKind(), o.stateKey(gk), buf); err != nil {
		return fmt.Errorf("flow: aggregate save state: %w", err)
	}
	return nil
}

func (o *AggregateOperator) Apply(cmd *txn.Command, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}
	touched := map[string][]byte{}

	for _, d := range in.Diffs {
		if d.Pre != nil {
			gk, err := groupKey(d.Pre.Row, o.GroupBy)
			if err != nil {
				return FlowChange{}, err
			}
			if err := o.retract(cmd, gk, d.Pre.Row); err != nil {
				return FlowChange{}, err
			}
			touched[string(gk)] = gk
		}
		if d.Post != nil {
			gk, err := groupKey(d.Post.Row, o.GroupBy)
			if err != nil {
				return FlowChange{}, err
			}
			if err := o.apply(cmd, gk, d.Post.Row); err != nil {
				return FlowChange{}, err
			}
			touched[string(gk)] = gk
		}
	}

	for _, gk := range touched {
		diff, err := o.emit(cmd, gk)
		if err != nil {
			return FlowChange{}, err
		}
		if diff != nil {
			out.Diffs = append(out.Diffs, *diff)
		}
	}
	return out, nil
}

func (o *AggregateOperator) apply(cmd *txn.Command, gk []byte, r *row.Row) error {
	acc, existed, err := o.loadAccumulator(cmd, gk)
	if err != nil {
		return err
	}
	if !existed {
		acc.GroupValues = groupValues(r, o.GroupBy)
	}
	acc.Count++
	for _, spec := range o.Specs {
		f, ok := fieldFloat(r, spec.Input)
		if !ok {
			continue
		}
		switch spec.Kind {
		case AggSum, AggAvg:
			acc.Sum += f
		case AggMin, AggMax:
			acc.Hist[f]++
		}
	}
	return o.saveAccumulator(cmd, gk, acc)
}

func (o *AggregateOperator) retract(cmd *txn.Command, gk []byte, r *row.Row) error {
	acc, ok, err := o.loadAccumulator(cmd, gk)
	if err != nil || !ok {
		return err
	}
	acc.Count--
	for _, spec := range o.Specs {
		f, ok := fieldFloat(r, spec.Input)
		if !ok {
			continue
		}
		switch spec.Kind {
		case AggSum, AggAvg:
			acc.Sum -= f
		case AggMin, AggMax:
			if acc.Hist[f] > 0 {
				acc.Hist[f]--
				if acc.Hist[f] == 0 {
					delete(acc.Hist, f)
				}
			}
		}
	}
	if acc.Count <= 0 {
		return cmd.Remove(o.entryKind(), o.stateKey(gk))
	}
	return o.saveAccumulator(cmd, gk, acc)
}

// emit produces the diff for a group after its accumulator has settled
// for this input version: Remove if the group vanished, Update (or
// Insert, on first appearance) otherwise.
func (o *AggregateOperator) emit(cmd *txn.Command, gk []byte) (*FlowDiff, error) {
	rn, isNew, err := o.rowNumbers.GetOrCreate(cmd, gk)
	if err != nil {
		return nil, err
	}
	acc, ok, err := o.loadAccumulator(cmd, gk)
	if err != nil {
		return nil, err
	}
	if !ok || acc.Count <= 0 {
		if isNew {
			// Never actually materialized; nothing to retract downstream.
			return nil, o.rowNumbers.Forget(cmd, gk, rn)
		}
		r := o.materialize(acc)
		if err := o.rowNumbers.Forget(cmd, gk, rn); err != nil {
			return nil, err
		}
		return &FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: rn, Row: r}}, nil
	}
	r := o.materialize(acc)
	kind := Update
	if isNew {
		kind = Insert
	}
	return &FlowDiff{Kind: kind, Post: &RowImage{RowNumber: rn, Row: r}}, nil
}

func (o *AggregateOperator) materialize(acc accumulator) *row.Row {
	r := row.NewRow(o.Output)
	for i, name := range o.GroupBy {
		idx := o.Output.IndexOf(name)
		if idx >= 0 && i < len(acc.GroupValues) {
			r.Values[idx] = acc.GroupValues[i]
		}
	}
	for _, spec := range o.Specs {
		idx := o.Output.IndexOf(spec.Output)
		if idx < 0 {
			continue
		}
		switch spec.Kind {
		case AggCount:
			r.Values[idx] = row.Value{Int64: acc.Count}
		case AggSum:
			r.Values[idx] = row.Value{Float64: acc.Sum}
		case AggAvg:
			if acc.Count > 0 {
				r.Values[idx] = row.Value{Float64: acc.Sum / float64(acc.Count)}
			}
		case AggMin:
			if m, ok := histExtreme(acc.Hist, false); ok {
				r.Values[idx] = row.Value{Float64: m}
			}
		case AggMax:
			if m, ok := histExtreme(acc.Hist, true); ok {
				r.Values[idx] = row.Value{Float64: m}
			}
		}
	}
	return r
}

func histExtreme(hist map[float64]int64, max bool) (float64, bool) {
	first := true
	var best float64
	for v, c := range hist {
		if c <= 0 {
			continue
		}
		if first || (max && v > best) || (!max && v < best) {
			best = v
			first = false
		}
	}
	return best, !first
}

func groupValues(r *row.Row, columns []string) []row.Value {
	out := make([]row.Value, len(columns))
	for i, name := range columns {
		if idx := r.Layout.IndexOf(name); idx >= 0 {
			out[i] = r.Values[idx]
		}
	}
	return out
}

// fieldFloat reads column name from r as a float64, using its declared
// Layout type to interpret the value, so int32/int64/float64 columns
// all feed the same accumulator arithmetic.
func fieldFloat(r *row.Row, name string) (float64, bool) {
	idx := r.Layout.IndexOf(name)
	if idx < 0 {
		return 0, false
	}
	v := r.Values[idx]
	if v.Undefined {
		return 0, false
	}
	switch r.Layout.Fields[idx].Type {
	case row.TypeInt32:
		return float64(v.Int32), true
	case row.TypeInt64, row.TypeTimestamp:
		return float64(v.Int64), true
	case row.TypeFloat64:
		return v.Float64, true
	default:
		return 0, false
	}
}
