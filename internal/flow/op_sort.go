package flow

import (
	"sort"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

const stateTagSortSet byte = 6

// SortOperator maintains a fully ordered buffer of every live row and
// re-sorts it on each input batch — spec.md §4.4.4's Sort contract for
// finite inputs ("full re-sort per batch"; stateful online sort for
// unbounded inputs is out of scope). Each row keeps one row number for
// its whole life, derived from its upstream row number rather than its
// sorted position: a new row emits Insert, a row whose values changed
// emits Update, a row that is gone emits Remove, and a change of
// position alone emits nothing.
type SortOperator struct {
	id         catalog.FlowNodeID
	Less       LessFunc
	Layout     *row.Layout
	rowNumbers *RowNumberProvider
}

// NewSortOperator returns a Sort node owning id, ordering rows by less.
func NewSortOperator(id catalog.FlowNodeID, less LessFunc, layout *row.Layout) *SortOperator {
	return &SortOperator{id: id, Less: less, Layout: layout, rowNumbers: NewRowNumberProvider(id)}
}

func (o *SortOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *SortOperator) setKey() key.Key {
	return key.NewFlowNodeStateKey(uint64(o.id), []byte{stateTagSortSet})
}

func (o *SortOperator) loadSet(cmd *txn.Command) ([]takeEntry, error) {
	vv, ok, err := cmd.Get(o.rowNumbers.kind(), o.setKey())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var entries []takeEntry
	if err := decodeState(vv.Value, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (o *SortOperator) saveSet(cmd *txn.Command, entries []takeEntry) error {
	if len(entries) == 0 {
		return cmd.Remove(o.rowNumbers.kind(), o.setKey())
	}
	buf, err := encodeState(entries)
	if err != nil {
		return err
	}
	return cmd.Set(o.rowNumbers.kind(), o.setKey(), buf)
}

func (o *SortOperator) row(e takeEntry) *row.Row {
	return &row.Row{Layout: o.Layout, Values: e.Values}
}

func (o *SortOperator) Apply(cmd *txn.Command, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}

	live, err := o.loadSet(cmd)
	if err != nil {
		return FlowChange{}, err
	}
	oldValues := make(map[key.RowNumber][]row.Value, len(live))
	for _, e := range live {
		oldValues[e.UpstreamRN] = e.Values
	}

	byRN := rebuildIndex(live)
	for _, d := range in.Diffs {
		switch d.Kind {
		case Insert:
			live = append(live, takeEntry{UpstreamRN: d.Post.RowNumber, Values: d.Post.Row.Values})
		case Remove:
			if idx, ok := byRN[d.Pre.RowNumber]; ok {
				live = append(live[:idx], live[idx+1:]...)
				byRN = rebuildIndex(live)
			}
		case Update:
			if idx, ok := byRN[d.Pre.RowNumber]; ok {
				live[idx].Values = d.Post.Row.Values
			} else {
				live = append(live, takeEntry{UpstreamRN: d.Post.RowNumber, Values: d.Post.Row.Values})
			}
		}
	}

	sorted := make([]takeEntry, len(live))
	copy(sorted, live)
	sort.SliceStable(sorted, func(i, j int) bool { return o.Less(o.row(sorted[i]), o.row(sorted[j])) })

	if err := o.saveSet(cmd, sorted); err != nil {
		return FlowChange{}, err
	}

	stillLive := make(map[key.RowNumber]bool, len(sorted))
	for _, e := range sorted {
		stillLive[e.UpstreamRN] = true
		outRN, isNew, err := o.rowNumbers.GetOrCreate(cmd, rnKeyBytes(e.UpstreamRN))
		if err != nil {
			return FlowChange{}, err
		}
		switch {
		case isNew:
			out.Diffs = append(out.Diffs, FlowDiff{Kind: Insert, Post: &RowImage{RowNumber: outRN, Row: o.row(e)}})
		case !valuesEqual(oldValues[e.UpstreamRN], e.Values):
			preRow := &row.Row{Layout: o.Layout, Values: oldValues[e.UpstreamRN]}
			out.Diffs = append(out.Diffs, FlowDiff{
				Kind: Update,
				Pre:  &RowImage{RowNumber: outRN, Row: preRow},
				Post: &RowImage{RowNumber: outRN, Row: o.row(e)},
			})
		}
	}
	for rn, vals := range oldValues {
		if stillLive[rn] {
			continue
		}
		outRN, _, err := o.rowNumbers.GetOrCreate(cmd, rnKeyBytes(rn))
		if err != nil {
			return FlowChange{}, err
		}
		if err := o.rowNumbers.Forget(cmd, rnKeyBytes(rn), outRN); err != nil {
			return FlowChange{}, err
		}
		preRow := &row.Row{Layout: o.Layout, Values: vals}
		out.Diffs = append(out.Diffs, FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: outRN, Row: preRow}})
	}
	return out, nil
}
