package flow

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

const stateTagTakeSet byte = 5

// LessFunc reports whether a sorts strictly before b, the external
// ordering Take maintains its buffer by — same injected-function
// boundary as PredicateFunc and ComputeFunc.
type LessFunc func(a, b *row.Row) bool

// takeEntry is one live candidate row in a Take buffer, identified by
// its upstream row number so Update/Remove can find and replace it.
type takeEntry struct {
	UpstreamRN key.RowNumber
	Values     []row.Value
}

// TakeOperator maintains the top N rows under Less, the "top-N with
// optional ordering" operator of spec.md §4.4.4. Its live buffer holds
// every currently-visible candidate row (not just the current top N) so
// that evicting the current Nth row can correctly promote the next-best
// candidate without rescanning upstream state.
type TakeOperator struct {
	id         catalog.FlowNodeID
	N          int
	Less       LessFunc
	Layout     *row.Layout
	rowNumbers *RowNumberProvider
}

// NewTakeOperator returns a Take node owning id, keeping the n smallest
// rows under less (ascending: Less(a,b) true means a ranks ahead of b).
func NewTakeOperator(id catalog.FlowNodeID, n int, less LessFunc, layout *row.Layout) *TakeOperator {
	return &TakeOperator{id: id, N: n, Less: less, Layout: layout, rowNumbers: NewRowNumberProvider(id)}
}

func (o *TakeOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *TakeOperator) setKey() key.Key {
	return key.NewFlowNodeStateKey(uint64(o.id), []byte{stateTagTakeSet})
}

func (o *TakeOperator) loadSet(cmd *txn.Command) ([]takeEntry, error) {
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

func (o *TakeOperator) saveSet(cmd *txn.Command, entries []takeEntry) error {
	if len(entries) == 0 {
		return cmd.Remove(o.rowNumbers.kind(), o.setKey())
	}
	buf, err := encodeState(entries)
	if err != nil {
		return err
	}
	return cmd.Set(o.rowNumbers.kind(), o.setKey(), buf)
}

func (o *TakeOperator) row(e takeEntry) *row.Row {
	return &row.Row{Layout: o.Layout, Values: e.Values}
}

func (o *TakeOperator) sorted(entries []takeEntry) []takeEntry {
	out := make([]takeEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return o.Less(o.row(out[i]), o.row(out[j]))
	})
	return out
}

func (o *TakeOperator) top(entries []takeEntry) []takeEntry {
	n := o.N
	if n > len(entries) {
		n = len(entries)
	}
	if n < 0 {
		n = 0
	}
	return entries[:n]
}

func (o *TakeOperator) Apply(cmd *txn.Command, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}

	live, err := o.loadSet(cmd)
	if err != nil {
		return FlowChange{}, err
	}
	oldTop := o.top(o.sorted(live))

	byRN := make(map[key.RowNumber]int, len(live))
	for i, e := range live {
		byRN[e.UpstreamRN] = i
	}
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

	sortedLive := o.sorted(live)
	newTop := o.top(sortedLive)
	if err := o.saveSet(cmd, sortedLive); err != nil {
		return FlowChange{}, err
	}

	newByRN := make(map[key.RowNumber]takeEntry, len(newTop))
	for _, e := range newTop {
		newByRN[e.UpstreamRN] = e
	}
	oldByRN := make(map[key.RowNumber]takeEntry, len(oldTop))
	for _, e := range oldTop {
		oldByRN[e.UpstreamRN] = e
	}

	for _, e := range oldTop {
		if _, stillIn := newByRN[e.UpstreamRN]; !stillIn {
			rn, _, err := o.rowNumbers.GetOrCreate(cmd, rnKeyBytes(e.UpstreamRN))
			if err != nil {
				return FlowChange{}, err
			}
			if err := o.rowNumbers.Forget(cmd, rnKeyBytes(e.UpstreamRN), rn); err != nil {
				return FlowChange{}, err
			}
			out.Diffs = append(out.Diffs, FlowDiff{Kind: Remove, Pre: &RowImage{RowNumber: rn, Row: o.row(e)}})
		}
	}
	for _, e := range newTop {
		_, wasIn := oldByRN[e.UpstreamRN]
		rn, isNew, err := o.rowNumbers.GetOrCreate(cmd, rnKeyBytes(e.UpstreamRN))
		if err != nil {
			return FlowChange{}, err
		}
		switch {
		case !wasIn:
			_ = isNew
			out.Diffs = append(out.Diffs, FlowDiff{Kind: Insert, Post: &RowImage{RowNumber: rn, Row: o.row(e)}})
		case !valuesEqual(oldByRN[e.UpstreamRN].Values, e.Values):
			out.Diffs = append(out.Diffs, FlowDiff{Kind: Update, Pre: &RowImage{RowNumber: rn, Row: o.row(oldByRN[e.UpstreamRN])}, Post: &RowImage{RowNumber: rn, Row: o.row(e)}})
		}
	}
	return out, nil
}

func rebuildIndex(entries []takeEntry) map[key.RowNumber]int {
	m := make(map[key.RowNumber]int, len(entries))
	for i, e := range entries {
		m[e.UpstreamRN] = i
	}
	return m
}

func rnKeyBytes(rn key.RowNumber) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(rn))
	return buf[:]
}

func valuesEqual(a, b []row.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Undefined != b[i].Undefined || a[i].Bool != b[i].Bool || a[i].Int32 != b[i].Int32 ||
			a[i].Int64 != b[i].Int64 || a[i].Float64 != b[i].Float64 || !bytes.Equal(a[i].Bytes, b[i].Bytes) {
			return false
		}
	}
	return true
}
