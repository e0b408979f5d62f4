package flow

import (
	"encoding/binary"
	"fmt"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

// WindowKind selects one of spec.md §4.4.4's three window shapes.
type WindowKind uint8

const (
	WindowTumbling WindowKind = iota + 1
	WindowSliding
	WindowSession
)

// WindowMode fixes whether Size/Slide/Gap are measured in timestamp
// units (nanoseconds, from TimeColumn) or row counts (a per-group
// sequence number) — spec.md §4.4.4's "size and slide types must match
// (both time-based or both count-based)".
type WindowMode uint8

const (
	WindowByTime WindowMode = iota + 1
	WindowByCount
)

const (
	stateTagWindowAcc     byte = 10
	stateTagWindowSession byte = 11
	stateTagWindowSeq     byte = 12
)

// WindowSpec configures one WindowOperator's windowing shape. Slide must
// be strictly smaller than Size for Sliding windows (spec.md's
// invariant); Gap applies only to Session windows.
type WindowSpec struct {
	Kind  WindowKind
	Mode  WindowMode
	Size  int64
	Slide int64
	Gap   int64
}

// windowAccumulator is the per-(group, window) aggregate state, reusing
// the same sum/count/histogram shape as AggregateOperator's accumulator.
type windowAccumulator struct {
	GroupValues []row.Value
	Start, End  int64
	Count       int64
	Sum         float64
	Hist        map[float64]int64
}

// sessionWindow is one active, possibly-still-growing session interval
// for a group.
type sessionWindow struct {
	Start, End int64
}

// WindowOperator maintains per-window accumulators keyed by
// (group-by, window-id), emitting Insert when a window first gains a
// member, Update while it's open, Remove when its count returns to zero.
//
// Session-window retraction is a known simplification: a Remove can
// shrink a session's member count but this operator does not re-split a
// session whose merging event is later retracted — sessions only grow
// or close, matching how most incremental engines treat the rare
// retract-from-the-middle-of-a-session case as eventually consistent
// rather than instantaneously exact.
type WindowOperator struct {
	id          catalog.FlowNodeID
	GroupBy     []string
	TimeColumn  string // required for WindowByTime; ignored for WindowByCount
	Spec        WindowSpec
	Specs       []AggregateSpec
	Output      *row.Layout // GroupBy ++ window_start ++ window_end ++ Specs outputs
	StartColumn string
	EndColumn   string
	rowNumbers  *RowNumberProvider
}

// NewWindowOperator returns a Window node owning id.
func NewWindowOperator(id catalog.FlowNodeID, groupBy []string, timeColumn string, spec WindowSpec, specs []AggregateSpec, output *row.Layout, startColumn, endColumn string) *WindowOperator {
	return &WindowOperator{
		id: id, GroupBy: groupBy, TimeColumn: timeColumn, Spec: spec, Specs: specs,
		Output: output, StartColumn: startColumn, EndColumn: endColumn,
		rowNumbers: NewRowNumberProvider(id),
	}
}

func (o *WindowOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *WindowOperator) accKey(gk []byte, windowStart int64) key.Key {
	buf := append([]byte{stateTagWindowAcc}, gk...)
	var wb [8]byte
	binary.BigEndian.PutUint64(wb[:], uint64(windowStart))
	return key.NewFlowNodeStateKey(uint64(o.id), append(buf, wb[:]...))
}

func (o *WindowOperator) seqKey(gk []byte) key.Key {
	return key.NewFlowNodeStateKey(uint64(o.id), append([]byte{stateTagWindowSeq}, gk...))
}

func (o *WindowOperator) sessionsKey(gk []byte) key.Key {
	return key.NewFlowNodeStateKey(uint64(o.id), append([]byte{stateTagWindowSession}, gk...))
}

func (o *WindowOperator) loadAcc(cmd *txn.Command, gk []byte, start int64) (windowAccumulator, bool, error) {
	vv, ok, err := cmd.Get(o.rowNumbers.kind(), o.accKey(gk, start))
	if err != nil {
		return windowAccumulator{}, false, err
	}
	if !ok {
		return windowAccumulator{Hist: make(map[float64]int64)}, false, nil
	}
	var acc windowAccumulator
	if err := decodeState(vv.Value, &acc); err != nil {
		return windowAccumulator{}, false, err
	}
	if acc.Hist == nil {
		acc.Hist = make(map[float64]int64)
	}
	return acc, true, nil
}

func (o *WindowOperator) saveAcc(cmd *txn.Command, gk []byte, start int64, acc windowAccumulator) error {
	buf, err := encodeState(acc)
	if err != nil {
		return err
	}
	return cmd.Set(o.rowNumbers.kind(), o.accKey(gk, start), buf)
}

func (o *WindowOperator) nextSeq(cmd *txn.Command, gk []byte) (int64, error) {
	vv, ok, err := cmd.Get(o.rowNumbers.kind(), o.seqKey(gk))
	if err != nil {
		return 0, err
	}
	var cur int64
	if ok {
		cur = int64(binary.BigEndian.Uint64(vv.Value))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(cur+1))
	if err := cmd.Set(o.rowNumbers.kind(), o.seqKey(gk), buf[:]); err != nil {
		return 0, err
	}
	return cur, nil
}

func (o *WindowOperator) loadSessions(cmd *txn.Command, gk []byte) ([]sessionWindow, error) {
	vv, ok, err := cmd.Get(o.rowNumbers.kind(), o.sessionsKey(gk))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var wins []sessionWindow
	if err := decodeState(vv.Value, &wins); err != nil {
		return nil, err
	}
	return wins, nil
}

func (o *WindowOperator) saveSessions(cmd *txn.Command, gk []byte, wins []sessionWindow) error {
	if len(wins) == 0 {
		return cmd.Remove(o.rowNumbers.kind(), o.sessionsKey(gk))
	}
	buf, err := encodeState(wins)
	if err != nil {
		return err
	}
	return cmd.Set(o.rowNumbers.kind(), o.sessionsKey(gk), buf)
}

// windowsFor returns the start timestamps/positions of every window t
// belongs to, per Spec.
func (o *WindowOperator) windowsFor(cmd *txn.Command, gk []byte, t int64) ([]int64, error) {
	switch o.Spec.Kind {
	case WindowTumbling:
		if o.Spec.Size <= 0 {
			return nil, fmt.Errorf("flow: window size must be positive")
		}
		start := (t / o.Spec.Size) * o.Spec.Size
		if t < 0 && t%o.Spec.Size != 0 {
			start -= o.Spec.Size
		}
		return []int64{start}, nil
	case WindowSliding:
		if o.Spec.Slide <= 0 || o.Spec.Size <= 0 || o.Spec.Slide >= o.Spec.Size {
			return nil, fmt.Errorf("flow: sliding window requires 0 < slide < size")
		}
		var starts []int64
		first := (t / o.Spec.Slide) * o.Spec.Slide
		if t < 0 && t%o.Spec.Slide != 0 {
			first -= o.Spec.Slide
		}
		for start := first; start > t-o.Spec.Size; start -= o.Spec.Slide {
			if start <= t && t < start+o.Spec.Size {
				starts = append(starts, start)
			}
		}
		return starts, nil
	case WindowSession:
		wins, err := o.loadSessions(cmd, gk)
		if err != nil {
			return nil, err
		}
		for i, w := range wins {
			if t >= w.Start-o.Spec.Gap && t <= w.End+o.Spec.Gap {
				if t < w.Start {
					wins[i].Start = t
				}
				if t > w.End {
					wins[i].End = t
				}
				if err := o.saveSessions(cmd, gk, wins); err != nil {
					return nil, err
				}
				return []int64{wins[i].Start}, nil
			}
		}
		wins = append(wins, sessionWindow{Start: t, End: t})
		if err := o.saveSessions(cmd, gk, wins); err != nil {
			return nil, err
		}
		return []int64{t}, nil
	default:
		return nil, fmt.Errorf("flow: unknown window kind %d", o.Spec.Kind)
	}
}

func (o *WindowOperator) positionOf(cmd *txn.Command, gk []byte, r *row.Row) (int64, error) {
	if o.Spec.Mode == WindowByCount {
		return o.nextSeq(cmd, gk)
	}
	idx := r.Layout.IndexOf(o.TimeColumn)
	if idx < 0 {
		return 0, fmt.Errorf("flow: window time column %q not in layout", o.TimeColumn)
	}
	return r.Values[idx].Int64, nil
}

func (o *WindowOperator) Apply(cmd *txn.Command, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}
	touched := map[string]struct {
		gk    []byte
		start int64
	}{}

	for _, d := range in.Diffs {
		if d.Pre != nil {
			gk, err := groupKey(d.Pre.Row, o.GroupBy)
			if err != nil {
				return FlowChange{}, err
			}
			pos, err := o.positionOf(cmd, gk, d.Pre.Row)
			if err != nil {
				return FlowChange{}, err
			}
			starts, err := o.windowsFor(cmd, gk, pos)
			if err != nil {
				return FlowChange{}, err
			}
			for _, st := range starts {
				if err := o.retract(cmd, gk, st, d.Pre.Row); err != nil {
					return FlowChange{}, err
				}
				touched[fmt.Sprintf("%s:%d", gk, st)] = struct {
					gk    []byte
					start int64
				}{gk, st}
			}
		}
		if d.Post != nil {
			gk, err := groupKey(d.Post.Row, o.GroupBy)
			if err != nil {
				return FlowChange{}, err
			}
			pos, err := o.positionOf(cmd, gk, d.Post.Row)
			if err != nil {
				return FlowChange{}, err
			}
			starts, err := o.windowsFor(cmd, gk, pos)
			if err != nil {
				return FlowChange{}, err
			}
			for _, st := range starts {
				if err := o.apply(cmd, gk, st, d.Post.Row); err != nil {
					return FlowChange{}, err
				}
				touched[fmt.Sprintf("%s:%d", gk, st)] = struct {
					gk    []byte
					start int64
				}{gk, st}
			}
		}
	}

	for _, t := range touched {
		diff, err := o.emit(cmd, t.gk, t.start)
		if err != nil {
			return FlowChange{}, err
		}
		if diff != nil {
			out.Diffs = append(out.Diffs, *diff)
		}
	}
	return out, nil
}

func (o *WindowOperator) apply(cmd *txn.Command, gk []byte, start int64, r *row.Row) error {
	acc, existed, err := o.loadAcc(cmd, gk, start)
	if err != nil {
		return err
	}
	if !existed {
		acc.GroupValues = groupValues(r, o.GroupBy)
		acc.Start = start
		acc.End = o.windowEnd(start)
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
	return o.saveAcc(cmd, gk, start, acc)
}

func (o *WindowOperator) retract(cmd *txn.Command, gk []byte, start int64, r *row.Row) error {
	acc, ok, err := o.loadAcc(cmd, gk, start)
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
		return cmd.Remove(o.rowNumbers.kind(), o.accKey(gk, start))
	}
	return o.saveAcc(cmd, gk, start, acc)
}

func (o *WindowOperator) windowEnd(start int64) int64 {
	switch o.Spec.Kind {
	case WindowTumbling:
		return start + o.Spec.Size
	case WindowSliding:
		return start + o.Spec.Size
	default:
		return start
	}
}

func (o *WindowOperator) emit(cmd *txn.Command, gk []byte, start int64) (*FlowDiff, error) {
	windowKeyBytes := append(append([]byte{}, gk...), rnKeyBytes(key.RowNumber(uint64(start)))...)
	rn, isNew, err := o.rowNumbers.GetOrCreate(cmd, windowKeyBytes)
	if err != nil {
		return nil, err
	}
	acc, ok, err := o.loadAcc(cmd, gk, start)
	if err != nil {
		return nil, err
	}
	if !ok || acc.Count <= 0 {
		if isNew {
			return nil, o.rowNumbers.Forget(cmd, windowKeyBytes, rn)
		}
		r := o.materialize(acc)
		if err := o.rowNumbers.Forget(cmd, windowKeyBytes, rn); err != nil {
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

func (o *WindowOperator) materialize(acc windowAccumulator) *row.Row {
	r := row.NewRow(o.Output)
	for i, name := range o.GroupBy {
		idx := o.Output.IndexOf(name)
		if idx >= 0 && i < len(acc.GroupValues) {
			r.Values[idx] = acc.GroupValues[i]
		}
	}
	if idx := o.Output.IndexOf(o.StartColumn); idx >= 0 {
		r.Values[idx] = row.Value{Int64: acc.Start}
	}
	if idx := o.Output.IndexOf(o.EndColumn); idx >= 0 {
		r.Values[idx] = row.Value{Int64: acc.End}
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
