package flow

import (
	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

// PredicateFunc evaluates a boolean expression against a row. The flow
// engine never compiles expressions itself (spec.md §6.1: the query
// compiler is an external collaborator emitting already-compiled
// programs) — it only calls one, supplied here as a plain function so
// operators stay free of any VM/bytecode dependency.
type PredicateFunc func(*row.Row) (bool, error)

// FilterOperator evaluates Pred on each post-image and drops false rows
// from Inserts, converting Updates whose pre/post predicate truth
// differs into Insert/Remove as appropriate (spec.md §4.4.4).
type FilterOperator struct {
	id   catalog.FlowNodeID
	Pred PredicateFunc
}

// NewFilterOperator returns a Filter node owning id, evaluating pred.
func NewFilterOperator(id catalog.FlowNodeID, pred PredicateFunc) *FilterOperator {
	return &FilterOperator{id: id, Pred: pred}
}

func (o *FilterOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *FilterOperator) Apply(_ *txn.Command, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: Origin{Kind: OriginInternal, FlowNode: o.id}, Version: in.Version}
	for _, d := range in.Diffs {
		switch d.Kind {
		case Insert:
			ok, err := o.Pred(d.Post.Row)
			if err != nil {
				return FlowChange{}, err
			}
			if ok {
				out.Diffs = append(out.Diffs, d)
			}
		case Remove:
			ok, err := o.Pred(d.Pre.Row)
			if err != nil {
				return FlowChange{}, err
			}
			if ok {
				out.Diffs = append(out.Diffs, d)
			}
		case Update:
			preOK, err := o.Pred(d.Pre.Row)
			if err != nil {
				return FlowChange{}, err
			}
			postOK, err := o.Pred(d.Post.Row)
			if err != nil {
				return FlowChange{}, err
			}
			switch {
			case preOK && postOK:
				out.Diffs = append(out.Diffs, d)
			case preOK && !postOK:
				out.Diffs = append(out.Diffs, FlowDiff{Kind: Remove, Pre: d.Pre})
			case !preOK && postOK:
				out.Diffs = append(out.Diffs, FlowDiff{Kind: Insert, Post: d.Post})
			}
		}
	}
	return out, nil
}
