package flow

import (
	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/txn"
)

// SourceOperator emits external changes unchanged, establishing the
// Internal(id) origin downstream operators see from here on — spec.md
// §4.4.4's "Source: emits external changes unchanged; establishes the
// origin."
type SourceOperator struct {
	id        catalog.FlowNodeID
	Primitive catalog.PrimitiveID // the upstream table/primitive this node watches
}

// NewSourceOperator returns a Source node owning id, fed by primitive's
// CDC changes.
func NewSourceOperator(id catalog.FlowNodeID, primitive catalog.PrimitiveID) *SourceOperator {
	return &SourceOperator{id: id, Primitive: primitive}
}

func (o *SourceOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *SourceOperator) Apply(_ *txn.Command, in FlowChange) (FlowChange, error) {
	out := in
	out.Origin = Origin{Kind: OriginInternal, FlowNode: o.id}
	return out, nil
}
