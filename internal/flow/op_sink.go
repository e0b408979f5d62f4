package flow

import (
	"encoding/binary"
	"fmt"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/row"
	"github.com/nanodb/core/internal/txn"
)

const stateTagSinkWatermark byte = 13

// SinkOperator is the terminal node of a flow: it writes diffs into the
// view's backing table under the current storage transaction and
// records a progress watermark so a crash can resume CDC replay from
// the last version this sink actually applied — spec.md §4.4.4's "Sink
// view" contract and §4.4.6's crash-recovery requirement.
type SinkOperator struct {
	id        catalog.FlowNodeID
	Primitive catalog.PrimitiveID // the view's backing table
	rowKind   *RowNumberProvider  // reused purely for its EntryKind/state-key helpers, not its counter
}

// NewSinkOperator returns a Sink node owning id, writing into primitive.
func NewSinkOperator(id catalog.FlowNodeID, primitive catalog.PrimitiveID) *SinkOperator {
	return &SinkOperator{id: id, Primitive: primitive, rowKind: NewRowNumberProvider(id)}
}

func (o *SinkOperator) NodeID() catalog.FlowNodeID { return o.id }

func (o *SinkOperator) watermarkKey() key.Key {
	return key.NewFlowNodeStateKey(uint64(o.id), []byte{stateTagSinkWatermark})
}

// Watermark returns the version of the last input this sink has fully
// applied, or 0 if it has never run.
func (o *SinkOperator) Watermark(cmd *txn.Command) (uint64, error) {
	vv, ok, err := cmd.Get(o.rowKind.kind(), o.watermarkKey())
	if err != nil {
		return 0, fmt.Errorf("flow: sink read watermark: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(vv.Value), nil
}

func (o *SinkOperator) setWatermark(cmd *txn.Command, version uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], version)
	if err := cmd.Set(o.rowKind.kind(), o.watermarkKey(), buf[:]); err != nil {
		return fmt.Errorf("flow: sink persist watermark: %w", err)
	}
	return nil
}

// Apply writes every diff's post-image (or tombstones its pre-image on
// Remove) into the backing table, then advances the watermark to
// in.Version. The returned FlowChange is a pass-through: a sink has no
// downstream consumer, but returning it lets the scheduler log it
// uniformly with other nodes.
func (o *SinkOperator) Apply(cmd *txn.Command, in FlowChange) (FlowChange, error) {
	target := kv.Source(o.Primitive.ID)
	for _, d := range in.Diffs {
		switch d.Kind {
		case Insert, Update:
			k := key.NewRowKey(o.Primitive, d.Post.RowNumber)
			buf, err := row.Encode(d.Post.Row)
			if err != nil {
				return FlowChange{}, fmt.Errorf("flow: sink encode row: %w", err)
			}
			if err := cmd.Set(target, k, buf); err != nil {
				return FlowChange{}, fmt.Errorf("flow: sink write row: %w", err)
			}
		case Remove:
			k := key.NewRowKey(o.Primitive, d.Pre.RowNumber)
			if err := cmd.Remove(target, k); err != nil {
				return FlowChange{}, fmt.Errorf("flow: sink remove row: %w", err)
			}
		}
	}
	if err := o.setWatermark(cmd, in.Version); err != nil {
		return FlowChange{}, err
	}
	return in, nil
}
