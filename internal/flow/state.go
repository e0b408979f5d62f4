package flow

import (
	"encoding/binary"
	"fmt"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/txn"
)

// state sub-tags partition one operator's private key space
// (EntryKind::Operator(id), per I4) into the counter, forward, and
// reverse indexes a RowNumberProvider needs.
const (
	stateTagCounter byte = 0
	stateTagForward byte = 1
	stateTagReverse byte = 2
)

// RowNumberProvider implements spec.md §4.4.5: every materializing
// operator derives stable row numbers from a deterministic input key via
// get_or_create, with a reverse lookup for Update/Remove propagation.
// Grounded on internal/kv/svl.go's sequence-allocation pattern, scoped
// down to one counter per owning flow node instead of a shared registry.
type RowNumberProvider struct {
	nodeID catalog.FlowNodeID
}

// NewRowNumberProvider returns a provider whose state lives entirely
// under nodeID's operator partition.
func NewRowNumberProvider(nodeID catalog.FlowNodeID) *RowNumberProvider {
	return &RowNumberProvider{nodeID: nodeID}
}

func (p *RowNumberProvider) counterKey() key.Key {
	return key.NewFlowNodeStateKey(uint64(p.nodeID), []byte{stateTagCounter})
}

func (p *RowNumberProvider) forwardKey(userKey []byte) key.Key {
	return key.NewFlowNodeStateKey(uint64(p.nodeID), append([]byte{stateTagForward}, userKey...))
}

func (p *RowNumberProvider) reverseKey(rowNumber key.RowNumber) key.Key {
	buf := make([]byte, 9)
	buf[0] = stateTagReverse
	binary.BigEndian.PutUint64(buf[1:], uint64(rowNumber))
	return key.NewFlowNodeStateKey(uint64(p.nodeID), buf)
}

func (p *RowNumberProvider) kind() kv.EntryKind {
	return kv.Operator(uint64(p.nodeID))
}

// GetOrCreate resolves userKey to its stable row number, allocating one
// from this operator's counter on first sight. isNew reports whether an
// allocation happened.
func (p *RowNumberProvider) GetOrCreate(cmd *txn.Command, userKey []byte) (rn key.RowNumber, isNew bool, err error) {
	fk := p.forwardKey(userKey)
	vv, ok, err := cmd.Get(p.kind(), fk)
	if err != nil {
		return 0, false, fmt.Errorf("flow: row number lookup: %w", err)
	}
	if ok {
		return key.RowNumber(binary.BigEndian.Uint64(vv.Value)), false, nil
	}

	next, err := p.nextCounter(cmd)
	if err != nil {
		return 0, false, err
	}
	var rnBuf [8]byte
	binary.BigEndian.PutUint64(rnBuf[:], next)
	if err := cmd.Set(p.kind(), fk, rnBuf[:]); err != nil {
		return 0, false, fmt.Errorf("flow: persist forward row number: %w", err)
	}
	if err := cmd.Set(p.kind(), p.reverseKey(key.RowNumber(next)), userKey); err != nil {
		return 0, false, fmt.Errorf("flow: persist reverse row number: %w", err)
	}
	return key.RowNumber(next), true, nil
}

// KeyFor reverses GetOrCreate: the deterministic input key that
// produced rowNumber, if this operator ever allocated one for it.
func (p *RowNumberProvider) KeyFor(cmd *txn.Command, rowNumber key.RowNumber) ([]byte, bool, error) {
	vv, ok, err := cmd.Get(p.kind(), p.reverseKey(rowNumber))
	if err != nil || !ok {
		return nil, ok, err
	}
	return vv.Value, true, nil
}

func (p *RowNumberProvider) nextCounter(cmd *txn.Command) (uint64, error) {
	vv, ok, err := cmd.Get(p.kind(), p.counterKey())
	if err != nil {
		return 0, fmt.Errorf("flow: read row number counter: %w", err)
	}
	var cur uint64
	if ok {
		cur = binary.BigEndian.Uint64(vv.Value)
	}
	next := cur + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := cmd.Set(p.kind(), p.counterKey(), buf[:]); err != nil {
		return 0, fmt.Errorf("flow: persist row number counter: %w", err)
	}
	return next, nil
}

// Forget removes the forward and reverse index entries for userKey,
// called by operators (Distinct, Aggregate) when a group or key's
// reference count drops to zero and its row number should not be
// reused for a logically different future key.
func (p *RowNumberProvider) Forget(cmd *txn.Command, userKey []byte, rowNumber key.RowNumber) error {
	if err := cmd.Remove(p.kind(), p.forwardKey(userKey)); err != nil {
		return fmt.Errorf("flow: remove forward row number: %w", err)
	}
	if err := cmd.Remove(p.kind(), p.reverseKey(rowNumber)); err != nil {
		return fmt.Errorf("flow: remove reverse row number: %w", err)
	}
	return nil
}
