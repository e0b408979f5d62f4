package catalog

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
)

func init() {
	gob.Register(Namespace{})
	gob.Register(PrimitiveDef{})
	gob.Register(FlowDef{})
	gob.Register(FlowNodeDef{})
	gob.Register(FlowEdgeDef{})
	gob.Register(kv.RetentionPolicy{})
}

// nameIndexTag and idIndexTag pick the sub-form of a name-bearing
// catalog key: one encoding addresses the entity by id, the other by
// its human name, so FindByName does not require a full table scan.
const (
	idIndexTag   byte = 0
	nameIndexTag byte = 1
)

func namespaceIDKey(id NamespaceID) key.Key {
	return key.NewBuilder(key.KindNamespace).PutByte(idIndexTag).PutUint64(uint64(id)).Build()
}

func namespaceNameKey(name string) key.Key {
	return key.NewBuilder(key.KindNamespace).PutByte(nameIndexTag).PutBytes([]byte(name)).Build()
}

func primitiveIDKey(id PrimitiveID) key.Key {
	return key.NewBuilder(key.KindPrimitive).PutByte(idIndexTag).PutByte(byte(id.Kind)).PutUint64(id.ID).Build()
}

func primitiveNameKey(ns NamespaceID, name string) key.Key {
	return key.NewBuilder(key.KindPrimitive).PutByte(nameIndexTag).PutUint64(uint64(ns)).PutBytes([]byte(name)).Build()
}

func flowKey(id FlowID) key.Key {
	return key.NewBuilder(key.KindFlow).PutUint64(uint64(id)).Build()
}

func flowNodeKey(flow FlowID, node FlowNodeID) key.Key {
	return key.NewBuilder(key.KindFlowNode).PutUint64(uint64(flow)).PutUint64(uint64(node)).Build()
}

func flowEdgeKey(flow FlowID, from, to FlowNodeID) key.Key {
	return key.NewBuilder(key.KindFlowEdge).PutUint64(uint64(flow)).PutUint64(uint64(from)).PutUint64(uint64(to)).Build()
}

// retentionPrimitiveTag and retentionFlowNodeTag distinguish the two
// independent retention-policy tables spec.md §9's Open Question
// resolution calls for (keyed by PrimitiveId and FlowNodeId
// respectively, not a shared table).
const (
	retentionPrimitiveTag byte = 0
	retentionFlowNodeTag  byte = 1
)

func retentionPrimitiveKey(id uint64) key.Key {
	return key.NewBuilder(key.KindRetentionPolicy).PutByte(retentionPrimitiveTag).PutUint64(id).Build()
}

func retentionFlowNodeKey(id uint64) key.Key {
	return key.NewBuilder(key.KindRetentionPolicy).PutByte(retentionFlowNodeTag).PutUint64(id).Build()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("catalog: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("catalog: decode: %w", err)
	}
	return nil
}

// Store persists catalog entities under the shared kv.Multi partition,
// the same way internal/cdc.Log persists CDC records — one gob-encoded
// value per key, versioned by the ordinary commit pipeline.
type Store struct {
	store *kv.MultiVersionStore
}

// NewStore wires a catalog store on top of an already-open
// MultiVersionStore.
func NewStore(store *kv.MultiVersionStore) (*Store, error) {
	if err := store.EnsureTable(kv.Multi); err != nil {
		return nil, fmt.Errorf("catalog: ensure table: %w", err)
	}
	return &Store{store: store}, nil
}

// committer is satisfied by *txn.Command; catalog writes always happen
// inside a command transaction's pending set (spec.md §4.3: "catalog
// mutations are buffered so reads within the same transaction see their
// own writes"), never directly against storage. Declared as an
// interface here, rather than importing internal/txn, so catalog does
// not depend on the transaction package at all — transactional.go
// likewise reads through its own txnReader interface instead of naming
// txn.Command.
type committer interface {
	Set(kind kv.EntryKind, k key.Key, value []byte) error
}

// PutNamespace buffers ns's current definition (and name index entry)
// into cmd's pending set.
func (s *Store) PutNamespace(cmd committer, ns Namespace) error {
	buf, err := encodeGob(ns)
	if err != nil {
		return err
	}
	if err := cmd.Set(kv.Multi, namespaceIDKey(ns.ID), buf); err != nil {
		return err
	}
	return cmd.Set(kv.Multi, namespaceNameKey(ns.Name), buf)
}

// GetNamespace reads ns's definition as of version directly from
// storage (used by the materialized cache's fallback path and by
// read-only queries outside a command transaction).
func (s *Store) GetNamespace(id NamespaceID, version uint64) (Namespace, bool, error) {
	vv, ok, err := s.store.Get(kv.Multi, namespaceIDKey(id), version)
	if err != nil || !ok {
		return Namespace{}, ok, err
	}
	var ns Namespace
	if err := decodeGob(vv.Value, &ns); err != nil {
		return Namespace{}, false, err
	}
	return ns, true, nil
}

// GetNamespaceByName resolves a namespace by name as of version.
func (s *Store) GetNamespaceByName(name string, version uint64) (Namespace, bool, error) {
	vv, ok, err := s.store.Get(kv.Multi, namespaceNameKey(name), version)
	if err != nil || !ok {
		return Namespace{}, ok, err
	}
	var ns Namespace
	if err := decodeGob(vv.Value, &ns); err != nil {
		return Namespace{}, false, err
	}
	return ns, true, nil
}

// PutPrimitive buffers def's current definition (and name index entry).
func (s *Store) PutPrimitive(cmd committer, def PrimitiveDef) error {
	buf, err := encodeGob(def)
	if err != nil {
		return err
	}
	if err := cmd.Set(kv.Multi, primitiveIDKey(def.ID), buf); err != nil {
		return err
	}
	return cmd.Set(kv.Multi, primitiveNameKey(def.Namespace, def.Name), buf)
}

// GetPrimitive reads a primitive's definition as of version.
func (s *Store) GetPrimitive(id PrimitiveID, version uint64) (PrimitiveDef, bool, error) {
	vv, ok, err := s.store.Get(kv.Multi, primitiveIDKey(id), version)
	if err != nil || !ok {
		return PrimitiveDef{}, ok, err
	}
	var def PrimitiveDef
	if err := decodeGob(vv.Value, &def); err != nil {
		return PrimitiveDef{}, false, err
	}
	return def, true, nil
}

// GetPrimitiveByName resolves a namespace-qualified primitive by name.
func (s *Store) GetPrimitiveByName(ns NamespaceID, name string, version uint64) (PrimitiveDef, bool, error) {
	vv, ok, err := s.store.Get(kv.Multi, primitiveNameKey(ns, name), version)
	if err != nil || !ok {
		return PrimitiveDef{}, ok, err
	}
	var def PrimitiveDef
	if err := decodeGob(vv.Value, &def); err != nil {
		return PrimitiveDef{}, false, err
	}
	return def, true, nil
}

// DeletePrimitive tombstones both the id and name index entries.
func (s *Store) DeletePrimitive(cmd interface {
	Remove(kind kv.EntryKind, k key.Key) error
}, def PrimitiveDef) error {
	if err := cmd.Remove(kv.Multi, primitiveIDKey(def.ID)); err != nil {
		return err
	}
	return cmd.Remove(kv.Multi, primitiveNameKey(def.Namespace, def.Name))
}

// PutFlow buffers a flow's definition.
func (s *Store) PutFlow(cmd committer, def FlowDef) error {
	buf, err := encodeGob(def)
	if err != nil {
		return err
	}
	return cmd.Set(kv.Multi, flowKey(def.ID), buf)
}

// GetFlow reads a flow's definition as of version.
func (s *Store) GetFlow(id FlowID, version uint64) (FlowDef, bool, error) {
	vv, ok, err := s.store.Get(kv.Multi, flowKey(id), version)
	if err != nil || !ok {
		return FlowDef{}, ok, err
	}
	var def FlowDef
	if err := decodeGob(vv.Value, &def); err != nil {
		return FlowDef{}, false, err
	}
	return def, true, nil
}

// PutFlowNode buffers a flow node's definition.
func (s *Store) PutFlowNode(cmd committer, def FlowNodeDef) error {
	buf, err := encodeGob(def)
	if err != nil {
		return err
	}
	return cmd.Set(kv.Multi, flowNodeKey(def.Flow, def.ID), buf)
}

// GetFlowNode reads a flow node's definition as of version.
func (s *Store) GetFlowNode(flow FlowID, node FlowNodeID, version uint64) (FlowNodeDef, bool, error) {
	vv, ok, err := s.store.Get(kv.Multi, flowNodeKey(flow, node), version)
	if err != nil || !ok {
		return FlowNodeDef{}, ok, err
	}
	var def FlowNodeDef
	if err := decodeGob(vv.Value, &def); err != nil {
		return FlowNodeDef{}, false, err
	}
	return def, true, nil
}

// PutFlowEdge buffers one DAG edge.
func (s *Store) PutFlowEdge(cmd committer, edge FlowEdgeDef) error {
	buf, err := encodeGob(edge)
	if err != nil {
		return err
	}
	return cmd.Set(kv.Multi, flowEdgeKey(edge.Flow, edge.From, edge.To), buf)
}

// GetFlowEdge reads one DAG edge as of version.
func (s *Store) GetFlowEdge(flow FlowID, from, to FlowNodeID, version uint64) (FlowEdgeDef, bool, error) {
	vv, ok, err := s.store.Get(kv.Multi, flowEdgeKey(flow, from, to), version)
	if err != nil || !ok {
		return FlowEdgeDef{}, ok, err
	}
	var edge FlowEdgeDef
	if err := decodeGob(vv.Value, &edge); err != nil {
		return FlowEdgeDef{}, false, err
	}
	return edge, true, nil
}

// PutPrimitiveRetention buffers a retention policy for a primitive.
func (s *Store) PutPrimitiveRetention(cmd committer, primitiveID uint64, policy kv.RetentionPolicy) error {
	buf, err := encodeGob(policy)
	if err != nil {
		return err
	}
	return cmd.Set(kv.Multi, retentionPrimitiveKey(primitiveID), buf)
}

// GetPrimitiveRetention reads the effective retention policy for a
// primitive as of version.
func (s *Store) GetPrimitiveRetention(primitiveID uint64, version uint64) (kv.RetentionPolicy, bool, error) {
	vv, ok, err := s.store.Get(kv.Multi, retentionPrimitiveKey(primitiveID), version)
	if err != nil || !ok {
		return kv.RetentionPolicy{}, ok, err
	}
	var policy kv.RetentionPolicy
	if err := decodeGob(vv.Value, &policy); err != nil {
		return kv.RetentionPolicy{}, false, err
	}
	return policy, true, nil
}

// PutFlowNodeRetention buffers a retention policy for a flow node's
// operator state.
func (s *Store) PutFlowNodeRetention(cmd committer, flowNodeID uint64, policy kv.RetentionPolicy) error {
	buf, err := encodeGob(policy)
	if err != nil {
		return err
	}
	return cmd.Set(kv.Multi, retentionFlowNodeKey(flowNodeID), buf)
}

// GetFlowNodeRetention reads the effective retention policy for a flow
// node as of version.
func (s *Store) GetFlowNodeRetention(flowNodeID uint64, version uint64) (kv.RetentionPolicy, bool, error) {
	vv, ok, err := s.store.Get(kv.Multi, retentionFlowNodeKey(flowNodeID), version)
	if err != nil || !ok {
		return kv.RetentionPolicy{}, ok, err
	}
	var policy kv.RetentionPolicy
	if err := decodeGob(vv.Value, &policy); err != nil {
		return kv.RetentionPolicy{}, false, err
	}
	return policy, true, nil
}
