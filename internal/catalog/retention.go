package catalog

import (
	"fmt"
	"math"

	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
)

// RetentionSource adapts the materialized catalog's retention-policy
// tables into kv.RetentionSource, so the drop worker (internal/kv)
// can sweep every primitive and flow node without importing this
// package. Grounded on spec.md §9's Open Question resolution: primitive
// and flow-node retention are independent tables keyed by their own id,
// not a shared policy table.
type RetentionSource struct {
	mat   *MaterializedCatalog
	store *kv.MultiVersionStore
}

// NewRetentionSource wires a kv.RetentionSource backed by mat.
func NewRetentionSource(mat *MaterializedCatalog, store *kv.MultiVersionStore) *RetentionSource {
	return &RetentionSource{mat: mat, store: store}
}

// EntryKinds enumerates the Source(primitive) and Operator(flowNode)
// partitions the drop worker should sweep this pass.
func (r *RetentionSource) EntryKinds() []kv.EntryKind {
	ids := r.mat.PrimitiveIDs()
	nodeIDs := r.mat.FlowNodeIDs()
	kinds := make([]kv.EntryKind, 0, len(ids)+len(nodeIDs))
	for _, id := range ids {
		kinds = append(kinds, kv.Source(id.ID))
	}
	for _, id := range nodeIDs {
		kinds = append(kinds, kv.Operator(uint64(id)))
	}
	return kinds
}

// PolicyFor returns the effective retention policy for kind, per
// spec.md §9: an unset policy defaults to KeepForever, never set
// explicitly, so the drop worker never removes history by omission.
func (r *RetentionSource) PolicyFor(kind kv.EntryKind) (kv.RetentionPolicy, bool) {
	if id, ok := kind.PrimitiveID(); ok {
		return r.mat.PrimitiveRetention(id)
	}
	if id, ok := kind.FlowNodeID(); ok {
		return r.mat.FlowNodeRetention(id)
	}
	return kv.RetentionPolicy{}, false
}

// KeysFor enumerates every key currently known to exist under kind by
// scanning its full range at the maximum version, a page at a time.
func (r *RetentionSource) KeysFor(kind kv.EntryKind) ([]key.Key, error) {
	start, end, err := r.fullRangeFor(kind)
	if err != nil {
		return nil, err
	}
	var out []key.Key
	cursor := kv.Cursor{}
	for {
		_, keys, next, hasMore, err := r.store.RangeNext(kind, cursor, start, end, math.MaxUint64, 512)
		if err != nil {
			return nil, fmt.Errorf("catalog: keys for %s: %w", kind, err)
		}
		out = append(out, keys...)
		if !hasMore {
			break
		}
		cursor = next
	}
	return out, nil
}

// fullRangeFor returns the [start, end) byte range covering every row
// key for kind's Source(primitive) partition. The primitive's tagged
// PrimitiveKind (table, view, ring buffer, ...) is looked up from the
// materialized catalog, since kv.EntryKind itself only carries the bare
// numeric id, not the tag needed to reconstruct a row-key range.
func (r *RetentionSource) fullRangeFor(kind kv.EntryKind) (start, end key.Key, err error) {
	id, ok := kind.PrimitiveID()
	if !ok {
		return key.Key{}, key.Key{}, fmt.Errorf("catalog: no row-key range known for %s", kind)
	}
	primKind, ok := r.primitiveKindFor(id)
	if !ok {
		return key.Key{}, key.Key{}, fmt.Errorf("catalog: unknown primitive kind for id %d", id)
	}
	s, e := key.RowKeyRange(key.PrimitiveID{Kind: primKind, ID: id})
	return s, e, nil
}

func (r *RetentionSource) primitiveKindFor(id uint64) (key.PrimitiveKind, bool) {
	for _, p := range r.mat.PrimitiveIDs() {
		if p.ID == id {
			return p.Kind, true
		}
	}
	return 0, false
}
