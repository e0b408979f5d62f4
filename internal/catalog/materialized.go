package catalog

import (
	"fmt"
	"log"
	"sync"

	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
)

// cdcSource is satisfied by *cdc.Producer; declared as an interface so
// catalog need not import internal/cdc (cdc already depends on kv,
// catalog depends on kv too, and neither needs to depend on the other —
// MaterializedCatalog.Listen just needs something that hands back a
// channel of kv.CommitEvent by name).
type cdcSource interface {
	Listen(name string, buffer int) <-chan kv.CommitEvent
}

// MaterializedCatalog is the O(1) read cache of spec.md §4.3: a CDC
// listener applies every committed system-key change to an in-memory
// index, and find_X_at calls are served from that index, falling back
// to storage (with a logged warning, since cache/storage agreement is
// the invariant) only on a miss.
//
// Grounded on the teacher's internal/storage/catalog.go CatalogManager
// (mutex-guarded maps keyed by schema.name), generalized from an
// in-memory-only registry to a cache kept current by replaying commits
// rather than being the system of record itself.
type MaterializedCatalog struct {
	mu sync.RWMutex

	namespaces       map[NamespaceID]Namespace
	namespacesByName map[string]NamespaceID

	primitives       map[PrimitiveID]PrimitiveDef
	primitivesByName map[string]PrimitiveID // "namespace\x00name"

	flows     map[FlowID]FlowDef
	flowNodes map[FlowNodeID]FlowNodeDef

	retentionPrimitive map[uint64]kv.RetentionPolicy
	retentionFlowNode  map[uint64]kv.RetentionPolicy

	store  *Store
	logger *log.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMaterializedCatalog returns an empty cache backed by store for
// fallback reads.
func NewMaterializedCatalog(store *Store, logger *log.Logger) *MaterializedCatalog {
	if logger == nil {
		logger = log.Default()
	}
	return &MaterializedCatalog{
		namespaces:         make(map[NamespaceID]Namespace),
		namespacesByName:   make(map[string]NamespaceID),
		primitives:         make(map[PrimitiveID]PrimitiveDef),
		primitivesByName:   make(map[string]PrimitiveID),
		flows:              make(map[FlowID]FlowDef),
		flowNodes:          make(map[FlowNodeID]FlowNodeDef),
		retentionPrimitive: make(map[uint64]kv.RetentionPolicy),
		retentionFlowNode:  make(map[uint64]kv.RetentionPolicy),
		store:              store,
		logger:             logger,
		stop:               make(chan struct{}),
	}
}

// Listen subscribes to source's commit event stream and begins applying
// every kv.Multi commit to the in-memory index.
func (m *MaterializedCatalog) Listen(source cdcSource) {
	ch := source.Listen("catalog", 256)
	m.wg.Add(1)
	go m.consume(ch)
}

func (m *MaterializedCatalog) consume(ch <-chan kv.CommitEvent) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Kind != kv.Multi {
				continue
			}
			m.apply(evt.Deltas)
		}
	}
}

// Close stops the listener goroutine. Safe to call once.
func (m *MaterializedCatalog) Close() {
	close(m.stop)
	m.wg.Wait()
}

func (m *MaterializedCatalog) apply(deltas []kv.Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deltas {
		switch d.Key.Kind() {
		case key.KindNamespace:
			m.applyNamespace(d)
		case key.KindPrimitive:
			m.applyPrimitive(d)
		case key.KindFlow:
			m.applyFlow(d)
		case key.KindFlowNode:
			m.applyFlowNode(d)
		case key.KindRetentionPolicy:
			m.applyRetention(d)
		}
	}
}

func (m *MaterializedCatalog) applyNamespace(d kv.Delta) {
	if d.Tombstone {
		return
	}
	var ns Namespace
	if err := decodeGob(d.Value, &ns); err != nil {
		m.logger.Printf("catalog: apply namespace: %v", err)
		return
	}
	m.namespaces[ns.ID] = ns
	m.namespacesByName[ns.Name] = ns.ID
}

func (m *MaterializedCatalog) applyPrimitive(d kv.Delta) {
	if d.Tombstone {
		return
	}
	var def PrimitiveDef
	if err := decodeGob(d.Value, &def); err != nil {
		m.logger.Printf("catalog: apply primitive: %v", err)
		return
	}
	m.primitives[def.ID] = def
	m.primitivesByName[primitiveNameIndex(def.Namespace, def.Name)] = def.ID
}

func (m *MaterializedCatalog) applyFlow(d kv.Delta) {
	if d.Tombstone {
		return
	}
	var def FlowDef
	if err := decodeGob(d.Value, &def); err != nil {
		m.logger.Printf("catalog: apply flow: %v", err)
		return
	}
	m.flows[def.ID] = def
}

func (m *MaterializedCatalog) applyFlowNode(d kv.Delta) {
	if d.Tombstone {
		return
	}
	var def FlowNodeDef
	if err := decodeGob(d.Value, &def); err != nil {
		m.logger.Printf("catalog: apply flow node: %v", err)
		return
	}
	m.flowNodes[def.ID] = def
}

func (m *MaterializedCatalog) applyRetention(d kv.Delta) {
	if d.Tombstone {
		return
	}
	var policy kv.RetentionPolicy
	if err := decodeGob(d.Value, &policy); err != nil {
		m.logger.Printf("catalog: apply retention policy: %v", err)
		return
	}
	dec, _, err := key.NewDecoder(d.Key)
	if err != nil {
		m.logger.Printf("catalog: apply retention policy: decode key: %v", err)
		return
	}
	tag, err := dec.GetByte()
	if err != nil {
		m.logger.Printf("catalog: apply retention policy: decode tag: %v", err)
		return
	}
	id, err := dec.GetUint64()
	if err != nil {
		m.logger.Printf("catalog: apply retention policy: decode id: %v", err)
		return
	}
	if tag == retentionPrimitiveTag {
		m.retentionPrimitive[id] = policy
	} else {
		m.retentionFlowNode[id] = policy
	}
}

func primitiveNameIndex(ns NamespaceID, name string) string {
	return fmt.Sprintf("%d\x00%s", ns, name)
}

// FindNamespaceAt serves namespace lookups from the cache, falling back
// to storage on a miss.
func (m *MaterializedCatalog) FindNamespaceAt(id NamespaceID, version uint64) (Namespace, bool, error) {
	m.mu.RLock()
	ns, ok := m.namespaces[id]
	m.mu.RUnlock()
	if ok {
		return ns, true, nil
	}
	m.logger.Printf("catalog: materialized cache miss for namespace %d, falling back to storage", id)
	return m.store.GetNamespace(id, version)
}

// FindPrimitiveAt serves primitive lookups from the cache, falling back
// to storage on a miss.
func (m *MaterializedCatalog) FindPrimitiveAt(id PrimitiveID, version uint64) (PrimitiveDef, bool, error) {
	m.mu.RLock()
	def, ok := m.primitives[id]
	m.mu.RUnlock()
	if ok {
		return def, true, nil
	}
	m.logger.Printf("catalog: materialized cache miss for primitive %v, falling back to storage", id)
	return m.store.GetPrimitive(id, version)
}

// FindPrimitiveByNameAt serves namespace-qualified name lookups from
// the cache, falling back to storage on a miss.
func (m *MaterializedCatalog) FindPrimitiveByNameAt(ns NamespaceID, name string, version uint64) (PrimitiveDef, bool, error) {
	m.mu.RLock()
	id, ok := m.primitivesByName[primitiveNameIndex(ns, name)]
	var def PrimitiveDef
	if ok {
		def, ok = m.primitives[id]
	}
	m.mu.RUnlock()
	if ok {
		return def, true, nil
	}
	m.logger.Printf("catalog: materialized cache miss for primitive %q in namespace %d, falling back to storage", name, ns)
	return m.store.GetPrimitiveByName(ns, name, version)
}

// FindFlowAt serves flow lookups from the cache, falling back to
// storage on a miss.
func (m *MaterializedCatalog) FindFlowAt(id FlowID, version uint64) (FlowDef, bool, error) {
	m.mu.RLock()
	def, ok := m.flows[id]
	m.mu.RUnlock()
	if ok {
		return def, true, nil
	}
	m.logger.Printf("catalog: materialized cache miss for flow %d, falling back to storage", id)
	return m.store.GetFlow(id, version)
}

// PrimitiveIDs returns every primitive id currently known to the cache,
// used by the retention adapter to enumerate drop-worker sweep targets.
func (m *MaterializedCatalog) PrimitiveIDs() []PrimitiveID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PrimitiveID, 0, len(m.primitives))
	for id := range m.primitives {
		out = append(out, id)
	}
	return out
}

// FlowNodeIDs returns every flow node id currently known to the cache.
func (m *MaterializedCatalog) FlowNodeIDs() []FlowNodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FlowNodeID, 0, len(m.flowNodes))
	for id := range m.flowNodes {
		out = append(out, id)
	}
	return out
}

// PrimitiveRetention returns the cached retention policy for a
// primitive, if one has been set.
func (m *MaterializedCatalog) PrimitiveRetention(primitiveID uint64) (kv.RetentionPolicy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.retentionPrimitive[primitiveID]
	return p, ok
}

// FlowNodeRetention returns the cached retention policy for a flow
// node, if one has been set.
func (m *MaterializedCatalog) FlowNodeRetention(flowNodeID uint64) (kv.RetentionPolicy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.retentionFlowNode[flowNodeID]
	return p, ok
}

// StorageStats is a small introspection surface wired into the health
// monitor's periodic report: how many views, tables, flows and flow
// nodes the cache currently holds. It carries no per-view row counts
// and no backing-storage byte sizes.
type StorageStats struct {
	ViewCount     int
	TableCount    int
	FlowCount     int
	FlowNodeCount int
}

// Stats summarizes the cache's current population.
func (m *MaterializedCatalog) Stats() StorageStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s StorageStats
	for _, def := range m.primitives {
		switch def.ID.Kind {
		case key.PrimitiveView:
			s.ViewCount++
		case key.PrimitiveTable:
			s.TableCount++
		}
	}
	s.FlowCount = len(m.flows)
	s.FlowNodeCount = len(m.flowNodes)
	return s
}
