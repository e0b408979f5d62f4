// Package catalog implements the small relational store of spec.md
// §4.3, layered over internal/kv: namespaces, primitives (tables,
// views, ring buffers, dictionaries, vtables), flows and their nodes
// and edges, and retention policies. Every definition is MVCC-versioned
// the same way user row data is; a materialized in-memory cache fed by
// CDC keeps lookups at O(1) without every query re-reading storage.
//
// What: types.go defines the entity records; store.go persists and
// retrieves them by key; transactional.go buffers catalog mutations
// inside a command transaction so reads within it see uncommitted
// writes; materialized.go is the CDC-fed cache; retention.go adapts the
// catalog's policy tables into kv.RetentionSource for the drop worker.
// How: Grounded on the teacher's internal/storage/catalog.go
// CatalogManager (map-backed registries behind a mutex, string-keyed
// lookups), generalized from an in-memory-only introspection table to
// durable, versioned, CDC-replicated entities.
// Why: Keeping catalog definitions inside the same commit pipeline as
// user data (spec.md §4.3: "committed through the same pipeline...
// picked up by the materialized cache via CDC") is what lets DDL and
// DML share one consistent, replayable history.
package catalog

import "github.com/nanodb/core/internal/key"

// PrimitiveID is the tagged union identity of a table, view, ring
// buffer, dictionary, or vtable, aliased from internal/key so catalog
// callers never need to import key directly just to name one.
type PrimitiveID = key.PrimitiveID

// NamespaceID identifies a namespace (the catalog's notion of a schema).
type NamespaceID uint64

// Namespace groups primitives under a name.
type Namespace struct {
	ID   NamespaceID
	Name string
}

// Column describes one column of a table, view, or ring buffer.
type Column struct {
	Name     string
	Type     string
	Position int
	Nullable bool
}

// PrimitiveDef is the catalog row backing a table, view, ring buffer,
// dictionary, or vtable — spec.md §3.2's "Table / View / Ring-buffer /
// Dictionary / VTable" entity, keyed by the tagged-union PrimitiveID
// from internal/key.
type PrimitiveDef struct {
	ID        PrimitiveID
	Namespace NamespaceID
	Name      string
	Columns   []Column

	// ViewSQL holds the defining query text for PrimitiveView entries;
	// empty for stored tables. The compiled flow backing a view is
	// recorded separately as a FlowDef.
	ViewSQL string
}

// FlowID identifies a flow (the DAG compiled from a view definition).
type FlowID uint64

// FlowNodeID identifies one node within a flow.
type FlowNodeID uint64

// FlowDef is the catalog record of a compiled flow, created at
// view-creation time per spec.md §4.4.1.
type FlowDef struct {
	ID        FlowID
	Namespace NamespaceID
	// SinkView is the view primitive this flow materializes into.
	SinkView PrimitiveID
}

// FlowNodeDef is the catalog record of one flow node. Kind names the
// operator (e.g. "source", "filter", "map", "join", "sink"); Config is
// an operator-specific encoded configuration blob interpreted by
// internal/flow, kept opaque here so the catalog need not know every
// operator's shape.
type FlowNodeDef struct {
	ID     FlowNodeID
	Flow   FlowID
	Kind   string
	Config []byte
}

// FlowEdgeDef is one directed edge of a flow's DAG.
type FlowEdgeDef struct {
	Flow FlowID
	From FlowNodeID
	To   FlowNodeID
}
