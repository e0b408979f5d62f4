package catalog

import (
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
)

// txnReader is satisfied by *txn.Command: a point lookup that already
// consults the pending set before storage, giving read-your-own-writes
// for free (internal/txn/transaction.go's Command.Get). Declared as an
// interface so this package need not import internal/txn.
type txnReader interface {
	Get(kind kv.EntryKind, k key.Key) (kv.VersionedValue, bool, error)
}

// TransactionalPrimitives implements spec.md §4.3's TransactionalXChanges
// contract for primitives (`find`, `is_deleted`, `find_by_name`,
// `is_deleted_by_name`): every lookup goes through the owning command
// transaction's pending set first, so a transaction that creates then
// immediately queries a table sees it without waiting for commit.
type TransactionalPrimitives struct {
	cmd txnReader
}

// NewTransactionalPrimitives wraps cmd (a *txn.Command) for catalog
// reads-with-pending-writes.
func NewTransactionalPrimitives(cmd txnReader) *TransactionalPrimitives {
	return &TransactionalPrimitives{cmd: cmd}
}

func decodePrimitiveValue(vv kv.VersionedValue) (PrimitiveDef, error) {
	var def PrimitiveDef
	err := decodeGob(vv.Value, &def)
	return def, err
}

// Find looks up a primitive by id, seeing this transaction's own
// buffered writes.
func (t *TransactionalPrimitives) Find(id PrimitiveID) (PrimitiveDef, bool, error) {
	vv, ok, err := t.cmd.Get(kv.Multi, primitiveIDKey(id))
	if err != nil || !ok {
		return PrimitiveDef{}, ok, err
	}
	def, err := decodePrimitiveValue(vv)
	return def, err == nil, err
}

// IsDeleted reports whether id resolves to a tombstone within this
// transaction's view (buffered remove, or a prior commit's tombstone
// not yet superseded).
func (t *TransactionalPrimitives) IsDeleted(id PrimitiveID) (bool, error) {
	_, ok, err := t.Find(id)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// FindByName resolves a namespace-qualified primitive by name, seeing
// this transaction's own buffered writes.
func (t *TransactionalPrimitives) FindByName(ns NamespaceID, name string) (PrimitiveDef, bool, error) {
	vv, ok, err := t.cmd.Get(kv.Multi, primitiveNameKey(ns, name))
	if err != nil || !ok {
		return PrimitiveDef{}, ok, err
	}
	def, err := decodePrimitiveValue(vv)
	return def, err == nil, err
}

// IsDeletedByName reports whether name is currently deleted (or never
// existed) within this namespace, from this transaction's view.
func (t *TransactionalPrimitives) IsDeletedByName(ns NamespaceID, name string) (bool, error) {
	_, ok, err := t.FindByName(ns, name)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// TransactionalNamespaces mirrors TransactionalPrimitives for
// namespaces.
type TransactionalNamespaces struct {
	cmd txnReader
}

// NewTransactionalNamespaces wraps cmd for namespace reads-with-pending-writes.
func NewTransactionalNamespaces(cmd txnReader) *TransactionalNamespaces {
	return &TransactionalNamespaces{cmd: cmd}
}

func decodeNamespaceValue(vv kv.VersionedValue) (Namespace, error) {
	var ns Namespace
	err := decodeGob(vv.Value, &ns)
	return ns, err
}

// Find looks up a namespace by id.
func (t *TransactionalNamespaces) Find(id NamespaceID) (Namespace, bool, error) {
	vv, ok, err := t.cmd.Get(kv.Multi, namespaceIDKey(id))
	if err != nil || !ok {
		return Namespace{}, ok, err
	}
	ns, err := decodeNamespaceValue(vv)
	return ns, err == nil, err
}

// IsDeleted reports whether id is currently deleted from this
// transaction's view.
func (t *TransactionalNamespaces) IsDeleted(id NamespaceID) (bool, error) {
	_, ok, err := t.Find(id)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// FindByName resolves a namespace by name.
func (t *TransactionalNamespaces) FindByName(name string) (Namespace, bool, error) {
	vv, ok, err := t.cmd.Get(kv.Multi, namespaceNameKey(name))
	if err != nil || !ok {
		return Namespace{}, ok, err
	}
	ns, err := decodeNamespaceValue(vv)
	return ns, err == nil, err
}

// IsDeletedByName reports whether name is currently deleted (or never
// existed).
func (t *TransactionalNamespaces) IsDeletedByName(name string) (bool, error) {
	_, ok, err := t.FindByName(name)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
