// Package kv specifies the ordered key/value storage collaborator the object
// layer is built on: a transactional record store addressed by type-prefixed
// object identifiers, with per-field reads and writes, derived secondary indexes,
// and mutation listeners. Backends live in kv/memkv and kv/badgerkv.
package kv

import (
	"errors"

	"github.com/marrowdb/marrow/schema"
)

var (
	// ErrObjectNotFound is returned by field access on an object that does not
	// exist in the transaction.
	ErrObjectNotFound = errors.New("object not found")

	// ErrUnknownField is returned when a storage identifier does not name a
	// field of the object's type.
	ErrUnknownField = errors.New("unknown field")

	// ErrUnknownType is returned when an object identifier's type is not part
	// of the transaction's schema version.
	ErrUnknownType = errors.New("unknown object type")

	// ErrInvalidTransaction is returned by any operation on a committed,
	// rolled-back, or otherwise expired transaction.
	ErrInvalidTransaction = errors.New("transaction is no longer valid")

	// ErrSchemaMismatch is returned when a record is copied between
	// transactions with different schema versions.
	ErrSchemaMismatch = errors.New("schema version mismatch")

	// ErrNotIndexed is returned by index queries against a field that carries
	// no secondary index.
	ErrNotIndexed = errors.New("field is not indexed")
)

// Value is a stored field value. Simple fields hold one of: nil, bool, int64,
// float64, string, []byte, schema.ObjectID. List and set fields hold []Value;
// map fields hold []MapEntry ordered by key.
type Value = any

// MapEntry is one key/value pair of a stored map field.
type MapEntry struct {
	Key   Value
	Value Value
}

// IndexEntry is one value of a secondary index with the identifiers of all
// surviving objects holding it. QueryIndex returns entries in value order.
type IndexEntry struct {
	Value Value
	IDs   []schema.ObjectID
}

// FieldChangeFunc observes one field mutation.
type FieldChangeFunc func(id schema.ObjectID, field schema.FieldID, old, new Value)

// ObjectFunc observes an object creation or deletion.
type ObjectFunc func(id schema.ObjectID)

// VersionChangeFunc observes a record's schema-representation upgrade.
type VersionChangeFunc func(id schema.ObjectID, from, to uint32)

// Transaction is one transaction of the storage layer. A transaction is used by a
// single logical thread of control; listener registration and mutation are not
// synchronized. Commit and Rollback end the transaction; every later operation
// fails with ErrInvalidTransaction.
type Transaction interface {
	// CreateOrUpgrade ensures the record exists at the current schema version,
	// upgrading its stored representation if needed. Reports whether the record
	// already existed.
	CreateOrUpgrade(id schema.ObjectID) (existed bool, err error)

	// Delete removes the record and its index entries. Reports whether it
	// existed.
	Delete(id schema.ObjectID) (existed bool, err error)

	// Exists reports whether the record exists.
	Exists(id schema.ObjectID) (bool, error)

	// ReadField reads one field value. With upgradeFirst the record is upgraded
	// to the current schema version before the read.
	ReadField(id schema.ObjectID, field schema.FieldID, upgradeFirst bool) (Value, error)

	// WriteField writes one field value. Writing nil clears the field.
	WriteField(id schema.ObjectID, field schema.FieldID, v Value, upgradeFirst bool) error

	// CopyRecord copies this transaction's record srcID into dst under dstID,
	// upgrading the representation as needed.
	CopyRecord(srcID, dstID schema.ObjectID, dst Transaction) error

	// QueryIndex reads the secondary index of a field, restricted to objects
	// whose type identifier is in typeFilter (nil means no restriction).
	QueryIndex(field schema.FieldID, typeFilter []schema.TypeID) ([]IndexEntry, error)

	// ScanType returns the identifiers of all records of one type, in
	// identifier order.
	ScanType(t schema.TypeID) ([]schema.ObjectID, error)

	// NextID allocates the next unused object identifier of the given type.
	// Identifiers are owned by the storage layer and never reused.
	NextID(t schema.TypeID) (schema.ObjectID, error)

	OnFieldChange(fn FieldChangeFunc)
	OnCreate(fn ObjectFunc)
	OnDelete(fn ObjectFunc)
	OnVersionChange(fn VersionChangeFunc)

	Commit() error
	Rollback() error
	IsValid() bool

	// SchemaVersion is the schema version this transaction operates under.
	SchemaVersion() uint32

	// Registry is the model registry of that schema version.
	Registry() *schema.Registry
}

// CopyRecordVia copies one record between transactions through the public field
// interface. Backends use it to implement CopyRecord. The destination record is
// created or upgraded first, then every declared field of the source object's
// type is copied. Identical source and destination (same transaction, same
// identifier) is a no-op.
func CopyRecordVia(src Transaction, srcID schema.ObjectID, dst Transaction, dstID schema.ObjectID) error {
	if src == dst && srcID == dstID {
		return nil
	}
	if src.SchemaVersion() != dst.SchemaVersion() {
		return ErrSchemaMismatch
	}
	typ, ok := src.Registry().TypeOf(srcID)
	if !ok {
		return ErrUnknownType
	}
	if dstID.Type() != srcID.Type() {
		return ErrSchemaMismatch
	}
	if _, err := dst.CreateOrUpgrade(dstID); err != nil {
		return err
	}
	for _, f := range typ.AllFields() {
		v, err := src.ReadField(srcID, f.StorageID(), true)
		if err != nil {
			return err
		}
		if err := dst.WriteField(dstID, f.StorageID(), v, true); err != nil {
			return err
		}
	}
	return nil
}
