// Package badgerkv is the Badger-backed implementation of the kv storage
// contract. Records, field values, secondary index entries, and per-type
// identifier sequences live under distinct key prefixes so each record and each
// index occupies a contiguous, ordered key range.
package badgerkv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/schema"
)

// Key prefixes.
const (
	prefixRecord = 'o' // 'o' + id(8) -> schema version (4 bytes)
	prefixField  = 'f' // 'f' + id(8) + field(4) -> encoded value
	prefixIndex  = 'i' // 'i' + field(4) + encoded value + id(8) -> empty
	prefixSeq    = 'q' // 'q' + type(4) -> last allocated suffix (4 bytes)
)

// Store is an embedded Badger store holding one schema version's objects.
type Store struct {
	db  *badger.DB
	reg *schema.Registry
	log *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger injects a logger; the default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens (or creates) a store in the given directory.
func Open(dir string, reg *schema.Registry, opts ...Option) (*Store, error) {
	s := &Store{reg: reg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	badgerOpts := badger.DefaultOptions(dir)
	badgerOpts.Logger = nil
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %s: %w", dir, err)
	}
	s.db = db
	s.log.Info("store opened", zap.String("dir", dir), zap.Uint32("schema_version", reg.Version()))
	return s, nil
}

// Close closes the underlying Badger database.
func (s *Store) Close() error {
	s.log.Info("store closing")
	return s.db.Close()
}

// Registry returns the store's model registry.
func (s *Store) Registry() *schema.Registry { return s.reg }

// Begin starts a read-write transaction.
func (s *Store) Begin() *Tx {
	return &Tx{
		store: s,
		txn:   s.db.NewTransaction(true),
		valid: true,
	}
}

// Tx is one Badger-backed transaction. Implements kv.Transaction.
type Tx struct {
	store *Store
	txn   *badger.Txn
	valid bool

	fieldFns   []kv.FieldChangeFunc
	createFns  []kv.ObjectFunc
	deleteFns  []kv.ObjectFunc
	versionFns []kv.VersionChangeFunc
}

// Registry returns the model registry of this transaction's schema version.
func (tx *Tx) Registry() *schema.Registry { return tx.store.reg }

// SchemaVersion returns the schema version this transaction operates under.
func (tx *Tx) SchemaVersion() uint32 { return tx.store.reg.Version() }

// IsValid reports whether the transaction is still open.
func (tx *Tx) IsValid() bool { return tx.valid }

// Commit commits the underlying Badger transaction and ends this one.
func (tx *Tx) Commit() error {
	if !tx.valid {
		return kv.ErrInvalidTransaction
	}
	tx.valid = false
	if err := tx.txn.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction.
func (tx *Tx) Rollback() error {
	if !tx.valid {
		return kv.ErrInvalidTransaction
	}
	tx.valid = false
	tx.txn.Discard()
	return nil
}

// OnFieldChange registers a field mutation listener.
func (tx *Tx) OnFieldChange(fn kv.FieldChangeFunc) { tx.fieldFns = append(tx.fieldFns, fn) }

// OnCreate registers an object creation listener.
func (tx *Tx) OnCreate(fn kv.ObjectFunc) { tx.createFns = append(tx.createFns, fn) }

// OnDelete registers an object deletion listener.
func (tx *Tx) OnDelete(fn kv.ObjectFunc) { tx.deleteFns = append(tx.deleteFns, fn) }

// OnVersionChange registers a schema-representation upgrade listener.
func (tx *Tx) OnVersionChange(fn kv.VersionChangeFunc) { tx.versionFns = append(tx.versionFns, fn) }

func recordKey(id schema.ObjectID) []byte {
	return append([]byte{prefixRecord}, id.Bytes()...)
}

func fieldKey(id schema.ObjectID, field schema.FieldID) []byte {
	key := make([]byte, 0, 13)
	key = append(key, prefixField)
	key = append(key, id.Bytes()...)
	return binary.BigEndian.AppendUint32(key, uint32(field))
}

func indexKey(field schema.FieldID, encValue []byte, id schema.ObjectID) []byte {
	key := make([]byte, 0, 13+len(encValue))
	key = append(key, prefixIndex)
	key = binary.BigEndian.AppendUint32(key, uint32(field))
	key = append(key, encValue...)
	return append(key, id.Bytes()...)
}

func seqKey(t schema.TypeID) []byte {
	key := []byte{prefixSeq}
	return binary.BigEndian.AppendUint32(key, uint32(t))
}

// NextID allocates the next unused identifier of the given type.
func (tx *Tx) NextID(t schema.TypeID) (schema.ObjectID, error) {
	if !tx.valid {
		return 0, kv.ErrInvalidTransaction
	}
	if _, ok := tx.store.reg.TypeByID(t); !ok || t == 0 {
		return 0, kv.ErrUnknownType
	}
	var seq uint32
	item, err := tx.txn.Get(seqKey(t))
	switch err {
	case nil:
		if err := item.Value(func(v []byte) error {
			seq = binary.BigEndian.Uint32(v)
			return nil
		}); err != nil {
			return 0, err
		}
	case badger.ErrKeyNotFound:
	default:
		return 0, err
	}
	seq++
	if err := tx.txn.Set(seqKey(t), binary.BigEndian.AppendUint32(nil, seq)); err != nil {
		return 0, err
	}
	return schema.NewObjectID(t, seq), nil
}

// recordVersion reads the stored schema version of a record. Returns
// kv.ErrObjectNotFound when the record does not exist.
func (tx *Tx) recordVersion(id schema.ObjectID) (uint32, error) {
	item, err := tx.txn.Get(recordKey(id))
	if err == badger.ErrKeyNotFound {
		return 0, fmt.Errorf("%w: %s", kv.ErrObjectNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	var version uint32
	err = item.Value(func(v []byte) error {
		version = binary.BigEndian.Uint32(v)
		return nil
	})
	return version, err
}

func (tx *Tx) upgrade(id schema.ObjectID, stored uint32) error {
	current := tx.store.reg.Version()
	if stored == current {
		return nil
	}
	if err := tx.txn.Set(recordKey(id), binary.BigEndian.AppendUint32(nil, current)); err != nil {
		return err
	}
	for _, fn := range tx.versionFns {
		fn(id, stored, current)
	}
	return nil
}

// CreateOrUpgrade ensures the record exists at the current schema version.
func (tx *Tx) CreateOrUpgrade(id schema.ObjectID) (bool, error) {
	if !tx.valid {
		return false, kv.ErrInvalidTransaction
	}
	typ, ok := tx.store.reg.TypeOf(id)
	if !ok || id.Type() == 0 {
		return false, kv.ErrUnknownType
	}
	stored, err := tx.recordVersion(id)
	if err == nil {
		return true, tx.upgrade(id, stored)
	}
	current := tx.store.reg.Version()
	if err := tx.txn.Set(recordKey(id), binary.BigEndian.AppendUint32(nil, current)); err != nil {
		return false, err
	}
	// Seed index entries so every object of the type appears in its indexed
	// fields' indexes, unset values included.
	for _, f := range typ.AllFields() {
		sf, ok := f.(*schema.SimpleField)
		if !ok || !sf.Indexed {
			continue
		}
		enc, err := kv.EncodeValue(nil)
		if err != nil {
			return false, err
		}
		if err := tx.txn.Set(indexKey(sf.ID, enc, id), nil); err != nil {
			return false, err
		}
	}
	for _, fn := range tx.createFns {
		fn(id)
	}
	return false, nil
}

// Delete removes the record, its field values, and its index entries.
func (tx *Tx) Delete(id schema.ObjectID) (bool, error) {
	if !tx.valid {
		return false, kv.ErrInvalidTransaction
	}
	if _, err := tx.recordVersion(id); err != nil {
		return false, nil
	}
	typ, ok := tx.store.reg.TypeOf(id)
	if ok {
		for _, f := range typ.AllFields() {
			stored, err := tx.readStored(id, f.StorageID())
			if err != nil {
				return false, err
			}
			if err := tx.updateIndexes(id, f, stored, nil, true); err != nil {
				return false, err
			}
			if err := tx.txn.Delete(fieldKey(id, f.StorageID())); err != nil {
				return false, err
			}
		}
	}
	if err := tx.txn.Delete(recordKey(id)); err != nil {
		return false, err
	}
	for _, fn := range tx.deleteFns {
		fn(id)
	}
	return true, nil
}

// Exists reports whether the record exists.
func (tx *Tx) Exists(id schema.ObjectID) (bool, error) {
	if !tx.valid {
		return false, kv.ErrInvalidTransaction
	}
	_, err := tx.recordVersion(id)
	if err == nil {
		return true, nil
	}
	if kvNotFound(err) {
		return false, nil
	}
	return false, err
}

func kvNotFound(err error) bool {
	return errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, kv.ErrObjectNotFound)
}

// readStored reads the decoded stored value of one field, nil when unset.
func (tx *Tx) readStored(id schema.ObjectID, field schema.FieldID) (kv.Value, error) {
	item, err := tx.txn.Get(fieldKey(id, field))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var value kv.Value
	err = item.Value(func(raw []byte) error {
		v, _, err := kv.DecodeValue(raw)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// ReadField reads one field value.
func (tx *Tx) ReadField(id schema.ObjectID, field schema.FieldID, upgradeFirst bool) (kv.Value, error) {
	if !tx.valid {
		return nil, kv.ErrInvalidTransaction
	}
	stored, err := tx.recordVersion(id)
	if err != nil {
		return nil, err
	}
	if _, err := kv.TopLevelField(tx.store.reg, id, field); err != nil {
		return nil, err
	}
	if upgradeFirst {
		if err := tx.upgrade(id, stored); err != nil {
			return nil, err
		}
	}
	return tx.readStored(id, field)
}

// WriteField writes one field value, maintains the affected secondary indexes,
// and dispatches change listeners when the stored value actually changes.
func (tx *Tx) WriteField(id schema.ObjectID, field schema.FieldID, v kv.Value, upgradeFirst bool) error {
	if !tx.valid {
		return kv.ErrInvalidTransaction
	}
	stored, err := tx.recordVersion(id)
	if err != nil {
		return err
	}
	f, err := kv.TopLevelField(tx.store.reg, id, field)
	if err != nil {
		return err
	}
	if upgradeFirst {
		if err := tx.upgrade(id, stored); err != nil {
			return err
		}
	}
	normalized, err := kv.NormalizeValue(f, v)
	if err != nil {
		return err
	}
	old, err := tx.readStored(id, field)
	if err != nil {
		return err
	}
	if kv.EqualValues(old, normalized) {
		return nil
	}
	if normalized == nil {
		if err := tx.txn.Delete(fieldKey(id, field)); err != nil {
			return err
		}
	} else {
		enc, err := kv.EncodeValue(normalized)
		if err != nil {
			return err
		}
		if err := tx.txn.Set(fieldKey(id, field), enc); err != nil {
			return err
		}
	}
	if err := tx.updateIndexes(id, f, old, normalized, false); err != nil {
		return err
	}
	for _, fn := range tx.fieldFns {
		fn(id, field, old, normalized)
	}
	return nil
}

// updateIndexes replaces the index entries derived from one field's old value
// with those derived from the new value. With objectGone the nil placeholder
// entries are removed too.
func (tx *Tx) updateIndexes(id schema.ObjectID, f schema.Field, old, cur kv.Value, objectGone bool) error {
	apply := func(sf *schema.SimpleField, owner *schema.ComplexField) error {
		if !sf.Indexed {
			return nil
		}
		oldVals := kv.ExtractIndexed(old, sf, owner)
		newVals := kv.ExtractIndexed(cur, sf, owner)
		if objectGone {
			newVals = nil
		} else if owner == nil && cur == nil {
			// A cleared top-level field keeps its nil placeholder entry.
			newVals = []kv.Value{nil}
		}
		for _, v := range oldVals {
			enc, err := kv.EncodeValue(v)
			if err != nil {
				return err
			}
			if err := tx.txn.Delete(indexKey(sf.ID, enc, id)); err != nil {
				return err
			}
		}
		for _, v := range newVals {
			enc, err := kv.EncodeValue(v)
			if err != nil {
				return err
			}
			if err := tx.txn.Set(indexKey(sf.ID, enc, id), nil); err != nil {
				return err
			}
		}
		return nil
	}
	switch ff := f.(type) {
	case *schema.SimpleField:
		return apply(ff, nil)
	case *schema.ComplexField:
		for _, sub := range ff.SubFields() {
			if err := apply(sub, ff); err != nil {
				return err
			}
		}
	}
	return nil
}

// CopyRecord copies this transaction's record srcID into dst under dstID.
func (tx *Tx) CopyRecord(srcID, dstID schema.ObjectID, dst kv.Transaction) error {
	if !tx.valid {
		return kv.ErrInvalidTransaction
	}
	return kv.CopyRecordVia(tx, srcID, dst, dstID)
}

// ScanType returns the identifiers of all records of one type, in identifier
// order.
func (tx *Tx) ScanType(t schema.TypeID) ([]schema.ObjectID, error) {
	if !tx.valid {
		return nil, kv.ErrInvalidTransaction
	}
	prefix := []byte{prefixRecord}
	prefix = binary.BigEndian.AppendUint32(prefix, uint32(t))

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var out []schema.ObjectID
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		id, err := schema.ObjectIDFromBytes(key[1:])
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// QueryIndex reads the secondary index of a field in value order.
func (tx *Tx) QueryIndex(field schema.FieldID, typeFilter []schema.TypeID) ([]kv.IndexEntry, error) {
	if !tx.valid {
		return nil, kv.ErrInvalidTransaction
	}
	if _, _, err := kv.IndexedField(tx.store.reg, field); err != nil {
		return nil, err
	}
	filter := map[schema.TypeID]bool{}
	for _, t := range typeFilter {
		filter[t] = true
	}

	prefix := []byte{prefixIndex}
	prefix = binary.BigEndian.AppendUint32(prefix, uint32(field))

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var (
		out     []kv.IndexEntry
		lastEnc []byte
	)
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		body := key[len(prefix):]
		if len(body) < 8 {
			return nil, fmt.Errorf("malformed index key for field %d", field)
		}
		encValue := body[:len(body)-8]
		id, err := schema.ObjectIDFromBytes(body[len(body)-8:])
		if err != nil {
			return nil, err
		}
		if len(typeFilter) > 0 && !filter[id.Type()] {
			continue
		}
		if lastEnc == nil || string(lastEnc) != string(encValue) {
			value, _, err := kv.DecodeValue(encValue)
			if err != nil {
				return nil, err
			}
			out = append(out, kv.IndexEntry{Value: value})
			lastEnc = append([]byte(nil), encValue...)
		}
		out[len(out)-1].IDs = append(out[len(out)-1].IDs, id)
	}
	return out, nil
}
