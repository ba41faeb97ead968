// Package memkv is the in-memory backend of the kv storage contract. A Store
// holds committed state and hands out snapshot-isolated transactions; a
// standalone snapshot transaction (NewSnapshot) is an isolated scratch space
// used as a copy source or destination independent of any store.
package memkv

import (
	"fmt"
	"sort"
	"sync"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/schema"
)

type record struct {
	version uint32
	fields  map[schema.FieldID]kv.Value
}

func (r *record) clone() *record {
	fields := make(map[schema.FieldID]kv.Value, len(r.fields))
	for k, v := range r.fields {
		fields[k] = cloneValue(v)
	}
	return &record{version: r.version, fields: fields}
}

func cloneValue(v kv.Value) kv.Value {
	switch val := v.(type) {
	case []kv.Value:
		out := make([]kv.Value, len(val))
		copy(out, val)
		return out
	case []kv.MapEntry:
		out := make([]kv.MapEntry, len(val))
		copy(out, val)
		return out
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// Store holds committed records. Safe for concurrent Begin calls; each
// transaction is then single-threaded per the storage contract.
type Store struct {
	mu      sync.Mutex
	reg     *schema.Registry
	records map[schema.ObjectID]*record
	seqs    map[schema.TypeID]uint32
}

// NewStore creates an empty store for the given schema.
func NewStore(reg *schema.Registry) *Store {
	return &Store{
		reg:     reg,
		records: make(map[schema.ObjectID]*record),
		seqs:    make(map[schema.TypeID]uint32),
	}
}

// Begin starts a snapshot-isolated transaction over the store's current state.
func (s *Store) Begin() *Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := newTx(s.reg)
	tx.store = s
	for id, rec := range s.records {
		tx.records[id] = rec.clone()
	}
	for t, seq := range s.seqs {
		tx.seqs[t] = seq
	}
	return tx
}

// NewSnapshot creates a standalone in-memory transaction bound to no store.
// Committing it discards nothing and persists nothing; it simply ends the
// transaction.
func NewSnapshot(reg *schema.Registry) *Tx {
	return newTx(reg)
}

// Tx is one in-memory transaction. Implements kv.Transaction.
type Tx struct {
	store   *Store // nil for standalone snapshots
	reg     *schema.Registry
	records map[schema.ObjectID]*record
	seqs    map[schema.TypeID]uint32
	valid   bool

	fieldFns   []kv.FieldChangeFunc
	createFns  []kv.ObjectFunc
	deleteFns  []kv.ObjectFunc
	versionFns []kv.VersionChangeFunc
}

func newTx(reg *schema.Registry) *Tx {
	return &Tx{
		reg:     reg,
		records: make(map[schema.ObjectID]*record),
		seqs:    make(map[schema.TypeID]uint32),
		valid:   true,
	}
}

// Registry returns the model registry of this transaction's schema version.
func (tx *Tx) Registry() *schema.Registry { return tx.reg }

// SchemaVersion returns the schema version this transaction operates under.
func (tx *Tx) SchemaVersion() uint32 { return tx.reg.Version() }

// IsValid reports whether the transaction is still open.
func (tx *Tx) IsValid() bool { return tx.valid }

// Commit publishes this transaction's state to its store (a no-op state-wise for
// standalone snapshots) and ends the transaction.
func (tx *Tx) Commit() error {
	if !tx.valid {
		return kv.ErrInvalidTransaction
	}
	tx.valid = false
	if tx.store == nil {
		return nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.store.records = tx.records
	tx.store.seqs = tx.seqs
	tx.records = nil
	return nil
}

// Rollback discards the transaction.
func (tx *Tx) Rollback() error {
	if !tx.valid {
		return kv.ErrInvalidTransaction
	}
	tx.valid = false
	tx.records = nil
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

// NextID allocates the next unused identifier of the given type.
func (tx *Tx) NextID(t schema.TypeID) (schema.ObjectID, error) {
	if !tx.valid {
		return 0, kv.ErrInvalidTransaction
	}
	if _, ok := tx.reg.TypeByID(t); !ok || t == 0 {
		return 0, kv.ErrUnknownType
	}
	tx.seqs[t]++
	return schema.NewObjectID(t, tx.seqs[t]), nil
}

// CreateOrUpgrade ensures the record exists at the current schema version.
func (tx *Tx) CreateOrUpgrade(id schema.ObjectID) (bool, error) {
	if !tx.valid {
		return false, kv.ErrInvalidTransaction
	}
	if _, ok := tx.reg.TypeOf(id); !ok || id.Type() == 0 {
		return false, kv.ErrUnknownType
	}
	if rec, ok := tx.records[id]; ok {
		tx.upgrade(id, rec)
		return true, nil
	}
	tx.records[id] = &record{
		version: tx.reg.Version(),
		fields:  make(map[schema.FieldID]kv.Value),
	}
	for _, fn := range tx.createFns {
		fn(id)
	}
	return false, nil
}

func (tx *Tx) upgrade(id schema.ObjectID, rec *record) {
	if rec.version == tx.reg.Version() {
		return
	}
	from := rec.version
	rec.version = tx.reg.Version()
	for _, fn := range tx.versionFns {
		fn(id, from, rec.version)
	}
}

// Delete removes the record.
func (tx *Tx) Delete(id schema.ObjectID) (bool, error) {
	if !tx.valid {
		return false, kv.ErrInvalidTransaction
	}
	if _, ok := tx.records[id]; !ok {
		return false, nil
	}
	delete(tx.records, id)
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
	_, ok := tx.records[id]
	return ok, nil
}

// ReadField reads one field value.
func (tx *Tx) ReadField(id schema.ObjectID, field schema.FieldID, upgradeFirst bool) (kv.Value, error) {
	if !tx.valid {
		return nil, kv.ErrInvalidTransaction
	}
	rec, ok := tx.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", kv.ErrObjectNotFound, id)
	}
	if _, err := kv.TopLevelField(tx.reg, id, field); err != nil {
		return nil, err
	}
	if upgradeFirst {
		tx.upgrade(id, rec)
	}
	return cloneValue(rec.fields[field]), nil
}

// WriteField writes one field value and dispatches change listeners when the
// stored value actually changes.
func (tx *Tx) WriteField(id schema.ObjectID, field schema.FieldID, v kv.Value, upgradeFirst bool) error {
	if !tx.valid {
		return kv.ErrInvalidTransaction
	}
	rec, ok := tx.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", kv.ErrObjectNotFound, id)
	}
	f, err := kv.TopLevelField(tx.reg, id, field)
	if err != nil {
		return err
	}
	if upgradeFirst {
		tx.upgrade(id, rec)
	}
	normalized, err := kv.NormalizeValue(f, v)
	if err != nil {
		return err
	}
	old := rec.fields[field]
	if kv.EqualValues(old, normalized) {
		return nil
	}
	if normalized == nil {
		delete(rec.fields, field)
	} else {
		rec.fields[field] = normalized
	}
	for _, fn := range tx.fieldFns {
		fn(id, field, old, cloneValue(normalized))
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
	var out []schema.ObjectID
	for id := range tx.records {
		if id.Type() == t {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// QueryIndex derives the secondary index of an indexed field by scanning the
// records of every type carrying the field. Indexes here are derived, not
// authoritative, which is all the contract promises.
func (tx *Tx) QueryIndex(field schema.FieldID, typeFilter []schema.TypeID) ([]kv.IndexEntry, error) {
	if !tx.valid {
		return nil, kv.ErrInvalidTransaction
	}
	sf, owner, err := kv.IndexedField(tx.reg, field)
	if err != nil {
		return nil, err
	}

	filter := map[schema.TypeID]bool{}
	for _, t := range typeFilter {
		filter[t] = true
	}

	grouped := make(map[string]*kv.IndexEntry)
	var order []string
	for id, rec := range tx.records {
		if len(typeFilter) > 0 && !filter[id.Type()] {
			continue
		}
		typ, ok := tx.reg.TypeOf(id)
		if !ok {
			continue
		}
		if _, ok := typ.FieldByID(field); !ok {
			continue
		}
		for _, v := range extractIndexed(rec, sf, owner) {
			enc, err := kv.EncodeValue(v)
			if err != nil {
				continue
			}
			key := string(enc)
			entry, ok := grouped[key]
			if !ok {
				entry = &kv.IndexEntry{Value: v}
				grouped[key] = entry
				order = append(order, key)
			}
			entry.IDs = append(entry.IDs, id)
		}
	}
	sort.Strings(order)
	out := make([]kv.IndexEntry, 0, len(order))
	for _, key := range order {
		entry := grouped[key]
		sort.Slice(entry.IDs, func(i, j int) bool { return entry.IDs[i] < entry.IDs[j] })
		out = append(out, *entry)
	}
	return out, nil
}

// extractIndexed pulls the indexed values of one record.
func extractIndexed(rec *record, sf *schema.SimpleField, owner *schema.ComplexField) []kv.Value {
	if owner == nil {
		return []kv.Value{rec.fields[sf.ID]}
	}
	return kv.ExtractIndexed(rec.fields[owner.ID], sf, owner)
}
