// Package tx is the object layer of marrow: typed object handles over a kv
// transaction, a per-transaction identity cache, the deferred validation
// scheduler, the cross-transaction copy engine, and path-driven index and
// reverse-reference queries.
package tx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/refpath"
	"github.com/marrowdb/marrow/schema"
	"github.com/marrowdb/marrow/validate"
)

var (
	// ErrValidationDisabled is returned by explicit revalidation requests on a
	// transaction opened with validation disabled.
	ErrValidationDisabled = errors.New("validation is disabled for this transaction")

	// ErrNotInstantiable is returned when creating an object of an interface
	// type or the universal root.
	ErrNotInstantiable = errors.New("type cannot be instantiated")
)

// ValidationMode selects how a transaction schedules deferred validation. The
// mode is fixed for the lifetime of the transaction.
type ValidationMode int

const (
	// Automatic enqueues objects on creation and on mutation of validated
	// fields.
	Automatic ValidationMode = iota
	// Manual enqueues only on explicit revalidation requests.
	Manual
	// Disabled never enqueues; explicit requests fail.
	Disabled
)

// String returns the string representation of the mode.
func (m ValidationMode) String() string {
	switch m {
	case Manual:
		return "manual"
	case Disabled:
		return "disabled"
	default:
		return "automatic"
	}
}

var defaultEngine = validate.NewEngine()

// Tx is one object-layer transaction over a kv transaction. A Tx is used by a
// single logical thread of control at a time, matching the storage contract.
type Tx struct {
	kvt      kv.Transaction
	reg      *schema.Registry
	resolver *refpath.Resolver
	engine   *validate.Engine
	mode     ValidationMode
	log      *zap.Logger
	id       string

	cache *identityCache
	queue *validationQueue
}

// Option configures a transaction at open time.
type Option func(*Tx)

// WithValidationMode fixes the transaction's validation mode.
func WithValidationMode(mode ValidationMode) Option {
	return func(t *Tx) { t.mode = mode }
}

// WithLogger injects a logger; the default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tx) { t.log = l }
}

// WithResolver shares a reference-path resolver (and its cache) across
// transactions. By default each transaction gets its own.
func WithResolver(r *refpath.Resolver) Option {
	return func(t *Tx) { t.resolver = r }
}

// Open wraps a kv transaction in an object-layer transaction. Automatic
// validation listeners are registered on the kv transaction here, so mutations
// made through any handle of this Tx enqueue their object for validation.
func Open(kvt kv.Transaction, opts ...Option) *Tx {
	t := &Tx{
		kvt:   kvt,
		reg:   kvt.Registry(),
		mode:  Automatic,
		log:   zap.NewNop(),
		id:    uuid.NewString(),
		cache: newIdentityCache(),
		queue: newValidationQueue(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.resolver == nil {
		t.resolver = refpath.NewResolver(t.reg)
	}
	if t.engine == nil {
		t.engine = defaultEngine
	}
	t.log = t.log.With(zap.String("tx", t.id))

	if t.mode == Automatic {
		kvt.OnCreate(func(id schema.ObjectID) {
			if typ, ok := t.reg.TypeOf(id); ok && typ.RequiresValidation() {
				t.queue.add(id, schema.DefaultGroup)
			}
		})
		kvt.OnFieldChange(func(id schema.ObjectID, field schema.FieldID, old, new kv.Value) {
			t.enqueueFieldChange(id, field)
		})
	}
	kvt.OnDelete(func(id schema.ObjectID) {
		t.queue.remove(id)
	})
	return t
}

// enqueueFieldChange adds a queue entry for a mutation of a validated field,
// with the groups its constraints belong to.
func (t *Tx) enqueueFieldChange(id schema.ObjectID, field schema.FieldID) {
	typ, ok := t.reg.TypeOf(id)
	if !ok {
		return
	}
	f, ok := typ.FieldByID(field)
	if !ok {
		return
	}
	switch ff := f.(type) {
	case *schema.SimpleField:
		if ff.RequiresValidation() {
			t.queue.add(id, ff.ConstraintGroups()...)
		}
	case *schema.ComplexField:
		for _, sub := range ff.SubFields() {
			if sub.RequiresValidation() {
				t.queue.add(id, sub.ConstraintGroups()...)
			}
		}
	}
}

// ID returns the transaction's identity token, used in logs.
func (t *Tx) ID() string { return t.id }

// Registry returns the model registry of this transaction's schema version.
func (t *Tx) Registry() *schema.Registry { return t.reg }

// KV exposes the underlying storage transaction.
func (t *Tx) KV() kv.Transaction { return t.kvt }

// Mode returns the transaction's validation mode.
func (t *Tx) Mode() ValidationMode { return t.mode }

// IsValid reports whether the transaction is still open.
func (t *Tx) IsValid() bool { return t.kvt.IsValid() }

// Create allocates a new object of the named type, creates its record, and
// returns its handle.
func (t *Tx) Create(typeName string) (*Obj, error) {
	typ, ok := t.reg.Type(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", kv.ErrUnknownType, typeName)
	}
	if typ.Interface || typ.Name == schema.RootTypeName {
		return nil, fmt.Errorf("%w: %q", ErrNotInstantiable, typeName)
	}
	id, err := t.kvt.NextID(typ.ID)
	if err != nil {
		return nil, err
	}
	if _, err := t.kvt.CreateOrUpgrade(id); err != nil {
		return nil, err
	}
	t.log.Debug("object created", zap.Stringer("id", id), zap.String("type", typ.Name))
	return t.Get(id), nil
}

// Get returns the canonical handle for an object identifier, constructing it on
// first access. An identifier whose type is unknown in the current schema
// version yields an untyped handle rather than failing.
func (t *Tx) Get(id schema.ObjectID) *Obj {
	return t.cache.get(t, id)
}

// Register inserts a caller-constructed handle into the identity cache,
// returning the canonical handle: the argument if no handle existed for its
// identifier, the already-cached one otherwise.
func (t *Tx) Register(obj *Obj) *Obj {
	return t.cache.register(obj)
}

// All returns handles for every object of the named type, including objects of
// its non-interface subtypes, in identifier order per subtype.
func (t *Tx) All(typeName string) ([]*Obj, error) {
	typ, ok := t.reg.Type(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", kv.ErrUnknownType, typeName)
	}
	var out []*Obj
	for _, sub := range t.reg.InstantiableSubtypes(typ) {
		ids, err := t.kvt.ScanType(sub.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			out = append(out, t.Get(id))
		}
	}
	return out, nil
}

// Commit validates all queued objects and, only on a clean drain, commits the
// underlying storage transaction. A validation failure rolls the transaction
// back and is returned unchanged.
func (t *Tx) Commit(ctx context.Context) error {
	if !t.kvt.IsValid() {
		return kv.ErrInvalidTransaction
	}
	if err := t.Validate(ctx); err != nil {
		t.log.Debug("commit aborted by validation", zap.Error(err))
		if rbErr := t.kvt.Rollback(); rbErr != nil {
			t.log.Debug("rollback after failed validation", zap.Error(rbErr))
		}
		return err
	}
	return t.kvt.Commit()
}

// Rollback discards the transaction.
func (t *Tx) Rollback() error {
	return t.kvt.Rollback()
}
