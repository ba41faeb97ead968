package tx

import (
	"fmt"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/schema"
)

// Obj is the canonical handle for one object identifier within one
// transaction. Handles are cheap identity tokens: they carry no field state and
// may refer to objects that do not (or no longer) exist. A handle whose
// identifier carries a type unknown to the current schema version is untyped;
// field access on it fails, deletion and existence checks still work.
type Obj struct {
	t   *Tx
	id  schema.ObjectID
	typ *schema.ModelType
}

func newObj(t *Tx, id schema.ObjectID) *Obj {
	typ, _ := t.reg.TypeOf(id)
	return &Obj{t: t, id: id, typ: typ}
}

// ID returns the object identifier.
func (o *Obj) ID() schema.ObjectID { return o.id }

// Type returns the object's model type, or nil for an untyped handle.
func (o *Obj) Type() *schema.ModelType { return o.typ }

// Tx returns the transaction the handle is bound to.
func (o *Obj) Tx() *Tx { return o.t }

// Exists reports whether the object's record is present in the transaction.
func (o *Obj) Exists() (bool, error) {
	return o.t.kvt.Exists(o.id)
}

// Delete removes the object's record. It reports whether a record was removed.
func (o *Obj) Delete() (bool, error) {
	return o.t.kvt.Delete(o.id)
}

func (o *Obj) field(name string) (schema.Field, error) {
	if o.typ == nil {
		return nil, fmt.Errorf("%w: object %v has no model type", kv.ErrUnknownType, o.id)
	}
	f, ok := o.typ.Field(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", kv.ErrUnknownField, o.typ.Name, name)
	}
	return f, nil
}

// Get reads a field by name, upgrading the record's schema version first if
// needed. Complex fields are returned whole in canonical form.
func (o *Obj) Get(name string) (kv.Value, error) {
	f, err := o.field(name)
	if err != nil {
		return nil, err
	}
	return o.t.kvt.ReadField(o.id, f.StorageID(), true)
}

// Set writes a field by name, upgrading the record's schema version first if
// needed. Writing a reference checks that the referent's type is assignable to
// the field's declared target.
func (o *Obj) Set(name string, v kv.Value) error {
	f, err := o.field(name)
	if err != nil {
		return err
	}
	if err := o.checkReferences(f, v); err != nil {
		return err
	}
	return o.t.kvt.WriteField(o.id, f.StorageID(), v, true)
}

// GetByID reads a top-level field by storage identifier.
func (o *Obj) GetByID(field schema.FieldID) (kv.Value, error) {
	return o.t.kvt.ReadField(o.id, field, true)
}

// SetByID writes a top-level field by storage identifier.
func (o *Obj) SetByID(field schema.FieldID, v kv.Value) error {
	if o.typ != nil {
		if f, ok := o.typ.FieldByID(field); ok {
			if err := o.checkReferences(f, v); err != nil {
				return err
			}
		}
	}
	return o.t.kvt.WriteField(o.id, field, v, true)
}

// Record reads every field of the object into a name-keyed map.
func (o *Obj) Record() (map[string]kv.Value, error) {
	if o.typ == nil {
		return nil, fmt.Errorf("%w: object %v has no model type", kv.ErrUnknownType, o.id)
	}
	rec := make(map[string]kv.Value, len(o.typ.AllFields()))
	for _, f := range o.typ.AllFields() {
		v, err := o.t.kvt.ReadField(o.id, f.StorageID(), true)
		if err != nil {
			return nil, err
		}
		rec[f.FieldName()] = v
	}
	return rec, nil
}

// Revalidate enqueues the object for deferred validation under the given
// constraint groups (the default group when none are named). It fails when the
// transaction's validation mode is disabled.
func (o *Obj) Revalidate(groups ...string) error {
	if o.t.mode == Disabled {
		return ErrValidationDisabled
	}
	if o.typ == nil {
		return fmt.Errorf("%w: object %v has no model type", kv.ErrUnknownType, o.id)
	}
	if len(groups) == 0 {
		groups = []string{schema.DefaultGroup}
	}
	o.t.queue.add(o.id, groups...)
	return nil
}

// checkReferences verifies reference assignability for the value being written
// to f, including references inside complex collections.
func (o *Obj) checkReferences(f schema.Field, v kv.Value) error {
	if v == nil {
		return nil
	}
	switch ff := f.(type) {
	case *schema.SimpleField:
		if !ff.IsReference() {
			return nil
		}
		return o.checkReferent(ff, v)
	case *schema.ComplexField:
		for _, sub := range ff.ReferenceSubFields() {
			for _, elem := range kv.ExtractIndexed(v, sub, ff) {
				if elem == nil {
					continue
				}
				if err := o.checkReferent(sub, elem); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return nil
	}
}

func (o *Obj) checkReferent(f *schema.SimpleField, v kv.Value) error {
	id, ok := v.(schema.ObjectID)
	if !ok {
		return fmt.Errorf("field %q expects an object reference, got %T", f.FieldName(), v)
	}
	if id.IsNull() {
		return nil
	}
	rt, ok := o.t.reg.TypeOf(id)
	if !ok {
		return fmt.Errorf("%w: referent %v", kv.ErrUnknownType, id)
	}
	target, _ := o.t.reg.Type(f.TargetType)
	if f.TargetType == "" {
		target = o.t.reg.Root()
	}
	if target == nil {
		return fmt.Errorf("%w: reference target %q", kv.ErrUnknownType, f.TargetType)
	}
	if !o.t.reg.AssignableFrom(target, rt) {
		return fmt.Errorf("field %q expects a %s, got a %s", f.FieldName(), target.Name, rt.Name)
	}
	return nil
}
