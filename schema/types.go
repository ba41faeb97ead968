// Package schema defines the model registry for marrow: per-version descriptors of
// user model types, their fields and storage identifiers, and the supertype/subtype
// relation used by polymorphic queries and reference-path resolution.
package schema

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// TypeID is the stable storage identifier of a model type across schema versions.
type TypeID uint32

// FieldID is the stable storage identifier of a field (or sub-field) across schema
// versions. Within one schema version a FieldID denotes exactly one field shape.
type FieldID uint32

// ObjectID identifies one stored object. It is opaque and totally ordered: the high
// 32 bits carry the TypeID, the low 32 bits an instance-unique suffix. The zero
// ObjectID is the null reference.
type ObjectID uint64

// NewObjectID builds an ObjectID from a type identifier and an instance suffix.
func NewObjectID(t TypeID, seq uint32) ObjectID {
	return ObjectID(uint64(t)<<32 | uint64(seq))
}

// Type returns the type identifier embedded in the object identifier.
func (id ObjectID) Type() TypeID {
	return TypeID(id >> 32)
}

// Seq returns the instance-unique suffix of the object identifier.
func (id ObjectID) Seq() uint32 {
	return uint32(id)
}

// IsNull reports whether id is the null reference.
func (id ObjectID) IsNull() bool {
	return id == 0
}

// Bytes returns the big-endian encoding of the identifier. The encoding preserves
// the identifier ordering, so all objects of one type form a contiguous key range.
func (id ObjectID) Bytes() []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(id)
		id >>= 8
	}
	return b
}

// ObjectIDFromBytes decodes an identifier previously produced by Bytes.
func ObjectIDFromBytes(b []byte) (ObjectID, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("object id must be 8 bytes, got %d", len(b))
	}
	var id ObjectID
	for _, c := range b {
		id = id<<8 | ObjectID(c)
	}
	return id, nil
}

// String renders the identifier as "<type>:<seq>".
func (id ObjectID) String() string {
	return strconv.FormatUint(uint64(id.Type()), 10) + ":" + strconv.FormatUint(uint64(id.Seq()), 10)
}

// ParseObjectID parses the "<type>:<seq>" form produced by String.
func ParseObjectID(s string) (ObjectID, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return 0, fmt.Errorf("malformed object id %q", s)
	}
	t, err := strconv.ParseUint(s[:i], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed object id %q: %w", s, err)
	}
	q, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed object id %q: %w", s, err)
	}
	return NewObjectID(TypeID(t), uint32(q)), nil
}

// ValueType is the declared value type of a simple field.
type ValueType int

const (
	Bool ValueType = iota
	Int
	Float
	String
	Bytes
	Reference
)

// String returns the string representation of the value type.
func (v ValueType) String() string {
	switch v {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	case Reference:
		return "reference"
	default:
		return "unknown"
	}
}

// ComplexKind distinguishes the three complex field shapes.
type ComplexKind int

const (
	List ComplexKind = iota
	Set
	Map
)

// String returns the string representation of the complex kind.
func (k ComplexKind) String() string {
	switch k {
	case List:
		return "list"
	case Set:
		return "set"
	case Map:
		return "map"
	default:
		return "unknown"
	}
}

// Sub-field names of complex fields. These are the only legal names and appear
// literally in reference paths.
const (
	SubElement = "element"
	SubKey     = "key"
	SubValue   = "value"
)

// ConstraintKind identifies one declarative field constraint.
type ConstraintKind int

const (
	// Required rejects null values.
	Required ConstraintKind = iota
	// Min rejects numeric values below the bound.
	Min
	// Max rejects numeric values above the bound.
	Max
	// MinLength rejects strings shorter than the bound.
	MinLength
	// MaxLength rejects strings longer than the bound.
	MaxLength
	// Pattern rejects strings not matching the regular expression argument.
	Pattern
	// OneOf rejects values outside the listed set.
	OneOf
)

// String returns the string representation of the constraint kind.
func (k ConstraintKind) String() string {
	switch k {
	case Required:
		return "required"
	case Min:
		return "min"
	case Max:
		return "max"
	case MinLength:
		return "minlength"
	case MaxLength:
		return "maxlength"
	case Pattern:
		return "pattern"
	case OneOf:
		return "oneof"
	default:
		return "unknown"
	}
}

// Constraint is one declarative constraint on a simple field. Constraints with no
// groups belong to the default group.
type Constraint struct {
	Kind   ConstraintKind
	Value  any
	Groups []string
}

// DefaultGroup is the constraint group used when none is named.
const DefaultGroup = "default"

// ValidatorFunc is a user-declared type-level validation method. It receives the
// object's current field values keyed by field name and returns a non-nil error to
// flag a violation.
type ValidatorFunc func(ctx context.Context, record map[string]any) error

// Validator pairs a user validation method with the constraint groups it belongs to.
type Validator struct {
	Groups []string
	Fn     ValidatorFunc
}

// Field is a declared field of a model type: either a *SimpleField or a
// *ComplexField.
type Field interface {
	FieldName() string
	StorageID() FieldID

	// shape is a structural fingerprint used to detect conflicting declarations
	// of one storage identifier across types.
	shape() string
}

// SimpleField describes a scalar or reference field, or a named sub-field of a
// complex field.
type SimpleField struct {
	Name string
	ID   FieldID
	Type ValueType

	// TargetType names the declared reference target type. Empty means any
	// object. Only meaningful when Type is Reference.
	TargetType string

	// Indexed fields maintain a secondary index in the storage layer. Reference
	// fields are always indexed so reverse-reference queries can run.
	Indexed bool

	// Unique fields additionally enforce value uniqueness at validation time,
	// excluding the values listed in UniqueExclude.
	Unique        bool
	UniqueExclude []any

	Constraints []Constraint

	parent *ComplexField
}

// FieldName returns the declared field name.
func (f *SimpleField) FieldName() string { return f.Name }

// StorageID returns the field's storage identifier.
func (f *SimpleField) StorageID() FieldID { return f.ID }

// IsReference reports whether the field holds an object identifier.
func (f *SimpleField) IsReference() bool { return f.Type == Reference }

// Parent returns the owning complex field when this field is a sub-field, nil
// otherwise.
func (f *SimpleField) Parent() *ComplexField { return f.parent }

// RequiresValidation reports whether mutating this field must enqueue the object
// for deferred validation.
func (f *SimpleField) RequiresValidation() bool {
	return f.Unique || len(f.Constraints) > 0
}

// ConstraintGroups returns the union of groups named by the field's constraints,
// with the default group standing in for unnamed ones.
func (f *SimpleField) ConstraintGroups() []string {
	seen := make(map[string]bool)
	var groups []string
	add := func(g string) {
		if !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}
	for _, c := range f.Constraints {
		if len(c.Groups) == 0 {
			add(DefaultGroup)
			continue
		}
		for _, g := range c.Groups {
			add(g)
		}
	}
	if f.Unique {
		add(DefaultGroup)
	}
	return groups
}

func (f *SimpleField) shape() string {
	return fmt.Sprintf("simple/%s/%s/%s/%t/%t", f.Name, f.Type, f.TargetType, f.Indexed, f.Unique)
}

// ComplexField describes a list, set, or map field owning named sub-fields.
type ComplexField struct {
	Name string
	ID   FieldID
	Kind ComplexKind

	subs    map[string]*SimpleField
	subList []*SimpleField
}

// FieldName returns the declared field name.
func (f *ComplexField) FieldName() string { return f.Name }

// StorageID returns the field's storage identifier.
func (f *ComplexField) StorageID() FieldID { return f.ID }

// SubField returns the named sub-field (SubElement, SubKey, or SubValue).
func (f *ComplexField) SubField(name string) (*SimpleField, bool) {
	s, ok := f.subs[name]
	return s, ok
}

// SubFields returns the sub-fields in declaration order.
func (f *ComplexField) SubFields() []*SimpleField {
	out := make([]*SimpleField, len(f.subList))
	copy(out, f.subList)
	return out
}

// ReferenceSubFields returns the reference-typed sub-fields in declaration order.
func (f *ComplexField) ReferenceSubFields() []*SimpleField {
	var out []*SimpleField
	for _, s := range f.subList {
		if s.IsReference() {
			out = append(out, s)
		}
	}
	return out
}

// RequiresValidation reports whether any sub-field requires validation.
func (f *ComplexField) RequiresValidation() bool {
	for _, s := range f.subList {
		if s.RequiresValidation() {
			return true
		}
	}
	return false
}

func (f *ComplexField) shape() string {
	var b strings.Builder
	fmt.Fprintf(&b, "complex/%s/%s", f.Name, f.Kind)
	for _, s := range f.subList {
		b.WriteByte('[')
		b.WriteString(s.shape())
		b.WriteByte(']')
	}
	return b.String()
}

// ModelType describes one user model type: its name, storage identifier, declared
// supertypes, and declared fields. Immutable after registry construction.
type ModelType struct {
	Name      string
	ID        TypeID
	Interface bool

	parents    []string
	fields     map[string]Field
	fieldOrder []string
	byID       map[FieldID]Field
	validators []Validator

	registry *Registry
}

// Parents returns the declared supertype names.
func (t *ModelType) Parents() []string {
	out := make([]string, len(t.parents))
	copy(out, t.parents)
	return out
}

// DeclaredField returns the field declared directly on this type, without
// consulting supertypes.
func (t *ModelType) DeclaredField(name string) (Field, bool) {
	f, ok := t.fields[name]
	return f, ok
}

// Field returns the named field, searching this type and then its transitive
// supertypes in declaration order.
func (t *ModelType) Field(name string) (Field, bool) {
	if f, ok := t.fields[name]; ok {
		return f, true
	}
	for _, p := range t.parents {
		if pt, ok := t.registry.Type(p); ok {
			if f, ok := pt.Field(name); ok {
				return f, true
			}
		}
	}
	return nil, false
}

// FieldByID returns the field (or sub-field) with the given storage identifier,
// searching this type and its transitive supertypes.
func (t *ModelType) FieldByID(id FieldID) (Field, bool) {
	if f, ok := t.byID[id]; ok {
		return f, true
	}
	for _, p := range t.parents {
		if pt, ok := t.registry.Type(p); ok {
			if f, ok := pt.FieldByID(id); ok {
				return f, true
			}
		}
	}
	return nil, false
}

// DeclaredFields returns the fields declared directly on this type, in
// declaration order.
func (t *ModelType) DeclaredFields() []Field {
	out := make([]Field, 0, len(t.fieldOrder))
	for _, name := range t.fieldOrder {
		out = append(out, t.fields[name])
	}
	return out
}

// AllFields returns declared plus inherited fields, supertypes first, without
// duplicates.
func (t *ModelType) AllFields() []Field {
	seen := make(map[string]bool)
	var out []Field
	var walk func(mt *ModelType)
	walk = func(mt *ModelType) {
		for _, p := range mt.parents {
			if pt, ok := mt.registry.Type(p); ok {
				walk(pt)
			}
		}
		for _, name := range mt.fieldOrder {
			if !seen[name] {
				seen[name] = true
				out = append(out, mt.fields[name])
			}
		}
	}
	walk(t)
	return out
}

// Validators returns the user-declared validation methods of this type and its
// supertypes, supertypes first.
func (t *ModelType) Validators() []Validator {
	var out []Validator
	var walk func(mt *ModelType)
	walk = func(mt *ModelType) {
		for _, p := range mt.parents {
			if pt, ok := mt.registry.Type(p); ok {
				walk(pt)
			}
		}
		out = append(out, mt.validators...)
	}
	walk(t)
	return out
}

// RequiresValidation reports whether objects of this type participate in deferred
// validation at all: any declared or inherited validated field, unique field, or
// validator method.
func (t *ModelType) RequiresValidation() bool {
	for _, f := range t.AllFields() {
		switch ff := f.(type) {
		case *SimpleField:
			if ff.RequiresValidation() {
				return true
			}
		case *ComplexField:
			if ff.RequiresValidation() {
				return true
			}
		}
	}
	return len(t.Validators()) > 0
}

// String returns the type name.
func (t *ModelType) String() string { return t.Name }
