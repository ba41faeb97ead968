package schema

import (
	"fmt"
	"strings"
)

// FieldSpec declares one simple field (scalar or reference).
type FieldSpec struct {
	Name          string
	ID            FieldID
	Type          ValueType
	Target        string // reference target type name; empty means any object
	Indexed       bool
	Unique        bool
	UniqueExclude []any
	Constraints   []Constraint
}

// ComplexSpec declares one complex field. List and Set use Element; Map uses Key
// and Value.
type ComplexSpec struct {
	Name    string
	ID      FieldID
	Kind    ComplexKind
	Element *FieldSpec
	Key     *FieldSpec
	Value   *FieldSpec
}

// Builder assembles a Registry from type declarations. All configuration is
// explicit; nothing is discovered through reflection. Errors are collected and
// reported together from Build.
type Builder struct {
	version uint32
	types   []*typeDecl
	errors  []error
}

type typeDecl struct {
	name       string
	id         TypeID
	iface      bool
	parents    []string
	fields     []any // *FieldSpec or *ComplexSpec, in declaration order
	validators []Validator
}

// TypeBuilder declares one model type. Obtained from Builder.Type.
type TypeBuilder struct {
	b    *Builder
	decl *typeDecl
}

// NewBuilder creates a builder for the given schema version.
func NewBuilder(version uint32) *Builder {
	return &Builder{version: version}
}

// Type starts the declaration of a model type with the given name and storage
// identifier.
func (b *Builder) Type(name string, id TypeID) *TypeBuilder {
	decl := &typeDecl{name: name, id: id}
	b.types = append(b.types, decl)
	return &TypeBuilder{b: b, decl: decl}
}

// Extends declares the supertypes of this type.
func (tb *TypeBuilder) Extends(parents ...string) *TypeBuilder {
	tb.decl.parents = append(tb.decl.parents, parents...)
	return tb
}

// AsInterface marks this type as an interface-like abstract type. Interface types
// cannot be instantiated and lose lowest-common-ancestor tie-breaks to
// non-interface types.
func (tb *TypeBuilder) AsInterface() *TypeBuilder {
	tb.decl.iface = true
	return tb
}

// Field declares a simple field.
func (tb *TypeBuilder) Field(spec FieldSpec) *TypeBuilder {
	s := spec
	tb.decl.fields = append(tb.decl.fields, &s)
	return tb
}

// Complex declares a complex field.
func (tb *TypeBuilder) Complex(spec ComplexSpec) *TypeBuilder {
	s := spec
	tb.decl.fields = append(tb.decl.fields, &s)
	return tb
}

// Validator attaches a user validation method to this type. With no groups the
// method belongs to the default group.
func (tb *TypeBuilder) Validator(fn ValidatorFunc, groups ...string) *TypeBuilder {
	if len(groups) == 0 {
		groups = []string{DefaultGroup}
	}
	tb.decl.validators = append(tb.decl.validators, Validator{Groups: groups, Fn: fn})
	return tb
}

// Type switches to declaring another type, for chained declarations.
func (tb *TypeBuilder) Type(name string, id TypeID) *TypeBuilder {
	return tb.b.Type(name, id)
}

func (b *Builder) errorf(format string, args ...any) {
	b.errors = append(b.errors, fmt.Errorf(format, args...))
}

// Build validates all declarations and produces an immutable Registry.
// Configuration errors (duplicate identifiers, conflicting field shapes, unknown
// parents, hierarchy cycles, malformed complex fields) are fatal and reported
// together.
func (b *Builder) Build() (*Registry, error) {
	reg := newRegistry(b.version)

	for _, decl := range b.types {
		b.buildType(reg, decl)
	}

	if len(b.errors) == 0 {
		b.linkAndCheck(reg)
	}

	if len(b.errors) > 0 {
		msgs := make([]string, len(b.errors))
		for i, err := range b.errors {
			msgs[i] = err.Error()
		}
		return nil, fmt.Errorf("schema build failed with %d errors:\n%s",
			len(b.errors), strings.Join(msgs, "\n"))
	}

	reg.finish()
	return reg, nil
}

func (b *Builder) buildType(reg *Registry, decl *typeDecl) {
	if decl.name == "" {
		b.errorf("model type with id %d has no name", decl.id)
		return
	}
	if decl.name == RootTypeName {
		b.errorf("model type name %q is reserved", decl.name)
		return
	}
	if _, exists := reg.types[decl.name]; exists {
		b.errorf("model type %q declared twice", decl.name)
		return
	}
	if prev, exists := reg.typesByID[decl.id]; exists {
		b.errorf("type id %d declared by both %q and %q", decl.id, prev.Name, decl.name)
		return
	}
	if decl.id == 0 {
		b.errorf("model type %q: type id 0 is reserved", decl.name)
		return
	}

	mt := &ModelType{
		Name:       decl.name,
		ID:         decl.id,
		Interface:  decl.iface,
		parents:    decl.parents,
		fields:     make(map[string]Field),
		byID:       make(map[FieldID]Field),
		validators: decl.validators,
		registry:   reg,
	}

	for _, raw := range decl.fields {
		var built Field
		switch spec := raw.(type) {
		case *FieldSpec:
			built = b.buildSimple(decl.name, spec, nil)
		case *ComplexSpec:
			built = b.buildComplex(decl.name, spec)
		}
		if built == nil {
			continue
		}
		if _, dup := mt.fields[built.FieldName()]; dup {
			b.errorf("type %q: field %q declared twice", decl.name, built.FieldName())
			continue
		}
		mt.fields[built.FieldName()] = built
		mt.fieldOrder = append(mt.fieldOrder, built.FieldName())
		b.indexFieldIDs(decl.name, mt, built)
	}

	reg.types[decl.name] = mt
	reg.typesByID[decl.id] = mt
}

func (b *Builder) indexFieldIDs(typeName string, mt *ModelType, f Field) {
	register := func(id FieldID, f Field) {
		if id == 0 {
			b.errorf("type %q: field %q has storage id 0", typeName, f.FieldName())
			return
		}
		if _, dup := mt.byID[id]; dup {
			b.errorf("type %q: storage id %d used by more than one field", typeName, id)
			return
		}
		mt.byID[id] = f
	}
	register(f.StorageID(), f)
	if cf, ok := f.(*ComplexField); ok {
		for _, sub := range cf.subList {
			register(sub.ID, sub)
		}
	}
}

func (b *Builder) buildSimple(typeName string, spec *FieldSpec, parent *ComplexField) *SimpleField {
	if spec.Name == "" {
		b.errorf("type %q: simple field with id %d has no name", typeName, spec.ID)
		return nil
	}
	f := &SimpleField{
		Name:          spec.Name,
		ID:            spec.ID,
		Type:          spec.Type,
		TargetType:    spec.Target,
		Indexed:       spec.Indexed,
		Unique:        spec.Unique,
		UniqueExclude: spec.UniqueExclude,
		Constraints:   spec.Constraints,
		parent:        parent,
	}
	// Reference fields are always indexed: reverse-reference queries and the
	// index query layer depend on it. Unique implies indexed for the same reason.
	if f.IsReference() || f.Unique {
		f.Indexed = true
	}
	if spec.Target != "" && spec.Type != Reference {
		b.errorf("type %q: field %q declares a reference target but is not a reference", typeName, spec.Name)
	}
	return f
}

func (b *Builder) buildComplex(typeName string, spec *ComplexSpec) *ComplexField {
	if spec.Name == "" {
		b.errorf("type %q: complex field with id %d has no name", typeName, spec.ID)
		return nil
	}
	cf := &ComplexField{
		Name: spec.Name,
		ID:   spec.ID,
		Kind: spec.Kind,
		subs: make(map[string]*SimpleField),
	}
	addSub := func(want string, spec *FieldSpec) {
		if spec == nil {
			b.errorf("type %q: %s field %q is missing its %q sub-field", typeName, cf.Kind, cf.Name, want)
			return
		}
		if spec.Name != want {
			b.errorf("type %q: %s field %q sub-field must be named %q, got %q",
				typeName, cf.Kind, cf.Name, want, spec.Name)
			return
		}
		sub := b.buildSimple(typeName, spec, cf)
		if sub == nil {
			return
		}
		cf.subs[sub.Name] = sub
		cf.subList = append(cf.subList, sub)
	}
	switch spec.Kind {
	case List, Set:
		addSub(SubElement, spec.Element)
		if spec.Key != nil || spec.Value != nil {
			b.errorf("type %q: %s field %q cannot declare key/value sub-fields", typeName, spec.Kind, spec.Name)
		}
	case Map:
		addSub(SubKey, spec.Key)
		addSub(SubValue, spec.Value)
		if spec.Element != nil {
			b.errorf("type %q: map field %q cannot declare an element sub-field", typeName, spec.Name)
		}
	default:
		b.errorf("type %q: complex field %q has unknown kind %d", typeName, spec.Name, spec.Kind)
	}
	return cf
}

// linkAndCheck runs the cross-type checks: parent resolution, hierarchy cycles,
// reference target resolution, and the one-shape-per-storage-identifier invariant.
func (b *Builder) linkAndCheck(reg *Registry) {
	for _, mt := range reg.types {
		for _, p := range mt.parents {
			if p == RootTypeName {
				continue
			}
			if _, ok := reg.types[p]; !ok {
				b.errorf("type %q extends unknown type %q", mt.Name, p)
			}
		}
	}
	if len(b.errors) > 0 {
		return
	}

	// Hierarchy must be acyclic.
	state := make(map[string]int) // 0 unvisited, 1 in progress, 2 done
	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case 1:
			b.errorf("supertype cycle involving type %q", name)
			return false
		case 2:
			return true
		}
		state[name] = 1
		if mt, ok := reg.types[name]; ok {
			for _, p := range mt.parents {
				if p == RootTypeName {
					continue
				}
				if !visit(p) {
					return false
				}
			}
		}
		state[name] = 2
		return true
	}
	for name := range reg.types {
		if !visit(name) {
			return
		}
	}

	// One storage identifier, one shape, across the whole schema version.
	shapes := make(map[FieldID]string)
	owners := make(map[FieldID]string)
	checkShape := func(typeName string, id FieldID, shape string) {
		if prev, ok := shapes[id]; ok {
			if prev != shape {
				b.errorf("storage id %d declared with conflicting shapes by %q and %q",
					id, owners[id], typeName)
			}
			return
		}
		shapes[id] = shape
		owners[id] = typeName
	}
	for _, mt := range reg.types {
		for _, name := range mt.fieldOrder {
			f := mt.fields[name]
			checkShape(mt.Name, f.StorageID(), f.shape())
			if cf, ok := f.(*ComplexField); ok {
				for _, sub := range cf.subList {
					checkShape(mt.Name, sub.ID, sub.shape())
				}
			}
		}
	}

	// Reference targets must name registered types.
	for _, mt := range reg.types {
		for _, name := range mt.fieldOrder {
			b.checkRefTargets(reg, mt.Name, mt.fields[name])
		}
	}
}

func (b *Builder) checkRefTargets(reg *Registry, typeName string, f Field) {
	check := func(s *SimpleField) {
		if s.TargetType == "" || s.TargetType == RootTypeName {
			return
		}
		if _, ok := reg.types[s.TargetType]; !ok {
			b.errorf("type %q: field %q references unknown type %q", typeName, s.Name, s.TargetType)
		}
	}
	switch ff := f.(type) {
	case *SimpleField:
		check(ff)
	case *ComplexField:
		for _, sub := range ff.subList {
			check(sub)
		}
	}
}
