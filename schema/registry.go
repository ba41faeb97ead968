package schema

import (
	"sort"
)

// RootTypeName names the registry-synthesized universal root type. Every model
// type is assignable to it, and references with no declared target resolve to it.
const RootTypeName = "any"

// Registry holds the model-type descriptors of one schema version. It is built
// once through a Builder and is read-only afterwards, so lookups need no locking.
type Registry struct {
	version   uint32
	types     map[string]*ModelType
	typesByID map[TypeID]*ModelType
	root      *ModelType

	// supers maps a type name to its transitive supertype set, including the
	// type itself and the root. Computed once in finish.
	supers map[string]map[string]bool

	// declaring maps a storage identifier to the names of all types declaring a
	// field (or sub-field) with that identifier.
	declaring map[FieldID][]string
}

func newRegistry(version uint32) *Registry {
	reg := &Registry{
		version:   version,
		types:     make(map[string]*ModelType),
		typesByID: make(map[TypeID]*ModelType),
	}
	reg.root = &ModelType{
		Name:     RootTypeName,
		ID:       0,
		fields:   make(map[string]Field),
		byID:     make(map[FieldID]Field),
		registry: reg,
	}
	return reg
}

// finish computes the derived lookup structures. Called exactly once by
// Builder.Build after all checks pass.
func (r *Registry) finish() {
	r.supers = make(map[string]map[string]bool, len(r.types)+1)
	r.supers[RootTypeName] = map[string]bool{RootTypeName: true}

	var collect func(name string) map[string]bool
	collect = func(name string) map[string]bool {
		if set, ok := r.supers[name]; ok {
			return set
		}
		set := map[string]bool{name: true, RootTypeName: true}
		if mt, ok := r.types[name]; ok {
			for _, p := range mt.parents {
				for s := range collect(p) {
					set[s] = true
				}
			}
		}
		r.supers[name] = set
		return set
	}
	for name := range r.types {
		collect(name)
	}

	r.declaring = make(map[FieldID][]string)
	for name, mt := range r.types {
		for _, fname := range mt.fieldOrder {
			f := mt.fields[fname]
			r.declaring[f.StorageID()] = append(r.declaring[f.StorageID()], name)
			if cf, ok := f.(*ComplexField); ok {
				for _, sub := range cf.subList {
					r.declaring[sub.ID] = append(r.declaring[sub.ID], name)
				}
			}
		}
	}
	for id := range r.declaring {
		sort.Strings(r.declaring[id])
	}
}

// Version returns the schema version number.
func (r *Registry) Version() uint32 { return r.version }

// Root returns the universal root type descriptor.
func (r *Registry) Root() *ModelType { return r.root }

// Type looks up a model type by name. The root type name resolves to the root
// descriptor.
func (r *Registry) Type(name string) (*ModelType, bool) {
	if name == RootTypeName {
		return r.root, true
	}
	mt, ok := r.types[name]
	return mt, ok
}

// TypeByID looks up a model type by its storage identifier.
func (r *Registry) TypeByID(id TypeID) (*ModelType, bool) {
	if id == 0 {
		return r.root, true
	}
	mt, ok := r.typesByID[id]
	return mt, ok
}

// TypeOf looks up the model type embedded in an object identifier. The second
// result is false when the type is unknown in this schema version.
func (r *Registry) TypeOf(id ObjectID) (*ModelType, bool) {
	return r.TypeByID(id.Type())
}

// All returns every registered model type, sorted by name.
func (r *Registry) All() []*ModelType {
	out := make([]*ModelType, 0, len(r.types))
	for _, mt := range r.types {
		out = append(out, mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AssignableFrom reports whether sub is sup or a subtype of sup.
func (r *Registry) AssignableFrom(sup, sub *ModelType) bool {
	if sup == nil || sub == nil {
		return false
	}
	if sup.Name == RootTypeName {
		return true
	}
	set, ok := r.supers[sub.Name]
	return ok && set[sup.Name]
}

// Subtypes returns every model type assignable to t, including t itself when it is
// a registered (or the root) type, sorted by name.
func (r *Registry) Subtypes(t *ModelType) []*ModelType {
	var out []*ModelType
	if t.Name == RootTypeName {
		out = append(out, r.root)
	}
	for _, mt := range r.All() {
		if t.Name == RootTypeName || r.supers[mt.Name][t.Name] {
			out = append(out, mt)
		}
	}
	return out
}

// InstantiableSubtypes returns the non-interface subtypes of t, sorted by name.
func (r *Registry) InstantiableSubtypes(t *ModelType) []*ModelType {
	var out []*ModelType
	for _, mt := range r.Subtypes(t) {
		if !mt.Interface && mt.Name != RootTypeName {
			out = append(out, mt)
		}
	}
	return out
}

// TypesDeclaring returns the names of all types declaring a field or sub-field
// with the given storage identifier, sorted.
func (r *Registry) TypesDeclaring(id FieldID) []string {
	out := make([]string, len(r.declaring[id]))
	copy(out, r.declaring[id])
	return out
}

// CommonAncestor computes the lowest common ancestor of the given types: the
// narrowest type that is a supertype of all of them. Candidate supertype sets are
// intersected, strict supertypes of surviving candidates are discarded, and
// remaining ties go to a non-interface candidate; when only interfaces survive the
// root stands in.
func (r *Registry) CommonAncestor(types []*ModelType) *ModelType {
	if len(types) == 0 {
		return r.root
	}
	if len(types) == 1 {
		return types[0]
	}

	// Intersect the supertype sets.
	common := make(map[string]bool)
	for s := range r.supersOf(types[0]) {
		common[s] = true
	}
	for _, t := range types[1:] {
		set := r.supersOf(t)
		for s := range common {
			if !set[s] {
				delete(common, s)
			}
		}
	}

	// Discard any candidate that is a strict supertype of another candidate.
	var survivors []*ModelType
	for name := range common {
		ct, _ := r.Type(name)
		strict := false
		for other := range common {
			if other == name {
				continue
			}
			ot, _ := r.Type(other)
			if r.AssignableFrom(ct, ot) {
				strict = true
				break
			}
		}
		if !strict {
			survivors = append(survivors, ct)
		}
	}
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].Name < survivors[j].Name })

	if len(survivors) == 1 {
		return survivors[0]
	}
	var concrete []*ModelType
	for _, s := range survivors {
		if !s.Interface && s.Name != RootTypeName {
			concrete = append(concrete, s)
		}
	}
	if len(concrete) == 1 {
		return concrete[0]
	}
	return r.root
}

func (r *Registry) supersOf(t *ModelType) map[string]bool {
	if t.Name == RootTypeName {
		return map[string]bool{RootTypeName: true}
	}
	return r.supers[t.Name]
}
