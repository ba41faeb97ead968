// Package refpath resolves dotted reference-path strings against the model
// registry. A resolved path is an immutable program: the ordered reference fields
// to follow from a start type plus a terminal field, consumed by the copy engine,
// the index query layer, and reverse-reference lookups.
package refpath

import (
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/marrowdb/marrow/schema"
)

// Mode constrains what the terminal field of a path may be.
type Mode int

const (
	// SubFieldEither accepts any terminal field.
	SubFieldEither Mode = iota
	// SubFieldRequired requires the terminal field to be a sub-field of a
	// complex field. Callers that need a concrete reference target (copy,
	// index, reverse lookup) use this or expand complex terminals themselves.
	SubFieldRequired
	// SubFieldForbidden requires a whole-field terminus.
	SubFieldForbidden
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case SubFieldRequired:
		return "sub-field required"
	case SubFieldForbidden:
		return "sub-field forbidden"
	default:
		return "either"
	}
}

// Step is one reference hop of a resolved path. For a hop through a complex
// field's reference sub-field, Complex carries the owning complex field's storage
// identifier; for a plain reference field it is zero.
type Step struct {
	Field   schema.FieldID
	Complex schema.FieldID
}

// Path is a resolved reference path. Immutable; safe to share across callers and
// transactions.
type Path struct {
	// Start is the type the path was resolved against.
	Start *schema.ModelType

	// Steps are the non-terminal reference hops in order.
	Steps []Step

	// Hops records the lowest-common-ancestor type at which each consumed token
	// was located, terminal token included.
	Hops []*schema.ModelType

	// Target is the terminal field.
	Target schema.Field

	// TargetOwner is the owning complex field when Target is a sub-field, nil
	// otherwise.
	TargetOwner *schema.ComplexField

	// TargetType is the narrowed type declaring the terminal field.
	TargetType *schema.ModelType

	raw string
}

// String returns the original path string.
func (p *Path) String() string { return p.raw }

// ReferenceFieldIDs returns the storage identifiers of the non-terminal reference
// fields, in traversal order.
func (p *Path) ReferenceFieldIDs() []schema.FieldID {
	out := make([]schema.FieldID, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Field
	}
	return out
}

// Resolver resolves and caches reference paths against one registry. Resolution
// is pure given a fixed schema, so results are cached by
// (start type, path string, mode). Safe for concurrent use.
type Resolver struct {
	reg   *schema.Registry
	cache *lru.Cache
}

const cacheSize = 1024

// NewResolver creates a resolver for the given registry.
func NewResolver(reg *schema.Registry) *Resolver {
	cache, _ := lru.New(cacheSize)
	return &Resolver{reg: reg, cache: cache}
}

// Registry returns the registry this resolver resolves against.
func (r *Resolver) Registry() *schema.Registry { return r.reg }

// Resolve resolves a dotted path string starting at the given type. Intermediate
// tokens must name reference fields; a complex field's sub-field is named
// literally "element", "key", or "value"; a token may be qualified "#<id>" to
// disambiguate by storage identifier. Configuration errors (malformed or
// unresolvable paths, ambiguity, mode violations) are fatal to the call.
func (r *Resolver) Resolve(start *schema.ModelType, path string, mode Mode) (*Path, error) {
	key := start.Name + "|" + strconv.Itoa(int(mode)) + "|" + path
	if cached, ok := r.cache.Get(key); ok {
		return cached.(*Path), nil
	}
	resolved, err := r.resolve(start, path, mode)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, resolved)
	return resolved, nil
}

// token is one parsed path segment.
type token struct {
	name string
	id   schema.FieldID
	qual bool
}

func parseTokens(path string) ([]token, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path is blank", ErrEmptyPath)
	}
	parts := strings.Split(path, ".")
	tokens := make([]token, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: path %q has an empty segment", ErrEmptyPath, path)
		}
		name, qualifier, qual := strings.Cut(part, "#")
		if name == "" {
			return nil, fmt.Errorf("%w: path %q segment %q has no field name", ErrMalformedPath, path, part)
		}
		tok := token{name: name, qual: qual}
		if qual {
			id, err := strconv.ParseUint(qualifier, 10, 32)
			if err != nil || id == 0 {
				return nil, fmt.Errorf("%w: path %q segment %q has an invalid storage id qualifier",
					ErrMalformedPath, path, part)
			}
			tok.id = schema.FieldID(id)
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func (r *Resolver) resolve(start *schema.ModelType, path string, mode Mode) (*Path, error) {
	tokens, err := parseTokens(path)
	if err != nil {
		return nil, err
	}

	resolved := &Path{Start: start, raw: path}
	cur := start

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		last := i == len(tokens)-1

		field, lca, err := r.locateField(cur, tok, path)
		if err != nil {
			return nil, err
		}
		cur = lca
		resolved.Hops = append(resolved.Hops, cur)

		switch f := field.(type) {
		case *schema.ComplexField:
			if last {
				if mode == SubFieldRequired {
					return nil, fmt.Errorf("%w: path %q ends on %s field %q of type %q but a sub-field is required",
						ErrSubFieldMode, path, f.Kind, f.Name, cur.Name)
				}
				resolved.Target = f
				resolved.TargetType = cur
				break
			}
			// The next token must name one of the complex field's sub-fields.
			i++
			subTok := tokens[i]
			sub, ok := f.SubField(subTok.name)
			if !ok || (subTok.qual && sub.ID != subTok.id) {
				return nil, fmt.Errorf("%w: %q is not a sub-field of %s field %q in path %q on type %q",
					ErrUnknownSubField, subTok.name, f.Kind, f.Name, path, cur.Name)
			}
			if i == len(tokens)-1 {
				if mode == SubFieldForbidden {
					return nil, fmt.Errorf("%w: path %q ends on sub-field %q of complex field %q but a whole field is required",
						ErrSubFieldMode, path, sub.Name, f.Name)
				}
				resolved.Target = sub
				resolved.TargetOwner = f
				resolved.TargetType = cur
				break
			}
			if !sub.IsReference() {
				return nil, fmt.Errorf("%w: sub-field %q of %q in path %q on type %q is not a reference field",
					ErrNotReference, sub.Name, f.Name, path, cur.Name)
			}
			resolved.Steps = append(resolved.Steps, Step{Field: sub.ID, Complex: f.ID})
			cur = r.referenceTarget(sub)

		case *schema.SimpleField:
			if last {
				if mode == SubFieldRequired && f.Parent() == nil {
					return nil, fmt.Errorf("%w: path %q ends on field %q of type %q but a sub-field is required",
						ErrSubFieldMode, path, f.Name, cur.Name)
				}
				if mode == SubFieldForbidden && f.Parent() != nil {
					return nil, fmt.Errorf("%w: path %q ends on sub-field %q but a whole field is required",
						ErrSubFieldMode, path, f.Name)
				}
				resolved.Target = f
				resolved.TargetOwner = f.Parent()
				resolved.TargetType = cur
				break
			}
			if !f.IsReference() {
				return nil, fmt.Errorf("%w: field %q in path %q on type %q is not a reference field",
					ErrNotReference, f.Name, path, cur.Name)
			}
			resolved.Steps = append(resolved.Steps, Step{Field: f.ID})
			cur = r.referenceTarget(f)
		}
	}

	return resolved, nil
}

// locateField scans every type assignable from cur for a visible field matching
// the token, inherited declarations included, verifies the matches agree on one
// storage identifier, and narrows to the lowest common ancestor of the carrying
// types.
func (r *Resolver) locateField(cur *schema.ModelType, tok token, path string) (schema.Field, *schema.ModelType, error) {
	var (
		field    schema.Field
		carrying []*schema.ModelType
		conflict bool
	)
	for _, mt := range r.reg.Subtypes(cur) {
		f, ok := mt.Field(tok.name)
		if !ok {
			continue
		}
		if tok.qual && f.StorageID() != tok.id {
			continue
		}
		if field == nil {
			field = f
		} else if field.StorageID() != f.StorageID() {
			conflict = true
		}
		carrying = append(carrying, mt)
	}
	if field == nil {
		if tok.qual {
			return nil, nil, fmt.Errorf("%w: no field %q with storage id %d reachable from type %q in path %q",
				ErrUnknownField, tok.name, tok.id, cur.Name, path)
		}
		return nil, nil, fmt.Errorf("%w: no field %q reachable from type %q in path %q",
			ErrUnknownField, tok.name, cur.Name, path)
	}
	if conflict {
		return nil, nil, fmt.Errorf("%w: field %q reachable from type %q in path %q has multiple storage identifiers; qualify it as %q",
			ErrAmbiguousField, tok.name, cur.Name, path, tok.name+"#<id>")
	}
	return field, r.reg.CommonAncestor(carrying), nil
}

// referenceTarget returns the declared target type of a reference field, the
// universal root when none is declared.
func (r *Resolver) referenceTarget(f *schema.SimpleField) *schema.ModelType {
	if f.TargetType == "" {
		return r.reg.Root()
	}
	t, ok := r.reg.Type(f.TargetType)
	if !ok {
		return r.reg.Root()
	}
	return t
}
