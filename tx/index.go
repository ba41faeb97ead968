package tx

import (
	"fmt"
	"sort"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/refpath"
	"github.com/marrowdb/marrow/schema"
)

// IndexView is the result of an index query: the distinct indexed values in
// ascending order, each with the sorted identifiers of the objects carrying
// it.
type IndexView struct {
	entries []kv.IndexEntry
}

// Entries returns the view's entries in ascending value order.
func (v *IndexView) Entries() []kv.IndexEntry { return v.entries }

// Len reports the number of distinct indexed values.
func (v *IndexView) Len() int { return len(v.entries) }

// Values returns the distinct indexed values in ascending order.
func (v *IndexView) Values() []kv.Value {
	out := make([]kv.Value, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.Value
	}
	return out
}

// Get returns the identifiers of the objects carrying the given value, or nil.
func (v *IndexView) Get(value kv.Value) []schema.ObjectID {
	for _, e := range v.entries {
		if kv.EqualValues(e.Value, value) {
			return e.IDs
		}
	}
	return nil
}

// QueryIndex resolves path against the named start type and returns the index
// on the terminal field, restricted to objects whose type stores the field and
// is assignable to the path's terminal type. The terminal field must be
// indexed; a terminal naming a whole collection is rejected, index a
// sub-field instead.
func (t *Tx) QueryIndex(startType, path string) (*IndexView, error) {
	typ, ok := t.reg.Type(startType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", kv.ErrUnknownType, startType)
	}
	p, err := t.resolver.Resolve(typ, path, refpath.SubFieldEither)
	if err != nil {
		return nil, err
	}
	target, ok := p.Target.(*schema.SimpleField)
	if !ok {
		return nil, fmt.Errorf("%w: path %q names a whole collection", kv.ErrNotIndexed, path)
	}
	if !target.Indexed {
		return nil, fmt.Errorf("%w: field %q", kv.ErrNotIndexed, target.Name)
	}
	filter := t.indexFilter(target.StorageID(), p.TargetType)
	entries, err := t.kvt.QueryIndex(target.StorageID(), filter)
	if err != nil {
		return nil, err
	}
	return &IndexView{entries: entries}, nil
}

// indexFilter returns the instantiable types assignable to narrowTo that store
// the field, for restricting raw index entries.
func (t *Tx) indexFilter(field schema.FieldID, narrowTo *schema.ModelType) []schema.TypeID {
	var out []schema.TypeID
	for _, sub := range t.reg.InstantiableSubtypes(narrowTo) {
		if _, ok := sub.FieldByID(field); ok {
			out = append(out, sub.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FindReferring returns the identifiers of every object of the named start
// type that reaches target by following path. The path's terminal must be a
// reference field; the walk runs backwards, one index query per step.
func (t *Tx) FindReferring(startType, path string, target schema.ObjectID) ([]schema.ObjectID, error) {
	typ, ok := t.reg.Type(startType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", kv.ErrUnknownType, startType)
	}
	programs, err := t.copyPrograms(typ, path)
	if err != nil {
		return nil, err
	}

	result := make(map[schema.ObjectID]struct{})
	for _, prog := range programs {
		current := map[schema.ObjectID]struct{}{target: {}}
		for i := len(prog) - 1; i >= 0; i-- {
			next, err := t.referrersVia(prog[i].Field, current)
			if err != nil {
				return nil, err
			}
			current = next
			if len(current) == 0 {
				break
			}
		}
		for id := range current {
			result[id] = struct{}{}
		}
	}

	out := make([]schema.ObjectID, 0, len(result))
	for id := range result {
		rt, ok := t.reg.TypeOf(id)
		if !ok || !t.reg.AssignableFrom(typ, rt) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// referrersVia returns the objects whose reference field points at any member
// of targets.
func (t *Tx) referrersVia(field schema.FieldID, targets map[schema.ObjectID]struct{}) (map[schema.ObjectID]struct{}, error) {
	entries, err := t.kvt.QueryIndex(field, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[schema.ObjectID]struct{})
	for _, e := range entries {
		id, ok := e.Value.(schema.ObjectID)
		if !ok {
			continue
		}
		if _, want := targets[id]; !want {
			continue
		}
		for _, ref := range e.IDs {
			out[ref] = struct{}{}
		}
	}
	return out, nil
}
