package kv

import (
	"fmt"
	"sort"

	"github.com/marrowdb/marrow/schema"
)

// TopLevelField resolves a storage identifier to a top-level field of the
// object's type. Sub-fields are rejected; they are read and written through
// their owning complex field.
func TopLevelField(reg *schema.Registry, id schema.ObjectID, field schema.FieldID) (schema.Field, error) {
	typ, ok := reg.TypeOf(id)
	if !ok {
		return nil, fmt.Errorf("%w: type id %d of object %s", ErrUnknownType, id.Type(), id)
	}
	f, ok := typ.FieldByID(field)
	if !ok {
		return nil, fmt.Errorf("%w: field %d on type %q", ErrUnknownField, field, typ.Name)
	}
	if sf, ok := f.(*schema.SimpleField); ok && sf.Parent() != nil {
		return nil, fmt.Errorf("%w: field %d is a sub-field of %q; access the complex field",
			ErrUnknownField, field, sf.Parent().Name)
	}
	return f, nil
}

// IndexedField locates the simple field carrying the index with the given
// storage identifier, along with its owning complex field when it is a
// sub-field.
func IndexedField(reg *schema.Registry, field schema.FieldID) (*schema.SimpleField, *schema.ComplexField, error) {
	names := reg.TypesDeclaring(field)
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("%w: field %d", ErrUnknownField, field)
	}
	typ, _ := reg.Type(names[0])
	f, _ := typ.FieldByID(field)
	sf, ok := f.(*schema.SimpleField)
	if !ok {
		return nil, nil, fmt.Errorf("%w: field %d is a complex field", ErrNotIndexed, field)
	}
	if !sf.Indexed {
		return nil, nil, fmt.Errorf("%w: field %q", ErrNotIndexed, sf.Name)
	}
	return sf, sf.Parent(), nil
}

// NormalizeValue coerces a written value to canonical stored form: ints widen to
// int64, sets are sorted and deduplicated, maps are sorted by key with
// last-wins on duplicate keys. Nil clears any field.
func NormalizeValue(f schema.Field, v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}
	switch ff := f.(type) {
	case *schema.SimpleField:
		return normalizeScalar(ff, v)
	case *schema.ComplexField:
		switch ff.Kind {
		case schema.List:
			elems, ok := v.([]Value)
			if !ok {
				return nil, fmt.Errorf("list field %q expects []kv.Value, got %T", ff.Name, v)
			}
			out := make([]Value, len(elems))
			copy(out, elems)
			return out, nil
		case schema.Set:
			elems, ok := v.([]Value)
			if !ok {
				return nil, fmt.Errorf("set field %q expects []kv.Value, got %T", ff.Name, v)
			}
			sorted := make([]Value, len(elems))
			copy(sorted, elems)
			sort.Slice(sorted, func(i, j int) bool { return CompareValues(sorted[i], sorted[j]) < 0 })
			out := sorted[:0]
			for i, e := range sorted {
				if i == 0 || !EqualValues(out[len(out)-1], e) {
					out = append(out, e)
				}
			}
			return out, nil
		case schema.Map:
			entries, ok := v.([]MapEntry)
			if !ok {
				return nil, fmt.Errorf("map field %q expects []kv.MapEntry, got %T", ff.Name, v)
			}
			sorted := make([]MapEntry, len(entries))
			copy(sorted, entries)
			sort.Slice(sorted, func(i, j int) bool {
				return CompareValues(sorted[i].Key, sorted[j].Key) < 0
			})
			out := sorted[:0]
			for i, e := range sorted {
				if i > 0 && EqualValues(out[len(out)-1].Key, e.Key) {
					out[len(out)-1] = e
					continue
				}
				out = append(out, e)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("unsupported field shape for %q", f.FieldName())
}

func normalizeScalar(f *schema.SimpleField, v Value) (Value, error) {
	if iv, ok := v.(int); ok {
		v = int64(iv)
	}
	switch f.Type {
	case schema.Bool:
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("field %q expects bool, got %T", f.Name, v)
		}
	case schema.Int:
		if _, ok := v.(int64); !ok {
			return nil, fmt.Errorf("field %q expects int64, got %T", f.Name, v)
		}
	case schema.Float:
		if _, ok := v.(float64); !ok {
			return nil, fmt.Errorf("field %q expects float64, got %T", f.Name, v)
		}
	case schema.String:
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("field %q expects string, got %T", f.Name, v)
		}
	case schema.Bytes:
		if _, ok := v.([]byte); !ok {
			return nil, fmt.Errorf("field %q expects []byte, got %T", f.Name, v)
		}
	case schema.Reference:
		if _, ok := v.(schema.ObjectID); !ok {
			return nil, fmt.Errorf("field %q expects an object id, got %T", f.Name, v)
		}
	}
	return v, nil
}

// ExtractIndexed pulls the indexed values out of one stored field value: the
// value itself for a top-level field, the relevant side of each element for
// sub-fields of a complex field.
func ExtractIndexed(stored Value, sf *schema.SimpleField, owner *schema.ComplexField) []Value {
	if owner == nil {
		return []Value{stored}
	}
	switch owner.Kind {
	case schema.List, schema.Set:
		elems, _ := stored.([]Value)
		return elems
	case schema.Map:
		entries, _ := stored.([]MapEntry)
		out := make([]Value, 0, len(entries))
		for _, e := range entries {
			if sf.Name == schema.SubKey {
				out = append(out, e.Key)
			} else {
				out = append(out, e.Value)
			}
		}
		return out
	}
	return nil
}
