package schema

import (
	"strings"
	"testing"
)

func buildTestRegistry(t *testing.T) *Registry {
	t.Helper()
	b := NewBuilder(1)
	b.Type("named", 20).AsInterface().
		Field(FieldSpec{Name: "label", ID: 30, Type: String}).
		Type("person", 10).Extends("named").
		Field(FieldSpec{Name: "name", ID: 1, Type: String, Indexed: true}).
		Field(FieldSpec{Name: "age", ID: 2, Type: Int, Constraints: []Constraint{{Kind: Min, Value: 0}}}).
		Field(FieldSpec{Name: "parent", ID: 3, Type: Reference, Target: "person"}).
		Type("employee", 11).Extends("person").
		Field(FieldSpec{Name: "employer", ID: 4, Type: Reference, Target: "company"}).
		Field(FieldSpec{Name: "badge", ID: 5, Type: String, Unique: true}).
		Type("company", 12).Extends("named").
		Field(FieldSpec{Name: "owner", ID: 7, Type: Reference, Target: "person"}).
		Type("account", 13).
		Field(FieldSpec{Name: "holder", ID: 8, Type: Reference, Target: "person"}).
		Field(FieldSpec{Name: "balance", ID: 9, Type: Float}).
		Complex(ComplexSpec{
			Name: "tags", ID: 14, Kind: Set,
			Element: &FieldSpec{Name: SubElement, ID: 15, Type: String, Indexed: true},
		}).
		Complex(ComplexSpec{
			Name: "holders", ID: 16, Kind: List,
			Element: &FieldSpec{Name: SubElement, ID: 17, Type: Reference, Target: "person"},
		})
	reg, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	return reg
}

func TestRegistryLookups(t *testing.T) {
	reg := buildTestRegistry(t)

	t.Run("type by name and id", func(t *testing.T) {
		p, ok := reg.Type("person")
		if !ok || p.ID != 10 {
			t.Fatalf("Type(person) = %v, %v", p, ok)
		}
		byID, ok := reg.TypeByID(10)
		if !ok || byID != p {
			t.Fatalf("TypeByID(10) = %v, %v", byID, ok)
		}
		if _, ok := reg.Type("ghost"); ok {
			t.Fatal("Type(ghost) should not resolve")
		}
	})

	t.Run("root resolves by name and id zero", func(t *testing.T) {
		root, ok := reg.Type(RootTypeName)
		if !ok || root != reg.Root() {
			t.Fatalf("Type(any) = %v, %v", root, ok)
		}
		byID, ok := reg.TypeByID(0)
		if !ok || byID != reg.Root() {
			t.Fatalf("TypeByID(0) = %v, %v", byID, ok)
		}
	})

	t.Run("type of object id", func(t *testing.T) {
		id := NewObjectID(11, 42)
		typ, ok := reg.TypeOf(id)
		if !ok || typ.Name != "employee" {
			t.Fatalf("TypeOf(%v) = %v, %v", id, typ, ok)
		}
		if _, ok := reg.TypeOf(NewObjectID(99, 1)); ok {
			t.Fatal("TypeOf with unknown type id should fail")
		}
	})

	t.Run("inherited field lookup", func(t *testing.T) {
		emp, _ := reg.Type("employee")
		if _, ok := emp.Field("name"); !ok {
			t.Fatal("employee should inherit name from person")
		}
		if _, ok := emp.Field("label"); !ok {
			t.Fatal("employee should inherit label through person from named")
		}
		if _, ok := emp.DeclaredField("name"); ok {
			t.Fatal("DeclaredField must not consult supertypes")
		}
		if f, ok := emp.FieldByID(1); !ok || f.FieldName() != "name" {
			t.Fatalf("FieldByID(1) = %v, %v", f, ok)
		}
	})

	t.Run("sub-fields resolve by storage id", func(t *testing.T) {
		acct, _ := reg.Type("account")
		f, ok := acct.FieldByID(17)
		if !ok {
			t.Fatal("holders element sub-field should resolve by id")
		}
		sub, ok := f.(*SimpleField)
		if !ok || sub.Parent() == nil || sub.Parent().Name != "holders" {
			t.Fatalf("FieldByID(17) = %#v", f)
		}
	})

	t.Run("all fields include inherited, supertypes first", func(t *testing.T) {
		emp, _ := reg.Type("employee")
		fields := emp.AllFields()
		var names []string
		for _, f := range fields {
			names = append(names, f.FieldName())
		}
		want := []string{"label", "name", "age", "parent", "employer", "badge"}
		if len(names) != len(want) {
			t.Fatalf("AllFields() = %v, want %v", names, want)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Fatalf("AllFields() = %v, want %v", names, want)
			}
		}
	})
}

func TestAssignability(t *testing.T) {
	reg := buildTestRegistry(t)
	person, _ := reg.Type("person")
	employee, _ := reg.Type("employee")
	company, _ := reg.Type("company")
	named, _ := reg.Type("named")

	cases := []struct {
		sup, sub *ModelType
		want     bool
	}{
		{person, employee, true},
		{named, employee, true},
		{named, company, true},
		{employee, person, false},
		{company, employee, false},
		{reg.Root(), company, true},
		{person, person, true},
	}
	for _, c := range cases {
		if got := reg.AssignableFrom(c.sup, c.sub); got != c.want {
			t.Errorf("AssignableFrom(%s, %s) = %t, want %t", c.sup, c.sub, got, c.want)
		}
	}
}

func TestSubtypes(t *testing.T) {
	reg := buildTestRegistry(t)

	person, _ := reg.Type("person")
	got := typeNames(reg.Subtypes(person))
	want := []string{"employee", "person"}
	if !equalStrings(got, want) {
		t.Fatalf("Subtypes(person) = %v, want %v", got, want)
	}

	named, _ := reg.Type("named")
	got = typeNames(reg.InstantiableSubtypes(named))
	want = []string{"company", "employee", "person"}
	if !equalStrings(got, want) {
		t.Fatalf("InstantiableSubtypes(named) = %v, want %v", got, want)
	}

	got = typeNames(reg.InstantiableSubtypes(reg.Root()))
	want = []string{"account", "company", "employee", "person"}
	if !equalStrings(got, want) {
		t.Fatalf("InstantiableSubtypes(any) = %v, want %v", got, want)
	}
}

func TestCommonAncestor(t *testing.T) {
	reg := buildTestRegistry(t)
	person, _ := reg.Type("person")
	employee, _ := reg.Type("employee")
	company, _ := reg.Type("company")
	account, _ := reg.Type("account")

	t.Run("single type is its own ancestor", func(t *testing.T) {
		if got := reg.CommonAncestor([]*ModelType{employee}); got != employee {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("subtype collapses into supertype", func(t *testing.T) {
		if got := reg.CommonAncestor([]*ModelType{person, employee}); got != person {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("interface ancestor wins over root", func(t *testing.T) {
		got := reg.CommonAncestor([]*ModelType{employee, company})
		if got.Name != "named" {
			t.Fatalf("got %v, want named", got)
		}
	})

	t.Run("unrelated types fall back to root", func(t *testing.T) {
		got := reg.CommonAncestor([]*ModelType{person, account})
		if got != reg.Root() {
			t.Fatalf("got %v, want root", got)
		}
	})

	t.Run("empty input yields root", func(t *testing.T) {
		if got := reg.CommonAncestor(nil); got != reg.Root() {
			t.Fatalf("got %v", got)
		}
	})
}

func TestTypesDeclaring(t *testing.T) {
	reg := buildTestRegistry(t)
	got := reg.TypesDeclaring(1)
	if len(got) != 1 || got[0] != "person" {
		t.Fatalf("TypesDeclaring(1) = %v", got)
	}
	got = reg.TypesDeclaring(17)
	if len(got) != 1 || got[0] != "account" {
		t.Fatalf("TypesDeclaring(17) = %v", got)
	}
	if got := reg.TypesDeclaring(999); len(got) != 0 {
		t.Fatalf("TypesDeclaring(999) = %v", got)
	}
}

func TestBuilderErrors(t *testing.T) {
	t.Run("reserved root name", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("any", 1)
		mustFailBuild(t, b, "reserved")
	})

	t.Run("type id zero", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("thing", 0)
		mustFailBuild(t, b, "reserved")
	})

	t.Run("duplicate type id", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("a", 1).Type("b", 1)
		mustFailBuild(t, b, "declared by both")
	})

	t.Run("unknown parent", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("a", 1).Extends("ghost")
		mustFailBuild(t, b, "unknown type")
	})

	t.Run("hierarchy cycle", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("a", 1).Extends("b").Type("b", 2).Extends("a")
		mustFailBuild(t, b, "cycle")
	})

	t.Run("conflicting shapes for one storage id", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("a", 1).Field(FieldSpec{Name: "x", ID: 5, Type: Int}).
			Type("b", 2).Field(FieldSpec{Name: "x", ID: 5, Type: String})
		mustFailBuild(t, b, "conflicting shapes")
	})

	t.Run("same shape for one storage id is allowed", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("a", 1).Field(FieldSpec{Name: "x", ID: 5, Type: Int}).
			Type("b", 2).Field(FieldSpec{Name: "x", ID: 5, Type: Int})
		if _, err := b.Build(); err != nil {
			t.Fatalf("Build() error: %v", err)
		}
	})

	t.Run("unknown reference target", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("a", 1).Field(FieldSpec{Name: "r", ID: 5, Type: Reference, Target: "ghost"})
		mustFailBuild(t, b, "unknown type")
	})

	t.Run("field id zero", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("a", 1).Field(FieldSpec{Name: "x", ID: 0, Type: Int})
		mustFailBuild(t, b, "storage id 0")
	})

	t.Run("map needs key and value", func(t *testing.T) {
		b := NewBuilder(1)
		b.Type("a", 1).Complex(ComplexSpec{Name: "m", ID: 5, Kind: Map,
			Key: &FieldSpec{Name: SubKey, ID: 6, Type: String}})
		mustFailBuild(t, b, "missing")
	})
}

func TestReferencesAreAlwaysIndexed(t *testing.T) {
	reg := buildTestRegistry(t)
	person, _ := reg.Type("person")
	f, _ := person.Field("parent")
	if !f.(*SimpleField).Indexed {
		t.Fatal("reference fields must be indexed")
	}
	emp, _ := reg.Type("employee")
	bf, _ := emp.Field("badge")
	if !bf.(*SimpleField).Indexed {
		t.Fatal("unique fields must be indexed")
	}
}

func mustFailBuild(t *testing.T, b *Builder, fragment string) {
	t.Helper()
	_, err := b.Build()
	if err == nil {
		t.Fatal("Build() should have failed")
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Fatalf("Build() error %q does not mention %q", err, fragment)
	}
}

func typeNames(types []*ModelType) []string {
	out := make([]string, len(types))
	for i, mt := range types {
		out[i] = mt.Name
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
