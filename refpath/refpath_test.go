package refpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrowdb/marrow/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	b := schema.NewBuilder(1)
	b.Type("named", 20).AsInterface().
		Field(schema.FieldSpec{Name: "label", ID: 30, Type: schema.String}).
		Type("person", 10).Extends("named").
		Field(schema.FieldSpec{Name: "name", ID: 1, Type: schema.String, Indexed: true}).
		Field(schema.FieldSpec{Name: "parent", ID: 3, Type: schema.Reference, Target: "person"}).
		Type("employee", 11).Extends("person").
		Field(schema.FieldSpec{Name: "employer", ID: 4, Type: schema.Reference, Target: "company"}).
		Field(schema.FieldSpec{Name: "nick", ID: 21, Type: schema.String}).
		Field(schema.FieldSpec{Name: "code", ID: 23, Type: schema.String}).
		Type("company", 12).Extends("named").
		Field(schema.FieldSpec{Name: "owner", ID: 7, Type: schema.Reference, Target: "person"}).
		Field(schema.FieldSpec{Name: "nick", ID: 22, Type: schema.String}).
		Field(schema.FieldSpec{Name: "code", ID: 23, Type: schema.String}).
		Type("account", 13).
		Field(schema.FieldSpec{Name: "holder", ID: 8, Type: schema.Reference, Target: "person"}).
		Field(schema.FieldSpec{Name: "anyref", ID: 24, Type: schema.Reference}).
		Complex(schema.ComplexSpec{
			Name: "tags", ID: 14, Kind: schema.Set,
			Element: &schema.FieldSpec{Name: schema.SubElement, ID: 15, Type: schema.String, Indexed: true},
		}).
		Complex(schema.ComplexSpec{
			Name: "holders", ID: 16, Kind: schema.List,
			Element: &schema.FieldSpec{Name: schema.SubElement, ID: 17, Type: schema.Reference, Target: "person"},
		})
	reg, err := b.Build()
	require.NoError(t, err)
	return reg
}

func TestResolveSimplePaths(t *testing.T) {
	reg := testRegistry(t)
	r := NewResolver(reg)
	person, _ := reg.Type("person")
	account, _ := reg.Type("account")

	t.Run("single field", func(t *testing.T) {
		p, err := r.Resolve(person, "name", SubFieldEither)
		require.NoError(t, err)
		assert.Empty(t, p.Steps)
		assert.Equal(t, "name", p.Target.FieldName())
		assert.Nil(t, p.TargetOwner)
		assert.Equal(t, "person", p.TargetType.Name)
	})

	t.Run("one reference hop", func(t *testing.T) {
		p, err := r.Resolve(person, "parent.name", SubFieldEither)
		require.NoError(t, err)
		require.Len(t, p.Steps, 1)
		assert.Equal(t, schema.FieldID(3), p.Steps[0].Field)
		assert.Zero(t, p.Steps[0].Complex)
		assert.Equal(t, "name", p.Target.FieldName())
	})

	t.Run("hop through inherited reference", func(t *testing.T) {
		// employer is declared on employee; starting from person the field is
		// located on the subtype and the hop narrows accordingly.
		p, err := r.Resolve(person, "employer.owner.name", SubFieldEither)
		require.NoError(t, err)
		require.Len(t, p.Steps, 2)
		assert.Equal(t, schema.FieldID(4), p.Steps[0].Field)
		assert.Equal(t, schema.FieldID(7), p.Steps[1].Field)
	})

	t.Run("hop through collection element", func(t *testing.T) {
		p, err := r.Resolve(account, "holders.element.name", SubFieldEither)
		require.NoError(t, err)
		require.Len(t, p.Steps, 1)
		assert.Equal(t, schema.FieldID(17), p.Steps[0].Field)
		assert.Equal(t, schema.FieldID(16), p.Steps[0].Complex)
		assert.Equal(t, "name", p.Target.FieldName())
	})

	t.Run("inherited field from subtype", func(t *testing.T) {
		// label is declared on the named interface; it must resolve from any
		// type that extends it, not only from named itself.
		p, err := r.Resolve(person, "label", SubFieldEither)
		require.NoError(t, err)
		assert.Equal(t, schema.FieldID(30), p.Target.StorageID())
		assert.Equal(t, "person", p.TargetType.Name)
	})

	t.Run("inherited field after a hop", func(t *testing.T) {
		p, err := r.Resolve(account, "holder.label", SubFieldEither)
		require.NoError(t, err)
		require.Len(t, p.Steps, 1)
		assert.Equal(t, schema.FieldID(8), p.Steps[0].Field)
		assert.Equal(t, schema.FieldID(30), p.Target.StorageID())
	})

	t.Run("untargeted reference widens to root", func(t *testing.T) {
		p, err := r.Resolve(account, "anyref.name", SubFieldEither)
		require.NoError(t, err)
		require.Len(t, p.Steps, 1)
		assert.Equal(t, "person", p.TargetType.Name)
	})

	t.Run("intermediate non-reference fails", func(t *testing.T) {
		_, err := r.Resolve(person, "name.parent", SubFieldEither)
		assert.ErrorIs(t, err, ErrNotReference)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := r.Resolve(person, "ghost", SubFieldEither)
		assert.ErrorIs(t, err, ErrUnknownField)
	})

	t.Run("empty and malformed", func(t *testing.T) {
		_, err := r.Resolve(person, "", SubFieldEither)
		assert.ErrorIs(t, err, ErrEmptyPath)
		_, err = r.Resolve(person, "parent..name", SubFieldEither)
		assert.ErrorIs(t, err, ErrEmptyPath)
		_, err = r.Resolve(person, "parent.#3", SubFieldEither)
		assert.ErrorIs(t, err, ErrMalformedPath)
		_, err = r.Resolve(person, "parent#x", SubFieldEither)
		assert.ErrorIs(t, err, ErrMalformedPath)
	})
}

func TestResolveAmbiguity(t *testing.T) {
	reg := testRegistry(t)
	r := NewResolver(reg)
	root := reg.Root()

	t.Run("same name different ids is ambiguous", func(t *testing.T) {
		_, err := r.Resolve(root, "nick", SubFieldEither)
		assert.ErrorIs(t, err, ErrAmbiguousField)
	})

	t.Run("storage id qualifier disambiguates", func(t *testing.T) {
		p, err := r.Resolve(root, "nick#21", SubFieldEither)
		require.NoError(t, err)
		assert.Equal(t, schema.FieldID(21), p.Target.StorageID())
		assert.Equal(t, "employee", p.TargetType.Name)
	})

	t.Run("same name same id narrows to common ancestor", func(t *testing.T) {
		p, err := r.Resolve(root, "code", SubFieldEither)
		require.NoError(t, err)
		assert.Equal(t, schema.FieldID(23), p.Target.StorageID())
		assert.Equal(t, "named", p.TargetType.Name)
	})

	t.Run("wrong qualifier finds nothing", func(t *testing.T) {
		_, err := r.Resolve(root, "nick#99", SubFieldEither)
		assert.ErrorIs(t, err, ErrUnknownField)
	})
}

func TestResolveSubFieldModes(t *testing.T) {
	reg := testRegistry(t)
	r := NewResolver(reg)
	account, _ := reg.Type("account")

	t.Run("sub-field terminal", func(t *testing.T) {
		p, err := r.Resolve(account, "tags.element", SubFieldEither)
		require.NoError(t, err)
		assert.Equal(t, schema.FieldID(15), p.Target.StorageID())
		require.NotNil(t, p.TargetOwner)
		assert.Equal(t, "tags", p.TargetOwner.Name)

		_, err = r.Resolve(account, "tags.element", SubFieldRequired)
		assert.NoError(t, err)

		_, err = r.Resolve(account, "tags.element", SubFieldForbidden)
		assert.ErrorIs(t, err, ErrSubFieldMode)
	})

	t.Run("whole complex terminal", func(t *testing.T) {
		p, err := r.Resolve(account, "tags", SubFieldEither)
		require.NoError(t, err)
		assert.Equal(t, schema.FieldID(14), p.Target.StorageID())

		_, err = r.Resolve(account, "tags", SubFieldForbidden)
		assert.NoError(t, err)

		_, err = r.Resolve(account, "tags", SubFieldRequired)
		assert.ErrorIs(t, err, ErrSubFieldMode)
	})

	t.Run("simple terminal", func(t *testing.T) {
		_, err := r.Resolve(account, "balance#9", SubFieldEither)
		assert.ErrorIs(t, err, ErrUnknownField) // balance is not in this fixture

		_, err = r.Resolve(account, "holder", SubFieldRequired)
		assert.ErrorIs(t, err, ErrSubFieldMode)
	})

	t.Run("unknown sub-field", func(t *testing.T) {
		_, err := r.Resolve(account, "tags.key", SubFieldEither)
		assert.ErrorIs(t, err, ErrUnknownSubField)
	})

	t.Run("non-reference sub-field mid-path", func(t *testing.T) {
		_, err := r.Resolve(account, "tags.element.name", SubFieldEither)
		assert.ErrorIs(t, err, ErrNotReference)
	})
}

func TestResolveDeterministicAndCached(t *testing.T) {
	reg := testRegistry(t)
	r := NewResolver(reg)
	person, _ := reg.Type("person")

	first, err := r.Resolve(person, "parent.parent.name", SubFieldEither)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(person, "parent.parent.name", SubFieldEither)
		require.NoError(t, err)
		assert.Same(t, first, again)
	}

	// Distinct modes are distinct cache entries.
	other, err := r.Resolve(person, "parent.parent.name", SubFieldForbidden)
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestPathAccessors(t *testing.T) {
	reg := testRegistry(t)
	r := NewResolver(reg)
	person, _ := reg.Type("person")

	p, err := r.Resolve(person, "parent.employer.owner.name", SubFieldEither)
	require.NoError(t, err)
	assert.Equal(t, "parent.employer.owner.name", p.String())
	assert.Equal(t, []schema.FieldID{3, 4, 7}, p.ReferenceFieldIDs())
	assert.Equal(t, "person", p.Start.Name)
}
