package tx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/kv/memkv"
	"github.com/marrowdb/marrow/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	b := schema.NewBuilder(1)
	b.Type("named", 20).AsInterface().
		Field(schema.FieldSpec{Name: "label", ID: 30, Type: schema.String}).
		Type("person", 10).Extends("named").
		Field(schema.FieldSpec{Name: "name", ID: 1, Type: schema.String, Indexed: true,
			Constraints: []schema.Constraint{{Kind: schema.MinLength, Value: 2}}}).
		Field(schema.FieldSpec{Name: "parent", ID: 3, Type: schema.Reference, Target: "person"}).
		Field(schema.FieldSpec{Name: "badge", ID: 5, Type: schema.String, Unique: true,
			UniqueExclude: []any{"temp"}}).
		Type("account", 13).
		Field(schema.FieldSpec{Name: "owner", ID: 8, Type: schema.Reference, Target: "person"}).
		Field(schema.FieldSpec{Name: "balance", ID: 9, Type: schema.Float}).
		Complex(schema.ComplexSpec{
			Name: "holders", ID: 16, Kind: schema.List,
			Element: &schema.FieldSpec{Name: schema.SubElement, ID: 17, Type: schema.Reference, Target: "person"},
		})
	reg, err := b.Build()
	require.NoError(t, err)
	return reg
}

func openTest(t *testing.T, opts ...Option) (*memkv.Store, *Tx) {
	t.Helper()
	store := memkv.NewStore(testRegistry(t))
	return store, Open(store.Begin(), opts...)
}

func TestCreateAndHandleAccess(t *testing.T) {
	_, tx := openTest(t)

	p, err := tx.Create("person")
	require.NoError(t, err)
	assert.Equal(t, schema.TypeID(10), p.ID().Type())
	assert.Equal(t, "person", p.Type().Name)

	require.NoError(t, p.Set("name", "ada"))
	v, err := p.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "ada", v)

	// Inherited fields are reachable by name.
	require.NoError(t, p.Set("label", "l-1"))

	_, err = p.Get("ghost")
	assert.ErrorIs(t, err, kv.ErrUnknownField)

	exists, err := p.Exists()
	require.NoError(t, err)
	assert.True(t, exists)

	rec, err := p.Record()
	require.NoError(t, err)
	assert.Equal(t, "ada", rec["name"])
	assert.Nil(t, rec["parent"])

	t.Run("unknown and abstract types cannot be created", func(t *testing.T) {
		_, err := tx.Create("ghost")
		assert.ErrorIs(t, err, kv.ErrUnknownType)
		_, err = tx.Create("named")
		assert.ErrorIs(t, err, ErrNotInstantiable)
		_, err = tx.Create(schema.RootTypeName)
		assert.ErrorIs(t, err, ErrNotInstantiable)
	})
}

func TestIdentityCache(t *testing.T) {
	_, tx := openTest(t)

	p, err := tx.Create("person")
	require.NoError(t, err)

	assert.Same(t, p, tx.Get(p.ID()), "one canonical handle per identifier")

	other := &Obj{t: tx, id: p.ID(), typ: p.Type()}
	assert.Same(t, p, tx.Register(other), "registering against an existing handle yields the existing one")

	fresh := schema.NewObjectID(10, 999)
	h := tx.Get(fresh)
	assert.Same(t, h, tx.Get(fresh))
	exists, err := h.Exists()
	require.NoError(t, err)
	assert.False(t, exists, "handles may refer to objects that do not exist")
}

func TestUntypedHandle(t *testing.T) {
	_, tx := openTest(t)

	h := tx.Get(schema.NewObjectID(99, 1))
	assert.Nil(t, h.Type())

	_, err := h.Get("name")
	assert.ErrorIs(t, err, kv.ErrUnknownType)
	err = h.Revalidate()
	assert.ErrorIs(t, err, kv.ErrUnknownType)

	exists, err := h.Exists()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReferenceAssignability(t *testing.T) {
	_, tx := openTest(t)

	p, err := tx.Create("person")
	require.NoError(t, err)
	a, err := tx.Create("account")
	require.NoError(t, err)

	require.NoError(t, a.Set("owner", p.ID()))

	err = a.Set("owner", a.ID())
	require.Error(t, err, "an account is not assignable to a person reference")

	err = a.Set("owner", "not an id")
	require.Error(t, err)

	require.NoError(t, a.Set("owner", nil))

	t.Run("references inside collections are checked", func(t *testing.T) {
		require.NoError(t, a.Set("holders", []kv.Value{p.ID()}))
		err := a.Set("holders", []kv.Value{a.ID()})
		require.Error(t, err)
	})
}

func TestAll(t *testing.T) {
	_, tx := openTest(t)

	p1, err := tx.Create("person")
	require.NoError(t, err)
	p2, err := tx.Create("person")
	require.NoError(t, err)
	a1, err := tx.Create("account")
	require.NoError(t, err)

	people, err := tx.All("person")
	require.NoError(t, err)
	require.Len(t, people, 2)
	assert.Same(t, p1, people[0])
	assert.Same(t, p2, people[1])

	everything, err := tx.All(schema.RootTypeName)
	require.NoError(t, err)
	assert.Len(t, everything, 3)

	named, err := tx.All("named")
	require.NoError(t, err)
	assert.Len(t, named, 2, "interface queries cover concrete subtypes")
	_ = a1
}

func TestCommitPersists(t *testing.T) {
	store, tx := openTest(t)

	p, err := tx.Create("person")
	require.NoError(t, err)
	require.NoError(t, p.Set("name", "ada"))
	require.NoError(t, tx.Commit(context.Background()))
	assert.False(t, tx.IsValid())

	read := Open(store.Begin())
	v, err := read.Get(p.ID()).Get("name")
	require.NoError(t, err)
	assert.Equal(t, "ada", v)
}

func TestCommitValidationFailureRollsBack(t *testing.T) {
	store, tx := openTest(t)

	p, err := tx.Create("person")
	require.NoError(t, err)
	require.NoError(t, p.Set("name", "x"))

	err = tx.Commit(context.Background())
	require.Error(t, err)
	assert.False(t, tx.IsValid(), "failed commit ends the transaction")

	read := Open(store.Begin())
	exists, err := read.Get(p.ID()).Exists()
	require.NoError(t, err)
	assert.False(t, exists, "nothing is published on a failed commit")
}

func TestContextCarriesTransaction(t *testing.T) {
	_, tx := openTest(t)

	ctx := WithContext(context.Background(), tx)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, tx, got)
	assert.Same(t, tx, MustFromContext(ctx))

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
	assert.Panics(t, func() { MustFromContext(context.Background()) })
}

func TestDeleteThroughHandle(t *testing.T) {
	_, tx := openTest(t)

	p, err := tx.Create("person")
	require.NoError(t, err)
	existed, err := p.Delete()
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = p.Delete()
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = p.Get("name")
	assert.ErrorIs(t, err, kv.ErrObjectNotFound)
}
