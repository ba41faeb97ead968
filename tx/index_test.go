package tx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/schema"
)

func TestQueryIndexByValue(t *testing.T) {
	_, tx := openTest(t)

	mk := func(name string) *Obj {
		p, err := tx.Create("person")
		require.NoError(t, err)
		require.NoError(t, p.Set("name", name))
		return p
	}
	a := mk("alpha")
	b := mk("beta")
	c := mk("alpha")

	view, err := tx.QueryIndex("person", "name")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Len())
	assert.Equal(t, []kv.Value{"alpha", "beta"}, view.Values())
	assert.Equal(t, []schema.ObjectID{a.ID(), c.ID()}, view.Get("alpha"))
	assert.Equal(t, []schema.ObjectID{b.ID()}, view.Get("beta"))
	assert.Nil(t, view.Get("gamma"))
}

func TestQueryIndexThroughPath(t *testing.T) {
	_, tx := openTest(t)

	p, err := tx.Create("person")
	require.NoError(t, err)
	require.NoError(t, p.Set("name", "ada"))
	acct, err := tx.Create("account")
	require.NoError(t, err)
	require.NoError(t, acct.Set("owner", p.ID()))

	// The path walks to the reference target type; the index is the terminal
	// field's, restricted to that type.
	view, err := tx.QueryIndex("account", "owner.name")
	require.NoError(t, err)
	assert.Equal(t, []schema.ObjectID{p.ID()}, view.Get("ada"))
}

func TestQueryIndexRejections(t *testing.T) {
	_, tx := openTest(t)

	_, err := tx.QueryIndex("account", "balance")
	assert.ErrorIs(t, err, kv.ErrNotIndexed)

	_, err = tx.QueryIndex("account", "holders")
	assert.ErrorIs(t, err, kv.ErrNotIndexed)

	_, err = tx.QueryIndex("ghost", "name")
	assert.ErrorIs(t, err, kv.ErrUnknownType)

	_, err = tx.QueryIndex("person", "ghost")
	require.Error(t, err)
}

func TestQueryIndexCollectionSubField(t *testing.T) {
	_, tx := openTest(t)

	p, err := tx.Create("person")
	require.NoError(t, err)
	acct, err := tx.Create("account")
	require.NoError(t, err)
	require.NoError(t, acct.Set("holders", []kv.Value{p.ID()}))

	view, err := tx.QueryIndex("account", "holders.element")
	require.NoError(t, err)
	assert.Equal(t, []schema.ObjectID{acct.ID()}, view.Get(p.ID()))
}

func TestFindReferring(t *testing.T) {
	_, tx := openTest(t)

	p1, err := tx.Create("person")
	require.NoError(t, err)
	p2, err := tx.Create("person")
	require.NoError(t, err)

	a1, err := tx.Create("account")
	require.NoError(t, err)
	require.NoError(t, a1.Set("owner", p1.ID()))
	a2, err := tx.Create("account")
	require.NoError(t, err)
	require.NoError(t, a2.Set("owner", p2.ID()))
	a3, err := tx.Create("account")
	require.NoError(t, err)
	require.NoError(t, a3.Set("owner", p1.ID()))

	got, err := tx.FindReferring("account", "owner", p1.ID())
	require.NoError(t, err)
	assert.Equal(t, []schema.ObjectID{a1.ID(), a3.ID()}, got)

	got, err = tx.FindReferring("account", "owner", p2.ID())
	require.NoError(t, err)
	assert.Equal(t, []schema.ObjectID{a2.ID()}, got)
}

func TestFindReferringMultiHop(t *testing.T) {
	_, tx := openTest(t)

	grandparent, err := tx.Create("person")
	require.NoError(t, err)
	parent, err := tx.Create("person")
	require.NoError(t, err)
	require.NoError(t, parent.Set("parent", grandparent.ID()))

	acct, err := tx.Create("account")
	require.NoError(t, err)
	require.NoError(t, acct.Set("owner", parent.ID()))

	got, err := tx.FindReferring("account", "owner.parent", grandparent.ID())
	require.NoError(t, err)
	assert.Equal(t, []schema.ObjectID{acct.ID()}, got)

	got, err = tx.FindReferring("account", "owner.parent", parent.ID())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindReferringThroughCollection(t *testing.T) {
	_, tx := openTest(t)

	p, err := tx.Create("person")
	require.NoError(t, err)
	a1, err := tx.Create("account")
	require.NoError(t, err)
	require.NoError(t, a1.Set("holders", []kv.Value{p.ID()}))
	a2, err := tx.Create("account")
	require.NoError(t, err)

	got, err := tx.FindReferring("account", "holders", p.ID())
	require.NoError(t, err)
	assert.Equal(t, []schema.ObjectID{a1.ID()}, got)
	_ = a2
}
