package sgdb

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPeople(t *testing.T, db *DB, names ...string) []uint32 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "person", "name:string(16),age:number"))
	ids := make([]uint32, len(names))
	for i, name := range names {
		id, err := db.Insert(ctx, "person", Object{"name": name, "age": i})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestConnectSymmetry(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	ids := setupPeople(t, db, "a", "b")
	a, b := ids[0], ids[1]
	require.NoError(t, db.DefineRelation(ctx, "knows", false))

	assert.NoError(db.Connect(ctx, "knows", a, b))

	edges, err := db.Neighbors(ctx, a)
	assert.NoError(err)
	assert.Equal([]Edge{{Relation: "knows", Direction: DirOut, Source: a, Target: b}}, edges)
	edges, err = db.Neighbors(ctx, b)
	assert.NoError(err)
	assert.Equal([]Edge{{Relation: "knows", Direction: DirIn, Source: b, Target: a}}, edges)
	edges, err = db.Edges(ctx, "knows")
	assert.NoError(err)
	assert.Equal([]Edge{{Relation: "knows", Direction: DirOut, Source: a, Target: b}}, edges)

	rel := db.Relations()[0]
	assert.NotZero(rel.Head)
	assert.Equal(rel.Head, rel.Tail)
}

func TestConnectBidirectional(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	ids := setupPeople(t, db, "a", "b")
	a, b := ids[0], ids[1]
	require.NoError(t, db.DefineRelation(ctx, "friend", true))

	assert.NoError(db.Connect(ctx, "friend", a, b))
	edges, err := db.Neighbors(ctx, b)
	assert.NoError(err)
	assert.Equal([]Edge{{Relation: "friend", Direction: DirBoth, Source: b, Target: a}}, edges)

	assert.True(errors.Is(db.Connect(ctx, "friend", a, b), ErrDuplicateEdge))
	assert.True(errors.Is(db.Connect(ctx, "friend", b, a), ErrDuplicateEdge))

	// either end can remove it
	assert.NoError(db.Disconnect(ctx, "friend", b, a))
	for _, id := range ids {
		edges, err := db.Neighbors(ctx, id)
		assert.NoError(err)
		assert.Empty(edges)
	}
	edges, err = db.Edges(ctx, "friend")
	assert.NoError(err)
	assert.Empty(edges)
}

func TestConnectDuplicate(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	ids := setupPeople(t, db, "a", "b")
	a, b := ids[0], ids[1]
	require.NoError(t, db.DefineRelation(ctx, "knows", false))
	require.NoError(t, db.DefineRelation(ctx, "likes", false))

	assert.NoError(db.Connect(ctx, "knows", a, b))
	assert.True(errors.Is(db.Connect(ctx, "knows", a, b), ErrDuplicateEdge))
	// the reverse of a directed edge and another relation are new edges
	assert.NoError(db.Connect(ctx, "knows", b, a))
	assert.NoError(db.Connect(ctx, "likes", a, b))

	edges, err := db.Neighbors(ctx, a)
	assert.NoError(err)
	assert.Len(edges, 3)
}

func TestConnectErrors(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	ids := setupPeople(t, db, "a")
	require.NoError(t, db.DefineRelation(ctx, "knows", false))

	assert.True(errors.Is(db.Connect(ctx, "knows", ids[0], 999), ErrNodeNotFound))
	assert.True(errors.Is(db.Connect(ctx, "knows", 999, ids[0]), ErrNodeNotFound))
	assert.True(errors.Is(db.Connect(ctx, "hates", ids[0], ids[0]), ErrRelationNotFound))
	assert.True(errors.Is(db.Disconnect(ctx, "knows", ids[0], ids[0]), ErrEdgeNotFound))

	assert.True(errors.Is(db.DefineRelation(ctx, "knows", true), ErrRelationConflict))
	assert.NoError(db.DefineRelation(ctx, "knows", false))
}

func TestDisconnect(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	ids := setupPeople(t, db, "a", "b", "c")
	a, b, c := ids[0], ids[1], ids[2]
	require.NoError(t, db.DefineRelation(ctx, "knows", false))
	require.NoError(t, db.Connect(ctx, "knows", a, b))
	require.NoError(t, db.Connect(ctx, "knows", a, c))

	assert.NoError(db.Disconnect(ctx, "knows", a, b))
	assert.True(errors.Is(db.Disconnect(ctx, "knows", a, b), ErrEdgeNotFound))

	edges, err := db.Neighbors(ctx, a)
	assert.NoError(err)
	assert.Equal([]Edge{{Relation: "knows", Direction: DirOut, Source: a, Target: c}}, edges)
	edges, err = db.Neighbors(ctx, b)
	assert.NoError(err)
	assert.Empty(edges)
	edges, err = db.Edges(ctx, "knows")
	assert.NoError(err)
	assert.Equal([]Edge{{Relation: "knows", Direction: DirOut, Source: a, Target: c}}, edges)

	// the freed room is reused
	assert.NoError(db.Connect(ctx, "knows", a, b))
	edges, err = db.Neighbors(ctx, a)
	assert.NoError(err)
	assert.Len(edges, 2)
}

func TestEdgeOverflow(t *testing.T) {
	assert := assertion.New(t)
	// three entries per list document
	db := openTestDB(t, &Options{PayloadSize: 64})
	ctx := context.Background()
	ids := setupPeople(t, db, "hub", "n1", "n2", "n3", "n4", "n5", "n6", "n7")
	hub := ids[0]
	require.NoError(t, db.DefineRelation(ctx, "knows", false))

	var want []Edge
	for _, id := range ids[1:] {
		require.NoError(t, db.Connect(ctx, "knows", hub, id))
		want = append(want, Edge{Relation: "knows", Direction: DirOut, Source: hub, Target: id})
	}

	edges, err := db.Neighbors(ctx, hub)
	assert.NoError(err)
	assert.Equal(want, edges)
	edges, err = db.Edges(ctx, "knows")
	assert.NoError(err)
	assert.Equal(want, edges)

	hdr, err := db.nodeHeader(hub)
	require.NoError(t, err)
	var chain []uint32
	for doc := hdr.Link; doc != 0; {
		rec, err := db.Read(ctx, doc)
		require.NoError(t, err)
		assert.Equal(DocAdjacency, rec.Type)
		chain = append(chain, doc)
		doc = rec.Next
	}
	assert.Len(chain, 3)

	rel := db.Relations()[0]
	assert.NotEqual(rel.Head, rel.Tail)
	rec, err := db.Read(ctx, rel.Tail)
	assert.NoError(err)
	assert.Equal(DocRelation, rec.Type)
	assert.Equal("knows", rec.Relation)
	assert.Len(rec.Edges, 1)

	// emptying a middle document keeps the chain walkable
	for _, id := range ids[4:7] {
		assert.NoError(db.Disconnect(ctx, "knows", hub, id))
	}
	edges, err = db.Neighbors(ctx, hub)
	assert.NoError(err)
	assert.Len(edges, 4)
	assert.Equal(ids[7], edges[3].Target)
}

func TestSelfLoop(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	ids := setupPeople(t, db, "a")
	a := ids[0]
	require.NoError(t, db.DefineRelation(ctx, "likes", false))

	assert.NoError(db.Connect(ctx, "likes", a, a))
	edges, err := db.Neighbors(ctx, a)
	assert.NoError(err)
	assert.Equal([]Edge{
		{Relation: "likes", Direction: DirOut, Source: a, Target: a},
		{Relation: "likes", Direction: DirIn, Source: a, Target: a},
	}, edges)
	assert.True(errors.Is(db.Connect(ctx, "likes", a, a), ErrDuplicateEdge))

	assert.NoError(db.Remove(ctx, a))
	edges, err = db.Edges(ctx, "likes")
	assert.NoError(err)
	assert.Empty(edges)
}
