package sgdb

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertRead(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "person", "name:string,age:number,admin:boolean"))

	id, err := db.Insert(ctx, "person", Object{"name": "ada", "age": 36, "admin": true})
	assert.NoError(err)
	assert.Equal(uint32(1), id)

	rec, err := db.Read(ctx, id)
	assert.NoError(err)
	assert.Equal(DocNode, rec.Type)
	assert.Equal("person", rec.Class)
	assert.Equal(Object{"name": "ada", "age": 36.0, "admin": true}, rec.Fields)

	_, err = db.Insert(ctx, "robot", Object{})
	assert.True(errors.Is(err, ErrClassNotFound))
	_, err = db.Read(ctx, 999)
	assert.True(errors.Is(err, ErrNodeNotFound))
	_, err = db.Read(ctx, 2)
	assert.True(errors.Is(err, ErrNodeNotFound))
}

func TestUpdateModify(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "person", "name:string,age:number,admin:boolean"))
	id, err := db.Insert(ctx, "person", Object{"name": "ada", "age": 36})
	require.NoError(t, err)

	assert.NoError(db.Update(ctx, id, Object{"name": "grace", "age": 45, "admin": true}))
	rec, err := db.Read(ctx, id)
	assert.NoError(err)
	assert.Equal(Object{"name": "grace", "age": 45.0, "admin": true}, rec.Fields)

	assert.NoError(db.Modify(ctx, id, Object{"+age": 5, "name": "hopper", "unknown": "x"}))
	rec, err = db.Read(ctx, id)
	assert.NoError(err)
	assert.Equal(Object{"name": "hopper", "age": 50.0, "admin": true}, rec.Fields)

	assert.NoError(db.Modify(ctx, id, Object{"*age": 2, "-missing": 1}))
	assert.NoError(db.Modify(ctx, id, Object{"/age": 4}))
	rec, err = db.Read(ctx, id)
	assert.NoError(err)
	assert.Equal(25.0, rec.Fields["age"])

	err = db.Modify(ctx, id, Object{"+name": 1})
	assert.True(errors.Is(err, ErrInvalidValue))

	assert.NoError(db.UpdateFunc(ctx, id, func(o Object) (Object, error) {
		o["age"] = o["age"].(float64) - 1
		o["admin"] = false
		return o, nil
	}))
	rec, err = db.Read(ctx, id)
	assert.NoError(err)
	assert.Equal(Object{"name": "hopper", "age": 24.0, "admin": false}, rec.Fields)

	boom := errors.New("boom")
	err = db.UpdateFunc(ctx, id, func(Object) (Object, error) { return nil, boom })
	assert.True(errors.Is(err, boom))

	err = db.Update(ctx, 999, Object{})
	assert.True(errors.Is(err, ErrNodeNotFound))
}

func TestUpdateKeepsEdges(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "person", "name:string"))
	require.NoError(t, db.DefineRelation(ctx, "knows", false))
	a, _ := db.Insert(ctx, "person", Object{"name": "a"})
	b, _ := db.Insert(ctx, "person", Object{"name": "b"})
	require.NoError(t, db.Connect(ctx, "knows", a, b))

	assert.NoError(db.Update(ctx, a, Object{"name": "a2"}))
	edges, err := db.Neighbors(ctx, a)
	assert.NoError(err)
	assert.Equal([]Edge{{Relation: "knows", Direction: DirOut, Source: a, Target: b}}, edges)
}

func TestValueTooLarge(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, &Options{PayloadSize: 64, Compression: CompNone})
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "note", "text:string"))

	_, err := db.Insert(ctx, "note", Object{"text": strings.Repeat("x", 100)})
	assert.True(errors.Is(err, ErrValueTooLarge))

	id, err := db.Insert(ctx, "note", Object{"text": "fits"})
	assert.NoError(err)
	err = db.Update(ctx, id, Object{"text": strings.Repeat("y", 100)})
	assert.True(errors.Is(err, ErrValueTooLarge))

	rec, err := db.Read(ctx, id)
	assert.NoError(err)
	assert.Equal("fits", rec.Fields["text"])
}

func TestCompressedRow(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, &Options{PayloadSize: 64, Compression: CompLz4})
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "note", "text:string"))

	text := strings.Repeat("abc", 40)
	id, err := db.Insert(ctx, "note", Object{"text": text})
	assert.NoError(err)

	hdr, _, err := db.readDoc(id)
	assert.NoError(err)
	assert.True(hdr.Flags.Has(DocCompressed))

	rec, err := db.Read(ctx, id)
	assert.NoError(err)
	assert.Equal(text, rec.Fields["text"])
}

func TestSlotReuse(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, &Options{PageLimit: 4})
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "person", "name:string"))

	var ids []uint32
	for i := 0; i < 4; i++ {
		id, err := db.Insert(ctx, "person", Object{"name": "p"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal([]uint32{1, 2, 3, 4}, ids)
	assert.Equal(uint32(1), db.Stats().PageCount)

	assert.NoError(db.Remove(ctx, 2))
	assert.Equal(uint32(3), db.Stats().DocCount)
	_, err := db.Read(ctx, 2)
	assert.True(errors.Is(err, ErrNodeNotFound))

	id, err := db.Insert(ctx, "person", Object{"name": "q"})
	assert.NoError(err)
	assert.Equal(uint32(2), id)
	assert.Equal(uint32(1), db.Stats().PageCount)

	ph, err := db.readPageHeader(1)
	assert.NoError(err)
	assert.Equal(uint32(4), ph.Count)
}

func TestPageGrowth(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, &Options{PageLimit: 4})
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "person", "name:string"))

	for i := 0; i < 5; i++ {
		_, err := db.Insert(ctx, "person", Object{"name": "p"})
		require.NoError(t, err)
	}
	assert.Equal(uint32(2), db.Stats().PageCount)

	ph, err := db.readPageHeader(2)
	assert.NoError(err)
	assert.Equal(uint32(1), ph.Parent)
	assert.Equal(uint32(1), ph.Count)
	assert.Equal(PageNode, ph.Type)

	cls := db.Classes()[0]
	assert.Equal(uint32(1), cls.Root)
	assert.Equal(uint32(2), cls.Page)

	// a slot freed in the older page is found through the parent link
	assert.NoError(db.Remove(ctx, 3))
	id, err := db.Insert(ctx, "person", Object{"name": "r"})
	assert.NoError(err)
	assert.Equal(uint32(6), id)
	id, err = db.Insert(ctx, "person", Object{"name": "s"})
	assert.NoError(err)
	assert.Equal(uint32(7), id)
	id, err = db.Insert(ctx, "person", Object{"name": "t"})
	assert.NoError(err)
	assert.Equal(uint32(8), id)
	id, err = db.Insert(ctx, "person", Object{"name": "u"})
	assert.NoError(err)
	assert.Equal(uint32(3), id)
	assert.Equal(uint32(2), db.Stats().PageCount)
}

func TestRemoveCascade(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "person", "name:string"))
	require.NoError(t, db.DefineRelation(ctx, "knows", false))
	require.NoError(t, db.DefineRelation(ctx, "friend", true))

	a, _ := db.Insert(ctx, "person", Object{"name": "a"})
	b, _ := db.Insert(ctx, "person", Object{"name": "b"})
	c, _ := db.Insert(ctx, "person", Object{"name": "c"})
	require.NoError(t, db.Connect(ctx, "knows", a, b))
	require.NoError(t, db.Connect(ctx, "knows", c, a))
	require.NoError(t, db.Connect(ctx, "knows", b, c))
	require.NoError(t, db.Connect(ctx, "friend", a, c))

	hdr, err := db.nodeHeader(a)
	require.NoError(t, err)
	link := hdr.Link

	assert.NoError(db.Remove(ctx, a))

	_, err = db.Read(ctx, a)
	assert.True(errors.Is(err, ErrNodeNotFound))
	_, err = db.Read(ctx, link)
	assert.True(errors.Is(err, ErrNodeNotFound))

	refers := func(edges []Edge) bool {
		for _, e := range edges {
			if e.Source == a || e.Target == a {
				return true
			}
		}
		return false
	}
	for _, id := range []uint32{b, c} {
		edges, err := db.Neighbors(ctx, id)
		assert.NoError(err)
		assert.False(refers(edges), "node %d", id)
	}
	for _, rel := range []string{"knows", "friend"} {
		edges, err := db.Edges(ctx, rel)
		assert.NoError(err)
		assert.False(refers(edges), rel)
	}

	edges, err := db.Edges(ctx, "knows")
	assert.NoError(err)
	assert.Equal([]Edge{{Relation: "knows", Direction: DirOut, Source: b, Target: c}}, edges)

	assert.True(errors.Is(db.Remove(ctx, a), ErrNodeNotFound))
}
