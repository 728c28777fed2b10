package sgdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResizeFidelity(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "resize.sgdb")
	db, err := Open(path, 0644, &Options{PayloadSize: 64, PageLimit: 16})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "person", "name:string(16),age:number"))
	require.NoError(t, db.DefineRelation(ctx, "knows", false))

	ids := make([]uint32, 50)
	for i := range ids {
		ids[i], err = db.Insert(ctx, "person", Object{"name": fmt.Sprintf("n%d", i), "age": i})
		require.NoError(t, err)
	}
	require.NoError(t, db.Connect(ctx, "knows", ids[0], ids[49]))
	require.NoError(t, db.Remove(ctx, ids[10]))
	pages := db.Stats().PageCount

	// widening the string field needs 128+24+1 bytes
	require.NoError(t, db.DefineClass(ctx, "person", "name:string(128),age:number"))

	st := db.Stats()
	assert.Equal(uint32(192), st.PayloadSize)
	assert.Equal(pages, st.PageCount)
	assert.Equal(uint32(PageHeaderSize+16*(DocHeaderSize+192)), st.PageSize)
	assert.Equal("name:string(128),age:number(24)", db.Classes()[0].Schema.String())
	assert.Equal(1.0, testutil.ToFloat64(db.metrics.resizes))

	for i, id := range ids {
		rec, err := db.Read(ctx, id)
		if i == 10 {
			assert.True(errors.Is(err, ErrNodeNotFound))
			continue
		}
		require.NoError(t, err)
		assert.Equal(fmt.Sprintf("n%d", i), rec.Fields["name"])
		assert.Equal(float64(i), rec.Fields["age"])
	}
	edges, err := db.Neighbors(ctx, ids[0])
	assert.NoError(err)
	assert.Equal([]Edge{{Relation: "knows", Direction: DirOut, Source: ids[0], Target: ids[49]}}, edges)

	// the new width is usable
	long := fmt.Sprintf("%0100d", 7)
	id, err := db.Insert(ctx, "person", Object{"name": long, "age": 1})
	assert.NoError(err)

	backups, err := filepath.Glob(path + ".*.bak")
	assert.NoError(err)
	assert.Len(backups, 1)
	_, err = os.Stat(path + ".resize")
	assert.True(os.IsNotExist(err))
	assert.NoError(db.Close())

	// everything survives a reopen
	db, err = Open(path, 0644, &Options{PayloadSize: 64})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(uint32(192), db.Stats().PayloadSize)
	rec, err := db.Read(ctx, id)
	assert.NoError(err)
	assert.Equal(long, rec.Fields["name"])
	rec, err = db.Read(ctx, ids[49])
	assert.NoError(err)
	assert.Equal("n49", rec.Fields["name"])
}

func TestResizeMigratesChangedClassOnly(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, nil)
	ctx := context.Background()
	require.NoError(t, db.DefineClass(ctx, "person", "name:string,age:number"))
	require.NoError(t, db.DefineClass(ctx, "city", "name:string,size:number"))

	p, err := db.Insert(ctx, "person", Object{"name": "ada", "age": 36})
	require.NoError(t, err)
	c, err := db.Insert(ctx, "city", Object{"name": "london", "size": 9})
	require.NoError(t, err)

	// reorder, drop age, add a boolean
	require.NoError(t, db.DefineClass(ctx, "person", "admin:boolean,name:string"))
	assert.Equal(uint32(DefaultPayloadSize), db.Stats().PayloadSize)

	rec, err := db.Read(ctx, p)
	assert.NoError(err)
	assert.Equal(Object{"admin": nil, "name": "ada"}, rec.Fields)
	rec, err = db.Read(ctx, c)
	assert.NoError(err)
	assert.Equal(Object{"name": "london", "size": 9.0}, rec.Fields)

	// a type change that cannot hold the old value drops it
	require.NoError(t, db.DefineClass(ctx, "city", "name:number,size:number"))
	rec, err = db.Read(ctx, c)
	assert.NoError(err)
	assert.Equal(Object{"name": nil, "size": 9.0}, rec.Fields)
}

func TestResizeExplicit(t *testing.T) {
	assert := assertion.New(t)
	backupDir := filepath.Join(t.TempDir(), "backups")
	db := openTestDB(t, &Options{BackupDir: backupDir})
	ctx := context.Background()
	ids := setupPeople(t, db, "a", "b")

	assert.NoError(db.Resize(ctx, 300))
	assert.Equal(uint32(320), db.Stats().PayloadSize)
	assert.True(errors.Is(db.Resize(ctx, 64), ErrInvalidPayloadSize))
	assert.NoError(db.Resize(ctx, 320))

	backups, err := filepath.Glob(filepath.Join(backupDir, "*.bak"))
	assert.NoError(err)
	assert.Len(backups, 1)

	rec, err := db.Read(ctx, ids[1])
	assert.NoError(err)
	assert.Equal("b", rec.Fields["name"])
}

func TestSchemaGrowthResizes(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, &Options{PayloadSize: 64})
	ctx := context.Background()

	assert.NoError(db.DefineClass(ctx, "doc", "title:string(200)"))
	assert.Equal(uint32(256), db.Stats().PayloadSize)

	id, err := db.Insert(ctx, "doc", Object{"title": fmt.Sprintf("%0180d", 1)})
	assert.NoError(err)
	rec, err := db.Read(ctx, id)
	assert.NoError(err)
	assert.Len(rec.Fields["title"], 180)
}
