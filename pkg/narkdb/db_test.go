package narkdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyformat99/nark-db/pkg/schema"
)

func testDef() *schema.TableDef {
	return &schema.TableDef{
		TableName: "users",
		Columns: []schema.ColumnDef{
			{Name: "id", Type: "sint64"},
			{Name: "name", Type: "string"},
		},
		Indices: []schema.IndexDef{
			{Name: "id", Columns: []string{"id"}, Ordered: true, Unique: true},
		},
		MaxWritingSegmentSize: 1 << 30,
		MinMergeSegNum:        100,
	}
}

func userRow(t *testing.T, sc *schema.SchemaConfig, id int64, name string) []byte {
	row, err := sc.RowSchema.BuildRecord([][]byte{schema.EncodeSint64(id), []byte(name)})
	require.Nil(t, err)
	return row
}

func TestCreateInsertReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{CompressionThreads: 2})
	require.Nil(t, err)
	tab, err := db.CreateTable("users", testDef())
	require.Nil(t, err)
	ctx := tab.NewCtx()
	rid, err := tab.InsertRow(ctx, userRow(t, tab.Schema(), 42, "ada"))
	require.Nil(t, err)
	assert.Equal(t, int64(0), rid)
	require.Nil(t, db.Close())

	db2, err := Open(dir, Options{CompressionThreads: 2})
	require.Nil(t, err)
	defer db2.Close()
	tab2 := db2.GetTable("users")
	require.NotNil(t, tab2)
	ctx2 := tab2.NewCtx()
	ids, err := tab2.IndexSearchExact(ctx2, 0, schema.EncodeSint64(42))
	require.Nil(t, err)
	require.Equal(t, 1, len(ids))
	var val []byte
	require.Nil(t, tab2.GetValue(ctx2, ids[0], &val))
	assert.Equal(t, userRow(t, tab2.Schema(), 42, "ada"), val)
	assert.Contains(t, tab2.ToJsonStr(val), "ada")
}

func TestCreateTableTwice(t *testing.T) {
	db, err := Open(t.TempDir(), Options{CompressionThreads: 1})
	require.Nil(t, err)
	defer db.Close()
	_, err = db.CreateTable("users", testDef())
	require.Nil(t, err)
	_, err = db.CreateTable("users", testDef())
	assert.NotNil(t, err)
}

func TestDropTable(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{CompressionThreads: 1})
	require.Nil(t, err)
	defer db.Close()
	_, err = db.CreateTable("users", testDef())
	require.Nil(t, err)
	require.Nil(t, db.DropTable("users"))
	assert.Nil(t, db.GetTable("users"))
	_, err = os.Stat(filepath.Join(dir, "users"))
	assert.True(t, os.IsNotExist(err))
	assert.NotNil(t, db.DropTable("users"))
}

func TestConfToml(t *testing.T) {
	dir := t.TempDir()
	conf := []byte("compressionThreads = 3\nlogLevel = \"warning\"\n")
	require.Nil(t, os.WriteFile(filepath.Join(dir, confFile), conf, 0644))
	db, err := Open(dir, Options{})
	require.Nil(t, err)
	defer db.Close()
	assert.Equal(t, 3, db.opts.CompressionThreads)
}
