package tables

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyformat99/nark-db/pkg/schema"
)

func testDef(unique bool) *schema.TableDef {
	return &schema.TableDef{
		TableName: "t",
		Columns: []schema.ColumnDef{
			{Name: "a", Type: "sint32"},
			{Name: "v", Type: "sint64"},
			{Name: "s", Type: "string"},
		},
		Indices: []schema.IndexDef{
			{Name: "a", Columns: []string{"a"}, Ordered: true, Unique: unique},
		},
		Colgroups: []schema.CgDef{{Name: "v", Columns: []string{"v"}}},
		// large enough that segments only roll over when a test forces it
		MaxWritingSegmentSize: 1 << 30,
		// suppress the automatic merge after conversions; merge tests
		// drive the merge themselves
		MinMergeSegNum:       100,
		PurgeDeleteThreshold: 0.9,
	}
}

func openTestTable(t *testing.T, def *schema.TableDef) *Table {
	sconf, err := schema.Compile(def)
	require.Nil(t, err)
	tab, err := CreateTable(t.TempDir(), sconf, BgOptions{CompressionThreads: 2})
	require.Nil(t, err)
	t.Cleanup(tab.Close)
	return tab
}

func makeRow(t *testing.T, tab *Table, a int32, v int64, s string) []byte {
	row, err := tab.Schema().RowSchema.BuildRecord([][]byte{
		schema.EncodeSint32(a), schema.EncodeSint64(v), []byte(s),
	})
	require.Nil(t, err)
	return row
}

func forceNewSegment(t *testing.T, tab *Table) {
	tab.mu.Lock()
	tab.doCreateNewSegmentInLock()
	tab.mu.Unlock()
	require.Nil(t, tab.CheckInvariants())
}

func TestInsertAndGet(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	id, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	assert.Equal(t, int64(0), id)
	id, err = tab.InsertRow(ctx, makeRow(t, tab, 2, 20, "two"))
	require.Nil(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int64(2), tab.NumDataRows())

	var val []byte
	require.Nil(t, tab.GetValue(ctx, 0, &val))
	assert.Equal(t, makeRow(t, tab, 1, 10, "one"), val)
	assert.True(t, tab.Exists(0))
	assert.False(t, tab.Exists(5))
	require.Nil(t, tab.CheckInvariants())
}

func TestInsertDupKey(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	_, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	id, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 11, "dup"))
	assert.Equal(t, int64(-1), id)
	var dup *DupKeyError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "a", dup.Index)
	// the failed insert left no trace
	assert.Equal(t, int64(1), tab.NumDataRows())
	require.Nil(t, tab.CheckInvariants())
}

// Insert-delete-reinsert with the same unique key: the dead id is not
// recycled and the key resolves to the new row only.
func TestInsertDeleteReinsertSameKey(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	id0, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	assert.Equal(t, int64(0), id0)
	ok, err := tab.RemoveRow(ctx, id0)
	require.Nil(t, err)
	assert.True(t, ok)
	id1, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 11, "one again"))
	require.Nil(t, err)
	assert.Equal(t, int64(1), id1)

	ids, err := tab.IndexSearchExact(ctx, 0, schema.EncodeSint32(1))
	require.Nil(t, err)
	assert.Equal(t, []int64{1}, ids)
	assert.False(t, tab.Exists(0))
	assert.True(t, tab.Exists(1))
	require.Nil(t, tab.CheckInvariants())
}

func TestRemoveRowTwice(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	id, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	ok, err := tab.RemoveRow(ctx, id)
	require.Nil(t, err)
	assert.True(t, ok)
	ok, err = tab.RemoveRow(ctx, id)
	require.Nil(t, err)
	assert.False(t, ok)
}

func TestDupKeyAcrossFrozenSegment(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	_, err := tab.InsertRow(ctx, makeRow(t, tab, 7, 70, "seven"))
	require.Nil(t, err)
	forceNewSegment(t, tab)
	id, err := tab.InsertRow(ctx, makeRow(t, tab, 7, 71, "dup"))
	assert.Equal(t, int64(-1), id)
	var dup *DupKeyError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, int64(0), dup.LogicID)
}

// Upsert across the frozen boundary: the old row is tombstoned, the
// new one gets a fresh, larger id.
func TestUpsertAcrossFrozenBoundary(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	oldID, err := tab.InsertRow(ctx, makeRow(t, tab, 5, 50, "old"))
	require.Nil(t, err)
	_, err = tab.InsertRow(ctx, makeRow(t, tab, 6, 60, "other"))
	require.Nil(t, err)
	forceNewSegment(t, tab)

	newID, err := tab.UpsertRow(ctx, makeRow(t, tab, 5, 55, "new"))
	require.Nil(t, err)
	assert.Equal(t, 2, ctx.IsUpsertOverwritten)
	assert.Greater(t, newID, oldID)
	assert.False(t, tab.Exists(oldID))
	assert.True(t, tab.Exists(newID))

	ids, err := tab.IndexSearchExact(ctx, 0, schema.EncodeSint32(5))
	require.Nil(t, err)
	require.Equal(t, 1, len(ids))
	assert.Equal(t, newID, ids[0])

	var val []byte
	require.Nil(t, tab.GetValue(ctx, newID, &val))
	assert.Equal(t, makeRow(t, tab, 5, 55, "new"), val)
	require.Nil(t, tab.CheckInvariants())
}

func TestUpsertInPlace(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	id, err := tab.InsertRow(ctx, makeRow(t, tab, 3, 30, "v1"))
	require.Nil(t, err)
	newID, err := tab.UpsertRow(ctx, makeRow(t, tab, 3, 31, "v2"))
	require.Nil(t, err)
	assert.Equal(t, id, newID)
	assert.Equal(t, 1, ctx.IsUpsertOverwritten)
	var val []byte
	require.Nil(t, tab.GetValue(ctx, id, &val))
	assert.Equal(t, makeRow(t, tab, 3, 31, "v2"), val)
}

func TestUpsertFreshKeyInserts(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	id, err := tab.UpsertRow(ctx, makeRow(t, tab, 9, 90, "nine"))
	require.Nil(t, err)
	assert.Equal(t, int64(0), id)
	assert.Equal(t, 0, ctx.IsUpsertOverwritten)
}

func TestUpdateRowInWritable(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	id, err := tab.InsertRow(ctx, makeRow(t, tab, 4, 40, "x"))
	require.Nil(t, err)
	newID, err := tab.UpdateRow(ctx, id, makeRow(t, tab, 4, 44, "y"))
	require.Nil(t, err)
	assert.Equal(t, id, newID)
	var val []byte
	require.Nil(t, tab.GetValue(ctx, id, &val))
	assert.Equal(t, makeRow(t, tab, 4, 44, "y"), val)
}

// UpdateRow across the frozen boundary changes the id; callers must
// use the returned one.
func TestUpdateRowAcrossFrozenBoundary(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	id, err := tab.InsertRow(ctx, makeRow(t, tab, 8, 80, "x"))
	require.Nil(t, err)
	forceNewSegment(t, tab)
	newID, err := tab.UpdateRow(ctx, id, makeRow(t, tab, 18, 81, "y"))
	require.Nil(t, err)
	assert.Greater(t, newID, id)
	assert.False(t, tab.Exists(id))
	var val []byte
	require.Nil(t, tab.GetValue(ctx, newID, &val))
	assert.Equal(t, makeRow(t, tab, 18, 81, "y"), val)
	require.Nil(t, tab.CheckInvariants())
}

func TestUpdateColumnWritableAndReadonly(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	vCol := tab.Schema().GetColumnID("v")
	require.Equal(t, 1, vCol)
	id, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	require.Nil(t, tab.UpdateColumnByName(ctx, id, "v", schema.EncodeSint64(99)))
	col, err := tab.SelectOneColumn(ctx, id, vCol)
	require.Nil(t, err)
	assert.Equal(t, int64(99), schema.DecodeSint64(col))

	require.Nil(t, tab.IncrementColumnValue(ctx, id, vCol, 1))
	col, err = tab.SelectOneColumn(ctx, id, vCol)
	require.Nil(t, err)
	assert.Equal(t, int64(100), schema.DecodeSint64(col))

	// push the row into a read-only segment and mutate it there
	forceNewSegment(t, tab)
	tab.waitForBackgroundTasks()
	require.Nil(t, tab.UpdateColumnInteger(ctx, id, vCol, func(v int64) (int64, bool) {
		return v * 2, true
	}))
	col, err = tab.SelectOneColumn(ctx, id, vCol)
	require.Nil(t, err)
	assert.Equal(t, int64(200), schema.DecodeSint64(col))

	// the indexed column rejects in-place updates on read-only segments
	err = tab.UpdateColumn(ctx, id, tab.Schema().GetColumnID("a"), schema.EncodeSint32(2))
	assert.True(t, errors.Is(err, ErrInvalidArg))
}

func TestUpdateColumnUnknownName(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	err := tab.UpdateColumnByName(ctx, 0, "zzz", nil)
	assert.True(t, errors.Is(err, ErrInvalidArg))
}

func TestIndexReplaceCrossSegment(t *testing.T) {
	tab := openTestTable(t, testDef(false))
	ctx := tab.NewCtx()
	oldID, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	forceNewSegment(t, tab)
	newID, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 11, "one2"))
	require.Nil(t, err)
	require.NotEqual(t, oldID, newID)
	// the old side drops its entry only while that segment is still
	// writable; the key must land in the new segment's index
	_, err = tab.IndexReplace(0, schema.EncodeSint32(1), oldID, newID)
	require.Nil(t, err)
	tab.mu.RLock()
	tail := tab.segments[len(tab.segments)-1]
	tab.mu.RUnlock()
	var ids []int64
	tail.IndexSearchExactAppend(0, schema.EncodeSint32(1), &ids)
	assert.Contains(t, ids, newID-int64(1)) // subId of newID within tail (base is 1)
}

func TestSyncFinishWriting(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	_, err := tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	tab.SyncFinishWriting()
	_, err = tab.InsertRow(ctx, makeRow(t, tab, 2, 20, "two"))
	assert.True(t, errors.Is(err, ErrWritingFinished))
	// reads still work
	assert.True(t, tab.Exists(0))
}
