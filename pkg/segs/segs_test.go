package segs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyformat99/nark-db/pkg/schema"
)

func testSconf(t *testing.T) *schema.SchemaConfig {
	sc, err := schema.Compile(&schema.TableDef{
		TableName: "t",
		Columns: []schema.ColumnDef{
			{Name: "a", Type: "sint32"},
			{Name: "v", Type: "sint64"},
			{Name: "s", Type: "string"},
		},
		Indices: []schema.IndexDef{
			{Name: "a", Columns: []string{"a"}, Ordered: true, Unique: true},
		},
		Colgroups: []schema.CgDef{{Name: "v", Columns: []string{"v"}}},
	})
	require.Nil(t, err)
	return sc
}

func makeRow(t *testing.T, sc *schema.SchemaConfig, a int32, v int64, s string) []byte {
	row, err := sc.RowSchema.BuildRecord([][]byte{
		schema.EncodeSint32(a), schema.EncodeSint64(v), []byte(s),
	})
	require.Nil(t, err)
	return row
}

func TestDelBits(t *testing.T) {
	d := NewDelBits()
	d.Push(false)
	d.Push(true)
	d.Push(false)
	assert.Equal(t, int64(3), d.Size())
	assert.Equal(t, int64(1), d.PopCnt())
	assert.True(t, d.Is1(1))
	assert.False(t, d.Back())
	d.Pop()
	assert.True(t, d.Back())

	other := NewDelBits()
	other.Push(true)
	d.Append(other)
	assert.Equal(t, int64(3), d.Size())
	assert.True(t, d.Is1(2))

	data, err := d.MarshalBinary()
	require.Nil(t, err)
	d2, err := UnmarshalDelBits(data)
	require.Nil(t, err)
	assert.Equal(t, d.Size(), d2.Size())
	assert.Equal(t, d.PopCnt(), d2.PopCnt())
}

func TestPurgeBitsRankSelect(t *testing.T) {
	d := NewDelBits()
	// rows 0..9, delete 1, 4, 5, 8
	for i := 0; i < 10; i++ {
		d.Push(i == 1 || i == 4 || i == 5 || i == 8)
	}
	p := PurgeBitsFromDel(d)
	assert.Equal(t, int64(10), p.Size())
	assert.Equal(t, int64(4), p.MaxRank1())
	assert.Equal(t, int64(6), p.MaxRank0())
	// purge round trip: logical = select0(physical), physical = rank0(logical)
	for phys := int64(0); phys < p.MaxRank0(); phys++ {
		logic := p.Select0(phys)
		assert.False(t, p.Is1(logic))
		assert.Equal(t, phys, p.Rank0(logic))
	}
	assert.Equal(t, int64(0), p.Select0(0))
	assert.Equal(t, int64(2), p.Select0(1))
	assert.Equal(t, int64(6), p.Select0(3))
}

func TestUpdateJournalPromotion(t *testing.T) {
	seg := &Segment{}
	seg.initSegment(testSconf(t), t.TempDir())
	seg.SetBookUpdates(true)
	seg.WithLock(func() {
		for i := int64(0); i <= updateListPromoteLen+10; i++ {
			seg.AddToUpdateListLocked(i)
		}
	})
	list, bits := seg.TakeUpdates()
	assert.Nil(t, list)
	require.NotNil(t, bits)
	assert.Equal(t, uint64(updateListPromoteLen+11), bits.GetCardinality())

	// after the swap the journal starts empty again
	seg.WithLock(func() { seg.AddToUpdateListLocked(3) })
	list, bits = seg.TakeUpdates()
	assert.Equal(t, []uint32{3}, list)
	assert.Nil(t, bits)
}

func TestJournalIgnoredWhenNotBooked(t *testing.T) {
	seg := &Segment{}
	seg.initSegment(testSconf(t), t.TempDir())
	seg.WithLock(func() { seg.AddToUpdateListLocked(1) })
	list, bits := seg.TakeUpdates()
	assert.Nil(t, list)
	assert.Nil(t, bits)
}

func TestWritableSegmentRoundTrip(t *testing.T) {
	sc := testSconf(t)
	dir := t.TempDir() + "/wr-0000"
	w, err := NewWritableSegment(sc, dir)
	require.Nil(t, err)

	var subID int64
	w.WithLock(func() { subID, _ = w.ReserveSubIDLocked() })
	require.Nil(t, w.TxnUpsertRow(subID, makeRow(t, sc, 1, 10, "one")))
	w.WithLock(func() { w.MarkLiveLocked(subID) })
	require.True(t, w.TxnIndexInsert(0, schema.EncodeSint32(1), subID))

	var val []byte
	require.Nil(t, w.GetValueAppend(subID, &val))
	assert.Equal(t, makeRow(t, sc, 1, 10, "one"), val)

	require.Nil(t, w.FlushSegment())
	w2, err := OpenWritableSegment(sc, dir)
	require.Nil(t, err)
	val = val[:0]
	require.Nil(t, w2.GetValueAppend(0, &val))
	assert.Equal(t, makeRow(t, sc, 1, 10, "one"), val)
	var ids []int64
	w2.IndexSearchExactAppend(0, schema.EncodeSint32(1), &ids)
	assert.Equal(t, []int64{0}, ids)
}

func TestConvFromRowsAndReadonly(t *testing.T) {
	sc := testSconf(t)
	rows := [][]byte{
		makeRow(t, sc, 1, 10, "one"),
		makeRow(t, sc, 2, 20, "two"),
		nil, // reserved slot that was never written
		makeRow(t, sc, 4, 40, "four"),
	}
	isDel := NewDelBits()
	isDel.Push(false)
	isDel.Push(false)
	isDel.Push(true)
	isDel.Push(false)

	dir := t.TempDir() + "/rd-0000"
	r := NewReadonlySegment(sc, dir)
	require.Nil(t, r.ConvFromRows(rows, isDel))
	assert.Equal(t, int64(4), r.NumDataRows())
	assert.Equal(t, int64(1), r.Delcnt())

	var val []byte
	require.Nil(t, r.GetValueAppend(1, &val))
	assert.Equal(t, rows[1], val)

	var ids []int64
	r.IndexSearchExactAppend(0, schema.EncodeSint32(4), &ids)
	assert.Equal(t, []int64{3}, ids)

	require.Nil(t, r.Save(dir))
	r2 := NewReadonlySegment(sc, dir)
	require.Nil(t, r2.Load(dir))
	val = val[:0]
	require.Nil(t, r2.GetValueAppend(3, &val))
	assert.Equal(t, rows[3], val)
	assert.True(t, r2.IsDelMarked(2))
}

func TestRebuildReadonlyPurge(t *testing.T) {
	sc := testSconf(t)
	rows := [][]byte{
		makeRow(t, sc, 1, 10, "one"),
		makeRow(t, sc, 2, 20, "two"),
		makeRow(t, sc, 3, 30, "three"),
	}
	isDel := NewDelBits()
	isDel.Push(false)
	isDel.Push(true)
	isDel.Push(false)

	src := NewReadonlySegment(sc, t.TempDir()+"/rd-0000")
	require.Nil(t, src.ConvFromRows(rows, isDel))

	newPurge := PurgeBitsFromDel(src.SnapshotIsDel())
	dst, err := RebuildReadonly(sc, src, newPurge, t.TempDir()+"/rd-0000.tmp")
	require.Nil(t, err)
	assert.Equal(t, int64(3), dst.NumDataRows())
	assert.Equal(t, int64(2), dst.PhysicRows())

	// live rows keep their logical ids
	var val []byte
	require.Nil(t, dst.GetValueAppend(0, &val))
	assert.Equal(t, rows[0], val)
	val = val[:0]
	require.Nil(t, dst.GetValueAppend(2, &val))
	assert.Equal(t, rows[2], val)

	var ids []int64
	dst.IndexSearchExactAppend(0, schema.EncodeSint32(3), &ids)
	assert.Equal(t, []int64{2}, ids)
}

func TestSyncUpdateRecord(t *testing.T) {
	sc := testSconf(t)
	rows := [][]byte{
		makeRow(t, sc, 1, 10, "one"),
		makeRow(t, sc, 2, 20, "two"),
	}
	isDel := NewDelBits()
	isDel.Push(false)
	isDel.Push(false)
	src := NewReadonlySegment(sc, t.TempDir()+"/src")
	require.Nil(t, src.ConvFromRows(rows, isDel))
	dst := NewReadonlySegment(sc, t.TempDir()+"/dst")
	require.Nil(t, dst.ConvFromRows(rows, isDel.Clone()))

	// mutate v of row 1 in src through the fixed colgroup base
	cgID := sc.UpdatableColgroups[0]
	b, err := src.ColumnBase(cgID, 1, 0, 8)
	require.Nil(t, err)
	copy(b, schema.EncodeSint64(99))

	require.Nil(t, dst.SyncUpdateRecordNoLock(1, src, 1))
	var val []byte
	require.Nil(t, dst.GetColgroupRecordAppend(cgID, 1, &val))
	assert.Equal(t, schema.EncodeSint64(99), val)
}
