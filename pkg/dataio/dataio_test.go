package dataio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyformat99/nark-db/pkg/schema"
)

func TestFileChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.Nil(t, WriteFileAtomic(path, []byte("payload")))
	data, err := ReadFileChecked(path)
	require.Nil(t, err)
	assert.Equal(t, []byte("payload"), data)

	raw, err := os.ReadFile(path)
	require.Nil(t, err)
	raw[0] ^= 0xff
	require.Nil(t, os.WriteFile(path, raw, 0644))
	_, err = ReadFileChecked(path)
	assert.NotNil(t, err)
}

func TestFixedLenStore(t *testing.T) {
	s := NewFixedLenStore(4)
	require.Nil(t, s.Append([]byte{1, 2, 3, 4}))
	require.Nil(t, s.Append([]byte{5, 6, 7, 8}))
	assert.Equal(t, int64(2), s.NumDataRows())
	var val []byte
	require.Nil(t, s.GetValueAppend(1, &val))
	assert.Equal(t, []byte{5, 6, 7, 8}, val)
	require.Nil(t, s.UpdateRecord(0, []byte{9, 9, 9, 9}))
	base := s.RecordsBasePtr()
	assert.Equal(t, byte(9), base[0])

	path := filepath.Join(t.TempDir(), "cg.flx")
	require.Nil(t, s.Save(path))
	s2, err := LoadFixedLenStore(path)
	require.Nil(t, err)
	val = val[:0]
	require.Nil(t, s2.GetValueAppend(0, &val))
	assert.Equal(t, []byte{9, 9, 9, 9}, val)
}

func TestVarLenStore(t *testing.T) {
	recs := [][]byte{[]byte("alpha"), []byte(""), []byte("gamma")}
	s := BuildVarLenStore(recs)
	assert.Equal(t, int64(3), s.NumDataRows())
	path := filepath.Join(t.TempDir(), "cg.vlz")
	require.Nil(t, s.Save(path))
	s2, err := LoadVarLenStore(path)
	require.Nil(t, err)
	for i, rec := range recs {
		val := []byte{}
		require.Nil(t, s2.GetValueAppend(int64(i), &val))
		assert.Equal(t, rec, val)
	}
	var val []byte
	assert.NotNil(t, s2.GetValueAppend(3, &val))
}

func TestDictZipStore(t *testing.T) {
	var recs [][]byte
	for i := 0; i < 64; i++ {
		recs = append(recs, []byte("common-prefix-payload-"+string(rune('a'+i%26))))
	}
	s, err := BuildDictZipStore(recs)
	require.Nil(t, err)
	assert.Equal(t, int64(64), s.NumDataRows())
	path := filepath.Join(t.TempDir(), "cg.dz")
	require.Nil(t, s.Save(path))
	s2, err := LoadDictZipStore(path)
	require.Nil(t, err)
	for i, rec := range recs {
		var val []byte
		require.Nil(t, s2.GetValueAppend(int64(i), &val))
		assert.Equal(t, rec, val)
	}
}

func TestSeqReadStore(t *testing.T) {
	s := NewSeqReadStore()
	s.Append([]byte("one"))
	s.Append([]byte("two"))
	path := filepath.Join(t.TempDir(), "idx.seq")
	require.Nil(t, s.Save(path))
	s2, err := LoadSeqReadStore(path)
	require.Nil(t, err)
	it := s2.CreateIterForward()
	var subID int64
	var val []byte
	require.True(t, it.Next(&subID, &val))
	assert.Equal(t, "one", string(val))
	require.True(t, it.Next(&subID, &val))
	assert.Equal(t, "two", string(val))
	assert.False(t, it.Next(&subID, &val))
}

func TestMultiPartStore(t *testing.T) {
	p1 := BuildVarLenStore([][]byte{[]byte("a"), []byte("b")})
	p2 := BuildVarLenStore([][]byte{[]byte("c")})
	mp := NewMultiPartStore([]Store{p1, p2})
	assert.Equal(t, int64(3), mp.NumDataRows())
	var val []byte
	require.Nil(t, mp.GetValueAppend(2, &val))
	assert.Equal(t, "c", string(val))
	flat, err := mp.Materialize()
	require.Nil(t, err)
	assert.Equal(t, int64(3), flat.NumDataRows())
}

func intSchema(unique bool) *schema.Schema {
	s := schema.NewSchema("a", []schema.ColumnMeta{{Name: "a", Type: schema.Sint32}}, []int{0})
	s.IsOrdered = true
	s.IsUnique = unique
	return s
}

func TestWrIndexUnique(t *testing.T) {
	idx := NewWrIndex(intSchema(true))
	assert.True(t, idx.Insert(schema.EncodeSint32(1), 0))
	assert.False(t, idx.Insert(schema.EncodeSint32(1), 1))
	assert.True(t, idx.Remove(schema.EncodeSint32(1), 0))
	assert.True(t, idx.Insert(schema.EncodeSint32(1), 1))
	var out []int64
	idx.SearchExactAppend(schema.EncodeSint32(1), &out)
	assert.Equal(t, []int64{1}, out)
}

func TestWrIndexIterOrder(t *testing.T) {
	idx := NewWrIndex(intSchema(false))
	for i, v := range []int32{3, 1, 4, 1, 5} {
		assert.True(t, idx.Insert(schema.EncodeSint32(v), int64(i)))
	}
	it := idx.CreateIter(true)
	var got []int32
	var subID int64
	var key []byte
	for it.Next(&subID, &key) {
		got = append(got, schema.DecodeSint32(key))
	}
	assert.Equal(t, []int32{1, 1, 3, 4, 5}, got)

	back := idx.CreateIter(false)
	got = got[:0]
	for back.Next(&subID, &key) {
		got = append(got, schema.DecodeSint32(key))
	}
	assert.Equal(t, []int32{5, 4, 3, 1, 1}, got)
}

func TestWrIndexSeekLowerBound(t *testing.T) {
	idx := NewWrIndex(intSchema(false))
	for i, v := range []int32{10, 20, 30} {
		idx.Insert(schema.EncodeSint32(v), int64(i))
	}
	it := idx.CreateIter(true)
	var subID int64
	var key []byte
	assert.Equal(t, 0, it.SeekLowerBound(schema.EncodeSint32(20), &subID, &key))
	assert.Equal(t, int64(1), subID)
	assert.Equal(t, 1, it.SeekLowerBound(schema.EncodeSint32(15), &subID, &key))
	assert.Equal(t, int64(1), subID)
	assert.Equal(t, -1, it.SeekLowerBound(schema.EncodeSint32(35), &subID, &key))
}

func TestRdIndex(t *testing.T) {
	recs := [][]byte{
		schema.EncodeSint32(3),
		schema.EncodeSint32(1),
		schema.EncodeSint32(3),
		schema.EncodeSint32(2),
	}
	idx := BuildRdIndex(intSchema(false), recs)
	var out []int64
	idx.SearchExactAppend(schema.EncodeSint32(3), &out)
	assert.Equal(t, []int64{0, 2}, out)

	it := idx.CreateIter(true)
	var got []int32
	var ids []int64
	var subID int64
	var key []byte
	for it.Next(&subID, &key) {
		got = append(got, schema.DecodeSint32(key))
		ids = append(ids, subID)
	}
	assert.Equal(t, []int32{1, 2, 3, 3}, got)
	assert.Equal(t, []int64{1, 3, 0, 2}, ids)

	path := filepath.Join(t.TempDir(), "index-a.idx")
	require.Nil(t, idx.Save(path))
	idx2, err := LoadRdIndex(path, intSchema(false))
	require.Nil(t, err)
	out = out[:0]
	idx2.SearchExactAppend(schema.EncodeSint32(1), &out)
	assert.Equal(t, []int64{1}, out)
}
