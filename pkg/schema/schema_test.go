package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDef() *TableDef {
	return &TableDef{
		TableName: "t",
		Columns: []ColumnDef{
			{Name: "a", Type: "sint32"},
			{Name: "v", Type: "sint64"},
			{Name: "s", Type: "string"},
		},
		Indices: []IndexDef{
			{Name: "a", Columns: []string{"a"}, Ordered: true, Unique: true},
		},
		Colgroups: []CgDef{
			{Name: "v", Columns: []string{"v"}},
		},
	}
}

func TestCompile(t *testing.T) {
	sc, err := Compile(testDef())
	require.Nil(t, err)
	assert.Equal(t, 3, sc.ColumnNum())
	assert.Equal(t, 1, sc.IndexNum())
	// index cg + user cg + residual cg
	assert.Equal(t, 3, sc.ColgroupNum())
	assert.Equal(t, []int{0}, sc.UniqIndices)
	assert.Empty(t, sc.MultIndices)
	// the "v" group is fixed and non-index, hence updatable
	assert.Equal(t, []int{1}, sc.UpdatableColgroups)
	cg, sub := sc.ColProject(0)
	assert.Equal(t, 0, cg)
	assert.Equal(t, 0, sub)
	cg, _ = sc.ColProject(1)
	assert.Equal(t, 1, cg)
	cg, _ = sc.ColProject(2)
	assert.Equal(t, 2, cg)
	assert.Equal(t, 0, sc.GetIndexID("a"))
	assert.Equal(t, -1, sc.GetIndexID("nope"))
}

func TestRowCodecRoundTrip(t *testing.T) {
	sc, err := Compile(testDef())
	require.Nil(t, err)
	cols := [][]byte{EncodeSint32(7), EncodeSint64(42), []byte("hello")}
	row, err := sc.RowSchema.BuildRecord(cols)
	require.Nil(t, err)
	parsed, err := sc.RowSchema.ParseRecord(row)
	require.Nil(t, err)
	require.Equal(t, 3, len(parsed))
	assert.Equal(t, int32(7), DecodeSint32(parsed[0]))
	assert.Equal(t, int64(42), DecodeSint64(parsed[1]))
	assert.Equal(t, "hello", string(parsed[2]))
}

func TestSelectParent(t *testing.T) {
	sc, err := Compile(testDef())
	require.Nil(t, err)
	cols := [][]byte{EncodeSint32(-5), EncodeSint64(1), []byte("x")}
	var key []byte
	require.Nil(t, sc.GetIndexSchema(0).SelectParentAppend(cols, &key))
	assert.Equal(t, EncodeSint32(-5), key)
}

func TestCompareData(t *testing.T) {
	is := NewSchema("a", []ColumnMeta{{Name: "a", Type: Sint32}}, []int{0})
	assert.Equal(t, -1, is.CompareData(EncodeSint32(-3), EncodeSint32(2)))
	assert.Equal(t, 1, is.CompareData(EncodeSint32(10), EncodeSint32(2)))
	assert.Equal(t, 0, is.CompareData(EncodeSint32(2), EncodeSint32(2)))
}

func TestParseRowErrors(t *testing.T) {
	sc, err := Compile(testDef())
	require.Nil(t, err)
	_, err = sc.RowSchema.ParseRecord([]byte{1, 2})
	assert.NotNil(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	sc, err := Compile(testDef())
	require.Nil(t, err)
	path := t.TempDir() + "/dbmeta.json"
	require.Nil(t, sc.SaveJSONFile(path))
	sc2, err := LoadJSONFile(path)
	require.Nil(t, err)
	assert.Equal(t, sc.ColumnNum(), sc2.ColumnNum())
	assert.Equal(t, sc.IndexNum(), sc2.IndexNum())
	assert.Equal(t, sc.UpdatableColgroups, sc2.UpdatableColgroups)
}

func TestLocateColumn(t *testing.T) {
	sc, err := Compile(testDef())
	require.Nil(t, err)
	cols := [][]byte{EncodeSint32(1), EncodeSint64(2), []byte("zz")}
	row, err := sc.RowSchema.BuildRecord(cols)
	require.Nil(t, err)
	off, n, err := sc.RowSchema.LocateColumn(row, 1)
	require.Nil(t, err)
	assert.Equal(t, 4, off)
	assert.Equal(t, 8, n)
	assert.Equal(t, int64(2), DecodeSint64(row[off:off+n]))
}

func TestToJsonStr(t *testing.T) {
	sc, err := Compile(testDef())
	require.Nil(t, err)
	cols := [][]byte{EncodeSint32(9), EncodeSint64(8), []byte("s")}
	row, err := sc.RowSchema.BuildRecord(cols)
	require.Nil(t, err)
	js := sc.RowSchema.ToJsonStr(row)
	assert.Contains(t, js, `"a":9`)
	assert.Contains(t, js, `"s":"s"`)
}
