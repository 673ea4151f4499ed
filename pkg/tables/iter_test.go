package tables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyformat99/nark-db/pkg/schema"
)

// Ordered k-way scan over three segments with duplicate keys; ties
// resolve by segment index.
func TestOrderedIndexKWayScan(t *testing.T) {
	tab := openTestTable(t, testDef(false))
	ctx := tab.NewCtx()
	insert := func(keys ...int32) {
		for _, k := range keys {
			_, err := tab.InsertRow(ctx, makeRow(t, tab, k, int64(k), "r"))
			require.Nil(t, err)
		}
	}
	insert(3, 1, 4)
	forceNewSegment(t, tab)
	insert(1, 5, 9)
	forceNewSegment(t, tab)
	insert(2, 6)

	it, err := tab.CreateIndexIterForward(0)
	require.Nil(t, err)
	defer it.Close()
	var keys []int32
	var ids []int64
	var id int64
	var key []byte
	for it.Next(&id, &key) {
		keys = append(keys, schema.DecodeSint32(key))
		ids = append(ids, id)
	}
	assert.Equal(t, []int32{1, 1, 2, 3, 4, 5, 6, 9}, keys)
	// the duplicate key 1 emits the lower segment first
	assert.Equal(t, []int64{1, 3, 6, 0, 2, 4, 7, 5}, ids)
}

func TestOrderedIndexBackward(t *testing.T) {
	tab := openTestTable(t, testDef(false))
	ctx := tab.NewCtx()
	for _, k := range []int32{3, 1, 4} {
		_, err := tab.InsertRow(ctx, makeRow(t, tab, k, int64(k), "r"))
		require.Nil(t, err)
	}
	forceNewSegment(t, tab)
	for _, k := range []int32{2, 5} {
		_, err := tab.InsertRow(ctx, makeRow(t, tab, k, int64(k), "r"))
		require.Nil(t, err)
	}
	it, err := tab.CreateIndexIterBackward(0)
	require.Nil(t, err)
	defer it.Close()
	var keys []int32
	var id int64
	var key []byte
	for it.Next(&id, &key) {
		keys = append(keys, schema.DecodeSint32(key))
	}
	assert.Equal(t, []int32{5, 4, 3, 2, 1}, keys)
}

func TestOrderedIndexSkipsDeleted(t *testing.T) {
	tab := openTestTable(t, testDef(false))
	ctx := tab.NewCtx()
	var delID int64
	for _, k := range []int32{1, 2, 3} {
		id, err := tab.InsertRow(ctx, makeRow(t, tab, k, int64(k), "r"))
		require.Nil(t, err)
		if k == 2 {
			delID = id
		}
	}
	ok, err := tab.RemoveRow(ctx, delID)
	require.Nil(t, err)
	require.True(t, ok)
	it, err := tab.CreateIndexIterForward(0)
	require.Nil(t, err)
	defer it.Close()
	var keys []int32
	var id int64
	var key []byte
	for it.Next(&id, &key) {
		keys = append(keys, schema.DecodeSint32(key))
	}
	assert.Equal(t, []int32{1, 3}, keys)
}

func TestSeekLowerBound(t *testing.T) {
	tab := openTestTable(t, testDef(false))
	ctx := tab.NewCtx()
	for _, k := range []int32{10, 20, 30} {
		_, err := tab.InsertRow(ctx, makeRow(t, tab, k, int64(k), "r"))
		require.Nil(t, err)
	}
	forceNewSegment(t, tab)
	for _, k := range []int32{15, 25} {
		_, err := tab.InsertRow(ctx, makeRow(t, tab, k, int64(k), "r"))
		require.Nil(t, err)
	}
	it, err := tab.CreateIndexIterForward(0)
	require.Nil(t, err)
	defer it.Close()
	var id int64
	var key []byte
	ret := it.SeekLowerBound(schema.EncodeSint32(20), &id, &key)
	assert.Equal(t, 0, ret)
	assert.Equal(t, int32(20), schema.DecodeSint32(key))
	// continue in order after the seek
	require.True(t, it.Next(&id, &key))
	assert.Equal(t, int32(25), schema.DecodeSint32(key))

	ret = it.SeekLowerBound(schema.EncodeSint32(17), &id, &key)
	assert.Equal(t, 1, ret)
	assert.Equal(t, int32(20), schema.DecodeSint32(key))

	ret = it.SeekLowerBound(schema.EncodeSint32(99), &id, &key)
	assert.Equal(t, -1, ret)
}

func TestStoreIterForwardBackward(t *testing.T) {
	tab := openTestTable(t, testDef(true))
	ctx := tab.NewCtx()
	var deleted int64
	for i := int32(0); i < 6; i++ {
		id, err := tab.InsertRow(ctx, makeRow(t, tab, i, int64(i), "r"))
		require.Nil(t, err)
		if i == 2 {
			deleted = id
		}
		if i == 2 {
			forceNewSegment(t, tab)
		}
	}
	ok, err := tab.RemoveRow(ctx, deleted)
	require.Nil(t, err)
	require.True(t, ok)

	fwd := tab.CreateStoreIterForward()
	defer fwd.Close()
	var ids []int64
	var id int64
	var row []byte
	for fwd.Next(&id, &row) {
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{0, 1, 3, 4, 5}, ids)

	bwd := tab.CreateStoreIterBackward()
	defer bwd.Close()
	ids = ids[:0]
	for bwd.Next(&id, &row) {
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{5, 4, 3, 1, 0}, ids)
}
