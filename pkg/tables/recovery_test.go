package tables

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyformat99/nark-db/pkg/schema"
)

func reopen(t *testing.T, dir string, def *schema.TableDef) (*Table, error) {
	sconf, err := schema.Compile(def)
	require.Nil(t, err)
	return OpenTable(dir, sconf, BgOptions{CompressionThreads: 2})
}

func TestReopenKeepsData(t *testing.T) {
	def := testDef(true)
	dir := t.TempDir()
	sconf, err := schema.Compile(def)
	require.Nil(t, err)
	tab, err := CreateTable(dir, sconf, BgOptions{CompressionThreads: 2})
	require.Nil(t, err)
	ctx := tab.NewCtx()
	want := makeRow(t, tab, 1, 10, "one")
	_, err = tab.InsertRow(ctx, want)
	require.Nil(t, err)
	_, err = tab.InsertRow(ctx, makeRow(t, tab, 2, 20, "two"))
	require.Nil(t, err)
	ok, err := tab.RemoveRow(ctx, 1)
	require.Nil(t, err)
	require.True(t, ok)
	tab.SyncFinishWriting()
	tab.Close()

	tab2, err := reopen(t, dir, def)
	require.Nil(t, err)
	defer tab2.Close()
	require.Nil(t, tab2.CheckInvariants())
	assert.True(t, tab2.Exists(0))
	assert.False(t, tab2.Exists(1))
	ctx2 := tab2.NewCtx()
	var val []byte
	require.Nil(t, tab2.GetValue(ctx2, 0, &val))
	assert.Equal(t, want, val)
	ids, err := tab2.IndexSearchExact(ctx2, 0, schema.EncodeSint32(1))
	require.Nil(t, err)
	assert.Equal(t, []int64{0}, ids)
}

// A crashed merge leaves merging.lock behind; open refuses until the
// operator removes the generation, then the previous one still serves.
func TestCrashedMergeRefusesOpen(t *testing.T) {
	def := testDef(true)
	dir := t.TempDir()
	sconf, err := schema.Compile(def)
	require.Nil(t, err)
	tab, err := CreateTable(dir, sconf, BgOptions{CompressionThreads: 2})
	require.Nil(t, err)
	ctx := tab.NewCtx()
	_, err = tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	tab.SyncFinishWriting()
	tab.Close()

	crashed := mergePath(dir, 1)
	require.Nil(t, os.MkdirAll(filepath.Join(crashed, "rd-0000"), 0755))
	require.Nil(t, os.WriteFile(filepath.Join(crashed, mergingLockFile), nil, 0644))

	_, err = reopen(t, dir, def)
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, ErrLogic))
	assert.Contains(t, err.Error(), "g-0001")
	assert.Contains(t, err.Error(), mergingLockFile)

	require.Nil(t, os.RemoveAll(crashed))
	tab2, err := reopen(t, dir, def)
	require.Nil(t, err)
	defer tab2.Close()
	assert.True(t, tab2.Exists(0))
}

// A stale generation without a lock file is reclaimed on open.
func TestStaleGenerationRemoved(t *testing.T) {
	def := testDef(true)
	dir := t.TempDir()
	sconf, err := schema.Compile(def)
	require.Nil(t, err)
	tab, err := CreateTable(dir, sconf, BgOptions{CompressionThreads: 2})
	require.Nil(t, err)
	ctx := tab.NewCtx()
	_, err = tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	forceNewSegment(t, tab)
	_, err = tab.InsertRow(ctx, makeRow(t, tab, 2, 20, "two"))
	require.Nil(t, err)
	tab.SyncFinishWriting()
	tab.Close()

	// merge everything into g-0001
	tab, err = reopen(t, dir, def)
	require.Nil(t, err)
	ctx = tab.NewCtx()
	tab.waitForBackgroundTasks()
	mp := buildMergeParam(t, tab)
	tab.merge(mp)
	require.Nil(t, tab.CheckInvariants())
	assert.True(t, tab.Exists(0))
	tab.SyncFinishWriting()
	tab.Close()

	tab2, err := reopen(t, dir, def)
	require.Nil(t, err)
	defer tab2.Close()
	_, err = os.Stat(mergePath(dir, 0))
	assert.True(t, os.IsNotExist(err))
	assert.True(t, tab2.Exists(0))
	assert.True(t, tab2.Exists(1))
}

// Crash-interrupted renames resolve deterministically: a tmp with its
// backup sibling is promoted, a lone tmp is dropped.
func TestTmpBackupResolution(t *testing.T) {
	def := testDef(true)
	dir := t.TempDir()
	sconf, err := schema.Compile(def)
	require.Nil(t, err)
	tab, err := CreateTable(dir, sconf, BgOptions{CompressionThreads: 2})
	require.Nil(t, err)
	ctx := tab.NewCtx()
	_, err = tab.InsertRow(ctx, makeRow(t, tab, 1, 10, "one"))
	require.Nil(t, err)
	tab.SyncFinishWriting()
	tab.Close()

	gen := mergePath(dir, 0)
	canon := filepath.Join(gen, "rd-0000")
	require.Nil(t, os.Rename(canon, canon+".tmp"))
	require.Nil(t, os.MkdirAll(canon+".backup-0", 0755))

	tab2, err := reopen(t, dir, def)
	require.Nil(t, err)
	defer tab2.Close()
	assert.True(t, tab2.Exists(0))
	_, err = os.Stat(canon)
	assert.Nil(t, err)
	_, err = os.Stat(canon + ".tmp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(canon + ".backup-0")
	assert.True(t, os.IsNotExist(err))
}
