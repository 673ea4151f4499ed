package tables

import (
	"github.com/skyformat99/nark-db/pkg/segs"
)

// Ctx is a caller-local snapshot of the segment array: rowNumVec,
// segment refs and the three sequence counters, plus reusable scratch
// buffers for the write path. Hot reads compare counters without the
// table lock and only refresh on mismatch.
type Ctx struct {
	tab       *Table
	SyncIndex bool

	segCtx    []segs.SegRef
	rowNumVec []int64
	mergeSeq  int64
	wrSegNum  uint64
	updateSeq uint64

	cols1, cols2 [][]byte
	key1, key2   []byte
	row1, row2   []byte
	exactMatch   []int64

	// IsUpsertOverwritten: 0 inserted, 1 updated in place, 2 tombstoned
	// the old row and inserted a new one.
	IsUpsertOverwritten int
}

func (t *Table) NewCtx() *Ctx {
	ctx := &Ctx{tab: t, SyncIndex: true}
	t.mu.RLock()
	ctx.doSyncNoLock()
	t.mu.RUnlock()
	return ctx
}

// doSyncNoLock refreshes from the published snapshot; the caller holds
// the table lock or accepts snapshot semantics.
func (c *Ctx) doSyncNoLock() {
	arr := c.tab.arr.Load()
	c.segCtx = arr.segments
	c.rowNumVec = append(c.rowNumVec[:0], arr.rowNumVec...)
	c.mergeSeq = arr.mergeSeq
	c.wrSegNum = arr.wrSegNum
	c.updateSeq = arr.updateSeq
	c.rowNumVec[len(c.rowNumVec)-1] = c.tab.rowNum.Load()
}

func (c *Ctx) inSync() bool {
	return c.mergeSeq == c.tab.mergeSeqNum.Load() &&
		c.wrSegNum == c.tab.newWrSegNum.Load() &&
		c.updateSeq == c.tab.segArrayUpdateSeq.Load()
}

// trySyncSpeculative compares counters without taking the table lock;
// when only the tail grew, the single entry refresh is enough.
func (c *Ctx) trySyncSpeculative() {
	if c.inSync() {
		c.rowNumVec[len(c.rowNumVec)-1] = c.tab.rowNum.Load()
		return
	}
	c.tab.mu.RLock()
	c.doSyncNoLock()
	c.tab.mu.RUnlock()
}

// trySyncNoLock is the in-lock variant.
func (c *Ctx) trySyncNoLock() {
	if c.inSync() {
		c.rowNumVec[len(c.rowNumVec)-1] = c.tab.rowNum.Load()
		return
	}
	c.doSyncNoLock()
}
