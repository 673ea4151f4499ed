package tables

// TableStoreIter walks every live row in logical-id order (or reverse).
// Deleted rows are skipped against the current tombstone set; the
// context re-syncs when the segment array reshapes under the cursor.
type TableStoreIter struct {
	tab     *Table
	ctx     *Ctx
	forward bool
	segIdx  int
	subID   int64
	started bool
	closed  bool
}

func (t *Table) CreateStoreIterForward() *TableStoreIter {
	return t.createStoreIter(true)
}

func (t *Table) CreateStoreIterBackward() *TableStoreIter {
	return t.createStoreIter(false)
}

func (t *Table) createStoreIter(forward bool) *TableStoreIter {
	t.tableScanningRefCount.Add(1)
	return &TableStoreIter{tab: t, ctx: t.NewCtx(), forward: forward}
}

func (it *TableStoreIter) Close() {
	if !it.closed {
		it.closed = true
		it.tab.tableScanningRefCount.Add(-1)
	}
}

func (it *TableStoreIter) Reset() { it.started = false }

// Next yields the next live row. id is the logical row id.
func (it *TableStoreIter) Next(id *int64, row *[]byte) bool {
	ctx := it.ctx
	for {
		if !it.started {
			it.started = true
			ctx.trySyncSpeculative()
			if it.forward {
				it.segIdx, it.subID = 0, 0
			} else {
				it.segIdx = len(ctx.segCtx) - 1
				it.subID = ctx.rowNumVec[it.segIdx+1] - ctx.rowNumVec[it.segIdx] - 1
			}
		} else if it.forward {
			it.subID++
		} else {
			it.subID--
		}
		for {
			if it.segIdx < 0 || it.segIdx >= len(ctx.segCtx) {
				return false
			}
			segRows := ctx.rowNumVec[it.segIdx+1] - ctx.rowNumVec[it.segIdx]
			if it.segIdx == len(ctx.segCtx)-1 {
				// the tail may have grown since the snapshot
				ctx.trySyncSpeculative()
				segRows = ctx.rowNumVec[it.segIdx+1] - ctx.rowNumVec[it.segIdx]
			}
			if it.subID >= 0 && it.subID < segRows {
				break
			}
			if it.forward {
				it.segIdx++
				it.subID = 0
			} else {
				it.segIdx--
				if it.segIdx >= 0 {
					it.subID = ctx.rowNumVec[it.segIdx+1] - ctx.rowNumVec[it.segIdx] - 1
				}
			}
		}
		seg := ctx.segCtx[it.segIdx]
		if seg.Base().IsDelMarked(it.subID) {
			continue
		}
		*row = (*row)[:0]
		if err := seg.GetValueAppend(it.subID, row); err != nil {
			continue
		}
		*id = ctx.rowNumVec[it.segIdx] + it.subID
		return true
	}
}
