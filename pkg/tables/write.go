package tables

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/skyformat99/nark-db/pkg/segs"
	"github.com/skyformat99/nark-db/pkg/txn"
)

// InsertRow appends a row and returns its logical id. With SyncIndex
// the unique indices are checked across every frozen segment first;
// the writable segment's own check happens inside the transaction.
func (t *Table) InsertRow(ctx *Ctx, row []byte) (int64, error) {
	if ctx.SyncIndex {
		ctx.cols1 = ctx.cols1[:0]
		if err := t.sconf.RowSchema.ParseRecordAppend(row, &ctx.cols1); err != nil {
			return -1, errors.Wrapf(ErrInvalidArg, "parse row: %v", err)
		}
	}
	t.inprogressWritingCount.Add(1)
	defer t.inprogressWritingCount.Add(-1)
	t.maybeCreateNewSegment()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.insertRowImpl(ctx, row)
}

// insertRowImpl runs under the table read lock; ctx.cols1 holds the
// parsed row when SyncIndex is set.
func (t *Table) insertRowImpl(ctx *Ctx, row []byte) (int64, error) {
	ctx.trySyncNoLock()
	if !ctx.SyncIndex {
		return t.insertRowDoInsert(ctx, row)
	}
	for segIdx := 0; segIdx < len(ctx.segCtx)-1; segIdx++ {
		seg := ctx.segCtx[segIdx]
		for _, indexID := range t.sconf.UniqIndices {
			is := t.sconf.GetIndexSchema(indexID)
			if err := is.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
				return -1, err
			}
			ctx.exactMatch = ctx.exactMatch[:0]
			seg.IndexSearchExactAppend(indexID, ctx.key1, &ctx.exactMatch)
			for _, logicID := range ctx.exactMatch {
				if !seg.Base().IsDelMarked(logicID) {
					return -1, &DupKeyError{
						Index:   is.Name,
						Key:     is.ToJsonStr(ctx.key1),
						SegDir:  seg.SegDir(),
						LogicID: logicID,
					}
				}
			}
		}
	}
	return t.insertRowDoInsert(ctx, row)
}

// insertRowDoInsert reserves a sub-id, maintains indices inside a
// segment transaction and flips the tombstone on success.
func (t *Table) insertRowDoInsert(ctx *Ctx, row []byte) (int64, error) {
	ws := t.wrSeg
	if ws == nil {
		return -1, errors.Wrapf(ErrWritingFinished, "table %s", t.dir)
	}
	tg := txn.NewGuard(txn.NewDefault(ws))
	defer tg.Close()
	wrBaseID := ctx.rowNumVec[len(ctx.rowNumVec)-2]
	var subID int64
	var appended bool
	ws.WithLock(func() {
		subID, appended = ws.ReserveSubIDLocked()
		if appended {
			t.rowNum.Store(wrBaseID + subID + 1)
			t.rowNumVec[len(t.rowNumVec)-1] = wrBaseID + subID + 1
		}
	})
	if ctx.SyncIndex {
		if dupErr := t.insertSyncIndex(ctx, tg, subID); dupErr == nil {
			if err := tg.StoreUpsert(subID, row); err != nil {
				t.unreserveSubID(ctx, ws, wrBaseID, subID, appended)
				tg.Rollback()
				return -1, err
			}
			ws.WithLock(func() { ws.MarkLiveLocked(subID) })
		} else {
			t.unreserveSubID(ctx, ws, wrBaseID, subID, appended)
			tg.Rollback()
			return -1, dupErr
		}
	} else {
		if err := ws.Update(subID, row); err != nil {
			t.unreserveSubID(ctx, ws, wrBaseID, subID, appended)
			tg.Rollback()
			return -1, err
		}
		ws.WithLock(func() { ws.MarkLiveLocked(subID) })
	}
	if err := tg.Commit(); err != nil {
		return -1, &CommitError{Reason: tg.SzError(), SegDir: ws.SegDir(), BaseID: wrBaseID, SubID: subID}
	}
	ctx.rowNumVec[len(ctx.rowNumVec)-1] = t.rowNum.Load()
	return wrBaseID + subID, nil
}

func (t *Table) unreserveSubID(ctx *Ctx, ws *segs.WritableSegment, wrBaseID, subID int64, appended bool) {
	ws.WithLock(func() {
		if appended && wrBaseID+subID+1 == t.rowNum.Load() {
			ws.PopTailSlotLocked()
			t.rowNumVec[len(t.rowNumVec)-1] = t.rowNum.Add(-1)
		} else {
			ws.PushFreelistLocked(subID)
		}
	})
}

// insertSyncIndex inserts unique keys first; a conflict undoes the
// already inserted unique keys in reverse before reporting DupKey.
func (t *Table) insertSyncIndex(ctx *Ctx, tg *txn.Guard, subID int64) error {
	sconf := t.sconf
	uniq := sconf.UniqIndices
	for i := 0; i < len(uniq); i++ {
		indexID := uniq[i]
		is := sconf.GetIndexSchema(indexID)
		if err := is.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
			return err
		}
		if !tg.IndexInsert(indexID, ctx.key1, subID) {
			dup := &DupKeyError{
				Index:   is.Name,
				Key:     is.ToJsonStr(ctx.key1),
				SegDir:  t.wrSeg.SegDir(),
				LogicID: -1,
			}
			for j := i; j > 0; {
				j--
				prevID := uniq[j]
				prev := sconf.GetIndexSchema(prevID)
				if err := prev.SelectParentAppend(ctx.cols1, &ctx.key1); err == nil {
					tg.IndexRemove(prevID, ctx.key1, subID)
				}
			}
			return dup
		}
	}
	for _, indexID := range sconf.MultIndices {
		is := sconf.GetIndexSchema(indexID)
		if err := is.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
			return err
		}
		tg.IndexInsert(indexID, ctx.key1, subID)
	}
	return nil
}

// UpsertRow needs at most one unique index. A live match in a frozen
// segment tombstones the old row and inserts the new one; a match in
// the writable segment rewrites in place.
func (t *Table) UpsertRow(ctx *Ctx, row []byte) (int64, error) {
	sconf := t.sconf
	if len(sconf.UniqIndices) > 1 {
		return -1, errors.Wrapf(ErrInvalidArg,
			"table has %d unique indices, upsert requires at most one", len(sconf.UniqIndices))
	}
	ctx.IsUpsertOverwritten = 0
	if len(sconf.UniqIndices) == 0 {
		return t.InsertRow(ctx, row)
	}
	if !ctx.SyncIndex {
		return -1, errors.Wrapf(ErrInvalidArg, "SyncIndex must be set for upsert")
	}
	t.inprogressWritingCount.Add(1)
	defer t.inprogressWritingCount.Add(-1)
	uniqueIndexID := sconf.UniqIndices[0]
	is := sconf.GetIndexSchema(uniqueIndexID)
	ctx.cols1 = ctx.cols1[:0]
	if err := sconf.RowSchema.ParseRecordAppend(row, &ctx.cols1); err != nil {
		return -1, errors.Wrapf(ErrInvalidArg, "parse row: %v", err)
	}
	if err := is.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
		return -1, err
	}
	uniqueKey := append([]byte(nil), ctx.key1...)
	ctx.trySyncSpeculative()
	for segIdx := 0; segIdx < len(ctx.segCtx)-1; segIdx++ {
		seg := ctx.segCtx[segIdx]
		ctx.exactMatch = ctx.exactMatch[:0]
		seg.IndexSearchExactAppend(uniqueIndexID, uniqueKey, &ctx.exactMatch)
		if len(ctx.exactMatch) == 0 {
			continue
		}
		subID := ctx.exactMatch[0]
		baseID := ctx.rowNumVec[segIdx]
		t.mu.RLock()
		if ctx.updateSeq != t.segArrayUpdateSeq.Load() {
			ctx.doSyncNoLock()
			recID := baseID + subID
			upp := upperBound(ctx.rowNumVec, recID)
			segIdx = upp - 1
			seg = ctx.segCtx[segIdx]
			baseID = ctx.rowNumVec[segIdx]
			subID = recID - baseID
		} else {
			ctx.rowNumVec[len(ctx.rowNumVec)-1] = t.rowNum.Load()
		}
		if seg.Base().IsDelMarked(subID) {
			// a tombstoned match (removed earlier or concurrently);
			// keep searching the remaining frozen segments
			t.mu.RUnlock()
			continue
		}
		newRecID, err := t.insertRowDoInsert(ctx, row)
		if err != nil || newRecID < 0 {
			t.mu.RUnlock()
			return newRecID, err
		}
		base := seg.Base()
		base.WithLock(func() {
			if base.MarkDelLocked(subID) {
				base.AddToUpdateListLocked(subID)
			}
		})
		ctx.IsUpsertOverwritten = 2
		needPurge := t.checkPurgeDeleteNoLock(seg)
		t.mu.RUnlock()
		if needPurge {
			t.AsyncPurgeDelete()
		}
		t.maybeCreateNewSegment()
		return newRecID, nil
	}

	t.mu.RLock()
	ctx.trySyncNoLock()
	ws := t.wrSeg
	if ws == nil {
		t.mu.RUnlock()
		return -1, errors.Wrapf(ErrWritingFinished, "table %s", t.dir)
	}
	ctx.exactMatch = ctx.exactMatch[:0]
	ws.IndexSearchExactAppend(uniqueIndexID, uniqueKey, &ctx.exactMatch)
	if len(ctx.exactMatch) == 0 {
		recID, err := t.insertRowDoInsert(ctx, row)
		t.mu.RUnlock()
		t.maybeCreateNewSegment()
		return recID, err
	}
	subID := ctx.exactMatch[0]
	baseID := ctx.rowNumVec[len(ctx.rowNumVec)-2]
	tg := txn.NewGuard(txn.NewDefault(ws))
	defer tg.Close()
	if len(sconf.MultIndices) > 0 {
		ctx.row2 = ctx.row2[:0]
		if err := tg.StoreGetRow(subID, &ctx.row2); err != nil {
			tg.Rollback()
			t.mu.RUnlock()
			return -1, &ReadRecordError{Op: "upsertRow", SegDir: ws.SegDir(), BaseID: baseID, SubID: subID}
		}
		ctx.cols2 = ctx.cols2[:0]
		if err := sconf.RowSchema.ParseRecordAppend(ctx.row2, &ctx.cols2); err != nil {
			tg.Rollback()
			t.mu.RUnlock()
			return -1, err
		}
		if err := t.updateSyncMultIndex(ctx, tg, subID); err != nil {
			tg.Rollback()
			t.mu.RUnlock()
			return -1, err
		}
	}
	if err := tg.StoreUpsert(subID, row); err != nil {
		tg.Rollback()
		t.mu.RUnlock()
		return -1, err
	}
	if err := tg.Commit(); err != nil {
		t.mu.RUnlock()
		return -1, &CommitError{Reason: tg.SzError(), SegDir: ws.SegDir(), BaseID: baseID, SubID: subID}
	}
	ctx.IsUpsertOverwritten = 1
	t.mu.RUnlock()
	t.maybeCreateNewSegment()
	return baseID + subID, nil
}

// UpdateRow rewrites in place inside the writable segment; elsewhere it
// inserts the new row and tombstones the old one, so the returned id
// may differ from id.
func (t *Table) UpdateRow(ctx *Ctx, id int64, row []byte) (int64, error) {
	ctx.cols1 = ctx.cols1[:0]
	if err := t.sconf.RowSchema.ParseRecordAppend(row, &ctx.cols1); err != nil {
		return -1, errors.Wrapf(ErrInvalidArg, "parse row: %v", err)
	}
	t.inprogressWritingCount.Add(1)
	defer t.inprogressWritingCount.Add(-1)
	t.mu.Lock()
	ctx.doSyncNoLock()
	last := t.rowNumVec[len(t.rowNumVec)-1]
	if id < 0 || id >= last {
		t.mu.Unlock()
		return -1, errors.Wrapf(ErrInvalidArg, "id=%d is beyond rows=%d", id, last)
	}
	j := upperBound(t.rowNumVec, id) - 1
	baseID := t.rowNumVec[j]
	subID := id - baseID
	seg := t.segments[j]
	if ctx.SyncIndex {
		if seg.Base().IsDelMarked(subID) {
			t.mu.Unlock()
			return -1, errors.Wrapf(ErrInvalidArg,
				"id=%d has been deleted, segIdx=%d, baseId=%d, subId=%d", id, j, baseID, subID)
		}
		if dupErr := t.updateCheckSegDup(ctx, 0, len(t.segments)-1); dupErr != nil {
			t.mu.Unlock()
			return -1, dupErr
		}
	}
	if j == len(t.segments)-1 && seg.IsWritable() && t.wrSeg != nil {
		if ctx.SyncIndex {
			err := t.updateWithSyncIndex(ctx, subID, row)
			t.mu.Unlock()
			if err != nil {
				return -1, err
			}
			return id, nil
		}
		err := t.wrSeg.Update(subID, row)
		t.mu.Unlock()
		if err != nil {
			return -1, err
		}
		return id, nil
	}
	t.tryAsyncPurgeDeleteInLock(seg)
	t.mu.Unlock()
	t.mu.RLock()
	recID, err := t.insertRowImpl(ctx, row)
	if err == nil && recID >= 0 {
		base := seg.Base()
		base.WithLock(func() {
			if base.MarkDelLocked(subID) {
				base.AddToUpdateListLocked(subID)
			}
		})
	}
	t.mu.RUnlock()
	return recID, err
}

// updateCheckSegDup scans frozen segments for a live row carrying any
// of the new row's unique keys.
func (t *Table) updateCheckSegDup(ctx *Ctx, begSeg, numSeg int) error {
	if numSeg == 0 {
		return nil
	}
	endSeg := begSeg + numSeg
	sconf := t.sconf
	for _, indexID := range sconf.UniqIndices {
		is := sconf.GetIndexSchema(indexID)
		if err := is.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
			return err
		}
		for segIdx := begSeg; segIdx < endSeg; segIdx++ {
			seg := t.segments[segIdx]
			ctx.exactMatch = ctx.exactMatch[:0]
			seg.IndexSearchExactAppend(indexID, ctx.key1, &ctx.exactMatch)
			for _, logicID := range ctx.exactMatch {
				if !seg.Base().IsDelMarked(logicID) {
					return &DupKeyError{
						Index:   is.Name,
						Key:     is.ToJsonStr(ctx.key1),
						SegDir:  seg.SegDir(),
						LogicID: logicID,
					}
				}
			}
		}
	}
	return nil
}

func (t *Table) updateWithSyncIndex(ctx *Ctx, subID int64, row []byte) error {
	sconf := t.sconf
	ws := t.wrSeg
	tg := txn.NewGuard(txn.NewDefault(ws))
	defer tg.Close()
	ctx.row2 = ctx.row2[:0]
	if err := tg.StoreGetRow(subID, &ctx.row2); err != nil {
		tg.Rollback()
		baseID := t.rowNumVec[len(t.rowNumVec)-2]
		return &ReadRecordError{Op: "updateWithSyncIndex", SegDir: ws.SegDir(), BaseID: baseID, SubID: subID}
	}
	ctx.cols2 = ctx.cols2[:0]
	if err := sconf.RowSchema.ParseRecordAppend(ctx.row2, &ctx.cols2); err != nil {
		tg.Rollback()
		return err
	}
	uniq := sconf.UniqIndices
	for i := 0; i < len(uniq); i++ {
		indexID := uniq[i]
		is := sconf.GetIndexSchema(indexID)
		if err := is.SelectParentAppend(ctx.cols2, &ctx.key2); err != nil {
			tg.Rollback()
			return err
		}
		if err := is.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
			tg.Rollback()
			return err
		}
		if is.CompareData(ctx.key1, ctx.key2) == 0 {
			continue
		}
		if !tg.IndexInsert(indexID, ctx.key1, subID) {
			dup := &DupKeyError{
				Index: is.Name, Key: is.ToJsonStr(ctx.key1),
				SegDir: ws.SegDir(), LogicID: -1,
			}
			for j := i; j > 0; {
				j--
				prevID := uniq[j]
				prev := sconf.GetIndexSchema(prevID)
				if err := prev.SelectParentAppend(ctx.cols2, &ctx.key2); err != nil {
					continue
				}
				if err := prev.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
					continue
				}
				if prev.CompareData(ctx.key1, ctx.key2) != 0 {
					tg.IndexRemove(prevID, ctx.key1, subID)
				}
			}
			tg.Rollback()
			return dup
		}
	}
	for _, indexID := range uniq {
		is := sconf.GetIndexSchema(indexID)
		if err := is.SelectParentAppend(ctx.cols2, &ctx.key2); err != nil {
			tg.Rollback()
			return err
		}
		if err := is.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
			tg.Rollback()
			return err
		}
		if is.CompareData(ctx.key1, ctx.key2) != 0 {
			tg.IndexRemove(indexID, ctx.key2, subID)
		}
	}
	if err := t.updateSyncMultIndex(ctx, tg, subID); err != nil {
		tg.Rollback()
		return err
	}
	if err := tg.StoreUpsert(subID, row); err != nil {
		tg.Rollback()
		return err
	}
	if err := tg.Commit(); err != nil {
		baseID := t.rowNumVec[len(t.rowNumVec)-2]
		return &CommitError{Reason: tg.SzError(), SegDir: ws.SegDir(), BaseID: baseID, SubID: subID}
	}
	return nil
}

// updateSyncMultIndex diffs the old and new keys of every non-unique
// index; cols1 is the new row, cols2 the old one.
func (t *Table) updateSyncMultIndex(ctx *Ctx, tg *txn.Guard, subID int64) error {
	sconf := t.sconf
	for _, indexID := range sconf.MultIndices {
		is := sconf.GetIndexSchema(indexID)
		if err := is.SelectParentAppend(ctx.cols2, &ctx.key2); err != nil {
			return err
		}
		if err := is.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
			return err
		}
		if is.CompareData(ctx.key1, ctx.key2) != 0 {
			tg.IndexRemove(indexID, ctx.key2, subID)
			tg.IndexInsert(indexID, ctx.key1, subID)
		}
	}
	return nil
}

// RemoveRow tombstones the row. In the writable segment the index
// entries also go away (best effort); frozen segments rely on the
// tombstone alone.
func (t *Table) RemoveRow(ctx *Ctx, id int64) (bool, error) {
	t.inprogressWritingCount.Add(1)
	defer t.inprogressWritingCount.Add(-1)
	t.mu.RLock()
	last := t.rowNumVec[len(t.rowNumVec)-1]
	if id < 0 || id >= last {
		t.mu.RUnlock()
		return false, errors.Wrapf(ErrInvalidArg, "id=%d is beyond rows=%d", id, last)
	}
	j := upperBound(t.rowNumVec, id) - 1
	baseID := t.rowNumVec[j]
	subID := id - baseID
	seg := t.segments[j]
	if seg.IsWritable() && !seg.Base().IsFreezed() {
		ws := seg.Wr
		removed := false
		ws.WithLock(func() {
			if !ws.IsDelMarkedLocked(subID) {
				// the id was exposed to callers; it is never recycled,
				// only failed reservations feed the freelist
				ws.MarkDelLocked(subID)
				removed = true
			}
		})
		if !removed {
			t.mu.RUnlock()
			return false, nil
		}
		if ctx.SyncIndex {
			err := t.removeSyncIndex(ctx, ws, baseID, subID, id)
			t.mu.RUnlock()
			return true, err
		}
		t.mu.RUnlock()
		return true, nil
	}
	base := seg.Base()
	base.WithLock(func() {
		if !base.IsDelMarkedLocked(subID) {
			base.AddToUpdateListLocked(subID)
			base.MarkDelLocked(subID)
		}
	})
	needPurge := t.checkPurgeDeleteNoLock(seg)
	t.mu.RUnlock()
	if needPurge {
		t.AsyncPurgeDelete()
	}
	return true, nil
}

func (t *Table) removeSyncIndex(ctx *Ctx, ws *segs.WritableSegment, baseID, subID, id int64) error {
	tg := txn.NewGuard(txn.NewDefault(ws))
	defer tg.Close()
	ctx.row1 = ctx.row1[:0]
	if err := tg.StoreGetRow(subID, &ctx.row1); err != nil {
		logrus.Errorf("removeRow(id=%d): read row data failed: %v", id, err)
		tg.Rollback()
		return &ReadRecordError{Op: "removeRow: pre remove index", SegDir: ws.SegDir(), BaseID: baseID, SubID: subID}
	}
	ctx.cols1 = ctx.cols1[:0]
	if err := t.sconf.RowSchema.ParseRecordAppend(ctx.row1, &ctx.cols1); err != nil {
		tg.Rollback()
		return err
	}
	for i := 0; i < t.sconf.IndexNum(); i++ {
		is := t.sconf.GetIndexSchema(i)
		if err := is.SelectParentAppend(ctx.cols1, &ctx.key1); err != nil {
			tg.Rollback()
			return err
		}
		tg.IndexRemove(i, ctx.key1, subID)
	}
	tg.StoreRemove(subID)
	if err := tg.Commit(); err != nil {
		// the tombstone is already set; index removal is only an
		// optimization for future searches
		logrus.Warnf("removeRow: commit failed: recId=%d, baseId=%d, subId=%d, seg = %s",
			id, baseID, subID, ws.SegDir())
	}
	return nil
}

// IndexInsert is the low-level index maintenance entry point; only
// writable segments accept it.
func (t *Table) IndexInsert(indexID int, key []byte, id int64) (bool, error) {
	if indexID < 0 || indexID >= t.sconf.IndexNum() {
		return false, errors.Wrapf(ErrInvalidArg, "indexId=%d, indexNum=%d", indexID, t.sconf.IndexNum())
	}
	if id < 0 {
		return false, errors.Wrapf(ErrInvalidArg, "id=%d", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	upp := upperBound(t.rowNumVec, id)
	seg := t.segments[upp-1]
	if !seg.IsWritable() {
		logrus.Warnf("indexInsert on readonly %s, ignored", seg.SegDir())
		return true, nil
	}
	subID := id - t.rowNumVec[upp-1]
	return seg.Wr.GetWritableIndex(indexID).Insert(key, subID), nil
}

func (t *Table) IndexRemove(indexID int, key []byte, id int64) (bool, error) {
	if indexID < 0 || indexID >= t.sconf.IndexNum() {
		return false, errors.Wrapf(ErrInvalidArg, "indexId=%d, indexNum=%d", indexID, t.sconf.IndexNum())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	upp := upperBound(t.rowNumVec, id)
	seg := t.segments[upp-1]
	if !seg.IsWritable() {
		logrus.Warnf("indexRemove on readonly %s, ignored", seg.SegDir())
		return true, nil
	}
	subID := id - t.rowNumVec[upp-1]
	return seg.Wr.GetWritableIndex(indexID).Remove(key, subID), nil
}

// IndexReplace moves an index entry from oldID to newID; when the ids
// live in different segments the key is removed from the old segment's
// index and inserted into the new segment's index.
func (t *Table) IndexReplace(indexID int, key []byte, oldID, newID int64) (bool, error) {
	if indexID < 0 || indexID >= t.sconf.IndexNum() {
		return false, errors.Wrapf(ErrInvalidArg, "indexId=%d, indexNum=%d", indexID, t.sconf.IndexNum())
	}
	if oldID == newID {
		return true, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	oldUpp := upperBound(t.rowNumVec, oldID)
	newUpp := upperBound(t.rowNumVec, newID)
	oldSubID := oldID - t.rowNumVec[oldUpp-1]
	newSubID := newID - t.rowNumVec[newUpp-1]
	if oldUpp == newUpp {
		seg := t.segments[oldUpp-1]
		if !seg.IsWritable() {
			return true, nil
		}
		return seg.Wr.GetWritableIndex(indexID).Replace(key, oldSubID, newSubID), nil
	}
	oldSeg := t.segments[oldUpp-1]
	newSeg := t.segments[newUpp-1]
	ret := true
	if oldSeg.IsWritable() {
		ret = oldSeg.Wr.GetWritableIndex(indexID).Remove(key, oldSubID)
	}
	if newSeg.IsWritable() {
		ret = newSeg.Wr.GetWritableIndex(indexID).Insert(key, newSubID)
	}
	return ret, nil
}
