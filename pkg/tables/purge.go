package tables

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/skyformat99/nark-db/pkg/segs"
)

// checkPurgeDeleteNoLock reports whether a segment's tombstones crossed
// the purge threshold. Caller holds the table lock.
func (t *Table) checkPurgeDeleteNoLock(seg segs.SegRef) bool {
	if t.bg == nil || t.bg.stopPutToFlushQueue.Load() {
		return false
	}
	base := seg.Base()
	maxDelcnt := float64(base.NumDataRows()) * t.sconf.PurgeDeleteThreshold
	return float64(base.Delcnt()) >= maxDelcnt
}

func (t *Table) tryAsyncPurgeDeleteInLock(seg segs.SegRef) bool {
	if t.checkPurgeDeleteNoLock(seg) {
		t.asyncPurgeDeleteInLock()
		return true
	}
	return false
}

// AsyncPurgeDelete schedules a purge pass.
func (t *Table) AsyncPurgeDelete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.asyncPurgeDeleteInLock()
}

func (t *Table) asyncPurgeDeleteInLock() {
	switch {
	case t.purgeState == purgePurging:
		// a pass is already running
	case t.isMerging:
		t.purgeState = purgePending
	case t.purgeState == purgePending || t.purgeState == purgeNone:
		t.inLockPutPurgeDeleteTaskToQueue()
	}
}

func (t *Table) inLockPutPurgeDeleteTaskToQueue() {
	if t.bg == nil || t.bg.stopPutToFlushQueue.Load() {
		return
	}
	t.bgTaskNum.Add(1)
	t.purgeState = purgeInqueue
	t.bg.enqueue(t.bg.compressQueue, &bgTask{kind: taskPurgeDelete})
}

// runPurgeDelete rewrites, one at a time, every read-only segment whose
// new deletions crossed the threshold: a degenerate merge of one
// segment.
func (t *Table) runPurgeDelete() {
	defer func() {
		t.mu.Lock()
		t.purgeState = purgeNone
		t.mu.Unlock()
		t.bgTaskNum.Add(-1)
	}()
	t.mu.Lock()
	t.purgeState = purgePurging
	t.mu.Unlock()
	for {
		threshold := t.sconf.PurgeDeleteThreshold
		if threshold < 0.001 {
			threshold = 0.001
		}
		segIdx := -1
		var src *segs.ReadonlySegment
		t.mu.RLock()
		for i, s := range t.segments {
			if s.Rd == nil {
				continue
			}
			r := s.Rd
			oldPurged := int64(0)
			if p := r.IsPurgedBits(); p != nil {
				oldPurged = p.MaxRank1()
			}
			newDelcnt := r.Delcnt() - oldPurged
			physicNum := r.PhysicRows()
			if float64(newDelcnt) > float64(physicNum)*threshold {
				segIdx = i
				src = r
				break
			}
		}
		t.mu.RUnlock()
		if segIdx < 0 {
			return
		}
		if err := t.purgeSegment(segIdx, src); err != nil {
			logrus.Errorf("purgeDeletedRecords %s: %v", src.SegDir(), err)
			return
		}
	}
}

// purgeSegment rebuilds one read-only segment in place, dropping its
// tombstoned records, then swaps it into the array. Concurrent
// mutations are preserved through the update journal.
func (t *Table) purgeSegment(segIdx int, src *segs.ReadonlySegment) error {
	logrus.Infof("purgeDeletedRecords: %s", src.SegDir())
	src.SetBookUpdates(true)
	newPurge := segs.PurgeBitsFromDel(src.SnapshotIsDel())
	canon := src.SegDir()
	tmpDir := canon + ".tmp"
	dst, err := segs.RebuildReadonly(t.sconf, src, newPurge, tmpDir)
	if err != nil {
		src.SetBookUpdates(false)
		return err
	}
	if err := dst.Save(tmpDir); err != nil {
		src.SetBookUpdates(false)
		return err
	}
	// drain cheap, then again while holding the writers out
	t.drainJournalOne(dst, src, 0)
	t.mu.Lock()
	if segIdx >= len(t.segments) || t.segments[segIdx].Rd != src {
		t.mu.Unlock()
		src.SetBookUpdates(false)
		return os.RemoveAll(tmpDir)
	}
	t.drainJournalOne(dst, src, 0)
	src.SetBookUpdates(false)
	dst.SetSegDir(canon)
	t.segments[segIdx] = segs.RdRef(dst)
	t.segArrayUpdateSeq.Add(1)
	t.publishArrLocked()
	t.mu.Unlock()

	backup := canon + ".backup-0"
	if err := os.Rename(canon, backup); err != nil {
		return err
	}
	if err := os.Rename(tmpDir, canon); err != nil {
		return err
	}
	if err := dst.SaveIsDel(canon); err != nil {
		return err
	}
	if err := dst.SaveUpdatableColgroups(canon); err != nil {
		return err
	}
	if err := os.RemoveAll(backup); err != nil {
		return err
	}
	logrus.Infof("purgeDeletedRecords: %s done", canon)
	return nil
}

// drainJournalOne replays src's journaled mutations onto dst; base is
// dst's logical offset for src (0 for an in-place rebuild).
func (t *Table) drainJournalOne(dst *segs.ReadonlySegment, src *segs.ReadonlySegment, base int64) {
	list, bits := src.TakeUpdates()
	apply := func(subID int64) {
		if src.IsDelMarked(subID) {
			dst.WithLock(func() { dst.MarkDelLocked(base + subID) })
			return
		}
		if err := dst.SyncUpdateRecordNoLock(base+subID, src, subID); err != nil {
			logrus.Errorf("syncUpdateRecord %s sub %d: %v", src.SegDir(), subID, err)
		}
	}
	for _, subID := range list {
		apply(int64(subID))
	}
	if bits != nil {
		it := bits.Iterator()
		for it.HasNext() {
			apply(int64(it.Next()))
		}
	}
}
