package tables

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/skyformat99/nark-db/pkg/dataio"
	"github.com/skyformat99/nark-db/pkg/segs"
)

// mergeSizeSlack: a segment larger than avg*7/4 breaks the contiguous
// run, so a big segment is not rewritten into a small neighborhood.
const mergeSizeSlackNum = 7
const mergeSizeSlackDen = 4

type segEntry struct {
	seg *segs.ReadonlySegment
	idx int
	// newIsPurged is nil when the segment keeps its existing purge
	// bitmap unchanged.
	newIsPurged  *segs.PurgeBits
	oldNumPurged int64
	newNumPurged int64
}

func (e *segEntry) needsRePurge() bool { return e.newNumPurged != e.oldNumPurged }

// effectivePurge is what maps logical onto the merged physical space.
func (e *segEntry) effectivePurge() *segs.PurgeBits {
	if e.newIsPurged != nil {
		return e.newIsPurged
	}
	return e.seg.IsPurgedBits()
}

type mergeParam struct {
	entries    []*segEntry
	tabSegNum  int
	newSegRows int64
}

// canMerge atomically claims the merge slot and selects the run of
// read-only segments to rewrite.
func (mp *mergeParam) canMerge(t *Table) bool {
	t.mu.Lock()
	if t.isMerging || t.purgeState != purgeNone {
		t.mu.Unlock()
		return false
	}
	mp.entries = mp.entries[:0]
	for i, s := range t.segments {
		if s.Rd == nil {
			break // writable segments only at the tail
		}
		mp.entries = append(mp.entries, &segEntry{seg: s.Rd, idx: i})
	}
	if len(mp.entries) <= 1 || len(mp.entries)+1 < len(t.segments) {
		t.mu.Unlock()
		return false
	}
	t.isMerging = true
	mp.tabSegNum = len(t.segments)
	t.mu.Unlock()

	var sumSegRows int64
	for _, e := range mp.entries {
		sumSegRows += e.seg.NumDataRows()
	}
	avgSegRows := sumSegRows / int64(len(mp.entries))
	rngBeg, rngLen := 0, 0
	for j := 0; j < len(mp.entries); {
		k := j
		for ; k < len(mp.entries); k++ {
			if mp.entries[k].seg.NumDataRows() > avgSegRows*mergeSizeSlackNum/mergeSizeSlackDen {
				break
			}
		}
		if k-j > rngLen {
			rngBeg, rngLen = j, k-j
		}
		j = k + 1
	}
	mp.entries = mp.entries[rngBeg : rngBeg+rngLen]
	if rngLen < t.sconf.MinMergeSegNum {
		t.mu.Lock()
		t.isMerging = false
		t.mu.Unlock()
		return false
	}
	mp.newSegRows = 0
	for _, e := range mp.entries {
		mp.newSegRows += e.seg.NumDataRows()
	}
	return true
}

func (mp *mergeParam) joinPathList() string {
	var sb strings.Builder
	for _, e := range mp.entries {
		sb.WriteString("\t")
		sb.WriteString(e.seg.SegDir())
		sb.WriteString("\n")
	}
	return sb.String()
}

// syncPurgeBits decides purge: past the global threshold every chosen
// segment purges; otherwise only segments individually past it.
// Booking starts here, before any segment data is read.
func (mp *mergeParam) syncPurgeBits(purgeThreshold float64) {
	var newSumDelcnt int64
	for _, e := range mp.entries {
		newSumDelcnt += e.seg.Delcnt()
	}
	if float64(newSumDelcnt) >= float64(mp.newSegRows)*purgeThreshold {
		for _, e := range mp.entries {
			e.seg.SetBookUpdates(true)
			e.newIsPurged = segs.PurgeBitsFromDel(e.seg.SnapshotIsDel())
			e.newNumPurged = e.newIsPurged.MaxRank1()
			if p := e.seg.IsPurgedBits(); p != nil {
				e.oldNumPurged = p.MaxRank1()
			}
		}
		return
	}
	for _, e := range mp.entries {
		seg := e.seg
		oldNumPurged := int64(0)
		if p := seg.IsPurgedBits(); p != nil {
			oldNumPurged = p.MaxRank1()
		}
		newMarkDelcnt := seg.Delcnt() - oldNumPurged
		oldRealRecords := seg.NumDataRows() - oldNumPurged
		newMarkDelRatio := float64(newMarkDelcnt) / (float64(oldRealRecords) + 0.1)
		seg.SetBookUpdates(true)
		if newMarkDelRatio > purgeThreshold {
			e.newIsPurged = segs.PurgeBitsFromDel(seg.SnapshotIsDel())
			e.newNumPurged = e.newIsPurged.MaxRank1()
		} else {
			e.newNumPurged = oldNumPurged
		}
		e.oldNumPurged = oldNumPurged
	}
}

func (mp *mergeParam) needsPurgeBits() bool {
	for _, e := range mp.entries {
		if e.effectivePurge() != nil {
			return true
		}
	}
	return false
}

// collectEntryRecords streams one entry's store in physical-id order,
// skipping records purged by either the old or the new bitmap.
func collectEntryRecords(e *segEntry, store dataio.Store, out *[][]byte) error {
	rows := e.seg.NumDataRows()
	oldPurge := e.seg.IsPurgedBits()
	newPurge := e.newIsPurged
	physID := int64(0)
	for logicID := int64(0); logicID < rows; logicID++ {
		if oldPurge != nil && oldPurge.Is1(logicID) {
			continue
		}
		if newPurge == nil || !newPurge.Is1(logicID) {
			var rec []byte
			if err := store.GetValueAppend(physID, &rec); err != nil {
				return err
			}
			*out = append(*out, rec)
		}
		physID++
	}
	return nil
}

// mergeIndex streams every source's keys into the output index builder.
func (mp *mergeParam) mergeIndex(t *Table, dseg *segs.ReadonlySegment, indexID int) error {
	is := t.sconf.GetIndexSchema(indexID)
	var keys [][]byte
	for _, e := range mp.entries {
		if err := collectEntryRecords(e, e.seg.Indices()[indexID].GetReadableStore(), &keys); err != nil {
			return err
		}
	}
	dseg.SetIndex(indexID, dataio.BuildRdIndex(is, keys))
	if is.EnableLinearScan {
		seq := dataio.NewSeqReadStore()
		for _, key := range keys {
			seq.Append(key)
		}
		dseg.SetSeqStore(indexID, seq)
	}
	return nil
}

// mergeFixedLenColgroup bulk-copies source bytes when an entry keeps
// its purge bitmap, and filters record by record when it repurges.
func (mp *mergeParam) mergeFixedLenColgroup(t *Table, dseg *segs.ReadonlySegment, cgID int) error {
	gs := t.sconf.GetColgroupSchema(cgID)
	fixlen := gs.FixedRowLen()
	dst := dataio.NewFixedLenStore(fixlen)
	dst.ReserveRows(mp.newSegRows)
	for _, e := range mp.entries {
		src, ok := e.seg.Colgroups()[cgID].(*dataio.FixedLenStore)
		if !ok {
			// fully purged source
			if _, empty := e.seg.Colgroups()[cgID].(dataio.EmptyStore); empty {
				continue
			}
			var recs [][]byte
			if err := collectEntryRecords(e, e.seg.Colgroups()[cgID], &recs); err != nil {
				return err
			}
			for _, rec := range recs {
				if err := dst.Append(rec); err != nil {
					return err
				}
			}
			continue
		}
		if !e.needsRePurge() {
			base := src.RecordsBasePtr()
			physicSubRows := e.seg.PhysicRows()
			for p := int64(0); p < physicSubRows; p++ {
				if err := dst.Append(base[int(p)*fixlen : int(p+1)*fixlen]); err != nil {
					return err
				}
			}
			continue
		}
		var recs [][]byte
		if err := collectEntryRecords(e, src, &recs); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := dst.Append(rec); err != nil {
				return err
			}
		}
	}
	dseg.SetColgroup(cgID, dst)
	return nil
}

// mergeDictZipColgroup rebuilds a dictionary-compressed group from the
// surviving records of every source.
func (mp *mergeParam) mergeDictZipColgroup(t *Table, dseg *segs.ReadonlySegment, cgID int) error {
	var recs [][]byte
	for _, e := range mp.entries {
		if err := collectEntryRecords(e, e.seg.Colgroups()[cgID], &recs); err != nil {
			return err
		}
	}
	store, err := dataio.BuildDictZipStore(recs)
	if err != nil {
		return err
	}
	dseg.SetColgroup(cgID, store)
	return nil
}

// mergeOtherColgroup keeps a multipart view when nothing repurges and
// rewrites the survivors otherwise.
func (mp *mergeParam) mergeOtherColgroup(t *Table, dseg *segs.ReadonlySegment, cgID int) error {
	rePurge := false
	for _, e := range mp.entries {
		if e.needsRePurge() {
			rePurge = true
			break
		}
	}
	if !rePurge {
		parts := make([]dataio.Store, 0, len(mp.entries))
		for _, e := range mp.entries {
			store := e.seg.Colgroups()[cgID]
			if store.NumDataRows() == 0 {
				continue
			}
			parts = append(parts, store)
		}
		if len(parts) == 0 {
			dseg.SetColgroup(cgID, dataio.EmptyStore{})
			return nil
		}
		dseg.SetColgroup(cgID, dataio.NewMultiPartStore(parts))
		return nil
	}
	var recs [][]byte
	for _, e := range mp.entries {
		if err := collectEntryRecords(e, e.seg.Colgroups()[cgID], &recs); err != nil {
			return err
		}
	}
	if len(recs) == 0 {
		dseg.SetColgroup(cgID, dataio.EmptyStore{})
		return nil
	}
	dseg.SetColgroup(cgID, dataio.BuildVarLenStore(recs))
	return nil
}

// merge physically rewrites the chosen run into one read-only segment,
// drains the update journals and swaps the array atomically.
func (t *Table) merge(mp *mergeParam) {
	destMergeSeq := t.mergeSeqNum.Load() + 1
	destMergeDir := mergePath(t.dir, destMergeSeq)
	abort := func(err error) {
		logrus.Errorf("merge segments failed: %v\n%s", err, mp.joinPathList())
		for _, e := range mp.entries {
			e.seg.SetBookUpdates(false)
		}
		_ = os.RemoveAll(destMergeDir)
		t.mu.Lock()
		t.isMerging = false
		t.mu.Unlock()
	}
	if _, err := os.Stat(destMergeDir); err == nil {
		abort(errors.Wrapf(ErrLogic, "dir %s should not exist", destMergeDir))
		return
	}
	destSegDir := segPath2(t.dir, destMergeSeq, "rd", mp.entries[0].idx)
	logrus.Infof("merge segments:\n%sTo\t%s ...", mp.joinPathList(), destSegDir)
	if err := os.MkdirAll(destSegDir, 0755); err != nil {
		abort(err)
		return
	}
	mergingLock := filepath.Join(destMergeDir, mergingLockFile)
	if err := os.WriteFile(mergingLock, nil, 0644); err != nil {
		abort(err)
		return
	}

	dseg := segs.NewReadonlySegment(t.sconf, destSegDir)
	mp.syncPurgeBits(t.sconf.PurgeDeleteThreshold)

	isDel := segs.NewDelBits()
	for _, e := range mp.entries {
		isDel.Append(e.seg.SnapshotIsDel())
	}
	dseg.SetIsDel(isDel)
	if mp.needsPurgeBits() {
		purge := segs.NewPurgeBits(0)
		for _, e := range mp.entries {
			purge.AppendPurge(e.effectivePurge(), e.seg.NumDataRows())
		}
		dseg.SetPurgeBits(purge)
	}

	var g errgroup.Group
	for i := 0; i < t.sconf.IndexNum(); i++ {
		indexID := i
		g.Go(func() error { return mp.mergeIndex(t, dseg, indexID) })
	}
	if err := g.Wait(); err != nil {
		abort(err)
		return
	}
	for i := t.sconf.IndexNum(); i < t.sconf.ColgroupNum(); i++ {
		gs := t.sconf.GetColgroupSchema(i)
		var err error
		switch {
		case gs.FixedRowLen() > 0:
			err = mp.mergeFixedLenColgroup(t, dseg, i)
		case gs.DictZipSampleRatio > 0:
			err = mp.mergeDictZipColgroup(t, dseg, i)
		default:
			err = mp.mergeOtherColgroup(t, dseg, i)
		}
		if err != nil {
			abort(err)
			return
		}
	}

	// drain once without the table lock to absorb the bulk cheaply
	baseLogicID := int64(0)
	for _, e := range mp.entries {
		t.drainJournalOne(dseg, e.seg, baseLogicID)
		baseLogicID += e.seg.NumDataRows()
	}
	if err := dseg.Save(destSegDir); err != nil {
		abort(err)
		return
	}

	// move the kept read-only segments into the new generation; their
	// array positions become the new directory indices
	type renamed struct {
		seg    segs.SegRef
		newDir string
	}
	t.mu.RLock()
	oldSegments := append([]segs.SegRef(nil), t.segments...)
	t.mu.RUnlock()
	if len(oldSegments) != mp.tabSegNum {
		abort(errors.Wrapf(ErrLogic, "segments changed during merge: %d != %d",
			len(oldSegments), mp.tabSegNum))
		return
	}
	var newSegs []segs.SegRef
	var newPaths []renamed
	newRowNumVec := []int64{0}
	rows := int64(0)
	addseg := func(s segs.SegRef) {
		rows += s.NumDataRows()
		newSegs = append(newSegs, s)
		newRowNumVec = append(newRowNumVec, rows)
	}
	shareReadonlySeg := func(oldIdx int) error {
		s := oldSegments[oldIdx]
		newDir := segPath2(t.dir, destMergeSeq, "rd", len(newSegs))
		logrus.Infof("rename(%s, %s)", s.SegDir(), newDir)
		if err := os.Rename(s.SegDir(), newDir); err != nil {
			return err
		}
		addseg(s)
		newPaths = append(newPaths, renamed{seg: s, newDir: newDir})
		return nil
	}
	for i := 0; i < mp.entries[0].idx; i++ {
		if err := shareReadonlySeg(i); err != nil {
			abort(err)
			return
		}
	}
	addseg(segs.RdRef(dseg))
	for i := mp.entries[len(mp.entries)-1].idx + 1; i < len(oldSegments)-1; i++ {
		if err := shareReadonlySeg(i); err != nil {
			abort(err)
			return
		}
	}
	tail := oldSegments[len(oldSegments)-1]
	if tail.IsWritable() {
		oldDir := tail.SegDir()
		newDir := segPath2(t.dir, destMergeSeq, "wr", len(newSegs))
		rela := filepath.Join("..", filepath.Base(filepath.Dir(oldDir)), filepath.Base(oldDir))
		if err := os.Symlink(rela, newDir); err != nil {
			abort(err)
			return
		}
		addseg(tail)
	} else if mp.entries[len(mp.entries)-1].idx+1 < len(oldSegments) {
		// writing already finished and the last read-only segment stayed
		// outside the merge
		if err := shareReadonlySeg(len(oldSegments) - 1); err != nil {
			abort(err)
			return
		}
	}

	t.mu.Lock()
	baseLogicID = 0
	for _, e := range mp.entries {
		t.drainJournalOne(dseg, e.seg, baseLogicID)
		baseLogicID += e.seg.NumDataRows()
	}
	for _, e := range mp.entries {
		e.seg.SetBookUpdates(false)
	}
	for _, rn := range newPaths {
		rn.seg.Base().SetSegDir(rn.newDir)
	}
	t.segments = newSegs
	t.rowNumVec = newRowNumVec
	t.rowNumVec[len(t.rowNumVec)-1] = rows
	t.mergeSeqNum.Store(destMergeSeq)
	t.segArrayUpdateSeq.Add(1)
	t.isMerging = false
	t.publishArrLocked()
	t.mu.Unlock()

	// persist what the locked drain touched, then release the lock file
	if err := dseg.SaveIsDel(destSegDir); err != nil {
		logrus.Errorf("merge: save isDel: %v", err)
	}
	if err := dseg.SaveUpdatableColgroups(destSegDir); err != nil {
		logrus.Errorf("merge: save updatable colgroups: %v", err)
	}
	if err := os.Remove(mergingLock); err != nil {
		logrus.Errorf("merge: remove %s: %v", mergingLock, err)
	}
	for _, e := range mp.entries {
		if err := e.seg.DeleteSegment(); err != nil {
			logrus.Errorf("merge: delete %s: %v", e.seg.SegDir(), err)
		}
	}
	// the superseded generation is reclaimed on the next open, after
	// the tail symlink has been reduced
	logrus.Infof("merge segments:\n%sTo\t%s done!", mp.joinPathList(), destSegDir)
}
