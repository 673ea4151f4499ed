package tables

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/skyformat99/nark-db/pkg/schema"
	"github.com/skyformat99/nark-db/pkg/segs"
)

type purgeStatus int32

const (
	purgeNone purgeStatus = iota
	purgePending
	purgeInqueue
	purgePurging
)

// segArray is the atomically published segment-array snapshot that
// lock-free readers validate against the sequence counters. The last
// rowNumVec entry is a floor; readers refresh it from rowNum.
type segArray struct {
	segments  []segs.SegRef
	rowNumVec []int64
	mergeSeq  int64
	wrSegNum  uint64
	updateSeq uint64
}

// Table is the composite, segment-oriented table engine: a run of
// read-only segments with at most one writable segment at the tail.
type Table struct {
	mu    sync.RWMutex // tableRwMutex
	dir   string
	sconf *schema.SchemaConfig

	segments  []segs.SegRef // guarded by mu
	rowNumVec []int64       // guarded by mu; tail entry also mirrored in rowNum
	wrSeg     *segs.WritableSegment
	arr       atomic.Pointer[segArray]

	rowNum            atomic.Int64
	mergeSeqNum       atomic.Int64
	newWrSegNum       atomic.Uint64
	segArrayUpdateSeq atomic.Uint64

	isMerging              bool // guarded by mu
	purgeState             purgeStatus
	inprogressWritingCount atomic.Int64
	tableScanningRefCount  atomic.Int64
	bgTaskNum              atomic.Int64
	finishedWriting        bool

	bg       *bgRuntime
	tobeDrop atomic.Bool
}

// CreateTable initializes an empty table directory.
func CreateTable(dir string, sconf *schema.SchemaConfig, bgOpts BgOptions) (*Table, error) {
	t := &Table{dir: dir, sconf: sconf}
	if err := os.MkdirAll(mergePath(dir, 0), 0755); err != nil {
		return nil, err
	}
	wseg, err := segs.NewWritableSegment(sconf, segPath2(dir, 0, "wr", 0))
	if err != nil {
		return nil, err
	}
	t.wrSeg = wseg
	t.segments = []segs.SegRef{segs.WrRef(wseg)}
	t.rowNumVec = []int64{0, 0}
	t.publishArrLocked()
	t.bg = newBgRuntime(t, bgOpts)
	return t, nil
}

// OpenTable loads a table directory: discover the in-use merge
// generation, load its segments, enqueue frozen writable segments for
// conversion and make sure a writable tail exists.
func OpenTable(dir string, sconf *schema.SchemaConfig, bgOpts BgOptions) (*Table, error) {
	t := &Table{dir: dir, sconf: sconf}
	mergeSeq, err := discoverMergeDir(dir)
	if err != nil {
		return nil, err
	}
	t.mergeSeqNum.Store(mergeSeq)
	mergeDir := mergePath(dir, mergeSeq)
	names, err := workingSegDirList(mergeDir)
	if err != nil {
		return nil, err
	}
	var segments []segs.SegRef
	for _, name := range names {
		segDir := filepath.Join(mergeDir, name)
		var segIdx int
		if n, _ := fmt.Sscanf(name, "wr-%d", &segIdx); n == 1 {
			if err := tryReduceSymlink(segDir); err != nil {
				return nil, err
			}
			rdDir := segPath2(dir, mergeSeq, "rd", segIdx)
			if _, err := os.Stat(rdDir); err == nil {
				logrus.Infof("readonly segment %s exists for writable seg %s, removing it", rdDir, segDir)
				if err := os.RemoveAll(segDir); err != nil {
					return nil, err
				}
				continue
			}
			logrus.Infof("loading segment: %s", segDir)
			wseg, err := segs.OpenWritableSegment(sconf, segDir)
			if err != nil {
				return nil, err
			}
			segments = growSegs(segments, segIdx)
			segments[segIdx] = segs.WrRef(wseg)
			continue
		}
		if n, _ := fmt.Sscanf(name, "rd-%d", &segIdx); n == 1 {
			logrus.Infof("loading segment: %s", segDir)
			rseg := segs.NewReadonlySegment(sconf, segDir)
			if err := rseg.Load(segDir); err != nil {
				return nil, err
			}
			segments = growSegs(segments, segIdx)
			segments[segIdx] = segs.RdRef(rseg)
			continue
		}
	}
	for i, s := range segments {
		if s.Nil() {
			return nil, errors.Wrapf(ErrInvalidArg, "missing segment %d under %s", i, mergeDir)
		}
	}
	t.segments = segments
	if n := len(segments); n == 0 || !segments[n-1].IsWritable() {
		wseg, err := segs.NewWritableSegment(sconf, segPath2(dir, mergeSeq, "wr", n))
		if err != nil {
			return nil, err
		}
		t.wrSeg = wseg
		t.segments = append(t.segments, segs.WrRef(wseg))
	} else {
		t.wrSeg = segments[n-1].Wr
	}
	t.rowNumVec = make([]int64, len(t.segments)+1)
	var baseID int64
	for i, s := range t.segments {
		t.rowNumVec[i] = baseID
		baseID += s.NumDataRows()
	}
	t.rowNumVec[len(t.segments)] = baseID
	t.publishArrLocked()
	t.bg = newBgRuntime(t, bgOpts)
	// frozen writable segments restart their conversion
	for i := 0; i < len(t.segments)-1; i++ {
		if t.segments[i].IsWritable() {
			t.segments[i].Wr.Freeze()
			t.putToCompressionQueue(i)
		}
	}
	logrus.Infof("open table %s: loaded %d segs, %d rows", dir, len(t.segments), baseID)
	return t, nil
}

func growSegs(in []segs.SegRef, idx int) []segs.SegRef {
	for len(in) <= idx {
		in = append(in, segs.SegRef{})
	}
	return in
}

// publishArrLocked republishes the snapshot; call under the write lock
// after any array shape change.
func (t *Table) publishArrLocked() {
	rv := append([]int64(nil), t.rowNumVec...)
	sg := append([]segs.SegRef(nil), t.segments...)
	t.rowNum.Store(rv[len(rv)-1])
	t.arr.Store(&segArray{
		segments:  sg,
		rowNumVec: rv,
		mergeSeq:  t.mergeSeqNum.Load(),
		wrSegNum:  t.newWrSegNum.Load(),
		updateSeq: t.segArrayUpdateSeq.Load(),
	})
}

func (t *Table) Schema() *schema.SchemaConfig { return t.sconf }
func (t *Table) Dir() string                  { return t.dir }

// NumDataRows is the logical row count including tombstones.
func (t *Table) NumDataRows() int64 { return t.rowNum.Load() }

func (t *Table) DataStorageSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, s := range t.segments {
		n += s.DataStorageSize()
	}
	return n
}

func (t *Table) DataInflateSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, s := range t.segments {
		n += s.DataInflateSize()
	}
	return n
}

func (t *Table) TotalStorageSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, s := range t.segments {
		n += s.DataStorageSize()
		for i := 0; i < t.sconf.IndexNum(); i++ {
			n += s.IndexStorageSize(i)
		}
	}
	return n
}

func (t *Table) IndexStorageSize(indexID int) (int64, error) {
	if indexID < 0 || indexID >= t.sconf.IndexNum() {
		return 0, errors.Wrapf(ErrInvalidArg, "indexId=%d, indexNum=%d", indexID, t.sconf.IndexNum())
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, s := range t.segments {
		n += s.IndexStorageSize(indexID)
	}
	return n, nil
}

// upperBound returns the first i with vec[i] > id.
func upperBound(vec []int64, id int64) int {
	return sort.Search(len(vec), func(i int) bool { return vec[i] > id })
}

// Exists reports whether logical id addresses a live row.
func (t *Table) Exists(id int64) bool {
	if id < 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id >= t.rowNumVec[len(t.rowNumVec)-1] {
		return false
	}
	i := upperBound(t.rowNumVec, id) - 1
	return !t.segments[i].Base().IsDelMarked(id - t.rowNumVec[i])
}

// GetValue reads the row bytes for a logical id through the caller's
// context snapshot.
func (t *Table) GetValue(ctx *Ctx, id int64, val *[]byte) error {
	ctx.trySyncSpeculative()
	if id < 0 || id >= ctx.rowNumVec[len(ctx.rowNumVec)-1] {
		return errors.Wrapf(ErrInvalidArg, "id=%d out of rows=%d", id, ctx.rowNumVec[len(ctx.rowNumVec)-1])
	}
	i := upperBound(ctx.rowNumVec, id) - 1
	*val = (*val)[:0]
	return ctx.segCtx[i].GetValueAppend(id-ctx.rowNumVec[i], val)
}

func (t *Table) ToJsonStr(row []byte) string {
	return t.sconf.RowSchema.ToJsonStr(row)
}

// maybeCreateNewSegment freezes the tail when it crossed the size
// limit. Called without the table lock; revalidates under the write
// lock, per the upgrade discipline.
func (t *Table) maybeCreateNewSegment() {
	t.mu.RLock()
	trigger := t.wrSeg != nil && !t.isMerging &&
		t.inprogressWritingCount.Load() <= 1 &&
		t.wrSeg.DataStorageSize() >= t.sconf.MaxWritingSegmentSize
	t.mu.RUnlock()
	if !trigger {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeCreateNewSegmentInWriteLock()
}

func (t *Table) maybeCreateNewSegmentInWriteLock() {
	if t.isMerging || t.wrSeg == nil {
		return
	}
	if t.wrSeg.DataStorageSize() >= t.sconf.MaxWritingSegmentSize {
		t.doCreateNewSegmentInLock()
	}
}

func (t *Table) doCreateNewSegmentInLock() {
	if len(t.segments) >= t.sconf.MaxSegNum {
		panic(errors.Wrapf(ErrLogic, "reaching maxSegNum=%d", t.sconf.MaxSegNum))
	}
	oldwrseg := t.wrSeg
	oldwrseg.WithLock(func() {
		rows := oldwrseg.TrimTailDeletedLocked()
		t.rowNumVec[len(t.rowNumVec)-1] = t.rowNumVec[len(t.rowNumVec)-2] + rows
		t.rowNum.Store(t.rowNumVec[len(t.rowNumVec)-1])
	})
	// creating the new writable segment must be fast; everything slow is
	// deferred to the flush queue
	t.putToFlushQueue(len(t.segments) - 1)
	newSegIdx := len(t.segments)
	wseg, err := segs.NewWritableSegment(t.sconf, t.getSegPath("wr", newSegIdx))
	if err != nil {
		panic(errors.Wrapf(err, "narkdb: create writable segment %d", newSegIdx))
	}
	oldwrseg.Freeze()
	t.wrSeg = wseg
	t.segments = append(t.segments, segs.WrRef(wseg))
	t.rowNumVec = append(t.rowNumVec, t.rowNumVec[len(t.rowNumVec)-1])
	t.newWrSegNum.Add(1)
	t.segArrayUpdateSeq.Add(1)
	oldwrseg.WithLock(oldwrseg.ClearFreelistLocked)
	t.publishArrLocked()
}

// Flush persists every writable segment.
func (t *Table) Flush() error {
	t.mu.RLock()
	segsCopy := append([]segs.SegRef(nil), t.segments...)
	t.mu.RUnlock()
	for _, s := range segsCopy {
		if s.Wr != nil {
			if err := s.Wr.FlushSegment(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Table) waitForBackgroundTasks() {
	for retry := 0; ; retry++ {
		if t.bgTaskNum.Load() == 0 {
			return
		}
		if retry%100 == 0 {
			logrus.Infof("waitForBackgroundTasks: tasks = %d, retry = %d", t.bgTaskNum.Load(), retry)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// SyncFinishWriting stops the write path, freezes and converts the
// tail, and blocks until the background pipeline drains.
func (t *Table) SyncFinishWriting() {
	t.mu.Lock()
	t.finishedWriting = true
	t.wrSeg = nil
	t.mu.Unlock()
	t.waitForBackgroundTasks()
	t.mu.Lock()
	if n := len(t.segments); n > 0 {
		tail := t.segments[n-1]
		if tail.IsWritable() {
			if tail.NumDataRows() == 0 {
				if err := tail.DeleteSegment(); err != nil {
					logrus.Errorf("delete empty tail segment: %v", err)
				}
				t.segments = t.segments[:n-1]
				t.rowNumVec = t.rowNumVec[:n]
				t.segArrayUpdateSeq.Add(1)
				t.publishArrLocked()
			} else {
				tail.Wr.Freeze()
				t.putToFlushQueue(n - 1)
			}
		}
	}
	t.mu.Unlock()
	t.waitForBackgroundTasks()
}

// Close tears down the background runtime; pending tasks finish first.
func (t *Table) Close() {
	t.bg.stop()
	if t.tobeDrop.Load() {
		if err := os.RemoveAll(t.dir); err != nil {
			logrus.Errorf("drop table %s: %v", t.dir, err)
		}
		return
	}
	if err := t.Flush(); err != nil {
		logrus.Errorf("flush on close: %v", err)
	}
}

// DropTable marks every segment for deletion; the directory goes away
// on Close.
func (t *Table) DropTable() {
	t.mu.Lock()
	for _, s := range t.segments {
		if err := s.DeleteSegment(); err != nil {
			logrus.Errorf("drop segment %s: %v", s.SegDir(), err)
		}
	}
	t.segments = nil
	t.rowNumVec = []int64{0}
	t.wrSeg = nil
	t.finishedWriting = true
	t.mu.Unlock()
	t.tobeDrop.Store(true)
}

// Save snapshots a consistent segment set into another directory.
func (t *Table) Save(dir string) error {
	if dir == t.dir {
		logrus.Warnf("save self(%s), skipped", dir)
		return nil
	}
	t.mu.RLock()
	t.tableScanningRefCount.Add(1)
	segsCopy := append([]segs.SegRef(nil), t.segments...)
	t.mu.RUnlock()
	defer t.tableScanningRefCount.Add(-1)
	if err := os.MkdirAll(mergePath(dir, 0), 0755); err != nil {
		return err
	}
	for i, s := range segsCopy {
		if s.Wr != nil {
			dst := segPath2(dir, 0, "wr", i)
			if err := os.MkdirAll(dst, 0755); err != nil {
				return err
			}
			if err := s.Wr.SaveIndices(dst); err != nil {
				return err
			}
			if err := s.Wr.SaveRecordStore(dst); err != nil {
				return err
			}
			if err := s.Wr.SaveIsDel(dst); err != nil {
				return err
			}
		} else {
			if err := s.Rd.Save(segPath2(dir, 0, "rd", i)); err != nil {
				return err
			}
		}
	}
	return t.sconf.SaveJSONFile(filepath.Join(dir, "dbmeta.json"))
}

// checkRowNumVecNoLock validates the prefix-sum shape and the
// tombstone counters; tests lean on it after every reshape.
func (t *Table) checkRowNumVecNoLock() error {
	if len(t.rowNumVec) != len(t.segments)+1 {
		return errors.Wrapf(ErrLogic, "rowNumVec len %d != segments %d + 1",
			len(t.rowNumVec), len(t.segments))
	}
	for i, s := range t.segments {
		r1 := s.NumDataRows()
		r2 := t.rowNumVec[i+1] - t.rowNumVec[i]
		if r1 != r2 {
			return errors.Wrapf(ErrLogic, "seg %d rows %d != rowNumVec gap %d", i, r1, r2)
		}
		base := s.Base()
		var popcnt, delcnt int64
		base.WithRLock(func() {
			delcnt = base.DelcntLocked()
		})
		popcnt = base.SnapshotIsDel().PopCnt()
		if popcnt != delcnt {
			return errors.Wrapf(ErrLogic, "seg %d popcnt %d != delcnt %d", i, popcnt, delcnt)
		}
	}
	return nil
}

// CheckInvariants validates the segment-array invariants under the
// table lock.
func (t *Table) CheckInvariants() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checkRowNumVecNoLock()
}
