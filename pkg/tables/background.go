package tables

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	queue "github.com/yireyun/go-queue"

	"github.com/skyformat99/nark-db/pkg/segs"
)

// CompressionThreadsEnv caps the compression worker count.
const CompressionThreadsEnv = "TerarkDB_CompressionThreadsNum"

const bgQueueCap = 4096
const bgPollInterval = 100 * time.Millisecond

// BgOptions tunes the per-table background runtime.
type BgOptions struct {
	// CompressionThreads <= 0 means NumCPU, capped by the env var.
	CompressionThreads int
}

func (o BgOptions) workerCount() int {
	n := o.CompressionThreads
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if env := os.Getenv(CompressionThreadsEnv); env != "" {
		if n2, err := strconv.Atoi(env); err == nil && n2 > 0 && n2 < n {
			n = n2
		}
	}
	return n
}

type bgTaskKind int

const (
	taskStop bgTaskKind = iota
	taskFreezeFlush
	taskConvert
	taskPurgeDelete
)

type bgTask struct {
	kind   bgTaskKind
	segIdx int
}

// bgRuntime is the engine-scoped background pipeline: one flush
// consumer, one compression dispatcher feeding an ants pool, torn down
// with the table instead of living as process globals.
type bgRuntime struct {
	tab *Table

	flushQueue    *queue.EsQueue
	compressQueue *queue.EsQueue

	stopPutToFlushQueue atomic.Bool
	stopCompress        atomic.Bool
	flushStopped        atomic.Bool

	pool    *ants.Pool
	taskWg  sync.WaitGroup
	loopWg  sync.WaitGroup
	stopped atomic.Bool
}

func newBgRuntime(t *Table, opts BgOptions) *bgRuntime {
	pool, err := ants.NewPool(opts.workerCount())
	if err != nil {
		panic(err)
	}
	r := &bgRuntime{
		tab:           t,
		flushQueue:    queue.NewQueue(bgQueueCap),
		compressQueue: queue.NewQueue(bgQueueCap),
		pool:          pool,
	}
	r.loopWg.Add(2)
	go r.flushLoop()
	go r.compressLoop()
	return r
}

func (r *bgRuntime) enqueue(q *queue.EsQueue, task *bgTask) {
	for {
		if ok, _ := q.Put(task); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *bgRuntime) flushLoop() {
	defer r.loopWg.Done()
	for {
		v, ok, _ := r.flushQueue.Get()
		if !ok {
			time.Sleep(bgPollInterval)
			continue
		}
		task := v.(*bgTask)
		if task.kind == taskStop {
			break
		}
		r.tab.freezeFlushWritableSegment(task.segIdx)
		// conversion continues on the compression queue; the chain
		// counts as one background task
		r.enqueue(r.compressQueue, &bgTask{kind: taskConvert, segIdx: task.segIdx})
	}
	r.flushStopped.Store(true)
	logrus.Infof("flushing thread completed")
}

func (r *bgRuntime) compressLoop() {
	defer r.loopWg.Done()
	for !r.stopCompress.Load() {
		v, ok, _ := r.compressQueue.Get()
		if !ok {
			time.Sleep(bgPollInterval)
			continue
		}
		task := v.(*bgTask)
		r.taskWg.Add(1)
		if err := r.pool.Submit(func() {
			defer r.taskWg.Done()
			r.execute(task)
		}); err != nil {
			r.taskWg.Done()
			r.tab.bgTaskNum.Add(-1)
			logrus.Errorf("submit background task: %v", err)
		}
	}
	// drop leftovers; their counter slots drain so shutdown cannot hang
	for {
		_, ok, _ := r.compressQueue.Get()
		if !ok {
			break
		}
		r.tab.bgTaskNum.Add(-1)
	}
}

func (r *bgRuntime) execute(task *bgTask) {
	// task bodies own their bgTaskNum slot; this only keeps a worker
	// from taking the pool down
	defer func() {
		if p := recover(); p != nil {
			logrus.Errorf("background task panic: %v", p)
		}
	}()
	switch task.kind {
	case taskConvert:
		r.tab.convWritableSegmentToReadonly(task.segIdx)
	case taskPurgeDelete:
		r.tab.runPurgeDelete()
	}
}

// stop flushes the pipeline down: flush first (most urgent), then the
// compression side.
func (r *bgRuntime) stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	r.stopPutToFlushQueue.Store(true)
	r.enqueue(r.flushQueue, &bgTask{kind: taskStop})
	for !r.flushStopped.Load() {
		time.Sleep(time.Millisecond)
	}
	// let queued conversions drain before cutting the dispatcher
	for r.compressQueue.Quantity() > 0 {
		time.Sleep(bgPollInterval)
	}
	r.stopCompress.Store(true)
	r.loopWg.Wait()
	r.taskWg.Wait()
	r.pool.Release()
	logrus.Infof("compression workers completed")
}

func (t *Table) putToFlushQueue(segIdx int) {
	if t.bg == nil || t.bg.stopPutToFlushQueue.Load() {
		return
	}
	t.bgTaskNum.Add(1)
	t.bg.enqueue(t.bg.flushQueue, &bgTask{kind: taskFreezeFlush, segIdx: segIdx})
}

func (t *Table) putToCompressionQueue(segIdx int) {
	if t.bg == nil || t.bg.stopCompress.Load() {
		return
	}
	t.bgTaskNum.Add(1)
	t.bg.enqueue(t.bg.compressQueue, &bgTask{kind: taskConvert, segIdx: segIdx})
}

func (t *Table) freezeFlushWritableSegment(segIdx int) {
	t.mu.RLock()
	seg := t.segments[segIdx]
	t.mu.RUnlock()
	if seg.Wr == nil {
		return
	}
	logrus.Infof("freezeFlushWritableSegment: %s", seg.SegDir())
	if err := seg.Wr.FlushSegment(); err != nil {
		logrus.Errorf("freezeFlushWritableSegment %s: %v", seg.SegDir(), err)
		return
	}
	logrus.Infof("freezeFlushWritableSegment: %s done", seg.SegDir())
}

// convWritableSegmentToReadonly builds the encoded segment, swaps it in
// under the table write lock and deletes the writable files.
func (t *Table) convWritableSegmentToReadonly(segIdx int) {
	defer t.bgTaskNum.Add(-1)
	segDir := t.getSegPath("rd", segIdx)
	logrus.Infof("convWritableSegmentToReadonly: %s", segDir)
	t.mu.RLock()
	if segIdx >= len(t.segments) || t.segments[segIdx].Wr == nil {
		t.mu.RUnlock()
		return
	}
	wseg := t.segments[segIdx].Wr
	t.mu.RUnlock()

	newSeg := segs.NewReadonlySegment(t.sconf, segDir)
	if err := newSeg.ConvFromRows(wseg.RowsSnapshot(), wseg.SnapshotIsDel()); err != nil {
		logrus.Errorf("convWritableSegmentToReadonly %s: %v", segDir, err)
		return
	}
	if err := newSeg.Save(segDir); err != nil {
		logrus.Errorf("convWritableSegmentToReadonly save %s: %v", segDir, err)
		return
	}
	t.mu.Lock()
	if segIdx >= len(t.segments) || t.segments[segIdx].Wr != wseg {
		t.mu.Unlock()
		_ = os.RemoveAll(segDir)
		return
	}
	// pick up tombstones that landed while the encodings were built
	newSeg.ReplaceIsDel(wseg.SnapshotIsDel())
	t.segments[segIdx] = segs.RdRef(newSeg)
	t.segArrayUpdateSeq.Add(1)
	t.publishArrLocked()
	t.mu.Unlock()
	if err := newSeg.SaveIsDel(segDir); err != nil {
		logrus.Errorf("convWritableSegmentToReadonly isDel %s: %v", segDir, err)
	}
	wrPath := t.getSegPath("wr", segIdx)
	removeWritableSegDir(wrPath, wseg.SegDir())
	logrus.Infof("convWritableSegmentToReadonly: %s done", segDir)

	t.mu.RLock()
	busy := t.isMerging || t.bgTaskNum.Load() > 1
	t.mu.RUnlock()
	if busy {
		return
	}
	var mp mergeParam
	if mp.canMerge(t) {
		t.merge(&mp)
	}
}

// removeWritableSegDir deletes the converted segment's files; a symlink
// left by a past merge also takes its target with it.
func removeWritableSegDir(wrPath, realDir string) {
	if fi, err := os.Lstat(wrPath); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(wrPath); err != nil {
			logrus.Warnf("convWritableSegmentToReadonly: %v", err)
		}
	}
	if realDir != "" && realDir != wrPath {
		if err := os.RemoveAll(realDir); err != nil {
			logrus.Warnf("convWritableSegmentToReadonly: %v", err)
		}
	}
	if err := os.RemoveAll(wrPath); err != nil {
		logrus.Warnf("convWritableSegmentToReadonly: %v", err)
	}
}
