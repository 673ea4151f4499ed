package tables

import (
	"container/heap"

	"github.com/cockroachdb/errors"

	"github.com/skyformat99/nark-db/pkg/dataio"
	"github.com/skyformat99/nark-db/pkg/schema"
	"github.com/skyformat99/nark-db/pkg/segs"
)

type oneSeg struct {
	seg    segs.SegRef
	iter   dataio.IndexIter
	key    []byte
	subID  int64 // logical within the segment
	baseID int64
	eof    bool
}

// TableIndexIter is the ordered multi-segment index cursor: a k-way
// merge heap of per-segment index iterators keyed by (key, segIdx).
type TableIndexIter struct {
	tab     *Table
	indexID int
	schema  *schema.Schema
	forward bool

	segs      []oneSeg
	heapIdx   []int
	keyBuf    []byte
	heapBuilt bool

	oldMergeSeq      int64
	oldWrSegNum      uint64
	closed           bool
	IsUniqueInSchema bool
}

// CreateIndexIterForward opens an ordered cursor over indexID.
func (t *Table) CreateIndexIterForward(indexID int) (*TableIndexIter, error) {
	return t.createIndexIter(indexID, true)
}

func (t *Table) CreateIndexIterBackward(indexID int) (*TableIndexIter, error) {
	return t.createIndexIter(indexID, false)
}

// CreateIndexIterForwardByName resolves the index name first.
func (t *Table) CreateIndexIterForwardByName(name string) (*TableIndexIter, error) {
	indexID := t.sconf.GetIndexID(name)
	if indexID < 0 {
		return nil, errors.Wrapf(ErrInvalidArg, "index %s does not exist", name)
	}
	return t.createIndexIter(indexID, true)
}

func (t *Table) CreateIndexIterBackwardByName(name string) (*TableIndexIter, error) {
	indexID := t.sconf.GetIndexID(name)
	if indexID < 0 {
		return nil, errors.Wrapf(ErrInvalidArg, "index %s does not exist", name)
	}
	return t.createIndexIter(indexID, false)
}

func (t *Table) createIndexIter(indexID int, forward bool) (*TableIndexIter, error) {
	if indexID < 0 || indexID >= t.sconf.IndexNum() {
		return nil, errors.Wrapf(ErrInvalidArg, "indexId=%d, indexNum=%d", indexID, t.sconf.IndexNum())
	}
	is := t.sconf.GetIndexSchema(indexID)
	if !is.IsOrdered {
		return nil, errors.Wrapf(ErrInvalidArg, "index %s is not ordered", is.Name)
	}
	t.tableScanningRefCount.Add(1)
	return &TableIndexIter{
		tab:              t,
		indexID:          indexID,
		schema:           is,
		forward:          forward,
		oldMergeSeq:      -1,
		IsUniqueInSchema: is.IsUnique,
	}, nil
}

func (it *TableIndexIter) Close() {
	if !it.closed {
		it.closed = true
		it.tab.tableScanningRefCount.Add(-1)
	}
}

func (it *TableIndexIter) Reset() {
	it.heapIdx = it.heapIdx[:0]
	it.segs = it.segs[:0]
	it.keyBuf = it.keyBuf[:0]
	it.heapBuilt = false
	it.oldMergeSeq = -1
}

// syncSegPtr rebuilds the per-segment slots whose segment changed.
func (it *TableIndexIter) syncSegPtr() int {
	t := it.tab
	t.mu.RLock()
	defer t.mu.RUnlock()
	if it.oldMergeSeq == t.mergeSeqNum.Load() && it.oldWrSegNum == t.newWrSegNum.Load() {
		return 0
	}
	it.oldMergeSeq = t.mergeSeqNum.Load()
	it.oldWrSegNum = t.newWrSegNum.Load()
	changed := 0
	for len(it.segs) < len(t.segments) {
		it.segs = append(it.segs, oneSeg{})
	}
	it.segs = it.segs[:len(t.segments)]
	for i := range it.segs {
		cur := &it.segs[i]
		if cur.seg.Nil() || cur.seg.Base() != t.segments[i].Base() {
			cur.iter = nil
			cur.seg = t.segments[i]
			cur.key = cur.key[:0]
			cur.baseID = t.rowNumVec[i]
			cur.eof = false
			changed++
		}
	}
	return changed
}

// heap plumbing: min-heap forward, max-heap backward, ties by segment
// index for deterministic interleave.
type segHeap TableIndexIter

func (h *segHeap) Len() int { return len(h.heapIdx) }

func (h *segHeap) Less(a, b int) bool {
	it := (*TableIndexIter)(h)
	x, y := h.heapIdx[a], h.heapIdx[b]
	if it.forward {
		return it.lessThan(x, y)
	}
	return it.lessThan(y, x)
}

func (it *TableIndexIter) lessThan(x, y int) bool {
	if r := it.schema.CompareData(it.segs[x].key, it.segs[y].key); r != 0 {
		return r < 0
	}
	return x < y
}

func (h *segHeap) Swap(a, b int) {
	h.heapIdx[a], h.heapIdx[b] = h.heapIdx[b], h.heapIdx[a]
}

func (h *segHeap) Push(x interface{}) { h.heapIdx = append(h.heapIdx, x.(int)) }

func (h *segHeap) Pop() interface{} {
	old := h.heapIdx
	n := len(old)
	v := old[n-1]
	h.heapIdx = old[:n-1]
	return v
}

func (it *TableIndexIter) buildHeap() {
	if it.syncSegPtr() > 0 {
		for i := range it.segs {
			cur := &it.segs[i]
			if cur.iter == nil {
				cur.iter = cur.seg.CreateIndexIter(it.indexID, it.forward)
			} else {
				cur.iter.Reset()
			}
		}
	}
	it.heapIdx = it.heapIdx[:0]
	for i := range it.segs {
		cur := &it.segs[i]
		var physID int64
		if cur.iter.Next(&physID, &cur.key) {
			cur.subID = cur.seg.GetLogicID(physID)
			it.heapIdx = append(it.heapIdx, i)
		} else {
			cur.eof = true
		}
	}
	heap.Init((*segHeap)(it))
	it.heapBuilt = true
}

// popAdvance emits the top entry and refills from its iterator.
func (it *TableIndexIter) popAdvance() (segIdx int, subID int64) {
	h := (*segHeap)(it)
	segIdx = it.heapIdx[0]
	cur := &it.segs[segIdx]
	subID = cur.subID
	it.keyBuf = append(it.keyBuf[:0], cur.key...)
	var physID int64
	if cur.iter.Next(&physID, &cur.key) {
		cur.subID = cur.seg.GetLogicID(physID)
		heap.Fix(h, 0)
	} else {
		cur.eof = true
		heap.Pop(h)
	}
	return segIdx, subID
}

func (it *TableIndexIter) isDeleted(segIdx int, subID int64) bool {
	if segIdx == len(it.segs)-1 {
		it.tab.mu.RLock()
		defer it.tab.mu.RUnlock()
		return it.segs[segIdx].seg.Base().IsDelMarked(subID)
	}
	return it.segs[segIdx].seg.Base().IsDelMarked(subID)
}

// Next yields keys in non-decreasing (forward) order. id is the stable
// logical row id, key the index key bytes.
func (it *TableIndexIter) Next(id *int64, key *[]byte) bool {
	if !it.heapBuilt {
		it.buildHeap()
	}
	for len(it.heapIdx) > 0 {
		segIdx, subID := it.popAdvance()
		if it.isDeleted(segIdx, subID) {
			continue
		}
		*id = it.segs[segIdx].baseID + subID
		if key != nil {
			*key = append((*key)[:0], it.keyBuf...)
		}
		return true
	}
	return false
}

// SeekLowerBound positions at the first key >= the given key (forward;
// last <= for backward) and yields it. Returns 0 for an exact match, 1
// otherwise, -1 when the cursor is exhausted.
func (it *TableIndexIter) SeekLowerBound(key []byte, id *int64, retKey *[]byte) int {
	if len(key) == 0 {
		// an empty key restarts the cursor and yields its first entry:
		// the smallest key forward, the largest backward
		it.Reset()
		if it.Next(id, retKey) {
			if retKey != nil && len(*retKey) == 0 {
				return 0
			}
			return 1
		}
		return -1
	}
	if fixlen := it.schema.FixedRowLen(); fixlen != 0 && len(key) != fixlen {
		return -1
	}
	if it.syncSegPtr() > 0 {
		for i := range it.segs {
			cur := &it.segs[i]
			if cur.iter == nil {
				cur.iter = cur.seg.CreateIndexIter(it.indexID, it.forward)
			}
		}
	}
	it.heapIdx = it.heapIdx[:0]
	for i := range it.segs {
		cur := &it.segs[i]
		var physID int64
		if ret := cur.iter.SeekLowerBound(key, &physID, &cur.key); ret >= 0 {
			cur.subID = cur.seg.GetLogicID(physID)
			cur.eof = false
			it.heapIdx = append(it.heapIdx, i)
		} else {
			cur.eof = true
		}
	}
	heap.Init((*segHeap)(it))
	it.heapBuilt = true
	for len(it.heapIdx) > 0 {
		segIdx, subID := it.popAdvance()
		if it.isDeleted(segIdx, subID) {
			continue
		}
		*id = it.segs[segIdx].baseID + subID
		ret := 1
		if it.schema.CompareData(key, it.keyBuf) == 0 {
			ret = 0
		}
		if retKey != nil {
			*retKey = append((*retKey)[:0], it.keyBuf...)
		}
		return ret
	}
	return -1
}
