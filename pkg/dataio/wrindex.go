package dataio

import (
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/skyformat99/nark-db/pkg/schema"
)

const wrIndexDegree = 16

type wrItem struct {
	owner *WrIndex
	key   []byte
	subID int64
}

func (it wrItem) Less(than btree.Item) bool {
	o := than.(wrItem)
	if r := it.owner.schema.CompareData(it.key, o.key); r != 0 {
		return r < 0
	}
	return it.subID < o.subID
}

// WrIndex is the writable-segment index: a btree of (key, subID) pairs
// ordered by the index schema's comparator. Safe for concurrent use;
// writers to one segment run under the table's read lock and serialize
// only here.
type WrIndex struct {
	mu      sync.RWMutex
	schema  *schema.Schema
	unique  bool
	tree    *btree.BTree
	keySize int64
}

func NewWrIndex(s *schema.Schema) *WrIndex {
	return &WrIndex{
		schema: s,
		unique: s.IsUnique,
		tree:   btree.New(wrIndexDegree),
	}
}

func (w *WrIndex) IsUnique() bool         { return w.unique }
func (w *WrIndex) Schema() *schema.Schema { return w.schema }

func (w *WrIndex) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tree.Len()
}

func (w *WrIndex) StorageSize() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.keySize + int64(w.tree.Len())*8
}

func (w *WrIndex) hasKeyLocked(key []byte) bool {
	found := false
	pivot := wrItem{owner: w, key: key, subID: math.MinInt64}
	w.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		found = w.schema.CompareData(i.(wrItem).key, key) == 0
		return false
	})
	return found
}

// Insert adds (key, subID); a unique index refuses a second live key
// and reports false.
func (w *WrIndex) Insert(key []byte, subID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unique && w.hasKeyLocked(key) {
		return false
	}
	own := append([]byte(nil), key...)
	w.tree.ReplaceOrInsert(wrItem{owner: w, key: own, subID: subID})
	w.keySize += int64(len(own))
	return true
}

func (w *WrIndex) Remove(key []byte, subID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	gone := w.tree.Delete(wrItem{owner: w, key: key, subID: subID})
	if gone != nil {
		w.keySize -= int64(len(gone.(wrItem).key))
	}
	return gone != nil
}

func (w *WrIndex) Replace(key []byte, oldID, newID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gone := w.tree.Delete(wrItem{owner: w, key: key, subID: oldID}); gone == nil {
		return false
	} else {
		w.keySize -= int64(len(gone.(wrItem).key))
	}
	own := append([]byte(nil), key...)
	w.tree.ReplaceOrInsert(wrItem{owner: w, key: own, subID: newID})
	w.keySize += int64(len(own))
	return true
}

func (w *WrIndex) SearchExactAppend(key []byte, out *[]int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	pivot := wrItem{owner: w, key: key, subID: math.MinInt64}
	w.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		item := i.(wrItem)
		if w.schema.CompareData(item.key, key) != 0 {
			return false
		}
		*out = append(*out, item.subID)
		return true
	})
}

// WalkInOrder visits every (key, subID) pair in key order over a
// copy-on-write snapshot.
func (w *WrIndex) WalkInOrder(fn func(key []byte, subID int64) bool) {
	w.mu.RLock()
	snap := w.tree.Clone()
	w.mu.RUnlock()
	snap.Ascend(func(i btree.Item) bool {
		item := i.(wrItem)
		return fn(item.key, item.subID)
	})
}

// WrIndexIter pulls pairs off a snapshot of the tree. subIDs it yields
// are segment-local row ids.
type WrIndexIter struct {
	idx     *WrIndex
	tree    *btree.BTree
	forward bool
	cur     wrItem
	started bool
	eof     bool
}

func (w *WrIndex) CreateIter(forward bool) *WrIndexIter {
	w.mu.RLock()
	snap := w.tree.Clone()
	w.mu.RUnlock()
	return &WrIndexIter{idx: w, tree: snap, forward: forward}
}

func (it *WrIndexIter) Reset() {
	it.started = false
	it.eof = false
}

func (it *WrIndexIter) Next(subID *int64, key *[]byte) bool {
	if it.eof {
		return false
	}
	var next btree.Item
	if !it.started {
		if it.forward {
			next = it.tree.Min()
		} else {
			next = it.tree.Max()
		}
	} else if it.forward {
		pivot := wrItem{owner: it.idx, key: it.cur.key, subID: it.cur.subID + 1}
		it.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
			next = i
			return false
		})
	} else {
		pivot := wrItem{owner: it.idx, key: it.cur.key, subID: it.cur.subID - 1}
		it.tree.DescendLessOrEqual(pivot, func(i btree.Item) bool {
			next = i
			return false
		})
	}
	it.started = true
	if next == nil {
		it.eof = true
		return false
	}
	it.cur = next.(wrItem)
	*subID = it.cur.subID
	*key = append((*key)[:0], it.cur.key...)
	return true
}

// SeekLowerBound positions at the first pair >= key (forward) or the
// last pair <= key (backward) and yields it. Returns 0 on exact match,
// 1 on a strictly greater/lesser key, -1 when nothing qualifies.
func (it *WrIndexIter) SeekLowerBound(key []byte, subID *int64, retKey *[]byte) int {
	var next btree.Item
	if it.forward {
		pivot := wrItem{owner: it.idx, key: key, subID: math.MinInt64}
		it.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
			next = i
			return false
		})
	} else {
		pivot := wrItem{owner: it.idx, key: key, subID: math.MaxInt64}
		it.tree.DescendLessOrEqual(pivot, func(i btree.Item) bool {
			next = i
			return false
		})
	}
	it.started = true
	if next == nil {
		it.eof = true
		return -1
	}
	it.eof = false
	it.cur = next.(wrItem)
	*subID = it.cur.subID
	*retKey = append((*retKey)[:0], it.cur.key...)
	if it.idx.schema.CompareData(it.cur.key, key) == 0 {
		return 0
	}
	return 1
}
