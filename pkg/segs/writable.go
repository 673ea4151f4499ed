package segs

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/skyformat99/nark-db/pkg/common"
	"github.com/skyformat99/nark-db/pkg/dataio"
	"github.com/skyformat99/nark-db/pkg/schema"
)

var ErrRowMissing = errors.New("narkdb: row data missing")

// WritableSegment keeps whole rows in memory plus one btree per index.
// Slot reservation and tombstones run under the short segment lock;
// record and index writes are guarded by the per-structure locks.
type WritableSegment struct {
	Segment
	rows           [][]byte
	deletedWrIdSet []uint32
	indices        []*dataio.WrIndex
	rowBytes       int64
}

func NewWritableSegment(sconf *schema.SchemaConfig, segDir string) (*WritableSegment, error) {
	if err := os.MkdirAll(segDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "narkdb: create segment dir %s", segDir)
	}
	w := &WritableSegment{}
	w.initSegment(sconf, segDir)
	w.indices = make([]*dataio.WrIndex, sconf.IndexNum())
	for i := range w.indices {
		w.indices[i] = dataio.NewWrIndex(sconf.GetIndexSchema(i))
	}
	return w, nil
}

func OpenWritableSegment(sconf *schema.SchemaConfig, segDir string) (*WritableSegment, error) {
	w := &WritableSegment{}
	w.initSegment(sconf, segDir)
	w.indices = make([]*dataio.WrIndex, sconf.IndexNum())
	for i := range w.indices {
		w.indices[i] = dataio.NewWrIndex(sconf.GetIndexSchema(i))
	}
	if err := w.loadIsDel(segDir); err != nil {
		return nil, err
	}
	rowsPath := filepath.Join(segDir, recordsFile)
	if _, err := os.Stat(rowsPath); err == nil {
		rows, err := dataio.LoadRows(rowsPath)
		if err != nil {
			return nil, err
		}
		w.rows = rows
		for _, row := range rows {
			w.rowBytes += int64(len(row))
		}
	}
	// the tombstone set is authoritative; rows may trail it when the
	// crash hit between reserve and flush
	for w.isDel.Size() > int64(len(w.rows)) {
		w.rows = append(w.rows, nil)
	}
	for int64(len(w.rows)) > w.isDel.Size() {
		w.isDel.Push(false)
	}
	if err := w.loadOrRebuildIndices(segDir); err != nil {
		return nil, err
	}
	return w, nil
}

// --- slot management, all under the segment lock ---

// ReserveSubIDLocked hands out a sub-id, invisible (tombstoned) until
// the write commits. Reports whether the id extends the segment.
func (w *WritableSegment) ReserveSubIDLocked() (subID int64, appended bool) {
	if n := len(w.deletedWrIdSet); n > 0 {
		subID = int64(w.deletedWrIdSet[n-1])
		w.deletedWrIdSet = w.deletedWrIdSet[:n-1]
		return subID, false
	}
	subID = w.isDel.Size()
	w.rows = append(w.rows, nil)
	w.isDel.Push(true)
	w.delcnt++
	return subID, true
}

// PopTailSlotLocked rewinds a just-appended reservation.
func (w *WritableSegment) PopTailSlotLocked() {
	w.rows = w.rows[:len(w.rows)-1]
	w.isDel.Pop()
	w.delcnt--
}

func (w *WritableSegment) PushFreelistLocked(subID int64) {
	w.deletedWrIdSet = append(w.deletedWrIdSet, uint32(subID))
}

func (w *WritableSegment) ClearFreelistLocked() {
	w.deletedWrIdSet = nil
}

// MarkLiveLocked clears the tombstone after the row's write committed.
func (w *WritableSegment) MarkLiveLocked(subID int64) {
	w.isDel.Set0(subID)
	w.delcnt--
	w.isDirty = true
}

// TrimTailDeletedLocked pops trailing tombstones so the id space stays
// tight when the segment freezes.
func (w *WritableSegment) TrimTailDeletedLocked() int64 {
	for w.isDel.Size() > 0 && w.isDel.Back() {
		w.isDel.Pop()
		w.delcnt--
		w.rows = w.rows[:len(w.rows)-1]
	}
	return w.isDel.Size()
}

// --- txn.Target ---

func (w *WritableSegment) TxnGetRow(subID int64, row *[]byte) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if subID < 0 || subID >= int64(len(w.rows)) || w.rows[subID] == nil {
		return errors.Wrapf(ErrRowMissing, "subId %d", subID)
	}
	*row = append((*row)[:0], w.rows[subID]...)
	return nil
}

func (w *WritableSegment) TxnUpsertRow(subID int64, row []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if subID < 0 || subID >= int64(len(w.rows)) {
		return errors.Wrapf(dataio.ErrRecordRange, "wrseg upsert %d of %d", subID, len(w.rows))
	}
	w.rowBytes += int64(len(row) - len(w.rows[subID]))
	w.rows[subID] = append([]byte(nil), row...)
	w.isDirty = true
	return nil
}

func (w *WritableSegment) TxnRemoveRow(subID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if subID < 0 || subID >= int64(len(w.rows)) {
		return errors.Wrapf(dataio.ErrRecordRange, "wrseg remove %d of %d", subID, len(w.rows))
	}
	w.rowBytes -= int64(len(w.rows[subID]))
	w.rows[subID] = nil
	w.isDirty = true
	return nil
}

func (w *WritableSegment) TxnIndexInsert(indexID int, key []byte, subID int64) bool {
	return w.indices[indexID].Insert(key, subID)
}

func (w *WritableSegment) TxnIndexRemove(indexID int, key []byte, subID int64) bool {
	return w.indices[indexID].Remove(key, subID)
}

// Update is the no-index-sync store write.
func (w *WritableSegment) Update(subID int64, row []byte) error {
	return w.TxnUpsertRow(subID, row)
}

// MutateRow patches row bytes in place under the segment lock; the
// in-place column update path uses it.
func (w *WritableSegment) MutateRow(subID int64, fn func(row []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if subID < 0 || subID >= int64(len(w.rows)) || w.rows[subID] == nil {
		return errors.Wrapf(ErrRowMissing, "subId %d", subID)
	}
	w.isDirty = true
	return fn(w.rows[subID])
}

// --- reads ---

func (w *WritableSegment) GetValueAppend(subID int64, val *[]byte) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if subID < 0 || subID >= int64(len(w.rows)) || w.rows[subID] == nil {
		return errors.Wrapf(ErrRowMissing, "subId %d", subID)
	}
	*val = append(*val, w.rows[subID]...)
	return nil
}

func (w *WritableSegment) IndexSearchExactAppend(indexID int, key []byte, out *[]int64) {
	w.indices[indexID].SearchExactAppend(key, out)
}

func (w *WritableSegment) GetWritableIndex(indexID int) *dataio.WrIndex {
	return w.indices[indexID]
}

func (w *WritableSegment) CreateIndexIter(indexID int, forward bool) dataio.IndexIter {
	return w.indices[indexID].CreateIter(forward)
}

func (w *WritableSegment) DataStorageSize() int64 {
	w.mu.RLock()
	n := w.rowBytes
	w.mu.RUnlock()
	for _, idx := range w.indices {
		n += idx.StorageSize()
	}
	return n
}

func (w *WritableSegment) DataInflateSize() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rowBytes
}

// RowsSnapshot copies the slot table (the row buffers are shared).
func (w *WritableSegment) RowsSnapshot() [][]byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([][]byte(nil), w.rows...)
}

// --- persistence ---

func (w *WritableSegment) SaveRecordStore(dir string) error {
	return dataio.SaveRows(filepath.Join(dir, recordsFile), w.RowsSnapshot())
}

func (w *WritableSegment) SaveIndices(dir string) error {
	for i, idx := range w.indices {
		name := w.sconf.GetIndexSchema(i).Name
		var body bytes.Buffer
		var cnt uint64
		var werr error
		idx.WalkInOrder(func(key []byte, subID int64) bool {
			if _, werr = common.WriteBytes(key, &body); werr != nil {
				return false
			}
			if werr = binary.Write(&body, binary.BigEndian, uint64(subID)); werr != nil {
				return false
			}
			cnt++
			return true
		})
		if werr != nil {
			return werr
		}
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.BigEndian, cnt); err != nil {
			return err
		}
		buf.Write(body.Bytes())
		path := filepath.Join(dir, "index-"+name+".wr")
		if err := dataio.WriteFileAtomic(path, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (w *WritableSegment) loadOrRebuildIndices(dir string) error {
	loaded := true
	for i := range w.indices {
		name := w.sconf.GetIndexSchema(i).Name
		path := filepath.Join(dir, "index-"+name+".wr")
		data, err := dataio.ReadFileChecked(path)
		if err != nil {
			loaded = false
			break
		}
		if err := w.loadIndexPairs(i, data); err != nil {
			return err
		}
	}
	if loaded {
		return nil
	}
	logrus.Infof("rebuilding indices for writable segment %s", dir)
	w.indices = make([]*dataio.WrIndex, w.sconf.IndexNum())
	for i := range w.indices {
		w.indices[i] = dataio.NewWrIndex(w.sconf.GetIndexSchema(i))
	}
	var cols [][]byte
	var key []byte
	for sub := int64(0); sub < int64(len(w.rows)); sub++ {
		if w.isDel.Is1(sub) || w.rows[sub] == nil {
			continue
		}
		cols = cols[:0]
		if err := w.sconf.RowSchema.ParseRecordAppend(w.rows[sub], &cols); err != nil {
			return err
		}
		for i := range w.indices {
			if err := w.sconf.GetIndexSchema(i).SelectParentAppend(cols, &key); err != nil {
				return err
			}
			w.indices[i].Insert(key, sub)
		}
	}
	return nil
}

func (w *WritableSegment) loadIndexPairs(indexID int, data []byte) error {
	r := bytes.NewReader(data)
	var cnt uint64
	if err := binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return err
	}
	for k := uint64(0); k < cnt; k++ {
		key, _, err := common.ReadBytes(r)
		if err != nil {
			return err
		}
		var subID uint64
		if err := binary.Read(r, binary.BigEndian, &subID); err != nil {
			return err
		}
		w.indices[indexID].Insert(key, int64(subID))
	}
	return nil
}

// FlushSegment persists indices, records and tombstones.
func (w *WritableSegment) FlushSegment() error {
	if err := w.SaveIndices(w.segDir); err != nil {
		return err
	}
	if err := w.SaveRecordStore(w.segDir); err != nil {
		return err
	}
	return w.SaveIsDel(w.segDir)
}

func (w *WritableSegment) DeleteSegment() error {
	return os.RemoveAll(w.segDir)
}
