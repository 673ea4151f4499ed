package segs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/skyformat99/nark-db/pkg/dataio"
	"github.com/skyformat99/nark-db/pkg/schema"
)

const (
	isDelFile    = "isdel.bits"
	isPurgedFile = "ispurged.bits"
	recordsFile  = "records.lz4"

	// updateList promotes to updateBits past this length; the switch is
	// one-way and observed by the merge drainer.
	updateListPromoteLen = 1024
)

// Segment is the state shared by the writable and read-only variants:
// the tombstone set, freeze flag and the update journal.
type Segment struct {
	mu     sync.RWMutex
	segDir string
	sconf  *schema.SchemaConfig

	isDel  *DelBits
	delcnt int64

	isFreezed bool
	isDirty   bool

	bookUpdates bool
	updateList  []uint32
	updateBits  *roaring.Bitmap
}

func (s *Segment) initSegment(sconf *schema.SchemaConfig, segDir string) {
	s.sconf = sconf
	s.segDir = segDir
	s.isDel = NewDelBits()
}

func (s *Segment) SegDir() string               { return s.segDir }
func (s *Segment) SetSegDir(dir string)         { s.segDir = dir }
func (s *Segment) Schema() *schema.SchemaConfig { return s.sconf }

// WithLock runs fn inside the segment's short critical section. Never
// hold it across I/O.
func (s *Segment) WithLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *Segment) WithRLock(fn func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn()
}

// NumDataRows is the logical row count, deleted rows included.
func (s *Segment) NumDataRows() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isDel.Size()
}

func (s *Segment) NumDataRowsLocked() int64 { return s.isDel.Size() }

func (s *Segment) Delcnt() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delcnt
}

func (s *Segment) DelcntLocked() int64 { return s.delcnt }

func (s *Segment) IsDelMarked(subID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isDel.Is1(subID)
}

func (s *Segment) IsDelMarkedLocked(subID int64) bool { return s.isDel.Is1(subID) }

// MarkDelLocked sets the tombstone; reports false when already set.
func (s *Segment) MarkDelLocked(subID int64) bool {
	if s.isDel.Is1(subID) {
		return false
	}
	s.isDel.Set1(subID)
	s.delcnt++
	s.isDirty = true
	return true
}

func (s *Segment) IsFreezed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isFreezed
}

// Freeze is monotonic true-once.
func (s *Segment) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isFreezed = true
}

func (s *Segment) SetBookUpdates(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookUpdates = on
}

func (s *Segment) BookUpdates() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bookUpdates
}

// AddToUpdateListLocked records a mutation a running merge would
// otherwise lose.
func (s *Segment) AddToUpdateListLocked(subID int64) {
	if !s.bookUpdates {
		return
	}
	if s.updateBits != nil {
		s.updateBits.Add(uint32(subID))
		return
	}
	s.updateList = append(s.updateList, uint32(subID))
	if len(s.updateList) > updateListPromoteLen {
		s.updateBits = roaring.New()
		for _, id := range s.updateList {
			s.updateBits.Add(id)
		}
		s.updateList = nil
	}
}

// TakeUpdates swaps the journal out for the drainer.
func (s *Segment) TakeUpdates() (list []uint32, bits *roaring.Bitmap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, bits = s.updateList, s.updateBits
	s.updateList, s.updateBits = nil, nil
	return list, bits
}

func (s *Segment) SnapshotIsDel() *DelBits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isDel.Clone()
}

func (s *Segment) SaveIsDel(dir string) error {
	s.mu.RLock()
	data, err := s.isDel.MarshalBinary()
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return dataio.WriteFileAtomic(filepath.Join(dir, isDelFile), data)
}

func (s *Segment) loadIsDel(dir string) error {
	path := filepath.Join(dir, isDelFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.isDel = NewDelBits()
		s.delcnt = 0
		return nil
	}
	data, err := dataio.ReadFileChecked(path)
	if err != nil {
		return err
	}
	d, err := UnmarshalDelBits(data)
	if err != nil {
		return err
	}
	s.isDel = d
	s.delcnt = d.PopCnt()
	return nil
}
