package segs

import (
	"github.com/skyformat99/nark-db/pkg/dataio"
)

// SegRef is the tagged segment variant: exactly one of Wr/Rd is set.
// Read operations dispatch without an interface chain, and the write
// capability is queried explicitly.
type SegRef struct {
	Wr *WritableSegment
	Rd *ReadonlySegment
}

func WrRef(w *WritableSegment) SegRef { return SegRef{Wr: w} }
func RdRef(r *ReadonlySegment) SegRef { return SegRef{Rd: r} }

func (s SegRef) Nil() bool { return s.Wr == nil && s.Rd == nil }

func (s SegRef) Base() *Segment {
	if s.Wr != nil {
		return &s.Wr.Segment
	}
	return &s.Rd.Segment
}

// IsWritable reports the write capability, independent of the freeze
// flag: a frozen writable segment still answers through this variant.
func (s SegRef) IsWritable() bool { return s.Wr != nil }

func (s SegRef) NumDataRows() int64 { return s.Base().NumDataRows() }

func (s SegRef) GetValueAppend(subID int64, val *[]byte) error {
	if s.Wr != nil {
		return s.Wr.GetValueAppend(subID, val)
	}
	return s.Rd.GetValueAppend(subID, val)
}

func (s SegRef) IndexSearchExactAppend(indexID int, key []byte, out *[]int64) {
	if s.Wr != nil {
		s.Wr.IndexSearchExactAppend(indexID, key, out)
		return
	}
	s.Rd.IndexSearchExactAppend(indexID, key, out)
}

func (s SegRef) CreateIndexIter(indexID int, forward bool) dataio.IndexIter {
	if s.Wr != nil {
		return s.Wr.CreateIndexIter(indexID, forward)
	}
	return s.Rd.CreateIndexIter(indexID, forward)
}

// GetLogicID maps an index-yielded physical id to the logical id.
func (s SegRef) GetLogicID(physID int64) int64 {
	if s.Wr != nil {
		return physID
	}
	return s.Rd.GetLogicID(physID)
}

func (s SegRef) DataStorageSize() int64 {
	if s.Wr != nil {
		return s.Wr.DataStorageSize()
	}
	return s.Rd.DataStorageSize()
}

func (s SegRef) DataInflateSize() int64 {
	if s.Wr != nil {
		return s.Wr.DataInflateSize()
	}
	return s.Rd.DataInflateSize()
}

func (s SegRef) IndexStorageSize(indexID int) int64 {
	if s.Wr != nil {
		return s.Wr.GetWritableIndex(indexID).StorageSize()
	}
	return s.Rd.IndexStorageSize(indexID)
}

func (s SegRef) SegDir() string { return s.Base().SegDir() }

func (s SegRef) DeleteSegment() error {
	if s.Wr != nil {
		return s.Wr.DeleteSegment()
	}
	return s.Rd.DeleteSegment()
}
