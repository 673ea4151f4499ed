package segs

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
)

// DelBits is a sized tombstone bitmap: roaring membership plus an
// explicit logical size, since a segment's row count is independent of
// how many rows are marked.
type DelBits struct {
	bm   *roaring.Bitmap
	size int64
}

func NewDelBits() *DelBits {
	return &DelBits{bm: roaring.New()}
}

func (d *DelBits) Size() int64   { return d.size }
func (d *DelBits) PopCnt() int64 { return int64(d.bm.GetCardinality()) }
func (d *DelBits) Is1(i int64) bool {
	return d.bm.Contains(uint32(i))
}
func (d *DelBits) Is0(i int64) bool { return !d.Is1(i) }

func (d *DelBits) Set1(i int64) { d.bm.Add(uint32(i)) }
func (d *DelBits) Set0(i int64) { d.bm.Remove(uint32(i)) }

// Push grows the bitmap by one trailing bit.
func (d *DelBits) Push(set bool) {
	if set {
		d.bm.Add(uint32(d.size))
	}
	d.size++
}

// Pop shrinks by one trailing bit and reports whether it was set.
func (d *DelBits) Pop() bool {
	d.size--
	set := d.bm.Contains(uint32(d.size))
	if set {
		d.bm.Remove(uint32(d.size))
	}
	return set
}

func (d *DelBits) Back() bool {
	if d.size == 0 {
		return false
	}
	return d.bm.Contains(uint32(d.size - 1))
}

// Append concatenates other after the current bits.
func (d *DelBits) Append(other *DelBits) {
	it := other.bm.Iterator()
	for it.HasNext() {
		d.bm.Add(uint32(d.size) + it.Next())
	}
	d.size += other.size
}

func (d *DelBits) Clone() *DelBits {
	return &DelBits{bm: d.bm.Clone(), size: d.size}
}

func (d *DelBits) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint64(d.size)); err != nil {
		return nil, err
	}
	if _, err := d.bm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalDelBits(data []byte) (*DelBits, error) {
	r := bytes.NewReader(data)
	var size uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	bm := roaring.New()
	if _, err := bm.ReadFrom(r); err != nil {
		return nil, errors.Wrap(err, "narkdb: isDel bitmap")
	}
	return &DelBits{bm: bm, size: int64(size)}, nil
}

// PurgeBits is the rank-select bitmap of a purged read-only segment:
// bit set means the logical row was physically dropped. rank0 maps
// logical to physical, select0 maps physical back to logical.
type PurgeBits struct {
	bm   *roaring.Bitmap
	size int64
	ones int64
}

func NewPurgeBits(size int64) *PurgeBits {
	return &PurgeBits{bm: roaring.New(), size: size}
}

// PurgeBitsFromDel snapshots a tombstone set as the new purge bitmap.
func PurgeBitsFromDel(d *DelBits) *PurgeBits {
	bm := d.bm.Clone()
	return &PurgeBits{bm: bm, size: d.size, ones: int64(bm.GetCardinality())}
}

func (p *PurgeBits) Size() int64     { return p.size }
func (p *PurgeBits) MaxRank1() int64 { return p.ones }
func (p *PurgeBits) MaxRank0() int64 { return p.size - p.ones }

func (p *PurgeBits) Is1(i int64) bool { return p.bm.Contains(uint32(i)) }

// Rank1 counts set bits in [0, i).
func (p *PurgeBits) Rank1(i int64) int64 {
	if i <= 0 {
		return 0
	}
	return int64(p.bm.Rank(uint32(i - 1)))
}

// Rank0 counts clear bits in [0, i).
func (p *PurgeBits) Rank0(i int64) int64 { return i - p.Rank1(i) }

// Select0 returns the position of the (k+1)-th clear bit.
func (p *PurgeBits) Select0(k int64) int64 {
	i := sort.Search(int(p.size), func(i int) bool {
		return p.Rank0(int64(i)+1) >= k+1
	})
	return int64(i)
}

// AppendPurge concatenates other (nil stands for an all-zero filler of
// rows bits).
func (p *PurgeBits) AppendPurge(other *PurgeBits, rows int64) {
	if other == nil {
		p.size += rows
		return
	}
	it := other.bm.Iterator()
	for it.HasNext() {
		p.bm.Add(uint32(p.size) + it.Next())
	}
	p.size += other.size
	p.ones += other.ones
}

func (p *PurgeBits) Clone() *PurgeBits {
	return &PurgeBits{bm: p.bm.Clone(), size: p.size, ones: p.ones}
}

func (p *PurgeBits) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint64(p.size)); err != nil {
		return nil, err
	}
	if _, err := p.bm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalPurgeBits(data []byte) (*PurgeBits, error) {
	r := bytes.NewReader(data)
	var size uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	bm := roaring.New()
	if _, err := bm.ReadFrom(r); err != nil {
		return nil, errors.Wrap(err, "narkdb: isPurged bitmap")
	}
	return &PurgeBits{bm: bm, size: int64(size), ones: int64(bm.GetCardinality())}, nil
}
