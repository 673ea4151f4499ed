package schema

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

type ColumnType uint8

const (
	Uint08 ColumnType = iota
	Sint08
	Uint16
	Sint16
	Uint32
	Sint32
	Uint64
	Sint64
	Float32
	Float64
	Fixed
	Binary
	String
)

var colTypeNames = map[ColumnType]string{
	Uint08: "uint08", Sint08: "sint08",
	Uint16: "uint16", Sint16: "sint16",
	Uint32: "uint32", Sint32: "sint32",
	Uint64: "uint64", Sint64: "sint64",
	Float32: "float32", Float64: "float64",
	Fixed: "fixed", Binary: "binary", String: "string",
}

func (t ColumnType) String() string { return colTypeNames[t] }

func ColumnTypeFromName(name string) (ColumnType, error) {
	for t, n := range colTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, errors.Newf("narkdb: unknown column type %q", name)
}

type ColumnMeta struct {
	Name     string
	Type     ColumnType
	FixedLen int
}

// Width returns the fixed byte width, 0 for var-length columns.
func (m ColumnMeta) Width() int {
	switch m.Type {
	case Uint08, Sint08:
		return 1
	case Uint16, Sint16:
		return 2
	case Uint32, Sint32, Float32:
		return 4
	case Uint64, Sint64, Float64:
		return 8
	case Fixed:
		return m.FixedLen
	default:
		return 0
	}
}

func (m ColumnMeta) IsFixed() bool { return m.Width() > 0 }

// Schema describes one record layout: the row schema, an index key
// schema or a colgroup schema are all projections sharing this type.
type Schema struct {
	Name               string
	Columns            []ColumnMeta
	ColIDs             []int
	IsOrdered          bool
	IsUnique           bool
	EnableLinearScan   bool
	DictZipSampleRatio float64

	fixedLen int
}

func NewSchema(name string, cols []ColumnMeta, colIDs []int) *Schema {
	s := &Schema{Name: name, Columns: cols, ColIDs: colIDs}
	s.fixedLen = 0
	for _, m := range cols {
		w := m.Width()
		if w == 0 {
			s.fixedLen = 0
			return s
		}
		s.fixedLen += w
	}
	return s
}

func (s *Schema) ColumnNum() int { return len(s.Columns) }

// FixedRowLen is 0 when the schema contains any var-length column.
func (s *Schema) FixedRowLen() int { return s.fixedLen }

func (s *Schema) GetColumnMeta(i int) ColumnMeta { return s.Columns[i] }

// ParseRecordAppend splits rec into per-column slices referencing rec.
// Fixed columns are raw; var columns carry a uvarint length prefix, the
// final column takes the remainder of the record.
func (s *Schema) ParseRecordAppend(rec []byte, cols *[][]byte) error {
	off := 0
	last := len(s.Columns) - 1
	for i, m := range s.Columns {
		if w := m.Width(); w > 0 {
			if off+w > len(rec) {
				return errors.Newf("narkdb: record too short for column %q: have %d need %d",
					m.Name, len(rec)-off, w)
			}
			*cols = append(*cols, rec[off:off+w])
			off += w
			continue
		}
		if i == last {
			*cols = append(*cols, rec[off:])
			off = len(rec)
			continue
		}
		n, sz := binary.Uvarint(rec[off:])
		if sz <= 0 {
			return errors.Newf("narkdb: bad varlen prefix for column %q", m.Name)
		}
		off += sz
		if off+int(n) > len(rec) {
			return errors.Newf("narkdb: record too short for column %q: have %d need %d",
				m.Name, len(rec)-off, n)
		}
		*cols = append(*cols, rec[off:off+int(n)])
		off += int(n)
	}
	if off != len(rec) {
		return errors.Newf("narkdb: %d trailing bytes after last column of %q", len(rec)-off, s.Name)
	}
	return nil
}

func (s *Schema) ParseRecord(rec []byte) ([][]byte, error) {
	cols := make([][]byte, 0, len(s.Columns))
	if err := s.ParseRecordAppend(rec, &cols); err != nil {
		return nil, err
	}
	return cols, nil
}

// BuildRecordAppend is the inverse of ParseRecordAppend.
func (s *Schema) BuildRecordAppend(cols [][]byte, buf *[]byte) error {
	if len(cols) != len(s.Columns) {
		return errors.Newf("narkdb: column count mismatch for %q: have %d want %d",
			s.Name, len(cols), len(s.Columns))
	}
	last := len(s.Columns) - 1
	for i, m := range s.Columns {
		if w := m.Width(); w > 0 {
			if len(cols[i]) != w {
				return errors.Newf("narkdb: column %q width mismatch: have %d want %d",
					m.Name, len(cols[i]), w)
			}
			*buf = append(*buf, cols[i]...)
			continue
		}
		if i != last {
			var tmp [binary.MaxVarintLen64]byte
			n := binary.PutUvarint(tmp[:], uint64(len(cols[i])))
			*buf = append(*buf, tmp[:n]...)
		}
		*buf = append(*buf, cols[i]...)
	}
	return nil
}

func (s *Schema) BuildRecord(cols [][]byte) ([]byte, error) {
	var buf []byte
	if err := s.BuildRecordAppend(cols, &buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SelectParentAppend extracts this projection's key bytes out of the
// parent row's parsed columns.
func (s *Schema) SelectParentAppend(parentCols [][]byte, key *[]byte) error {
	*key = (*key)[:0]
	last := len(s.ColIDs) - 1
	for i, colID := range s.ColIDs {
		if colID >= len(parentCols) {
			return errors.Newf("narkdb: projection %q references column %d of %d",
				s.Name, colID, len(parentCols))
		}
		data := parentCols[colID]
		if s.Columns[i].Width() == 0 && i != last {
			var tmp [binary.MaxVarintLen64]byte
			n := binary.PutUvarint(tmp[:], uint64(len(data)))
			*key = append(*key, tmp[:n]...)
		}
		*key = append(*key, data...)
	}
	return nil
}

// LocateColumn returns the byte range of column sub inside rec.
func (s *Schema) LocateColumn(rec []byte, sub int) (off, n int, err error) {
	cols, err := s.ParseRecord(rec)
	if err != nil {
		return 0, 0, err
	}
	if sub >= len(cols) {
		return 0, 0, errors.Newf("narkdb: column %d out of range in %q", sub, s.Name)
	}
	off = 0
	last := len(s.Columns) - 1
	for i := 0; i < sub; i++ {
		w := s.Columns[i].Width()
		if w > 0 {
			off += w
			continue
		}
		if i != last {
			var tmp [binary.MaxVarintLen64]byte
			off += binary.PutUvarint(tmp[:], uint64(len(cols[i])))
		}
		off += len(cols[i])
	}
	if s.Columns[sub].Width() == 0 && sub != last {
		var tmp [binary.MaxVarintLen64]byte
		off += binary.PutUvarint(tmp[:], uint64(len(cols[sub])))
	}
	return off, len(cols[sub]), nil
}

// CompareData orders two records of this schema column by column.
func (s *Schema) CompareData(a, b []byte) int {
	acols, err1 := s.ParseRecord(a)
	bcols, err2 := s.ParseRecord(b)
	if err1 != nil || err2 != nil {
		return bytes.Compare(a, b)
	}
	for i, m := range s.Columns {
		if r := compareColumn(m, acols[i], bcols[i]); r != 0 {
			return r
		}
	}
	return 0
}

func compareColumn(m ColumnMeta, a, b []byte) int {
	switch m.Type {
	case Uint08, Uint16, Uint32, Uint64:
		return cmpU64(decodeUint(a), decodeUint(b))
	case Sint08:
		return cmpI64(int64(int8(a[0])), int64(int8(b[0])))
	case Sint16:
		return cmpI64(int64(int16(binary.LittleEndian.Uint16(a))), int64(int16(binary.LittleEndian.Uint16(b))))
	case Sint32:
		return cmpI64(int64(int32(binary.LittleEndian.Uint32(a))), int64(int32(binary.LittleEndian.Uint32(b))))
	case Sint64:
		return cmpI64(int64(binary.LittleEndian.Uint64(a)), int64(binary.LittleEndian.Uint64(b)))
	case Float32:
		return cmpF64(float64(math.Float32frombits(binary.LittleEndian.Uint32(a))),
			float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
	case Float64:
		return cmpF64(math.Float64frombits(binary.LittleEndian.Uint64(a)),
			math.Float64frombits(binary.LittleEndian.Uint64(b)))
	default:
		return bytes.Compare(a, b)
	}
}

func decodeUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func cmpU64(a, b uint64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func cmpI64(a, b int64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func cmpF64(a, b float64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}
