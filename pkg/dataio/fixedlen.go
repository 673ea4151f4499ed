package dataio

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/skyformat99/nark-db/pkg/common"
)

// FixedLenStore keeps fixlen-wide records in one flat byte array. It is
// the only store with an in-place write path: updatable colgroups
// mutate records through RecordsBasePtr.
type FixedLenStore struct {
	fixlen int
	data   []byte
	rows   int64
}

func NewFixedLenStore(fixlen int) *FixedLenStore {
	if fixlen <= 0 {
		panic("unexpected fixlen")
	}
	return &FixedLenStore{fixlen: fixlen}
}

func (s *FixedLenStore) FixedLen() int          { return s.fixlen }
func (s *FixedLenStore) NumDataRows() int64     { return s.rows }
func (s *FixedLenStore) DataStorageSize() int64 { return int64(len(s.data)) }
func (s *FixedLenStore) DataInflateSize() int64 { return int64(len(s.data)) }

func (s *FixedLenStore) ReserveRows(n int64) {
	need := int(n) * s.fixlen
	if cap(s.data) < need {
		grown := make([]byte, len(s.data), need)
		copy(grown, s.data)
		s.data = grown
	}
}

func (s *FixedLenStore) Append(rec []byte) error {
	if len(rec) != s.fixlen {
		return errors.Newf("narkdb: fixedlen append: have %d want %d", len(rec), s.fixlen)
	}
	s.data = append(s.data, rec...)
	s.rows++
	return nil
}

// AppendZero appends an all-zero record, used for never-written slots.
func (s *FixedLenStore) AppendZero() {
	s.data = append(s.data, make([]byte, s.fixlen)...)
	s.rows++
}

func (s *FixedLenStore) UpdateRecord(subID int64, rec []byte) error {
	if subID < 0 || subID >= s.rows {
		return errors.Wrapf(ErrRecordRange, "fixedlen update %d of %d", subID, s.rows)
	}
	if len(rec) != s.fixlen {
		return errors.Newf("narkdb: fixedlen update: have %d want %d", len(rec), s.fixlen)
	}
	copy(s.data[int(subID)*s.fixlen:], rec)
	return nil
}

// RecordsBasePtr exposes the mutable backing array; record subID lives
// at [subID*fixlen, (subID+1)*fixlen).
func (s *FixedLenStore) RecordsBasePtr() []byte { return s.data }

func (s *FixedLenStore) SetNumRows(n int64) {
	s.rows = n
	s.data = s.data[:int(n)*s.fixlen]
}

func (s *FixedLenStore) GetValueAppend(subID int64, val *[]byte) error {
	if subID < 0 || subID >= s.rows {
		return errors.Wrapf(ErrRecordRange, "fixedlen get %d of %d", subID, s.rows)
	}
	off := int(subID) * s.fixlen
	*val = append(*val, s.data[off:off+s.fixlen]...)
	return nil
}

func (s *FixedLenStore) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(s.fixlen)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(s.rows)); err != nil {
		return nil, err
	}
	if _, err := common.WriteBytes(s.data, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalFixedLenStore(data []byte) (*FixedLenStore, error) {
	r := bytes.NewReader(data)
	var fixlen uint32
	var rows uint64
	if err := binary.Read(r, binary.BigEndian, &fixlen); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &rows); err != nil {
		return nil, err
	}
	raw, _, err := common.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) != rows*uint64(fixlen) {
		return nil, errors.Newf("narkdb: fixedlen store size mismatch: %d != %d*%d",
			len(raw), rows, fixlen)
	}
	return &FixedLenStore{fixlen: int(fixlen), data: raw, rows: int64(rows)}, nil
}

func (s *FixedLenStore) Save(path string) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

func LoadFixedLenStore(path string) (*FixedLenStore, error) {
	data, err := ReadFileChecked(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalFixedLenStore(data)
}
