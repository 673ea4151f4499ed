package dataio

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// EmptyStore is the zero-row sentinel installed for colgroups whose
// records were all purged away.
type EmptyStore struct{}

func (EmptyStore) NumDataRows() int64     { return 0 }
func (EmptyStore) DataStorageSize() int64 { return 0 }
func (EmptyStore) DataInflateSize() int64 { return 0 }
func (EmptyStore) GetValueAppend(subID int64, val *[]byte) error {
	return errors.Wrapf(ErrRecordRange, "empty store get %d", subID)
}

// MultiPartStore is a concatenation view over several stores; part
// boundaries become one continuous physical id space.
type MultiPartStore struct {
	parts    []Store
	baseRows []int64 // len(parts)+1 prefix sums
}

func NewMultiPartStore(parts []Store) *MultiPartStore {
	flat := make([]Store, 0, len(parts))
	for _, p := range parts {
		if mp, ok := p.(*MultiPartStore); ok {
			flat = append(flat, mp.parts...)
		} else {
			flat = append(flat, p)
		}
	}
	base := make([]int64, len(flat)+1)
	for i, p := range flat {
		base[i+1] = base[i] + p.NumDataRows()
	}
	return &MultiPartStore{parts: flat, baseRows: base}
}

func (s *MultiPartStore) NumParts() int       { return len(s.parts) }
func (s *MultiPartStore) GetPart(i int) Store { return s.parts[i] }
func (s *MultiPartStore) NumDataRows() int64  { return s.baseRows[len(s.parts)] }

func (s *MultiPartStore) DataStorageSize() int64 {
	var n int64
	for _, p := range s.parts {
		n += p.DataStorageSize()
	}
	return n
}

func (s *MultiPartStore) DataInflateSize() int64 {
	var n int64
	for _, p := range s.parts {
		n += p.DataInflateSize()
	}
	return n
}

func (s *MultiPartStore) GetValueAppend(subID int64, val *[]byte) error {
	if subID < 0 || subID >= s.NumDataRows() {
		return errors.Wrapf(ErrRecordRange, "multipart get %d of %d", subID, s.NumDataRows())
	}
	i := sort.Search(len(s.baseRows), func(i int) bool { return s.baseRows[i] > subID }) - 1
	return s.parts[i].GetValueAppend(subID-s.baseRows[i], val)
}

// Materialize flattens the view into a VarLenStore for saving.
func (s *MultiPartStore) Materialize() (*VarLenStore, error) {
	out := NewVarLenStore()
	var buf []byte
	for i := int64(0); i < s.NumDataRows(); i++ {
		buf = buf[:0]
		if err := s.GetValueAppend(i, &buf); err != nil {
			return nil, err
		}
		out.Append(buf)
	}
	return out, nil
}
