package dataio

import (
	"bytes"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/skyformat99/nark-db/pkg/common"
	"github.com/skyformat99/nark-db/pkg/schema"
)

// IndexIter is the per-segment ordered-index cursor. The yielded
// subIDs are store-local (physical for read-only segments).
type IndexIter interface {
	Next(subID *int64, key *[]byte) bool
	SeekLowerBound(key []byte, subID *int64, retKey *[]byte) int
	Reset()
}

// RdIndex is the immutable index of a read-only segment. The key store
// is addressed by physical id and doubles as the colgroup store for the
// index's columns; order holds the physical ids sorted by key.
type RdIndex struct {
	schema *schema.Schema
	unique bool
	byID   Store
	order  []int64
}

// BuildRdIndex builds from key records in physical-id order.
func BuildRdIndex(s *schema.Schema, recs [][]byte) *RdIndex {
	var byID Store
	if fixlen := s.FixedRowLen(); fixlen > 0 && len(recs) > 0 {
		fs := NewFixedLenStore(fixlen)
		fs.ReserveRows(int64(len(recs)))
		for _, rec := range recs {
			if err := fs.Append(rec); err != nil {
				panic(err)
			}
		}
		byID = fs
	} else {
		byID = BuildVarLenStore(recs)
	}
	order := make([]int64, len(recs))
	for i := range order {
		order[i] = int64(i)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return s.CompareData(recs[order[i]], recs[order[j]]) < 0
	})
	if s.IsUnique {
		for i := 1; i < len(order); i++ {
			if s.CompareData(recs[order[i-1]], recs[order[i]]) == 0 {
				logrus.Warnf("unique index %s built with duplicate key %s",
					s.Name, s.ToJsonStr(recs[order[i]]))
				break
			}
		}
	}
	return &RdIndex{schema: s, unique: s.IsUnique, byID: byID, order: order}
}

func (r *RdIndex) Schema() *schema.Schema { return r.schema }
func (r *RdIndex) NumKeys() int64         { return int64(len(r.order)) }

// GetReadableStore exposes the key bytes by physical id for row
// reconstruction and merging.
func (r *RdIndex) GetReadableStore() Store { return r.byID }

func (r *RdIndex) StorageSize() int64 {
	return r.byID.DataStorageSize() + int64(len(r.order))*8
}

func (r *RdIndex) keyAt(i int, buf *[]byte) []byte {
	*buf = (*buf)[:0]
	if err := r.byID.GetValueAppend(r.order[i], buf); err != nil {
		panic(err)
	}
	return *buf
}

// lowerBound returns the first order position whose key >= key.
func (r *RdIndex) lowerBound(key []byte) int {
	var buf []byte
	return sort.Search(len(r.order), func(i int) bool {
		return r.schema.CompareData(r.keyAt(i, &buf), key) >= 0
	})
}

// SearchExactAppend appends the physical ids holding key, ascending.
func (r *RdIndex) SearchExactAppend(key []byte, out *[]int64) {
	var buf []byte
	for i := r.lowerBound(key); i < len(r.order); i++ {
		if r.schema.CompareData(r.keyAt(i, &buf), key) != 0 {
			break
		}
		*out = append(*out, r.order[i])
	}
}

type rdIndexIter struct {
	idx     *RdIndex
	forward bool
	pos     int
	started bool
}

func (r *RdIndex) CreateIter(forward bool) IndexIter {
	return &rdIndexIter{idx: r, forward: forward}
}

func (it *rdIndexIter) Reset() { it.started = false }

func (it *rdIndexIter) Next(subID *int64, key *[]byte) bool {
	n := len(it.idx.order)
	if !it.started {
		it.started = true
		if it.forward {
			it.pos = 0
		} else {
			it.pos = n - 1
		}
	} else if it.forward {
		it.pos++
	} else {
		it.pos--
	}
	if it.pos < 0 || it.pos >= n {
		return false
	}
	*subID = it.idx.order[it.pos]
	*key = (*key)[:0]
	if err := it.idx.byID.GetValueAppend(*subID, key); err != nil {
		return false
	}
	return true
}

func (it *rdIndexIter) SeekLowerBound(key []byte, subID *int64, retKey *[]byte) int {
	n := len(it.idx.order)
	lb := it.idx.lowerBound(key)
	it.started = true
	if it.forward {
		it.pos = lb
	} else {
		// last entry <= key
		it.pos = lb - 1
		var buf []byte
		if lb < n && it.idx.schema.CompareData(it.idx.keyAt(lb, &buf), key) == 0 {
			// exact run: descend from its last member
			hi := lb
			for hi+1 < n && it.idx.schema.CompareData(it.idx.keyAt(hi+1, &buf), key) == 0 {
				hi++
			}
			it.pos = hi
		}
	}
	if it.pos < 0 || it.pos >= n {
		return -1
	}
	*subID = it.idx.order[it.pos]
	*retKey = (*retKey)[:0]
	if err := it.idx.byID.GetValueAppend(*subID, retKey); err != nil {
		return -1
	}
	if it.idx.schema.CompareData(*retKey, key) == 0 {
		return 0
	}
	return 1
}

const (
	rdIndexKindFixed = 1
	rdIndexKindVar   = 2
)

func (r *RdIndex) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	var storeBytes []byte
	var err error
	switch s := r.byID.(type) {
	case *FixedLenStore:
		buf.WriteByte(rdIndexKindFixed)
		storeBytes, err = s.MarshalBinary()
	case *VarLenStore:
		buf.WriteByte(rdIndexKindVar)
		storeBytes, err = s.MarshalBinary()
	default:
		return nil, errors.Newf("narkdb: unexpected rd index store %T", r.byID)
	}
	if err != nil {
		return nil, err
	}
	if _, err = common.WriteBytes(storeBytes, &buf); err != nil {
		return nil, err
	}
	if _, err = common.WriteInt64s(r.order, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalRdIndex(s *schema.Schema, data []byte) (*RdIndex, error) {
	r := bytes.NewReader(data)
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	storeBytes, _, err := common.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	var byID Store
	switch kind {
	case rdIndexKindFixed:
		byID, err = UnmarshalFixedLenStore(storeBytes)
	case rdIndexKindVar:
		byID, err = UnmarshalVarLenStore(storeBytes)
	default:
		err = errors.Newf("narkdb: unknown rd index store kind %d", kind)
	}
	if err != nil {
		return nil, err
	}
	order, _, err := common.ReadInt64s(r)
	if err != nil {
		return nil, err
	}
	return &RdIndex{schema: s, unique: s.IsUnique, byID: byID, order: order}, nil
}

func (r *RdIndex) Save(path string) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

func LoadRdIndex(path string, s *schema.Schema) (*RdIndex, error) {
	data, err := ReadFileChecked(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalRdIndex(s, data)
}
