package dataio

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/skyformat99/nark-db/pkg/common"
)

// SeqReadStore is the append-only sequential store behind linear-scan
// indices: records in arrival order, forward iteration only.
type SeqReadStore struct {
	rows int64
	blob []byte // uvarint length + bytes per record
}

func NewSeqReadStore() *SeqReadStore { return &SeqReadStore{} }

func (s *SeqReadStore) Append(rec []byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(rec)))
	s.blob = append(s.blob, tmp[:n]...)
	s.blob = append(s.blob, rec...)
	s.rows++
}

func (s *SeqReadStore) NumDataRows() int64     { return s.rows }
func (s *SeqReadStore) DataStorageSize() int64 { return int64(len(s.blob)) }
func (s *SeqReadStore) DataInflateSize() int64 { return int64(len(s.blob)) }

type seqIter struct {
	store *SeqReadStore
	off   int
	pos   int64
}

func (s *SeqReadStore) CreateIterForward() *seqIter {
	return &seqIter{store: s}
}

func (it *seqIter) Reset() { it.off = 0; it.pos = 0 }

func (it *seqIter) Next(subID *int64, val *[]byte) bool {
	if it.pos >= it.store.rows {
		return false
	}
	n, sz := binary.Uvarint(it.store.blob[it.off:])
	if sz <= 0 {
		return false
	}
	it.off += sz
	*val = append((*val)[:0], it.store.blob[it.off:it.off+int(n)]...)
	it.off += int(n)
	*subID = it.pos
	it.pos++
	return true
}

func (s *SeqReadStore) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := common.WriteInt64s([]int64{s.rows}, &buf); err != nil {
		return nil, err
	}
	if _, err := common.WriteBytes(s.blob, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalSeqReadStore(data []byte) (*SeqReadStore, error) {
	r := bytes.NewReader(data)
	rows, _, err := common.ReadInt64s(r)
	if err != nil || len(rows) != 1 {
		return nil, errors.New("narkdb: seq store bad header")
	}
	blob, _, err := common.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	return &SeqReadStore{rows: rows[0], blob: blob}, nil
}

func (s *SeqReadStore) Save(path string) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

func LoadSeqReadStore(path string) (*SeqReadStore, error) {
	data, err := ReadFileChecked(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalSeqReadStore(data)
}
