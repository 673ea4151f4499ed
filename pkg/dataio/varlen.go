package dataio

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/skyformat99/nark-db/pkg/common"
)

// VarLenStore keeps var-length records as an offset table over one
// blob. The blob is zstd-compressed on disk, inflated in memory.
type VarLenStore struct {
	offsets []int64 // rows+1 entries
	blob    []byte
	storage int64 // on-disk size once saved/loaded
}

func NewVarLenStore() *VarLenStore {
	return &VarLenStore{offsets: []int64{0}}
}

func BuildVarLenStore(recs [][]byte) *VarLenStore {
	s := NewVarLenStore()
	for _, rec := range recs {
		s.Append(rec)
	}
	return s
}

func (s *VarLenStore) Append(rec []byte) {
	s.blob = append(s.blob, rec...)
	s.offsets = append(s.offsets, int64(len(s.blob)))
}

func (s *VarLenStore) NumDataRows() int64     { return int64(len(s.offsets) - 1) }
func (s *VarLenStore) DataInflateSize() int64 { return int64(len(s.blob)) }

func (s *VarLenStore) DataStorageSize() int64 {
	if s.storage > 0 {
		return s.storage
	}
	return int64(len(s.blob))
}

func (s *VarLenStore) GetValueAppend(subID int64, val *[]byte) error {
	if subID < 0 || subID >= s.NumDataRows() {
		return errors.Wrapf(ErrRecordRange, "varlen get %d of %d", subID, s.NumDataRows())
	}
	*val = append(*val, s.blob[s.offsets[subID]:s.offsets[subID+1]]...)
	return nil
}

func (s *VarLenStore) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := common.WriteInt64s(s.offsets, &buf); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	packed := enc.EncodeAll(s.blob, nil)
	enc.Close()
	if _, err := common.WriteBytes(packed, &buf); err != nil {
		return nil, err
	}
	s.storage = int64(buf.Len())
	return buf.Bytes(), nil
}

func UnmarshalVarLenStore(data []byte) (*VarLenStore, error) {
	r := bytes.NewReader(data)
	offsets, _, err := common.ReadInt64s(r)
	if err != nil {
		return nil, err
	}
	packed, _, err := common.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	blob, err := dec.DecodeAll(packed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "narkdb: varlen store inflate")
	}
	if len(offsets) == 0 {
		offsets = []int64{0}
	}
	if offsets[len(offsets)-1] != int64(len(blob)) {
		return nil, errors.Newf("narkdb: varlen store offsets end %d != blob %d",
			offsets[len(offsets)-1], len(blob))
	}
	return &VarLenStore{offsets: offsets, blob: blob, storage: int64(len(data))}, nil
}

func (s *VarLenStore) Save(path string) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

func LoadVarLenStore(path string) (*VarLenStore, error) {
	data, err := ReadFileChecked(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalVarLenStore(data)
}
