package dataio

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/skyformat99/nark-db/pkg/common"
)

const dictZipMaxDictLen = 64 << 10

// dictZipDictID tags frames compressed against the raw dictionary.
const dictZipDictID = 1

// DictZipStore compresses every record against a shared raw-content
// dictionary sampled from the input, so short similar records still
// deflate well.
type DictZipStore struct {
	dict    []byte
	offsets []int64 // rows+1 entries into blob
	blob    []byte  // compressed records, concatenated
	inflate int64
	storage int64

	dec *zstd.Decoder
}

func sampleDict(recs [][]byte) []byte {
	var dict []byte
	for _, rec := range recs {
		if len(dict) >= dictZipMaxDictLen {
			break
		}
		dict = append(dict, rec...)
	}
	if len(dict) > dictZipMaxDictLen {
		dict = dict[:dictZipMaxDictLen]
	}
	return dict
}

func BuildDictZipStore(recs [][]byte) (*DictZipStore, error) {
	s := &DictZipStore{
		dict:    sampleDict(recs),
		offsets: make([]int64, 1, len(recs)+1),
	}
	var opts []zstd.EOption
	if len(s.dict) > 0 {
		opts = append(opts, zstd.WithEncoderDictRaw(dictZipDictID, s.dict))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	for _, rec := range recs {
		s.blob = enc.EncodeAll(rec, s.blob)
		s.offsets = append(s.offsets, int64(len(s.blob)))
		s.inflate += int64(len(rec))
	}
	if err := s.initDecoder(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DictZipStore) initDecoder() error {
	var opts []zstd.DOption
	if len(s.dict) > 0 {
		opts = append(opts, zstd.WithDecoderDictRaw(dictZipDictID, s.dict))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return err
	}
	s.dec = dec
	return nil
}

func (s *DictZipStore) NumDataRows() int64     { return int64(len(s.offsets) - 1) }
func (s *DictZipStore) DataInflateSize() int64 { return s.inflate }

func (s *DictZipStore) DataStorageSize() int64 {
	if s.storage > 0 {
		return s.storage
	}
	return int64(len(s.blob) + len(s.dict))
}

func (s *DictZipStore) GetValueAppend(subID int64, val *[]byte) error {
	if subID < 0 || subID >= s.NumDataRows() {
		return errors.Wrapf(ErrRecordRange, "dictzip get %d of %d", subID, s.NumDataRows())
	}
	frame := s.blob[s.offsets[subID]:s.offsets[subID+1]]
	out, err := s.dec.DecodeAll(frame, nil)
	if err != nil {
		return errors.Wrap(err, "narkdb: dictzip inflate")
	}
	*val = append(*val, out...)
	return nil
}

func (s *DictZipStore) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := common.WriteBytes(s.dict, &buf); err != nil {
		return nil, err
	}
	if _, err := common.WriteInt64s(s.offsets, &buf); err != nil {
		return nil, err
	}
	if _, err := common.WriteInt64s([]int64{s.inflate}, &buf); err != nil {
		return nil, err
	}
	if _, err := common.WriteBytes(s.blob, &buf); err != nil {
		return nil, err
	}
	s.storage = int64(buf.Len())
	return buf.Bytes(), nil
}

func UnmarshalDictZipStore(data []byte) (*DictZipStore, error) {
	r := bytes.NewReader(data)
	dict, _, err := common.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	offsets, _, err := common.ReadInt64s(r)
	if err != nil {
		return nil, err
	}
	inflate, _, err := common.ReadInt64s(r)
	if err != nil || len(inflate) != 1 {
		return nil, errors.New("narkdb: dictzip store bad inflate header")
	}
	blob, _, err := common.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	if len(offsets) == 0 {
		offsets = []int64{0}
	}
	s := &DictZipStore{
		dict: dict, offsets: offsets, blob: blob,
		inflate: inflate[0], storage: int64(len(data)),
	}
	if err := s.initDecoder(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DictZipStore) Save(path string) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

func LoadDictZipStore(path string) (*DictZipStore, error) {
	data, err := ReadFileChecked(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalDictZipStore(data)
}
