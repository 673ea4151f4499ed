package dataio

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4/v4"
)

// Writable-segment flush format: lz4 frame over uvarint-framed rows.
// A nil row (reserved slot that was never written) is framed as tag 0,
// a present row as len+1.

func SaveRows(path string, rows [][]byte) error {
	var raw bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(rows)))
	raw.Write(tmp[:n])
	for _, row := range rows {
		if row == nil {
			n = binary.PutUvarint(tmp[:], 0)
		} else {
			n = binary.PutUvarint(tmp[:], uint64(len(row))+1)
		}
		raw.Write(tmp[:n])
		raw.Write(row)
	}
	var packed bytes.Buffer
	zw := lz4.NewWriter(&packed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return errors.Wrap(err, "narkdb: lz4 rows")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "narkdb: lz4 rows")
	}
	return WriteFileAtomic(path, packed.Bytes())
}

func LoadRows(path string) ([][]byte, error) {
	packed, err := ReadFileChecked(path)
	if err != nil {
		return nil, err
	}
	zr := lz4.NewReader(bytes.NewReader(packed))
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "narkdb: lz4 rows inflate")
	}
	off := 0
	count, sz := binary.Uvarint(raw[off:])
	if sz <= 0 {
		return nil, errors.New("narkdb: rows file bad header")
	}
	off += sz
	rows := make([][]byte, count)
	for i := range rows {
		tag, sz := binary.Uvarint(raw[off:])
		if sz <= 0 {
			return nil, errors.Newf("narkdb: rows file truncated at row %d", i)
		}
		off += sz
		if tag == 0 {
			continue
		}
		n := int(tag - 1)
		if off+n > len(raw) {
			return nil, errors.Newf("narkdb: rows file truncated at row %d", i)
		}
		rows[i] = append([]byte(nil), raw[off:off+n]...)
		off += n
	}
	return rows, nil
}
