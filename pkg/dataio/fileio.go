package dataio

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// WriteFileAtomic writes data plus an xxhash64 trailer through a .tmp
// rename so a crash never leaves a half-written canonical file.
func WriteFileAtomic(path string, data []byte) error {
	buf := make([]byte, len(data)+8)
	copy(buf, data)
	binary.BigEndian.PutUint64(buf[len(data):], xxhash.Sum64(data))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return errors.Wrapf(err, "narkdb: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "narkdb: rename %s", tmp)
	}
	return nil
}

// ReadFileChecked reads a file written by WriteFileAtomic and verifies
// the trailer.
func ReadFileChecked(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "narkdb: read %s", path)
	}
	if len(buf) < 8 {
		return nil, errors.Newf("narkdb: %s truncated", path)
	}
	data := buf[:len(buf)-8]
	want := binary.BigEndian.Uint64(buf[len(buf)-8:])
	if got := xxhash.Sum64(data); got != want {
		return nil, errors.Newf("narkdb: %s checksum mismatch: got %x want %x", path, got, want)
	}
	return data, nil
}
