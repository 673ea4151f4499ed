package common

import (
	"encoding/binary"
	"io"
)

func WriteString(str string, w io.Writer) (n int64, err error) {
	buf := []byte(str)
	if err = binary.Write(w, binary.BigEndian, uint16(len(buf))); err != nil {
		return
	}
	wn, err := w.Write(buf)
	return int64(wn + 2), err
}

func ReadString(r io.Reader) (str string, n int64, err error) {
	var size uint16
	if err = binary.Read(r, binary.BigEndian, &size); err != nil {
		return
	}
	buf := make([]byte, size)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	return string(buf), int64(size) + 2, nil
}

func WriteBytes(buf []byte, w io.Writer) (n int64, err error) {
	if err = binary.Write(w, binary.BigEndian, uint32(len(buf))); err != nil {
		return
	}
	wn, err := w.Write(buf)
	return int64(wn + 4), err
}

func ReadBytes(r io.Reader) (buf []byte, n int64, err error) {
	var size uint32
	if err = binary.Read(r, binary.BigEndian, &size); err != nil {
		return
	}
	buf = make([]byte, size)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	return buf, int64(size) + 4, nil
}

func WriteInt64s(vals []int64, w io.Writer) (n int64, err error) {
	if err = binary.Write(w, binary.BigEndian, uint32(len(vals))); err != nil {
		return
	}
	for _, v := range vals {
		if err = binary.Write(w, binary.BigEndian, uint64(v)); err != nil {
			return
		}
	}
	return int64(4 + 8*len(vals)), nil
}

func ReadInt64s(r io.Reader) (vals []int64, n int64, err error) {
	var size uint32
	if err = binary.Read(r, binary.BigEndian, &size); err != nil {
		return
	}
	vals = make([]int64, size)
	for i := range vals {
		var v uint64
		if err = binary.Read(r, binary.BigEndian, &v); err != nil {
			return
		}
		vals[i] = int64(v)
	}
	return vals, int64(4) + 8*int64(size), nil
}
