package schema

import (
	"encoding/binary"
	"math"
)

// Test helpers; kept in the main package so engine tests in other
// packages can build rows without duplicating the codec.

func EncodeSint32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func EncodeSint64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func EncodeFloat64(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func DecodeSint32(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) }
func DecodeSint64(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) }
