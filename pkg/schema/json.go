package schema

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"unicode/utf8"
)

// ToJsonStr renders a record of this schema for log and error messages.
// Malformed records fall back to a hex dump.
func (s *Schema) ToJsonStr(rec []byte) string {
	cols, err := s.ParseRecord(rec)
	if err != nil {
		return `{"hex":"` + hex.EncodeToString(rec) + `"}`
	}
	m := make(map[string]interface{}, len(cols))
	for i, meta := range s.Columns {
		m[meta.Name] = decodeValue(meta, cols[i])
	}
	data, err := json.Marshal(m)
	if err != nil {
		return `{"hex":"` + hex.EncodeToString(rec) + `"}`
	}
	return string(data)
}

func decodeValue(m ColumnMeta, b []byte) interface{} {
	switch m.Type {
	case Uint08, Uint16, Uint32, Uint64:
		return decodeUint(b)
	case Sint08:
		return int64(int8(b[0]))
	case Sint16:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case Sint32:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case Sint64:
		return int64(binary.LittleEndian.Uint64(b))
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case String:
		if utf8.Valid(b) {
			return string(b)
		}
		return hex.EncodeToString(b)
	default:
		return hex.EncodeToString(b)
	}
}
