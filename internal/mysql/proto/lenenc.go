package proto

import "encoding/binary"

// lenEncNullMarker is the sentinel first byte meaning "NULL" in a
// length-encoded string context (never a valid length-encoded integer
// prefix in that position).
const lenEncNullMarker = 0xfb

// PutLenEncInt appends v to buf as a length-encoded integer.
func PutLenEncInt(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(buf, byte(v))
	case v <= 0xffff:
		buf = append(buf, 0xfc)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		return append(buf, b[:]...)
	case v <= 0xffffff:
		buf = append(buf, 0xfd)
		return append(buf, byte(v), byte(v>>8), byte(v>>16))
	default:
		buf = append(buf, 0xfe)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return append(buf, b[:]...)
	}
}

// ReadLenEncInt reads a length-encoded integer from data at pos, returning
// the value, whether it was the NULL marker (0xfb), and the position just
// past it. ok is false if data is too short.
func ReadLenEncInt(data []byte, pos int) (v uint64, isNull bool, next int, ok bool) {
	if pos >= len(data) {
		return 0, false, pos, false
	}
	switch b := data[pos]; {
	case b < 0xfb:
		return uint64(b), false, pos + 1, true
	case b == lenEncNullMarker:
		return 0, true, pos + 1, true
	case b == 0xfc:
		if pos+3 > len(data) {
			return 0, false, pos, false
		}
		return uint64(binary.LittleEndian.Uint16(data[pos+1 : pos+3])), false, pos + 3, true
	case b == 0xfd:
		if pos+4 > len(data) {
			return 0, false, pos, false
		}
		return uint64(data[pos+1]) | uint64(data[pos+2])<<8 | uint64(data[pos+3])<<16, false, pos + 4, true
	case b == 0xfe:
		if pos+9 > len(data) {
			return 0, false, pos, false
		}
		return binary.LittleEndian.Uint64(data[pos+1 : pos+9]), false, pos + 9, true
	default:
		return 0, false, pos, false
	}
}

// PutLenEncString appends s as a length-encoded string (length prefix
// plus raw bytes, no NUL terminator).
func PutLenEncString(buf []byte, s string) []byte {
	buf = PutLenEncInt(buf, uint64(len(s)))
	return append(buf, s...)
}

// ReadLenEncString reads a length-encoded string at pos. isNull is true
// when the NULL marker was present (s is then empty).
func ReadLenEncString(data []byte, pos int) (s string, isNull bool, next int, ok bool) {
	length, isNull, next, ok := ReadLenEncInt(data, pos)
	if !ok {
		return "", false, pos, false
	}
	if isNull {
		return "", true, next, true
	}
	end := next + int(length)
	if end > len(data) {
		return "", false, pos, false
	}
	return string(data[next:end]), false, end, true
}

// NullTerminated reads bytes from pos up to (and past) the next NUL byte.
func NullTerminated(data []byte, pos int) (s string, next int, ok bool) {
	for i := pos; i < len(data); i++ {
		if data[i] == 0 {
			return string(data[pos:i]), i + 1, true
		}
	}
	return "", pos, false
}
