package proto

import (
	"encoding/binary"
	"fmt"
)

// Server status flags relevant to boundary detection.
const (
	ServerStatusInTrans        uint16 = 0x0001
	ServerStatusAutocommit     uint16 = 0x0002
	ServerMoreResultsExists    uint16 = 0x0008
)

// OKPacket is the parsed form of an OK (0x00) packet.
type OKPacket struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
	Info         string
}

// IsOK reports whether pkt is an OK packet in the given context: a
// genuine OK is 0x00; under DEPRECATE_EOF a result-set terminator is
// 0xFE with length < 9 and also carries OK-packet semantics.
func IsOK(pkt []byte, deprecateEOF bool) bool {
	if len(pkt) == 0 {
		return false
	}
	if pkt[0] == 0x00 {
		return true
	}
	return deprecateEOF && pkt[0] == 0xfe && len(pkt) < 9
}

// IsErr reports whether pkt is an ERR (0xFF) packet.
func IsErr(pkt []byte) bool {
	return len(pkt) > 0 && pkt[0] == 0xff
}

// IsEOF reports whether pkt is a legacy EOF packet (0xFE, length < 9,
// only meaningful when DEPRECATE_EOF is not negotiated).
func IsEOF(pkt []byte) bool {
	return len(pkt) > 0 && pkt[0] == 0xfe && len(pkt) < 9
}

// ParseOK parses an OK or DEPRECATE_EOF-terminator packet.
func ParseOK(pkt []byte) (*OKPacket, error) {
	if len(pkt) < 1 {
		return nil, fmt.Errorf("mysql: empty OK packet")
	}
	pos := 1
	affected, _, next, ok := ReadLenEncInt(pkt, pos)
	if !ok {
		return nil, fmt.Errorf("mysql: malformed OK packet: affected_rows")
	}
	pos = next
	lastID, _, next, ok := ReadLenEncInt(pkt, pos)
	if !ok {
		return nil, fmt.Errorf("mysql: malformed OK packet: last_insert_id")
	}
	pos = next
	if pos+2 > len(pkt) {
		return nil, fmt.Errorf("mysql: malformed OK packet: status flags")
	}
	status := binary.LittleEndian.Uint16(pkt[pos : pos+2])
	pos += 2
	var warnings uint16
	if pos+2 <= len(pkt) {
		warnings = binary.LittleEndian.Uint16(pkt[pos : pos+2])
		pos += 2
	}
	var info string
	if pos < len(pkt) {
		info = string(pkt[pos:])
	}
	return &OKPacket{
		AffectedRows: affected,
		LastInsertID: lastID,
		StatusFlags:  status,
		Warnings:     warnings,
		Info:         info,
	}, nil
}

// EncodeOK builds an OK packet payload.
func EncodeOK(p OKPacket) []byte {
	buf := []byte{0x00}
	buf = PutLenEncInt(buf, p.AffectedRows)
	buf = PutLenEncInt(buf, p.LastInsertID)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], p.StatusFlags)
	buf = append(buf, b[:]...)
	binary.LittleEndian.PutUint16(b[:], p.Warnings)
	buf = append(buf, b[:]...)
	buf = append(buf, p.Info...)
	return buf
}

// ErrPacket is the parsed form of an ERR (0xFF) packet.
type ErrPacket struct {
	Code     uint16
	SQLState string
	Message  string
}

func (e *ErrPacket) Error() string {
	return fmt.Sprintf("mysql error %d (%s): %s", e.Code, e.SQLState, e.Message)
}

// ParseErr parses an ERR packet.
func ParseErr(pkt []byte) (*ErrPacket, error) {
	if len(pkt) < 3 || pkt[0] != 0xff {
		return nil, fmt.Errorf("mysql: not an ERR packet")
	}
	code := binary.LittleEndian.Uint16(pkt[1:3])
	pos := 3
	var sqlState string
	if pos < len(pkt) && pkt[pos] == '#' {
		if pos+6 > len(pkt) {
			return nil, fmt.Errorf("mysql: truncated ERR packet sqlstate")
		}
		sqlState = string(pkt[pos+1 : pos+6])
		pos += 6
	}
	return &ErrPacket{Code: code, SQLState: sqlState, Message: string(pkt[pos:])}, nil
}

// EncodeErr builds an ERR packet payload.
func EncodeErr(e ErrPacket) []byte {
	buf := []byte{0xff}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], e.Code)
	buf = append(buf, b[:]...)
	state := e.SQLState
	if len(state) > 5 {
		state = state[:5]
	}
	for len(state) < 5 {
		state += "0"
	}
	buf = append(buf, '#')
	buf = append(buf, state...)
	buf = append(buf, e.Message...)
	return buf
}

// EOFPacket is the legacy EOF packet, still used as a result-set
// mid-boundary marker when DEPRECATE_EOF is not negotiated.
type EOFPacket struct {
	Warnings    uint16
	StatusFlags uint16
}

// ParseEOF parses a legacy EOF packet.
func ParseEOF(pkt []byte) (*EOFPacket, error) {
	if len(pkt) < 5 || pkt[0] != 0xfe {
		return nil, fmt.Errorf("mysql: not an EOF packet")
	}
	return &EOFPacket{
		Warnings:    binary.LittleEndian.Uint16(pkt[1:3]),
		StatusFlags: binary.LittleEndian.Uint16(pkt[3:5]),
	}, nil
}

// EncodeEOF builds a legacy EOF packet payload.
func EncodeEOF(e EOFPacket) []byte {
	buf := []byte{0xfe}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], e.Warnings)
	buf = append(buf, b[:]...)
	binary.LittleEndian.PutUint16(b[:], e.StatusFlags)
	buf = append(buf, b[:]...)
	return buf
}

// ColumnDef is one column-definition packet from a result set.
type ColumnDef struct {
	Catalog  string
	Schema   string
	Table    string
	OrgTable string
	Name     string
	OrgName  string
	Charset  uint16
	Length   uint32
	Type     byte
	Flags    uint16
	Decimals byte
}

// ParseColumnDef parses one ColumnDefinition41 packet.
func ParseColumnDef(pkt []byte) (*ColumnDef, error) {
	var c ColumnDef
	pos := 0
	fields := []*string{&c.Catalog, &c.Schema, &c.Table, &c.OrgTable, &c.Name, &c.OrgName}
	for _, f := range fields {
		s, _, next, ok := ReadLenEncString(pkt, pos)
		if !ok {
			return nil, fmt.Errorf("mysql: malformed column definition")
		}
		*f = s
		pos = next
	}
	// length-encoded "fixed length fields" length, always 0x0c
	_, _, next, ok := ReadLenEncInt(pkt, pos)
	if !ok {
		return nil, fmt.Errorf("mysql: malformed column definition: fixed fields length")
	}
	pos = next
	if pos+10 > len(pkt) {
		return nil, fmt.Errorf("mysql: truncated column definition")
	}
	c.Charset = binary.LittleEndian.Uint16(pkt[pos : pos+2])
	c.Length = binary.LittleEndian.Uint32(pkt[pos+2 : pos+6])
	c.Type = pkt[pos+6]
	c.Flags = binary.LittleEndian.Uint16(pkt[pos+7 : pos+9])
	c.Decimals = pkt[pos+9]
	return &c, nil
}

// EncodeColumnDef builds a ColumnDefinition41 packet payload.
func EncodeColumnDef(c ColumnDef) []byte {
	var buf []byte
	buf = PutLenEncString(buf, c.Catalog)
	buf = PutLenEncString(buf, c.Schema)
	buf = PutLenEncString(buf, c.Table)
	buf = PutLenEncString(buf, c.OrgTable)
	buf = PutLenEncString(buf, c.Name)
	buf = PutLenEncString(buf, c.OrgName)
	buf = PutLenEncInt(buf, 0x0c)
	var b2 [2]byte
	binary.LittleEndian.PutUint16(b2[:], c.Charset)
	buf = append(buf, b2[:]...)
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], c.Length)
	buf = append(buf, b4[:]...)
	buf = append(buf, c.Type)
	binary.LittleEndian.PutUint16(b2[:], c.Flags)
	buf = append(buf, b2[:]...)
	buf = append(buf, c.Decimals)
	buf = append(buf, 0, 0) // filler
	return buf
}

// ParseTextRow parses a text-protocol row: each field is a length-encoded
// string, or NULL (marker 0xFB). The returned slice has one entry per
// column; a nil entry means NULL.
func ParseTextRow(pkt []byte, numCols int) ([]*string, error) {
	out := make([]*string, numCols)
	pos := 0
	for i := 0; i < numCols; i++ {
		s, isNull, next, ok := ReadLenEncString(pkt, pos)
		if !ok {
			return nil, fmt.Errorf("mysql: malformed text row at column %d", i)
		}
		pos = next
		if !isNull {
			v := s
			out[i] = &v
		}
	}
	return out, nil
}

// EncodeTextRow builds a text-protocol row packet payload; a nil entry
// encodes as NULL.
func EncodeTextRow(values []*string) []byte {
	var buf []byte
	for _, v := range values {
		if v == nil {
			buf = append(buf, lenEncNullMarker)
			continue
		}
		buf = PutLenEncString(buf, *v)
	}
	return buf
}
