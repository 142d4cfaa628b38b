package proto

import (
	"encoding/binary"
	"fmt"
)

// Client capability flags (only the subset this codec cares about).
const (
	ClientLongPassword     uint32 = 1 << 0
	ClientConnectWithDB    uint32 = 1 << 3
	ClientProtocol41       uint32 = 1 << 9
	ClientSSL              uint32 = 1 << 11
	ClientTransactions     uint32 = 1 << 13
	ClientSecureConnection uint32 = 1 << 15
	ClientPluginAuth       uint32 = 1 << 19
	ClientDeprecateEOF     uint32 = 1 << 24
)

// Handshake is the parsed server Handshake v10 greeting.
type Handshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	AuthData        []byte // concatenated auth-plugin-data part 1 + part 2, NUL stripped
	Capabilities    uint32
	Charset         byte
	StatusFlags     uint16
	AuthPluginName  string
}

// ParseHandshake parses a server Handshake v10 packet payload.
func ParseHandshake(pkt []byte) (*Handshake, error) {
	if len(pkt) < 1 {
		return nil, fmt.Errorf("mysql: empty handshake packet")
	}
	h := &Handshake{ProtocolVersion: pkt[0]}
	pos := 1

	ver, next, ok := NullTerminated(pkt, pos)
	if !ok {
		return nil, fmt.Errorf("mysql: truncated handshake: server version")
	}
	h.ServerVersion = ver
	pos = next

	if pos+4 > len(pkt) {
		return nil, fmt.Errorf("mysql: truncated handshake: connection id")
	}
	h.ConnectionID = binary.LittleEndian.Uint32(pkt[pos : pos+4])
	pos += 4

	if pos+8 > len(pkt) {
		return nil, fmt.Errorf("mysql: truncated handshake: auth data part 1")
	}
	authData := append([]byte{}, pkt[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(pkt) {
		return nil, fmt.Errorf("mysql: truncated handshake: capability flags low")
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	if pos+3 > len(pkt) {
		return nil, fmt.Errorf("mysql: truncated handshake: charset/status")
	}
	h.Charset = pkt[pos]
	h.StatusFlags = binary.LittleEndian.Uint16(pkt[pos+1 : pos+3])
	pos += 3

	if pos+2 > len(pkt) {
		return nil, fmt.Errorf("mysql: truncated handshake: capability flags high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	h.Capabilities = capLow | capHigh
	pos += 2

	var authPluginDataLen int
	if pos < len(pkt) {
		authPluginDataLen = int(pkt[pos])
	}
	pos++
	pos += 10 // reserved

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len
	h.AuthData = authData

	h.AuthPluginName = "mysql_native_password"
	if h.Capabilities&ClientPluginAuth != 0 && pos < len(pkt) {
		name, _, ok := NullTerminated(pkt, pos)
		if ok {
			h.AuthPluginName = name
		}
	}
	return h, nil
}

// HandshakeResponse is everything needed to build a HandshakeResponse41
// packet.
type HandshakeResponse struct {
	Username   string
	Database   string // empty if none
	AuthPlugin string
	AuthResp   []byte
	UseTLS     bool
	Charset    byte
}

// BaseClientCapabilities are the flags sent on every handshake response.
const BaseClientCapabilities = ClientLongPassword | ClientProtocol41 | ClientSecureConnection |
	ClientTransactions | ClientPluginAuth | ClientDeprecateEOF

// EncodeHandshakeResponse builds a HandshakeResponse41 payload.
func EncodeHandshakeResponse(r HandshakeResponse) []byte {
	caps := BaseClientCapabilities
	if r.Database != "" {
		caps |= ClientConnectWithDB
	}
	if r.UseTLS {
		caps |= ClientSSL
	}

	charset := r.Charset
	if charset == 0 {
		charset = 0x21 // utf8_general_ci
	}

	buf := make([]byte, 0, 64+len(r.Username)+len(r.AuthResp)+len(r.Database))
	var capBuf [4]byte
	binary.LittleEndian.PutUint32(capBuf[:], caps)
	buf = append(buf, capBuf[:]...)
	buf = append(buf, 0xff, 0xff, 0xff, 0x00) // max_packet_size
	buf = append(buf, charset)
	buf = append(buf, make([]byte, 23)...) // reserved
	buf = append(buf, r.Username...)
	buf = append(buf, 0)
	buf = append(buf, byte(len(r.AuthResp)))
	buf = append(buf, r.AuthResp...)
	if r.Database != "" {
		buf = append(buf, r.Database...)
		buf = append(buf, 0)
	}
	buf = append(buf, r.AuthPlugin...)
	buf = append(buf, 0)
	return buf
}

// ParseHandshakeResponse parses a HandshakeResponse41 payload, the
// counterpart to EncodeHandshakeResponse. It's the server side of the
// exchange this client never needs in production, but it exists so the
// wire format has a verifiable round trip like every other packet type.
func ParseHandshakeResponse(pkt []byte) (*HandshakeResponse, error) {
	if len(pkt) < 4+4+1+23 {
		return nil, fmt.Errorf("mysql: truncated handshake response: fixed header")
	}
	caps := binary.LittleEndian.Uint32(pkt[0:4])
	r := &HandshakeResponse{
		Charset: pkt[8],
		UseTLS:  caps&ClientSSL != 0,
	}
	pos := 4 + 4 + 1 + 23

	username, next, ok := NullTerminated(pkt, pos)
	if !ok {
		return nil, fmt.Errorf("mysql: truncated handshake response: username")
	}
	r.Username = username
	pos = next

	if pos >= len(pkt) {
		return nil, fmt.Errorf("mysql: truncated handshake response: auth response length")
	}
	authLen := int(pkt[pos])
	pos++
	if pos+authLen > len(pkt) {
		return nil, fmt.Errorf("mysql: truncated handshake response: auth response")
	}
	r.AuthResp = append([]byte{}, pkt[pos:pos+authLen]...)
	pos += authLen

	if caps&ClientConnectWithDB != 0 {
		db, next, ok := NullTerminated(pkt, pos)
		if !ok {
			return nil, fmt.Errorf("mysql: truncated handshake response: database")
		}
		r.Database = db
		pos = next
	}

	if caps&ClientPluginAuth != 0 && pos < len(pkt) {
		plugin, _, ok := NullTerminated(pkt, pos)
		if ok {
			r.AuthPlugin = plugin
		}
	}
	return r, nil
}

// EncodeSSLRequest builds the truncated SSLRequest packet sent before the
// TLS handshake when the connection negotiates TLS.
func EncodeSSLRequest(charset byte) []byte {
	caps := BaseClientCapabilities | ClientSSL
	buf := make([]byte, 0, 32)
	var capBuf [4]byte
	binary.LittleEndian.PutUint32(capBuf[:], caps)
	buf = append(buf, capBuf[:]...)
	buf = append(buf, 0xff, 0xff, 0xff, 0x00)
	buf = append(buf, charset)
	buf = append(buf, make([]byte, 23)...)
	return buf
}

// AuthSwitchRequest is the server's request to continue auth with a
// different plugin (marker 0xFE).
type AuthSwitchRequest struct {
	PluginName string
	PluginData []byte
}

// ParseAuthSwitchRequest parses a packet whose first byte is 0xFE
// (outside of the EOF/OK-with-DEPRECATE_EOF context, where this marker
// instead means AuthSwitchRequest).
func ParseAuthSwitchRequest(pkt []byte) (*AuthSwitchRequest, error) {
	if len(pkt) < 1 || pkt[0] != 0xfe {
		return nil, fmt.Errorf("mysql: not an AuthSwitchRequest packet")
	}
	name, next, ok := NullTerminated(pkt, 1)
	if !ok {
		return nil, fmt.Errorf("mysql: malformed AuthSwitchRequest")
	}
	data := pkt[next:]
	if len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return &AuthSwitchRequest{PluginName: name, PluginData: data}, nil
}
