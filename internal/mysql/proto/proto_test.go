package proto

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"
)

func TestFramerRoundTripsSinglePacket(t *testing.T) {
	f := NewFramer()
	encoded := f.Encode([]byte("hello"))

	d := NewFramer()
	d.Feed(encoded)
	payload, seq, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v, want a complete packet", ok, err)
	}
	if seq != 0 || string(payload) != "hello" {
		t.Fatalf("got seq=%d payload=%q", seq, payload)
	}
}

func TestFramerBuffersPartialReads(t *testing.T) {
	f := NewFramer()
	encoded := f.Encode([]byte("hello world"))

	d := NewFramer()
	d.Feed(encoded[:3])
	if _, _, ok, err := d.Next(); ok || err != nil {
		t.Fatalf("got ok=%v err=%v on a partial header, want ok=false err=nil", ok, err)
	}
	d.Feed(encoded[3:])
	payload, _, ok, err := d.Next()
	if err != nil || !ok || string(payload) != "hello world" {
		t.Fatalf("got payload=%q ok=%v err=%v", payload, ok, err)
	}
}

func TestFramerDetectsSequenceMismatch(t *testing.T) {
	d := NewFramer()
	// header claims seq=5 when 0 was expected
	d.Feed([]byte{1, 0, 0, 5, 'x'})
	_, _, ok, err := d.Next()
	if ok || err == nil {
		t.Fatalf("got ok=%v err=%v, want a sequence mismatch error", ok, err)
	}
}

func TestFramerSplitsAndReassemblesOversizedPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, MaxPacketSize+10)

	f := NewFramer()
	encoded := f.Encode(payload)

	// two physical packets: one of exactly MaxPacketSize, one of 10 bytes
	d := NewFramer()
	d.Feed(encoded)
	got, _, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got len=%d want len=%d", len(got), len(payload))
	}
}

func TestNativePasswordAuthKnownVector(t *testing.T) {
	password := "secret"
	scramble := make([]byte, 20)

	got := NativePasswordAuth(password, scramble)
	if len(got) != 20 {
		t.Fatalf("got length %d, want 20", len(got))
	}

	h1 := sha1.Sum([]byte(password))
	h2 := sha1.Sum(h1[:])
	h := sha1.New()
	h.Write(scramble)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	want := make([]byte, 20)
	for i := range want {
		want[i] = h1[i] ^ h3[i]
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := &Handshake{
		ProtocolVersion: 10,
		ServerVersion:   "8.0.33",
		ConnectionID:    42,
		AuthData:        bytes.Repeat([]byte{0x01}, 20),
		Capabilities:    BaseClientCapabilities,
		Charset:         0x21,
		StatusFlags:     2,
		AuthPluginName:  "mysql_native_password",
	}
	pkt := encodeHandshakeForTest(h)

	got, err := ParseHandshake(pkt)
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if got.ProtocolVersion != h.ProtocolVersion || got.ServerVersion != h.ServerVersion ||
		got.ConnectionID != h.ConnectionID || got.Capabilities != h.Capabilities ||
		got.Charset != h.Charset || got.StatusFlags != h.StatusFlags ||
		got.AuthPluginName != h.AuthPluginName {
		t.Fatalf("got %+v, want %+v", got, h)
	}
	if !bytes.Equal(got.AuthData, h.AuthData) {
		t.Fatalf("auth data got %x, want %x", got.AuthData, h.AuthData)
	}
}

// encodeHandshakeForTest builds a Handshake v10 packet the same way a
// real server would, so ParseHandshake can be tested independently of any
// encoder the production code needs (the client never encodes one).
func encodeHandshakeForTest(h *Handshake) []byte {
	var buf []byte
	buf = append(buf, h.ProtocolVersion)
	buf = append(buf, h.ServerVersion...)
	buf = append(buf, 0)
	buf = append(buf, byte(h.ConnectionID), byte(h.ConnectionID>>8), byte(h.ConnectionID>>16), byte(h.ConnectionID>>24))
	buf = append(buf, h.AuthData[:8]...)
	buf = append(buf, 0) // filler
	buf = append(buf, byte(h.Capabilities), byte(h.Capabilities>>8))
	buf = append(buf, h.Charset)
	buf = append(buf, byte(h.StatusFlags), byte(h.StatusFlags>>8))
	buf = append(buf, byte(h.Capabilities>>16), byte(h.Capabilities>>24))
	buf = append(buf, byte(len(h.AuthData)))
	buf = append(buf, make([]byte, 10)...)
	part2 := h.AuthData[8:]
	buf = append(buf, part2...)
	buf = append(buf, 0) // NUL terminator stripped by the parser
	buf = append(buf, h.AuthPluginName...)
	buf = append(buf, 0)
	return buf
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	cases := []HandshakeResponse{
		{Username: "app", Database: "orders", AuthPlugin: "mysql_native_password", AuthResp: bytes.Repeat([]byte{0x02}, 20), Charset: 0x21},
		{Username: "root", AuthPlugin: "caching_sha2_password", AuthResp: []byte{0xaa, 0xbb}, Charset: 0x21},
		{Username: "tls_user", AuthPlugin: "mysql_native_password", AuthResp: []byte{0x01}, Charset: 0x21, UseTLS: true},
	}
	for _, want := range cases {
		pkt := EncodeHandshakeResponse(want)
		got, err := ParseHandshakeResponse(pkt)
		if err != nil {
			t.Fatalf("ParseHandshakeResponse: %v", err)
		}
		if got.Username != want.Username || got.Database != want.Database ||
			got.AuthPlugin != want.AuthPlugin || got.Charset != want.Charset || got.UseTLS != want.UseTLS {
			t.Fatalf("got %+v, want %+v", got, want)
		}
		if !bytes.Equal(got.AuthResp, want.AuthResp) {
			t.Fatalf("auth response got %x, want %x", got.AuthResp, want.AuthResp)
		}
	}
}

func TestOKPacketRoundTrip(t *testing.T) {
	want := OKPacket{AffectedRows: 3, LastInsertID: 101, StatusFlags: 2, Warnings: 0, Info: "ok"}
	pkt := EncodeOK(want)
	got, err := ParseOK(pkt)
	if err != nil {
		t.Fatalf("ParseOK: %v", err)
	}
	if *got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestErrPacketRoundTrip(t *testing.T) {
	want := ErrPacket{Code: 1045, SQLState: "28000", Message: "Access denied"}
	pkt := EncodeErr(want)
	got, err := ParseErr(pkt)
	if err != nil {
		t.Fatalf("ParseErr: %v", err)
	}
	if *got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestColumnDefRoundTrip(t *testing.T) {
	want := ColumnDef{
		Catalog: "def", Schema: "s", Table: "t", OrgTable: "t",
		Name: "id", OrgName: "id", Charset: 33, Length: 11,
		Type: 0x03, Flags: 0, Decimals: 0,
	}
	pkt := EncodeColumnDef(want)
	got, err := ParseColumnDef(pkt)
	if err != nil {
		t.Fatalf("ParseColumnDef: %v", err)
	}
	if *got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTextRowRoundTripWithNull(t *testing.T) {
	v1, v3 := "hello", "42"
	values := []*string{&v1, nil, &v3}
	pkt := EncodeTextRow(values)

	got, err := ParseTextRow(pkt, 3)
	if err != nil {
		t.Fatalf("ParseTextRow: %v", err)
	}
	if got[1] != nil {
		t.Fatalf("column 1 should be NULL, got %v", got[1])
	}
	if got[0] == nil || *got[0] != "hello" || got[2] == nil || *got[2] != "42" {
		t.Fatalf("got %v %v, want hello/42", got[0], got[2])
	}
}

func TestLenEncIntRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 250, 251, 65535, 65536, 0xffffff, 0x1000000, 1 << 40} {
		buf := PutLenEncInt(nil, v)
		got, isNull, next, ok := ReadLenEncInt(buf, 0)
		if !ok || isNull || next != len(buf) || got != v {
			t.Fatalf("v=%d: got=%d isNull=%v next=%d ok=%v", v, got, isNull, next, ok)
		}
	}
}

func TestEncodeComStmtExecuteNullBitmapAndTypes(t *testing.T) {
	params := []Param{
		{Kind: ParamInt, Int: 7},
		{Kind: ParamNull},
		{Kind: ParamString, Str: "x"},
	}
	pkt := EncodeComStmtExecute(1, params)

	if pkt[0] != ComStmtExecute {
		t.Fatalf("got command byte %x, want %x", pkt[0], ComStmtExecute)
	}
	// command(1) + statement_id(4) + flags(1) + iteration_count(4) = 10 bytes header
	bitmapLen := (len(params) + 7) / 8
	bitmap := pkt[10 : 10+bitmapLen]
	if bitmap[0]&(1<<1) == 0 {
		t.Fatal("NULL bitmap bit for param 1 not set")
	}
	if bitmap[0]&1 != 0 || bitmap[0]&(1<<2) != 0 {
		t.Fatal("NULL bitmap set for a non-NULL param")
	}

	// new-params-bound flag, then one 2-byte type tag per param.
	types := 10 + bitmapLen + 1
	if pkt[types-1] != 0x01 {
		t.Fatalf("got new-params-bound %x, want 1", pkt[types-1])
	}
	wantTypes := []byte{mysqlTypeLonglong, mysqlTypeNull, mysqlTypeVarString}
	for i, w := range wantTypes {
		if pkt[types+2*i] != w || pkt[types+2*i+1] != 0 {
			t.Fatalf("param %d: got type tag %x %x, want %x 00", i, pkt[types+2*i], pkt[types+2*i+1], w)
		}
	}
}

func TestPrepareOKRoundTrip(t *testing.T) {
	want := PrepareOK{StatementID: 7, NumColumns: 2, NumParams: 1, WarningCount: 0}
	pkt := EncodePrepareOK(want)
	got, err := ParsePrepareOK(pkt)
	if err != nil {
		t.Fatalf("ParsePrepareOK: %v", err)
	}
	if *got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCachingSHA2FastAuthDetection(t *testing.T) {
	if !CachingSHA2FastAuthSuccess([]byte{0x01, 0x03}) {
		t.Fatal("expected fast-auth success detection for [0x01 0x03]")
	}
	if CachingSHA2FastAuthSuccess([]byte{0x01, 0x04}) {
		t.Fatal("0x04 should not be detected as fast-auth success")
	}
	if !CachingSHA2FullAuthRequested([]byte{0x01, 0x04}) {
		t.Fatal("expected full-auth request detection for [0x01 0x04]")
	}
}

func TestAuthSwitchRequestParse(t *testing.T) {
	var pkt []byte
	pkt = append(pkt, 0xfe)
	pkt = append(pkt, "caching_sha2_password"...)
	pkt = append(pkt, 0)
	pkt = append(pkt, bytes.Repeat([]byte{0x02}, 20)...)
	pkt = append(pkt, 0) // trailing NUL stripped by parser

	got, err := ParseAuthSwitchRequest(pkt)
	if err != nil {
		t.Fatalf("ParseAuthSwitchRequest: %v", err)
	}
	if got.PluginName != "caching_sha2_password" {
		t.Fatalf("got plugin %q", got.PluginName)
	}
	if len(got.PluginData) != 20 || !strings.Contains(string(got.PluginData), string(bytes.Repeat([]byte{0x02}, 1))) {
		t.Fatalf("got plugin data len=%d", len(got.PluginData))
	}
}
