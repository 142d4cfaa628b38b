// Package proto implements the binary MySQL client/server wire protocol:
// packet framing, Handshake v10, HandshakeResponse41, the
// mysql_native_password and caching_sha2_password auth plugins, the text
// and binary command/result formats, and length-encoded integers and
// strings.
package proto

import (
	"fmt"
)

// MaxPacketSize is the largest single MySQL packet payload (2^24 - 1);
// a logical payload at or above this size is split across multiple
// physical packets sharing one growing sequence id, terminated by a
// packet of length 0 if the payload is an exact multiple of MaxPacketSize.
const MaxPacketSize = 1<<24 - 1

// MaxLogicalPayload bounds how large a reassembled payload this codec
// will accept. The wire protocol itself has no such limit, so this
// exists purely to bound memory against a hostile or misbehaving peer.
const MaxLogicalPayload = 1 << 30

// ErrPayloadTooLarge is returned by Framer.Feed when a reassembled
// payload would exceed MaxLogicalPayload.
var ErrPayloadTooLarge = fmt.Errorf("mysql: packet payload exceeds %d bytes", MaxLogicalPayload)

// ErrSequenceMismatch is returned when an incoming packet's sequence id
// does not match the expected next value.
type ErrSequenceMismatch struct {
	Want, Got byte
}

func (e *ErrSequenceMismatch) Error() string {
	return fmt.Sprintf("mysql: packet sequence mismatch: want %d, got %d", e.Want, e.Got)
}

// Framer accumulates bytes read off a socket and peels out whole logical
// packets (merging MaxPacketSize-sized physical fragments), tracking the
// sequence id discipline. It never blocks: Feed is called with whatever
// bytes the reactor's read callback handed it, and Next drains as many
// complete packets as are currently buffered.
type Framer struct {
	buf []byte
	seq byte

	// partial holds fragments of a logical packet still being reassembled
	// across MaxPacketSize-sized physical packets.
	partial []byte
}

// NewFramer returns a Framer whose sequence id starts at 0, as required
// at the start of every new command.
func NewFramer() *Framer {
	return &Framer{}
}

// ResetSequence resets the expected sequence id to 0, as required at the
// start of a new client command.
func (f *Framer) ResetSequence() {
	f.seq = 0
}

// Seq returns the next sequence id this Framer expects to read, or will
// stamp on the next Encode call.
func (f *Framer) Seq() byte { return f.seq }

// Feed appends newly read bytes to the internal buffer.
func (f *Framer) Feed(data []byte) {
	f.buf = append(f.buf, data...)
}

// Next attempts to peel one whole logical packet off the buffer. ok is
// false if not enough bytes have been buffered yet for a full packet;
// callers should Feed more and retry. err is non-nil only for a genuine
// framing violation (sequence mismatch or oversized payload), which is
// fatal for the connection.
func (f *Framer) Next() (payload []byte, seq byte, ok bool, err error) {
	for {
		if len(f.buf) < 4 {
			return nil, 0, false, nil
		}
		length := int(f.buf[0]) | int(f.buf[1])<<8 | int(f.buf[2])<<16
		gotSeq := f.buf[3]
		if gotSeq != f.seq {
			return nil, 0, false, &ErrSequenceMismatch{Want: f.seq, Got: gotSeq}
		}
		if len(f.buf) < 4+length {
			return nil, 0, false, nil
		}
		body := f.buf[4 : 4+length]
		f.buf = f.buf[4+length:]
		f.seq++

		if length == 0 {
			if f.partial == nil {
				return nil, 0, false, fmt.Errorf("mysql: zero-length packet with no preceding fragment")
			}
			out := f.partial
			f.partial = nil
			return out, gotSeq, true, nil
		}

		if length < MaxPacketSize {
			if f.partial == nil {
				return body, gotSeq, true, nil
			}
			f.partial = append(f.partial, body...)
			if len(f.partial) > MaxLogicalPayload {
				return nil, 0, false, ErrPayloadTooLarge
			}
			out := f.partial
			f.partial = nil
			return out, gotSeq, true, nil
		}

		// length == MaxPacketSize: more fragments follow.
		f.partial = append(f.partial, body...)
		if len(f.partial) > MaxLogicalPayload {
			return nil, 0, false, ErrPayloadTooLarge
		}
		// loop again: either more buffered bytes complete the next
		// fragment, or we fall through to the "not enough bytes yet" case.
	}
}

// Encode wraps payload in one or more physical packets (splitting at
// MaxPacketSize, terminating an exact multiple with a zero-length
// packet), stamping sequence ids starting from the Framer's current Seq
// and advancing it past the last one used.
func (f *Framer) Encode(payload []byte) []byte {
	var out []byte
	remaining := payload
	for len(remaining) >= MaxPacketSize {
		chunk := remaining[:MaxPacketSize]
		remaining = remaining[MaxPacketSize:]
		out = append(out, encodeOne(chunk, f.seq)...)
		f.seq++
	}
	out = append(out, encodeOne(remaining, f.seq)...)
	f.seq++
	return out
}

func encodeOne(payload []byte, seq byte) []byte {
	hdr := make([]byte, 4)
	n := len(payload)
	hdr[0] = byte(n)
	hdr[1] = byte(n >> 8)
	hdr[2] = byte(n >> 16)
	hdr[3] = seq
	return append(hdr, payload...)
}

