package proto

import (
	"crypto/sha1"
	"crypto/sha256"
)

// NativePasswordAuth computes the mysql_native_password response:
// SHA1(password) XOR SHA1(scramble || SHA1(SHA1(password))). An empty
// password yields an empty response, matching the server's convention
// for no-password accounts.
func NativePasswordAuth(password string, scramble []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum([]byte(password))
	h2 := sha1.Sum(h1[:])

	h := sha1.New()
	h.Write(scramble)
	h.Write(h2[:])
	h3 := h.Sum(nil)

	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// CachingSHA2PasswordAuth computes the caching_sha2_password fast-auth
// response: SHA256(password) XOR SHA256(SHA256(SHA256(password)) || scramble).
func CachingSHA2PasswordAuth(password string, scramble []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha256.Sum256([]byte(password))
	h2 := sha256.Sum256(h1[:])

	h := sha256.New()
	h.Write(h2[:])
	h.Write(scramble)
	h3 := h.Sum(nil)

	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// CachingSHA2FastAuthSuccess reports whether an AuthMoreData payload
// (first byte 0x01) signals the caching_sha2_password fast path
// succeeded (second byte 0x03), versus requiring full auth (0x04).
func CachingSHA2FastAuthSuccess(payload []byte) bool {
	return len(payload) >= 2 && payload[0] == 0x01 && payload[1] == 0x03
}

// CachingSHA2FullAuthRequested reports whether the server asked for full
// auth (AuthMoreData with second byte 0x04). Full auth itself is not
// implemented in this package; internal/mysql/conn fails the connection
// with ErrAuth when the server asks for it.
func CachingSHA2FullAuthRequested(payload []byte) bool {
	return len(payload) >= 2 && payload[0] == 0x01 && payload[1] == 0x04
}
