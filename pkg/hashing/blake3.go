// Package hashing provides the content-addressing primitives shared by the
// blob store and the chunked upload engine: BLAKE3-256 over arbitrary byte
// streams, rendered as the lowercase hex digest the rest of the storage
// core treats as a blob's identity.
package hashing

import (
	"encoding/hex"
	"io"
	"strconv"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
	"lukechampine.com/blake3"
)

// HashSize is the digest size in bytes for the BLAKE3-256 variant used
// throughout the storage core.
const HashSize = 32

// HexSize is the length of the lowercase hex-encoded digest.
const HexSize = HashSize * 2

// Hasher wraps a streaming BLAKE3 hash so callers can feed it bytes as they
// are written (hash-on-write) and read the digest back out once done.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a ready-to-use streaming hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(HashSize, nil)}
}

// Write feeds bytes into the running hash. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// SumHex returns the lowercase hex digest of everything written so far.
func (h *Hasher) SumHex() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Sum returns the binary digest of everything written so far.
func (h *Hasher) Sum() []byte {
	return h.h.Sum(nil)
}

// HashBytes returns the lowercase hex BLAKE3-256 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader copies r through a BLAKE3 hasher in 64 KiB chunks so the
// caller pays only the cost of one read pass, returning the hex digest and
// the number of bytes read.
func HashReader(r io.Reader) (hash string, size int64, err error) {
	h := NewHasher()
	n, err := io.CopyBuffer(h, r, make([]byte, 64*1024))
	if err != nil {
		return "", 0, err
	}
	return h.SumHex(), n, nil
}

// ValidateHex rejects any hash argument that is not exactly HexSize lowercase
// hex characters, per the blob store's input-rejection rule.
func ValidateHex(hash string) error {
	if len(hash) != HexSize {
		return errtypes.InvalidInput("hash must be " + strconv.Itoa(HexSize) + " hex characters")
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return errtypes.InvalidInput("hash must be lowercase hex")
		}
	}
	return nil
}
