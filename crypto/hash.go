// Package crypto supplies the digest, encryption and verification primitives
// shared by the storage backend tree (compress/encrypt/verify filters) and
// the pool (chunk digests). The default digest algorithm is blake2b, chosen
// the same way the teacher chose blake2b for its own content hashes: a
// single, fixed 256-bit hash is enough, and blake2b is substantially faster
// than sha256 on the chunk sizes actually handled here.
package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the width, in bytes, of the default digest algorithm.
const HashSize = 32

type (
	// Hash is a fixed-width digest produced by the default hash algorithm.
	// Chunk and host/share/root hashsets that use the default algorithm
	// store entries of this width; a pool configured with a different
	// hashwidth instead deals in raw []byte digests (see package hashset).
	Hash [HashSize]byte

	// HashSlice implements sort.Interface over a slice of Hash, ordering
	// lexicographically over the raw bytes as spec.md §3 requires for all
	// digests in the system.
	HashSlice []Hash
)

// ErrHashWrongLen is returned when a JSON-encoded hash string does not
// decode to exactly HashSize bytes.
var ErrHashWrongLen = errors.New("encoded value has the wrong length to be a hash")

// NewHash returns a blake2b 256-bit hasher, usable incrementally (e.g. by
// the pool writer while a chunk is still being buffered).
func NewHash() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("crypto: blake2b.New256: " + err.Error())
	}
	return h
}

// HashBytes returns the default-algorithm digest of data. This is the
// function the Pool uses as digest_of (spec.md §4.4) when the configured
// hash algorithm is left at its default.
func HashBytes(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// HashAll concatenates its arguments and returns their combined digest.
// Used where a digest needs to be salted or combined with another value,
// such as deriving the Encrypt filter's cipher, HMAC and digest keys from
// its master key plus a fixed label.
func HashAll(bs ...[]byte) Hash {
	var buf bytes.Buffer
	for _, b := range bs {
		buf.Write(b)
	}
	return HashBytes(buf.Bytes())
}

func (hs HashSlice) Len() int           { return len(hs) }
func (hs HashSlice) Less(i, j int) bool { return bytes.Compare(hs[i][:], hs[j][:]) < 0 }
func (hs HashSlice) Swap(i, j int)      { hs[i], hs[j] = hs[j], hs[i] }

// String prints the hash as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalJSON marshals a hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hash from a hex string.
func (h *Hash) UnmarshalJSON(b []byte) error {
	// *2 because there are 2 hex characters per byte, +2 for the
	// surrounding JSON quotes.
	if len(b) != HashSize*2+2 {
		return ErrHashWrongLen
	}
	decoded, err := hex.DecodeString(string(b[1 : len(b)-1]))
	if err != nil {
		return errors.New("could not unmarshal crypto.Hash: " + err.Error())
	}
	copy(h[:], decoded)
	return nil
}
