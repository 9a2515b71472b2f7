// Package pool implements the content-addressed chunk pool (spec.md §4.4,
// §4.5, §4.6 — components C4, C5, C6): the pool itself owns the storage
// tree root and the hash/chunk-size policy; Writer streams arbitrary bytes
// into fixed-size, deduplicated chunks; Reader provides random access over
// a digest list as if it were one logical byte stream.
package pool

import (
	"github.com/wsldankers/fruitbak-sub000/storage"
)

// DefaultChunkSize is the chunk size used when a pool's configuration
// leaves it unset, matching spec.md §3's default of 2 MiB.
const DefaultChunkSize = 2 << 20

// Pool owns the storage tree root and the digest/chunk-size policy shared
// by every writer and reader built from it.
type Pool struct {
	store     storage.Store
	chunkSize int
	digestOf  storage.DigestFunc
	hashWidth int
}

// New returns a Pool backed by store, using digestOf as the canonical
// digest function and chunkSize as the maximum chunk size. hashWidth is
// the width in bytes of digests produced by digestOf.
func New(store storage.Store, digestOf storage.DigestFunc, hashWidth, chunkSize int) *Pool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Pool{store: store, chunkSize: chunkSize, digestOf: digestOf, hashWidth: hashWidth}
}

// ChunkSize returns the configured maximum chunk size.
func (p *Pool) ChunkSize() int { return p.chunkSize }

// HashWidth returns the width in bytes of digests produced by DigestOf.
func (p *Pool) HashWidth() int { return p.hashWidth }

// DigestOf computes the canonical digest of data, used throughout the
// system to identify chunk content.
func (p *Pool) DigestOf(data []byte) []byte {
	return p.digestOf(data)
}

// Store persists data under digest, delegating to the underlying storage
// tree. Storing an already-present digest is a no-op.
func (p *Pool) Store(digest, data []byte) error {
	return p.store.Store(digest, data)
}

// Retrieve returns the chunk stored under digest, or ok=false if absent.
func (p *Pool) Retrieve(digest []byte) ([]byte, bool, error) {
	return p.store.Retrieve(digest)
}

// Has reports whether digest is present in the pool.
func (p *Pool) Has(digest []byte) (bool, error) {
	return p.store.Has(digest)
}

// Remove deletes digest from the pool.
func (p *Pool) Remove(digest []byte) error {
	return p.store.Remove(digest)
}

// Iterate enumerates every digest present in the pool, in storage-defined
// batches (used by garbage collection).
func (p *Pool) Iterate(fn func(storage.Batch) error) error {
	return p.store.Iterate(fn)
}

// NewWriter returns a Writer that streams bytes into chunks of this pool's
// size, skipping storage for any digest already known via priorHashsets.
func (p *Pool) NewWriter(priorHashsets ...Membership) *Writer {
	return newWriter(p, priorHashsets)
}

// NewReader returns a Reader over digests, a digest list produced by a
// prior Writer.Close.
func (p *Pool) NewReader(digests []byte) *Reader {
	return newReader(p, digests)
}

// Membership reports whether a digest is already known to be stored,
// letting a Writer skip redundant stores during incremental transfers.
// *hashset.Set satisfies this interface.
type Membership interface {
	Contains(digest []byte) bool
}

// DigestListMembership is a Membership over a single, unsorted digest
// list (as produced by one Writer.Close), used by transfer providers to
// seed prior_hashsets with a reference file's own digests without first
// sorting them into a hashset.
type DigestListMembership struct {
	Digests  []byte
	HashSize int
}

// Contains reports whether digest appears anywhere in the list, via a
// linear scan (the list is typically one file's worth of digests, too
// small to warrant sorting).
func (m DigestListMembership) Contains(digest []byte) bool {
	if m.HashSize <= 0 {
		return false
	}
	for off := 0; off+m.HashSize <= len(m.Digests); off += m.HashSize {
		if string(m.Digests[off:off+m.HashSize]) == string(digest) {
			return true
		}
	}
	return false
}
