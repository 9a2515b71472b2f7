package pool

import (
	"io"

	"github.com/wsldankers/fruitbak-sub000/build"
)

// Reader provides random-access reads over a digest list, treating the
// chunks it names as one logical byte stream (spec.md §4.6, component C6).
type Reader struct {
	pool    *Pool
	digests []byte // concatenated digests, hashWidth bytes each

	cachedIndex int
	cachedChunk []byte
	haveCache   bool

	cursor int64 // for sequential Read
}

func newReader(p *Pool, digests []byte) *Reader {
	return &Reader{pool: p, digests: digests, cachedIndex: -1}
}

// Len returns the total logical length of the stream in bytes.
func (r *Reader) Len() int64 {
	n := len(r.digests) / r.pool.hashWidth
	if n == 0 {
		return 0
	}
	full := int64(n-1) * int64(r.pool.chunkSize)
	last, err := r.chunk(n - 1)
	if err != nil {
		// Length is only ever queried after the writer side already proved
		// every chunk is reachable; a fetch failure here means pool
		// corruption, which chunk() itself already reports as fatal.
		return full
	}
	return full + int64(len(last))
}

func (r *Reader) numChunks() int {
	return len(r.digests) / r.pool.hashWidth
}

func (r *Reader) digestAt(i int) []byte {
	w := r.pool.hashWidth
	return r.digests[i*w : (i+1)*w]
}

// chunk fetches chunk i, using a single-entry cache for the most recently
// fetched chunk so sequential access never re-fetches the current chunk.
func (r *Reader) chunk(i int) ([]byte, error) {
	if r.haveCache && r.cachedIndex == i {
		return r.cachedChunk, nil
	}
	data, ok, err := r.pool.Retrieve(r.digestAt(i))
	if err != nil {
		return nil, err
	}
	if !ok {
		build.Critical("pool: referenced digest is absent from the pool", r.digestAt(i))
		return nil, build.ExtendErr("pool: missing chunk", io.ErrUnexpectedEOF)
	}
	r.cachedIndex = i
	r.cachedChunk = data
	r.haveCache = true
	return data, nil
}

// Pread reads up to length bytes starting at offset, translating offset
// into a starting chunk index and inner offset, then continuing across
// chunk boundaries until length bytes are collected or the logical end of
// the stream is reached.
func (r *Reader) Pread(offset int64, length int) ([]byte, error) {
	n := r.numChunks()
	if n == 0 || length <= 0 {
		return nil, nil
	}
	chunkSize := int64(r.pool.chunkSize)
	idx := int(offset / chunkSize)
	inner := int(offset % chunkSize)

	out := make([]byte, 0, length)
	for idx < n && len(out) < length {
		data, err := r.chunk(idx)
		if err != nil {
			return nil, err
		}
		if inner >= len(data) {
			break
		}
		avail := data[inner:]
		need := length - len(out)
		if need < len(avail) {
			avail = avail[:need]
		}
		out = append(out, avail...)
		idx++
		inner = 0
	}
	return out, nil
}

// Read reads up to length bytes from the reader's internal cursor,
// advancing it. It returns io.EOF once the cursor reaches the logical end
// of the stream.
func (r *Reader) Read(length int) ([]byte, error) {
	data, err := r.Pread(r.cursor, length)
	if err != nil {
		return nil, err
	}
	r.cursor += int64(len(data))
	if len(data) == 0 && length > 0 {
		return nil, io.EOF
	}
	return data, nil
}

// Seek repositions the internal cursor used by Read.
func (r *Reader) Seek(offset int64) {
	r.cursor = offset
}
