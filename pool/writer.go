package pool

// Writer accepts streamed bytes and emits fixed-size, deduplicated chunks
// (spec.md §4.5, component C5).
type Writer struct {
	pool          *Pool
	priorHashsets []Membership
	buf           []byte
	digests       []byte
	total         uint64
	closed        bool
	aborted       bool
}

func newWriter(p *Pool, priorHashsets []Membership) *Writer {
	return &Writer{
		pool:          p,
		priorHashsets: priorHashsets,
		buf:           make([]byte, 0, p.chunkSize),
	}
}

// Write appends p to the rolling buffer, flushing exactly one chunk each
// time the buffer reaches the pool's configured chunk size. It never
// returns a short write.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed || w.aborted {
		panic("pool: Write called on a closed or aborted Writer")
	}
	n := len(p)
	for len(p) > 0 {
		room := w.pool.chunkSize - len(w.buf)
		take := room
		if take > len(p) {
			take = len(p)
		}
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		if len(w.buf) == w.pool.chunkSize {
			if err := w.flushChunk(); err != nil {
				return n - len(p), err
			}
		}
	}
	return n, nil
}

// flushChunk stores the current buffer contents as one chunk (skipping
// storage if the digest is already known via priorHashsets) and resets the
// buffer.
func (w *Writer) flushChunk() error {
	if len(w.buf) == 0 {
		return nil
	}
	digest := w.pool.DigestOf(w.buf)

	known := false
	for _, m := range w.priorHashsets {
		if m != nil && m.Contains(digest) {
			known = true
			break
		}
	}
	if !known {
		if err := w.pool.Store(digest, w.buf); err != nil {
			return err
		}
	}

	w.digests = append(w.digests, digest...)
	w.total += uint64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// Close flushes any residual buffered bytes as a short final chunk and
// returns the complete digest list and total byte count. Every digest in
// the returned list corresponds to a chunk whose content, concatenated in
// order, equals the total input byte sequence.
func (w *Writer) Close() (digestList []byte, totalBytes uint64, err error) {
	if w.closed {
		return w.digests, w.total, nil
	}
	if err := w.flushChunk(); err != nil {
		return nil, 0, err
	}
	w.closed = true
	return w.digests, w.total, nil
}

// Abort discards the buffer without flushing a final chunk. No cleanup of
// already-stored chunks is needed: stored chunks are content-addressed and
// deduplicated, so an aborted write leaves no dangling reference to them.
func (w *Writer) Abort() {
	w.aborted = true
	w.buf = nil
}
