// Package hashset implements the sorted, fixed-width digest file described
// in spec.md §4.1 (component C1): an immutable sorted array of digests that
// supports O(log n) membership tests and merge-built construction from
// several already-sorted sources.
//
// The on-disk format is nothing but `count * width` raw bytes; ordering is
// the file's own invariant rather than anything stored in a header. Loading
// mmaps the file the same way gastrolog's chunk.file.MmapReader does, since
// a hashset can be tens of millions of entries and reading it fully into a
// Go slice would duplicate that memory for no benefit — binary search reads
// the mapping in place.
package hashset

import (
	"bufio"
	"bytes"
	"container/heap"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/wsldankers/fruitbak-sub000/build"
)

// Set is an immutable, memory-mapped sorted array of fixed-width digests.
type Set struct {
	width int
	data  []byte // mmap, len(data) == count*width
	file  *os.File
}

// Width returns the configured digest width in bytes.
func (s *Set) Width() int { return s.width }

// Len returns the number of digests in the set.
func (s *Set) Len() int {
	if s.width == 0 {
		return 0
	}
	return len(s.data) / s.width
}

// At returns the digest at the given 0-based rank, which must be in
// [0, Len()). The returned slice aliases the memory mapping and must not be
// retained past Close.
func (s *Set) At(i int) []byte {
	return s.data[i*s.width : (i+1)*s.width]
}

// Contains reports whether d is present in the set, via binary search.
func (s *Set) Contains(d []byte) bool {
	return s.search(d) >= 0
}

// search returns the rank of d if present, or -1.
func (s *Set) search(d []byte) int {
	n := s.Len()
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(s.At(i), d) >= 0
	})
	if i < n && bytes.Equal(s.At(i), d) {
		return i
	}
	return -1
}

// Iterate returns a forward cursor over the set, starting at the first
// digest >= first. A nil first starts at the beginning.
func (s *Set) Iterate(first []byte) *Cursor {
	start := 0
	if first != nil {
		n := s.Len()
		start = sort.Search(n, func(i int) bool {
			return bytes.Compare(s.At(i), first) >= 0
		})
	}
	return &Cursor{set: s, next: start}
}

// Cursor is a restartable forward iterator over a Set.
type Cursor struct {
	set  *Set
	next int
}

// Next returns the next digest, or nil when exhausted.
func (c *Cursor) Next() []byte {
	if c.next >= c.set.Len() {
		return nil
	}
	d := c.set.At(c.next)
	c.next++
	return d
}

// Load mmaps the hashset file at path for reading. The file size must be a
// multiple of width; otherwise the file is considered corrupt and Load
// fails (a corrupt trailer is a fatal condition per spec.md §4.2's failure
// model, which hashset shares).
func Load(path string, width int) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return &Set{width: width}, nil
	}
	if size%int64(width) != 0 {
		f.Close()
		build.Critical("hashset: file size is not a multiple of the digest width", path)
		return nil, build.ExtendErr("hashset: corrupt trailer", os.ErrInvalid)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Set{width: width, data: data, file: f}, nil
}

// Close releases the memory mapping backing the set, if any.
func (s *Set) Close() error {
	if s.data == nil {
		return nil
	}
	err := syscall.Munmap(s.data)
	s.data = nil
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// source is a single already-sorted stream of fixed-width digests, read
// sequentially.
type source struct {
	r     *bufio.Reader
	width int
}

func (s *source) next() ([]byte, error) {
	buf := make([]byte, s.width)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// mergeItem is one entry in the k-way merge heap.
type mergeItem struct {
	digest []byte
	srcIdx int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return bytes.Compare(h[i].digest, h[j].digest) < 0 }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Build merges the already-sorted digest streams in sources, de-duplicates
// them, and atomically writes the result to path (write to path+".new",
// fsync, rename), per spec.md §4.1. Each source must already be sorted in
// ascending order; Build does not itself verify this beyond what the merge
// step incidentally observes, since a violated precondition there would
// simply yield a non-sorted (and thus invalid) output rather than silently
// "fixing" bad input.
func Build(path string, width int, sources ...io.Reader) error {
	srcs := make([]*source, len(sources))
	h := make(mergeHeap, 0, len(sources))
	for i, r := range sources {
		srcs[i] = &source{r: bufio.NewReader(r), width: width}
		d, err := srcs[i].next()
		if err == nil {
			heap.Push(&h, mergeItem{digest: d, srcIdx: i})
		} else if err != io.EOF {
			return err
		}
	}

	tmpPath := path + ".new"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)

	var prev []byte
	written := 0
	for h.Len() > 0 {
		item := heap.Pop(&h).(mergeItem)
		if prev == nil || !bytes.Equal(prev, item.digest) {
			if _, err := w.Write(item.digest); err != nil {
				out.Close()
				return err
			}
			prev = item.digest
			written++
		}
		next, err := srcs[item.srcIdx].next()
		if err == nil {
			heap.Push(&h, mergeItem{digest: next, srcIdx: item.srcIdx})
		} else if err != io.EOF {
			out.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// SortFile performs an in-place external sort and dedup of an unsorted
// digest file (used when digests were appended in arbitrary order, e.g.
// while a share's hashes sidecar is being accumulated). It is implemented
// as a load-into-memory sort; its unsorted inputs in this system are the
// per-share hashes files and the garbage collector's pool-wide available
// file, and the whole file is held in memory while it is sorted.
func SortFile(path string, width int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data)%width != 0 {
		build.Critical("hashset: SortFile input size is not a multiple of the digest width", path)
		return build.ExtendErr("hashset: corrupt input", os.ErrInvalid)
	}
	n := len(data) / width
	entries := make([][]byte, n)
	for i := 0; i < n; i++ {
		entries[i] = data[i*width : (i+1)*width]
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i], entries[j]) < 0
	})

	tmpPath := path + ".new"
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	var prev []byte
	for _, e := range entries {
		if prev != nil && bytes.Equal(prev, e) {
			continue
		}
		if _, err := w.Write(e); err != nil {
			out.Close()
			return err
		}
		prev = e
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
