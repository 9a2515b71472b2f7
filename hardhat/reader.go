package hardhat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/wsldankers/fruitbak-sub000/build"
)

// ErrCorrupt is returned when the index file's header or trailer does not
// match the expected layout. Per spec.md §4.2 this is always fatal; there is
// no partial-read recovery for a corrupt hardhat file.
var ErrCorrupt = errors.New("hardhat: corrupt index file")

// Reader provides read-only access to a finished hardhat index.
type Reader struct {
	file *os.File
	data []byte

	count       int
	keyBlob     []byte
	valueBlob   []byte
	indexOffset int
}

// Open mmaps the index file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := int(info.Size())
	if size < headerSize {
		f.Close()
		build.Critical("hardhat: file shorter than header", path)
		return nil, ErrCorrupt
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	if !bytes.Equal(data[0:8], []byte(magic)) {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrCorrupt
	}
	version := binary.LittleEndian.Uint32(data[8:12])
	if version != formatVersion {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrCorrupt
	}
	count := int(binary.LittleEndian.Uint32(data[12:16]))
	keyBlobLen := int(binary.LittleEndian.Uint64(data[16:24]))
	valueBlobLen := int(binary.LittleEndian.Uint64(data[24:32]))

	keyBlobOff := headerSize
	valueBlobOff := keyBlobOff + keyBlobLen
	indexOff := valueBlobOff + valueBlobLen
	if indexOff+count*indexRecSize > size {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrCorrupt
	}

	return &Reader{
		file:        f,
		data:        data,
		count:       count,
		keyBlob:     data[keyBlobOff : keyBlobOff+keyBlobLen],
		valueBlob:   data[valueBlobOff : valueBlobOff+valueBlobLen],
		indexOffset: indexOff,
	}, nil
}

// Close releases the memory mapping.
func (r *Reader) Close() error {
	if r.data == nil {
		return nil
	}
	err := syscall.Munmap(r.data)
	r.data = nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Reader) record(i int) indexRecord {
	off := r.indexOffset + i*indexRecSize
	b := r.data[off : off+indexRecSize]
	return indexRecord{
		keyOffset:        binary.LittleEndian.Uint64(b[0:8]),
		keyLength:        binary.LittleEndian.Uint32(b[8:12]),
		valueOffset:      binary.LittleEndian.Uint64(b[12:20]),
		valueLength:      binary.LittleEndian.Uint32(b[20:24]),
		firstChildIndex:  binary.LittleEndian.Uint32(b[24:28]),
		nextSiblingIndex: binary.LittleEndian.Uint32(b[28:32]),
	}
}

func (r *Reader) key(i int) string {
	rec := r.record(i)
	return string(r.keyBlob[rec.keyOffset : rec.keyOffset+uint64(rec.keyLength)])
}

func (r *Reader) value(i int) []byte {
	rec := r.record(i)
	return r.valueBlob[rec.valueOffset : rec.valueOffset+uint64(rec.valueLength)]
}

// find returns the index of path, or -1 if absent.
func (r *Reader) find(path string) int {
	i := sort.Search(r.count, func(i int) bool {
		return r.key(i) >= path
	})
	if i < r.count && r.key(i) == path {
		return i
	}
	return -1
}

// Get performs an exact lookup. inode is the 1-based rank of the entry in
// sorted key order, stable for a given finalized index.
func (r *Reader) Get(path string) (name string, value []byte, inode int, ok bool) {
	i := r.find(path)
	if i < 0 {
		return "", nil, 0, false
	}
	return r.key(i), r.value(i), i + 1, true
}

// Entry is one result yielded by a Cursor.
type Entry struct {
	Name  string
	Value []byte
	Inode int
}

// Cursor iterates over a sequence of entries.
type Cursor interface {
	// Next returns the next entry, or ok=false when exhausted.
	Next() (Entry, bool)
}

// linkedCursor walks the first-child/next-sibling chain produced by Maker.
type linkedCursor struct {
	r    *Reader
	next int
}

func (c *linkedCursor) Next() (Entry, bool) {
	if c.next < 0 {
		return Entry{}, false
	}
	i := c.next
	rec := c.r.record(i)
	if rec.nextSiblingIndex == noIndex {
		c.next = -1
	} else {
		c.next = int(rec.nextSiblingIndex)
	}
	return Entry{Name: c.r.key(i), Value: c.r.value(i), Inode: i + 1}, true
}

// Ls returns a cursor over the immediate children of path, in sorted order.
func (r *Reader) Ls(path string) (Cursor, error) {
	i := r.find(path)
	if i < 0 {
		return nil, os.ErrNotExist
	}
	rec := r.record(i)
	start := -1
	if rec.firstChildIndex != noIndex {
		start = int(rec.firstChildIndex)
	}
	return &linkedCursor{r: r, next: start}, nil
}

// rangeCursor walks a contiguous index range, which is how Find exploits
// the fact that '/' sorts below every other path-component byte: an entire
// subtree occupies one contiguous run of the sorted key array.
type rangeCursor struct {
	r        *Reader
	pos, end int
}

func (c *rangeCursor) Next() (Entry, bool) {
	if c.pos >= c.end {
		return Entry{}, false
	}
	i := c.pos
	c.pos++
	return Entry{Name: c.r.key(i), Value: c.r.value(i), Inode: i + 1}, true
}

// Find returns a cursor over path and all of its descendants, in sorted
// order.
func (r *Reader) Find(path string) (Cursor, error) {
	start := r.find(path)
	if start < 0 {
		return nil, os.ErrNotExist
	}
	// The root ("") has no leading slash to match against: every other key
	// is by definition its descendant, so the whole remainder of the sorted
	// array belongs to it.
	end := r.count
	if path != "" {
		prefix := path + "/"
		end = start + 1
		for end < r.count && strings.HasPrefix(r.key(end), prefix) {
			end++
		}
	}
	return &rangeCursor{r: r, pos: start, end: end}, nil
}

// Count returns the total number of entries in the index.
func (r *Reader) Count() int { return r.count }
