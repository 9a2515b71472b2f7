// Package hardhat implements the write-once, read-many key-value store used
// as the share index (spec.md §4.2, component C2): a maker that accepts
// (key, value) pairs in arbitrary order and produces a single file
// supporting O(log n) point lookup and O(1)-step sibling/descendant
// cursors, and a reader that mmaps that file the way package hashset does.
//
// Keys are '/'-separated paths, the same alphabet the share index uses for
// dentry names. Because '/' (0x2F) sorts below every other byte the
// alphabet allows in a path component, a lexicographic sort of the key set
// groups every subtree into a single contiguous range — "a" < "a/b" < "aa"
// — which is what lets Find return a plain forward range scan instead of
// needing to walk a tree.
package hardhat

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wsldankers/fruitbak-sub000/build"
	"github.com/wsldankers/fruitbak-sub000/encoding"
)

const (
	magic         = "HRDHAT01"
	headerSize    = 8 + 4 + 4 + 8 + 8
	indexRecSize  = 8 + 4 + 8 + 4 + 4 + 4
	noIndex       = 0xFFFFFFFF
	formatVersion = 0
)

// DefaultValueFunc supplies a value for a directory entry that the caller
// never added explicitly but whose presence is implied by a deeper key
// (e.g. "a/b/c" implies "a" and "a/b" must also be keys).
type DefaultValueFunc func(parent string) []byte

// Maker accumulates (key, value) pairs before producing a finished index.
type Maker struct {
	entries map[string][]byte
}

// NewMaker returns an empty Maker.
func NewMaker() *Maker {
	return &Maker{entries: make(map[string][]byte)}
}

// AddEntry records a (key, value) pair. Keys may be added in any order;
// adding the same key twice replaces the previous value.
func (m *Maker) AddEntry(key string, value []byte) {
	m.entries[key] = value
}

func parentOf(key string) (parent string, hasParent bool) {
	if key == "" {
		return "", false
	}
	idx := strings.LastIndexByte(key, '/')
	if idx < 0 {
		return "", true
	}
	return key[:idx], true
}

// indexRecord mirrors the fixed-width on-disk index entry.
type indexRecord struct {
	keyOffset        uint64
	keyLength        uint32
	valueOffset      uint64
	valueLength      uint32
	firstChildIndex  uint32
	nextSiblingIndex uint32
}

// Finish sorts all accumulated entries, synthesizes any missing parent
// directory entries via defaultValue, and writes the finished index to w.
func (m *Maker) Finish(w interface{ Write([]byte) (int, error) }, defaultValue DefaultValueFunc) error {
	entries := make(map[string][]byte, len(m.entries))
	for k, v := range m.entries {
		entries[k] = v
	}

	// Synthesize missing parent entries, including the root ("").
	pending := make([]string, 0, len(entries))
	for k := range entries {
		pending = append(pending, k)
	}
	for len(pending) > 0 {
		key := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		parent, hasParent := parentOf(key)
		if !hasParent {
			continue
		}
		if _, ok := entries[parent]; !ok {
			entries[parent] = defaultValue(parent)
			pending = append(pending, parent)
		}
	}
	if len(entries) > 0 {
		if _, ok := entries[""]; !ok {
			entries[""] = defaultValue("")
		}
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := len(keys)
	records := make([]indexRecord, n)
	keyPos := make(map[string]int, n)
	for i, k := range keys {
		keyPos[k] = i
		records[i].firstChildIndex = noIndex
		records[i].nextSiblingIndex = noIndex
	}

	lastChild := make(map[string]int)
	for i, k := range keys {
		parent, hasParent := parentOf(k)
		if !hasParent {
			continue
		}
		pi, ok := keyPos[parent]
		if !ok {
			// Should not happen: every parent was synthesized above.
			build.Critical("hardhat: missing synthesized parent for key", k)
			continue
		}
		if last, ok := lastChild[parent]; ok {
			records[last].nextSiblingIndex = uint32(i)
		} else {
			records[pi].firstChildIndex = uint32(i)
		}
		lastChild[parent] = i
	}

	var keyBlob, valueBlob bytes.Buffer
	for i, k := range keys {
		records[i].keyOffset = uint64(keyBlob.Len())
		records[i].keyLength = uint32(len(k))
		keyBlob.WriteString(k)

		v := entries[k]
		records[i].valueOffset = uint64(valueBlob.Len())
		records[i].valueLength = uint32(len(v))
		valueBlob.Write(v)
	}

	bw := bufio.NewWriter(w)
	enc := encoding.NewEncoder(bw)
	enc.Write([]byte(magic))
	enc.WriteUint32(formatVersion)
	enc.WriteUint32(uint32(n))
	enc.WriteUint64(uint64(keyBlob.Len()))
	enc.WriteUint64(uint64(valueBlob.Len()))
	enc.Write(keyBlob.Bytes())
	enc.Write(valueBlob.Bytes())
	for _, r := range records {
		enc.WriteUint64(r.keyOffset)
		enc.WriteUint32(r.keyLength)
		enc.WriteUint64(r.valueOffset)
		enc.WriteUint32(r.valueLength)
		enc.WriteUint32(r.firstChildIndex)
		enc.WriteUint32(r.nextSiblingIndex)
	}
	if err := enc.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteFile builds the finished index and writes it atomically to path
// (write to path+".new", fsync, rename), matching the durability pattern
// used by hashset.Build and the share/backup JSON sidecars.
func WriteFile(path string, m *Maker, defaultValue DefaultValueFunc) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".new"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := m.Finish(f, defaultValue); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
