package share

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wsldankers/fruitbak-sub000/build"
	"github.com/wsldankers/fruitbak-sub000/hardhat"
	"github.com/wsldankers/fruitbak-sub000/hashset"
	"github.com/wsldankers/fruitbak-sub000/persist"
)

// ResolvedEntry is the result of a lookup: Dentry's attributes are always
// the concrete target's (hardlink views already resolved), while Name is
// the name that was actually looked up.
type ResolvedEntry struct {
	Name  string
	Entry *Dentry
	Inode int
}

// Reader provides read access to a finalized share: the index, the JSON
// info sidecar, and the lazily materialized hashes sidecar.
type Reader struct {
	dir  string
	hh   *hardhat.Reader
	info *Info
}

// OpenReader opens the index file and loads the JSON sidecar for the share
// directory at dir.
func OpenReader(dir string) (*Reader, error) {
	hh, err := hardhat.Open(filepath.Join(dir, "metadata.hh"))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := persist.LoadJSON(filepath.Join(dir, "info.json"), &info); err != nil {
		hh.Close()
		return nil, err
	}
	return &Reader{dir: dir, hh: hh, info: &info}, nil
}

// Close releases the index's memory mapping.
func (r *Reader) Close() error { return r.hh.Close() }

// Info returns the share's JSON info sidecar.
func (r *Reader) Info() *Info { return r.info }

func (r *Reader) resolve(name string, value []byte, inode int) (*ResolvedEntry, error) {
	d, err := Deserialize(name, value)
	if err != nil {
		return nil, err
	}
	if !d.IsHardlink() {
		return &ResolvedEntry{Name: name, Entry: d, Inode: inode}, nil
	}

	targetName := string(d.Extra)
	targetName2, targetValue, _, ok := r.hh.Get(targetName)
	if !ok {
		return nil, fmt.Errorf("share: hardlink %q targets missing entry %q", name, targetName)
	}
	target, err := Deserialize(targetName2, targetValue)
	if err != nil {
		return nil, err
	}
	if target.Type() != d.Type() {
		build.Critical("share: hardlink target type mismatch", name, targetName)
		return nil, fmt.Errorf("share: hardlink %q target %q has mismatched type", name, targetName)
	}
	return &ResolvedEntry{Name: name, Entry: target, Inode: inode}, nil
}

// GetEntry resolves a single dentry. If it carries R_HARDLINK, the
// returned entry's attributes, size and digest list come from the target
// dentry, while Name remains the originally requested path. A missing
// path returns (nil, nil).
func (r *Reader) GetEntry(path string) (*ResolvedEntry, error) {
	name, value, inode, ok := r.hh.Get(path)
	if !ok {
		return nil, nil
	}
	return r.resolve(name, value, inode)
}

// Cursor iterates over share entries, yielding dentries directly (no
// hardlink resolution), matching spec.md §4.7's Ls/Find contract.
type Cursor struct {
	inner hardhat.Cursor
}

// Next returns the next dentry, or ok=false when exhausted.
func (c *Cursor) Next() (d *Dentry, inode int, ok bool) {
	e, ok := c.inner.Next()
	if !ok {
		return nil, 0, false
	}
	dentry, err := Deserialize(e.Name, e.Value)
	if err != nil {
		build.Critical("share: corrupt dentry value for", e.Name)
		return nil, 0, false
	}
	return dentry, e.Inode, true
}

// Ls returns a cursor over the immediate children of path.
func (r *Reader) Ls(path string) (*Cursor, error) {
	c, err := r.hh.Ls(path)
	if err != nil {
		return nil, err
	}
	return &Cursor{inner: c}, nil
}

// Find returns a cursor over path and all of its descendants, in sorted
// order.
func (r *Reader) Find(path string) (*Cursor, error) {
	c, err := r.hh.Find(path)
	if err != nil {
		return nil, err
	}
	return &Cursor{inner: c}, nil
}

// Hashes returns the share's hashes sidecar, a sorted hashset of every
// digest referenced by the share's regular files, materializing it on
// first request.
func (r *Reader) Hashes(hashWidth int) (*hashset.Set, error) {
	hashesPath := filepath.Join(r.dir, "hashes")
	if _, err := os.Stat(hashesPath); os.IsNotExist(err) {
		if err := r.materializeHashes(hashesPath, hashWidth); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return hashset.Load(hashesPath, hashWidth)
}

func (r *Reader) materializeHashes(hashesPath string, hashWidth int) error {
	newPath := hashesPath + ".new"
	f, err := os.Create(newPath)
	if err != nil {
		return err
	}

	cursor, err := r.Find("")
	if err != nil {
		f.Close()
		os.Remove(newPath)
		return err
	}
	for {
		d, _, ok := cursor.Next()
		if !ok {
			break
		}
		if d.IsHardlink() || d.Type() != TypeReg {
			continue
		}
		if _, err := f.Write(d.Extra); err != nil {
			f.Close()
			os.Remove(newPath)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := hashset.SortFile(newPath, hashWidth); err != nil {
		return err
	}
	return os.Rename(newPath, hashesPath)
}
