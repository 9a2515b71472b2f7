// Package storage implements the pluggable chunk store described in
// spec.md §4.3 (component C3): a filesystem leaf plus three composable
// filter nodes (compress, encrypt, verify). Every node in the tree
// implements the same Store capability, so filters nest transparently —
// the pool only ever talks to the outermost Store.
//
// This mirrors the way the teacher's contractmanager layers a storage
// folder underneath sector bookkeeping: a small abstract capability at the
// bottom, with everything above it built by composition rather than by
// special-casing.
package storage

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"

	"github.com/wsldankers/fruitbak-sub000/build"
)

// DigestFunc computes the canonical digest of a plaintext chunk. The pool
// supplies this to the verify filter so it shares exactly the same
// algorithm the pool itself uses as digest_of.
type DigestFunc func(data []byte) []byte

// Batch is one group of digests yielded during iteration. The filesystem
// leaf yields one batch per two-character subdirectory.
type Batch = [][]byte

// Store is the abstract capability every storage node implements: a
// content-addressed put/get/has/remove plus enumeration.
type Store interface {
	// Store persists data under digest. It is a silent no-op if digest is
	// already present (deduplication).
	Store(digest, data []byte) error

	// Retrieve returns the data stored under digest, or ok=false if absent
	// anywhere in the chain.
	Retrieve(digest []byte) (data []byte, ok bool, err error)

	// Has reports whether digest is present.
	Has(digest []byte) (bool, error)

	// Remove deletes digest. It is not an error if digest is absent.
	Remove(digest []byte) error

	// Iterate calls fn once per batch of digests found in the store. fn may
	// be called zero or more times; iteration stops at the first error fn
	// returns.
	Iterate(fn func(Batch) error) error
}

// FilesystemStore is the leaf of the storage tree: it maps each digest to
// a two-level path under root (spec.md §4.3's canonical derivation) and
// performs durable, atomic, idempotent writes.
type FilesystemStore struct {
	root  string
	fsync bool
}

// NewFilesystemStore returns a leaf store rooted at root. When fsync is
// true, Store flushes each chunk to disk before renaming it into place.
func NewFilesystemStore(root string, fsync bool) *FilesystemStore {
	return &FilesystemStore{root: root, fsync: fsync}
}

// digestName returns the canonical base64url (no padding) encoding of
// digest, used as the concatenation of subdirectory and filename.
func digestName(digest []byte) string {
	return base64.RawURLEncoding.EncodeToString(digest)
}

func (s *FilesystemStore) path(digest []byte) (dir, name, full string) {
	encoded := digestName(digest)
	dir = encoded[:2]
	name = encoded[2:]
	full = filepath.Join(s.root, dir, name)
	return
}

// Store implements Store.
func (s *FilesystemStore) Store(digest, data []byte) error {
	_, _, full := s.path(digest)
	if _, err := os.Lstat(full); err == nil {
		return nil // already present: deduplication
	}

	stagingName := filepath.Join(s.root, "new-"+strconv.Itoa(os.Getpid()))
	f, err := os.OpenFile(stagingName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(s.root, 0755); mkErr != nil {
				return mkErr
			}
			f, err = os.OpenFile(stagingName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		}
		if err != nil {
			return err
		}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(stagingName)
		return err
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(stagingName)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(stagingName)
		return err
	}

	if err := os.Rename(stagingName, full); err != nil {
		if os.IsNotExist(err) {
			dir, _, _ := s.path(digest)
			if mkErr := os.MkdirAll(filepath.Join(s.root, dir), 0755); mkErr != nil {
				os.Remove(stagingName)
				return mkErr
			}
			if err := os.Rename(stagingName, full); err != nil {
				os.Remove(stagingName)
				return err
			}
			return nil
		}
		os.Remove(stagingName)
		return err
	}
	return nil
}

// Retrieve implements Store.
func (s *FilesystemStore) Retrieve(digest []byte) ([]byte, bool, error) {
	_, _, full := s.path(digest)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Has implements Store.
func (s *FilesystemStore) Has(digest []byte) (bool, error) {
	_, _, full := s.path(digest)
	_, err := os.Lstat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Remove implements Store.
func (s *FilesystemStore) Remove(digest []byte) error {
	_, _, full := s.path(digest)
	err := os.Remove(full)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Iterate implements Store, enumerating all two-character subdirectories
// then all files within each, one batch per subdirectory.
func (s *FilesystemStore) Iterate(fn func(Batch) error) error {
	subdirs, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, sub := range subdirs {
		if !sub.IsDir() || len(sub.Name()) != 2 {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, sub.Name()))
		if err != nil {
			return err
		}
		batch := make(Batch, 0, len(files))
		for _, fe := range files {
			if fe.IsDir() {
				continue
			}
			encoded := sub.Name() + fe.Name()
			digest, err := base64.RawURLEncoding.DecodeString(encoded)
			if err != nil {
				build.Critical("storage: unparsable filename in pool tree", encoded)
				continue
			}
			batch = append(batch, digest)
		}
		if len(batch) == 0 {
			continue
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}
