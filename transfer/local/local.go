// Package local implements the local directory walker (spec.md §4.10,
// component C10): a backup.Provider that populates a share index by
// walking the filesystem directly, without a child process. It mirrors
// the rsync provider's share-writer contract (transfer/rsync) but skips
// the wire protocol entirely, consulting the reference share itself to
// decide whether a regular file's content can be inherited unread.
package local

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/wsldankers/fruitbak-sub000/pool"
	"github.com/wsldankers/fruitbak-sub000/share"
)

// inodeKey identifies a file by (device, inode), used to detect hardlinks
// within a single share run.
type inodeKey struct {
	dev uint64
	ino uint64
}

// Provider walks Root (not crossing any directory listed in Excludes,
// compared as exact relative paths) and builds the share index via w,
// consulting Pool for chunk storage and reference for unread content
// inheritance.
type Provider struct {
	Root     string
	Excludes []string
	Pool     *pool.Pool

	// BackupHashes, when set, is the reference backup's merged hashset
	// (spec.md §4.10), consulted alongside each file's own reference
	// digest list when seeding a new pool writer's dedup skip-list.
	BackupHashes pool.Membership
}

// New returns a Provider rooted at root.
func New(root string, excludes []string, p *pool.Pool) *Provider {
	return &Provider{Root: root, Excludes: excludes, Pool: p}
}

func (p *Provider) excluded(rel string) bool {
	for _, ex := range p.Excludes {
		if rel == ex {
			return true
		}
	}
	return false
}

// Transfer implements backup.Provider.
func (p *Provider) Transfer(w *share.Writer, reference *share.Reader) error {
	seen := make(map[inodeKey]string)
	return p.walk(w, reference, p.Root, "", seen)
}

func (p *Provider) walk(w *share.Writer, reference *share.Reader, abspath, rel string, seen map[inodeKey]string) error {
	entries, err := os.ReadDir(abspath)
	if err != nil {
		return err
	}
	for _, de := range entries {
		name := de.Name()
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		if p.excluded(childRel) {
			continue
		}
		childAbs := filepath.Join(abspath, name)

		lst, err := os.Lstat(childAbs)
		if err != nil {
			return err
		}
		dentry, isDir, err := p.dentryFor(childRel, childAbs, lst, reference, seen)
		if err != nil {
			return err
		}
		if dentry != nil {
			w.AddEntry(dentry)
		}
		if isDir {
			if err := p.walk(w, reference, childAbs, childRel, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Provider) dentryFor(rel, abspath string, lst os.FileInfo, reference *share.Reader, seen map[inodeKey]string) (d *share.Dentry, isDir bool, err error) {
	sys, ok := lst.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, false, nil
	}
	mode := uint32(lst.Mode().Perm())
	mtimeNS := uint64(lst.ModTime().UnixNano())
	uid, gid := sys.Uid, sys.Gid

	switch {
	case lst.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(abspath)
		if err != nil {
			return nil, false, err
		}
		return &share.Dentry{Name: rel, Mode: mode | share.TypeLnk, Uid: uid, Gid: gid, MtimeNS: mtimeNS, Extra: []byte(target)}, false, nil

	case lst.IsDir():
		return &share.Dentry{Name: rel, Mode: mode | share.TypeDir, Uid: uid, Gid: gid, MtimeNS: mtimeNS}, true, nil

	case lst.Mode()&os.ModeDevice != 0:
		typ := uint32(share.TypeBlk)
		if lst.Mode()&os.ModeCharDevice != 0 {
			typ = share.TypeChr
		}
		extra := make([]byte, 8)
		rdev := uint64(sys.Rdev)
		major := uint32((rdev>>8)&0xfff) | uint32((rdev>>32)&^uint64(0xfff))
		minor := uint32(rdev&0xff) | uint32((rdev>>12)&^uint64(0xff))
		binary.LittleEndian.PutUint32(extra[0:4], major)
		binary.LittleEndian.PutUint32(extra[4:8], minor)
		return &share.Dentry{Name: rel, Mode: mode | typ, Uid: uid, Gid: gid, MtimeNS: mtimeNS, Extra: extra}, false, nil

	case lst.Mode()&os.ModeNamedPipe != 0:
		return &share.Dentry{Name: rel, Mode: mode | share.TypeFifo, Uid: uid, Gid: gid, MtimeNS: mtimeNS}, false, nil

	case lst.Mode()&os.ModeSocket != 0:
		return &share.Dentry{Name: rel, Mode: mode | share.TypeSock, Uid: uid, Gid: gid, MtimeNS: mtimeNS}, false, nil

	default:
		return p.regularFile(rel, abspath, lst, sys, mode, uid, gid, mtimeNS, reference, seen)
	}
}

func (p *Provider) regularFile(rel, abspath string, lst os.FileInfo, sys *syscall.Stat_t, mode, uid, gid uint32, mtimeNS uint64, reference *share.Reader, seen map[inodeKey]string) (*share.Dentry, bool, error) {
	size := uint64(lst.Size())

	if sys.Nlink > 1 {
		key := inodeKey{dev: uint64(sys.Dev), ino: sys.Ino}
		if first, ok := seen[key]; ok {
			return &share.Dentry{Name: rel, Mode: mode | share.TypeReg | share.RHardlink, Uid: uid, Gid: gid, MtimeNS: mtimeNS, Extra: []byte(first)}, false, nil
		}
		seen[key] = rel
	}

	var refEntry *share.ResolvedEntry
	if reference != nil {
		refEntry = lookupReference(reference, rel)
		if refEntry != nil &&
			refEntry.Entry.Type() == share.TypeReg && !refEntry.Entry.IsHardlink() &&
			refEntry.Entry.Size == size && refEntry.Entry.MtimeNS == mtimeNS &&
			refEntry.Entry.Uid == uid && refEntry.Entry.Gid == gid && refEntry.Entry.Mode == mode|share.TypeReg {
			return &share.Dentry{Name: rel, Mode: mode | share.TypeReg, Size: size, Uid: uid, Gid: gid, MtimeNS: mtimeNS, Extra: refEntry.Entry.Extra}, false, nil
		}
	}

	f, err := os.Open(abspath)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	var priors []pool.Membership
	if refEntry != nil && refEntry.Entry.Type() == share.TypeReg {
		priors = append(priors, pool.DigestListMembership{Digests: refEntry.Entry.Extra, HashSize: p.Pool.HashWidth()})
	}
	if p.BackupHashes != nil {
		priors = append(priors, p.BackupHashes)
	}
	pw := p.Pool.NewWriter(priors...)
	if _, err := io.Copy(pw, f); err != nil {
		pw.Abort()
		return nil, false, err
	}
	digests, total, err := pw.Close()
	if err != nil {
		return nil, false, err
	}

	return &share.Dentry{Name: rel, Mode: mode | share.TypeReg, Size: total, Uid: uid, Gid: gid, MtimeNS: mtimeNS, Extra: digests}, false, nil
}

func lookupReference(reference *share.Reader, rel string) *share.ResolvedEntry {
	entry, err := reference.GetEntry(rel)
	if err != nil || entry == nil {
		return nil
	}
	return entry
}
