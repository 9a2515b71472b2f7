// Package share implements the share index writer and reader described in
// spec.md §4.7 (component C7): dentry serialization, name mangling, the
// hardlink view, and the lazily materialized hashes sidecar, all built on
// top of package hardhat.
package share

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/wsldankers/fruitbak-sub000/encoding"
)

// POSIX file-type bits, matching the layout spec.md §3 assumes for mode.
const (
	TypeMask = 0170000
	TypeSock = 0140000
	TypeLnk  = 0120000
	TypeReg  = 0100000
	TypeBlk  = 0060000
	TypeDir  = 0040000
	TypeChr  = 0020000
	TypeFifo = 0010000

	// RHardlink is the reserved high bit meaning "this entry is a hardlink
	// reference; Extra is the target name".
	RHardlink = 0x40000000
)

// DentryFormatVersion is the only version this package writes or accepts.
const DentryFormatVersion = 0

// ErrBadVersion is returned by Deserialize when the leading format version
// field is nonzero.
var ErrBadVersion = errors.New("share: dentry has an unrecognized format version")

// Dentry is the atomic record written into the share index (spec.md §3).
type Dentry struct {
	Name    string
	Mode    uint32
	Size    uint64
	MtimeNS uint64
	Uid     uint32
	Gid     uint32
	Extra   []byte
}

// IsHardlink reports whether the R_HARDLINK bit is set.
func (d *Dentry) IsHardlink() bool { return d.Mode&RHardlink != 0 }

// Type returns the POSIX file-type bits of Mode, ignoring R_HARDLINK.
func (d *Dentry) Type() uint32 { return d.Mode & TypeMask }

// Serialize encodes a dentry per spec.md §6: little-endian
// `u32 version(=0); u32 mode; u64 size; u64 mtime_ns; u32 uid; u32 gid; u8[] extra`.
func Serialize(d *Dentry) []byte {
	var buf bytes.Buffer
	enc := encoding.NewEncoder(&buf)
	enc.WriteUint32(DentryFormatVersion)
	enc.WriteUint32(d.Mode)
	enc.WriteUint64(d.Size)
	enc.WriteUint64(d.MtimeNS)
	enc.WriteUint32(d.Uid)
	enc.WriteUint32(d.Gid)
	enc.Write(d.Extra)
	return buf.Bytes()
}

// Deserialize decodes a dentry value as written by Serialize. name is not
// part of the encoded value; callers supply it from the index key.
func Deserialize(name string, value []byte) (*Dentry, error) {
	dec := encoding.NewDecoder(bytes.NewReader(value))
	version := dec.ReadUint32()
	if version != DentryFormatVersion {
		return nil, ErrBadVersion
	}
	mode := dec.ReadUint32()
	size := dec.ReadUint64()
	mtime := dec.ReadUint64()
	uid := dec.ReadUint32()
	gid := dec.ReadUint32()
	if err := dec.Err(); err != nil {
		return nil, err
	}
	const headerLen = 4 + 4 + 8 + 8 + 4 + 4
	extra := make([]byte, len(value)-headerLen)
	copy(extra, value[headerLen:])
	return &Dentry{
		Name:    name,
		Mode:    mode,
		Size:    size,
		MtimeNS: mtime,
		Uid:     uid,
		Gid:     gid,
		Extra:   extra,
	}, nil
}

// isMangled reports whether c is one of the bytes spec.md §6 requires to be
// percent-hex escaped in an on-disk share directory name.
func isMangled(c byte) bool {
	switch c {
	case '%', ':', '\\', '/', '.':
		return true
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// MangleName escapes a share name for use as an on-disk directory name:
// every byte in `% : \ / \s .` becomes `%HH` (uppercase hex); all other
// bytes are preserved.
func MangleName(name string) string {
	var buf strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isMangled(c) {
			fmt.Fprintf(&buf, "%%%02X", c)
		} else {
			buf.WriteByte(c)
		}
	}
	return buf.String()
}
