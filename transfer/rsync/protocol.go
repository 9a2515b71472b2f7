// Package rsync implements the rsync-delta transfer provider (spec.md
// §4.9, component C9): a backup.Provider that drives an rsync-compatible
// delta protocol in a child process over a pair of pipes, using a small
// binary RPC framing. This file implements the framing itself and the
// attribute wire format; parent.go implements the parent-side state
// machine; provider.go wires it to a child process and backup.Provider.
package rsync

import (
	"bytes"
	"fmt"
	"io"

	"github.com/wsldankers/fruitbak-sub000/encoding"
)

// Opcode identifies one RPC message (spec.md §4.9's opcode table).
type Opcode byte

const (
	OpFinish                  Opcode = 0
	OpAttribGet               Opcode = 1
	OpFileDeltaRxStart        Opcode = 2
	OpFileDeltaRxNextBlocknum Opcode = 3
	OpFileDeltaRxNextData     Opcode = 4
	OpFileDeltaRxDone         Opcode = 5
	OpCsumStart               Opcode = 6
	OpCsumGet                 Opcode = 7
	OpCsumEndDigest           Opcode = 8
	OpCsumEnd                 Opcode = 9
	OpAttribSet               Opcode = 10
	OpProtocolVersion         Opcode = 11
	OpChecksumSeed            Opcode = 12
)

// replyExpected reports whether op's sender blocks for a reply, per
// spec.md §4.9's opcode table ("reply expected").
func replyExpected(op Opcode) bool {
	return op == OpAttribGet || op == OpCsumGet || op == OpCsumEndDigest
}

// maxMessageSize bounds a single RPC message's payload to guard against a
// misbehaving or malicious child process.
const maxMessageSize = 256 << 20

// Message is one framed RPC message: a 4-byte little-endian length prefix
// (covering Opcode + Payload), then the opcode byte, then the payload.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// WriteMessage frames and writes msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	enc := encoding.NewEncoder(w)
	enc.WriteUint32(uint32(len(msg.Payload) + 1))
	enc.WriteByte(byte(msg.Opcode))
	// An empty payload is not written at all: a zero-length Write on a
	// synchronous pipe (io.Pipe) blocks until the peer reads again.
	if len(msg.Payload) > 0 {
		enc.Write(msg.Payload)
	}
	return enc.Err()
}

// ReadMessage reads one framed RPC message from r.
func ReadMessage(r io.Reader) (Message, error) {
	dec := encoding.NewDecoder(r)
	length := dec.ReadUint32()
	if err := dec.Err(); err != nil {
		return Message{}, err
	}
	if length == 0 || length > maxMessageSize {
		return Message{}, fmt.Errorf("rsync: message length %d out of range", length)
	}
	op := dec.ReadByte()
	payload := make([]byte, length-1)
	dec.ReadFull(payload)
	if err := dec.Err(); err != nil {
		return Message{}, err
	}
	return Message{Opcode: Opcode(op), Payload: payload}, nil
}

// Attrs is the decoded form of the NUL-terminated key,value attribute
// sequence spec.md §4.9 defines for attribGet/attribSet/fileDeltaRxStart.
type Attrs struct {
	Name       string
	Mode       uint32
	Size       uint64
	MtimeNS    uint64
	Uid        uint32
	Gid        uint32
	Link       string
	RdevMajor  uint32
	RdevMinor  uint32
	Hlink      string
	HlinkSelf  bool
	hasMode    bool
	hasSize    bool
	hasMtime   bool
	hasUid     bool
	hasGid     bool
	hasLink    bool
	hasRdev    bool
	hasHlink   bool
}

// HasMode, HasSize etc. report whether the corresponding field was present
// on the wire (attrs are sparse: only fields relevant to the dentry's type
// are sent).
func (a *Attrs) HasMode() bool  { return a.hasMode }
func (a *Attrs) HasSize() bool  { return a.hasSize }
func (a *Attrs) HasMtime() bool { return a.hasMtime }
func (a *Attrs) HasUid() bool   { return a.hasUid }
func (a *Attrs) HasGid() bool   { return a.hasGid }
func (a *Attrs) HasLink() bool  { return a.hasLink }
func (a *Attrs) HasRdev() bool  { return a.hasRdev }
func (a *Attrs) HasHlink() bool { return a.hasHlink }

func (a *Attrs) setMode(v uint32)  { a.Mode, a.hasMode = v, true }
func (a *Attrs) setSize(v uint64)  { a.Size, a.hasSize = v, true }
func (a *Attrs) setMtime(v uint64) { a.MtimeNS, a.hasMtime = v, true }
func (a *Attrs) setUid(v uint32)   { a.Uid, a.hasUid = v, true }
func (a *Attrs) setGid(v uint32)   { a.Gid, a.hasGid = v, true }

// EncodeAttrs serializes a into the NUL-terminated key,value sequence.
func EncodeAttrs(a *Attrs) []byte {
	var buf bytes.Buffer
	writeKV(&buf, "name", a.Name)
	if a.hasMode {
		writeKV(&buf, "mode", fmt.Sprintf("%o", a.Mode))
	}
	if a.hasSize {
		writeKV(&buf, "size", fmt.Sprintf("%d", a.Size))
	}
	if a.hasMtime {
		writeKV(&buf, "mtime", fmt.Sprintf("%d", a.MtimeNS))
	}
	if a.hasUid {
		writeKV(&buf, "uid", fmt.Sprintf("%d", a.Uid))
	}
	if a.hasGid {
		writeKV(&buf, "gid", fmt.Sprintf("%d", a.Gid))
	}
	if a.hasLink {
		writeKV(&buf, "link", a.Link)
	}
	if a.hasRdev {
		writeKV(&buf, "rdev_major", fmt.Sprintf("%d", a.RdevMajor))
		writeKV(&buf, "rdev_minor", fmt.Sprintf("%d", a.RdevMinor))
	}
	if a.hasHlink {
		writeKV(&buf, "hlink", a.Hlink)
	}
	if a.HlinkSelf {
		writeKV(&buf, "hlink_self", "1")
	}
	return buf.Bytes()
}

// decoder sequentially reads fixed-width fields out of a fixed in-memory
// payload, used to parse the non-attrs prefix of messages like
// fileDeltaRxStart and csumStart that precede a trailing Attrs blob.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) need(n int) []byte {
	if d.err != nil || len(d.buf) < n {
		if d.err == nil {
			d.err = fmt.Errorf("rsync: message too short")
		}
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) byte() byte {
	b := d.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint32() uint32 {
	b := d.need(4)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (d *decoder) uint64() uint64 {
	b := d.need(8)
	if b == nil {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func (d *decoder) rest() []byte {
	b := d.buf
	d.buf = nil
	return b
}

func writeKV(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteByte(0)
	buf.WriteString(value)
	buf.WriteByte(0)
}

// DecodeAttrs parses the NUL-terminated key,value sequence produced by
// EncodeAttrs. An empty payload decodes to a zero Attrs (spec.md §4.9's
// "empty meaning no reference exists").
func DecodeAttrs(payload []byte) (*Attrs, error) {
	a := &Attrs{}
	fields := bytes.Split(payload, []byte{0})
	// bytes.Split on a trailing-NUL-terminated sequence of N pairs yields
	// 2N+1 elements, the last one empty.
	for i := 0; i+1 < len(fields); i += 2 {
		key := string(fields[i])
		value := string(fields[i+1])
		switch key {
		case "name":
			a.Name = value
		case "mode":
			var m uint32
			if _, err := fmt.Sscanf(value, "%o", &m); err != nil {
				return nil, fmt.Errorf("rsync: bad mode attr %q: %w", value, err)
			}
			a.Mode, a.hasMode = m, true
		case "size":
			var s uint64
			if _, err := fmt.Sscanf(value, "%d", &s); err != nil {
				return nil, fmt.Errorf("rsync: bad size attr %q: %w", value, err)
			}
			a.Size, a.hasSize = s, true
		case "mtime":
			var m uint64
			if _, err := fmt.Sscanf(value, "%d", &m); err != nil {
				return nil, fmt.Errorf("rsync: bad mtime attr %q: %w", value, err)
			}
			a.MtimeNS, a.hasMtime = m, true
		case "uid":
			var u uint32
			if _, err := fmt.Sscanf(value, "%d", &u); err != nil {
				return nil, fmt.Errorf("rsync: bad uid attr %q: %w", value, err)
			}
			a.Uid, a.hasUid = u, true
		case "gid":
			var g uint32
			if _, err := fmt.Sscanf(value, "%d", &g); err != nil {
				return nil, fmt.Errorf("rsync: bad gid attr %q: %w", value, err)
			}
			a.Gid, a.hasGid = g, true
		case "link":
			a.Link, a.hasLink = value, true
		case "rdev_major":
			var m uint32
			fmt.Sscanf(value, "%d", &m)
			a.RdevMajor, a.hasRdev = m, true
		case "rdev_minor":
			var m uint32
			fmt.Sscanf(value, "%d", &m)
			a.RdevMinor = m
		case "hlink":
			a.Hlink, a.hasHlink = value, true
		case "hlink_self":
			a.HlinkSelf = true
		}
	}
	return a, nil
}
