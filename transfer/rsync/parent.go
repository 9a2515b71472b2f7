package rsync

import (
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/md4"

	"github.com/wsldankers/fruitbak-sub000/pool"
	"github.com/wsldankers/fruitbak-sub000/share"
)

// Parent implements the parent side of the rsync-delta RPC (spec.md
// §4.9's "Parent-side state and semantics"): it receives decoded messages
// from the child and returns the reply payload (if any) plus whether the
// loop should terminate.
type Parent struct {
	// Reference is the reference share to consult, or nil when the backup
	// has no reference share (attribGet then always reports no reference).
	// Parent is not told whether the backup is full; a non-nil Reference
	// is consulted the same way either way.
	Reference *share.Reader
	// ReferenceHashes, when set, is the reference backup's merged
	// hashset, added to prior_hashsets alongside each file's own
	// reference digest list.
	ReferenceHashes pool.Membership
	// WholeFile selects attribGet's strictness: true requires an exact
	// (mtime, size, uid, gid, mode) match; false accepts any existing
	// regular reference file (spec.md §4.9).
	WholeFile bool
	Pool      *pool.Pool
	Writer    *share.Writer
	// ChecksumSeed seeds the MD4 accumulator (spec.md §4.9's checksumSeed).
	ChecksumSeed uint32

	delta   *deltaSession
	csum    *csumSession
}

type deltaSession struct {
	attrs     *Attrs
	blockSize uint32
	refReader *pool.Reader
	writer    *pool.Writer
}

type csumSession struct {
	reader    *pool.Reader
	offset    int64
	md4       hash.Hash
	needMD4   bool
}

// NewParent returns a Parent ready to dispatch messages for one share
// transfer.
func NewParent(p *pool.Pool, w *share.Writer, reference *share.Reader, referenceHashes pool.Membership) *Parent {
	return &Parent{Pool: p, Writer: w, Reference: reference, ReferenceHashes: referenceHashes}
}

// Dispatch processes one incoming message and returns the reply payload
// (nil if the opcode carries none) plus whether the RPC loop should stop.
func (p *Parent) Dispatch(msg Message) (reply []byte, done bool, err error) {
	switch msg.Opcode {
	case OpFinish:
		return nil, true, nil

	case OpAttribGet:
		r, err := p.attribGet(msg.Payload)
		return r, false, err

	case OpFileDeltaRxStart:
		return nil, false, p.fileDeltaRxStart(msg.Payload)

	case OpFileDeltaRxNextBlocknum:
		return nil, false, p.fileDeltaRxNextBlocknum(msg.Payload)

	case OpFileDeltaRxNextData:
		return nil, false, p.fileDeltaRxNextData(msg.Payload)

	case OpFileDeltaRxDone:
		return nil, false, p.fileDeltaRxDone()

	case OpCsumStart:
		return nil, false, p.csumStart(msg.Payload)

	case OpCsumGet:
		r, err := p.csumGet(msg.Payload)
		return r, false, err

	case OpCsumEndDigest:
		r := p.csumEnd(true)
		return r, false, nil

	case OpCsumEnd:
		p.csumEnd(false)
		return nil, false, nil

	case OpAttribSet:
		return nil, false, p.attribSet(msg.Payload)

	case OpProtocolVersion:
		return nil, false, nil

	case OpChecksumSeed:
		if len(msg.Payload) >= 4 {
			p.ChecksumSeed = binary.LittleEndian.Uint32(msg.Payload)
		}
		return nil, false, nil

	default:
		return nil, false, fmt.Errorf("rsync: unknown opcode %d", msg.Opcode)
	}
}

func (p *Parent) attribGet(payload []byte) ([]byte, error) {
	attrs, err := DecodeAttrs(payload)
	if err != nil {
		return nil, err
	}
	if p.Reference == nil {
		return nil, nil
	}
	entry, err := p.Reference.GetEntry(attrs.Name)
	if err != nil || entry == nil {
		return nil, nil
	}
	if entry.Entry.Type() != share.TypeReg {
		return nil, nil
	}
	if p.WholeFile {
		if entry.Entry.MtimeNS != attrs.MtimeNS || entry.Entry.Size != attrs.Size ||
			entry.Entry.Uid != attrs.Uid || entry.Entry.Gid != attrs.Gid ||
			entry.Entry.Mode != attrs.Mode {
			return nil, nil
		}
	}
	reply := dentryToAttrs(entry.Entry)
	reply.Name = attrs.Name
	if attrs.HlinkSelf {
		reply.HlinkSelf = true
	}
	return EncodeAttrs(reply), nil
}

func (p *Parent) fileDeltaRxStart(payload []byte) error {
	dec := decoder{buf: payload}
	numBlocks := dec.uint64()
	blockSize := dec.uint32()
	_ = dec.uint32() // lastblocksize: recoverable from the file's final size, not needed to drive the writer
	attrs, err := DecodeAttrs(dec.rest())
	if err != nil {
		return err
	}
	_ = numBlocks

	var refDigests []byte
	if p.Reference != nil {
		if entry, err := p.Reference.GetEntry(attrs.Name); err == nil && entry != nil && entry.Entry.Type() == share.TypeReg {
			refDigests = entry.Entry.Extra
		}
	}

	var priors []pool.Membership
	if len(refDigests) > 0 {
		priors = append(priors, pool.DigestListMembership{Digests: refDigests, HashSize: p.Pool.HashWidth()})
	}
	if p.ReferenceHashes != nil {
		priors = append(priors, p.ReferenceHashes)
	}

	p.delta = &deltaSession{
		attrs:     attrs,
		blockSize: blockSize,
		refReader: p.Pool.NewReader(refDigests),
		writer:    p.Pool.NewWriter(priors...),
	}
	return nil
}

func (p *Parent) fileDeltaRxNextBlocknum(payload []byte) error {
	if p.delta == nil {
		return fmt.Errorf("rsync: fileDeltaRxNext_blocknum without fileDeltaRxStart")
	}
	dec := decoder{buf: payload}
	n := dec.uint64()
	if err := dec.err; err != nil {
		return err
	}
	offset := int64(n) * int64(p.delta.blockSize)
	data, err := p.delta.refReader.Pread(offset, int(p.delta.blockSize))
	if err != nil {
		return fmt.Errorf("rsync: block %d out of range in reference: %w", n, err)
	}
	_, err = p.delta.writer.Write(data)
	return err
}

func (p *Parent) fileDeltaRxNextData(payload []byte) error {
	if p.delta == nil {
		return fmt.Errorf("rsync: fileDeltaRxNext_data without fileDeltaRxStart")
	}
	_, err := p.delta.writer.Write(payload)
	return err
}

func (p *Parent) fileDeltaRxDone() error {
	if p.delta == nil {
		return fmt.Errorf("rsync: fileDeltaRxDone without fileDeltaRxStart")
	}
	digests, total, err := p.delta.writer.Close()
	if err != nil {
		return err
	}
	attrs := p.delta.attrs
	d := attrsToDentry(attrs)
	d.Size = total
	d.Extra = digests
	p.Writer.AddEntry(d)
	p.delta = nil
	return nil
}

func (p *Parent) csumStart(payload []byte) error {
	dec := decoder{buf: payload}
	_ = dec.uint32() // blockSize is re-supplied per csumGet call
	needMD4 := dec.byte() != 0
	_ = dec.byte() // phase: both phases share this implementation
	attrs, err := DecodeAttrs(dec.rest())
	if err != nil {
		return err
	}
	if err := dec.err; err != nil {
		return err
	}

	p.csum = nil // implicitly close any still-open session

	var refDigests []byte
	found := false
	if p.Reference != nil {
		if entry, err := p.Reference.GetEntry(attrs.Name); err == nil && entry != nil {
			if entry.Entry.Type() == share.TypeReg {
				refDigests = entry.Entry.Extra
				found = true
			}
		}
	}
	if !found {
		return fmt.Errorf("rsync: csumStart: reference entry %q is missing or not a regular file", attrs.Name)
	}

	sess := &csumSession{reader: p.Pool.NewReader(refDigests), needMD4: needMD4}
	if needMD4 {
		sess.md4 = md4.New()
		var seed [4]byte
		binary.LittleEndian.PutUint32(seed[:], p.ChecksumSeed)
		sess.md4.Write(seed[:])
	}
	p.csum = sess
	return nil
}

func (p *Parent) csumGet(payload []byte) ([]byte, error) {
	if p.csum == nil {
		return nil, fmt.Errorf("rsync: csumGet without csumStart")
	}
	dec := decoder{buf: payload}
	num := dec.uint64()
	blockSize := dec.uint32()
	csumLen := dec.byte()
	if err := dec.err; err != nil {
		return nil, err
	}

	var out []byte
	for i := uint64(0); i < num; i++ {
		block, err := p.csum.reader.Read(int(blockSize))
		if err != nil {
			break
		}
		if len(block) == 0 {
			break
		}
		if p.csum.needMD4 {
			p.csum.md4.Write(block)
		}
		weak := weakChecksum(block)
		strong := strongChecksum(block, p.ChecksumSeed, int(csumLen))
		var rec [4]byte
		binary.LittleEndian.PutUint32(rec[:], weak)
		out = append(out, rec[:]...)
		out = append(out, strong...)
	}
	return out, nil
}

// csumEnd drains any remaining reference bytes into the MD4 accumulator
// (if active) and, when withDigest is true, returns the final digest.
func (p *Parent) csumEnd(withDigest bool) []byte {
	if p.csum == nil {
		return nil
	}
	if p.csum.needMD4 {
		for {
			block, err := p.csum.reader.Read(65536)
			if err != nil || len(block) == 0 {
				break
			}
			p.csum.md4.Write(block)
		}
	}
	var digest []byte
	if withDigest && p.csum.needMD4 {
		digest = p.csum.md4.Sum(nil)
	}
	p.csum = nil
	return digest
}

func (p *Parent) attribSet(payload []byte) error {
	attrs, err := DecodeAttrs(payload)
	if err != nil {
		return err
	}
	d := attrsToDentry(attrs)

	if d.Type() == share.TypeReg && !d.IsHardlink() && p.Reference != nil {
		entry, err := p.Reference.GetEntry(attrs.Name)
		if err == nil && entry != nil {
			if entry.Entry.Type() != share.TypeReg {
				return nil // rsync's behavior is undefined here; drop the entry
			}
			d.Size = entry.Entry.Size
			d.Extra = entry.Entry.Extra
		}
	}
	p.Writer.AddEntry(d)
	return nil
}

func attrsToDentry(a *Attrs) *share.Dentry {
	d := &share.Dentry{Name: a.Name, Mode: a.Mode, Size: a.Size, MtimeNS: a.MtimeNS, Uid: a.Uid, Gid: a.Gid}
	switch {
	case a.HasHlink():
		d.Mode |= share.RHardlink
		d.Extra = []byte(a.Hlink)
	case d.Type() == share.TypeLnk:
		d.Extra = []byte(a.Link)
	case d.Type() == share.TypeBlk || d.Type() == share.TypeChr:
		extra := make([]byte, 8)
		binary.LittleEndian.PutUint32(extra[0:4], a.RdevMajor)
		binary.LittleEndian.PutUint32(extra[4:8], a.RdevMinor)
		d.Extra = extra
	}
	return d
}

func dentryToAttrs(d *share.Dentry) *Attrs {
	a := &Attrs{Name: d.Name}
	a.setMode(d.Mode &^ share.RHardlink)
	a.setSize(d.Size)
	a.setMtime(d.MtimeNS)
	a.setUid(d.Uid)
	a.setGid(d.Gid)
	return a
}

// weakChecksum computes rsync's classic rolling two-sum checksum over
// block.
func weakChecksum(block []byte) uint32 {
	var a, b uint32
	n := uint32(len(block))
	for i, c := range block {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	return a&0xffff | (b&0xffff)<<16
}

// strongChecksum computes a keyed MD4 digest of block, truncated to
// csumLen bytes, per spec.md §4.9's "adapter to an MD4-family digest
// provider".
func strongChecksum(block []byte, seed uint32, csumLen int) []byte {
	h := md4.New()
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], seed)
	h.Write(s[:])
	h.Write(block)
	sum := h.Sum(nil)
	if csumLen <= 0 || csumLen > len(sum) {
		csumLen = len(sum)
	}
	return sum[:csumLen]
}
