// Package encoding provides small, explicit binary helpers used by the
// on-disk formats and wire protocols in this repository: dentry records,
// hardhat index sections and the rsync-delta RPC framing all have a fixed,
// documented byte layout, so encoding favors sticky-error Encoder/Decoder
// primitives over a generic reflection-based marshaler.
package encoding

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	// ErrObjectTooLarge is returned when a length-prefixed read would exceed
	// the caller-supplied maximum.
	ErrObjectTooLarge = errors.New("encoded object exceeds the supplied size limit")
)

// EncUint32 encodes v as 4 little-endian bytes.
func EncUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// DecUint32 decodes the first 4 bytes of b as a little-endian uint32.
func DecUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// EncUint64 encodes v as 8 little-endian bytes.
func EncUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// DecUint64 decodes the first 8 bytes of b as a little-endian uint64.
func DecUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// Encoder writes fixed-width fields to an underlying io.Writer. All of its
// methods become no-ops once the Encoder has encountered a Write error;
// callers check Err() once at the end of a record instead of after every
// field.
type Encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

// NewEncoder wraps w in an Encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Write implements io.Writer.
func (e *Encoder) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	var n int
	n, e.err = e.w.Write(p)
	if n != len(p) && e.err == nil {
		e.err = io.ErrShortWrite
	}
	return n, e.err
}

// WriteByte writes a single byte.
func (e *Encoder) WriteByte(b byte) error {
	e.buf[0] = b
	e.Write(e.buf[:1])
	return e.err
}

// WriteUint32 writes v as 4 little-endian bytes.
func (e *Encoder) WriteUint32(v uint32) error {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.Write(e.buf[:4])
	return e.err
}

// WriteUint64 writes v as 8 little-endian bytes.
func (e *Encoder) WriteUint64(v uint64) error {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.Write(e.buf[:8])
	return e.err
}

// WritePrefixedBytes writes a 4-byte little-endian length prefix followed by p.
func (e *Encoder) WritePrefixedBytes(p []byte) error {
	e.WriteUint32(uint32(len(p)))
	e.Write(p)
	return e.err
}

// Err returns the first error encountered by the Encoder, if any.
func (e *Encoder) Err() error {
	return e.err
}

// Decoder reads fixed-width fields from an underlying io.Reader, in the same
// sticky-error style as Encoder.
type Decoder struct {
	r   io.Reader
	buf [8]byte
	err error
}

// NewDecoder wraps r in a Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadFull reads exactly len(p) bytes into p.
func (d *Decoder) ReadFull(p []byte) {
	if d.err != nil {
		return
	}
	_, d.err = io.ReadFull(d.r, p)
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() byte {
	d.ReadFull(d.buf[:1])
	return d.buf[0]
}

// ReadUint32 reads 4 little-endian bytes and returns them as a uint32.
func (d *Decoder) ReadUint32() uint32 {
	d.ReadFull(d.buf[:4])
	if d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(d.buf[:4])
}

// ReadUint64 reads 8 little-endian bytes and returns them as a uint64.
func (d *Decoder) ReadUint64() uint64 {
	d.ReadFull(d.buf[:8])
	if d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(d.buf[:8])
}

// ReadPrefixedBytes reads a 4-byte length prefix followed by that many bytes.
// It refuses to allocate more than maxLen bytes.
func (d *Decoder) ReadPrefixedBytes(maxLen uint32) []byte {
	n := d.ReadUint32()
	if d.err != nil {
		return nil
	}
	if n > maxLen {
		d.err = ErrObjectTooLarge
		return nil
	}
	b := make([]byte, n)
	d.ReadFull(b)
	if d.err != nil {
		return nil
	}
	return b
}

// Err returns the first error encountered by the Decoder, if any.
func (d *Decoder) Err() error {
	return d.err
}
