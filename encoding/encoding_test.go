package encoding

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteByte(7)
	enc.WriteUint32(123456)
	enc.WriteUint64(9876543210)
	enc.WritePrefixedBytes([]byte("hello world"))
	if err := enc.Err(); err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec := NewDecoder(&buf)
	if b := dec.ReadByte(); b != 7 {
		t.Fatalf("byte = %d, want 7", b)
	}
	if v := dec.ReadUint32(); v != 123456 {
		t.Fatalf("uint32 = %d, want 123456", v)
	}
	if v := dec.ReadUint64(); v != 9876543210 {
		t.Fatalf("uint64 = %d, want 9876543210", v)
	}
	if p := dec.ReadPrefixedBytes(1024); string(p) != "hello world" {
		t.Fatalf("prefixed bytes = %q, want %q", p, "hello world")
	}
	if err := dec.Err(); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestReadPrefixedBytesTooLarge(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WritePrefixedBytes(make([]byte, 100))

	dec := NewDecoder(&buf)
	if p := dec.ReadPrefixedBytes(10); p != nil {
		t.Fatalf("expected nil on oversized read, got %d bytes", len(p))
	}
	if dec.Err() != ErrObjectTooLarge {
		t.Fatalf("err = %v, want ErrObjectTooLarge", dec.Err())
	}
}

func TestEncDecUint32(t *testing.T) {
	if got := DecUint32(EncUint32(42)); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestEncDecUint64(t *testing.T) {
	if got := DecUint64(EncUint64(1 << 40)); got != 1<<40 {
		t.Fatalf("got %d, want %d", got, uint64(1)<<40)
	}
}
