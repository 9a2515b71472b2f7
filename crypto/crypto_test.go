package crypto

import (
	"bytes"
	"testing"
)

func TestHashBytesDeterministic(t *testing.T) {
	a := HashBytes([]byte("hello world"))
	b := HashBytes([]byte("hello world"))
	if a != b {
		t.Fatalf("hash not deterministic: %v != %v", a, b)
	}
	c := HashBytes([]byte("hello world!"))
	if a == c {
		t.Fatalf("different input produced same hash")
	}
}

func TestHashJSONRoundTrip(t *testing.T) {
	h := HashBytes([]byte("round trip me"))
	b, err := h.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var h2 Hash
	if err := h2.UnmarshalJSON(b); err != nil {
		t.Fatal(err)
	}
	if h != h2 {
		t.Fatalf("round trip mismatch: %v != %v", h, h2)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := GenerateEncryptionKey()
	for _, plaintext := range [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("exactly sixteen!"),
		bytes.Repeat([]byte("x"), 1<<20),
	} {
		ct, err := key.Encrypt(plaintext)
		if err != nil {
			t.Fatal(err)
		}
		pt, err := key.Decrypt(ct)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(pt, plaintext) {
			t.Fatalf("round trip mismatch for len %d", len(plaintext))
		}
	}
}

func TestDecryptTamperedFails(t *testing.T) {
	key := GenerateEncryptionKey()
	ct, err := key.Encrypt([]byte("sensitive chunk contents"))
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0xFF
	if _, err := key.Decrypt(ct); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestEncryptDigestRoundTrip(t *testing.T) {
	key := GenerateEncryptionKey()
	digest := HashBytes([]byte("plaintext digest"))
	enc := key.EncryptDigest(digest[:])
	if bytes.Equal(enc, digest[:]) {
		t.Fatalf("encrypted digest equals plaintext digest")
	}
	dec := key.DecryptDigest(enc)
	if !bytes.Equal(dec, digest[:]) {
		t.Fatalf("digest round trip mismatch")
	}
}

func TestEncryptDigestDeterministic(t *testing.T) {
	key := GenerateEncryptionKey()
	digest := HashBytes([]byte("stable name"))
	a := key.EncryptDigest(digest[:])
	b := key.EncryptDigest(digest[:])
	if !bytes.Equal(a, b) {
		t.Fatalf("EncryptDigest not deterministic")
	}
}
