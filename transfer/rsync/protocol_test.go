package rsync

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Opcode: OpFileDeltaRxNextData, Payload: []byte("some chunk bytes")}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Opcode != msg.Opcode || !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestReadMessageRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected error for oversized length prefix")
	}
}

func TestAttrsRoundTripRegularFile(t *testing.T) {
	a := &Attrs{Name: "foo/bar.txt"}
	a.setMode(0100644)
	a.setSize(12345)
	a.setMtime(999999999)
	a.setUid(1000)
	a.setGid(1000)

	encoded := EncodeAttrs(a)
	decoded, err := DecodeAttrs(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Name != a.Name || decoded.Mode != a.Mode || decoded.Size != a.Size ||
		decoded.MtimeNS != a.MtimeNS || decoded.Uid != a.Uid || decoded.Gid != a.Gid {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, a)
	}
	if !decoded.HasMode() || !decoded.HasSize() {
		t.Fatalf("expected mode and size to be marked present")
	}
}

func TestAttrsRoundTripSymlink(t *testing.T) {
	a := &Attrs{Name: "link", Link: "target", hasLink: true}
	encoded := EncodeAttrs(a)
	decoded, err := DecodeAttrs(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Link != "target" || !decoded.HasLink() {
		t.Fatalf("expected link=target, got %+v", decoded)
	}
}

func TestAttrsEmptyMeansNoReference(t *testing.T) {
	decoded, err := DecodeAttrs(nil)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.HasMode() || decoded.HasSize() || decoded.Name != "" {
		t.Fatalf("expected zero-value attrs for empty payload, got %+v", decoded)
	}
}

func TestAttrsHlinkSelfRoundTrip(t *testing.T) {
	a := &Attrs{Name: "a", HlinkSelf: true}
	decoded, err := DecodeAttrs(EncodeAttrs(a))
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.HlinkSelf {
		t.Fatalf("expected hlink_self to round-trip")
	}
}
