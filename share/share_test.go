package share

import (
	"bytes"
	"testing"
)

func buildTestShare(t *testing.T) *Reader {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}

	digests := bytes.Repeat([]byte{0xAB}, 32)
	nestedDigest := bytes.Repeat([]byte{0xCD}, 32)
	w.AddEntry(&Dentry{Name: "file.txt", Mode: TypeReg | 0644, Size: 32, Extra: digests})
	w.AddEntry(&Dentry{Name: "dir/nested.txt", Mode: TypeReg | 0644, Size: 5, Extra: nestedDigest})
	w.AddEntry(&Dentry{Name: "link.txt", Mode: TypeReg | RHardlink, Extra: []byte("file.txt")})
	w.AddEntry(&Dentry{Name: "link.lnk", Mode: TypeLnk | 0777, Extra: []byte("/etc/passwd")})

	if err := w.Finish(&Info{Name: "testshare", Path: "/srv/data", Mountpoint: "/srv/data"}); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDentrySerializeRoundTrip(t *testing.T) {
	d := &Dentry{Mode: TypeReg | 0644, Size: 1234, MtimeNS: 9999999, Uid: 1000, Gid: 1000, Extra: []byte("payload")}
	encoded := Serialize(d)
	decoded, err := Deserialize("whatever", encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Mode != d.Mode || decoded.Size != d.Size || decoded.MtimeNS != d.MtimeNS ||
		decoded.Uid != d.Uid || decoded.Gid != d.Gid || !bytes.Equal(decoded.Extra, d.Extra) {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, d)
	}
}

func TestMangleName(t *testing.T) {
	cases := map[string]string{
		"plain":        "plain",
		"a/b":          "a%2Fb",
		"a.b":          "a%2Eb",
		"100%":         "100%25",
		"with space":   "with%20space",
		"c:\\win\\dir": "c%3A%5Cwin%5Cdir",
	}
	for in, want := range cases {
		if got := MangleName(in); got != want {
			t.Fatalf("MangleName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGetEntrySynthesizedRoot(t *testing.T) {
	r := buildTestShare(t)
	entry, err := r.GetEntry("")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("expected synthesized root entry")
	}
	if entry.Entry.Type() != TypeDir {
		t.Fatalf("synthesized root should be a directory, got mode %o", entry.Entry.Mode)
	}
}

func TestGetEntryHardlinkView(t *testing.T) {
	r := buildTestShare(t)
	entry, err := r.GetEntry("link.txt")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("expected hardlink entry to resolve")
	}
	if entry.Name != "link.txt" {
		t.Fatalf("hardlink view Name should be the original key, got %q", entry.Name)
	}
	if entry.Entry.Size != 32 {
		t.Fatalf("hardlink view should inherit target's size, got %d", entry.Entry.Size)
	}
}

func TestGetEntryMissing(t *testing.T) {
	r := buildTestShare(t)
	entry, err := r.GetEntry("does/not/exist")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatalf("expected nil result for missing entry")
	}
}

func TestLsNonRecursive(t *testing.T) {
	r := buildTestShare(t)
	cur, err := r.Ls("")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for {
		d, _, ok := cur.Next()
		if !ok {
			break
		}
		names = append(names, d.Name)
	}
	want := []string{"dir", "file.txt", "link.lnk", "link.txt"}
	if len(names) != len(want) {
		t.Fatalf("got %v want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v want %v", names, want)
		}
	}
}

func TestFindRecursiveIncludesNested(t *testing.T) {
	r := buildTestShare(t)
	cur, err := r.Find("dir")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for {
		d, _, ok := cur.Next()
		if !ok {
			break
		}
		names = append(names, d.Name)
	}
	want := []string{"dir", "dir/nested.txt"}
	if len(names) != len(want) {
		t.Fatalf("got %v want %v", names, want)
	}
}

func TestHashesSidecarMaterializesAndDedups(t *testing.T) {
	r := buildTestShare(t)
	set, err := r.Hashes(32)
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()
	// file.txt and dir/nested.txt each contribute one 32-byte digest; the
	// hardlink link.txt and the symlink link.lnk contribute none.
	if set.Len() < 1 {
		t.Fatalf("expected at least one digest in hashes sidecar, got %d", set.Len())
	}
	digest := bytes.Repeat([]byte{0xAB}, 32)
	if !set.Contains(digest) {
		t.Fatalf("expected file.txt's digest to be present in hashes sidecar")
	}
}

func TestInodeStableRank(t *testing.T) {
	r := buildTestShare(t)
	entry1, err := r.GetEntry("file.txt")
	if err != nil {
		t.Fatal(err)
	}
	entry2, err := r.GetEntry("file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if entry1.Inode != entry2.Inode {
		t.Fatalf("inode should be stable across lookups")
	}
}
