package hashset

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func digest(b byte) []byte {
	d := make([]byte, 4)
	d[0] = b
	return d
}

func TestBuildMergesAndDedups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hashes")

	src1 := bytes.NewReader(bytes.Join([][]byte{digest(1), digest(3), digest(5)}, nil))
	src2 := bytes.NewReader(bytes.Join([][]byte{digest(2), digest(3), digest(4)}, nil))

	if err := Build(path, 4, src1, src2); err != nil {
		t.Fatal(err)
	}

	set, err := Load(path, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()

	if set.Len() != 5 {
		t.Fatalf("expected 5 unique digests, got %d", set.Len())
	}
	for _, b := range []byte{1, 2, 3, 4, 5} {
		if !set.Contains(digest(b)) {
			t.Fatalf("missing digest %d", b)
		}
	}
	if set.Contains(digest(9)) {
		t.Fatalf("unexpected digest present")
	}
}

func TestBuildAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hashes")

	if err := Build(path, 4, bytes.NewReader(digest(1))); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".new"); !os.IsNotExist(err) {
		t.Fatalf("staging file should not survive a successful Build")
	}
}

func TestIterateFromMidpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hashes")

	src := bytes.NewReader(bytes.Join([][]byte{digest(1), digest(2), digest(3), digest(4)}, nil))
	if err := Build(path, 4, src); err != nil {
		t.Fatal(err)
	}
	set, err := Load(path, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()

	cur := set.Iterate(digest(3))
	var got []byte
	for {
		d := cur.Next()
		if d == nil {
			break
		}
		got = append(got, d[0])
	}
	if !bytes.Equal(got, []byte{3, 4}) {
		t.Fatalf("unexpected iteration result: %v", got)
	}
}

func TestSortFileDedups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unsorted")

	data := bytes.Join([][]byte{digest(5), digest(1), digest(3), digest(1)}, nil)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := SortFile(path, 4); err != nil {
		t.Fatal(err)
	}

	set, err := Load(path, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()

	if set.Len() != 3 {
		t.Fatalf("expected 3 unique digests after sort+dedup, got %d", set.Len())
	}
	want := [][]byte{digest(1), digest(3), digest(5)}
	for i, w := range want {
		if !bytes.Equal(set.At(i), w) {
			t.Fatalf("entry %d: got %v want %v", i, set.At(i), w)
		}
	}
}

func TestLoadEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	set, err := Load(path, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()
	if set.Len() != 0 {
		t.Fatalf("expected empty set, got %d entries", set.Len())
	}
}
