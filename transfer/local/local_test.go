package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wsldankers/fruitbak-sub000/crypto"
	"github.com/wsldankers/fruitbak-sub000/pool"
	"github.com/wsldankers/fruitbak-sub000/share"
	"github.com/wsldankers/fruitbak-sub000/storage"
)

func digestOf(data []byte) []byte {
	d := crypto.HashBytes(data)
	return d[:]
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	return pool.New(storage.NewFilesystemStore(t.TempDir(), false), digestOf, crypto.HashSize, 1024)
}

func TestTransferWalksTreeAndStoresContent(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("nested"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a.txt", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}

	p := newTestPool(t)
	prov := New(root, nil, p)

	shareDir := t.TempDir()
	w, err := share.NewWriter(shareDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := prov.Transfer(w, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(&share.Info{Name: "data"}); err != nil {
		t.Fatal(err)
	}

	r, err := share.OpenReader(shareDir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	entry, err := r.GetEntry("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatalf("expected a.txt entry")
	}
	if entry.Entry.Type() != share.TypeReg {
		t.Fatalf("expected regular file type")
	}
	if entry.Entry.Size != 11 {
		t.Fatalf("expected size 11, got %d", entry.Entry.Size)
	}

	linkEntry, err := r.GetEntry("link")
	if err != nil {
		t.Fatal(err)
	}
	if linkEntry == nil || linkEntry.Entry.Type() != share.TypeLnk {
		t.Fatalf("expected link to be a symlink entry")
	}
	if string(linkEntry.Entry.Extra) != "a.txt" {
		t.Fatalf("expected symlink target a.txt, got %q", linkEntry.Entry.Extra)
	}

	nestedEntry, err := r.GetEntry("sub/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if nestedEntry == nil {
		t.Fatalf("expected nested file entry")
	}
}

func TestTransferDetectsHardlinks(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "first"), []byte("shared content"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(filepath.Join(root, "first"), filepath.Join(root, "second")); err != nil {
		t.Fatal(err)
	}

	p := newTestPool(t)
	prov := New(root, nil, p)

	shareDir := t.TempDir()
	w, err := share.NewWriter(shareDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := prov.Transfer(w, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(&share.Info{Name: "data"}); err != nil {
		t.Fatal(err)
	}

	r, err := share.OpenReader(shareDir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	second, err := r.GetEntry("second")
	if err != nil {
		t.Fatal(err)
	}
	if second == nil {
		t.Fatalf("expected second entry to resolve via hardlink view")
	}
	if second.Entry.Type() != share.TypeReg {
		t.Fatalf("expected hardlink view to resolve to a regular file")
	}
}

func TestTransferExcludesConfiguredPaths(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "skip"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "skip", "x.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}

	p := newTestPool(t)
	prov := New(root, []string{"skip"}, p)

	shareDir := t.TempDir()
	w, err := share.NewWriter(shareDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := prov.Transfer(w, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(&share.Info{Name: "data"}); err != nil {
		t.Fatal(err)
	}

	r, err := share.OpenReader(shareDir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if e, err := r.GetEntry("skip"); err != nil || e != nil {
		t.Fatalf("expected excluded directory to be absent, got %+v err=%v", e, err)
	}
	if e, err := r.GetEntry("keep.txt"); err != nil || e == nil {
		t.Fatalf("expected keep.txt to be present")
	}
}

func TestTransferInheritsUnchangedFileFromReference(t *testing.T) {
	root := t.TempDir()
	content := []byte("unchanged payload")
	if err := os.WriteFile(filepath.Join(root, "f.txt"), content, 0644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(root, "f.txt"))
	if err != nil {
		t.Fatal(err)
	}

	p := newTestPool(t)

	refDir := t.TempDir()
	refW, err := share.NewWriter(refDir)
	if err != nil {
		t.Fatal(err)
	}
	digest := digestOf(content)
	refW.AddEntry(&share.Dentry{
		Name:    "f.txt",
		Mode:    share.TypeReg | uint32(info.Mode().Perm()),
		Size:    uint64(len(content)),
		MtimeNS: uint64(info.ModTime().UnixNano()),
		Extra:   digest,
	})
	if err := refW.Finish(&share.Info{Name: "data"}); err != nil {
		t.Fatal(err)
	}
	refR, err := share.OpenReader(refDir)
	if err != nil {
		t.Fatal(err)
	}
	defer refR.Close()

	prov := New(root, nil, p)
	shareDir := t.TempDir()
	w, err := share.NewWriter(shareDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := prov.Transfer(w, refR); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(&share.Info{Name: "data"}); err != nil {
		t.Fatal(err)
	}

	r, err := share.OpenReader(shareDir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	entry, err := r.GetEntry("f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatalf("expected f.txt entry")
	}
	if string(entry.Entry.Extra) != string(digest) {
		t.Fatalf("expected inherited digest from reference, got different bytes")
	}
}
