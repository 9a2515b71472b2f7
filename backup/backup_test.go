package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wsldankers/fruitbak-sub000/crypto"
	"github.com/wsldankers/fruitbak-sub000/persist"
	"github.com/wsldankers/fruitbak-sub000/pool"
	"github.com/wsldankers/fruitbak-sub000/share"
	"github.com/wsldankers/fruitbak-sub000/storage"
)

func digestOf(data []byte) []byte {
	d := crypto.HashBytes(data)
	return d[:]
}

type fakeProvider struct {
	entries []*share.Dentry
	fail    error
}

func (f *fakeProvider) Transfer(w *share.Writer, reference *share.Reader) error {
	for _, e := range f.entries {
		w.AddEntry(e)
	}
	return f.fail
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	dir := t.TempDir()
	fs := storage.NewFilesystemStore(dir, false)
	return pool.New(fs, digestOf, crypto.HashSize, 1024)
}

func TestRunCreatesFirstFullBackup(t *testing.T) {
	rootDir := t.TempDir()
	p := newTestPool(t)

	provider := &fakeProvider{entries: []*share.Dentry{
		{Name: "a.txt", Mode: share.TypeReg | 0644, Size: 3, Extra: make([]byte, crypto.HashSize)},
	}}

	failed, err := Run(rootDir, "host1", []ShareSpec{{Name: "data", Provider: provider}}, p, nil, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if failed {
		t.Fatalf("expected backup to succeed")
	}

	backupDir := filepath.Join(rootDir, "host", "host1", "0")
	if _, err := os.Stat(filepath.Join(backupDir, "info.json")); err != nil {
		t.Fatalf("expected info.json at %s: %v", backupDir, err)
	}
	if _, err := os.Stat(filepath.Join(backupDir, "share", "data", "metadata.hh")); err != nil {
		t.Fatalf("expected share index: %v", err)
	}
	var info Info
	if err := persist.LoadJSON(filepath.Join(backupDir, "info.json"), &info); err != nil {
		t.Fatal(err)
	}
	if info.Level != 0 || info.Ref != nil {
		t.Fatalf("expected a full backup without reference, got level=%d ref=%v", info.Level, info.Ref)
	}
}

func TestRunSecondBackupIsIncrementalWithReference(t *testing.T) {
	rootDir := t.TempDir()
	p := newTestPool(t)

	provider1 := &fakeProvider{entries: []*share.Dentry{{Name: "a.txt", Mode: share.TypeReg | 0644}}}
	if _, err := Run(rootDir, "host1", []ShareSpec{{Name: "data", Provider: provider1}}, p, nil, false, 0); err != nil {
		t.Fatal(err)
	}

	provider2 := &fakeProvider{entries: []*share.Dentry{{Name: "a.txt", Mode: share.TypeReg | 0644}}}
	failed, err := Run(rootDir, "host1", []ShareSpec{{Name: "data", Provider: provider2}}, p, nil, false, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if failed {
		t.Fatalf("expected second backup to succeed")
	}

	if _, err := os.Stat(filepath.Join(rootDir, "host", "host1", "1", "info.json")); err != nil {
		t.Fatalf("expected backup number 1: %v", err)
	}
	var info Info
	if err := persist.LoadJSON(filepath.Join(rootDir, "host", "host1", "1", "info.json"), &info); err != nil {
		t.Fatal(err)
	}
	if info.Level != 1 || info.Ref == nil || *info.Ref != 0 {
		t.Fatalf("expected an incremental backup referencing backup 0, got level=%d ref=%v", info.Level, info.Ref)
	}
}

func TestRunShareFailureSetsFailedFlag(t *testing.T) {
	rootDir := t.TempDir()
	p := newTestPool(t)

	provider := &fakeProvider{fail: errTransferFailed}
	failed, err := Run(rootDir, "host1", []ShareSpec{{Name: "broken", Provider: provider}}, p, nil, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !failed {
		t.Fatalf("expected failed=true when a share's provider errors")
	}

	var info Info
	if err := persist.LoadJSON(filepath.Join(rootDir, "host", "host1", "0", "info.json"), &info); err != nil {
		t.Fatal(err)
	}
	if info.Failed == nil || !*info.Failed {
		t.Fatalf("expected info.json to record failed=true")
	}
}

func TestRunRejectsConcurrentSameHost(t *testing.T) {
	rootDir := t.TempDir()
	hostDir := HostDir(rootDir, "host1")
	if err := os.MkdirAll(filepath.Join(hostDir, "new"), 0755); err != nil {
		t.Fatal(err)
	}
	fl, err := TryLockExclusive(filepath.Join(hostDir, "new", "lock"))
	if err != nil {
		t.Fatal(err)
	}
	defer fl.Unlock()

	p := newTestPool(t)
	provider := &fakeProvider{}
	_, err = Run(rootDir, "host1", []ShareSpec{{Name: "data", Provider: provider}}, p, nil, false, 0)
	if err == nil {
		t.Fatalf("expected lock contention error")
	}
}

var errTransferFailed = &simpleError{"simulated transfer failure"}

type simpleError struct{ msg string }

func (e *simpleError) Error() string { return e.msg }
