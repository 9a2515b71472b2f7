package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"rootdir": "/var/backups"}`)

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxJobs != 1 {
		t.Fatalf("expected default maxjobs=1, got %d", c.MaxJobs)
	}
	if c.HashWidth != 32 {
		t.Fatalf("expected default hashwidth=32, got %d", c.HashWidth)
	}
	if c.ChunkSize != 2<<20 {
		t.Fatalf("expected default chunksize=2MiB, got %d", c.ChunkSize)
	}
	if !c.FsyncEnabled() {
		t.Fatalf("expected fsync to default to enabled")
	}
}

func TestFsyncExplicitFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"rootdir": "/var/backups", "fsync": false}`)

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.FsyncEnabled() {
		t.Fatalf("expected fsync to be disabled when explicitly set false")
	}
}

func TestExpiryRuleCompileLogarithmicWithAgeFallback(t *testing.T) {
	rule := &ExpiryRule{
		Op: "or",
		Sub: []ExpiryRule{
			{Op: "logarithmic", Keep: 1},
			{Op: "and", Sub: []ExpiryRule{
				{Op: "age", Max: "168h"},
				{Op: "not", Sub: []ExpiryRule{{Op: "status", In: []string{"done"}}}},
			}},
		},
	}
	policy, err := rule.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if policy == nil {
		t.Fatal("expected a non-nil policy")
	}
}

func TestExpiryRuleCompileRejectsUnknownOp(t *testing.T) {
	rule := &ExpiryRule{Op: "bogus"}
	if _, err := rule.Compile(); err == nil {
		t.Fatal("expected an error for an unknown expiry op")
	}
}

func TestExpiryRuleCompileNilUsesDefaultPolicy(t *testing.T) {
	var rule *ExpiryRule
	policy, err := rule.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if policy == nil {
		t.Fatal("expected a non-nil default policy")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"rootdir": "/a", "maxjobs": 1}`)

	stop := make(chan struct{})
	defer close(stop)

	changed := make(chan *Config, 4)
	if err := Watch(path, stop, func(c *Config, err error) {
		if err == nil {
			changed <- c
		}
	}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, `{"rootdir": "/a", "maxjobs": 4}`)

	select {
	case c := <-changed:
		if c.MaxJobs != 4 {
			t.Fatalf("expected reloaded maxjobs=4, got %d", c.MaxJobs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
