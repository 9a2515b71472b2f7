// Package config implements the JSON-decoded configuration tree and its
// fsnotify-backed reload, the ambient configuration layer spec.md §9
// sketches as a "weak-reference config... reload()" design note. The
// command-line dispatcher and include-file semantics are out of scope
// (spec.md §1's Non-goals) — this package only loads and watches a single
// already-resolved file.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wsldankers/fruitbak-sub000/crypto"
	"github.com/wsldankers/fruitbak-sub000/expiry"
)

// FilterName identifies one stage of the storage filter chain.
type FilterName string

const (
	FilterCompress FilterName = "compress"
	FilterEncrypt  FilterName = "encrypt"
	FilterVerify   FilterName = "verify"
)

// HostConfig is one host's entry in the configuration tree.
type HostConfig struct {
	Name       string   `json:"name"`
	Excludes   []string `json:"excludes,omitempty"`
	Shares     []ShareConfig `json:"shares"`
}

// ShareConfig describes one share of a host.
type ShareConfig struct {
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Excludes   []string `json:"excludes,omitempty"`
	Transfer   string   `json:"transfer"` // "rsync" or "local"
}

// ExpiryRule is a JSON-friendly description of one node of the expiry
// decision tree (spec.md §4.11); Compile turns it into an expiry.Policy.
type ExpiryRule struct {
	Op       string       `json:"op"` // and, or, not, age, status, logarithmic
	Max      string       `json:"max,omitempty"`
	In       []string     `json:"in,omitempty"`
	Keep     int          `json:"keep,omitempty"`
	Sub      []ExpiryRule `json:"sub,omitempty"`
}

// Compile turns an ExpiryRule tree into an expiry.Policy, the form gc.Run
// evaluates against.
func (r *ExpiryRule) Compile() (expiry.Policy, error) {
	if r == nil {
		return expiry.DefaultPolicy(), nil
	}
	switch r.Op {
	case "and", "or":
		subs := make([]expiry.Policy, 0, len(r.Sub))
		for i := range r.Sub {
			p, err := r.Sub[i].Compile()
			if err != nil {
				return nil, err
			}
			subs = append(subs, p)
		}
		if r.Op == "and" {
			return expiry.And(subs...), nil
		}
		return expiry.Or(subs...), nil
	case "not":
		if len(r.Sub) != 1 {
			return nil, fmt.Errorf("config: expiry rule %q expects exactly one sub-rule, got %d", r.Op, len(r.Sub))
		}
		p, err := r.Sub[0].Compile()
		if err != nil {
			return nil, err
		}
		return expiry.Not(p), nil
	case "age":
		d, err := time.ParseDuration(r.Max)
		if err != nil {
			return nil, fmt.Errorf("config: invalid age duration %q: %w", r.Max, err)
		}
		return expiry.Age(d), nil
	case "status":
		return expiry.Status(r.In...), nil
	case "logarithmic":
		var of expiry.Policy
		if len(r.Sub) > 0 {
			p, err := r.Sub[0].Compile()
			if err != nil {
				return nil, err
			}
			of = p
		}
		return expiry.Logarithmic(r.Keep, of), nil
	default:
		return nil, fmt.Errorf("config: unknown expiry rule op %q", r.Op)
	}
}

// Config is the top-level configuration tree.
type Config struct {
	RootDir   string       `json:"rootdir"`
	HashAlgo  string       `json:"hashalgo"`
	HashWidth int          `json:"hashwidth"`
	ChunkSize int          `json:"chunksize"`
	Filters   []FilterName `json:"filters"`
	MaxJobs   int          `json:"maxjobs"`
	Full      string       `json:"full,omitempty"` // e.g. "168h"
	Hosts     []HostConfig `json:"hosts"`
	Expiry    *ExpiryRule  `json:"expiry,omitempty"`
	Fsync     *bool        `json:"fsync,omitempty"`
	// EncryptionKey is the hex-encoded key for the Encrypt storage filter
	// (spec.md §4.3), required whenever "encrypt" appears in Filters.
	EncryptionKey string `json:"encryptionkey,omitempty"`
}

// DecodeEncryptionKey decodes EncryptionKey into a crypto.EncryptionKey.
func (c *Config) DecodeEncryptionKey() (crypto.EncryptionKey, error) {
	var key crypto.EncryptionKey
	raw, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return key, fmt.Errorf("config: invalid encryptionkey: %w", err)
	}
	if len(raw) != crypto.EncryptionKeySize {
		return key, fmt.Errorf("config: encryptionkey must be %d bytes, got %d", crypto.EncryptionKeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// FsyncEnabled reports whether fsync is enabled, defaulting to true when
// unset (spec.md §9's open question on the pool's fsync default).
func (c *Config) FsyncEnabled() bool {
	return c.Fsync == nil || *c.Fsync
}

// Load reads and decodes the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = 1
	}
	if c.HashWidth <= 0 {
		c.HashWidth = 32
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 2 << 20
	}
	return &c, nil
}

// Watch watches path for changes, invoking onChange with the freshly
// reloaded configuration each time the file is written. It runs until stop
// is closed.
func Watch(path string, stop <-chan struct{}, onChange func(*Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					debounce.Reset(100 * time.Millisecond)
				}
			case <-debounce.C:
				c, err := Load(path)
				onChange(c, err)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				onChange(nil, err)
			}
		}
	}()
	return nil
}
