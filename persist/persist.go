// Package persist provides the atomic JSON metadata idiom used throughout
// this repository for info.json sidecars (share, backup, and any future
// caller): marshal, write to a temporary file, fsync, then rename into
// place, so a reader never observes a partially written file.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// SaveJSON marshals v as indented JSON and writes it atomically to path.
func SaveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".new"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadJSON reads and unmarshals the JSON file at path into v.
func LoadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
