package share

import (
	"os"
	"path/filepath"

	"github.com/wsldankers/fruitbak-sub000/hardhat"
	"github.com/wsldankers/fruitbak-sub000/persist"
)

// Info is the share's small JSON info sidecar (spec.md §3).
type Info struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Mountpoint string `json:"mountpoint"`
	StartTime  int64  `json:"startTime"`
	EndTime    int64  `json:"endTime"`
	Error      string `json:"error,omitempty"`
}

// Writer owns a staging directory until Finish reclassifies it as a
// read-only share (spec.md §4.7).
type Writer struct {
	dir   string
	maker *hardhat.Maker
}

// NewWriter creates (or reuses) the staging directory dir and returns a
// Writer over it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Writer{dir: dir, maker: hardhat.NewMaker()}, nil
}

// AddEntry serializes dentry and offers it to the share index under its
// Name.
func (w *Writer) AddEntry(dentry *Dentry) {
	w.maker.AddEntry(dentry.Name, Serialize(dentry))
}

// synthesizedRoot is the default value hardhat uses for any directory
// entry the caller never added explicitly.
func synthesizedRoot(parent string) []byte {
	return Serialize(&Dentry{Name: parent, Mode: TypeDir | 0755})
}

// Finish materializes the share index and writes the JSON info sidecar,
// both via fsync-then-rename, and releases the writer's ownership of dir.
func (w *Writer) Finish(info *Info) error {
	indexPath := filepath.Join(w.dir, "metadata.hh")
	if err := hardhat.WriteFile(indexPath, w.maker, synthesizedRoot); err != nil {
		return err
	}
	return persist.SaveJSON(filepath.Join(w.dir, "info.json"), info)
}

// Dir returns the share's on-disk directory.
func (w *Writer) Dir() string { return w.dir }
