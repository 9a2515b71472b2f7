// Package gc implements the garbage collector (spec.md §4.12, component
// C12): under the Fruitbak-wide exclusive lock, it removes expired backup
// directories, builds the union of digests still referenced by surviving
// backups, and walks the pool deleting everything else.
package gc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/NebulousLabs/threadgroup"

	"github.com/wsldankers/fruitbak-sub000/backup"
	"github.com/wsldankers/fruitbak-sub000/build"
	"github.com/wsldankers/fruitbak-sub000/expiry"
	"github.com/wsldankers/fruitbak-sub000/hashset"
	"github.com/wsldankers/fruitbak-sub000/persist"
	"github.com/wsldankers/fruitbak-sub000/pool"
	"github.com/wsldankers/fruitbak-sub000/storage"
)

// Result summarizes one GC run.
type Result struct {
	RemovedBackups  int
	DeletedChunks   int
	AvailableChunks int
	// MissingChunks is the count of live digests that were neither deleted
	// nor found in the pool: lost chunks (spec.md §4.12 step 6). A nonzero
	// count is a non-fatal warning, not an error.
	MissingChunks int
}

// Run executes one garbage collection pass over rootDir, using policy to
// decide which backups of each host are expired. It must be called while
// the Fruitbak-wide lock at rootDir/lock is held exclusively; callers
// failing to do so risk racing a concurrent backup run (spec.md §4.12's
// correctness property).
func Run(rootDir string, p *pool.Pool, policy expiry.Policy, now time.Time) (*Result, error) {
	result := &Result{}

	hostNames, err := listHosts(filepath.Join(rootDir, "host"))
	if err != nil {
		return nil, err
	}

	var hostHashesPaths []string
	var hostErrs []error
	for _, host := range hostNames {
		hostDir := backup.HostDir(rootDir, host)
		removed, hashesPath, err := collectHost(hostDir, policy, now, p.HashWidth())
		if err != nil {
			hostErrs = append(hostErrs, fmt.Errorf("gc: host %s: %w", host, err))
			continue
		}
		result.RemovedBackups += removed
		if hashesPath != "" {
			hostHashesPaths = append(hostHashesPaths, hashesPath)
		}
	}
	// A failure on one host's expiry pass doesn't stop the others from being
	// collected; every failure is composed into one error the caller can
	// still inspect with build.Contains.
	if len(hostErrs) > 0 {
		return nil, build.Compose(hostErrs...)
	}

	rootHashesPath := filepath.Join(rootDir, "hashes")
	if err := mergeHashesFiles(rootHashesPath, p.HashWidth(), hostHashesPaths); err != nil {
		return nil, fmt.Errorf("gc: merging root hashes: %w", err)
	}
	liveSet, err := hashset.Load(rootHashesPath, p.HashWidth())
	if err != nil {
		return nil, fmt.Errorf("gc: loading root hashes: %w", err)
	}
	defer liveSet.Close()

	worker := newDeletionWorker(p)

	availablePath := filepath.Join(rootDir, "available.new")
	availableFile, err := os.Create(availablePath)
	if err != nil {
		return nil, err
	}

	iterErr := p.Iterate(func(batch storage.Batch) error {
		for _, digest := range batch {
			if liveSet.Contains(digest) {
				if _, err := availableFile.Write(digest); err != nil {
					return err
				}
				result.AvailableChunks++
			} else {
				worker.delete(digest)
			}
		}
		return nil
	})

	deleted, workerErr := worker.closeAndWait()
	result.DeletedChunks = deleted

	if iterErr != nil {
		availableFile.Close()
		return nil, fmt.Errorf("gc: iterating pool: %w", iterErr)
	}
	if workerErr != nil {
		availableFile.Close()
		return nil, fmt.Errorf("gc: deletion worker: %w", workerErr)
	}

	if err := availableFile.Sync(); err != nil {
		availableFile.Close()
		return nil, fmt.Errorf("gc: fsync available: %w", err)
	}
	if err := availableFile.Close(); err != nil {
		return nil, err
	}
	finalAvailable := filepath.Join(rootDir, "available")
	if err := hashset.SortFile(availablePath, p.HashWidth()); err != nil {
		return nil, fmt.Errorf("gc: sorting available: %w", err)
	}
	if err := os.Rename(availablePath, finalAvailable); err != nil {
		return nil, err
	}

	missingCount, err := writeMissing(rootDir, p.HashWidth(), liveSet, finalAvailable)
	if err != nil {
		return nil, fmt.Errorf("gc: computing missing: %w", err)
	}
	result.MissingChunks = missingCount

	return result, nil
}

// listHosts returns the names of configured hosts under hostsDir.
func listHosts(hostsDir string) ([]string, error) {
	entries, err := os.ReadDir(hostsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// collectHost removes every expired backup directory of one host and
// returns the count removed plus the path to that host's merged hashes
// file (built from its surviving backups), or "" if the host has none.
func collectHost(hostDir string, policy expiry.Policy, now time.Time, hashWidth int) (removed int, hashesPath string, err error) {
	nums, err := backup.ListBackupNumbers(hostDir)
	if err != nil {
		return 0, "", err
	}

	var candidates []expiry.Backup
	for _, n := range nums {
		var info backup.Info
		if err := persist.LoadJSON(filepath.Join(hostDir, strconv.Itoa(n), "info.json"), &info); err != nil {
			continue
		}
		candidates = append(candidates, expiry.Backup{
			Number:    n,
			StartTime: time.Unix(0, info.StartTime*int64(time.Millisecond)),
			Failed:    info.Failed != nil && *info.Failed,
		})
	}

	expired := make(map[int]bool)
	for _, n := range expiry.Evaluate(policy, now, candidates) {
		expired[n] = true
	}

	var survivingHashes []string
	for _, n := range nums {
		dir := filepath.Join(hostDir, strconv.Itoa(n))
		if expired[n] {
			if err := os.RemoveAll(dir); err != nil {
				return removed, "", err
			}
			removed++
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "hashes")); err == nil {
			survivingHashes = append(survivingHashes, filepath.Join(dir, "hashes"))
		}
	}

	if len(survivingHashes) == 0 {
		return removed, "", nil
	}
	hostHashesPath := filepath.Join(hostDir, "hashes")
	if err := mergeHashesFiles(hostHashesPath, hashWidth, survivingHashes); err != nil {
		return removed, "", err
	}
	return removed, hostHashesPath, nil
}

// mergeHashesFiles merges already-sorted digest files (each produced by a
// prior hashset.Build) into a single sorted file at path, using width as
// the fixed digest record size each source is framed in.
func mergeHashesFiles(path string, width int, sources []string) error {
	files := make([]*os.File, 0, len(sources))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	readers := make([]io.Reader, 0, len(sources))
	for _, src := range sources {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		files = append(files, f)
		readers = append(readers, f)
	}
	return hashset.Build(path, width, readers...)
}

// writeMissing diffs the just-built available set against liveSet and
// records every live digest absent from storage (a lost chunk) into
// rootDir/missing. A nonzero result is a warning for the operator, not a
// reason to fail the run: the pool is already as clean as it can be made.
func writeMissing(rootDir string, width int, liveSet *hashset.Set, availablePath string) (int, error) {
	available, err := hashset.Load(availablePath, width)
	if err != nil {
		return 0, err
	}
	defer available.Close()

	missingPath := filepath.Join(rootDir, "missing.new")
	out, err := os.Create(missingPath)
	if err != nil {
		return 0, err
	}

	count := 0
	cursor := liveSet.Iterate(nil)
	for digest := cursor.Next(); digest != nil; digest = cursor.Next() {
		if available.Contains(digest) {
			continue
		}
		if _, err := out.Write(digest); err != nil {
			out.Close()
			return 0, err
		}
		count++
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(missingPath, filepath.Join(rootDir, "missing")); err != nil {
		return 0, err
	}
	return count, nil
}

// deletionWorker removes dead chunks from the pool off the main iteration
// goroutine, decoupling deletion I/O from the walk and giving back-pressure
// via the channel (spec.md §4.12's "pipe-paired child process for pool
// deletion" — implemented here as a goroutine and channel rather than a
// literal subprocess, since nothing about the decoupling requires separate
// address spaces in Go). Its lifetime is tracked with a threadgroup so
// closeAndWait blocks on the same Add/Done discipline the rest of the
// system uses for in-flight work.
type deletionWorker struct {
	tg      threadgroup.ThreadGroup
	digests chan []byte
	deleted int
	err     error
}

func newDeletionWorker(p *pool.Pool) *deletionWorker {
	w := &deletionWorker{digests: make(chan []byte, 256)}
	if err := w.tg.Add(); err != nil {
		w.err = err
		return w
	}
	go func() {
		defer w.tg.Done()
		for digest := range w.digests {
			if w.err != nil {
				continue
			}
			if err := p.Remove(digest); err != nil {
				w.err = err
				continue
			}
			w.deleted++
		}
	}()
	return w
}

func (w *deletionWorker) delete(digest []byte) {
	w.digests <- append([]byte(nil), digest...)
}

func (w *deletionWorker) closeAndWait() (int, error) {
	close(w.digests)
	if err := w.tg.Stop(); err != nil && w.err == nil {
		w.err = err
	}
	return w.deleted, w.err
}
