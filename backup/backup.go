// Package backup implements the backup orchestrator (spec.md §4.8,
// component C8): it locks a host, selects a reference backup, decides
// full vs incremental, runs each share's transfer provider, and finalizes
// the backup's on-disk metadata.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/wsldankers/fruitbak-sub000/hashset"
	"github.com/wsldankers/fruitbak-sub000/persist"
	"github.com/wsldankers/fruitbak-sub000/pool"
	"github.com/wsldankers/fruitbak-sub000/share"
)

// Info is a backup's JSON info sidecar (spec.md §3).
type Info struct {
	Level     int    `json:"level"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
	Ref       *int   `json:"ref,omitempty"`
	RefHost   string `json:"refhost,omitempty"`
	Failed    *bool  `json:"failed,omitempty"`
}

// State is one of the backup state machine's states (spec.md §4.8).
type State int

const (
	StatePending State = iota
	StateLocked
	StateRunning
	StateFinalizing
	StateAborted
)

// ShareState is one of a share's independent states within a running
// backup.
type ShareState int

const (
	ShareStarting ShareState = iota
	ShareTransferring
	ShareIndexing
	ShareDone
	ShareFailed
)

// Provider drives one share's transfer: given a writer to append dentries
// to and a reader over the reference share (nil if none), it populates
// the writer and returns an error on failure. The rsync-delta (C9) and
// local-walker (C10) providers both implement this.
type Provider interface {
	Transfer(w *share.Writer, reference *share.Reader) error
}

// ShareSpec names one share to back up and the provider driving it.
type ShareSpec struct {
	Name     string
	Provider Provider
}

// HostDir returns the on-disk directory for hostname under rootDir.
func HostDir(rootDir, hostname string) string {
	return filepath.Join(rootDir, "host", hostname)
}

// ListBackupNumbers returns the numeric backup directories already present
// for a host, in ascending order.
func ListBackupNumbers(hostDir string) ([]int, error) {
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

// readBackupInfo loads the info.json of backup n under hostDir.
func readBackupInfo(hostDir string, n int) (*Info, error) {
	var info Info
	if err := persist.LoadJSON(filepath.Join(hostDir, strconv.Itoa(n), "info.json"), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SelectReference picks the reference backup: explicit overrides; default
// is the most recent backup of the host whose info.json does not report
// failed=true.
func SelectReference(hostDir string, explicit *int) (*int, error) {
	if explicit != nil {
		return explicit, nil
	}
	nums, err := ListBackupNumbers(hostDir)
	if err != nil {
		return nil, err
	}
	for i := len(nums) - 1; i >= 0; i-- {
		info, err := readBackupInfo(hostDir, nums[i])
		if err != nil {
			continue
		}
		if info.Failed == nil || !*info.Failed {
			n := nums[i]
			return &n, nil
		}
	}
	return nil, nil
}

// DecideFull decides whether the next backup should be a full backup:
// explicitFull always wins; otherwise a backup is full iff there is no
// reference backup, or fullInterval is positive and the reference's
// StartTime is older than now minus fullInterval. A non-positive
// fullInterval disables the age check.
func DecideFull(hostDir string, ref *int, explicitFull bool, fullInterval time.Duration) (bool, error) {
	if explicitFull {
		return true, nil
	}
	if ref == nil {
		return true, nil
	}
	if fullInterval <= 0 {
		return false, nil
	}
	info, err := readBackupInfo(hostDir, *ref)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-fullInterval)
	return time.Unix(0, info.StartTime*int64(time.Millisecond)).Before(cutoff), nil
}

// Run executes one host's backup: holds the Fruitbak-wide lock shared for
// the duration of the run, acquires the per-host lock, selects the
// reference backup, runs each share's provider, and finalizes the backup
// directory. p is used to merge each share's hashes sidecar into the
// backup's own hashes file.
func Run(rootDir, hostname string, shares []ShareSpec, p *pool.Pool, explicitRef *int, explicitFull bool, fullInterval time.Duration) (failed bool, err error) {
	hostDir := HostDir(rootDir, hostname)
	if err := os.MkdirAll(hostDir, 0755); err != nil {
		return false, err
	}

	// Held for the entire run so a concurrent gc (the gc command takes this
	// same lock exclusively around gc.Run) can never observe a half-written
	// backup directory
	// (spec.md §4.8's locking contract).
	fruitbakLock, err := LockShared(filepath.Join(rootDir, "lock"))
	if err != nil {
		return false, fmt.Errorf("backup: host %s: %w", hostname, err)
	}
	defer fruitbakLock.Unlock()

	lockPath := filepath.Join(hostDir, "new", "lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return false, err
	}
	fl, err := TryLockExclusive(lockPath)
	if err != nil {
		return false, fmt.Errorf("backup: host %s: %w", hostname, err)
	}
	defer fl.Unlock()

	refNum, err := SelectReference(hostDir, explicitRef)
	if err != nil {
		return false, err
	}
	full, err := DecideFull(hostDir, refNum, explicitFull, fullInterval)
	if err != nil {
		return false, err
	}

	stagingDir := filepath.Join(hostDir, "new")
	startTime := time.Now()
	anyFailed := false
	var shareHashesPaths []string

	for _, spec := range shares {
		shareDir := filepath.Join(stagingDir, "share", share.MangleName(spec.Name))
		w, err := share.NewWriter(shareDir)
		if err != nil {
			anyFailed = true
			continue
		}

		// A reference reader is opened whenever a reference backup exists,
		// full or not, and handed to the provider as is. The provider is not
		// told whether this backup is full, so a full backup consults the
		// reference's cached attributes and digest lists exactly as an
		// incremental one does; full only decides the recorded Level.
		var reference *share.Reader
		if refNum != nil {
			refShareDir := filepath.Join(hostDir, strconv.Itoa(*refNum), "share", share.MangleName(spec.Name))
			if rr, err := share.OpenReader(refShareDir); err == nil {
				reference = rr
			}
		}

		shareErr := spec.Provider.Transfer(w, reference)
		if reference != nil {
			reference.Close()
		}

		info := &share.Info{Name: spec.Name, StartTime: startTime.UnixMilli(), EndTime: time.Now().UnixMilli()}
		if shareErr != nil {
			info.Error = shareErr.Error()
			anyFailed = true
		}
		if err := w.Finish(info); err != nil {
			anyFailed = true
			continue
		}

		if sr, err := share.OpenReader(shareDir); err == nil {
			if _, err := sr.Hashes(p.HashWidth()); err == nil {
				shareHashesPaths = append(shareHashesPaths, filepath.Join(shareDir, "hashes"))
			}
			sr.Close()
		}
	}

	if len(shareHashesPaths) > 0 {
		sources := make([]io.Reader, 0, len(shareHashesPaths))
		var files []*os.File
		for _, hp := range shareHashesPaths {
			f, err := os.Open(hp)
			if err != nil {
				continue
			}
			files = append(files, f)
			sources = append(sources, f)
		}
		if err := hashset.Build(filepath.Join(stagingDir, "hashes"), p.HashWidth(), sources...); err != nil {
			anyFailed = true
		}
		for _, f := range files {
			f.Close()
		}
	}

	nextNum := 0
	if nums, err := ListBackupNumbers(hostDir); err == nil && len(nums) > 0 {
		nextNum = nums[len(nums)-1] + 1
	}

	info := &Info{
		Level:     0,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		RefHost:   "",
	}
	if refNum != nil {
		info.Ref = refNum
	}
	if anyFailed {
		failedFlag := true
		info.Failed = &failedFlag
	}
	if !full {
		info.Level = 1
	}

	if err := persist.SaveJSON(filepath.Join(stagingDir, "info.json"), info); err != nil {
		return anyFailed, err
	}

	finalDir := filepath.Join(hostDir, strconv.Itoa(nextNum))
	if err := os.Rename(stagingDir, finalDir); err != nil {
		return anyFailed, err
	}

	return anyFailed, nil
}
