package rsync

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wsldankers/fruitbak-sub000/pool"
	"github.com/wsldankers/fruitbak-sub000/share"
)

// terminationGrace is how long Provider waits after SIGTERM before
// escalating to SIGKILL (spec.md §4.9's "2-second grace... then KILLs").
const terminationGrace = 2 * time.Second

// ChildFactory builds the exec.Cmd for the rsync-delta child process given
// the share's mountpoint and its normalized exclude globs. Swappable so
// tests can substitute a fake child that speaks the wire protocol directly.
type ChildFactory func(mountpoint string, excludes []string) *exec.Cmd

// Provider is a backup.Provider that drives the rsync-delta protocol
// (spec.md §4.9, component C9) in a child process.
type Provider struct {
	Mountpoint string
	Excludes   []string
	Pool       *pool.Pool
	WholeFile  bool

	// ReferenceHashes, when set, seeds every file transfer's
	// prior_hashsets with the reference backup's merged hashset.
	ReferenceHashes pool.Membership

	NewChild ChildFactory
}

// NewProvider returns a Provider that spawns its child via newChild.
func NewProvider(mountpoint string, excludes []string, p *pool.Pool, newChild ChildFactory) *Provider {
	return &Provider{Mountpoint: mountpoint, Excludes: excludes, Pool: p, NewChild: newChild}
}

// normalizeExcludes converts host/share-level exclude globs to paths
// relative to mountpoint, dropping any whose absolute anchor lies outside
// it (spec.md §4.9's exclusion expression rule).
func normalizeExcludes(mountpoint string, globs []string) []string {
	var out []string
	for _, g := range globs {
		if !filepath.IsAbs(g) {
			out = append(out, g)
			continue
		}
		rel, err := filepath.Rel(mountpoint, g)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		out = append(out, rel)
	}
	return out
}

// Transfer implements backup.Provider: it starts the child process, runs
// the RPC loop against it until the child sends finish or exits, and
// enforces the TERM-then-KILL cancellation discipline on any error.
func (p *Provider) Transfer(w *share.Writer, reference *share.Reader) error {
	excludes := normalizeExcludes(p.Mountpoint, p.Excludes)
	cmd := p.NewChild(p.Mountpoint, excludes)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}

	parent := NewParent(p.Pool, w, reference, p.ReferenceHashes)
	parent.WholeFile = p.WholeFile

	// Named per-run with a uuid rather than the child's pid: pids get reused
	// across container restarts, which would let an unrelated process's
	// stale lock file alias this one.
	lockPath := filepath.Join(os.TempDir(), "fruitbak-rsync-"+uuid.NewString()+".lock")
	pl := newPipeLock(lockPath)
	defer os.Remove(lockPath)

	runErr := runLoop(parent, pl, stdout, stdin)

	stdin.Close()
	waitErr := waitWithGrace(cmd)

	if runErr != nil {
		return runErr
	}
	return waitErr
}

// runLoop reads framed messages from r, dispatches each through parent,
// and writes replies to w. It returns when parent.Dispatch reports done,
// or on any I/O or protocol error. Each request is read before any lock
// is taken; reply-expecting opcodes then hold the pipe lock exclusively
// from dispatch through the reply write, and ordinary opcodes hold the
// shared lock while they are dispatched.
func runLoop(parent *Parent, pl *pipeLock, r io.Reader, w io.Writer) error {
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("rsync: reading from child: %w", err)
		}

		var unlock func()
		if replyExpected(msg.Opcode) {
			unlock, err = pl.LockExclusive()
		} else {
			unlock, err = pl.LockShared()
		}
		if err != nil {
			return fmt.Errorf("rsync: acquiring pipe lock: %w", err)
		}

		reply, done, dispatchErr := parent.Dispatch(msg)
		if dispatchErr != nil {
			unlock()
			return fmt.Errorf("rsync: dispatching opcode %d: %w", msg.Opcode, dispatchErr)
		}
		if replyExpected(msg.Opcode) {
			if err := WriteMessage(w, Message{Opcode: msg.Opcode, Payload: reply}); err != nil {
				unlock()
				return fmt.Errorf("rsync: replying to child: %w", err)
			}
		}
		unlock()
		if done {
			return nil
		}
	}
}

// waitWithGrace always waitpid()s the child, first giving it
// terminationGrace after SIGTERM before escalating to SIGKILL.
func waitWithGrace(cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(terminationGrace):
	}

	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(terminationGrace):
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return <-done
	}
}
