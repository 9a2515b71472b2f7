package rsync

import (
	"os"
	"sync"

	"github.com/gofrs/flock"
)

// pipeLock serializes access to the RPC pipe (spec.md §4.9): small writes
// may proceed under a shared lock, but larger writes or any reply-expecting
// exchange require the exclusive lock, held across both the request write
// and the reply read. Since rsync itself may fork, the lock tracks the pid
// that last acquired it and reopens the underlying file handle whenever a
// fork is detected, so a child's own lock state never aliases its parent's.
type pipeLock struct {
	path string

	mu  sync.Mutex
	fl  *flock.Flock
	pid int
}

func newPipeLock(path string) *pipeLock {
	return &pipeLock{path: path}
}

func (p *pipeLock) reopenIfForked() error {
	pid := os.Getpid()
	if p.fl != nil && p.pid == pid {
		return nil
	}
	if p.fl != nil {
		p.fl.Unlock()
	}
	p.fl = flock.New(p.path)
	p.pid = pid
	return nil
}

// LockShared acquires the lock in shared mode, for writes within the
// platform's pipe-atomic bound that do not expect a reply.
func (p *pipeLock) LockShared() (unlock func(), err error) {
	p.mu.Lock()
	if err := p.reopenIfForked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if err := p.fl.RLock(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	return func() {
		p.fl.Unlock()
		p.mu.Unlock()
	}, nil
}

// LockExclusive acquires the lock in exclusive mode, for large writes and
// for the full request+reply exchange of reply-expecting opcodes.
func (p *pipeLock) LockExclusive() (unlock func(), err error) {
	p.mu.Lock()
	if err := p.reopenIfForked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if err := p.fl.Lock(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	return func() {
		p.fl.Unlock()
		p.mu.Unlock()
	}, nil
}
