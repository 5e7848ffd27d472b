// Package lock provides per-name singleton file locks. A node supervisor
// and each FIFO worker instance take one at boot so a machine never runs
// two copies of the same daemon; the lock dies with the process, so a
// crashed holder never wedges its successor.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// FileLock is an exclusive advisory lock on a file under the lock
// directory. The kernel releases it when the process exits.
type FileLock struct {
	path string
	file *os.File
}

// Acquire takes the exclusive lock named by name under dir, creating the
// directory as needed. It fails immediately if another process holds it.
func Acquire(dir, name string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir %s: %v", dir, err)
	}

	path := filepath.Join(dir, sanitize(name)+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %v", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s held by another process: %v", path, err)
	}

	// Record the holder for operators; staleness is harmless since the
	// flock itself is authoritative.
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &FileLock{path: path, file: f}, nil
}

// Release drops the lock and removes the file. Safe to call once.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	return err
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// sanitize maps a lock name onto a safe file name. Device hosts contain
// dots and colons; both are fine, but path separators are not.
func sanitize(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(name)
}
