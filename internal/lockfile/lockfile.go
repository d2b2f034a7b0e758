// Package lockfile guards a StudyPipe state directory against a second
// process. SQLite deployments keep their database in the state directory and
// must have a single writer; the lock is an flock on a file in that
// directory, so the kernel drops it when the process exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "studypipe.lock"

// Lock is a held state-directory lock.
type Lock struct {
	file *os.File
	path string
}

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	StartedAt time.Time
}

// AcquireLock takes the lock for stateDir without blocking. When another
// process holds it, a *LockError describing the holder is returned.
func AcquireLock(stateDir string) (*Lock, error) {
	path := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC is deferred until the lock is held so a losing process never
	// wipes the holder's owner record.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lerr := &LockError{LockPath: path, Cause: err}
		if owner, ok := ReadOwner(path); ok {
			lerr.Owner = &owner
			lerr.OwnerRunning = isProcessRunning(owner.PID)
		}
		slog.Error("lockfile.AcquireLock: state directory is locked", "lock_path", path, "error", err)
		return nil, lerr
	}

	record := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := writeRecord(file, record); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

func writeRecord(file *os.File, record string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(record), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.AcquireLock: sync failed", "lock_path", file.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. It is safe to call more
// than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so no other process can observe
	// a record that belongs to a released lock.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("lockfile.Release: released", "lock_path", l.path)
	return err
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath     string
	Owner        *Owner
	OwnerRunning bool
	Cause        error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another StudyPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Owner != nil {
		state := "not running, stale lock"
		if e.OwnerRunning {
			state = "running"
		}
		fmt.Fprintf(&b, "; held by pid %d (%s)", e.Owner.PID, state)
		if !e.Owner.StartedAt.IsZero() {
			fmt.Fprintf(&b, " since %s", e.Owner.StartedAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintf(&b, ". Stop that instance, or remove %s only if you are sure it has exited.", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error { return e.Cause }

// ReadOwner parses the owner record from a lock file.
func ReadOwner(path string) (Owner, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, false
	}
	defer f.Close()

	var owner Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil {
				owner.PID = pid
			}
		case "started":
			if ts, err := time.Parse(time.RFC3339, val); err == nil {
				owner.StartedAt = ts
			}
		}
	}
	return owner, owner.PID > 0
}

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
