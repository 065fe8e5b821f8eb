// Package lockfile keeps two monitors from writing the same database.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another live process holds the lock
var ErrLocked = errors.New("database is locked by another trackwatch instance")

// Owner describes the process holding a lock
type Owner struct {
	PID     int
	Addr    string
	Started time.Time
}

// String formats the owner as written to the lock file
func (o Owner) String() string {
	return fmt.Sprintf("pid=%d addr=%s started=%s", o.PID, o.Addr, o.Started.UTC().Format(time.RFC3339))
}

// LockedError carries the current owner, if it could be read
type LockedError struct {
	Path  string
	Owner *Owner
}

func (e *LockedError) Error() string {
	if e.Owner == nil {
		return fmt.Sprintf("%v (lock held at %s)", ErrLocked, e.Path)
	}
	return fmt.Sprintf("%v (lock held at %s by %s)", ErrLocked, e.Path, e.Owner)
}

func (e *LockedError) Unwrap() error {
	return ErrLocked
}

// Lock is an exclusive flock on a file next to the database
type Lock struct {
	path string
	file *os.File
}

// PathFor returns the lock path guarding dbPath
func PathFor(dbPath string) string {
	return dbPath + ".lock"
}

// Acquire takes the lock for dbPath and records owner in it.
// It fails with a *LockedError if another process holds it.
func Acquire(dbPath string, owner Owner) (*Lock, error) {
	lockPath := PathFor(dbPath)

	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			locked := &LockedError{Path: lockPath}
			if o, rerr := ReadOwner(lockPath); rerr == nil {
				locked.Owner = o
			}
			return nil, locked
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if owner.PID == 0 {
		owner.PID = os.Getpid()
	}
	if owner.Started.IsZero() {
		owner.Started = time.Now()
	}
	if err := writeOwner(file, owner); err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, err
	}

	return &Lock{path: lockPath, file: file}, nil
}

func writeOwner(file *os.File, owner Owner) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := file.WriteString(owner.String() + "\n"); err != nil {
		return fmt.Errorf("failed to write lock owner: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

// Release unlocks and closes the file. The file itself is left in place so
// the next process locks the same inode.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	l.file = nil
	return nil
}

// Path returns the path to the lock file
func (l *Lock) Path() string {
	return l.path
}

// ReadOwner parses the owner recorded in a lock file.
// A missing file returns (nil, nil).
func ReadOwner(lockPath string) (*Owner, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil, fmt.Errorf("lock file is empty")
	}

	var o Owner
	for _, field := range strings.Fields(content) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("malformed lock field %q", field)
		}
		switch key {
		case "pid":
			pid, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse PID from lock file: %w", err)
			}
			o.PID = pid
		case "addr":
			o.Addr = value
		case "started":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse start time from lock file: %w", err)
			}
			o.Started = ts
		}
	}
	if o.PID == 0 {
		return nil, fmt.Errorf("lock file has no pid")
	}
	return &o, nil
}

// IsProcessRunning checks if a process with the given PID is running
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
