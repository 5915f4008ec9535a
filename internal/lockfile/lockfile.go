// Package lockfile guards a BotPipe state directory against a second process.
//
// SQLite databases and the whatsmeow device store cannot be shared between
// processes, so the server takes an flock on a file in the state directory
// before opening either. The kernel drops the lock when the process dies.
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

// FileName is the lock file created inside the state directory.
const FileName = "botpipe.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID       int
	Host      string
	StartedAt time.Time
	Running   bool
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown holder"
	}
	status := "not running, stale lock"
	if h.Running {
		status = "running"
	}
	s := fmt.Sprintf("pid %d on %s (%s)", h.PID, h.Host, status)
	if !h.StartedAt.IsZero() {
		s += ", started " + h.StartedAt.Format(time.RFC3339)
	}
	return s
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock for dir, creating dir if needed.
// It fails fast with a *HeldError when another process holds the lock.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := ReadHolder(path)
		slog.Error("Lock.Acquire: state directory in use", "path", path, "holder", holder.String())
		return nil, &HeldError{Path: path, Holder: holder, Cause: err}
	}

	// The previous holder's record is only truncated once the lock is ours.
	if err := writeHolder(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("Lock.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "path", l.path, "error", err)
	}
	unlockErr := syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	closeErr := file.Close()
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", l.path, closeErr)
	}
	slog.Info("Lock.Release: state directory unlocked", "path", l.path)
	return nil
}

// HeldError reports that another process owns the state directory.
type HeldError struct {
	Path   string
	Holder Holder
	Cause  error
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("state directory is locked by another BotPipe process (%s); "+
		"if that process is gone, remove %s and retry", e.Holder, e.Path)
}

func (e *HeldError) Unwrap() error {
	return e.Cause
}

func writeHolder(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	host, _ := os.Hostname()
	record := fmt.Sprintf("pid=%d\nhost=%s\nstarted_at=%s\n",
		os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(record); err != nil {
		return err
	}
	return file.Sync()
}

// ReadHolder parses the key=value record of the lock file at path.
// A missing or unreadable file yields a zero Holder.
func ReadHolder(path string) Holder {
	file, err := os.Open(path)
	if err != nil {
		return Holder{}
	}
	defer file.Close()

	var h Holder
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "host":
			h.Host = value
		case "started_at":
			h.StartedAt, _ = time.Parse(time.RFC3339, value)
		}
	}
	if h.PID > 0 {
		h.Running = processAlive(h.PID)
	}
	return h
}

// processAlive sends signal 0, which checks for existence without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
