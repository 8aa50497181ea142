package manager

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// runLock is an exclusive lock on a run directory, held by a lock file that
// only one process can create. The file holds the owner's pid; a lock whose
// owner has exited is stale and is taken over.
type runLock struct {
	path string
}

func lockRun(dir string) (*runLock, error) {
	path := filepath.Join(dir, LockFile)
	l, err := createLock(path)
	if !errors.Is(err, ErrRunLocked) {
		return l, err
	}
	if holder, alive := lockHolder(path); !alive {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing stale lock of pid %d: %w", holder, err)
		}
		return createLock(path)
	}
	return nil, err
}

func createLock(path string) (*runLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s exists", ErrRunLocked, path)
		}
		return nil, fmt.Errorf("creating lock: %w", err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing lock: %w", werr)
	}
	return &runLock{path: path}, nil
}

func (l *runLock) release() error {
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// lockHolder reads the pid in a lock file and reports whether that process
// is still running. A lock without a readable pid counts as held.
func lockHolder(path string) (pid int, alive bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, !errors.Is(err, fs.ErrNotExist)
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, true
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isLocked reports whether a live process holds the run.
func isLocked(dir string) bool {
	_, alive := lockHolder(filepath.Join(dir, LockFile))
	return alive
}
