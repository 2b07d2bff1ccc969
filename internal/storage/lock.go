package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockFile is the run lock inside the state directory
const LockFile = "run.lock"

// ErrLocked is returned while another live e5deploy run holds the lock
var ErrLocked = errors.New("another e5deploy run is in progress")

// ExclusiveLock is the content of the run lock file
type ExclusiveLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// ReadLock returns the current lock holder, or nil when unlocked
func ReadLock(stateDir string) (*ExclusiveLock, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, LockFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	var lock ExclusiveLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("corrupt lock file: %w", err)
	}
	return &lock, nil
}

// IsStale reports whether the holder is a dead process on this host
func (l *ExclusiveLock) IsStale() bool {
	return !isProcessAlive(l.PID, l.Hostname)
}

// AcquireExclusiveLock creates the run lock in stateDir so two deployments
// never run at once. A lock left behind by a dead process is taken over.
// Returns the lock file path for ReleaseExclusiveLock.
func AcquireExclusiveLock(stateDir, holder, version string) (lockPath string, err error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state dir: %w", err)
	}
	lockPath = filepath.Join(stateDir, LockFile)

	existing, err := ReadLock(stateDir)
	if err == nil && existing != nil && !existing.IsStale() {
		return "", fmt.Errorf("%w (%s, PID %d on %s, started %s)", ErrLocked,
			existing.Holder, existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
	}
	// A corrupt or stale lock is overwritten.

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	data, err := json.MarshalIndent(ExclusiveLock{
		Holder:    holder,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create exclusive lock: %w", err)
	}
	return lockPath, nil
}

// ReleaseExclusiveLock removes the lock file. Should be deferred right
// after a successful acquire.
func ReleaseExclusiveLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove exclusive lock: %w", err)
	}
	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
// Processes on other hosts cannot be checked and count as alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks existence; EPERM means it exists under another user
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
