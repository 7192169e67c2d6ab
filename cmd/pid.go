package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLockHeld is returned when another live process owns the upload lock
var ErrLockHeld = errors.New("another upload is already running")

// RunInfo is the state of the current (or last) run, written for the status command
type RunInfo struct {
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	StartTime  time.Time `json:"start_time"`
	DryRun     bool      `json:"dry_run"`
	Stage      string    `json:"stage"`
	Percent    int       `json:"percent"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	Records    int       `json:"records"`
	Artifact   string    `json:"artifact,omitempty"`
	Watermark  int64     `json:"watermark"`
	Finished   bool      `json:"finished"`
	LastUpdate time.Time `json:"last_update"`
}

// GetStateDir returns the directory holding the lock, run-state and history files
func GetStateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".stumble-exporter")
}

// GetPIDFilePath returns the path to the PID file
func GetPIDFilePath() string {
	return filepath.Join(GetStateDir(), "exporter.pid")
}

// GetRunFilePath returns the path to the run-state file
func GetRunFilePath() string {
	return filepath.Join(GetStateDir(), "current_run.json")
}

// AcquireLock takes the single-flight lock for this process. A PID file
// left behind by a dead process is replaced.
func AcquireLock() (release func(), err error) {
	pidPath := GetPIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(pidPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr = errors.Join(werr, cerr); werr != nil {
				_ = os.Remove(pidPath)
				return nil, fmt.Errorf("failed to write PID file: %w", werr)
			}
			return func() { _ = RemovePIDFile() }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create PID file: %w", err)
		}

		pid, readErr := ReadPIDFile()
		if readErr == nil && pid != os.Getpid() && IsProcessRunning(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrLockHeld, pid)
		}
		if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return nil, ErrLockHeld
}

// RemovePIDFile removes the PID file
func RemovePIDFile() error {
	return os.Remove(GetPIDFilePath())
}

// ReadPIDFile reads the PID from file
func ReadPIDFile() (int, error) {
	data, err := os.ReadFile(GetPIDFilePath())
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// signal 0 checks for existence without delivering anything
	return process.Signal(syscall.Signal(0)) == nil
}

// WriteRunInfo writes the run state, replacing the file atomically
func WriteRunInfo(info *RunInfo) error {
	runPath := GetRunFilePath()
	if err := os.MkdirAll(filepath.Dir(runPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}

	tmp := runPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, runPath)
}

// ReadRunInfo reads the run state
func ReadRunInfo() (*RunInfo, error) {
	data, err := os.ReadFile(GetRunFilePath())
	if err != nil {
		return nil, err
	}

	var info RunInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run info: %w", err)
	}

	return &info, nil
}

// RemoveRunFile removes the run-state file
func RemoveRunFile() error {
	return os.Remove(GetRunFilePath())
}
