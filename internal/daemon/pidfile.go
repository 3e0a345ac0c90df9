package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// PIDInfo is the daemon process metadata stored in the PID file.
type PIDInfo struct {
	PID        int       `json:"pid"`
	SocketPath string    `json:"socket_path,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// WritePIDFile writes process metadata to the PID file as JSON.
func WritePIDFile(path string, info PIDInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create PID file directory: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal PID info: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// ReadPIDFile reads process metadata from the PID file.
func ReadPIDFile(path string) (PIDInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Not wrapped so callers can use os.IsNotExist.
		return PIDInfo{}, err
	}
	var info PIDInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return PIDInfo{}, fmt.Errorf("invalid PID file: %w", err)
	}
	return info, nil
}

// CheckPIDFile reports whether the PID file names a live process. A missing
// file means no daemon and is not an error.
func CheckPIDFile(path string) (bool, PIDInfo, error) {
	info, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, PIDInfo{}, nil
		}
		return false, PIDInfo{}, err
	}
	return isProcessRunning(info.PID), info, nil
}

// RemovePIDFile removes the PID file; a missing file is fine.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove PID file: %w", err)
	}
	return nil
}

// isProcessRunning probes a PID with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return err == syscall.EPERM
}
