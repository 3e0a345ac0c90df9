package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	want := PIDInfo{
		PID:        os.Getpid(),
		SocketPath: "/tmp/daemon.sock",
		StartedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := WritePIDFile(path, want); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	got, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCheckPIDFileMissing(t *testing.T) {
	running, _, err := CheckPIDFile(filepath.Join(t.TempDir(), "nope.pid"))
	if err != nil {
		t.Fatalf("CheckPIDFile: %v", err)
	}
	if running {
		t.Error("missing PID file reported as running")
	}
}

func TestCheckPIDFileOwnProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := WritePIDFile(path, PIDInfo{PID: os.Getpid()}); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	running, info, err := CheckPIDFile(path)
	if err != nil {
		t.Fatalf("CheckPIDFile: %v", err)
	}
	if !running {
		t.Error("own process reported as not running")
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
}

func TestCheckPIDFileDeadProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	// PID 1 is always alive, so pick a PID from the far end of the range
	// that is overwhelmingly unlikely to exist.
	if err := WritePIDFile(path, PIDInfo{PID: 4194000}); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	running, _, err := CheckPIDFile(path)
	if err != nil {
		t.Fatalf("CheckPIDFile: %v", err)
	}
	if running {
		t.Error("dead process reported as running")
	}
}

func TestCheckPIDFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := CheckPIDFile(path); err == nil {
		t.Error("expected error for corrupt PID file")
	}
}

func TestRemovePIDFileMissing(t *testing.T) {
	if err := RemovePIDFile(filepath.Join(t.TempDir(), "nope.pid")); err != nil {
		t.Errorf("RemovePIDFile on missing file: %v", err)
	}
}

func TestIsProcessRunningInvalidPID(t *testing.T) {
	if isProcessRunning(0) {
		t.Error("PID 0 reported as running")
	}
	if isProcessRunning(-1) {
		t.Error("PID -1 reported as running")
	}
}
