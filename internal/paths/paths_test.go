package paths

import (
	"path/filepath"
	"testing"
)

func TestStateDirOverride(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TRACECAST_STATE_DIR", tmp)

	dir, err := StateDir()
	if err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if dir != tmp {
		t.Fatalf("expected %s, got %s", tmp, dir)
	}
}

func TestStateDirXDG(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TRACECAST_STATE_DIR", "")
	t.Setenv("XDG_DATA_HOME", tmp)

	dir, err := StateDir()
	if err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if dir != filepath.Join(tmp, "tracecast") {
		t.Fatalf("unexpected dir %s", dir)
	}
}

func TestWellKnownFiles(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TRACECAST_STATE_DIR", tmp)

	for name, fn := range map[string]func() (string, error){
		"daemon.sock": SocketPath,
		"daemon.pid":  PIDPath,
		"daemon.lock": LockPath,
		"state.db":    DBPath,
		"config.json": ConfigPath,
	} {
		got, err := fn()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != filepath.Join(tmp, name) {
			t.Fatalf("%s: unexpected path %s", name, got)
		}
	}
}
