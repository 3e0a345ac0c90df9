package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tracecast/tracecast/internal/config"
	"github.com/tracecast/tracecast/internal/protocol"
	"github.com/tracecast/tracecast/internal/store"
)

// testStateDir points the daemon at a throwaway state directory kept short
// enough for unix socket paths.
func testStateDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tcs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("TRACECAST_STATE_DIR", dir)
	return dir
}

func runDaemon(t *testing.T) (*Daemon, chan error) {
	t.Helper()
	d, err := New(&config.Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	if err := waitForSocket(d.SocketPath(), 5*time.Second); err != nil {
		t.Fatalf("daemon never came up: %v", err)
	}
	t.Cleanup(func() {
		d.RequestShutdown()
		deadline := time.Now().Add(5 * time.Second)
		for !d.shutdownComplete.Load() {
			if time.Now().After(deadline) {
				t.Error("daemon did not shut down")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
	return d, done
}

func TestDaemonRunAndShutdown(t *testing.T) {
	dir := testStateDir(t)
	_, done := runDaemon(t)

	client, err := Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	client.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit after Shutdown request")
	}

	for _, name := range []string{"daemon.pid", "daemon.sock", "daemon.lock"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s left behind after shutdown", name)
		}
	}
}

func TestSecondDaemonRejected(t *testing.T) {
	testStateDir(t)
	runDaemon(t)

	second, err := New(&config.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = second.Run(context.Background())
	if err == nil {
		t.Fatal("second daemon ran in the same state directory")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Errorf("error = %v", err)
	}
}

func TestDaemonRestartReconcilesOrphans(t *testing.T) {
	dir := testStateDir(t)

	// Seed a record a crashed daemon would leave behind.
	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	orphan := protocol.ShareInfo{
		ID:           protocol.NewShareID(),
		SessionPath:  "/tmp/gone.jsonl",
		ProviderName: "mock",
		StartedAt:    time.Now().UTC(),
		Status:       protocol.StatusActive,
	}
	if err := st.InsertShare(orphan); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	runDaemon(t)

	client, err := Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	shares, err := client.ListShares()
	if err != nil {
		t.Fatalf("ListShares: %v", err)
	}
	if len(shares) != 1 {
		t.Fatalf("len(shares) = %d", len(shares))
	}
	if shares[0].Status != protocol.StatusError {
		t.Errorf("orphan status = %s, want error", shares[0].Status)
	}
}

func TestDaemonRecordsInstanceState(t *testing.T) {
	dir := testStateDir(t)
	_, done := runDaemon(t)

	client, err := Connect()
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Shutdown(); err != nil {
		t.Fatal(err)
	}
	client.Close()
	<-done

	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	id, ok, err := st.GetState(stateKeyInstanceID)
	if err != nil || !ok || id == "" {
		t.Errorf("instance id = %q, ok=%v, err=%v", id, ok, err)
	}
	startedAt, ok, err := st.GetState(stateKeyStartedAt)
	if err != nil || !ok {
		t.Fatalf("started_at missing: ok=%v, err=%v", ok, err)
	}
	if _, err := time.Parse(time.RFC3339, startedAt); err != nil {
		t.Errorf("started_at %q not RFC3339: %v", startedAt, err)
	}
}
