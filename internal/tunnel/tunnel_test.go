package tunnel

import (
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestByNameCanonicalAndAliases(t *testing.T) {
	cases := map[string]string{
		"cloudflare":  "cloudflare",
		"cloudflared": "cloudflare",
		"CLOUDFLARE":  "cloudflare",
		"ngrok":       "ngrok",
		"Tailscale":   "tailscale",
		"mock":        "mock",
	}
	for in, want := range cases {
		p, err := ByName(in, Options{})
		if err != nil {
			t.Errorf("ByName(%q): %v", in, err)
			continue
		}
		if p.Name() != want {
			t.Errorf("ByName(%q).Name() = %q, want %q", in, p.Name(), want)
		}
	}
}

func TestByNameUnknown(t *testing.T) {
	if _, err := ByName("carrier-pigeon", Options{}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestDetectListsAllRealProviders(t *testing.T) {
	infos := Detect(Options{})
	if len(infos) != 3 {
		t.Fatalf("len = %d, want 3", len(infos))
	}
	names := map[string]bool{}
	for _, info := range infos {
		names[info.Name] = true
	}
	for _, want := range []string{"cloudflare", "ngrok", "tailscale"} {
		if !names[want] {
			t.Errorf("Detect missing %q", want)
		}
	}
}

func TestScrapeURL(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"https://random-words.trycloudflare.com", "https://random-words.trycloudflare.com"},
		{"INF |  https://cool-tunnel.trycloudflare.com", "https://cool-tunnel.trycloudflare.com"},
		{"INF https://cool-tunnel.trycloudflare.com |", "https://cool-tunnel.trycloudflare.com"},
		{"text https://mid.trycloudflare.com more", "https://mid.trycloudflare.com"},
		{"INF Starting tunnel", ""},
		{"https://example.com", ""},
		{"http://test.trycloudflare.com", ""},
	}
	for _, tc := range cases {
		got, ok := scrapeURL(tc.line, "trycloudflare.com")
		if tc.want == "" {
			if ok {
				t.Errorf("scrapeURL(%q) matched %q", tc.line, got)
			}
			continue
		}
		if !ok || got != tc.want {
			t.Errorf("scrapeURL(%q) = %q, %v; want %q", tc.line, got, ok, tc.want)
		}
	}
}

func TestMockSpawnUniqueURLs(t *testing.T) {
	m := NewMock()
	h1, err := m.Spawn(3001)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h2, err := m.Spawn(3002)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h1.URL == h2.URL {
		t.Errorf("urls not unique: %q", h1.URL)
	}
	if h1.Provider() != "mock" {
		t.Errorf("provider = %q", h1.Provider())
	}
}

func TestMockDelay(t *testing.T) {
	m := NewMock()
	m.Delay = 50 * time.Millisecond

	start := time.Now()
	if _, err := m.Spawn(3000); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if elapsed := time.Since(start); elapsed < m.Delay {
		t.Errorf("spawn returned after %v, want at least %v", elapsed, m.Delay)
	}
}

func TestMockSpawnError(t *testing.T) {
	m := NewMock()
	m.SpawnErr = ErrURLParse
	if _, err := m.Spawn(3000); !errors.Is(err, ErrURLParse) {
		t.Errorf("err = %v", err)
	}
}

func TestMockFromEnv(t *testing.T) {
	t.Setenv(envMockURL, "https://custom-{n}.test")
	t.Setenv(envMockDelayMS, "10")

	m := NewMockFromEnv()
	if m.Delay != 10*time.Millisecond {
		t.Errorf("delay = %v", m.Delay)
	}
	h, err := m.Spawn(3000)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !strings.HasPrefix(h.URL, "https://custom-") || !strings.HasSuffix(h.URL, ".test") {
		t.Errorf("url = %q", h.URL)
	}
}

func TestDetachedHandleStopAndRunning(t *testing.T) {
	h := newDetachedHandle("https://test.example.com", "mock")
	if h.Running() {
		t.Error("detached handle reports running")
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestHandleStopTerminatesProcess(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := newHandle(cmd, "https://x.example.com", "test")

	if !h.Running() {
		t.Fatal("process not running")
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.Running() {
		t.Error("process still running after Stop")
	}
	// Stop again is a no-op.
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestHandleStopRunsStopFn(t *testing.T) {
	h := newDetachedHandle("https://x.ts.net", "tailscale")
	called := 0
	h.stopFn = func() error { called++; return nil }

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if called != 1 {
		t.Errorf("stopFn ran %d times, want 1", called)
	}
}

func TestCloudflaredSpawnWithoutBinary(t *testing.T) {
	c := NewCloudflared()
	if c.Available() {
		t.Skip("cloudflared installed on this machine")
	}
	_, err := c.Spawn(3000)
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Errorf("err = %v, want ErrBinaryNotFound", err)
	}
}
