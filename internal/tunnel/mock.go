package tunnel

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Mock is a tunnel provider that spawns nothing and hands out predictable
// URLs. Tests and development use it to exercise share flows without any
// vendor CLI installed.
type Mock struct {
	// URLTemplate may contain {n}, replaced by a process-unique counter.
	URLTemplate string
	// Delay is slept in Spawn to simulate slow tunnel startup.
	Delay time.Duration
	// SpawnErr, when set, is returned from Spawn instead of a handle.
	SpawnErr error
	// Unavailable makes Available report false.
	Unavailable bool
}

var mockCounter atomic.Uint64

// Environment knobs for the mock provider, read when the provider is
// selected by name. Handy for exercising slow-start behavior end to end.
const (
	envMockURL     = "TRACECAST_MOCK_TUNNEL_URL"
	envMockDelayMS = "TRACECAST_MOCK_TUNNEL_DELAY_MS"
)

func NewMock() *Mock {
	return &Mock{URLTemplate: "https://mock-{n}.example.com"}
}

// NewMockFromEnv builds a mock configured from the environment.
func NewMockFromEnv() *Mock {
	m := NewMock()
	if url := os.Getenv(envMockURL); url != "" {
		m.URLTemplate = url
	}
	if ms := os.Getenv(envMockDelayMS); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			m.Delay = time.Duration(v) * time.Millisecond
		}
	}
	return m
}

func (m *Mock) Name() string        { return "mock" }
func (m *Mock) DisplayName() string { return "Mock Tunnel (Test)" }

func (m *Mock) Available() bool { return !m.Unavailable }

func (m *Mock) Spawn(port int) (*Handle, error) {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	if m.SpawnErr != nil {
		return nil, m.SpawnErr
	}
	_ = port
	n := mockCounter.Add(1)
	url := strings.ReplaceAll(m.URLTemplate, "{n}", fmt.Sprintf("%d", n))
	return newDetachedHandle(url, m.Name()), nil
}
