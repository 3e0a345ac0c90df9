package tunnel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// Ngrok runs tunnels via the ngrok CLI. The public URL is not printed to
// the console, so it is read from ngrok's local inspection API instead.
type Ngrok struct {
	token   string
	timeout time.Duration

	// apiURL is overridable in tests.
	apiURL string
}

const (
	ngrokBinary     = "ngrok"
	ngrokDefaultAPI = "http://127.0.0.1:4040/api/tunnels"
)

func NewNgrok(token string) *Ngrok {
	return &Ngrok{token: token, timeout: 30 * time.Second, apiURL: ngrokDefaultAPI}
}

func (n *Ngrok) Name() string        { return "ngrok" }
func (n *Ngrok) DisplayName() string { return "ngrok" }

func (n *Ngrok) Available() bool { return binaryOnPath(ngrokBinary) }

func (n *Ngrok) Spawn(port int) (*Handle, error) {
	if !n.Available() {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, ngrokBinary)
	}

	cmd := exec.Command(ngrokBinary, "http", fmt.Sprintf("%d", port), "--log", "stdout", "--log-format", "json")
	cmd.SysProcAttr = detachedSysProcAttr()
	if n.token != "" {
		cmd.Env = append(os.Environ(), "NGROK_AUTHTOKEN="+n.token)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn ngrok: %w", err)
	}
	handle := newHandle(cmd, "", n.Name())

	url, err := n.pollForURL(handle, port)
	if err != nil {
		_ = handle.Stop()
		return nil, err
	}
	handle.URL = url
	return handle, nil
}

// pollForURL asks the inspection API for the tunnel that fronts our port
// until it shows up or the timeout passes.
func (n *Ngrok) pollForURL(handle *Handle, port int) (string, error) {
	target := fmt.Sprintf("http://localhost:%d", port)
	deadline := time.Now().Add(n.timeout)
	client := &http.Client{Timeout: 2 * time.Second}

	for time.Now().Before(deadline) {
		if !handle.Running() {
			return "", fmt.Errorf("ngrok: %w", ErrProcessExited)
		}
		if url, ok := n.queryAPI(client, target); ok {
			return url, nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return "", fmt.Errorf("ngrok: %w", ErrTimeout)
}

func (n *Ngrok) queryAPI(client *http.Client, target string) (string, bool) {
	resp, err := client.Get(n.apiURL)
	if err != nil {
		return "", false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var payload struct {
		Tunnels []struct {
			PublicURL string `json:"public_url"`
			Proto     string `json:"proto"`
			Config    struct {
				Addr string `json:"addr"`
			} `json:"config"`
		} `json:"tunnels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", false
	}
	for _, t := range payload.Tunnels {
		if t.Proto == "https" && (t.Config.Addr == target || t.Config.Addr == "") {
			return t.PublicURL, true
		}
	}
	return "", false
}
