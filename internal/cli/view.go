package cli

import (
	"fmt"
	"log/slog"

	"github.com/tracecast/tracecast/internal/scanner"
	"github.com/tracecast/tracecast/internal/web"
)

// ViewResult describes a locally served session.
type ViewResult struct {
	SessionPath string `json:"session_path"`
	URL         string `json:"url"`
	Port        int    `json:"port"`

	server *web.Server
}

// View serves a session locally without any tunnel. The server keeps
// running until Stop is called; live reload is active the whole time.
func View(ref string, port int, logger *slog.Logger) (*ViewResult, error) {
	root, err := scanner.DefaultRoot()
	if err != nil {
		return nil, err
	}
	path, err := scanner.FindSession(root, ref)
	if err != nil {
		return nil, err
	}
	srv, err := web.New(path, logger)
	if err != nil {
		return nil, err
	}
	boundPort, err := srv.Start(port)
	if err != nil {
		return nil, err
	}
	return &ViewResult{
		SessionPath: path,
		URL:         fmt.Sprintf("http://127.0.0.1:%d", boundPort),
		Port:        boundPort,
		server:      srv,
	}, nil
}

// Stop shuts the local server down.
func (v *ViewResult) Stop() error {
	if v.server == nil {
		return nil
	}
	return v.server.Stop()
}
