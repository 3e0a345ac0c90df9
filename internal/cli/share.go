package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/tracecast/tracecast/internal/config"
	"github.com/tracecast/tracecast/internal/daemon"
	"github.com/tracecast/tracecast/internal/protocol"
	"github.com/tracecast/tracecast/internal/scanner"
)

// connectClient dials the daemon, auto-starting it when the config allows.
func connectClient(cfg *config.Config) (*daemon.Client, error) {
	if cfg.Daemon.AutoStartEnabled() {
		return daemon.ConnectOrStart()
	}
	return daemon.Connect()
}

// ShareStart shares a session. The ref may be a transcript path, a session
// ID, or a unique ID prefix.
func ShareStart(cfg *config.Config, ref, provider string) (*protocol.ShareInfo, error) {
	root, err := scanner.DefaultRoot()
	if err != nil {
		return nil, err
	}
	path, err := scanner.FindSession(root, ref)
	if err != nil {
		return nil, err
	}

	client, err := connectClient(cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	info, err := client.StartShare(path, provider)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ShareStop stops a share by ID or unique ID prefix.
func ShareStop(cfg *config.Config, ref string) (protocol.ShareID, error) {
	client, err := connectClient(cfg)
	if err != nil {
		return protocol.ShareID{}, err
	}
	defer client.Close()

	id, err := resolveShareID(client, ref)
	if err != nil {
		return protocol.ShareID{}, err
	}
	if err := client.StopShare(id); err != nil {
		return protocol.ShareID{}, err
	}
	return id, nil
}

// ShareList fetches all recorded shares from the daemon.
func ShareList(cfg *config.Config) ([]protocol.ShareInfo, error) {
	client, err := connectClient(cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.ListShares()
}

// resolveShareID matches a full ID or a unique prefix against the daemon's
// share list.
func resolveShareID(client *daemon.Client, ref string) (protocol.ShareID, error) {
	if id, err := protocol.ParseShareID(ref); err == nil {
		return id, nil
	}

	shares, err := client.ListShares()
	if err != nil {
		return protocol.ShareID{}, err
	}
	var matches []protocol.ShareID
	for _, s := range shares {
		if strings.HasPrefix(s.ID.String(), strings.ToLower(ref)) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return protocol.ShareID{}, fmt.Errorf("no share matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return protocol.ShareID{}, fmt.Errorf("share id %q is ambiguous (%d matches)", ref, len(matches))
	}
}

// FormatShareInfo renders one share for humans.
func FormatShareInfo(s *protocol.ShareInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Share %s\n", s.ID)
	if s.SessionName != "" {
		fmt.Fprintf(&b, "  Session:  %s\n", s.SessionName)
	}
	fmt.Fprintf(&b, "  File:     %s\n", s.SessionPath)
	if s.PublicURL != "" {
		fmt.Fprintf(&b, "  URL:      %s\n", s.PublicURL)
	}
	fmt.Fprintf(&b, "  Provider: %s\n", s.ProviderName)
	if s.LocalPort > 0 {
		fmt.Fprintf(&b, "  Port:     %d\n", s.LocalPort)
	}
	fmt.Fprintf(&b, "  Status:   %s\n", s.Status)
	return b.String()
}

// FormatShareList renders the share table for humans.
func FormatShareList(shares []protocol.ShareInfo) string {
	if len(shares) == 0 {
		return "No shares.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-8s %-22s %-12s %s\n", "ID", "STATUS", "SESSION", "STARTED", "URL")
	for _, s := range shares {
		name := s.SessionName
		if name == "" {
			name = s.SessionPath
		}
		if len(name) > 20 {
			name = name[:20] + ".."
		}
		url := s.PublicURL
		if url == "" {
			url = "-"
		}
		fmt.Fprintf(&b, "%-10s %-8s %-22s %-12s %s\n",
			s.ID.String()[:8], s.Status, name, relativeTime(s.StartedAt), url)
	}
	return b.String()
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
