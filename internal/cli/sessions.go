package cli

import (
	"fmt"
	"strings"

	"github.com/tracecast/tracecast/internal/scanner"
)

// Sessions lists recorded agent sessions under the given root, newest
// first. An empty root means the default transcript directory.
func Sessions(root string) ([]scanner.SessionMeta, error) {
	if root == "" {
		var err error
		root, err = scanner.DefaultRoot()
		if err != nil {
			return nil, err
		}
	}
	return scanner.ScanDirectory(root)
}

// FormatSessions renders the session table for humans.
func FormatSessions(sessions []scanner.SessionMeta) string {
	if len(sessions) == 0 {
		return "No sessions found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-12s %6s  %s\n", "ID", "UPDATED", "MSGS", "FIRST PROMPT")
	for _, s := range sessions {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		prompt := s.FirstPrompt
		if prompt == "" {
			prompt = "-"
		}
		fmt.Fprintf(&b, "%-10s %-12s %6d  %s\n",
			id, relativeTime(s.UpdatedAt), s.MessageCount, prompt)
	}
	return b.String()
}
