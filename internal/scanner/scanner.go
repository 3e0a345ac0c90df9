// Package scanner discovers recorded Claude Code sessions under
// ~/.claude/projects and extracts lightweight metadata without fully
// parsing the transcripts.
package scanner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tracecast/tracecast/internal/parser"
)

// SessionMeta is the cheap-to-compute summary of one recorded session.
type SessionMeta struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Project      string    `json:"project"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	FirstPrompt  string    `json:"first_prompt,omitempty"`
}

// DefaultRoot returns the Claude Code projects directory for this user.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// ScanDirectory walks one projects root and returns session metadata,
// newest first. A missing root yields an empty list, not an error.
// Unreadable or malformed session files are skipped.
func ScanDirectory(root string) ([]SessionMeta, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return []SessionMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projects root: %w", err)
	}

	sessions := []SessionMeta{}
	for _, projectDir := range entries {
		if !projectDir.IsDir() {
			continue
		}
		project := projectDir.Name()
		files, err := os.ReadDir(filepath.Join(root, project))
		if err != nil {
			continue
		}
		for _, file := range files {
			// Transcripts live directly in the project directory;
			// subdirectories hold sub-agent scratch files.
			if file.IsDir() || !parser.CanParse(file.Name()) {
				continue
			}
			path := filepath.Join(root, project, file.Name())
			meta, err := scanSessionFile(path, project)
			if err != nil {
				continue
			}
			sessions = append(sessions, meta)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// FindSession resolves a session reference to a transcript path. The
// reference is either a path to a .jsonl file or a session id (full or
// unambiguous prefix) known to the scanner.
func FindSession(root, ref string) (string, error) {
	if parser.CanParse(ref) {
		if _, err := os.Stat(ref); err != nil {
			return "", fmt.Errorf("transcript %s: %w", ref, err)
		}
		return ref, nil
	}

	sessions, err := ScanDirectory(root)
	if err != nil {
		return "", err
	}
	var matches []SessionMeta
	for _, s := range sessions {
		if s.ID == ref {
			return s.Path, nil
		}
		if strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0].Path, nil
	case 0:
		return "", fmt.Errorf("no session matches %q", ref)
	default:
		return "", fmt.Errorf("session reference %q is ambiguous (%d matches)", ref, len(matches))
	}
}

type quickEntry struct {
	Type    string `json:"type"`
	IsMeta  bool   `json:"isMeta"`
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

const scanLineLimit = 32 << 20

func scanSessionFile(path, project string) (SessionMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SessionMeta{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return SessionMeta{}, err
	}
	defer func() { _ = f.Close() }()

	base := filepath.Base(path)
	meta := SessionMeta{
		ID:        strings.TrimSuffix(base, filepath.Ext(base)),
		Path:      path,
		Project:   project,
		UpdatedAt: info.ModTime().UTC(),
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), scanLineLimit)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e quickEntry
		if json.Unmarshal([]byte(line), &e) != nil {
			continue
		}
		if e.Type != "user" && e.Type != "assistant" {
			continue
		}
		if e.IsMeta {
			continue
		}
		meta.MessageCount++

		if meta.FirstPrompt == "" && e.Type == "user" && e.Message != nil {
			if prompt, ok := promptText(e.Message.Content); ok {
				meta.FirstPrompt = truncatePrompt(prompt, 100)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return SessionMeta{}, err
	}
	return meta, nil
}

// promptText extracts displayable user text, skipping tool results and
// command echoes.
func promptText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" || strings.HasPrefix(s, "<command-name>") || strings.HasPrefix(s, "<local-command") {
			return "", false
		}
		return s, true
	}
	var blocks []struct {
		Type      string `json:"type"`
		Text      string `json:"text"`
		ToolUseID string `json:"tool_use_id"`
	}
	if json.Unmarshal(raw, &blocks) != nil {
		return "", false
	}
	var parts []string
	for _, b := range blocks {
		if b.ToolUseID != "" || b.Type != "text" || b.Text == "" {
			continue
		}
		parts = append(parts, b.Text)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// truncatePrompt cuts at a word boundary when one lands in the second half
// of the budget, otherwise hard-cuts at a rune boundary.
func truncatePrompt(prompt string, max int) string {
	prompt = strings.TrimSpace(prompt)
	if len(prompt) <= max {
		return prompt
	}
	cut := strings.LastIndexFunc(prompt[:max], func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' })
	if cut < max/2 {
		cut = max
		for cut > 0 && prompt[cut]&0xC0 == 0x80 {
			cut--
		}
	}
	return prompt[:cut] + "..."
}
