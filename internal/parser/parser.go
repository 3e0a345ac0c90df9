// Package parser turns recorded coding-agent transcripts into a neutral
// Session structure the render server and CLI can display.
//
// The only format currently understood is Claude Code's JSONL session files
// (one JSON event per line, stored under ~/.claude/projects/).
package parser

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupportedFormat marks files the parser does not understand.
var ErrUnsupportedFormat = errors.New("unsupported transcript format")

// ParseError describes a failure while reading a transcript. Line is zero
// when the failure is not tied to a specific line.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// BlockType discriminates the kinds of content in a session.
type BlockType string

const (
	BlockUserPrompt        BlockType = "user_prompt"
	BlockAssistantResponse BlockType = "assistant_response"
	BlockToolCall          BlockType = "tool_call"
	BlockThinking          BlockType = "thinking"
	BlockFileEdit          BlockType = "file_edit"
	BlockSubAgentSpawn     BlockType = "sub_agent_spawn"
)

// AgentStatus is the lifecycle state of a spawned sub-agent.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// Block is one unit of session content. Which fields are set depends on
// Type: Content for prompts, responses and thinking; Name/Input/Output for
// tool calls; Path/Diff for file edits; the Agent* fields for spawns.
type Block struct {
	Type      BlockType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Content   string          `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    *string         `json:"output,omitempty"`

	Path string `json:"path,omitempty"`
	Diff string `json:"diff,omitempty"`

	AgentID     string      `json:"agent_id,omitempty"`
	AgentType   string      `json:"agent_type,omitempty"`
	Description string      `json:"description,omitempty"`
	Prompt      string      `json:"prompt,omitempty"`
	AgentStatus AgentStatus `json:"status,omitempty"`
}

// SubAgent records one sub-agent spawned during the session via the Task
// tool, including its eventual result when one was recorded.
type SubAgent struct {
	ID          string      `json:"id"`
	AgentType   string      `json:"agent_type"`
	Description string      `json:"description"`
	Prompt      string      `json:"prompt"`
	Status      AgentStatus `json:"status"`
	SpawnedAt   time.Time   `json:"spawned_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      string      `json:"result,omitempty"`
}

// Session is a fully parsed transcript.
type Session struct {
	ID        string     `json:"id"`
	Project   string     `json:"project,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	Blocks    []Block    `json:"blocks"`
	SubAgents []SubAgent `json:"sub_agents,omitempty"`
}

// Title derives a human-readable name for the session: the first user
// prompt truncated to one line, else the session id.
func (s *Session) Title() string {
	for _, b := range s.Blocks {
		if b.Type != BlockUserPrompt {
			continue
		}
		line := b.Content
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 80 {
			line = truncateRunes(line, 80) + "..."
		}
		return line
	}
	return s.ID
}

// CanParse reports whether the path looks like a transcript this package
// understands.
func CanParse(path string) bool {
	return filepath.Ext(path) == ".jsonl"
}

// transcript line shapes, matching the JSONL Claude Code writes

type entry struct {
	Type      string     `json:"type"`
	SessionID string     `json:"sessionId"`
	CWD       string     `json:"cwd"`
	Timestamp *time.Time `json:"timestamp"`
	IsMeta    bool       `json:"isMeta"`
	Message   *message   `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ID        string          `json:"id"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type pendingCall struct {
	name      string
	input     json.RawMessage
	timestamp time.Time
	order     int
}

// Transcript lines carry whole file contents in tool results; allow lines
// well past bufio.Scanner's default limit.
const maxLineBytes = 32 << 20

// ParseFile reads one transcript and returns the session it records.
// Sessions with zero blocks are valid.
func ParseFile(path string) (*Session, error) {
	if !CanParse(path) {
		return nil, &ParseError{Path: path, Err: ErrUnsupportedFormat}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	p := &fileParser{
		path:      path,
		pending:   map[string]pendingCall{},
		agentIdx:  map[string]int{},
		blocks:    []Block{},
		subAgents: nil,
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, &ParseError{Path: path, Line: line, Err: err}
		}
		p.consume(&e)
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Path: path, Line: line, Err: err}
	}

	return p.finish(), nil
}

type fileParser struct {
	path      string
	sessionID string
	project   string
	startedAt *time.Time

	blocks    []Block
	pending   map[string]pendingCall
	nextOrder int

	subAgents []SubAgent
	agentIdx  map[string]int
}

func (p *fileParser) consume(e *entry) {
	if p.sessionID == "" && e.SessionID != "" {
		p.sessionID = e.SessionID
	}
	if p.project == "" && e.CWD != "" {
		p.project = e.CWD
	}
	if e.Timestamp != nil && (p.startedAt == nil || e.Timestamp.Before(*p.startedAt)) {
		ts := *e.Timestamp
		p.startedAt = &ts
	}

	switch e.Type {
	case "user":
		p.consumeUser(e)
	case "assistant":
		p.consumeAssistant(e)
		// progress, summary, system and snapshot entries carry no content
	}
}

func (p *fileParser) consumeUser(e *entry) {
	if e.Message == nil || e.IsMeta {
		return
	}

	// Tool results arrive as user entries whose content is a block array.
	if blocks, ok := decodeBlockArray(e.Message.Content); ok {
		for _, b := range blocks {
			if b.ToolUseID == "" {
				continue
			}
			p.resolveSubAgent(&b, e.Timestamp)
			if call, ok := p.pending[b.ToolUseID]; ok {
				delete(p.pending, b.ToolUseID)
				out := toolResultText(b.Content)
				p.blocks = append(p.blocks, Block{
					Type:      BlockToolCall,
					Timestamp: call.timestamp,
					Name:      call.name,
					Input:     call.input,
					Output:    &out,
				})
			}
		}
		return
	}

	if e.Timestamp == nil {
		return
	}
	content, ok := userText(e.Message.Content)
	if !ok {
		return
	}
	// Slash-command echoes and local command output are plumbing, not
	// conversation.
	if strings.HasPrefix(content, "<command-name>") || strings.HasPrefix(content, "<local-command") {
		return
	}
	p.blocks = append(p.blocks, Block{Type: BlockUserPrompt, Timestamp: *e.Timestamp, Content: content})
}

func (p *fileParser) consumeAssistant(e *entry) {
	if e.Message == nil || e.Timestamp == nil {
		return
	}
	blocks, ok := decodeBlockArray(e.Message.Content)
	if !ok {
		return
	}
	ts := *e.Timestamp
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				p.blocks = append(p.blocks, Block{Type: BlockAssistantResponse, Timestamp: ts, Content: b.Text})
			}
		case "thinking":
			text := b.Thinking
			if text == "" {
				text = b.Text
			}
			if strings.TrimSpace(text) != "" {
				p.blocks = append(p.blocks, Block{Type: BlockThinking, Timestamp: ts, Content: text})
			}
		case "tool_use":
			p.consumeToolUse(&b, ts)
		}
	}
}

func (p *fileParser) consumeToolUse(b *contentBlock, ts time.Time) {
	if b.Name == "" || b.ID == "" {
		return
	}
	input := b.Input
	if input == nil {
		input = json.RawMessage("null")
	}

	if b.Name == "Task" {
		p.spawnSubAgent(b.ID, input, ts)
	} else if edit, ok := fileEditBlock(b.Name, input, ts); ok {
		p.blocks = append(p.blocks, edit)
	}

	p.pending[b.ID] = pendingCall{name: b.Name, input: input, timestamp: ts, order: p.nextOrder}
	p.nextOrder++
}

func (p *fileParser) spawnSubAgent(toolID string, input json.RawMessage, ts time.Time) {
	var task struct {
		SubagentType string `json:"subagent_type"`
		Description  string `json:"description"`
		Prompt       string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &task); err != nil || task.SubagentType == "" {
		return
	}
	p.blocks = append(p.blocks, Block{
		Type:        BlockSubAgentSpawn,
		Timestamp:   ts,
		AgentID:     toolID,
		AgentType:   task.SubagentType,
		Description: task.Description,
		Prompt:      task.Prompt,
		AgentStatus: AgentRunning,
	})
	p.agentIdx[toolID] = len(p.subAgents)
	p.subAgents = append(p.subAgents, SubAgent{
		ID:          toolID,
		AgentType:   task.SubagentType,
		Description: task.Description,
		Prompt:      task.Prompt,
		Status:      AgentRunning,
		SpawnedAt:   ts,
	})
}

func (p *fileParser) resolveSubAgent(b *contentBlock, ts *time.Time) {
	idx, ok := p.agentIdx[b.ToolUseID]
	if !ok {
		return
	}
	delete(p.agentIdx, b.ToolUseID)

	agent := &p.subAgents[idx]
	agent.Result = toolResultText(b.Content)
	if b.IsError {
		agent.Status = AgentFailed
	} else {
		agent.Status = AgentCompleted
	}
	done := time.Now().UTC()
	if ts != nil {
		done = *ts
	}
	agent.CompletedAt = &done

	for i := range p.blocks {
		blk := &p.blocks[i]
		if blk.Type == BlockSubAgentSpawn && blk.AgentID == b.ToolUseID {
			blk.AgentStatus = agent.Status
		}
	}
}

func (p *fileParser) finish() *Session {
	// Tool calls that never got a result still belong in the transcript,
	// in the order they were issued.
	if len(p.pending) > 0 {
		leftovers := make([]pendingCall, 0, len(p.pending))
		for _, call := range p.pending {
			leftovers = append(leftovers, call)
		}
		for i := 1; i < len(leftovers); i++ {
			for j := i; j > 0 && leftovers[j].order < leftovers[j-1].order; j-- {
				leftovers[j], leftovers[j-1] = leftovers[j-1], leftovers[j]
			}
		}
		for _, call := range leftovers {
			p.blocks = append(p.blocks, Block{
				Type:      BlockToolCall,
				Timestamp: call.timestamp,
				Name:      call.name,
				Input:     call.input,
			})
		}
	}

	id := p.sessionID
	if id == "" {
		base := filepath.Base(p.path)
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}
	started := time.Now().UTC()
	if p.startedAt != nil {
		started = *p.startedAt
	}
	return &Session{
		ID:        id,
		Project:   p.project,
		StartedAt: started,
		Blocks:    p.blocks,
		SubAgents: p.subAgents,
	}
}

// decodeBlockArray interprets message content as a content-block array;
// false when the content is a plain string or absent.
func decodeBlockArray(raw json.RawMessage) ([]contentBlock, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// userText extracts displayable text from user message content, which is
// either a plain string or an array of text blocks.
func userText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	blocks, ok := decodeBlockArray(raw)
	if !ok {
		return "", false
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// toolResultText flattens tool_result content, which is either a string or
// an array of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// fileEditBlock derives a diff-style block from Edit/Write/NotebookEdit
// tool inputs.
func fileEditBlock(tool string, input json.RawMessage, ts time.Time) (Block, bool) {
	switch tool {
	case "Edit":
		var in struct {
			FilePath  string `json:"file_path"`
			OldString string `json:"old_string"`
			NewString string `json:"new_string"`
		}
		if json.Unmarshal(input, &in) != nil || in.FilePath == "" {
			return Block{}, false
		}
		diff := fmt.Sprintf("--- %s\n+++ %s\n- %s\n+ %s", in.FilePath, in.FilePath, in.OldString, in.NewString)
		return Block{Type: BlockFileEdit, Timestamp: ts, Path: in.FilePath, Diff: diff}, true
	case "Write":
		var in struct {
			FilePath string `json:"file_path"`
			Content  string `json:"content"`
		}
		if json.Unmarshal(input, &in) != nil || in.FilePath == "" {
			return Block{}, false
		}
		preview := in.Content
		if len(preview) > 500 {
			preview = truncateRunes(preview, 500) + "...\n[content truncated]"
		}
		return Block{Type: BlockFileEdit, Timestamp: ts, Path: in.FilePath, Diff: fmt.Sprintf("+++ %s\n%s", in.FilePath, preview)}, true
	case "NotebookEdit":
		var in struct {
			NotebookPath string `json:"notebook_path"`
			NewSource    string `json:"new_source"`
			EditMode     string `json:"edit_mode"`
		}
		if json.Unmarshal(input, &in) != nil || in.NotebookPath == "" {
			return Block{}, false
		}
		mode := in.EditMode
		if mode == "" {
			mode = "replace"
		}
		diff := fmt.Sprintf("Notebook edit (%s): %s\n%s", mode, in.NotebookPath, in.NewSource)
		return Block{Type: BlockFileEdit, Timestamp: ts, Path: in.NotebookPath, Diff: diff}, true
	}
	return Block{}, false
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
