package parser

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTranscript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func TestCanParse(t *testing.T) {
	if !CanParse("session.jsonl") {
		t.Error("jsonl rejected")
	}
	for _, p := range []string{"session.json", "session.txt", "session"} {
		if CanParse(p) {
			t.Errorf("%q accepted", p)
		}
	}
}

func TestParseUserMessage(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"test-123","cwd":"/project","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"Hello, help me write code"}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if s.ID != "test-123" {
		t.Errorf("id = %q", s.ID)
	}
	if s.Project != "/project" {
		t.Errorf("project = %q", s.Project)
	}
	if len(s.Blocks) != 1 || s.Blocks[0].Type != BlockUserPrompt {
		t.Fatalf("blocks = %+v", s.Blocks)
	}
	if s.Blocks[0].Content != "Hello, help me write code" {
		t.Errorf("content = %q", s.Blocks[0].Content)
	}
}

func TestParseAssistantTextAndThinking(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"Complex problem"}}
{"type":"assistant","timestamp":"2024-01-15T10:30:01Z","message":{"role":"assistant","content":[{"type":"thinking","thinking":"Let me think about this carefully..."},{"type":"text","text":"Here's my answer"}]}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(s.Blocks) != 3 {
		t.Fatalf("len(blocks) = %d, want 3", len(s.Blocks))
	}
	if s.Blocks[1].Type != BlockThinking || s.Blocks[1].Content != "Let me think about this carefully..." {
		t.Errorf("thinking block = %+v", s.Blocks[1])
	}
	if s.Blocks[2].Type != BlockAssistantResponse || s.Blocks[2].Content != "Here's my answer" {
		t.Errorf("response block = %+v", s.Blocks[2])
	}
}

func TestParseToolCallWithResult(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"Read the file"}}
{"type":"assistant","timestamp":"2024-01-15T10:30:01Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool-1","name":"Read","input":{"file_path":"/src/main.go"}}]}}
{"type":"user","timestamp":"2024-01-15T10:30:02Z","message":{"role":"user","content":[{"tool_use_id":"tool-1","type":"tool_result","content":"func main() {}"}]}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(s.Blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(s.Blocks))
	}
	call := s.Blocks[1]
	if call.Type != BlockToolCall || call.Name != "Read" {
		t.Fatalf("block = %+v", call)
	}
	if call.Output == nil || *call.Output != "func main() {}" {
		t.Errorf("output = %v", call.Output)
	}
	if !strings.Contains(string(call.Input), "/src/main.go") {
		t.Errorf("input = %s", call.Input)
	}
}

func TestParseToolResultArrayContent(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"Read files"}}
{"type":"assistant","timestamp":"2024-01-15T10:30:01Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool-1","name":"Read","input":{"file_path":"/t.txt"}}]}}
{"type":"user","timestamp":"2024-01-15T10:30:02Z","message":{"role":"user","content":[{"tool_use_id":"tool-1","type":"tool_result","content":[{"type":"text","text":"First part"},{"type":"text","text":"Second part"}]}]}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(s.Blocks) != 2 {
		t.Fatalf("len(blocks) = %d", len(s.Blocks))
	}
	if s.Blocks[1].Output == nil || *s.Blocks[1].Output != "First part\nSecond part" {
		t.Errorf("output = %v", s.Blocks[1].Output)
	}
}

func TestPendingToolCallsFlushedInOrder(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"Do things"}}
{"type":"assistant","timestamp":"2024-01-15T10:30:01Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"a","name":"Glob","input":{"pattern":"*.go"}},{"type":"tool_use","id":"b","name":"Grep","input":{"pattern":"main"}}]}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(s.Blocks) != 3 {
		t.Fatalf("len(blocks) = %d", len(s.Blocks))
	}
	if s.Blocks[1].Name != "Glob" || s.Blocks[2].Name != "Grep" {
		t.Errorf("flush order wrong: %q then %q", s.Blocks[1].Name, s.Blocks[2].Name)
	}
	if s.Blocks[1].Output != nil {
		t.Error("unresolved call has output")
	}
}

func TestFileEditBlock(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"Edit the file"}}
{"type":"assistant","timestamp":"2024-01-15T10:30:01Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool-1","name":"Edit","input":{"file_path":"/src/main.go","old_string":"old code","new_string":"new code"}}]}}
{"type":"user","timestamp":"2024-01-15T10:30:02Z","message":{"role":"user","content":[{"tool_use_id":"tool-1","type":"tool_result","content":"File edited"}]}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(s.Blocks) != 3 {
		t.Fatalf("len(blocks) = %d", len(s.Blocks))
	}
	edit := s.Blocks[1]
	if edit.Type != BlockFileEdit || edit.Path != "/src/main.go" {
		t.Fatalf("edit block = %+v", edit)
	}
	if !strings.Contains(edit.Diff, "old code") || !strings.Contains(edit.Diff, "new code") {
		t.Errorf("diff = %q", edit.Diff)
	}
}

func TestSkipsMetaAndCommandMessages(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:00Z","isMeta":true,"message":{"role":"user","content":"caveat text"}}
{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:01Z","message":{"role":"user","content":"<command-name>/clear</command-name>"}}
{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:02Z","message":{"role":"user","content":"Real user message"}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(s.Blocks) != 1 || s.Blocks[0].Content != "Real user message" {
		t.Errorf("blocks = %+v", s.Blocks)
	}
}

func TestEmptySessionSucceeds(t *testing.T) {
	path := writeTranscript(t, `{"type":"progress","timestamp":"2024-01-15T10:30:00Z"}
{"type":"summary","summary":"Empty session"}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(s.Blocks) != 0 {
		t.Errorf("blocks = %+v", s.Blocks)
	}
}

func TestSessionIDFallsBackToFilename(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"Hello"}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if s.ID != "session" {
		t.Errorf("id = %q, want filename stem", s.ID)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := ParseFile("transcript.txt")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Errorf("err %T is not *ParseError", err)
	}
}

func TestMalformedLineReportsLineNumber(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"ok"}}
{not json`)

	_, err := ParseFile(path)
	if err == nil {
		t.Fatal("malformed line accepted")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err %T is not *ParseError", err)
	}
	if pe.Line != 2 {
		t.Errorf("line = %d, want 2", pe.Line)
	}
}

func TestSubAgentLifecycle(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"Explore"}}
{"type":"assistant","timestamp":"2024-01-15T10:30:01Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"task-1","name":"Task","input":{"subagent_type":"Explore","description":"Explore codebase","prompt":"Find files"}}]}}
{"type":"user","timestamp":"2024-01-15T10:30:10Z","message":{"role":"user","content":[{"tool_use_id":"task-1","type":"tool_result","content":"Found: main.go"}]}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(s.SubAgents) != 1 {
		t.Fatalf("sub agents = %+v", s.SubAgents)
	}
	agent := s.SubAgents[0]
	if agent.Status != AgentCompleted || agent.Result != "Found: main.go" {
		t.Errorf("agent = %+v", agent)
	}
	if agent.CompletedAt == nil {
		t.Error("completed_at unset")
	}
	for _, b := range s.Blocks {
		if b.Type == BlockSubAgentSpawn && b.AgentStatus != AgentCompleted {
			t.Errorf("spawn block status = %q", b.AgentStatus)
		}
	}
}

func TestSubAgentError(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:30:00Z","message":{"role":"user","content":"Run"}}
{"type":"assistant","timestamp":"2024-01-15T10:30:01Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"task-1","name":"Task","input":{"subagent_type":"general-purpose","description":"Implement","prompt":"Write code"}}]}}
{"type":"user","timestamp":"2024-01-15T10:30:10Z","message":{"role":"user","content":[{"tool_use_id":"task-1","type":"tool_result","is_error":true,"content":"Timeout error"}]}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(s.SubAgents) != 1 || s.SubAgents[0].Status != AgentFailed {
		t.Errorf("sub agents = %+v", s.SubAgents)
	}
	if s.SubAgents[0].Result != "Timeout error" {
		t.Errorf("result = %q", s.SubAgents[0].Result)
	}
}

func TestTitle(t *testing.T) {
	s := &Session{
		ID: "abc-123",
		Blocks: []Block{
			{Type: BlockThinking, Content: "hm"},
			{Type: BlockUserPrompt, Content: "Fix the login bug\nand then some detail"},
		},
	}
	if got := s.Title(); got != "Fix the login bug" {
		t.Errorf("Title = %q", got)
	}

	empty := &Session{ID: "abc-123"}
	if got := empty.Title(); got != "abc-123" {
		t.Errorf("empty Title = %q", got)
	}
}

func TestEarliestTimestampWins(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"t","timestamp":"2024-01-15T10:31:00Z","message":{"role":"user","content":"later"}}
{"type":"assistant","timestamp":"2024-01-15T10:30:00Z","message":{"role":"assistant","content":[{"type":"text","text":"earlier"}]}}`)

	s, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if s.StartedAt.Format("15:04:05") != "10:30:00" {
		t.Errorf("started_at = %v", s.StartedAt)
	}
}
