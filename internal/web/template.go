package web

import (
	"encoding/json"
	"html/template"
	"time"

	"github.com/tracecast/tracecast/internal/parser"
)

type sessionView struct {
	Title     string
	ID        string
	Project   string
	StartedAt string
	Blocks    []blockView
}

type blockView struct {
	Kind    string
	Label   string
	Content string
	Detail  string
	Time    string
}

func newSessionView(s *parser.Session) sessionView {
	view := sessionView{
		Title:     s.Title(),
		ID:        s.ID,
		Project:   s.Project,
		StartedAt: s.StartedAt.Local().Format(time.RFC1123),
	}
	for _, b := range s.Blocks {
		view.Blocks = append(view.Blocks, newBlockView(b))
	}
	return view
}

func newBlockView(b parser.Block) blockView {
	v := blockView{Time: b.Timestamp.Local().Format("15:04:05")}
	switch b.Type {
	case parser.BlockUserPrompt:
		v.Kind, v.Label, v.Content = "user", "User", b.Content
	case parser.BlockAssistantResponse:
		v.Kind, v.Label, v.Content = "assistant", "Assistant", b.Content
	case parser.BlockThinking:
		v.Kind, v.Label, v.Content = "thinking", "Thinking", b.Content
	case parser.BlockToolCall:
		v.Kind, v.Label = "tool", "Tool: "+b.Name
		v.Content = prettyJSON(b.Input)
		if b.Output != nil {
			v.Detail = *b.Output
		}
	case parser.BlockFileEdit:
		v.Kind, v.Label, v.Content = "edit", "Edit: "+b.Path, b.Diff
	case parser.BlockSubAgentSpawn:
		v.Kind = "agent"
		v.Label = "Agent: " + b.AgentType + " (" + string(b.AgentStatus) + ")"
		v.Content = b.Description
		v.Detail = b.Prompt
	default:
		v.Kind, v.Label, v.Content = "other", string(b.Type), b.Content
	}
	return v
}

func prettyJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

var sessionTemplate = template.Must(template.New("session").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
  :root { color-scheme: light dark; }
  body { font-family: ui-sans-serif, system-ui, sans-serif; max-width: 56rem; margin: 0 auto; padding: 1rem; line-height: 1.5; }
  header { border-bottom: 1px solid #8884; padding-bottom: .75rem; margin-bottom: 1rem; }
  header h1 { font-size: 1.25rem; margin: 0 0 .25rem; }
  header .meta { font-size: .8rem; opacity: .7; }
  .block { margin: .75rem 0; padding: .6rem .8rem; border-radius: .5rem; border: 1px solid #8883; }
  .block .label { font-size: .75rem; font-weight: 600; text-transform: uppercase; letter-spacing: .05em; opacity: .7; }
  .block .time { float: right; font-size: .7rem; opacity: .5; }
  .block pre { white-space: pre-wrap; word-break: break-word; margin: .4rem 0 0; font-size: .85rem; }
  .block.user { border-left: 3px solid #3b82f6; }
  .block.assistant { border-left: 3px solid #10b981; }
  .block.thinking { border-left: 3px solid #a78bfa; opacity: .8; }
  .block.tool { border-left: 3px solid #f59e0b; }
  .block.edit { border-left: 3px solid #ef4444; }
  .block.agent { border-left: 3px solid #14b8a6; }
  details summary { cursor: pointer; font-size: .8rem; opacity: .7; margin-top: .4rem; }
</style>
</head>
<body>
<header>
  <h1>{{.Title}}</h1>
  <div class="meta">session {{.ID}}{{if .Project}} &middot; {{.Project}}{{end}} &middot; started {{.StartedAt}}</div>
</header>
<main>
{{range .Blocks}}
  <div class="block {{.Kind}}">
    <span class="time">{{.Time}}</span>
    <span class="label">{{.Label}}</span>
    <pre>{{.Content}}</pre>
    {{if .Detail}}<details><summary>output</summary><pre>{{.Detail}}</pre></details>{{end}}
  </div>
{{end}}
</main>
<script>
(function () {
  var proto = location.protocol === "https:" ? "wss:" : "ws:";
  function connect() {
    var ws = new WebSocket(proto + "//" + location.host + "/ws");
    ws.onmessage = function (ev) { if (ev.data === "reload") location.reload(); };
    ws.onclose = function () { setTimeout(connect, 2000); };
  }
  connect();
})();
</script>
</body>
</html>
`))
