package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Dialect names the command line and output format of an agent CLI.
type Dialect string

const (
	DialectClaude Dialect = "claude"
	DialectCodex  Dialect = "codex"
	DialectGoose  Dialect = "goose"
)

// Valid reports whether d is a known dialect.
func (d Dialect) Valid() bool {
	switch d {
	case DialectClaude, DialectCodex, DialectGoose:
		return true
	}
	return false
}

// reply is what an agent CLI returned for one prompt.
type reply struct {
	Content   string
	SessionID string
}

// buildArgs constructs the CLI arguments for a one-shot prompt.
func buildArgs(cfg Config, sessionID, prompt string) []string {
	var args []string
	switch cfg.Dialect {
	case DialectClaude:
		args = []string{"-p", prompt, "--output-format", "json", "--session-id", sessionID}
		if cfg.Model != "" {
			args = append(args, "--model", cfg.Model)
		}
		if cfg.SystemPrompt != "" {
			args = append(args, "--system-prompt", cfg.SystemPrompt)
		}
	case DialectCodex:
		args = []string{"exec", prompt, "--json"}
		if cfg.Model != "" {
			args = append(args, "--model", cfg.Model)
		}
	case DialectGoose:
		args = []string{"run", "--text", prompt, "--output-format", "json", "--name", sessionID}
		if cfg.Backend != "" {
			args = append(args, "--provider", cfg.Backend)
		}
		if cfg.Model != "" {
			args = append(args, "--model", cfg.Model)
		}
		if cfg.SystemPrompt != "" {
			args = append(args, "--system", cfg.SystemPrompt)
		}
	}
	return append(args, cfg.ExtraArgs...)
}

// parseReply decodes CLI stdout according to the dialect.
func parseReply(d Dialect, data []byte) (reply, error) {
	switch d {
	case DialectClaude:
		return parseClaude(data)
	case DialectCodex:
		return parseCodex(data)
	case DialectGoose:
		return parseGoose(data)
	default:
		return reply{}, fmt.Errorf("unknown dialect %q", d)
	}
}

// {"session_id": "uuid", "result": {"content": [{"type": "text", "text": "..."}]}}
type claudeOutput struct {
	SessionID string `json:"session_id"`
	Result    struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

func parseClaude(data []byte) (reply, error) {
	var out claudeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return reply{}, fmt.Errorf("failed to unmarshal claude output: %w", err)
	}
	var b strings.Builder
	for _, item := range out.Result.Content {
		if item.Type == "text" {
			b.WriteString(item.Text)
		}
	}
	return reply{Content: b.String(), SessionID: out.SessionID}, nil
}

// codexEvent covers the fields used from the codex JSONL event stream.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
}

func parseCodex(data []byte) (reply, error) {
	var r reply
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return reply{}, fmt.Errorf("failed to parse codex event: %w", err)
		}
		switch evt.Type {
		case "ThreadStarted":
			r.SessionID = evt.ThreadID
		case "TurnCompleted":
			r.Content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return reply{}, fmt.Errorf("error reading codex events: %w", err)
	}
	return r, nil
}

type gooseOutput struct {
	Content string `json:"content"`
}

// parseGoose accepts a single JSON object, newline-delimited JSON, or plain
// text, in that order.
func parseGoose(data []byte) (reply, error) {
	var single gooseOutput
	if err := json.Unmarshal(data, &single); err == nil {
		return reply{Content: single.Content}, nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var out gooseOutput
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &out); err == nil && out.Content != "" {
			contents = append(contents, out.Content)
		}
	}
	if len(contents) > 0 {
		return reply{Content: strings.Join(contents, "\n")}, nil
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return reply{}, fmt.Errorf("empty goose output")
	}
	return reply{Content: text}, nil
}
