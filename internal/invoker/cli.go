package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/router"
)

// CLI runs one subprocess per exchange. The prompt is written to stdin and
// the session workspace is the working directory.
type CLI struct {
	command string
	args    []string
	timeout time.Duration
}

func NewCLI(cfg config.InvokerConfig) *CLI {
	return &CLI{
		command: cfg.Command,
		args:    cfg.Args,
		timeout: cfg.RequestTimeout,
	}
}

func (c *CLI) Invoke(ctx context.Context, inv router.Invocation) (*router.Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.command, c.buildArgs(inv)...)
	cmd.Dir = inv.Workspace
	cmd.Stdin = strings.NewReader(BuildPrompt(inv))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.command, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w: %s", c.command, err, tail(stderr.String(), 500))
	}

	reply, err := parseOutput(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.command, err)
	}
	if reply.APIDuration == 0 {
		reply.APIDuration = time.Since(start)
	}
	return reply, nil
}

func (c *CLI) buildArgs(inv router.Invocation) []string {
	args := append([]string(nil), c.args...)
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.Archetype != "" {
		args = append(args, "--system-prompt", inv.Archetype)
	}
	if len(inv.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(inv.AllowedTools, ","))
	}
	return args
}

// BuildPrompt renders the transcript and new content as one prompt.
func BuildPrompt(inv router.Invocation) string {
	if len(inv.Transcript) == 0 {
		return inv.Content
	}

	var b strings.Builder
	b.WriteString("## Conversation so far\n")
	for _, e := range inv.Transcript {
		fmt.Fprintf(&b, "\n### %s (%s)\n\n%s\n", e.From, e.Phase, e.Content)
	}
	b.WriteString("\n---\n\n")
	b.WriteString(inv.Content)
	return b.String()
}

// result mirrors the final JSON object printed by agent CLIs run with a JSON
// output format. In stream-json mode it is the line of type "result".
type result struct {
	Type          string        `json:"type"`
	Subtype       string        `json:"subtype"`
	IsError       bool          `json:"is_error"`
	Result        string        `json:"result"`
	Text          string        `json:"text"`
	TotalCostUSD  float64       `json:"total_cost_usd"`
	DurationAPIMS int64         `json:"duration_api_ms"`
	Usage         execlog.Usage `json:"usage"`
}

// streamEvent is one line of stream-json output.
type streamEvent struct {
	result
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// parseOutput accepts stream-json lines, a single JSON result object or
// plain text. Tool uses and their results are collected from stream events.
func parseOutput(out []byte) (*router.Reply, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty output")
	}
	if trimmed[0] != '{' {
		return &router.Reply{Text: string(trimmed)}, nil
	}

	var (
		final    *result
		calls    []router.ToolCall
		byID     = make(map[string]int)
		lastText string
	)
	for i, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			if i == 0 {
				return &router.Reply{Text: string(trimmed)}, nil
			}
			continue
		}
		switch ev.Type {
		case "assistant":
			var text strings.Builder
			for _, b := range ev.Message.Content {
				switch b.Type {
				case "text":
					text.WriteString(b.Text)
				case "tool_use":
					byID[b.ID] = len(calls)
					calls = append(calls, router.ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
				}
			}
			if text.Len() > 0 {
				lastText = text.String()
			}
		case "user":
			for _, b := range ev.Message.Content {
				if b.Type != "tool_result" {
					continue
				}
				if idx, ok := byID[b.ToolUseID]; ok {
					calls[idx].Result = toolResultText(b.Content)
					calls[idx].IsError = b.IsError
				}
			}
		case "result", "":
			r := ev.result
			final = &r
		}
	}

	if final == nil {
		if lastText == "" {
			return nil, fmt.Errorf("no result in output")
		}
		return &router.Reply{Text: lastText, ToolCalls: calls}, nil
	}
	if final.IsError {
		msg := final.Result
		if msg == "" {
			msg = final.Subtype
		}
		return nil, fmt.Errorf("agent error: %s", msg)
	}
	text := final.Text
	if final.Result != "" {
		text = final.Result
	}
	if text == "" {
		text = lastText
	}
	return &router.Reply{
		Text:        text,
		ToolCalls:   calls,
		Usage:       final.Usage,
		CostUSD:     final.TotalCostUSD,
		APIDuration: time.Duration(final.DurationAPIMS) * time.Millisecond,
	}, nil
}

// toolResultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
