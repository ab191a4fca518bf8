package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/message"
)

// Invoker is the model-invocation boundary. Implementations submit the
// transcript and new content for one session and return its reply. They may
// be slow and may fail; the router treats every error as a dispatch failure
// for that target only.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Reply, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, inv Invocation) (*Reply, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*Reply, error) {
	return f(ctx, inv)
}

// Invocation is one request handed to the invocation service.
type Invocation struct {
	RunID        string            `json:"run_id"`
	SessionID    string            `json:"session_id"`
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	Model        string            `json:"model,omitempty"`
	Archetype    string            `json:"archetype,omitempty"`
	Workspace    string            `json:"workspace,omitempty"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	Phase        string            `json:"phase"`
	Turn         int               `json:"turn"`
	Transcript   []TranscriptEntry `json:"transcript,omitempty"`
	Content      string            `json:"content"`
}

// TranscriptEntry is a rendered message from the session's history.
type TranscriptEntry struct {
	From    string `json:"from"`
	Phase   string `json:"phase"`
	Content string `json:"content"`
}

func renderTranscript(msgs []message.Message) []TranscriptEntry {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]TranscriptEntry, len(msgs))
	for i, m := range msgs {
		out[i] = TranscriptEntry{From: m.From, Phase: m.Phase, Content: m.Text()}
	}
	return out
}

// ToolCall is a tool invocation the session performed while answering.
type ToolCall struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Reply is the invocation service's answer.
type Reply struct {
	Text        string        `json:"text"`
	ToolCalls   []ToolCall    `json:"tool_calls,omitempty"`
	Usage       execlog.Usage `json:"usage"`
	CostUSD     float64       `json:"cost_usd"`
	APIDuration time.Duration `json:"api_duration"`
}
