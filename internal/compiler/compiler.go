// Package compiler turns the terminal state of a protocol run into an
// artifact and completion summary. It holds no state of its own: everything
// is projected from the execution log and the final message.
package compiler

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/message"
)

var ErrNoTerminalResult = errors.New("no terminal result")

// State is how a protocol run ended.
type State string

const (
	StateApproved      State = "approved"
	StateCompleted     State = "completed"
	StateTurnExhausted State = "turn_exhausted"
	StateFailed        State = "failed"
)

// Outcome is what a protocol hands to the compiler when it stops.
type Outcome struct {
	RunID         string
	Kind          string
	Task          string
	State         State
	TerminalAgent string
	TerminalName  string
	Final         *message.Message
	Path          []string
}

// Artifact is the deliverable of a run.
type Artifact struct {
	RunID   string        `json:"run_id"`
	Kind    string        `json:"kind"`
	State   State         `json:"state"`
	AgentID string        `json:"agent_id"`
	Agent   string        `json:"agent"`
	Seq     int64         `json:"seq"`
	Content string        `json:"content"`
	Patch   string        `json:"patch,omitempty"`
	Summary Summary       `json:"summary"`
	Stats   execlog.Stats `json:"stats"`
}

// Summary is the completion summary handed to humans and grading harnesses.
type Summary struct {
	Accomplished string   `json:"accomplished"`
	Approach     string   `json:"approach"`
	FilesTouched []string `json:"files_touched"`
	Path         []string `json:"path"`
}

// Extract reads the terminal session's final recorded content and builds
// the artifact. Runs that ended failed or out of turns, or whose final
// message is empty, yield ErrNoTerminalResult.
func Extract(o Outcome, log *execlog.Log) (*Artifact, error) {
	switch o.State {
	case StateApproved, StateCompleted:
	default:
		return nil, fmt.Errorf("%w: run %s ended %s", ErrNoTerminalResult, o.RunID, o.State)
	}
	if o.Final == nil {
		return nil, fmt.Errorf("%w: run %s has no final message", ErrNoTerminalResult, o.RunID)
	}

	content, err := recordedContent(log, o.Final.Seq, o.TerminalAgent)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: final message from %s is empty", ErrNoTerminalResult, o.TerminalName)
	}

	patch := ExtractPatch(content)
	return &Artifact{
		RunID:   o.RunID,
		Kind:    o.Kind,
		State:   o.State,
		AgentID: o.TerminalAgent,
		Agent:   o.TerminalName,
		Seq:     o.Final.Seq,
		Content: content,
		Patch:   patch,
		Summary: Summary{
			Accomplished: accomplished(content),
			Approach:     approach(o),
			FilesTouched: FilesTouched(log, patch),
			Path:         o.Path,
		},
		Stats: log.Stats(),
	}, nil
}

// recordedContent looks the final message up in the log, which is the
// authority on who produced what.
func recordedContent(log *execlog.Log, seq int64, agentID string) (string, error) {
	entries := log.Query(execlog.Filter{
		Kinds:   []execlog.Kind{execlog.KindMessageReceived},
		FromSeq: seq,
		ToSeq:   seq,
	})
	if len(entries) != 1 {
		return "", fmt.Errorf("%w: no response recorded at seq %d", ErrNoTerminalResult, seq)
	}
	if entries[0].AgentID != agentID {
		return "", fmt.Errorf("%w: seq %d was produced by %s, not %s", ErrNoTerminalResult, seq, entries[0].AgentID, agentID)
	}
	var d execlog.ReceivedDetail
	if err := entries[0].Decode(&d); err != nil {
		return "", fmt.Errorf("decode final message: %w", err)
	}
	return d.Content, nil
}

var fencedPatch = regexp.MustCompile("(?s)```(?:diff|patch)[^\\n]*\\n(.*?)```")

// ExtractPatch returns the unified diff carried by content: the first fenced
// diff block, or the content itself when it already is a diff.
func ExtractPatch(content string) string {
	if m := fencedPatch.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "diff --git ") || strings.HasPrefix(trimmed, "--- a/") {
		return trimmed + "\n"
	}
	return ""
}

var fileTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// FilesTouched lists the files written by tool calls anywhere in the run and
// the files named in patch headers, sorted and deduplicated.
func FilesTouched(log *execlog.Log, patch string) []string {
	seen := make(map[string]bool)
	for _, e := range log.Query(execlog.Filter{Kinds: []execlog.Kind{execlog.KindToolUse}}) {
		var d execlog.ToolUseDetail
		if err := e.Decode(&d); err != nil || !fileTools[d.Tool] || len(d.Input) == 0 {
			continue
		}
		var in struct {
			FilePath     string `json:"file_path"`
			Path         string `json:"path"`
			NotebookPath string `json:"notebook_path"`
		}
		if err := json.Unmarshal(d.Input, &in); err != nil {
			continue
		}
		for _, p := range []string{in.FilePath, in.Path, in.NotebookPath} {
			if p != "" {
				seen[p] = true
			}
		}
	}
	for _, line := range strings.Split(patch, "\n") {
		if p, ok := strings.CutPrefix(line, "+++ b/"); ok {
			seen[strings.TrimSpace(p)] = true
		}
	}

	files := make([]string, 0, len(seen))
	for p := range seen {
		files = append(files, p)
	}
	slices.Sort(files)
	return files
}

const maxAccomplished = 400

// accomplished is the first paragraph of the final content.
func accomplished(content string) string {
	para, _, _ := strings.Cut(strings.TrimSpace(content), "\n\n")
	para = strings.TrimSpace(para)
	if len(para) > maxAccomplished {
		para = para[:maxAccomplished] + "..."
	}
	return para
}

func approach(o Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s protocol", o.Kind)
	if len(o.Path) > 0 {
		fmt.Fprintf(&b, " via %s", strings.Join(o.Path, " -> "))
	}
	fmt.Fprintf(&b, "; final output from %s (%s)", o.TerminalName, o.State)
	return b.String()
}

// Render formats the summary for chat and terminal output.
func (a *Artifact) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s): %s\n\n", a.RunID, a.Kind, a.State)
	fmt.Fprintf(&b, "Accomplished: %s\n\n", a.Summary.Accomplished)
	fmt.Fprintf(&b, "Approach: %s\n\n", a.Summary.Approach)
	if len(a.Summary.FilesTouched) > 0 {
		fmt.Fprintf(&b, "Files touched:\n")
		for _, f := range a.Summary.FilesTouched {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	t := a.Stats.Total
	fmt.Fprintf(&b, "Turns: %d, tool uses: %d, tokens: %d in / %d out, cost: $%.4f",
		t.Turns, t.ToolUses, t.InputTokens, t.OutputTokens, t.CostUSD)
	return b.String()
}
