package telegram

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/conclave/internal/compiler"
	"github.com/mtzanidakis/conclave/internal/protocol"
)

// maxMessageLen is Telegram's message size limit.
const maxMessageLen = 4096

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Prefer a newline in the second half of the window.
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

// formatResult renders the completion summary of a run.
func formatResult(a *compiler.Artifact, f *protocol.Failure) string {
	var b strings.Builder
	if f != nil {
		fmt.Fprintf(&b, "Run %s (%s) ended %s in phase %s\n", f.RunID, f.Kind, f.State, f.Phase)
		fmt.Fprintf(&b, "Error: %s\n", f.Cause)
		for _, p := range f.Failed {
			fmt.Fprintf(&b, "- %s failed in %s: %s\n", p.Name, p.Phase, p.Reason)
		}
		fmt.Fprintf(&b, "Log: seq %d-%d", f.FirstSeq, f.LastSeq)
		return b.String()
	}

	fmt.Fprintf(&b, "Run %s (%s) %s by %s\n\n", a.RunID, a.Kind, a.State, a.Agent)
	b.WriteString(a.Summary.Accomplished)
	b.WriteString("\n\n")
	b.WriteString(a.Summary.Approach)
	if len(a.Summary.FilesTouched) > 0 {
		fmt.Fprintf(&b, "\n\nFiles: %s", strings.Join(a.Summary.FilesTouched, ", "))
	}
	t := a.Stats.Total
	fmt.Fprintf(&b, "\n\nTurns: %d, tokens: %d in / %d out, cost: $%.4f", t.Turns, t.InputTokens, t.OutputTokens, t.CostUSD)
	return b.String()
}

// parseRun parses the arguments of /run: "<kind> <task>". The kind may be
// omitted, in which case the task goes to a single agent.
func parseRun(args string) (protocol.Request, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return protocol.Request{}, fmt.Errorf("usage: /run [kind] <task>")
	}
	first, rest, _ := strings.Cut(args, " ")
	if kind, err := protocol.ParseKind(first); err == nil {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return protocol.Request{}, fmt.Errorf("usage: /run %s <task>", kind)
		}
		return protocol.Request{Kind: kind, Task: rest}, nil
	}
	return protocol.Request{Kind: protocol.KindSingleAgent, Task: args}, nil
}
