package execlog

import "encoding/json"

// Kind classifies a log entry.
type Kind string

const (
	KindRunStarted      Kind = "run_started"
	KindRunCompleted    Kind = "run_completed"
	KindRunFailed       Kind = "run_failed"
	KindSessionCreated  Kind = "session_created"
	KindSessionStatus   Kind = "session_status"
	KindSessionEnded    Kind = "session_terminated"
	KindPhaseStarted    Kind = "phase_started"
	KindPhaseCompleted  Kind = "phase_completed"
	KindMessageSent     Kind = "message_sent"
	KindMessageReceived Kind = "message_received"
	KindExchangeFailed  Kind = "exchange_failed"
	KindToolUse         Kind = "tool_use"
	KindAnonymization   Kind = "anonymization"
	KindRankingRejected Kind = "ranking_rejected"
	KindTally           Kind = "tally"
)

// RunDetail is recorded with run_started, run_completed and run_failed.
type RunDetail struct {
	Kind         string   `json:"kind"`
	Task         string   `json:"task,omitempty"`
	Participants []string `json:"participants,omitempty"`
	TurnBudget   int      `json:"turn_budget,omitempty"`
	State        string   `json:"state,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// SessionDetail is recorded with session lifecycle entries.
type SessionDetail struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	Model      string `json:"model,omitempty"`
	Workspace  string `json:"workspace,omitempty"`
	TurnBudget int    `json:"turn_budget"`
	TurnCount  int    `json:"turn_count"`
	From       string `json:"from,omitempty"`
	Status     string `json:"status"`
}

// PhaseDetail is recorded when a protocol phase starts or completes.
type PhaseDetail struct {
	Participants []string `json:"participants,omitempty"`
	Settled      int      `json:"settled,omitempty"`
	Failed       []string `json:"failed,omitempty"`
}

// SentDetail is recorded when the router accepts a message. The entry's
// agent id is the recipient.
type SentDetail struct {
	From        string `json:"from"`
	PayloadKind string `json:"payload_kind"`
	Content     string `json:"content"`
	Turn        int    `json:"turn"`
}

// Usage is the token accounting reported by the invocation service.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ReceivedDetail is recorded when a session responds. The entry's agent id
// is the responder.
type ReceivedDetail struct {
	To            string  `json:"to"`
	InReplyTo     int64   `json:"in_reply_to"`
	PayloadKind   string  `json:"payload_kind"`
	Content       string  `json:"content"`
	Turn          int     `json:"turn"`
	Usage         Usage   `json:"usage"`
	CostUSD       float64 `json:"cost_usd"`
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
}

// ToolUseDetail is recorded for each tool call a session reported.
type ToolUseDetail struct {
	InReplyTo int64           `json:"in_reply_to"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// FailureDetail is recorded when an exchange fails. Error is the verbatim
// error text.
type FailureDetail struct {
	InReplyTo int64  `json:"in_reply_to,omitempty"`
	Reason    string `json:"reason"`
	Error     string `json:"error"`
}

// AnonymizationDetail records the label mapping shown to one voter.
type AnonymizationDetail struct {
	Labels map[string]string `json:"labels"`
}

// RankingRejectedDetail records why a voter's ranking did not count.
type RankingRejectedDetail struct {
	Reason string `json:"reason"`
}

// TallyDetail records the per-candidate scores of a voting round.
type TallyDetail struct {
	Scores   map[string]int `json:"scores"`
	TopVotes map[string]int `json:"top_votes"`
	Winner   string         `json:"winner,omitempty"`
	Ballots  int            `json:"ballots"`
}
