package protocol

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/conclave/internal/compiler"
	"github.com/mtzanidakis/conclave/internal/execlog"
)

// ParticipantFailure is one failed exchange as recorded in the log.
type ParticipantFailure struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Phase   string `json:"phase"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
	Seq     int64  `json:"seq"`
}

// Failure is returned by Run when a run cannot produce an artifact. It
// carries enough to diagnose the run without replaying model calls.
type Failure struct {
	RunID    string               `json:"run_id"`
	Kind     Kind                 `json:"kind"`
	State    compiler.State       `json:"state"`
	Phase    string               `json:"phase"`
	Failed   []ParticipantFailure `json:"failed,omitempty"`
	FirstSeq int64                `json:"first_seq"`
	LastSeq  int64                `json:"last_seq"`
	Cause    string               `json:"error"`
	Err      error                `json:"-"`
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s) failed in phase %s: %v", f.RunID, f.Kind, f.Phase, f.Err)
	if len(f.Failed) > 0 {
		names := make([]string, len(f.Failed))
		for i, p := range f.Failed {
			names[i] = p.Name
		}
		fmt.Fprintf(&b, " [failed: %s]", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, " (log seq %d-%d)", f.FirstSeq, f.LastSeq)
	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// failedParticipants projects the exchange failures out of the log.
func failedParticipants(log *execlog.Log, names map[string]string) []ParticipantFailure {
	var out []ParticipantFailure
	for _, e := range log.Query(execlog.Filter{Kinds: []execlog.Kind{execlog.KindExchangeFailed}}) {
		var d execlog.FailureDetail
		_ = e.Decode(&d)
		out = append(out, ParticipantFailure{
			AgentID: e.AgentID,
			Name:    names[e.AgentID],
			Phase:   e.Phase,
			Reason:  d.Reason,
			Error:   d.Error,
			Seq:     e.Seq,
		})
	}
	return out
}
