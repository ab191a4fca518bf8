package message

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind tags a payload variant.
type Kind string

const (
	KindTask         Kind = "task"
	KindPlan         Kind = "plan"
	KindCritique     Kind = "critique"
	KindRanking      Kind = "ranking"
	KindStatusReport Kind = "status_report"
	KindArtifact     Kind = "artifact"
	KindIntegration  Kind = "integration"
	KindCandidates   Kind = "candidates"
)

// Payload is the closed set of message contents. Phases switch on the
// concrete type; the unexported method keeps the set closed to this package.
type Payload interface {
	Kind() Kind
	String() string
	payload()
}

// Task is an instruction sent to a session. Context carries the outputs of
// earlier sessions, keyed by the label they are presented under.
type Task struct {
	Instruction string
	Context     []Section
}

// Section is a titled block of text included in a task.
type Section struct {
	Title string
	Body  string
}

func (Task) Kind() Kind { return KindTask }
func (Task) payload()   {}

func (t Task) String() string {
	if len(t.Context) == 0 {
		return t.Instruction
	}
	var sb strings.Builder
	sb.WriteString(t.Instruction)
	for _, s := range t.Context {
		fmt.Fprintf(&sb, "\n\n## %s\n\n%s", s.Title, s.Body)
	}
	return sb.String()
}

// Plan is a proposal or decomposition produced by an agent.
type Plan struct {
	Text string
}

func (Plan) Kind() Kind       { return KindPlan }
func (Plan) payload()         {}
func (p Plan) String() string { return p.Text }

// Critique is a reviewer's verdict on a build.
type Critique struct {
	Text     string
	Approved bool
}

func (Critique) Kind() Kind       { return KindCritique }
func (Critique) payload()         {}
func (c Critique) String() string { return c.Text }

// Ranking is a voter's ordered preference over anonymized labels.
type Ranking struct {
	Labels []string
	Text   string
}

func (Ranking) Kind() Kind { return KindRanking }
func (Ranking) payload()   {}

func (r Ranking) String() string {
	if r.Text != "" {
		return r.Text
	}
	var sb strings.Builder
	for i, l := range r.Labels {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, l)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// StatusReport is free-form progress or result text from an agent.
type StatusReport struct {
	Text string
}

func (StatusReport) Kind() Kind       { return KindStatusReport }
func (StatusReport) payload()         {}
func (s StatusReport) String() string { return s.Text }

// Artifact is a deliverable such as a patch or a generated solution.
type Artifact struct {
	Text string
}

func (Artifact) Kind() Kind       { return KindArtifact }
func (Artifact) payload()         {}
func (a Artifact) String() string { return a.Text }

// SlotStatus reports how a worker slot settled.
type SlotStatus string

const (
	SlotCompleted SlotStatus = "completed"
	SlotFailed    SlotStatus = "failed"
)

// Slot is one worker's contribution to an integration payload.
type Slot struct {
	AgentID string
	Name    string
	Status  SlotStatus
	Output  string
	Error   string
}

// Integration carries every worker slot back to the leader.
type Integration struct {
	Instruction string
	Slots       []Slot
}

func (Integration) Kind() Kind { return KindIntegration }
func (Integration) payload()   {}

func (in Integration) String() string {
	var sb strings.Builder
	sb.WriteString(in.Instruction)
	for _, s := range in.Slots {
		fmt.Fprintf(&sb, "\n\n## %s (%s)\n\n", s.Name, s.Status)
		if s.Status == SlotFailed {
			fmt.Fprintf(&sb, "FAILED: %s", s.Error)
			continue
		}
		sb.WriteString(s.Output)
	}
	return sb.String()
}

// Candidate is one anonymized proposal shown to a voter.
type Candidate struct {
	Label string
	Plan  string
}

// Candidates is the anonymized proposal set a voter is asked to rank.
type Candidates struct {
	Instruction string
	Items       []Candidate
}

func (Candidates) Kind() Kind { return KindCandidates }
func (Candidates) payload()   {}

func (c Candidates) String() string {
	var sb strings.Builder
	sb.WriteString(c.Instruction)
	for _, it := range c.Items {
		fmt.Fprintf(&sb, "\n\n## %s\n\n%s", it.Label, it.Plan)
	}
	return sb.String()
}

// Decode turns a raw model reply into the payload variant a phase expects.
// approvalToken is only consulted for critiques.
func Decode(kind Kind, text, approvalToken string) Payload {
	switch kind {
	case KindPlan:
		return Plan{Text: text}
	case KindCritique:
		return Critique{Text: text, Approved: IsApproval(text, approvalToken)}
	case KindRanking:
		return Ranking{Labels: ParseLabels(text), Text: text}
	case KindArtifact:
		return Artifact{Text: text}
	default:
		return StatusReport{Text: text}
	}
}

// IsApproval reports whether any line of text, stripped of whitespace and
// markdown emphasis, is exactly the approval token.
func IsApproval(text, token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.Trim(line, " \t\r*_`#>")
		if line == token {
			return true
		}
	}
	return false
}

var labelPattern = regexp.MustCompile(`\bAgent ([A-Z]+)\b`)

// ParseLabels returns the anonymized labels in text in order of first
// appearance.
func ParseLabels(text string) []string {
	seen := make(map[string]bool)
	var labels []string
	for _, m := range labelPattern.FindAllStringSubmatch(text, -1) {
		label := "Agent " + m[1]
		if seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels
}

// Label returns the i-th (zero-based) anonymized label: Agent A, …, Agent Z,
// Agent AA, Agent AB, ….
func Label(i int) string {
	var b []byte
	for n := i; ; n = n/26 - 1 {
		b = append([]byte{byte('A' + n%26)}, b...)
		if n < 26 {
			break
		}
	}
	return "Agent " + string(b)
}

var assignmentPattern = regexp.MustCompile(`^(?:@([\w.-]+):|#{2,3}\s+([\w.-]+)\s*$)`)

// Assignments extracts per-worker subtasks from a leader plan. A subtask
// starts at a line "@name: ..." or a heading "## name" and runs until the next
// marker. Names not in names are ignored.
func Assignments(plan string, names []string) map[string]string {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	out := make(map[string]string)
	var current string
	var buf []string
	flush := func() {
		if current != "" {
			out[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
	}

	for _, line := range strings.Split(plan, "\n") {
		m := assignmentPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m != nil {
			name := m[1]
			if name == "" {
				name = m[2]
			}
			if known[name] {
				flush()
				current = name
				buf = buf[:0]
				if m[1] != "" {
					rest := strings.TrimSpace(line)
					buf = append(buf, strings.TrimSpace(rest[len(m[0]):]))
				}
				continue
			}
		}
		if current != "" {
			buf = append(buf, line)
		}
	}
	flush()
	return out
}
