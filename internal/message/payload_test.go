package message

import (
	"reflect"
	"strings"
	"testing"
)

func TestIsApproval(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Looks good.\nAPPROVED", true},
		{"**APPROVED**", true},
		{"  APPROVED  ", true},
		{"NOT APPROVED", false},
		{"I have APPROVED nothing yet", false},
		{"approved", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsApproval(tt.text, "APPROVED"); got != tt.want {
			t.Errorf("IsApproval(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
	if IsApproval("APPROVED", "") {
		t.Error("empty token must never approve")
	}
}

func TestParseLabels(t *testing.T) {
	got := ParseLabels("1. Agent B is best\n2. Agent A\n3. Agent B again\nAgent Bob is not a label")
	want := []string{"Agent B", "Agent A"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseLabels = %v, want %v", got, want)
	}
	if labels := ParseLabels("no labels here"); len(labels) != 0 {
		t.Errorf("expected no labels, got %v", labels)
	}
}

func TestLabel(t *testing.T) {
	tests := map[int]string{
		0:  "Agent A",
		1:  "Agent B",
		25: "Agent Z",
		26: "Agent AA",
		27: "Agent AB",
		51: "Agent AZ",
		52: "Agent BA",
	}
	for i, want := range tests {
		if got := Label(i); got != want {
			t.Errorf("Label(%d) = %q, want %q", i, got, want)
		}
	}
}

func TestDecode(t *testing.T) {
	if p := Decode(KindCritique, "fine\nAPPROVED", "APPROVED"); !p.(Critique).Approved {
		t.Error("expected approved critique")
	}
	if p := Decode(KindCritique, "needs work", "APPROVED"); p.(Critique).Approved {
		t.Error("expected unapproved critique")
	}
	r := Decode(KindRanking, "Agent B > Agent A", "").(Ranking)
	if !reflect.DeepEqual(r.Labels, []string{"Agent B", "Agent A"}) {
		t.Errorf("unexpected ranking labels %v", r.Labels)
	}
	if p := Decode(KindPlan, "plan", ""); p.Kind() != KindPlan {
		t.Errorf("expected plan, got %s", p.Kind())
	}
	if p := Decode(KindTask, "x", ""); p.Kind() != KindStatusReport {
		t.Errorf("expected status report fallback, got %s", p.Kind())
	}
}

func TestAssignments(t *testing.T) {
	plan := `Overview of the work.

@swe-1: write the parser
handle nil input

## swe-2
add tests for the parser

@unknown: ignored marker stays in swe-2's text
`
	got := Assignments(plan, []string{"swe-1", "swe-2", "swe-3"})
	if got["swe-1"] != "write the parser\nhandle nil input" {
		t.Errorf("unexpected swe-1 assignment %q", got["swe-1"])
	}
	if !strings.HasPrefix(got["swe-2"], "add tests for the parser") {
		t.Errorf("unexpected swe-2 assignment %q", got["swe-2"])
	}
	if !strings.Contains(got["swe-2"], "@unknown") {
		t.Errorf("unknown marker should stay in the running assignment, got %q", got["swe-2"])
	}
	if _, ok := got["swe-3"]; ok {
		t.Error("swe-3 has no assignment")
	}
}

func TestTaskRendersContext(t *testing.T) {
	task := Task{
		Instruction: "fix it",
		Context:     []Section{{Title: "Output from pm", Body: "requirements"}},
	}
	want := "fix it\n\n## Output from pm\n\nrequirements"
	if got := task.String(); got != want {
		t.Errorf("Task.String() = %q, want %q", got, want)
	}
}

func TestIntegrationMarksFailedSlots(t *testing.T) {
	in := Integration{
		Instruction: "integrate",
		Slots: []Slot{
			{Name: "swe-1", Status: SlotCompleted, Output: "done"},
			{Name: "swe-2", Status: SlotFailed, Error: "turn budget exceeded"},
		},
	}
	s := in.String()
	if !strings.Contains(s, "## swe-1 (completed)\n\ndone") {
		t.Errorf("missing completed slot in %q", s)
	}
	if !strings.Contains(s, "## swe-2 (failed)\n\nFAILED: turn budget exceeded") {
		t.Errorf("missing failed slot in %q", s)
	}
}
