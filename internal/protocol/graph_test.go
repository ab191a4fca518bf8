package protocol

import (
	"slices"
	"testing"

	"github.com/mtzanidakis/conclave/internal/config"
)

func stages(names ...string) []Participant {
	out := make([]Participant, len(names))
	for i, n := range names {
		out[i] = Participant{Name: n, Role: pipelineRole(n)}
	}
	return out
}

func TestBuildStagePlan_DefaultChain(t *testing.T) {
	plan, err := BuildStagePlan(stages("pm", "tl", "swe", "qa"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(plan.Order, []string{"pm", "tl", "swe", "qa"}) {
		t.Fatalf("unexpected order %v", plan.Order)
	}
	if plan.Terminal() != "qa" {
		t.Fatalf("expected qa to be terminal, got %s", plan.Terminal())
	}
	if len(plan.Inputs["pm"]) != 0 {
		t.Fatal("pm should have no inputs")
	}
	if !slices.Equal(plan.Inputs["swe"], []string{"tl"}) {
		t.Fatalf("expected swe <- tl, got %v", plan.Inputs["swe"])
	}
}

func TestBuildStagePlan_FanIn(t *testing.T) {
	edges := []config.PipelineEdge{
		{From: "pm", To: "tl"},
		{From: "pm", To: "qa"},
		{From: "tl", To: "swe"},
		{From: "swe", To: "qa"},
	}
	plan, err := BuildStagePlan(stages("pm", "tl", "swe", "qa"), edges)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(plan.Order, []string{"pm", "tl", "swe", "qa"}) {
		t.Fatalf("unexpected order %v", plan.Order)
	}
	if !slices.Equal(plan.Inputs["qa"], []string{"pm", "swe"}) {
		t.Fatalf("expected qa <- pm, swe, got %v", plan.Inputs["qa"])
	}
}

func TestBuildStagePlan_OrderFollowsEdges(t *testing.T) {
	edges := []config.PipelineEdge{
		{From: "swe", To: "tl"},
		{From: "tl", To: "qa"},
	}
	plan, err := BuildStagePlan(stages("tl", "swe", "qa"), edges)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(plan.Order, []string{"swe", "tl", "qa"}) {
		t.Fatalf("unexpected order %v", plan.Order)
	}
}

func TestBuildStagePlan_Errors(t *testing.T) {
	tests := []struct {
		name  string
		edges []config.PipelineEdge
	}{
		{"cycle", []config.PipelineEdge{{From: "pm", To: "tl"}, {From: "tl", To: "swe"}, {From: "swe", To: "tl"}, {From: "swe", To: "qa"}}},
		{"unknown stage", []config.PipelineEdge{{From: "pm", To: "ops"}}},
		{"self loop", []config.PipelineEdge{{From: "pm", To: "pm"}}},
		{"two terminals", []config.PipelineEdge{{From: "pm", To: "tl"}, {From: "pm", To: "swe"}, {From: "pm", To: "qa"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildStagePlan(stages("pm", "tl", "swe", "qa"), tt.edges); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRender(t *testing.T) {
	got := Render("You are <name> with <max_turn> turns in <output_dir>. Keep <unknown>.", map[string]string{
		"name":       "builder",
		"max_turn":   "3",
		"output_dir": "/tmp/x",
	})
	want := "You are builder with 3 turns in /tmp/x. Keep <unknown>."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveParticipants(t *testing.T) {
	ps, err := resolveParticipants(KindLeaderWorker, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 4 || ps[0].Role != RoleLeader || ps[3].Name != "swe-3" || ps[3].Role != RoleWorker {
		t.Errorf("unexpected participants %+v", ps)
	}

	ps, err = resolveParticipants(KindRolePipeline, nil, []string{"pm", "swe", "qa-2"})
	if err != nil {
		t.Fatal(err)
	}
	if ps[2].Role != RoleQA {
		t.Errorf("expected qa-2 to play qa, got %s", ps[2].Role)
	}

	if _, err := resolveParticipants(KindBuilderCritic, []string{"only"}, nil); err == nil {
		t.Error("expected error for a lone builder")
	}
	if _, err := resolveParticipants(KindSingleAgent, []string{"coordinator"}, nil); err == nil {
		t.Error("expected error for reserved name")
	}
}
