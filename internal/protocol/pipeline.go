package protocol

import (
	"context"

	"github.com/mtzanidakis/conclave/internal/compiler"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/message"
	"github.com/mtzanidakis/conclave/internal/registry"
)

// runPipeline runs the stages one after another. Each stage sees the task
// and the verbatim output of the stages feeding it; the last stage's reply
// is the result. A failed stage ends the run, there is no loop back.
func runPipeline(ctx context.Context, r *run, edges []config.PipelineEdge) (compiler.Outcome, error) {
	ps := make([]Participant, len(r.sessions))
	byName := make(map[string]*registry.Session, len(r.sessions))
	for i, s := range r.sessions {
		ps[i] = Participant{Name: s.Name, Role: s.Role}
		byName[s.Name] = s
	}
	plan, err := BuildStagePlan(ps, edges)
	if err != nil {
		return compiler.Outcome{State: compiler.StateFailed}, err
	}

	outputs := make(map[string]*message.Message, len(plan.Order))
	var last *message.Message
	for _, name := range plan.Order {
		stage := byName[name]
		task := message.Task{Instruction: r.req.Task}
		for _, in := range plan.Inputs[name] {
			task.Context = append(task.Context, message.Section{
				Title: "Output from " + in,
				Body:  outputs[in].Text(),
			})
		}

		if err := r.startPhase(name, stage); err != nil {
			return compiler.Outcome{}, err
		}
		out, err := r.send(ctx, stage, task, message.KindStatusReport)
		if err != nil {
			return compiler.Outcome{State: compiler.StateFailed}, err
		}
		outputs[name] = out
		last = out
	}

	terminal := byName[plan.Terminal()]
	r.mark("completed")
	return compiler.Outcome{
		State:         compiler.StateCompleted,
		TerminalAgent: terminal.ID,
		TerminalName:  terminal.Name,
		Final:         last,
	}, nil
}
