package protocol

import (
	"context"

	"github.com/mtzanidakis/conclave/internal/compiler"
	"github.com/mtzanidakis/conclave/internal/message"
)

// runSingle hands the whole task to one session.
func runSingle(ctx context.Context, r *run) (compiler.Outcome, error) {
	agent := r.sessions[0]
	if err := r.startPhase("solve", agent); err != nil {
		return compiler.Outcome{}, err
	}
	out, err := r.send(ctx, agent, message.Task{Instruction: r.req.Task}, message.KindArtifact)
	if err != nil {
		return compiler.Outcome{State: compiler.StateFailed}, err
	}
	r.mark("completed")
	return compiler.Outcome{
		State:         compiler.StateCompleted,
		TerminalAgent: agent.ID,
		TerminalName:  agent.Name,
		Final:         out,
	}, nil
}
