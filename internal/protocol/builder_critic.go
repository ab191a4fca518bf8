package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtzanidakis/conclave/internal/compiler"
	"github.com/mtzanidakis/conclave/internal/message"
	"github.com/mtzanidakis/conclave/internal/registry"
)

// runBuilderCritic alternates build and review until the critic approves or
// the builder has no turns left. Every build consumes one builder turn, so
// the loop runs at most turn_budget rounds.
func runBuilderCritic(ctx context.Context, r *run) (compiler.Outcome, error) {
	builder, critic := r.sessions[0], r.sessions[1]

	var (
		build    *message.Message
		critique *message.Message
	)
	for round := 1; ; round++ {
		if err := r.startPhase("build", builder); err != nil {
			return compiler.Outcome{}, err
		}
		task := message.Task{Instruction: r.req.Task}
		if critique != nil {
			task = message.Task{
				Instruction: "Revise your work on the task below to address the critic's review.\n\n" + r.req.Task,
				Context: []message.Section{
					{Title: fmt.Sprintf("Review from %s (round %d)", critic.Name, round-1), Body: critique.Text()},
				},
			}
		}
		next, err := r.send(ctx, builder, task, message.KindArtifact)
		if err != nil {
			if fatal(err) {
				return compiler.Outcome{}, err
			}
			if errors.Is(err, registry.ErrTurnBudgetExceeded) {
				return exhausted(r, builder, build), nil
			}
			return compiler.Outcome{State: compiler.StateFailed}, err
		}
		build = next

		if err := r.startPhase("review", critic); err != nil {
			return compiler.Outcome{}, err
		}
		review, err := r.send(ctx, critic, message.Task{
			Instruction: fmt.Sprintf("Review the work below for the task: %s\n\nReply with %s on its own line only if it is complete and correct.", r.req.Task, criticToken(r)),
			Context: []message.Section{
				{Title: fmt.Sprintf("Build from %s (round %d)", builder.Name, round), Body: build.Text()},
			},
		}, message.KindCritique)
		if err != nil {
			if fatal(err) {
				return compiler.Outcome{}, err
			}
			// A critic that cannot answer can never approve.
			if errors.Is(err, registry.ErrTurnBudgetExceeded) {
				return exhausted(r, builder, build), nil
			}
			return compiler.Outcome{State: compiler.StateFailed}, err
		}

		if c, ok := review.Content.(message.Critique); ok && c.Approved {
			r.mark("approved")
			return compiler.Outcome{
				State:         compiler.StateApproved,
				TerminalAgent: builder.ID,
				TerminalName:  builder.Name,
				Final:         build,
			}, nil
		}
		if builder.Status() == registry.StatusTurnExhausted {
			return exhausted(r, builder, build), nil
		}
		critique = review
		r.mark("revise")
	}
}

func exhausted(r *run, builder *registry.Session, last *message.Message) compiler.Outcome {
	r.mark("turn_exhausted")
	return compiler.Outcome{
		State:         compiler.StateTurnExhausted,
		TerminalAgent: builder.ID,
		TerminalName:  builder.Name,
		Final:         last,
	}
}

func criticToken(r *run) string {
	return r.router.ApprovalToken()
}
