package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/conclave/internal/compiler"
	"github.com/mtzanidakis/conclave/internal/message"
	"github.com/mtzanidakis/conclave/internal/router"
)

// runLeaderWorker lets the leader decompose the task, fans the subtasks out
// to the workers and hands every worker slot back to the leader. Failed
// slots are marked and left to the leader; workers are never retried.
func runLeaderWorker(ctx context.Context, r *run) (compiler.Outcome, error) {
	leader, workers := r.sessions[0], r.sessions[1:]
	workerNames := make([]string, len(workers))
	for i, w := range workers {
		workerNames[i] = w.Name
	}

	if err := r.startPhase("decompose", leader); err != nil {
		return compiler.Outcome{}, err
	}
	plan, err := r.send(ctx, leader, message.Task{
		Instruction: fmt.Sprintf("Split the task below into one subtask per engineer (%s). Start each subtask with a line \"@name: ...\".\n\n%s",
			strings.Join(workerNames, ", "), r.req.Task),
	}, message.KindPlan)
	if err != nil {
		return compiler.Outcome{State: compiler.StateFailed}, err
	}

	assignments := message.Assignments(plan.Text(), workerNames)
	if err := r.startPhase("dispatch", workers...); err != nil {
		return compiler.Outcome{}, err
	}
	targets := make([]router.Target, len(workers))
	for i, w := range workers {
		instruction, ok := assignments[w.Name]
		if !ok || instruction == "" {
			instruction = "Carry out your part of the plan below."
		}
		targets[i] = router.Target{To: w.ID, Payload: message.Task{
			Instruction: instruction,
			Context: []message.Section{
				{Title: "Overall task", Body: r.req.Task},
				{Title: "Plan from " + leader.Name, Body: plan.Text()},
			},
		}}
	}
	outcomes, err := r.broadcast(ctx, targets, message.KindArtifact)
	if err != nil {
		return compiler.Outcome{}, err
	}

	slots := make([]message.Slot, len(workers))
	for i, w := range workers {
		o := outcomes[w.ID]
		slot := message.Slot{AgentID: w.ID, Name: w.Name, Status: message.SlotCompleted}
		if o.OK() {
			slot.Output = o.Message.Text()
		} else {
			slot.Status = message.SlotFailed
			slot.Error = errorText(o.Err)
		}
		slots[i] = slot
	}

	if err := r.startPhase("integrate", leader); err != nil {
		return compiler.Outcome{}, err
	}
	final, err := r.send(ctx, leader, message.Integration{
		Instruction: "Integrate the worker results below into the final deliverable for the task: " + r.req.Task,
		Slots:       slots,
	}, message.KindArtifact)
	if err != nil {
		return compiler.Outcome{State: compiler.StateFailed}, err
	}
	r.mark("completed")
	return compiler.Outcome{
		State:         compiler.StateCompleted,
		TerminalAgent: leader.ID,
		TerminalName:  leader.Name,
		Final:         final,
	}, nil
}

func errorText(err error) string {
	if err == nil {
		return "no response"
	}
	return err.Error()
}
