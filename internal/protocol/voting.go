package protocol

import (
	"context"
	"fmt"
	"slices"

	"github.com/mtzanidakis/conclave/internal/compiler"
	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/message"
	"github.com/mtzanidakis/conclave/internal/registry"
	"github.com/mtzanidakis/conclave/internal/router"
)

// runVoting collects one proposal per participant, has every proposer rank
// the others' proposals under anonymized labels, tallies the ballots and
// asks the winner for the final deliverable.
func runVoting(ctx context.Context, r *run) (compiler.Outcome, error) {
	failed := compiler.Outcome{State: compiler.StateFailed}

	if err := r.startPhase("propose", r.sessions...); err != nil {
		return compiler.Outcome{}, err
	}
	ids := make([]string, len(r.sessions))
	for i, s := range r.sessions {
		ids[i] = s.ID
	}
	proposals, err := r.broadcast(ctx, targetsFor(ids, message.Task{
		Instruction: "Propose a complete plan for the task below. Your proposal will be ranked anonymously by the other agents.\n\n" + r.req.Task,
	}), message.KindPlan)
	if err != nil {
		return compiler.Outcome{}, err
	}

	var candidates []string
	for _, id := range ids {
		if proposals[id].OK() {
			candidates = append(candidates, id)
		}
	}
	slices.Sort(candidates)
	if len(candidates) == 0 {
		return failed, fmt.Errorf("voting: no proposals: %w", compiler.ErrNoTerminalResult)
	}

	var ballots []Ballot
	if len(candidates) > 1 {
		ballots, err = rank(ctx, r, candidates, proposals)
		if err != nil {
			return compiler.Outcome{}, err
		}
		if len(ballots) == 0 {
			return failed, fmt.Errorf("voting: no valid rankings: %w", compiler.ErrNoTerminalResult)
		}
	}

	if err := r.startPhase("tally"); err != nil {
		return compiler.Outcome{}, err
	}
	result := Tally(candidates, ballots)
	if len(candidates) == 1 {
		result.Winner = candidates[0]
	}
	if _, err := r.log.Append(execlog.Event{
		AgentID: message.CoordinatorID,
		Kind:    execlog.KindTally,
		Phase:   r.phase,
		Detail: execlog.TallyDetail{
			Scores:   result.Scores,
			TopVotes: result.TopVotes,
			Winner:   result.Winner,
			Ballots:  result.Ballots,
		},
	}); err != nil {
		return compiler.Outcome{}, err
	}
	if err := r.endPhase(nil); err != nil {
		return compiler.Outcome{}, err
	}

	winner, err := r.registry.Get(result.Winner)
	if err != nil {
		return failed, err
	}
	proposal := proposals[winner.ID].Message

	if err := r.startPhase("deliver", winner); err != nil {
		return compiler.Outcome{}, err
	}
	final, err := r.send(ctx, winner, message.Task{
		Instruction: "Your proposal won the vote. Carry it out and produce the final deliverable for the task: " + r.req.Task,
		Context:     []message.Section{{Title: "Your proposal", Body: proposal.Text()}},
	}, message.KindArtifact)
	if err != nil {
		if fatal(err) {
			return compiler.Outcome{}, err
		}
		// The winning proposal still stands as the result.
		final = proposal
	}

	r.mark("completed")
	return compiler.Outcome{
		State:         compiler.StateCompleted,
		TerminalAgent: winner.ID,
		TerminalName:  winner.Name,
		Final:         final,
	}, nil
}

// rank runs the ranking phase. Every proposer sees the other proposals under
// its own anonymization, which is logged before the ranking is requested.
// Rankings that name none of the shown labels are rejected.
func rank(ctx context.Context, r *run, candidates []string, proposals map[string]router.Outcome) ([]Ballot, error) {
	voters := make([]*registry.Session, 0, len(candidates))
	for _, id := range candidates {
		s, err := r.registry.Get(id)
		if err != nil {
			return nil, err
		}
		voters = append(voters, s)
	}
	if err := r.startPhase("rank", voters...); err != nil {
		return nil, err
	}

	mappings := make(map[string]Mapping, len(voters))
	targets := make([]router.Target, 0, len(voters))
	for _, v := range voters {
		m := Anonymize(candidates, v.ID)
		mappings[v.ID] = m
		if _, err := r.log.Append(execlog.Event{
			AgentID: v.ID,
			Kind:    execlog.KindAnonymization,
			Phase:   r.phase,
			Detail:  execlog.AnonymizationDetail{Labels: m.labelMap()},
		}); err != nil {
			return nil, err
		}

		items := make([]message.Candidate, m.Len())
		for i, label := range m.Labels {
			id, _ := m.Agent(label)
			items[i] = message.Candidate{Label: label, Plan: proposals[id].Message.Text()}
		}
		targets = append(targets, router.Target{To: v.ID, Payload: message.Candidates{
			Instruction: fmt.Sprintf("Rank all %d proposals below for the task: %s\n\nReply with one label per line, best first, for example \"1. %s\".",
				m.Len(), r.req.Task, m.Labels[0]),
			Items: items,
		}})
	}

	outcomes, err := r.broadcast(ctx, targets, message.KindRanking)
	if err != nil {
		return nil, err
	}

	var ballots []Ballot
	for _, v := range voters {
		o := outcomes[v.ID]
		if !o.OK() {
			continue
		}
		m := mappings[v.ID]
		var labels []string
		if rk, ok := o.Message.Content.(message.Ranking); ok {
			labels = rk.Labels
		}
		ranked, unknown := m.Resolve(labels)
		if len(ranked) == 0 {
			reason := "ranking names no candidate"
			if len(unknown) > 0 {
				reason = fmt.Sprintf("ranking names only unknown labels %v", unknown)
			}
			if _, err := r.log.Append(execlog.Event{
				AgentID: v.ID,
				Kind:    execlog.KindRankingRejected,
				Phase:   r.phase,
				Detail:  execlog.RankingRejectedDetail{Reason: reason},
			}); err != nil {
				return nil, err
			}
			continue
		}
		ballots = append(ballots, Ballot{Voter: v.ID, Ranked: ranked, M: m.Len()})
	}
	return ballots, nil
}

func targetsFor(ids []string, payload message.Payload) []router.Target {
	targets := make([]router.Target, len(ids))
	for i, id := range ids {
		targets[i] = router.Target{To: id, Payload: payload}
	}
	return targets
}
