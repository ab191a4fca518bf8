package protocol

import (
	"errors"
	"fmt"

	"github.com/mtzanidakis/conclave/internal/config"
)

// StagePlan is the execution order of a role pipeline. Stages run one at a
// time in Order; Inputs lists, per stage, the stages whose output it gets.
type StagePlan struct {
	Order  []string
	Inputs map[string][]string
}

// Terminal is the stage whose response ends the pipeline.
func (p *StagePlan) Terminal() string {
	return p.Order[len(p.Order)-1]
}

// BuildStagePlan orders the pipeline stages. Without edges the stages form a
// chain in participant order. Edges must reference known stages, form no
// cycle, and leave exactly one stage without successors.
func BuildStagePlan(participants []Participant, edges []config.PipelineEdge) (*StagePlan, error) {
	if len(participants) == 0 {
		return nil, errors.New("pipeline has no stages")
	}

	index := make(map[string]int, len(participants))
	for i, p := range participants {
		index[p.Name] = i
	}

	if len(edges) == 0 {
		for i := 1; i < len(participants); i++ {
			edges = append(edges, config.PipelineEdge{From: participants[i-1].Name, To: participants[i].Name})
		}
	}

	next := make(map[string][]string)
	inDegree := make(map[string]int, len(participants))
	inputs := make(map[string][]string)
	seen := make(map[config.PipelineEdge]bool)
	for _, e := range edges {
		if _, ok := index[e.From]; !ok {
			return nil, fmt.Errorf("edge references unknown stage %q", e.From)
		}
		if _, ok := index[e.To]; !ok {
			return nil, fmt.Errorf("edge references unknown stage %q", e.To)
		}
		if e.From == e.To {
			return nil, fmt.Errorf("stage %q feeds itself", e.From)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		next[e.From] = append(next[e.From], e.To)
		inDegree[e.To]++
		inputs[e.To] = append(inputs[e.To], e.From)
	}

	var sinks []string
	for _, p := range participants {
		if len(next[p.Name]) == 0 {
			sinks = append(sinks, p.Name)
		}
	}
	if len(sinks) != 1 {
		return nil, fmt.Errorf("pipeline must end in exactly one stage, got %v", sinks)
	}

	// Kahn's algorithm; ready stages are taken in participant order.
	ready := make([]string, 0, len(participants))
	for _, p := range participants {
		if inDegree[p.Name] == 0 {
			ready = append(ready, p.Name)
		}
	}
	order := make([]string, 0, len(participants))
	for len(ready) > 0 {
		pick := 0
		for i, name := range ready {
			if index[name] < index[ready[pick]] {
				pick = i
			}
		}
		stage := ready[pick]
		ready = append(ready[:pick], ready[pick+1:]...)
		order = append(order, stage)

		for _, to := range next[stage] {
			inDegree[to]--
			if inDegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}
	if len(order) != len(participants) {
		return nil, errors.New("pipeline edges contain a cycle")
	}

	return &StagePlan{Order: order, Inputs: inputs}, nil
}
