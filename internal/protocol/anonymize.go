package protocol

import (
	"slices"

	"github.com/mtzanidakis/conclave/internal/message"
)

// Mapping is the anonymization shown to one voter: every candidate except
// the voter, ordered by agent id and labelled Agent A, Agent B, ....
type Mapping struct {
	Voter   string
	Labels  []string
	toAgent map[string]string
	toLabel map[string]string
}

// Anonymize builds the mapping for voter over candidates. The result depends
// only on the candidate set and the voter, so it is stable for a round.
func Anonymize(candidates []string, voter string) Mapping {
	ids := slices.Clone(candidates)
	slices.Sort(ids)

	m := Mapping{
		Voter:   voter,
		toAgent: make(map[string]string, len(ids)),
		toLabel: make(map[string]string, len(ids)),
	}
	for _, id := range ids {
		if id == voter {
			continue
		}
		label := message.Label(len(m.Labels))
		m.Labels = append(m.Labels, label)
		m.toAgent[label] = id
		m.toLabel[id] = label
	}
	return m
}

// Len is the number of candidates the voter sees.
func (m Mapping) Len() int {
	return len(m.Labels)
}

func (m Mapping) Agent(label string) (string, bool) {
	id, ok := m.toAgent[label]
	return id, ok
}

func (m Mapping) Label(agentID string) (string, bool) {
	l, ok := m.toLabel[agentID]
	return l, ok
}

// Resolve de-anonymizes a ranking. Labels the voter was not shown are
// returned separately; repeats keep their first position.
func (m Mapping) Resolve(labels []string) (ranked, unknown []string) {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		id, ok := m.toAgent[l]
		if !ok {
			unknown = append(unknown, l)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ranked = append(ranked, id)
	}
	return ranked, unknown
}

// labelMap returns label -> agent id for logging.
func (m Mapping) labelMap() map[string]string {
	out := make(map[string]string, len(m.toAgent))
	for l, id := range m.toAgent {
		out[l] = id
	}
	return out
}
