package execlog

// AgentStats aggregates one agent's activity over a run.
type AgentStats struct {
	AgentID       string  `json:"agent_id"`
	Turns         int     `json:"num_turns"`
	ToolUses      int     `json:"tool_uses"`
	Failures      int     `json:"failures"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	CostUSD       float64 `json:"total_cost_usd"`
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
}

func (a *AgentStats) add(o AgentStats) {
	a.Turns += o.Turns
	a.ToolUses += o.ToolUses
	a.Failures += o.Failures
	a.InputTokens += o.InputTokens
	a.OutputTokens += o.OutputTokens
	a.CostUSD += o.CostUSD
	a.DurationMS += o.DurationMS
	a.DurationAPIMS += o.DurationAPIMS
}

// Stats is the per-agent breakdown plus run totals, in first-seen order.
type Stats struct {
	Agents []AgentStats `json:"agents"`
	Total  AgentStats   `json:"total"`
}

// Agent returns the stats for id, or zero stats when the agent never
// appeared.
func (s Stats) Agent(id string) AgentStats {
	for _, a := range s.Agents {
		if a.AgentID == id {
			return a
		}
	}
	return AgentStats{AgentID: id}
}

// Stats derives per-agent statistics from the recorded entries.
func (l *Log) Stats() Stats {
	entries := l.Query(Filter{Kinds: []Kind{KindMessageReceived, KindToolUse, KindExchangeFailed}})

	index := make(map[string]int)
	var stats Stats
	agent := func(id string) *AgentStats {
		i, ok := index[id]
		if !ok {
			i = len(stats.Agents)
			index[id] = i
			stats.Agents = append(stats.Agents, AgentStats{AgentID: id})
		}
		return &stats.Agents[i]
	}

	for _, e := range entries {
		a := agent(e.AgentID)
		switch e.Kind {
		case KindMessageReceived:
			var d ReceivedDetail
			if err := e.Decode(&d); err != nil {
				continue
			}
			a.Turns++
			a.InputTokens += d.Usage.InputTokens
			a.OutputTokens += d.Usage.OutputTokens
			a.CostUSD += d.CostUSD
			a.DurationMS += d.DurationMS
			a.DurationAPIMS += d.DurationAPIMS
		case KindToolUse:
			a.ToolUses++
		case KindExchangeFailed:
			a.Failures++
		}
	}

	stats.Total.AgentID = "total"
	for _, a := range stats.Agents {
		stats.Total.add(a)
	}
	return stats
}
