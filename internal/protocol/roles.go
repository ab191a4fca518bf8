package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/registry"
)

// Session roles.
const (
	RoleLeader  = "leader"
	RoleBuilder = "builder"
	RoleCritic  = "critic"
	RoleWorker  = "worker"
	RolePM      = "pm"
	RoleTL      = "tl"
	RoleSWE     = "swe"
	RoleQA      = "qa"
	RoleSingle  = "single_agent"
)

// Participant names one session of a run and the role it plays.
type Participant struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

var defaultNames = map[Kind][]string{
	KindSingleAgent:   {"agent"},
	KindBuilderCritic: {"builder", "critic"},
	KindLeaderWorker:  {"leader", "swe-1", "swe-2", "swe-3"},
	KindVoting:        {"architect", "coding", "product"},
	KindRolePipeline:  {RolePM, RoleTL, RoleSWE, RoleQA},
}

// resolveParticipants assigns roles to the requested names, falling back to
// the default set for the kind.
func resolveParticipants(kind Kind, names []string, stages []string) ([]Participant, error) {
	if len(names) == 0 {
		names = defaultNames[kind]
		if kind == KindRolePipeline && len(stages) > 0 {
			names = stages
		}
	}

	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" || n == "coordinator" {
			return nil, fmt.Errorf("invalid participant name %q", n)
		}
		if seen[n] {
			return nil, fmt.Errorf("participant %s listed twice", n)
		}
		seen[n] = true
	}

	ps := make([]Participant, len(names))
	switch kind {
	case KindSingleAgent:
		if len(names) != 1 {
			return nil, fmt.Errorf("single_agent takes exactly 1 participant, got %d", len(names))
		}
		ps[0] = Participant{Name: names[0], Role: RoleSingle}
	case KindBuilderCritic:
		if len(names) != 2 {
			return nil, fmt.Errorf("builder_critic takes exactly 2 participants, got %d", len(names))
		}
		ps[0] = Participant{Name: names[0], Role: RoleBuilder}
		ps[1] = Participant{Name: names[1], Role: RoleCritic}
	case KindLeaderWorker:
		if len(names) < 2 {
			return nil, fmt.Errorf("leader_worker needs a leader and at least 1 worker, got %d participants", len(names))
		}
		ps[0] = Participant{Name: names[0], Role: RoleLeader}
		for i, n := range names[1:] {
			ps[i+1] = Participant{Name: n, Role: RoleWorker}
		}
	case KindVoting:
		if len(names) < 2 {
			return nil, fmt.Errorf("voting needs at least 2 participants, got %d", len(names))
		}
		for i, n := range names {
			ps[i] = Participant{Name: n, Role: RoleWorker}
		}
	case KindRolePipeline:
		for i, n := range names {
			ps[i] = Participant{Name: n, Role: pipelineRole(n)}
		}
	default:
		return nil, fmt.Errorf("unknown protocol kind %q", kind)
	}
	return ps, nil
}

// pipelineRole maps a stage name such as "swe" or "qa-2" to its role.
func pipelineRole(name string) string {
	base, _, _ := strings.Cut(strings.ToLower(name), "-")
	switch base {
	case RolePM, RoleTL, RoleSWE, RoleQA:
		return base
	}
	return RoleWorker
}

var defaultArchetypes = map[string]string{
	RoleSingle:  "You are a software engineer working alone on <role> duty. Solve the task completely inside <output_dir>. You have <max_turn> turns.",
	RoleBuilder: "You are the builder. Implement the task inside <output_dir> and address every point the critic raises. You have <max_turn> turns.",
	RoleCritic:  "You are the critic. Review the builder's work for correctness and completeness. Reply with <approval_token> on its own line only when nothing is left to fix.",
	RoleLeader:  "You are the leader of <count> engineers: <agent_ids>. Split the task into one subtask per engineer using a line \"@name: subtask\" for each, then integrate their results.",
	RoleWorker:  "You are <name>, one of <count> agents (<agent_ids>). Work inside <output_dir> and report exactly what you did.",
	RolePM:      "You are the product manager. Turn the task into clear requirements and acceptance criteria.",
	RoleTL:      "You are the tech lead. Turn the requirements into a technical design and an implementation plan.",
	RoleSWE:     "You are the software engineer. Implement the plan inside <output_dir> and describe the change.",
	RoleQA:      "You are QA. Verify the implementation against the requirements and report the final result.",
}

var defaultTools = map[string][]string{
	RoleSingle:  {"Read", "Write", "Bash"},
	RoleBuilder: {"Read", "Write", "Bash"},
	RoleCritic:  {"Read", "Bash"},
	RoleWorker:  {"Read", "Write", "Bash"},
	RoleSWE:     {"Read", "Write", "Bash"},
	RoleQA:      {"Read", "Bash"},
}

// roleSpec resolves the archetype, model and tools for p: the role
// definition named after the participant wins over the one named after its
// role, which wins over the built-in defaults.
func roleSpec(cfg *config.Config, p Participant, budget int, model string, params map[string]string) registry.RoleSpec {
	spec := registry.RoleSpec{
		Role:         p.Role,
		Name:         p.Name,
		Archetype:    defaultArchetypes[p.Role],
		Model:        model,
		AllowedTools: defaultTools[p.Role],
		TurnBudget:   budget,
	}
	for _, key := range []string{p.Role, p.Name} {
		def, ok := cfg.Roles[key]
		if !ok {
			continue
		}
		if def.Archetype != "" {
			spec.Archetype = def.Archetype
		}
		if def.Model != "" {
			spec.Model = def.Model
		}
		if def.AllowedTools != nil {
			spec.AllowedTools = def.AllowedTools
		}
	}
	spec.Archetype = Render(spec.Archetype, params)
	return spec
}

// templateParams builds the placeholder values for p's archetype.
func templateParams(cfg *config.Config, req Request, p Participant, all []Participant, budget int, workspace string) map[string]string {
	var others []string
	for _, o := range all {
		if o.Name != p.Name {
			others = append(others, o.Name)
		}
	}
	params := map[string]string{
		"name":           p.Name,
		"role":           p.Role,
		"max_turn":       strconv.Itoa(budget),
		"output_dir":     workspace,
		"agent_ids":      strings.Join(others, ", "),
		"count":          strconv.Itoa(len(others)),
		"approval_token": cfg.Run.ApprovalToken,
	}
	for k, v := range req.Params {
		params[k] = v
	}
	return params
}

// Render replaces every <key> marker in tmpl with params[key]. Unknown
// markers are left as they are.
func Render(tmpl string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "<"+k+">", params[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
