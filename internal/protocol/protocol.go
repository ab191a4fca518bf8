// Package protocol drives the coordination protocols. Each protocol is a
// sequence of named phases built on the router; a run owns its registry and
// execution log for its whole lifetime.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/conclave/internal/compiler"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/message"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/registry"
	"github.com/mtzanidakis/conclave/internal/router"
	"github.com/mtzanidakis/conclave/internal/store"
)

// ErrRunExists rejects a request whose id is active or already recorded.
var ErrRunExists = errors.New("run already exists")

type Kind string

const (
	KindBuilderCritic Kind = "builder_critic"
	KindLeaderWorker  Kind = "leader_worker"
	KindVoting        Kind = "voting"
	KindRolePipeline  Kind = "role_pipeline"
	KindSingleAgent   Kind = "single_agent"
)

// Kinds lists every supported protocol.
var Kinds = []Kind{KindSingleAgent, KindBuilderCritic, KindLeaderWorker, KindVoting, KindRolePipeline}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown protocol kind %q", s)
}

// Request submits a task. Participants are names; the protocol kind decides
// their roles. Empty fields take the configured defaults.
type Request struct {
	ID           string            `json:"id,omitempty"`
	Kind         Kind              `json:"kind"`
	Task         string            `json:"task"`
	Participants []string          `json:"participants,omitempty"`
	TurnBudget   int               `json:"turn_budget,omitempty"`
	Model        string            `json:"model,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

// Notifier is told about every finished run.
type Notifier interface {
	Notify(ctx context.Context, artifact *compiler.Artifact, failure *Failure) error
}

type Engine struct {
	cfgMu    sync.RWMutex
	cfg      *config.Config
	invoker  router.Invoker
	store    *store.Store
	client   *natsbus.Client
	notifier Notifier

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

type Option func(*Engine)

func WithStore(s *store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithBus publishes every log entry on events.run.<id>.
func WithBus(c *natsbus.Client) Option {
	return func(e *Engine) { e.client = c }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func New(cfg *config.Config, inv router.Invoker, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		invoker: inv,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reload swaps the configuration used by runs started afterwards. Runs
// already executing keep the configuration they started with.
func (e *Engine) Reload(cfg *config.Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

func (e *Engine) config() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// run is the state of one protocol run. It lives from Run's start to its
// return.
type run struct {
	id       string
	req      Request
	log      *execlog.Log
	registry *registry.Registry
	router   *router.Router
	sessions []*registry.Session
	names    map[string]string
	phase    string
	path     []string
}

// prepared is a validated request with its participants resolved.
type prepared struct {
	req          Request
	participants []Participant
	cfg          *config.Config
}

func (e *Engine) prepare(req Request) (*prepared, error) {
	cfg := e.config()
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}
	if req.Task == "" {
		return nil, errors.New("task must not be empty")
	}
	if req.TurnBudget == 0 {
		req.TurnBudget = cfg.Run.TurnBudget
	}
	if req.TurnBudget < 1 {
		return nil, fmt.Errorf("turn budget must be at least 1, got %d", req.TurnBudget)
	}
	if req.Model == "" {
		req.Model = cfg.Run.Model
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ps, err := resolveParticipants(req.Kind, req.Participants, cfg.Pipeline.Stages)
	if err != nil {
		return nil, err
	}
	if req.Kind == KindRolePipeline {
		if _, err := BuildStagePlan(ps, cfg.Pipeline.Edges); err != nil {
			return nil, fmt.Errorf("invalid pipeline: %w", err)
		}
	}
	return &prepared{req: req, participants: ps, cfg: cfg}, nil
}

// Start validates req, records the run and executes it in the background.
// The run outlives ctx; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, req Request) (string, error) {
	p, err := e.prepare(req)
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := e.claim(p.req.ID, cancel); err != nil {
		cancel()
		return "", err
	}
	if err := e.saveRun(p, "running", nil, nil); err != nil {
		e.release(p.req.ID)
		cancel()
		return "", err
	}

	go func() {
		defer cancel()
		if _, err := e.execute(runCtx, p); err != nil {
			slog.Warn("run failed", "id", p.req.ID, "kind", p.req.Kind, "error", err)
		}
	}()
	return p.req.ID, nil
}

// Cancel stops a run started with Start. It reports whether the run was
// still active.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the ids of runs still executing.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.cancels))
	for id := range e.cancels {
		ids = append(ids, id)
	}
	return ids
}

// Run executes req to completion. It returns the artifact, or an error that
// is a *Failure for runs that ended without one.
func (e *Engine) Run(ctx context.Context, req Request) (*compiler.Artifact, error) {
	p, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.claim(p.req.ID, cancel); err != nil {
		return nil, err
	}
	if err := e.saveRun(p, "running", nil, nil); err != nil {
		e.release(p.req.ID)
		return nil, err
	}
	return e.execute(ctx, p)
}

// claim registers id as active. Ids that are active or already stored are
// rejected.
func (e *Engine) claim(id string, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cancels[id]; ok {
		return fmt.Errorf("%w: %s is active", ErrRunExists, id)
	}
	if e.store != nil {
		existing, err := e.store.GetRun(id)
		if err != nil {
			return fmt.Errorf("check run %s: %w", id, err)
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrRunExists, id)
		}
	}
	e.cancels[id] = cancel
	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

func (e *Engine) execute(ctx context.Context, p *prepared) (*compiler.Artifact, error) {
	defer e.release(p.req.ID)

	req := p.req
	var sinks []execlog.Sink
	if e.store != nil {
		sinks = append(sinks, execlog.NewStoreSink(e.store))
	}
	if e.client != nil {
		sinks = append(sinks, execlog.NewBusSink(e.client))
	}
	log := execlog.New(req.ID, sinks...)

	regOpts := []registry.Option{registry.WithWorkspaces(p.cfg.Run.OutputDir)}
	if e.store != nil {
		regOpts = append(regOpts, registry.WithStore(e.store))
	}
	r := &run{
		id:       req.ID,
		req:      req,
		log:      log,
		registry: registry.New(req.ID, log, regOpts...),
		names:    make(map[string]string),
		phase:    "setup",
	}
	r.router = router.New(r.registry, log, e.invoker, p.cfg.Run)

	slog.Info("starting run", "id", req.ID, "kind", req.Kind, "participants", len(p.participants), "budget", req.TurnBudget)

	outcome, err := e.drive(ctx, r, p)
	if cerr := r.registry.Close(); cerr != nil && err == nil {
		err = cerr
	}

	var artifact *compiler.Artifact
	if err == nil {
		artifact, err = compiler.Extract(outcome, log)
	}
	if err != nil {
		failure := e.failure(r, outcome.State, err)
		log.Append(execlog.Event{
			AgentID: message.CoordinatorID,
			Kind:    execlog.KindRunFailed,
			Phase:   r.phase,
			Detail:  execlog.RunDetail{Kind: string(req.Kind), State: string(failure.State), Error: err.Error()},
		})
		log.Close()
		e.finish(ctx, p, nil, failure)
		slog.Info("run finished", "id", req.ID, "state", failure.State, "phase", failure.Phase)
		return nil, failure
	}

	if _, err := log.Append(execlog.Event{
		AgentID: message.CoordinatorID,
		Kind:    execlog.KindRunCompleted,
		Phase:   r.phase,
		Detail:  execlog.RunDetail{Kind: string(req.Kind), State: string(artifact.State)},
	}); err != nil {
		failure := e.failure(r, compiler.StateFailed, err)
		e.finish(ctx, p, nil, failure)
		return nil, failure
	}
	log.Close()
	artifact.Stats = log.Stats()
	e.finish(ctx, p, artifact, nil)
	slog.Info("run finished", "id", req.ID, "state", artifact.State, "agent", artifact.Agent)
	return artifact, nil
}

// drive creates the sessions and runs the protocol phases.
func (e *Engine) drive(ctx context.Context, r *run, p *prepared) (compiler.Outcome, error) {
	req := r.req
	outcome := compiler.Outcome{RunID: r.id, Kind: string(req.Kind), Task: req.Task, State: compiler.StateFailed}

	names := make([]string, len(p.participants))
	for i, pt := range p.participants {
		names[i] = pt.Name
	}
	if _, err := r.log.Append(execlog.Event{
		AgentID: message.CoordinatorID,
		Kind:    execlog.KindRunStarted,
		Detail: execlog.RunDetail{
			Kind:         string(req.Kind),
			Task:         req.Task,
			Participants: names,
			TurnBudget:   req.TurnBudget,
		},
	}); err != nil {
		return outcome, err
	}

	for _, pt := range p.participants {
		workspace := ""
		if p.cfg.Run.OutputDir != "" {
			workspace = registry.WorkspacePath(p.cfg.Run.OutputDir, r.id, pt.Name)
		}
		params := templateParams(p.cfg, req, pt, p.participants, req.TurnBudget, workspace)
		s, err := r.registry.Create(roleSpec(p.cfg, pt, req.TurnBudget, req.Model, params))
		if err != nil {
			return outcome, fmt.Errorf("create session %s: %w", pt.Name, err)
		}
		r.sessions = append(r.sessions, s)
		r.names[s.ID] = s.Name
	}

	var (
		o   compiler.Outcome
		err error
	)
	switch req.Kind {
	case KindSingleAgent:
		o, err = runSingle(ctx, r)
	case KindBuilderCritic:
		o, err = runBuilderCritic(ctx, r)
	case KindLeaderWorker:
		o, err = runLeaderWorker(ctx, r)
	case KindVoting:
		o, err = runVoting(ctx, r)
	case KindRolePipeline:
		o, err = runPipeline(ctx, r, p.cfg.Pipeline.Edges)
	}
	o.RunID, o.Kind, o.Task, o.Path = r.id, string(req.Kind), req.Task, r.path
	if err != nil && o.State == "" {
		o.State = compiler.StateFailed
	}
	return o, err
}

func (e *Engine) failure(r *run, state compiler.State, err error) *Failure {
	if state == "" {
		state = compiler.StateFailed
	}
	first, last := r.log.Range()
	return &Failure{
		RunID:    r.id,
		Kind:     r.req.Kind,
		State:    state,
		Phase:    r.phase,
		Failed:   failedParticipants(r.log, r.names),
		FirstSeq: first,
		LastSeq:  last,
		Cause:    err.Error(),
		Err:      err,
	}
}

func (e *Engine) finish(ctx context.Context, p *prepared, artifact *compiler.Artifact, failure *Failure) {
	status := "failed"
	var result, fail json.RawMessage
	if artifact != nil {
		status = string(artifact.State)
		result, _ = json.Marshal(artifact)
	}
	if failure != nil {
		status = string(failure.State)
		fail, _ = json.Marshal(failure)
	}
	if e.store != nil {
		if err := e.store.UpdateRun(p.req.ID, status, result, fail); err != nil {
			slog.Error("update run", "id", p.req.ID, "error", err)
		}
	}
	if e.notifier != nil {
		if err := e.notifier.Notify(context.WithoutCancel(ctx), artifact, failure); err != nil {
			slog.Warn("notify run result", "id", p.req.ID, "error", err)
		}
	}
}

func (e *Engine) saveRun(p *prepared, status string, result, failure json.RawMessage) error {
	if e.store == nil {
		return nil
	}
	participants, err := json.Marshal(p.participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	if err := e.store.SaveRun(&store.Run{
		ID:           p.req.ID,
		Kind:         string(p.req.Kind),
		Task:         p.req.Task,
		Status:       status,
		TurnBudget:   p.req.TurnBudget,
		Participants: participants,
		Result:       result,
		Failure:      failure,
	}); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// startPhase records the start of a phase. Only a log failure is returned.
func (r *run) startPhase(name string, participants ...*registry.Session) error {
	r.phase = name
	r.path = append(r.path, name)
	ids := make([]string, len(participants))
	for i, s := range participants {
		ids[i] = s.Name
	}
	_, err := r.log.Append(execlog.Event{
		AgentID: message.CoordinatorID,
		Kind:    execlog.KindPhaseStarted,
		Phase:   name,
		Detail:  execlog.PhaseDetail{Participants: ids},
	})
	return err
}

// endPhase records how many exchanges of the phase settled and which failed.
func (r *run) endPhase(outcomes map[string]router.Outcome) error {
	d := execlog.PhaseDetail{Settled: len(outcomes)}
	for _, s := range r.sessions {
		if o, ok := outcomes[s.ID]; ok && !o.OK() {
			d.Failed = append(d.Failed, s.Name)
		}
	}
	_, err := r.log.Append(execlog.Event{
		AgentID: message.CoordinatorID,
		Kind:    execlog.KindPhaseCompleted,
		Phase:   r.phase,
		Detail:  d,
	})
	return err
}

// send is a single-target exchange from the coordinator inside the current
// phase, closing the phase afterwards.
func (r *run) send(ctx context.Context, to *registry.Session, payload message.Payload, expect message.Kind) (*message.Message, error) {
	msg, err := r.router.Send(ctx, message.CoordinatorID, to.ID, r.phase, payload, expect)
	if perr := r.endPhase(map[string]router.Outcome{to.ID: {Message: msg, Err: err}}); perr != nil {
		return nil, perr
	}
	return msg, err
}

// broadcast fans out inside the current phase and closes it once every
// target settled.
func (r *run) broadcast(ctx context.Context, targets []router.Target, expect message.Kind) (map[string]router.Outcome, error) {
	out, err := r.router.Broadcast(ctx, message.CoordinatorID, r.phase, targets, expect)
	if err != nil {
		return nil, err
	}
	if err := r.endPhase(out); err != nil {
		return nil, err
	}
	return out, nil
}

// mark adds a non-exchange step, such as a terminal state, to the path.
func (r *run) mark(step string) {
	r.path = append(r.path, step)
}

func fatal(err error) bool {
	return errors.Is(err, execlog.ErrLogWrite)
}
