// Package router delivers messages from the coordinator to agent sessions
// and records every exchange in the execution log.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/message"
	"github.com/mtzanidakis/conclave/internal/registry"
	"golang.org/x/sync/errgroup"
)

type Router struct {
	registry      *registry.Registry
	log           *execlog.Log
	invoker       Invoker
	timeout       time.Duration
	maxParallel   int
	approvalToken string
}

func New(reg *registry.Registry, log *execlog.Log, inv Invoker, cfg config.RunConfig) *Router {
	return &Router{
		registry:      reg,
		log:           log,
		invoker:       inv,
		timeout:       cfg.ExchangeTimeout,
		maxParallel:   cfg.MaxParallel,
		approvalToken: cfg.ApprovalToken,
	}
}

// Send delivers payload to session to and blocks until it responds or
// fails. The reply is decoded as expect. Exchanges with the same session are
// serialized in call order.
//
// Failures are logged before they are returned. A refused turn yields a
// *registry.BudgetError, an invocation failure a *DispatchError, and a log
// failure an error wrapping execlog.ErrLogWrite.
func (r *Router) Send(ctx context.Context, from, to, phase string, payload message.Payload, expect message.Kind) (*message.Message, error) {
	sess, err := r.registry.Get(to)
	if err != nil {
		if logErr := r.fail(to, phase, 0, "unknown_session", err); logErr != nil {
			return nil, logErr
		}
		return nil, err
	}
	if err := sess.Acquire(ctx); err != nil {
		err = fmt.Errorf("wait for session %s: %w", sess.Name, err)
		if logErr := r.fail(to, phase, 0, "cancelled", err); logErr != nil {
			return nil, logErr
		}
		return nil, err
	}
	defer sess.Release()

	req := message.Message{
		RunID:   r.log.RunID(),
		From:    from,
		To:      to,
		Phase:   phase,
		Content: payload,
	}
	sent, err := r.log.Append(execlog.Event{
		AgentID: to,
		Kind:    execlog.KindMessageSent,
		Phase:   phase,
		Detail: execlog.SentDetail{
			From:        from,
			PayloadKind: string(payload.Kind()),
			Content:     payload.String(),
			Turn:        sess.TurnCount() + 1,
		},
	})
	if err != nil {
		return nil, err
	}
	req.Seq = sent.Seq
	req.Timestamp = sent.Timestamp

	prior, turn, err := r.registry.BeginTurn(to, req)
	if err != nil {
		reason := "session_closed"
		if errors.Is(err, registry.ErrTurnBudgetExceeded) {
			reason = "turn_budget"
		}
		if logErr := r.fail(to, phase, sent.Seq, reason, err); logErr != nil {
			return nil, logErr
		}
		return nil, err
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := r.invoker.Invoke(callCtx, Invocation{
		RunID:        sess.RunID,
		SessionID:    sess.ID,
		Name:         sess.Name,
		Role:         sess.Role,
		Model:        sess.Model,
		Archetype:    sess.Archetype,
		Workspace:    sess.Workspace,
		AllowedTools: sess.AllowedTools,
		Phase:        phase,
		Turn:         turn,
		Transcript:   renderTranscript(prior),
		Content:      payload.String(),
	})
	if err == nil && reply == nil {
		err = errors.New("empty reply")
	}
	if err != nil {
		reason := "dispatch"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		if ferr := r.registry.FailTurn(to); ferr != nil {
			return nil, ferr
		}
		if logErr := r.fail(to, phase, sent.Seq, reason, err); logErr != nil {
			return nil, logErr
		}
		slog.Warn("exchange failed", "run", sess.RunID, "session", sess.Name, "phase", phase, "reason", reason, "error", err)
		return nil, &DispatchError{AgentID: to, Name: sess.Name, Err: err}
	}
	elapsed := time.Since(start)

	for _, tc := range reply.ToolCalls {
		if _, err := r.log.Append(execlog.Event{
			AgentID: to,
			Kind:    execlog.KindToolUse,
			Phase:   phase,
			Detail: execlog.ToolUseDetail{
				InReplyTo: sent.Seq,
				Tool:      tc.Name,
				Input:     tc.Input,
				Result:    tc.Result,
				IsError:   tc.IsError,
			},
		}); err != nil {
			return nil, err
		}
	}

	content := message.Decode(expect, reply.Text, r.approvalToken)
	received, err := r.log.Append(execlog.Event{
		AgentID: to,
		Kind:    execlog.KindMessageReceived,
		Phase:   phase,
		Detail: execlog.ReceivedDetail{
			To:            from,
			InReplyTo:     sent.Seq,
			PayloadKind:   string(content.Kind()),
			Content:       reply.Text,
			Turn:          turn,
			Usage:         reply.Usage,
			CostUSD:       reply.CostUSD,
			DurationMS:    elapsed.Milliseconds(),
			DurationAPIMS: reply.APIDuration.Milliseconds(),
		},
	})
	if err != nil {
		return nil, err
	}

	resp := &message.Message{
		Seq:       received.Seq,
		RunID:     sess.RunID,
		From:      to,
		To:        from,
		Phase:     phase,
		Content:   content,
		Timestamp: received.Timestamp,
	}
	if err := r.registry.CompleteTurn(to, *resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Router) fail(to, phase string, seq int64, reason string, cause error) error {
	_, err := r.log.Append(execlog.Event{
		AgentID: to,
		Kind:    execlog.KindExchangeFailed,
		Phase:   phase,
		Detail:  execlog.FailureDetail{InReplyTo: seq, Reason: reason, Error: cause.Error()},
	})
	return err
}

// Target is one recipient of a broadcast with its own payload.
type Target struct {
	To      string
	Payload message.Payload
}

// Outcome is how one broadcast target settled.
type Outcome struct {
	Message *message.Message
	Err     error
}

func (o Outcome) OK() bool {
	return o.Err == nil && o.Message != nil
}

// Broadcast sends to every target concurrently and returns once all of them
// have settled. Per-target failures are reported in the map; the returned
// error is non-nil only when the execution log failed.
func (r *Router) Broadcast(ctx context.Context, from, phase string, targets []Target, expect message.Kind) (map[string]Outcome, error) {
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t.To] {
			return nil, fmt.Errorf("broadcast %s: duplicate target %s", phase, t.To)
		}
		seen[t.To] = true
	}

	var (
		mu       sync.Mutex
		outcomes = make(map[string]Outcome, len(targets))
		g        errgroup.Group
	)
	if r.maxParallel > 0 {
		g.SetLimit(r.maxParallel)
	}

	for _, t := range targets {
		g.Go(func() error {
			msg, err := r.Send(ctx, from, t.To, phase, t.Payload, expect)
			mu.Lock()
			outcomes[t.To] = Outcome{Message: msg, Err: err}
			mu.Unlock()
			if errors.Is(err, execlog.ErrLogWrite) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// BroadcastSame sends the same payload to every target.
func (r *Router) BroadcastSame(ctx context.Context, from, phase string, to []string, payload message.Payload, expect message.Kind) (map[string]Outcome, error) {
	targets := make([]Target, len(to))
	for i, id := range to {
		targets[i] = Target{To: id, Payload: payload}
	}
	return r.Broadcast(ctx, from, phase, targets, expect)
}

// ApprovalToken is the token a critic reply must carry to approve.
func (r *Router) ApprovalToken() string {
	return r.approvalToken
}
