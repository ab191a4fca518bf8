package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/message"
	"github.com/mtzanidakis/conclave/internal/registry"
)

func newTestRouter(t *testing.T, inv Invoker, cfg config.RunConfig) (*Router, *registry.Registry, *execlog.Log) {
	t.Helper()
	if cfg.ApprovalToken == "" {
		cfg.ApprovalToken = "APPROVED"
	}
	log := execlog.New("run-1")
	reg := registry.New("run-1", log)
	return New(reg, log, inv, cfg), reg, log
}

func create(t *testing.T, reg *registry.Registry, name string, budget int) *registry.Session {
	t.Helper()
	s, err := reg.Create(registry.RoleSpec{Role: "worker", Name: name, TurnBudget: budget})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return s
}

func echo() Invoker {
	return InvokerFunc(func(ctx context.Context, inv Invocation) (*Reply, error) {
		return &Reply{Text: inv.Name + ": " + inv.Content}, nil
	})
}

func TestSendRecordsExchange(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, inv Invocation) (*Reply, error) {
		return &Reply{
			Text:      "done",
			ToolCalls: []ToolCall{{Name: "Write", Input: json.RawMessage(`{"file_path":"a.go"}`), Result: "permission denied", IsError: true}},
			Usage:     execlog.Usage{InputTokens: 3, OutputTokens: 4},
		}, nil
	})
	rtr, reg, log := newTestRouter(t, inv, config.RunConfig{})
	s := create(t, reg, "builder", 3)

	resp, err := rtr.Send(context.Background(), message.CoordinatorID, s.ID, "build", message.Task{Instruction: "write a.go"}, message.KindArtifact)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Kind() != message.KindArtifact || resp.Text() != "done" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.From != s.ID || resp.To != message.CoordinatorID {
		t.Errorf("unexpected addressing %s -> %s", resp.From, resp.To)
	}

	entries := log.Query(execlog.Filter{AgentID: s.ID, Kinds: []execlog.Kind{execlog.KindMessageSent, execlog.KindToolUse, execlog.KindMessageReceived}})
	if len(entries) != 3 {
		t.Fatalf("expected sent, tool_use, received; got %d entries", len(entries))
	}
	if entries[0].Kind != execlog.KindMessageSent || entries[1].Kind != execlog.KindToolUse || entries[2].Kind != execlog.KindMessageReceived {
		t.Errorf("unexpected entry order %s %s %s", entries[0].Kind, entries[1].Kind, entries[2].Kind)
	}
	if resp.Seq != entries[2].Seq {
		t.Errorf("response seq %d should match received entry %d", resp.Seq, entries[2].Seq)
	}

	var tool execlog.ToolUseDetail
	entries[1].Decode(&tool)
	if tool.Tool != "Write" || tool.InReplyTo != entries[0].Seq || tool.Result != "permission denied" || !tool.IsError {
		t.Errorf("unexpected tool detail %+v", tool)
	}

	var d execlog.ReceivedDetail
	entries[2].Decode(&d)
	if d.InReplyTo != entries[0].Seq || d.Turn != 1 || d.Usage.OutputTokens != 4 {
		t.Errorf("unexpected received detail %+v", d)
	}
	if s.TurnCount() != 1 || len(s.Transcript()) != 2 {
		t.Errorf("expected one turn and two transcript messages, got %d and %d", s.TurnCount(), len(s.Transcript()))
	}
}

func TestSendPassesTranscript(t *testing.T) {
	var seen []int
	inv := InvokerFunc(func(ctx context.Context, inv Invocation) (*Reply, error) {
		seen = append(seen, len(inv.Transcript))
		return &Reply{Text: "ok"}, nil
	})
	rtr, reg, _ := newTestRouter(t, inv, config.RunConfig{})
	s := create(t, reg, "a", 5)

	for range 3 {
		if _, err := rtr.Send(context.Background(), message.CoordinatorID, s.ID, "p", message.Task{Instruction: "x"}, message.KindStatusReport); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if fmt.Sprint(seen) != "[0 2 4]" {
		t.Errorf("unexpected transcript lengths %v", seen)
	}
}

func TestSendTurnBudget(t *testing.T) {
	rtr, reg, log := newTestRouter(t, echo(), config.RunConfig{})
	s := create(t, reg, "critic", 1)

	if _, err := rtr.Send(context.Background(), message.CoordinatorID, s.ID, "review", message.Task{Instruction: "x"}, message.KindCritique); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if s.Status() != registry.StatusTurnExhausted {
		t.Fatalf("expected turn_exhausted, got %s", s.Status())
	}

	_, err := rtr.Send(context.Background(), message.CoordinatorID, s.ID, "review", message.Task{Instruction: "y"}, message.KindCritique)
	if !errors.Is(err, registry.ErrTurnBudgetExceeded) {
		t.Fatalf("expected ErrTurnBudgetExceeded, got %v", err)
	}

	failed := log.Query(execlog.Filter{Kinds: []execlog.Kind{execlog.KindExchangeFailed}})
	if len(failed) != 1 {
		t.Fatalf("expected a logged failure, got %d", len(failed))
	}
	var d execlog.FailureDetail
	failed[0].Decode(&d)
	if d.Reason != "turn_budget" || d.Error != err.Error() {
		t.Errorf("unexpected failure detail %+v", d)
	}
}

func TestSendDispatchFailure(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, inv Invocation) (*Reply, error) {
		return nil, errors.New("model unavailable")
	})
	rtr, reg, log := newTestRouter(t, inv, config.RunConfig{})
	s := create(t, reg, "a", 3)

	_, err := rtr.Send(context.Background(), message.CoordinatorID, s.ID, "p", message.Task{Instruction: "x"}, message.KindPlan)
	var de *DispatchError
	if !errors.As(err, &de) || !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if de.AgentID != s.ID {
		t.Errorf("unexpected agent id %s", de.AgentID)
	}
	if s.Status() != registry.StatusFailed {
		t.Errorf("expected failed session, got %s", s.Status())
	}
	failed := log.Query(execlog.Filter{Kinds: []execlog.Kind{execlog.KindExchangeFailed}})
	if len(failed) != 1 {
		t.Fatalf("expected a logged failure, got %d", len(failed))
	}
}

func TestSendTimeout(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, inv Invocation) (*Reply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rtr, reg, log := newTestRouter(t, inv, config.RunConfig{ExchangeTimeout: 20 * time.Millisecond})
	s := create(t, reg, "slow", 3)

	_, err := rtr.Send(context.Background(), message.CoordinatorID, s.ID, "p", message.Task{Instruction: "x"}, message.KindPlan)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	last, _ := log.Last(execlog.Filter{Kinds: []execlog.Kind{execlog.KindExchangeFailed}})
	var d execlog.FailureDetail
	last.Decode(&d)
	if d.Reason != "timeout" {
		t.Errorf("expected timeout reason, got %q", d.Reason)
	}
}

func TestSendUnknownSession(t *testing.T) {
	rtr, _, log := newTestRouter(t, echo(), config.RunConfig{})
	_, err := rtr.Send(context.Background(), message.CoordinatorID, "missing", "p", message.Task{}, message.KindPlan)
	if !errors.Is(err, registry.ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}

	failed := log.Query(execlog.Filter{AgentID: "missing", Kinds: []execlog.Kind{execlog.KindExchangeFailed}})
	if len(failed) != 1 {
		t.Fatalf("expected 1 exchange_failed entry, got %d", len(failed))
	}
	var d execlog.FailureDetail
	if err := failed[0].Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Reason != "unknown_session" || d.Error != err.Error() {
		t.Errorf("unexpected failure detail %+v", d)
	}
}

func TestSendCancelledWhileWaiting(t *testing.T) {
	rtr, reg, log := newTestRouter(t, echo(), config.RunConfig{})
	s := create(t, reg, "a", 3)

	// Hold the session as if another exchange were outstanding.
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rtr.Send(ctx, message.CoordinatorID, s.ID, "p", message.Task{}, message.KindPlan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	failed := log.Query(execlog.Filter{AgentID: s.ID, Kinds: []execlog.Kind{execlog.KindExchangeFailed}})
	if len(failed) != 1 {
		t.Fatalf("expected 1 exchange_failed entry, got %d", len(failed))
	}
	var d execlog.FailureDetail
	if err := failed[0].Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Reason != "cancelled" || d.Error != err.Error() {
		t.Errorf("unexpected failure detail %+v", d)
	}
	if s.TurnCount() != 0 {
		t.Errorf("cancelled send must not spend a turn, got %d", s.TurnCount())
	}
}

func TestSendSerializesPerSession(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	inv := InvokerFunc(func(ctx context.Context, inv Invocation) (*Reply, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return &Reply{Text: "ok"}, nil
	})
	rtr, reg, _ := newTestRouter(t, inv, config.RunConfig{})
	s := create(t, reg, "a", 20)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rtr.Send(context.Background(), message.CoordinatorID, s.ID, "p", message.Task{Instruction: "x"}, message.KindStatusReport); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("expected at most one exchange in flight, saw %d", maxInFlight.Load())
	}
	if s.TurnCount() != 10 {
		t.Errorf("expected 10 turns, got %d", s.TurnCount())
	}
}

func TestBroadcastIsFullBarrier(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, inv Invocation) (*Reply, error) {
		switch inv.Name {
		case "swe-2":
			return nil, errors.New("crashed")
		case "swe-3":
			time.Sleep(30 * time.Millisecond)
		}
		return &Reply{Text: inv.Name + " done"}, nil
	})
	rtr, reg, log := newTestRouter(t, inv, config.RunConfig{MaxParallel: 2})

	var ids []string
	for i := 1; i <= 3; i++ {
		ids = append(ids, create(t, reg, fmt.Sprintf("swe-%d", i), 2).ID)
	}

	out, err := rtr.BroadcastSame(context.Background(), message.CoordinatorID, "dispatch", ids, message.Task{Instruction: "work"}, message.KindArtifact)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(out))
	}
	if !out[ids[0]].OK() || !out[ids[2]].OK() {
		t.Errorf("expected swe-1 and swe-3 to succeed: %+v", out)
	}
	if out[ids[2]].Message.Text() != "swe-3 done" {
		t.Errorf("slow worker result missing: %q", out[ids[2]].Message.Text())
	}
	if !errors.Is(out[ids[1]].Err, ErrDispatch) {
		t.Errorf("expected dispatch failure for swe-2, got %v", out[ids[1]].Err)
	}

	entries := log.Query(execlog.Filter{})
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("sequence not strictly increasing at %d: %d after %d", i, entries[i].Seq, entries[i-1].Seq)
		}
	}
}

func TestBroadcastPerTargetPayloads(t *testing.T) {
	rtr, reg, _ := newTestRouter(t, echo(), config.RunConfig{})
	a := create(t, reg, "a", 1)
	b := create(t, reg, "b", 1)

	out, err := rtr.Broadcast(context.Background(), message.CoordinatorID, "rank", []Target{
		{To: a.ID, Payload: message.Task{Instruction: "for a"}},
		{To: b.ID, Payload: message.Task{Instruction: "for b"}},
	}, message.KindStatusReport)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if out[a.ID].Message.Text() != "a: for a" || out[b.ID].Message.Text() != "b: for b" {
		t.Errorf("unexpected outcomes %q %q", out[a.ID].Message.Text(), out[b.ID].Message.Text())
	}

	if _, err := rtr.Broadcast(context.Background(), message.CoordinatorID, "rank", []Target{{To: a.ID}, {To: a.ID}}, message.KindStatusReport); err == nil {
		t.Error("expected duplicate target error")
	}
}

func TestBroadcastLogFailureIsFatal(t *testing.T) {
	var fail atomic.Bool
	log := execlog.New("run-1", execlog.SinkFunc(func(e execlog.Entry) error {
		if fail.Load() && e.Kind == execlog.KindMessageSent {
			return errors.New("disk full")
		}
		return nil
	}))
	reg := registry.New("run-1", log)
	rtr := New(reg, log, echo(), config.RunConfig{ApprovalToken: "APPROVED"})
	a := create(t, reg, "a", 1)
	b := create(t, reg, "b", 1)

	fail.Store(true)
	_, err := rtr.BroadcastSame(context.Background(), message.CoordinatorID, "p", []string{a.ID, b.ID}, message.Task{Instruction: "x"}, message.KindPlan)
	if !errors.Is(err, execlog.ErrLogWrite) {
		t.Fatalf("expected ErrLogWrite, got %v", err)
	}
}
