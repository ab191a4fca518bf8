// Package invoker implements the model-invocation boundary: a NATS
// request/reply client for remote agent workers and a local CLI subprocess
// runner.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/router"
	"github.com/nats-io/nats.go"
)

// Response is the JSON envelope agent workers answer with.
type Response struct {
	Text          string            `json:"text"`
	ToolCalls     []router.ToolCall `json:"tool_calls,omitempty"`
	Usage         execlog.Usage     `json:"usage"`
	CostUSD       float64           `json:"cost_usd,omitempty"`
	DurationAPIMS int64             `json:"duration_api_ms,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (r Response) reply() *router.Reply {
	return &router.Reply{
		Text:        r.Text,
		ToolCalls:   r.ToolCalls,
		Usage:       r.Usage,
		CostUSD:     r.CostUSD,
		APIDuration: time.Duration(r.DurationAPIMS) * time.Millisecond,
	}
}

// Bus sends each invocation as a request on session.<id>.input.
type Bus struct {
	client  *natsbus.Client
	timeout time.Duration
}

func NewBus(client *natsbus.Client, cfg config.InvokerConfig) *Bus {
	return &Bus{client: client, timeout: cfg.RequestTimeout}
}

func (b *Bus) Invoke(ctx context.Context, inv router.Invocation) (*router.Reply, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var resp Response
	if err := b.client.RequestJSON(ctx, natsbus.TopicSessionInput(inv.SessionID), inv, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.reply(), nil
}

// Serve answers invocation requests for every session with inv, as one
// member of the "workers" queue group. It is the worker side of Bus.
func Serve(client *natsbus.Client, inv router.Invoker) (*nats.Subscription, error) {
	return client.QueueSubscribe(natsbus.TopicSessionAll, "workers", func(msg *nats.Msg) {
		var req router.Invocation
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(msg, Response{Error: fmt.Sprintf("decode invocation: %v", err)})
			return
		}

		// Requests are handled off the subscription goroutine so one slow
		// session does not hold up the others.
		go func() {
			slog.Info("invocation received", "run", req.RunID, "session", req.Name, "phase", req.Phase, "turn", req.Turn)
			reply, err := inv.Invoke(context.Background(), req)
			if err != nil {
				slog.Warn("invocation failed", "session", req.Name, "error", err)
				respond(msg, Response{Error: err.Error()})
				return
			}
			respond(msg, Response{
				Text:          reply.Text,
				ToolCalls:     reply.ToolCalls,
				Usage:         reply.Usage,
				CostUSD:       reply.CostUSD,
				DurationAPIMS: reply.APIDuration.Milliseconds(),
			})
		}()
	})
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("respond to invocation", "subject", msg.Subject, "error", err)
	}
}
