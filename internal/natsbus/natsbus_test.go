package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/nats-io/nats.go"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	bus, client, err := Connect(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		bus.Close()
	})
	return client
}

func TestBusStartStop(t *testing.T) {
	bus, err := New(config.NATSConfig{
		Port:    0, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPublishJSON(t *testing.T) {
	client := newTestClient(t)

	received := make(chan string, 1)
	_, err := client.Subscribe(TopicEventsRuns, func(msg *nats.Msg) {
		received <- msg.Subject + " " + string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.PublishJSON(TopicEventsRun("r1"), map[string]string{"key": "value"}); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `events.run.r1 {"key":"value"}` {
			t.Errorf("unexpected message '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRequestJSON(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Subscribe(TopicSessionAll, func(msg *nats.Msg) {
		msg.Respond([]byte(`{"echo":"` + msg.Subject + `"}`))
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out struct {
		Echo string `json:"echo"`
	}
	if err := client.RequestJSON(ctx, TopicSessionInput("s1"), map[string]string{"q": "x"}, &out); err != nil {
		t.Fatalf("request error: %v", err)
	}
	if out.Echo != "session.s1.input" {
		t.Errorf("unexpected echo %q", out.Echo)
	}
}

func TestRequestJSONNoResponders(t *testing.T) {
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out map[string]any
	if err := client.RequestJSON(ctx, TopicSessionInput("nobody"), struct{}{}, &out); err == nil {
		t.Fatal("expected error without responders")
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicSessionInput("s1"); got != "session.s1.input" {
		t.Errorf("expected session.s1.input, got %s", got)
	}
	if got := TopicEventsRun("r1"); got != "events.run.r1" {
		t.Errorf("expected events.run.r1, got %s", got)
	}
}
