package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("conclave"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

func (c *Client) QueueSubscribe(topic, queue string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.QueueSubscribe(topic, queue, handler)
}

// RequestJSON marshals v, sends it on topic and decodes the reply into out.
// The call is bounded by ctx.
func (c *Client) RequestJSON(ctx context.Context, topic string, v, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	msg, err := c.conn.RequestWithContext(ctx, topic, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", topic, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("unmarshal reply: %w", err)
	}
	return nil
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
