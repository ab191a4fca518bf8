// Package message defines the messages exchanged between the coordinator and
// agent sessions, and the payload variants they carry.
package message

import "time"

// CoordinatorID is the sender id used for messages that originate from the
// protocol engine itself rather than from an agent session.
const CoordinatorID = "coordinator"

// Message is one directed exchange leg. Seq is the execution log sequence
// number assigned when the message was accepted.
type Message struct {
	Seq       int64     `json:"seq"`
	RunID     string    `json:"run_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Phase     string    `json:"phase"`
	Content   Payload   `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Text returns the rendered payload, or "" for an empty message.
func (m *Message) Text() string {
	if m == nil || m.Content == nil {
		return ""
	}
	return m.Content.String()
}

// Kind returns the payload kind, or "" for an empty message.
func (m *Message) Kind() Kind {
	if m == nil || m.Content == nil {
		return ""
	}
	return m.Content.Kind()
}
