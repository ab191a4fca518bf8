package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicSessionInput is the request subject an agent worker answers for one
// session.
func TopicSessionInput(sessionID string) string {
	return fmt.Sprintf("session.%s.input", sessionID)
}

func TopicEventsRun(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

const (
	TopicEventsRuns = "events.run.*"
	TopicSessionAll = "session.*.input"
)
