package session

import "time"

// EventType enumerates the session loop's typed event stream.
type EventType string

const (
	EventSessionStart     EventType = "session:start"
	EventSessionEnd       EventType = "session:end"
	EventTurnScreen       EventType = "turn:screen"
	EventTurnThinking     EventType = "turn:thinking"
	EventTurnResponse     EventType = "turn:response"
	EventTurnAction       EventType = "turn:action"
	EventTurnMore         EventType = "turn:more"
	EventTurnStuck        EventType = "turn:stuck"
	EventMemoryNote       EventType = "memory:note"
	EventMemoryExtracting EventType = "memory:extracting"
	EventMemoryExtracted  EventType = "memory:extracted"
	EventError            EventType = "error"
)

// Event is one observation from a running session. Consumers receive events
// synchronously from the loop goroutine and must never block.
type Event struct {
	Type      EventType
	Handle    string
	Turn      int
	Timestamp time.Time
	Text      string
	Action    *Action
	Err       error
	Reason    string
}

// EventSink receives session events. A nil sink discards them.
type EventSink func(Event)
