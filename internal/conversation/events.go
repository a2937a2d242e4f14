// ABOUTME: Streaming protocol events emitted during a turn
// ABOUTME: Events are delivered in generation order on a bounded channel

package conversation

// EventType names a protocol event.
type EventType string

const (
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallResult     EventType = "TOOL_CALL_RESULT"
	EventContentFilter      EventType = "CONTENT_FILTER"
	EventRunError           EventType = "RUN_ERROR"
	EventThreadState        EventType = "THREAD_STATE"
)

// Event is one protocol event. Only the fields of its type are set.
type Event struct {
	Type         EventType `json:"type"`
	MessageID    string    `json:"messageId,omitempty"`
	Delta        string    `json:"delta,omitempty"`
	Name         string    `json:"name,omitempty"`
	CallID       string    `json:"callId,omitempty"`
	Result       string    `json:"result,omitempty"`
	Message      string    `json:"message,omitempty"`
	ThreadID     string    `json:"threadId,omitempty"`
	EncodedState string    `json:"encodedState,omitempty"`
}

// Terminal reports whether the event ends the turn's visible output.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventContentFilter, EventRunError, EventThreadState:
		return true
	}
	return false
}
