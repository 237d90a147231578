package domain

import "encoding/json"

// EventType identifies a client-facing transcription event
type EventType string

const (
	EventReady   EventType = "ready"
	EventPartial EventType = "partial"
	EventFinal   EventType = "final"
	EventError   EventType = "error"
)

// Close codes sent to the downstream client
const (
	CloseMissingCredentials = 4001
	CloseUpstreamError      = 4002
	CloseUpstreamFatal      = 4003
)

// Event is a translated upstream event sent to the client as JSON text
type Event struct {
	Type    EventType
	Text    string
	Raw     json.RawMessage
	Code    uint32
	Message string
}

// ReadyEvent signals that the upstream handshake completed
func ReadyEvent() Event {
	return Event{Type: EventReady}
}

// TranscriptEvent builds a partial or final transcript event
func TranscriptEvent(final bool, text string, raw json.RawMessage) Event {
	t := EventPartial
	if final {
		t = EventFinal
	}
	return Event{Type: t, Text: text, Raw: raw}
}

// ErrorEvent builds an error event. A zero code is omitted on the wire.
func ErrorEvent(code uint32, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// MarshalJSON renders only the fields that belong to the event type
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventPartial, EventFinal:
		raw := e.Raw
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		return json.Marshal(struct {
			Type EventType       `json:"type"`
			Text string          `json:"text"`
			Raw  json.RawMessage `json:"raw"`
		}{e.Type, e.Text, raw})
	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Code    uint32    `json:"code,omitempty"`
			Message string    `json:"message"`
		}{e.Type, e.Code, e.Message})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}
