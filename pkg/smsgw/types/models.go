package types

// MessageKind distinguishes gateway history entries.
type MessageKind string

const (
	KindSent     MessageKind = "sent"
	KindReceived MessageKind = "received"
)

// Message is one SMS record as the gateway reports it.
type Message struct {
	ID         string      `json:"id"`
	ThreadID   string      `json:"threadId,omitempty"`
	Sender     string      `json:"sender"`
	Recipients []string    `json:"recipients"`
	Body       string      `json:"body"`
	Timestamp  int64       `json:"timestamp"` // epoch millis
	Kind       MessageKind `json:"kind"`
}

// SendTextRequest is the outbound send payload.
type SendTextRequest struct {
	Recipients []string `json:"recipients"`
	Body       string   `json:"body"`
}

// SendTextResponse carries the gateway-assigned message id.
type SendTextResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// ListMessagesResponse is a page of gateway history.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// EventType identifies gateway push events.
type EventType string

const (
	EventMessageSent     EventType = "message.sent"
	EventMessageReceived EventType = "message.received"
)

// Event is one push notification from the gateway, delivered over the
// webhook or the websocket stream.
type Event struct {
	Type      EventType `json:"type"`
	Message   Message   `json:"message"`
	Timestamp int64     `json:"timestamp"`
}

// ErrorResponse is the gateway's error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
