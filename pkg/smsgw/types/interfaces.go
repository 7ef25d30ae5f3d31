package types

import (
	"context"
	"time"
)

// Client is the local-transport surface the bridge core consumes. The
// gateway owns timeouts and cancellation of the underlying radio/network
// operations; calls here simply return success or failure.
type Client interface {
	// SendText submits an SMS and returns the gateway's message id.
	SendText(ctx context.Context, recipients []string, body string) (*SendTextResponse, error)
	// GetMessage reads one message record by id. Returns nil when absent.
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	// ListRecentMessages enumerates gateway history of one kind since the
	// given time, used by the crash-recovery scanner.
	ListRecentMessages(ctx context.Context, kind MessageKind, since time.Time) ([]Message, error)
}

// EventHandler consumes pushed gateway events.
type EventHandler func(ctx context.Context, event Event)
