package types

import "context"

// Client is the remote-transport surface the bridge core consumes.
type Client interface {
	// SendMessage posts an m.text event and returns the event id. Sends
	// are idempotent per transaction id.
	SendMessage(ctx context.Context, roomID, body string) (*SendResponse, error)
	// ResolveAlias looks up a room by its full alias. Returns "" without
	// error when the alias does not exist.
	ResolveAlias(ctx context.Context, alias string) (string, error)
	// CreateRoom creates a private room, optionally claiming an alias.
	// An alias collision surfaces as an alias-in-use error.
	CreateRoom(ctx context.Context, aliasLocalpart, name string) (string, error)
	// ReceiveMessages long-polls /sync and returns new text events from
	// other users. Sync position is kept internally across calls.
	ReceiveMessages(ctx context.Context, timeoutSec int) ([]Event, error)
}
