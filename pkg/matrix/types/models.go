package types

import "errors"

// ErrAliasInUse indicates the requested room alias is already claimed,
// usually by a concurrent resolver on another bridge instance.
var ErrAliasInUse = errors.New("room alias already in use")

// Event is one timeline event as returned by /sync.
type Event struct {
	EventID        string       `json:"event_id"`
	Type           string       `json:"type"`
	Sender         string       `json:"sender"`
	RoomID         string       `json:"-"`
	OriginServerTS int64        `json:"origin_server_ts"`
	Content        EventContent `json:"content"`
}

// EventContent is the m.room.message payload subset the bridge handles.
type EventContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// SendResponse is the homeserver's acknowledgement of a sent event.
type SendResponse struct {
	EventID string `json:"event_id"`
}

// CreateRoomRequest is the /createRoom payload.
type CreateRoomRequest struct {
	RoomAliasName string `json:"room_alias_name,omitempty"`
	Name          string `json:"name,omitempty"`
	Preset        string `json:"preset,omitempty"`
}

// CreateRoomResponse carries the new room's id.
type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

// ResolveAliasResponse maps a room alias to its id.
type ResolveAliasResponse struct {
	RoomID string `json:"room_id"`
}

// APIError is the standard Matrix error envelope.
type APIError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

// Matrix error codes the bridge distinguishes.
const (
	ErrCodeNotFound  = "M_NOT_FOUND"
	ErrCodeRoomInUse = "M_ROOM_IN_USE"
)
