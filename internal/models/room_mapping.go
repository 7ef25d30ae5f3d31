package models

import "time"

// RoomMapping associates one local conversation (or classified service,
// keyed "service:<key>") with one remote room. Both sides are unique: no two
// live mappings may share a conversation key or a remote room id.
type RoomMapping struct {
	ID              int64     `json:"id"`
	ConversationKey string    `json:"conversationKey"`
	Participants    []string  `json:"participants"` // ordered for comparison
	RemoteRoomID    string    `json:"remoteRoomId"`
	RemoteAlias     *string   `json:"remoteAlias,omitempty"`
	IsGroup         bool      `json:"isGroup"`
	LastUsedAt      time.Time `json:"lastUsedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
