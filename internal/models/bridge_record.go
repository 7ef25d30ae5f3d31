package models

import "time"

type BridgeStatus string

const (
	BridgeStatusPending   BridgeStatus = "pending"
	BridgeStatusSent      BridgeStatus = "sent"
	BridgeStatusConfirmed BridgeStatus = "confirmed"
	BridgeStatusFailed    BridgeStatus = "failed"
)

// IsTerminal reports whether no further transition may leave this status.
func (s BridgeStatus) IsTerminal() bool {
	return s == BridgeStatusConfirmed || s == BridgeStatusFailed
}

type Direction string

const (
	DirectionLocalToRemote Direction = "local_to_remote"
	DirectionRemoteToLocal Direction = "remote_to_local"
)

type ParticipantRole string

const (
	RoleSender    ParticipantRole = "sender"
	RoleRecipient ParticipantRole = "recipient"
)

// BridgeRecord tracks one message's delivery across the bridge. The dedup key
// is unique across all records; a second insert with the same key is reported
// as a duplicate, never stored twice.
type BridgeRecord struct {
	ID              int64        `json:"id"`
	DedupKey        string       `json:"dedupKey"`
	ConversationID  string       `json:"conversationId"`
	Timestamp       int64        `json:"timestamp"` // origination time, epoch millis
	BodyFingerprint string       `json:"bodyFingerprint"`
	Direction       Direction    `json:"direction"`
	IsGroup         bool         `json:"isGroup"`
	Body            string       `json:"-"` // kept for retry dispatch, encrypted at rest
	LocalMsgRef     *string      `json:"localMsgRef,omitempty"`
	RemoteMsgRef    *string      `json:"remoteMsgRef,omitempty"`
	RemoteRoomRef   *string      `json:"remoteRoomRef,omitempty"`
	Status          BridgeStatus `json:"status"`
	FailureReason   *string      `json:"failureReason,omitempty"`
	RetryCount      int          `json:"retryCount"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Participant is one (message, phone number) pair. Every record has exactly
// one sender row and one or more recipient rows; rows are deleted with their
// parent record.
type Participant struct {
	ID          int64           `json:"id"`
	RecordID    int64           `json:"recordId"`
	PhoneNumber string          `json:"phoneNumber"`
	Role        ParticipantRole `json:"role"`
}

// LedgerStats is the observable counts snapshot exposed to the host app.
type LedgerStats struct {
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
}
