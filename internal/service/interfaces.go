package service

import (
	"context"
	"time"

	"smsbridge/internal/classify"
	"smsbridge/internal/models"
	mtypes "smsbridge/pkg/matrix/types"
	smstypes "smsbridge/pkg/smsgw/types"
)

// LocalTransport is the SMS gateway surface the bridge consumes.
type LocalTransport interface {
	SendText(ctx context.Context, recipients []string, body string) (*smstypes.SendTextResponse, error)
	GetMessage(ctx context.Context, messageID string) (*smstypes.Message, error)
	ListRecentMessages(ctx context.Context, kind smstypes.MessageKind, since time.Time) ([]smstypes.Message, error)
}

// RemoteTransport is the Matrix homeserver surface the bridge consumes.
type RemoteTransport interface {
	SendMessage(ctx context.Context, roomID, body string) (*mtypes.SendResponse, error)
	ResolveAlias(ctx context.Context, alias string) (string, error)
	CreateRoom(ctx context.Context, aliasLocalpart, name string) (string, error)
	ReceiveMessages(ctx context.Context, timeoutSec int) ([]mtypes.Event, error)
}

// DatabaseService is the persistence surface the bridge consumes.
type DatabaseService interface {
	InsertBridgeRecord(ctx context.Context, rec *models.BridgeRecord, participants []models.Participant) (bool, error)
	GetBridgeRecordByDedupKey(ctx context.Context, dedupKey string) (*models.BridgeRecord, error)
	GetBridgeRecordByLocalRef(ctx context.Context, localRef string) (*models.BridgeRecord, error)
	ExistsByLocalRef(ctx context.Context, localRef string) (bool, error)
	ConfirmBridgeRecord(ctx context.Context, dedupKey, remoteMsgRef, remoteRoomRef string) error
	RecordBridgeFailure(ctx context.Context, dedupKey, reason string, maxRetries int) error
	AttachLocalRef(ctx context.Context, dedupKey, localRef string) error
	ListPendingBridgeRecords(ctx context.Context, direction *models.Direction, maxRetries int) ([]*models.BridgeRecord, error)
	GetParticipants(ctx context.Context, recordID int64) ([]models.Participant, error)
	CleanupConfirmedRecords(retentionDays int) error
	LedgerStats(ctx context.Context) (models.LedgerStats, error)

	SaveRoomMapping(ctx context.Context, mapping *models.RoomMapping) error
	GetRoomMappingByKey(ctx context.Context, conversationKey string) (*models.RoomMapping, error)
	GetRoomMappingByRemoteRoomID(ctx context.Context, remoteRoomID string) (*models.RoomMapping, error)
	TouchRoomMapping(ctx context.Context, conversationKey string) error
}

// ServiceClassifier groups automated-service senders into stable keys.
type ServiceClassifier interface {
	Classify(shortSenderID, body string, timestamp int64) classify.Classification
}

// LedgerService is the exactly-once bookkeeping surface.
type LedgerService interface {
	RecordAttempt(ctx context.Context, input AttemptInput) (*models.BridgeRecord, bool, error)
	Confirm(ctx context.Context, dedupKey, remoteMsgRef, remoteRoomRef string) error
	RecordFailure(ctx context.Context, dedupKey, reason string) error
	AttachLocalRef(ctx context.Context, dedupKey, localRef string) error
	ListPending(ctx context.Context, direction *models.Direction) ([]*models.BridgeRecord, error)
	ExistsByLocalRef(ctx context.Context, localRef string) (bool, error)
	Participants(ctx context.Context, recordID int64) ([]models.Participant, error)
	Stats(ctx context.Context) (models.LedgerStats, error)
}

// RoomResolverService maps conversations to remote rooms and back.
type RoomResolverService interface {
	Resolve(ctx context.Context, sender string, recipients []string, body string, timestamp int64, isGroup bool) (*models.RoomMapping, error)
	ResolveLocal(ctx context.Context, remoteRoomID string) (*models.RoomMapping, error)
	MappingKey(sender string, recipients []string, body string, timestamp int64, isGroup bool) string
}
