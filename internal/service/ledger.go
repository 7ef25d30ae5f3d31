package service

import (
	"context"
	"fmt"

	"smsbridge/internal/dedup"
	"smsbridge/internal/metrics"
	"smsbridge/internal/models"
	"smsbridge/internal/privacy"

	"github.com/sirupsen/logrus"
)

// AttemptInput describes one bridge attempt before it is recorded.
type AttemptInput struct {
	Direction      models.Direction
	ConversationID string
	Sender         string
	Recipients     []string
	Body           string
	Timestamp      int64 // epoch millis
	LocalRef       string
	IsGroup        bool

	// Set on remote-to-local attempts, where the remote side is already
	// known at record time.
	RemoteMsgRef  string
	RemoteRoomRef string
}

// Ledger owns the bridge record lifecycle. Dedup keys and the database's
// unique constraints make recording idempotent; everything else in the
// bridge leans on that.
type Ledger struct {
	db         DatabaseService
	maxRetries int
	logger     *logrus.Logger
}

func NewLedger(db DatabaseService, maxRetries int, logger *logrus.Logger) *Ledger {
	return &Ledger{
		db:         db,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// RecordAttempt registers a bridge attempt. Returns the record and whether
// it was a duplicate of an already-recorded attempt. A local message ref
// match is authoritative and short-circuits content keying; two distinct
// gateway messages with identical content in the same millisecond still
// collapse to one record by content key.
func (l *Ledger) RecordAttempt(ctx context.Context, input AttemptInput) (*models.BridgeRecord, bool, error) {
	if input.ConversationID == "" {
		return nil, false, fmt.Errorf("conversation id is required")
	}

	if input.LocalRef != "" {
		existing, err := l.db.GetBridgeRecordByLocalRef(ctx, input.LocalRef)
		if err != nil {
			return nil, false, fmt.Errorf("failed to check local ref: %w", err)
		}
		if existing != nil {
			metrics.IncrementCounter(metrics.DuplicatesSuppressed, map[string]string{"match": "local_ref"})
			return existing, true, nil
		}
	}

	dedupKey := dedup.GenerateKey(input.ConversationID, input.Timestamp, input.Body)

	rec := &models.BridgeRecord{
		DedupKey:        dedupKey,
		ConversationID:  input.ConversationID,
		Timestamp:       input.Timestamp,
		BodyFingerprint: dedup.BodyFingerprint(input.Body),
		Direction:       input.Direction,
		IsGroup:         input.IsGroup,
		Body:            input.Body,
		Status:          models.BridgeStatusPending,
	}
	if input.LocalRef != "" {
		ref := input.LocalRef
		rec.LocalMsgRef = &ref
	}
	if input.RemoteMsgRef != "" {
		ref := input.RemoteMsgRef
		rec.RemoteMsgRef = &ref
	}
	if input.RemoteRoomRef != "" {
		ref := input.RemoteRoomRef
		rec.RemoteRoomRef = &ref
	}

	participants := make([]models.Participant, 0, len(input.Recipients)+1)
	if input.Sender != "" {
		participants = append(participants, models.Participant{
			PhoneNumber: input.Sender,
			Role:        models.RoleSender,
		})
	}
	for _, r := range input.Recipients {
		participants = append(participants, models.Participant{
			PhoneNumber: r,
			Role:        models.RoleRecipient,
		})
	}

	inserted, err := l.db.InsertBridgeRecord(ctx, rec, participants)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert bridge record: %w", err)
	}
	if !inserted {
		existing, err := l.db.GetBridgeRecordByDedupKey(ctx, dedupKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load duplicate record: %w", err)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("insert reported duplicate but no record for dedup key %s", dedupKey)
		}
		metrics.IncrementCounter(metrics.DuplicatesSuppressed, map[string]string{"match": "dedup_key"})
		l.logger.WithFields(logrus.Fields{
			"dedup_key":    dedupKey,
			"conversation": privacy.MaskConversationKey(input.ConversationID),
		}).Debug("Duplicate bridge attempt suppressed")
		return existing, true, nil
	}

	return rec, false, nil
}

// Confirm marks a record delivered. Confirming an already-terminal record
// is a no-op; an unknown dedup key is an error.
func (l *Ledger) Confirm(ctx context.Context, dedupKey, remoteMsgRef, remoteRoomRef string) error {
	return l.db.ConfirmBridgeRecord(ctx, dedupKey, remoteMsgRef, remoteRoomRef)
}

// RecordFailure bumps the retry count and moves the record to failed when
// attempts are exhausted.
func (l *Ledger) RecordFailure(ctx context.Context, dedupKey, reason string) error {
	return l.db.RecordBridgeFailure(ctx, dedupKey, reason, l.maxRetries)
}

// AttachLocalRef backfills the gateway message id on a record created
// before the gateway assigned one.
func (l *Ledger) AttachLocalRef(ctx context.Context, dedupKey, localRef string) error {
	return l.db.AttachLocalRef(ctx, dedupKey, localRef)
}

// ListPending returns retryable records, oldest first. Records at the
// retry limit are excluded.
func (l *Ledger) ListPending(ctx context.Context, direction *models.Direction) ([]*models.BridgeRecord, error) {
	return l.db.ListPendingBridgeRecords(ctx, direction, l.maxRetries)
}

func (l *Ledger) ExistsByLocalRef(ctx context.Context, localRef string) (bool, error) {
	return l.db.ExistsByLocalRef(ctx, localRef)
}

func (l *Ledger) Participants(ctx context.Context, recordID int64) ([]models.Participant, error) {
	return l.db.GetParticipants(ctx, recordID)
}

func (l *Ledger) Stats(ctx context.Context) (models.LedgerStats, error) {
	return l.db.LedgerStats(ctx)
}
