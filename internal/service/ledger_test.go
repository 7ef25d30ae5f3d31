package service

import (
	"context"
	"testing"

	"smsbridge/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func outboundAttempt() AttemptInput {
	return AttemptInput{
		Direction:      models.DirectionLocalToRemote,
		ConversationID: "+15550199",
		Sender:         "+15550100",
		Recipients:     []string{"+15550199"},
		Body:           "Hello",
		Timestamp:      1700000000000,
		LocalRef:       "gw-msg-1",
	}
}

func TestRecordAttempt(t *testing.T) {
	db := newFakeDB()
	ledger := NewLedger(db, 5, testLogger())

	rec, duplicate, err := ledger.RecordAttempt(context.Background(), outboundAttempt())
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, models.BridgeStatusPending, rec.Status)
	assert.Len(t, rec.DedupKey, 64)
	require.NotNil(t, rec.LocalMsgRef)
	assert.Equal(t, "gw-msg-1", *rec.LocalMsgRef)

	parts, err := ledger.Participants(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, models.RoleSender, parts[0].Role)
	assert.Equal(t, "+15550100", parts[0].PhoneNumber)
	assert.Equal(t, models.RoleRecipient, parts[1].Role)
}

func TestRecordAttemptDuplicateByLocalRef(t *testing.T) {
	db := newFakeDB()
	ledger := NewLedger(db, 5, testLogger())
	ctx := context.Background()

	first, _, err := ledger.RecordAttempt(ctx, outboundAttempt())
	require.NoError(t, err)

	// Same gateway message redelivered with a drifted timestamp: the
	// local ref match wins before content keying runs.
	redelivered := outboundAttempt()
	redelivered.Timestamp = 1700000000500
	rec, duplicate, err := ledger.RecordAttempt(ctx, redelivered)
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, first.DedupKey, rec.DedupKey)
}

func TestRecordAttemptDuplicateByContent(t *testing.T) {
	db := newFakeDB()
	ledger := NewLedger(db, 5, testLogger())
	ctx := context.Background()

	first, _, err := ledger.RecordAttempt(ctx, outboundAttempt())
	require.NoError(t, err)

	// Identical content from a source without a local ref
	noRef := outboundAttempt()
	noRef.LocalRef = ""
	rec, duplicate, err := ledger.RecordAttempt(ctx, noRef)
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, first.DedupKey, rec.DedupKey)
}

func TestRecordAttemptWhitespaceInsensitive(t *testing.T) {
	db := newFakeDB()
	ledger := NewLedger(db, 5, testLogger())
	ctx := context.Background()

	first := outboundAttempt()
	first.LocalRef = ""
	_, _, err := ledger.RecordAttempt(ctx, first)
	require.NoError(t, err)

	second := outboundAttempt()
	second.LocalRef = ""
	second.Body = "  Hello "
	_, duplicate, err := ledger.RecordAttempt(ctx, second)
	require.NoError(t, err)
	assert.True(t, duplicate)
}

func TestRecordAttemptDistinctMessages(t *testing.T) {
	db := newFakeDB()
	ledger := NewLedger(db, 5, testLogger())
	ctx := context.Background()

	first := outboundAttempt()
	_, _, err := ledger.RecordAttempt(ctx, first)
	require.NoError(t, err)

	second := outboundAttempt()
	second.LocalRef = "gw-msg-2"
	second.Timestamp = 1700000001000
	_, duplicate, err := ledger.RecordAttempt(ctx, second)
	require.NoError(t, err)
	assert.False(t, duplicate)
}

func TestRecordAttemptRequiresConversationID(t *testing.T) {
	ledger := NewLedger(newFakeDB(), 5, testLogger())

	input := outboundAttempt()
	input.ConversationID = ""
	_, _, err := ledger.RecordAttempt(context.Background(), input)
	assert.Error(t, err)
}

func TestConfirmLifecycle(t *testing.T) {
	db := newFakeDB()
	ledger := NewLedger(db, 5, testLogger())
	ctx := context.Background()

	rec, _, err := ledger.RecordAttempt(ctx, outboundAttempt())
	require.NoError(t, err)

	require.NoError(t, ledger.Confirm(ctx, rec.DedupKey, "$evt-1", "!room:example.org"))

	got, err := db.GetBridgeRecordByDedupKey(ctx, rec.DedupKey)
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusConfirmed, got.Status)
	assert.Equal(t, "$evt-1", *got.RemoteMsgRef)

	pending, err := ledger.ListPending(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecordFailureExhaustion(t *testing.T) {
	db := newFakeDB()
	ledger := NewLedger(db, 2, testLogger())
	ctx := context.Background()

	rec, _, err := ledger.RecordAttempt(ctx, outboundAttempt())
	require.NoError(t, err)

	require.NoError(t, ledger.RecordFailure(ctx, rec.DedupKey, "first"))
	pending, err := ledger.ListPending(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	require.NoError(t, ledger.RecordFailure(ctx, rec.DedupKey, "second"))
	pending, err = ledger.ListPending(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := db.GetBridgeRecordByDedupKey(ctx, rec.DedupKey)
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusFailed, got.Status)
}

func TestStats(t *testing.T) {
	db := newFakeDB()
	ledger := NewLedger(db, 5, testLogger())
	ctx := context.Background()

	rec, _, err := ledger.RecordAttempt(ctx, outboundAttempt())
	require.NoError(t, err)

	second := outboundAttempt()
	second.LocalRef = "gw-msg-2"
	second.Timestamp = 1700000001000
	_, _, err = ledger.RecordAttempt(ctx, second)
	require.NoError(t, err)

	require.NoError(t, ledger.Confirm(ctx, rec.DedupKey, "$evt-1", "!room:example.org"))

	stats, err := ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Confirmed)
}
