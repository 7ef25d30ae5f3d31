package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "smsbridge/internal/errors"
	"smsbridge/internal/metrics"
	"smsbridge/internal/models"
	"smsbridge/internal/privacy"
	mtypes "smsbridge/pkg/matrix/types"
	smstypes "smsbridge/pkg/smsgw/types"

	"github.com/sirupsen/logrus"
)

// Orchestrator wires transports, resolver and ledger into the bridge's
// message flows. Every entry point records the attempt in the ledger
// before any network send, so a crash between the two is recoverable.
type Orchestrator struct {
	ledger       LedgerService
	resolver     RoomResolverService
	local        LocalTransport
	remote       RemoteTransport
	selfNumber   string
	matrixUserID string
	logger       *logrus.Logger
}

func NewOrchestrator(ledger LedgerService, resolver RoomResolverService, local LocalTransport, remote RemoteTransport, selfNumber, matrixUserID string, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		ledger:       ledger,
		resolver:     resolver,
		local:        local,
		remote:       remote,
		selfNumber:   selfNumber,
		matrixUserID: matrixUserID,
		logger:       logger,
	}
}

// HandleGatewayEvent routes a pushed gateway event. Errors are logged,
// not returned: the ledger retains anything that needs retrying.
func (o *Orchestrator) HandleGatewayEvent(ctx context.Context, event smstypes.Event) {
	var err error
	switch event.Type {
	case smstypes.EventMessageSent:
		err = o.OnLocalMessageSent(ctx, event.Message.ID)
	case smstypes.EventMessageReceived:
		err = o.OnLocalMessage(ctx, event.Message)
	default:
		o.logger.WithField("type", event.Type).Debug("Ignoring gateway event")
		return
	}
	if err != nil {
		apperrors.LogError(o.logger, err, "Failed to handle gateway event")
	}
}

// OnLocalMessageSent bridges an SMS the user sent from the phone, looked
// up by gateway message id. Used by both the event path and the
// crash-recovery scanner; re-handling an already-bridged id is a no-op.
func (o *Orchestrator) OnLocalMessageSent(ctx context.Context, localRef string) error {
	msg, err := o.local.GetMessage(ctx, localRef)
	if err != nil {
		return apperrors.NewSMSGatewayError(err, "get message")
	}
	if msg == nil {
		return fmt.Errorf("gateway has no message %s", localRef)
	}
	return o.OnLocalMessage(ctx, *msg)
}

// OnLocalMessage bridges one SMS (sent or received) into its remote room.
func (o *Orchestrator) OnLocalMessage(ctx context.Context, msg smstypes.Message) error {
	if strings.TrimSpace(msg.Body) == "" {
		o.logger.WithField("local_ref", msg.ID).Debug("Skipping empty message")
		return nil
	}

	convID, isGroup := o.conversationID(msg.Sender, msg.Recipients)
	if convID == "" {
		return fmt.Errorf("message %s has no conversation peer", msg.ID)
	}

	rec, duplicate, err := o.ledger.RecordAttempt(ctx, AttemptInput{
		Direction:      models.DirectionLocalToRemote,
		ConversationID: convID,
		Sender:         NormalizeAddress(msg.Sender),
		Recipients:     normalizeAll(msg.Recipients),
		Body:           msg.Body,
		Timestamp:      msg.Timestamp,
		LocalRef:       msg.ID,
		IsGroup:        isGroup,
	})
	if err != nil {
		return err
	}
	if duplicate && rec.Status.IsTerminal() {
		return nil
	}
	if duplicate && rec.Status == models.BridgeStatusPending {
		// Redelivered event for a record the scheduler already owns.
		o.logger.WithField("dedup_key", rec.DedupKey).Debug("Attempt already pending, leaving to scheduler")
		return nil
	}

	return o.Dispatch(ctx, rec)
}

// OnRemoteMessage bridges a Matrix message into its SMS conversation.
// Events in unmapped rooms and the bridge user's own events are dropped.
func (o *Orchestrator) OnRemoteMessage(ctx context.Context, ev mtypes.Event) error {
	if ev.Sender == o.matrixUserID {
		return nil
	}
	if strings.TrimSpace(ev.Content.Body) == "" {
		return nil
	}

	mapping, err := o.resolver.ResolveLocal(ctx, ev.RoomID)
	if err != nil {
		return fmt.Errorf("failed to resolve room %s: %w", ev.RoomID, err)
	}
	if mapping == nil {
		o.logger.WithField("room_id", ev.RoomID).Debug("Ignoring message in unmapped room")
		return nil
	}

	rec, duplicate, err := o.ledger.RecordAttempt(ctx, AttemptInput{
		Direction:      models.DirectionRemoteToLocal,
		ConversationID: mapping.ConversationKey,
		Sender:         NormalizeAddress(o.selfNumber),
		Recipients:     mapping.Participants,
		Body:           ev.Content.Body,
		Timestamp:      ev.OriginServerTS,
		IsGroup:        mapping.IsGroup,
		RemoteMsgRef:   ev.EventID,
		RemoteRoomRef:  ev.RoomID,
	})
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}

	return o.Dispatch(ctx, rec)
}

// Dispatch performs the network send for a recorded attempt and settles
// the record. Failures increment the retry count; the record stays
// pending for the scheduler unless attempts are exhausted.
func (o *Orchestrator) Dispatch(ctx context.Context, rec *models.BridgeRecord) error {
	var err error
	switch rec.Direction {
	case models.DirectionLocalToRemote:
		err = o.dispatchToRemote(ctx, rec)
	case models.DirectionRemoteToLocal:
		err = o.dispatchToLocal(ctx, rec)
	default:
		return fmt.Errorf("unknown direction %q", rec.Direction)
	}

	if err != nil {
		metrics.IncrementCounter(metrics.BridgeFailures, map[string]string{"direction": string(rec.Direction)})
		if failErr := o.ledger.RecordFailure(ctx, rec.DedupKey, err.Error()); failErr != nil {
			o.logger.WithError(failErr).Error("Failed to record bridge failure")
		}
		return err
	}

	metrics.IncrementCounter(metrics.MessagesBridged, map[string]string{"direction": string(rec.Direction)})
	return nil
}

func (o *Orchestrator) dispatchToRemote(ctx context.Context, rec *models.BridgeRecord) error {
	sender, recipients, err := o.participantsOf(ctx, rec)
	if err != nil {
		return err
	}

	mapping, err := o.resolver.Resolve(ctx, sender, recipients, rec.Body, rec.Timestamp, rec.IsGroup)
	if err != nil {
		return fmt.Errorf("room resolution failed: %w", err)
	}

	body := rec.Body
	if o.needsSenderPrefix(mapping, sender) {
		body = sender + ": " + body
	}

	resp, err := o.remote.SendMessage(ctx, mapping.RemoteRoomID, body)
	if err != nil {
		return apperrors.NewMatrixError(err, "send message")
	}

	if err := o.ledger.Confirm(ctx, rec.DedupKey, resp.EventID, mapping.RemoteRoomID); err != nil {
		return fmt.Errorf("failed to confirm record: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"dedup_key":    rec.DedupKey,
		"conversation": privacy.MaskConversationKey(rec.ConversationID),
		"room_id":      mapping.RemoteRoomID,
	}).Info("Message bridged to remote")
	return nil
}

func (o *Orchestrator) dispatchToLocal(ctx context.Context, rec *models.BridgeRecord) error {
	_, recipients, err := o.participantsOf(ctx, rec)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return fmt.Errorf("record %s has no recipients", rec.DedupKey)
	}

	resp, err := o.local.SendText(ctx, recipients, rec.Body)
	if err != nil {
		return apperrors.NewSMSGatewayError(err, "send text")
	}

	if err := o.ledger.AttachLocalRef(ctx, rec.DedupKey, resp.MessageID); err != nil {
		o.logger.WithError(err).Warn("Failed to attach local ref")
	}

	remoteMsgRef := ""
	if rec.RemoteMsgRef != nil {
		remoteMsgRef = *rec.RemoteMsgRef
	}
	remoteRoomRef := ""
	if rec.RemoteRoomRef != nil {
		remoteRoomRef = *rec.RemoteRoomRef
	}
	if err := o.ledger.Confirm(ctx, rec.DedupKey, remoteMsgRef, remoteRoomRef); err != nil {
		return fmt.Errorf("failed to confirm record: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"dedup_key":    rec.DedupKey,
		"conversation": privacy.MaskConversationKey(rec.ConversationID),
		"local_ref":    resp.MessageID,
	}).Info("Message bridged to local")
	return nil
}

// participantsOf reloads a record's sender and recipients from the
// ledger, so retries need nothing beyond the stored record.
func (o *Orchestrator) participantsOf(ctx context.Context, rec *models.BridgeRecord) (string, []string, error) {
	parts, err := o.ledger.Participants(ctx, rec.ID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load participants: %w", err)
	}

	var sender string
	var recipients []string
	for _, p := range parts {
		switch p.Role {
		case models.RoleSender:
			sender = p.PhoneNumber
		case models.RoleRecipient:
			recipients = append(recipients, p.PhoneNumber)
		}
	}
	return sender, recipients, nil
}

// needsSenderPrefix reports whether the room carries multiple senders, in
// which case the bridged text names who wrote it.
func (o *Orchestrator) needsSenderPrefix(mapping *models.RoomMapping, sender string) bool {
	if sender == "" || sender == NormalizeAddress(o.selfNumber) {
		return false
	}
	return mapping.IsGroup || strings.HasPrefix(mapping.ConversationKey, "service:")
}

// conversationID derives the stable dedup conversation id: the normalized
// peer for one-to-one threads, the sorted peer list for groups. Gateway
// thread ids are not used, they differ across gateway reinstalls.
func (o *Orchestrator) conversationID(sender string, recipients []string) (string, bool) {
	self := NormalizeAddress(o.selfNumber)
	seen := make(map[string]bool)
	var peers []string
	for _, addr := range append([]string{sender}, recipients...) {
		n := NormalizeAddress(addr)
		if n == "" || n == self || seen[n] {
			continue
		}
		seen[n] = true
		peers = append(peers, n)
	}

	switch len(peers) {
	case 0:
		return "", false
	case 1:
		return peers[0], false
	default:
		sort.Strings(peers)
		return strings.Join(peers, ","), true
	}
}

func normalizeAll(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, NormalizeAddress(a))
	}
	return out
}
