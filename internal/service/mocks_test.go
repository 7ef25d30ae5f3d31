package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"smsbridge/internal/models"
	mtypes "smsbridge/pkg/matrix/types"
	smstypes "smsbridge/pkg/smsgw/types"
)

// fakeDB is an in-memory DatabaseService with the same constraint
// semantics as the sqlite store: unique dedup key, unique local ref,
// immutable terminal states.
type fakeDB struct {
	mu           sync.Mutex
	nextID       int64
	records      map[string]*models.BridgeRecord
	byLocalRef   map[string]string // local ref -> dedup key
	participants map[int64][]models.Participant
	mappings     map[string]*models.RoomMapping
	byRoomID     map[string]string // room id -> conversation key
	touched      map[string]int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		records:      make(map[string]*models.BridgeRecord),
		byLocalRef:   make(map[string]string),
		participants: make(map[int64][]models.Participant),
		mappings:     make(map[string]*models.RoomMapping),
		byRoomID:     make(map[string]string),
		touched:      make(map[string]int),
	}
}

func copyRecord(rec *models.BridgeRecord) *models.BridgeRecord {
	out := *rec
	return &out
}

func (f *fakeDB) InsertBridgeRecord(ctx context.Context, rec *models.BridgeRecord, participants []models.Participant) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.records[rec.DedupKey]; exists {
		return false, nil
	}
	if rec.LocalMsgRef != nil {
		if _, exists := f.byLocalRef[*rec.LocalMsgRef]; exists {
			return false, nil
		}
	}

	f.nextID++
	rec.ID = f.nextID
	rec.Status = models.BridgeStatusPending
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	f.records[rec.DedupKey] = copyRecord(rec)
	if rec.LocalMsgRef != nil {
		f.byLocalRef[*rec.LocalMsgRef] = rec.DedupKey
	}

	stored := make([]models.Participant, len(participants))
	copy(stored, participants)
	for i := range stored {
		stored[i].RecordID = rec.ID
	}
	f.participants[rec.ID] = stored
	return true, nil
}

func (f *fakeDB) GetBridgeRecordByDedupKey(ctx context.Context, dedupKey string) (*models.BridgeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[dedupKey]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (f *fakeDB) GetBridgeRecordByLocalRef(ctx context.Context, localRef string) (*models.BridgeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.byLocalRef[localRef]
	if !ok {
		return nil, nil
	}
	return copyRecord(f.records[key]), nil
}

func (f *fakeDB) ExistsByLocalRef(ctx context.Context, localRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byLocalRef[localRef]
	return ok, nil
}

func (f *fakeDB) ConfirmBridgeRecord(ctx context.Context, dedupKey, remoteMsgRef, remoteRoomRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[dedupKey]
	if !ok {
		return fmt.Errorf("no bridge record for dedup key %s", dedupKey)
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	rec.Status = models.BridgeStatusConfirmed
	rec.RemoteMsgRef = &remoteMsgRef
	rec.RemoteRoomRef = &remoteRoomRef
	rec.UpdatedAt = time.Now()
	return nil
}

func (f *fakeDB) RecordBridgeFailure(ctx context.Context, dedupKey, reason string, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[dedupKey]
	if !ok {
		return fmt.Errorf("no bridge record for dedup key %s", dedupKey)
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	rec.RetryCount++
	rec.FailureReason = &reason
	if rec.RetryCount >= maxRetries {
		rec.Status = models.BridgeStatusFailed
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (f *fakeDB) AttachLocalRef(ctx context.Context, dedupKey, localRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[dedupKey]
	if !ok || rec.LocalMsgRef != nil {
		return nil
	}
	ref := localRef
	rec.LocalMsgRef = &ref
	f.byLocalRef[localRef] = dedupKey
	return nil
}

func (f *fakeDB) ListPendingBridgeRecords(ctx context.Context, direction *models.Direction, maxRetries int) ([]*models.BridgeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.BridgeRecord
	for _, rec := range f.records {
		if rec.Status != models.BridgeStatusPending || rec.RetryCount >= maxRetries {
			continue
		}
		if direction != nil && rec.Direction != *direction {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

func (f *fakeDB) GetParticipants(ctx context.Context, recordID int64) ([]models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Participant, len(f.participants[recordID]))
	copy(out, f.participants[recordID])
	return out, nil
}

func (f *fakeDB) CleanupConfirmedRecords(retentionDays int) error {
	return nil
}

func (f *fakeDB) LedgerStats(ctx context.Context) (models.LedgerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stats models.LedgerStats
	for _, rec := range f.records {
		switch rec.Status {
		case models.BridgeStatusPending, models.BridgeStatusSent:
			stats.Pending++
		case models.BridgeStatusConfirmed:
			stats.Confirmed++
		case models.BridgeStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (f *fakeDB) SaveRoomMapping(ctx context.Context, mapping *models.RoomMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *mapping
	f.mappings[mapping.ConversationKey] = &stored
	f.byRoomID[mapping.RemoteRoomID] = mapping.ConversationKey
	return nil
}

func (f *fakeDB) GetRoomMappingByKey(ctx context.Context, conversationKey string) (*models.RoomMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mapping, ok := f.mappings[conversationKey]
	if !ok {
		return nil, nil
	}
	out := *mapping
	return &out, nil
}

func (f *fakeDB) GetRoomMappingByRemoteRoomID(ctx context.Context, remoteRoomID string) (*models.RoomMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.byRoomID[remoteRoomID]
	if !ok {
		return nil, nil
	}
	out := *f.mappings[key]
	return &out, nil
}

func (f *fakeDB) TouchRoomMapping(ctx context.Context, conversationKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[conversationKey]++
	return nil
}

// fakeRemote is an in-memory Matrix homeserver: an alias directory shared
// between resolver instances plus a per-room send log.
type fakeRemote struct {
	mu          sync.Mutex
	nextRoom    int
	aliases     map[string]string // alias localpart -> room id
	sent        map[string][]string
	events      []mtypes.Event
	sendErr     error
	createErr   error
	createCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		aliases: make(map[string]string),
		sent:    make(map[string][]string),
	}
}

func (f *fakeRemote) SendMessage(ctx context.Context, roomID, body string) (*mtypes.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent[roomID] = append(f.sent[roomID], body)
	return &mtypes.SendResponse{EventID: fmt.Sprintf("$evt-%s-%d", roomID, len(f.sent[roomID]))}, nil
}

func (f *fakeRemote) ResolveAlias(ctx context.Context, alias string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliases[alias], nil
}

func (f *fakeRemote) CreateRoom(ctx context.Context, aliasLocalpart, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	if aliasLocalpart != "" {
		alias := "#" + aliasLocalpart + ":example.org"
		if _, taken := f.aliases[alias]; taken {
			return "", mtypes.ErrAliasInUse
		}
		f.nextRoom++
		roomID := fmt.Sprintf("!room%d:example.org", f.nextRoom)
		f.aliases[alias] = roomID
		return roomID, nil
	}
	f.nextRoom++
	return fmt.Sprintf("!room%d:example.org", f.nextRoom), nil
}

func (f *fakeRemote) ReceiveMessages(ctx context.Context, timeoutSec int) ([]mtypes.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.events
	f.events = nil
	return events, nil
}

// fakeLocal is an in-memory SMS gateway.
type fakeLocal struct {
	mu       sync.Mutex
	nextID   int
	messages map[string]smstypes.Message
	history  []smstypes.Message
	sends    [][]string
	sendErr  error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{messages: make(map[string]smstypes.Message)}
}

func (f *fakeLocal) addMessage(msg smstypes.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ID] = msg
	f.history = append(f.history, msg)
}

func (f *fakeLocal) SendText(ctx context.Context, recipients []string, body string) (*smstypes.SendTextResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	f.sends = append(f.sends, recipients)
	return &smstypes.SendTextResponse{
		MessageID: fmt.Sprintf("gw-out-%d", f.nextID),
		Status:    "queued",
	}, nil
}

func (f *fakeLocal) GetMessage(ctx context.Context, messageID string) (*smstypes.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (f *fakeLocal) ListRecentMessages(ctx context.Context, kind smstypes.MessageKind, since time.Time) ([]smstypes.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []smstypes.Message
	for _, msg := range f.history {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out, nil
}
