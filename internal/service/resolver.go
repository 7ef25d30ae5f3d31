package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"smsbridge/internal/constants"
	apperrors "smsbridge/internal/errors"
	"smsbridge/internal/metrics"
	"smsbridge/internal/models"
	"smsbridge/internal/privacy"
	mtypes "smsbridge/pkg/matrix/types"

	"github.com/sirupsen/logrus"
)

// RoomResolver maps conversation keys to remote rooms, creating rooms on
// first contact. Alias claiming through the homeserver directory is the
// convergence mechanism across bridge instances.
type RoomResolver struct {
	db              DatabaseService
	remote          RemoteTransport
	classifier      ServiceClassifier
	selfNumber      string
	domain          string
	aliasPrefix     string
	groupShortCodes bool
	logger          *logrus.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock serializes resolution per conversation key. Entries are
// refcounted and dropped from the map once the last holder releases, so
// the map stays bounded by in-flight resolutions.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewRoomResolver(db DatabaseService, remote RemoteTransport, classifier ServiceClassifier, selfNumber, domain, aliasPrefix string, groupShortCodes bool, logger *logrus.Logger) *RoomResolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RoomResolver{
		db:              db,
		remote:          remote,
		classifier:      classifier,
		selfNumber:      selfNumber,
		domain:          domain,
		aliasPrefix:     aliasPrefix,
		groupShortCodes: groupShortCodes,
		logger:          logger,
		locks:           make(map[string]*keyLock),
	}
}

// NormalizeAddress canonicalizes a phone-like address. E.164 numbers and
// short codes come out as bare digits (with leading + for E.164);
// anything else passes through unchanged so alphanumeric sender ids
// survive.
func NormalizeAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, trimmed)

	if strings.HasPrefix(stripped, "+") && isAllDigits(stripped[1:]) && len(stripped) > 1 {
		return stripped
	}
	if isAllDigits(stripped) && len(stripped) >= constants.MinShortCodeDigits {
		if len(stripped) <= constants.MaxShortCodeDigits {
			return stripped
		}
		return "+" + stripped
	}
	return trimmed
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isShortCode(addr string) bool {
	return isAllDigits(addr) &&
		len(addr) >= constants.MinShortCodeDigits &&
		len(addr) <= constants.MaxShortCodeDigits
}

// MappingKey derives the room-mapping key for a message. Short-code
// senders collapse to service:<key> when grouping is enabled, so all of
// a service's rotating short codes share one room.
func (r *RoomResolver) MappingKey(sender string, recipients []string, body string, timestamp int64, isGroup bool) string {
	key, _, _ := r.resolveKey(sender, recipients, body, timestamp, isGroup)
	return key
}

// resolveKey returns the mapping key, a human-readable room name, and the
// peer addresses the key covers.
func (r *RoomResolver) resolveKey(sender string, recipients []string, body string, timestamp int64, isGroup bool) (string, string, []string) {
	peers := r.peersOf(sender, recipients)

	if isGroup || len(peers) > 1 {
		sorted := append([]string(nil), peers...)
		sort.Strings(sorted)
		return "group:" + strings.Join(sorted, ","), "SMS group " + strings.Join(sorted, ", "), peers
	}

	peer := ""
	if len(peers) == 1 {
		peer = peers[0]
	}

	if r.groupShortCodes && r.classifier != nil && isShortCode(peer) {
		c := r.classifier.Classify(peer, body, timestamp)
		return "service:" + c.ServiceKey, c.ServiceName, peers
	}

	return peer, "SMS " + peer, peers
}

func (r *RoomResolver) peersOf(sender string, recipients []string) []string {
	self := NormalizeAddress(r.selfNumber)
	seen := make(map[string]bool)
	var peers []string

	add := func(addr string) {
		n := NormalizeAddress(addr)
		if n == "" || n == self || seen[n] {
			return
		}
		seen[n] = true
		peers = append(peers, n)
	}

	add(sender)
	for _, rcpt := range recipients {
		add(rcpt)
	}
	return peers
}

// Resolve returns the room mapping for a message, creating the remote
// room when no mapping exists. Concurrent resolutions of the same key are
// serialized locally; across instances the alias directory arbitrates.
func (r *RoomResolver) Resolve(ctx context.Context, sender string, recipients []string, body string, timestamp int64, isGroup bool) (*models.RoomMapping, error) {
	key, name, peers := r.resolveKey(sender, recipients, body, timestamp, isGroup)
	if key == "" {
		return nil, apperrors.New(apperrors.ErrCodeResolutionFailed, "no conversation peer to resolve")
	}

	unlock := r.lockKey(key)
	defer unlock()

	mapping, err := r.db.GetRoomMappingByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load room mapping: %w", err)
	}
	if mapping != nil {
		if err := r.db.TouchRoomMapping(ctx, key); err != nil {
			r.logger.WithError(err).Warn("Failed to touch room mapping")
		}
		return mapping, nil
	}

	localpart := r.aliasLocalpart(key)
	alias := fmt.Sprintf("#%s:%s", localpart, r.domain)

	roomID, err := r.remote.ResolveAlias(ctx, alias)
	if err != nil {
		return nil, apperrors.NewMatrixError(err, "resolve alias")
	}
	aliasUsed := alias
	if roomID == "" {
		roomID, aliasUsed, err = r.createRoom(ctx, localpart, alias, name)
		if err != nil {
			return nil, err
		}
	}

	mapping = &models.RoomMapping{
		ConversationKey: key,
		Participants:    peers,
		RemoteRoomID:    roomID,
		IsGroup:         isGroup || len(peers) > 1,
	}
	if aliasUsed != "" {
		a := aliasUsed
		mapping.RemoteAlias = &a
	}
	if err := r.db.SaveRoomMapping(ctx, mapping); err != nil {
		return nil, fmt.Errorf("failed to save room mapping: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"key":     privacy.MaskConversationKey(key),
		"room_id": roomID,
	}).Info("Room mapping established")
	return mapping, nil
}

// createRoom claims the alias, falling back to the directory when another
// instance wins the race, and to an unaliased room as the last resort.
func (r *RoomResolver) createRoom(ctx context.Context, localpart, alias, name string) (string, string, error) {
	roomID, err := r.remote.CreateRoom(ctx, localpart, name)
	if err == nil {
		metrics.IncrementCounter(metrics.RoomsCreated, map[string]string{"aliased": "true"})
		return roomID, alias, nil
	}
	if !errors.Is(err, mtypes.ErrAliasInUse) {
		return "", "", apperrors.NewMatrixError(err, "create room")
	}

	// Lost the race: the winner's room should now be resolvable.
	roomID, resolveErr := r.remote.ResolveAlias(ctx, alias)
	if resolveErr == nil && roomID != "" {
		return roomID, alias, nil
	}

	// Alias claimed but unresolvable. An unaliased room keeps messages
	// flowing at the cost of possible divergence between instances.
	r.logger.WithField("alias", alias).Warn("Alias in use but unresolvable, creating unaliased room")
	roomID, err = r.remote.CreateRoom(ctx, "", name)
	if err != nil {
		return "", "", apperrors.NewMatrixError(err, "create unaliased room")
	}
	metrics.IncrementCounter(metrics.RoomsCreated, map[string]string{"aliased": "false"})
	return roomID, "", nil
}

// ResolveLocal finds the conversation a remote room bridges to. Returns
// nil when the room is unmapped.
func (r *RoomResolver) ResolveLocal(ctx context.Context, remoteRoomID string) (*models.RoomMapping, error) {
	return r.db.GetRoomMappingByRemoteRoomID(ctx, remoteRoomID)
}

// aliasLocalpart turns a mapping key into a deterministic alias localpart,
// e.g. "+15550100" -> "sms_15550100", "service:google_verify" ->
// "sms_svc_google_verify".
func (r *RoomResolver) aliasLocalpart(key string) string {
	slug := strings.ToLower(key)
	slug = strings.TrimPrefix(slug, "+")
	slug = strings.ReplaceAll(slug, "service:", "svc_")
	slug = strings.ReplaceAll(slug, "group:", "grp_")
	slug = strings.Map(func(c rune) rune {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			return c
		}
		return '_'
	}, slug)
	return r.aliasPrefix + "_" + slug
}

func (r *RoomResolver) lockKey(key string) func() {
	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &keyLock{}
		r.locks[key] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}
