package service

import (
	"context"
	"testing"

	"smsbridge/internal/classify"
	"smsbridge/internal/models"
	mtypes "smsbridge/pkg/matrix/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(db DatabaseService, remote RemoteTransport, classifier ServiceClassifier, groupShortCodes bool) *RoomResolver {
	return NewRoomResolver(db, remote, classifier, "+15550100", "example.org", "sms", groupShortCodes, testLogger())
}

func shortCodeClassifier(t *testing.T) *classify.Classifier {
	t.Helper()
	c, err := classify.NewClassifier([]models.ClassificationRule{
		{
			ServiceKey:           "google_verify",
			ServiceName:          "Google Verification",
			ShortSenderWhitelist: []string{"83687", "22000"},
			Patterns: []models.ClassificationPattern{
				{Regex: `verification code`, Confidence: 0.95},
			},
		},
	}, 0.7)
	require.NoError(t, err)
	return c
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"+15550100", "+15550100"},
		{"+1 (555) 010-0123", "+15550100123"},
		{"15550100123", "+15550100123"},
		{"83687", "83687"},
		{"12", "12"},
		{"GOOGLE", "GOOGLE"},
		{" +15550100 ", "+15550100"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeAddress(tt.input))
		})
	}
}

func TestResolveCreatesAliasedRoom(t *testing.T) {
	db := newFakeDB()
	remote := newFakeRemote()
	resolver := newTestResolver(db, remote, nil, false)

	mapping, err := resolver.Resolve(context.Background(), "+15550199", []string{"+15550100"}, "Hi", 1700000000000, false)
	require.NoError(t, err)
	assert.Equal(t, "+15550199", mapping.ConversationKey)
	assert.NotEmpty(t, mapping.RemoteRoomID)
	require.NotNil(t, mapping.RemoteAlias)
	assert.Equal(t, "#sms_15550199:example.org", *mapping.RemoteAlias)
}

func TestResolveReusesMapping(t *testing.T) {
	db := newFakeDB()
	remote := newFakeRemote()
	resolver := newTestResolver(db, remote, nil, false)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "+15550199", []string{"+15550100"}, "Hi", 1700000000000, false)
	require.NoError(t, err)

	second, err := resolver.Resolve(ctx, "+15550199", []string{"+15550100"}, "Again", 1700000005000, false)
	require.NoError(t, err)

	assert.Equal(t, first.RemoteRoomID, second.RemoteRoomID)
	assert.Equal(t, 1, remote.createCalls)
	assert.Equal(t, 1, db.touched["+15550199"])
}

func TestResolveDirectionSymmetric(t *testing.T) {
	db := newFakeDB()
	remote := newFakeRemote()
	resolver := newTestResolver(db, remote, nil, false)
	ctx := context.Background()

	// Inbound: peer is the sender. Outbound: peer is the recipient.
	inbound, err := resolver.Resolve(ctx, "+15550199", []string{"+15550100"}, "Hi", 1700000000000, false)
	require.NoError(t, err)
	outbound, err := resolver.Resolve(ctx, "+15550100", []string{"+15550199"}, "Reply", 1700000001000, false)
	require.NoError(t, err)

	assert.Equal(t, inbound.RemoteRoomID, outbound.RemoteRoomID)
}

func TestResolveConvergesAcrossInstances(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	// Two bridge instances with separate databases share the homeserver
	resolverA := newTestResolver(newFakeDB(), remote, nil, false)
	resolverB := newTestResolver(newFakeDB(), remote, nil, false)

	a, err := resolverA.Resolve(ctx, "+15550199", []string{"+15550100"}, "Hi", 1700000000000, false)
	require.NoError(t, err)
	b, err := resolverB.Resolve(ctx, "+15550199", []string{"+15550100"}, "Hi again", 1700000001000, false)
	require.NoError(t, err)

	assert.Equal(t, a.RemoteRoomID, b.RemoteRoomID, "alias directory should arbitrate to one room")
	assert.Equal(t, 1, remote.createCalls)
}

func TestResolveGroupsShortCodesByService(t *testing.T) {
	db := newFakeDB()
	remote := newFakeRemote()
	resolver := newTestResolver(db, remote, shortCodeClassifier(t), true)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "83687", []string{"+15550100"}, "Your verification code is 111", 1700000000000, false)
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, "22000", []string{"+15550100"}, "Your verification code is 222", 1700000001000, false)
	require.NoError(t, err)

	assert.Equal(t, "service:google_verify", first.ConversationKey)
	assert.Equal(t, first.RemoteRoomID, second.RemoteRoomID, "both short codes belong to one service room")
}

func TestResolveShortCodeWithoutMatchGetsOwnRoom(t *testing.T) {
	db := newFakeDB()
	remote := newFakeRemote()
	resolver := newTestResolver(db, remote, shortCodeClassifier(t), true)
	ctx := context.Background()

	known, err := resolver.Resolve(ctx, "83687", []string{"+15550100"}, "Your verification code is 111", 1700000000000, false)
	require.NoError(t, err)
	unknown, err := resolver.Resolve(ctx, "40404", []string{"+15550100"}, "Totally different", 1700000001000, false)
	require.NoError(t, err)

	assert.Equal(t, "service:unknown_40404", unknown.ConversationKey)
	assert.NotEqual(t, known.RemoteRoomID, unknown.RemoteRoomID)
}

func TestResolveGroupConversation(t *testing.T) {
	db := newFakeDB()
	remote := newFakeRemote()
	resolver := newTestResolver(db, remote, nil, false)
	ctx := context.Background()

	// Peer order must not matter
	first, err := resolver.Resolve(ctx, "+15550201", []string{"+15550100", "+15550202"}, "Hi all", 1700000000000, true)
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, "+15550202", []string{"+15550100", "+15550201"}, "Hello", 1700000001000, true)
	require.NoError(t, err)

	assert.True(t, first.IsGroup)
	assert.Equal(t, "group:+15550201,+15550202", first.ConversationKey)
	assert.Equal(t, first.RemoteRoomID, second.RemoteRoomID)
}

func TestResolveAliasInUseFallsBackToDirectory(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	// Another instance already claimed the alias
	winner := newTestResolver(newFakeDB(), remote, nil, false)
	w, err := winner.Resolve(ctx, "+15550199", []string{"+15550100"}, "Hi", 1700000000000, false)
	require.NoError(t, err)

	loser := newTestResolver(newFakeDB(), remote, nil, false)
	l, err := loser.Resolve(ctx, "+15550199", []string{"+15550100"}, "Hi", 1700000001000, false)
	require.NoError(t, err)
	assert.Equal(t, w.RemoteRoomID, l.RemoteRoomID)
}

// racingRemote reports the alias as absent once, forcing the resolver
// into the create path after another instance claimed it.
type racingRemote struct {
	*fakeRemote
	missFirstResolve bool
}

func (r *racingRemote) ResolveAlias(ctx context.Context, alias string) (string, error) {
	if r.missFirstResolve {
		r.missFirstResolve = false
		return "", nil
	}
	return r.fakeRemote.ResolveAlias(ctx, alias)
}

func TestResolveLosesAliasRace(t *testing.T) {
	shared := newFakeRemote()
	ctx := context.Background()

	winner := newTestResolver(newFakeDB(), shared, nil, false)
	w, err := winner.Resolve(ctx, "+15550199", []string{"+15550100"}, "Hi", 1700000000000, false)
	require.NoError(t, err)

	// Loser sees a stale directory, tries to create, collides, re-resolves
	loser := newTestResolver(newFakeDB(), &racingRemote{fakeRemote: shared, missFirstResolve: true}, nil, false)
	l, err := loser.Resolve(ctx, "+15550199", []string{"+15550100"}, "Hi", 1700000001000, false)
	require.NoError(t, err)
	assert.Equal(t, w.RemoteRoomID, l.RemoteRoomID)
}

// brokenDirectoryRemote claims the alias is taken but never resolves it.
type brokenDirectoryRemote struct {
	*fakeRemote
}

func (r *brokenDirectoryRemote) ResolveAlias(ctx context.Context, alias string) (string, error) {
	return "", nil
}

func (r *brokenDirectoryRemote) CreateRoom(ctx context.Context, aliasLocalpart, name string) (string, error) {
	if aliasLocalpart != "" {
		return "", mtypes.ErrAliasInUse
	}
	return r.fakeRemote.CreateRoom(ctx, "", name)
}

func TestResolveFallsBackToUnaliasedRoom(t *testing.T) {
	db := newFakeDB()
	resolver := newTestResolver(db, &brokenDirectoryRemote{fakeRemote: newFakeRemote()}, nil, false)

	mapping, err := resolver.Resolve(context.Background(), "+15550199", []string{"+15550100"}, "Hi", 1700000000000, false)
	require.NoError(t, err)
	assert.NotEmpty(t, mapping.RemoteRoomID)
	assert.Nil(t, mapping.RemoteAlias)
}

func TestResolveLocal(t *testing.T) {
	db := newFakeDB()
	remote := newFakeRemote()
	resolver := newTestResolver(db, remote, nil, false)
	ctx := context.Background()

	mapping, err := resolver.Resolve(ctx, "+15550199", []string{"+15550100"}, "Hi", 1700000000000, false)
	require.NoError(t, err)

	back, err := resolver.ResolveLocal(ctx, mapping.RemoteRoomID)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, "+15550199", back.ConversationKey)

	missing, err := resolver.ResolveLocal(ctx, "!unmapped:example.org")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestResolveNoPeer(t *testing.T) {
	resolver := newTestResolver(newFakeDB(), newFakeRemote(), nil, false)

	// Only the bridge's own number appears
	_, err := resolver.Resolve(context.Background(), "+15550100", []string{"+15550100"}, "Hi", 1700000000000, false)
	assert.Error(t, err)
}

func TestResolveReleasesKeyLocks(t *testing.T) {
	db := newFakeDB()
	remote := newFakeRemote()
	resolver := newTestResolver(db, remote, nil, false)
	ctx := context.Background()

	for _, peer := range []string{"+15550199", "+15550201", "+15550202"} {
		_, err := resolver.Resolve(ctx, peer, []string{"+15550100"}, "hi", 1700000000000, false)
		require.NoError(t, err)
	}

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := resolver.Resolve(ctx, "+15550300", []string{"+15550100"}, "hi", 1700000000000, false)
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	assert.Empty(t, resolver.locks, "key locks should be released after resolution")
}

func TestMappingKeyDeterministic(t *testing.T) {
	resolver := newTestResolver(newFakeDB(), newFakeRemote(), nil, false)

	key := resolver.MappingKey("+1 (555) 010-0199", []string{"+15550100"}, "Hi", 1700000000000, false)
	assert.Equal(t, "+15550100199", key)
}
