package activitypub

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertEdge(t *testing.T, env *testEnv, local, remote string, dir domain.Direction, state domain.FollowState) {
	t.Helper()
	now := time.Now()
	created, err := env.db.InsertFollow(context.Background(), &domain.FollowRelationship{
		LocalActorID:   local,
		RemoteActorURI: remote,
		Direction:      dir,
		State:          state,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func storeActor(t *testing.T, env *testEnv, uri string) *domain.RemoteActor {
	t.Helper()
	env.serveActor(t, uri)
	actor, err := env.fed.Actors.FetchOrCreate(context.Background(), uri)
	require.NoError(t, err)
	return actor
}

func signedSyncHeader(value string, covered bool) http.Header {
	h := http.Header{}
	headers := "(request-target) host date digest"
	if covered {
		headers += " collection-synchronization"
	}
	h.Set("Signature", `keyId="`+bobURI+`#main-key",algorithm="rsa-sha256",headers="`+headers+`",signature="abc"`)
	h.Set(SyncHeaderName, value)
	return h
}

func TestOutboundHeader(t *testing.T) {
	env := newTestEnv(t, testConf())
	ctx := context.Background()
	storeActor(t, env, bobURI)
	insertEdge(t, env, "alice", bobURI, domain.DirectionFollower, domain.FollowAccepted)

	value, ok := env.fed.Sync.OutboundHeader(ctx, "alice", remoteBase+"/inbox")
	require.True(t, ok)
	header, err := ParseSyncHeader(value)
	require.NoError(t, err)
	assert.Equal(t, testLocal.FollowersURI("alice"), header.CollectionID)
	assert.Equal(t, testLocal.FollowersSyncURI("alice", remoteBase), header.URL)
	assert.Equal(t, Digest([]string{bobURI}), header.Digest)

	_, ok = env.fed.Sync.OutboundHeader(ctx, "alice", remoteBase+"/inbox")
	assert.False(t, ok, "second header inside the window")

	env.fed.Sync.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, ok = env.fed.Sync.OutboundHeader(ctx, "alice", bobURI+"/inbox")
	assert.True(t, ok, "window reopened")
}

func TestOutboundHeaderOmitted(t *testing.T) {
	env := newTestEnv(t, testConf())
	ctx := context.Background()
	storeActor(t, env, bobURI)
	insertEdge(t, env, "zoe", bobURI, domain.DirectionFollower, domain.FollowAccepted)
	insertEdge(t, env, "alice", bobURI, domain.DirectionFollower, domain.FollowPending)

	_, ok := env.fed.Sync.OutboundHeader(ctx, "zoe", remoteBase+"/inbox")
	assert.False(t, ok, "no key for zoe")

	_, ok = env.fed.Sync.OutboundHeader(ctx, "alice", remoteBase+"/inbox")
	assert.False(t, ok, "no accepted followers on the authority")

	_, ok = env.fed.Sync.OutboundHeader(ctx, "alice", "not a url")
	assert.False(t, ok)
}

func TestPublishAttachesSyncHeader(t *testing.T) {
	env := newTestEnv(t, testConf())
	ctx := context.Background()
	storeActor(t, env, bobURI)
	storeActor(t, env, carolURI)
	insertEdge(t, env, "alice", bobURI, domain.DirectionFollower, domain.FollowAccepted)
	insertEdge(t, env, "alice", carolURI, domain.DirectionFollower, domain.FollowAccepted)

	create := map[string]any{
		"object": map[string]any{"id": localBase + "/posts/1", "type": "Note", "content": "hi"},
		"to":     []string{PublicCollection},
	}
	require.NoError(t, env.fed.Publish(ctx, "alice", create))

	require.Len(t, env.deliverer.items, 1, "followers share one inbox")
	item := env.deliverer.items[0]
	assert.Equal(t, remoteBase+"/inbox", item.InboxURL)
	header, err := ParseSyncHeader(item.Headers[SyncHeaderName])
	require.NoError(t, err)
	assert.Equal(t, Digest([]string{bobURI, carolURI}), header.Digest)

	assert.NotContains(t, create, "id", "caller's map is left untouched")
	assert.NotContains(t, create, "actor")
	sent := env.deliverer.activities(t, "Create")
	require.Len(t, sent, 1)
	assert.Equal(t, testLocal.ActorURI("alice"), sent[0]["actor"])
	assert.NotEmpty(t, sent[0]["id"])
}

func TestHandleInboundChecks(t *testing.T) {
	env := newTestEnv(t, testConf())
	ctx := context.Background()
	bob := storeActor(t, env, bobURI)
	insertEdge(t, env, "alice", bobURI, domain.DirectionFollowing, domain.FollowAccepted)

	valid := SyncHeader{
		CollectionID: bobURI + "/followers",
		URL:          bobURI + "/followers/sync",
		Digest:       Digest([]string{testLocal.ActorURI("alice"), testLocal.ActorURI("dave")}),
	}

	tests := []struct {
		name   string
		header http.Header
		err    error
	}{
		{"unsigned header", signedSyncHeader(valid.String(), false), errSyncUnsigned},
		{"foreign collection", signedSyncHeader(SyncHeader{
			CollectionID: carolURI + "/followers", URL: valid.URL, Digest: valid.Digest,
		}.String(), true), errSyncCollectionMismatch},
		{"spoofed url", signedSyncHeader(SyncHeader{
			CollectionID: valid.CollectionID, URL: "https://evil.example/sync", Digest: valid.Digest,
		}.String(), true), errSyncAuthorityMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, env.fed.Sync.HandleInbound(ctx, bob, tt.header), tt.err)
		})
	}

	tasks, err := env.db.ReadTasksByName(ctx, TaskReconcileFollowers)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// no header at all
	require.NoError(t, env.fed.Sync.HandleInbound(ctx, bob, http.Header{}))
}

func TestHandleInboundSchedulesOncePerWindow(t *testing.T) {
	env := newTestEnv(t, testConf())
	ctx := context.Background()
	bob := storeActor(t, env, bobURI)
	insertEdge(t, env, "alice", bobURI, domain.DirectionFollowing, domain.FollowAccepted)

	matching := SyncHeader{
		CollectionID: bobURI + "/followers",
		URL:          bobURI + "/followers/sync",
		Digest:       Digest([]string{testLocal.ActorURI("alice")}),
	}
	require.NoError(t, env.fed.Sync.HandleInbound(ctx, bob, signedSyncHeader(matching.String(), true)))
	tasks, err := env.db.ReadTasksByName(ctx, TaskReconcileFollowers)
	require.NoError(t, err)
	assert.Empty(t, tasks, "digests agree")

	differing := matching
	differing.Digest = Digest([]string{testLocal.ActorURI("alice"), testLocal.ActorURI("dave")})
	for i := 0; i < 3; i++ {
		require.NoError(t, env.fed.Sync.HandleInbound(ctx, bob, signedSyncHeader(differing.String(), true)))
	}
	tasks, err = env.db.ReadTasksByName(ctx, TaskReconcileFollowers)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestReconcileConverges(t *testing.T) {
	env := newTestEnv(t, testConf())
	ctx := context.Background()
	storeActor(t, env, bobURI)

	// A accepted, B accepted, C pending; remote lists {A, C}
	insertEdge(t, env, "alice", bobURI, domain.DirectionFollowing, domain.FollowAccepted)
	insertEdge(t, env, "erin", bobURI, domain.DirectionFollowing, domain.FollowAccepted)
	insertEdge(t, env, "dave", bobURI, domain.DirectionFollowing, domain.FollowPending)
	// edges towards other actors are out of scope
	insertEdge(t, env, "erin", carolURI, domain.DirectionFollowing, domain.FollowAccepted)

	syncURL := bobURI + "/followers/sync?authority=" + localBase
	env.fetcher.serve(t, syncURL, map[string]any{
		"id":   syncURL,
		"type": "OrderedCollection",
		"orderedItems": []string{
			testLocal.ActorURI("alice"),
			testLocal.ActorURI("dave"),
			testLocal.ActorURI("frank"),
			"https://elsewhere.example/users/x",
		},
	})

	err := env.fed.Sync.Reconcile(ctx, ReconcileTask{RemoteActorURI: bobURI, CollectionID: bobURI + "/followers", URL: syncURL})
	require.NoError(t, err)

	page, err := env.fed.Follows.List(ctx, domain.FollowQuery{Direction: domain.DirectionFollowing})
	require.NoError(t, err)
	states := make(map[string]domain.FollowState)
	for _, e := range page.Items {
		if e.RemoteActorURI == bobURI {
			states[e.LocalActorID] = e.State
		}
	}
	assert.Equal(t, map[string]domain.FollowState{
		"alice": domain.FollowAccepted,
		"dave":  domain.FollowAccepted,
	}, states)

	_, err = env.fed.Follows.Get(ctx, "erin", carolURI, domain.DirectionFollowing)
	assert.NoError(t, err)

	undos := env.deliverer.activities(t, "Undo")
	require.Len(t, undos, 1)
	assert.Equal(t, testLocal.ActorURI("frank"), undos[0]["actor"])

	done := env.events.named(EventReconciliationCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, ReconciliationCompleted{
		RemoteActorURI: bobURI,
		Authority:      localBase,
		Accepted:       1,
		Rejected:       1,
		Undone:         1,
	}, done[0])
}

func TestReconcileFetchFailureLeavesStateAlone(t *testing.T) {
	env := newTestEnv(t, testConf())
	ctx := context.Background()
	insertEdge(t, env, "alice", bobURI, domain.DirectionFollowing, domain.FollowAccepted)
	insertEdge(t, env, "dave", bobURI, domain.DirectionFollowing, domain.FollowPending)

	syncURL := bobURI + "/followers/sync"
	env.fetcher.fail(syncURL, http.StatusInternalServerError)

	err := env.fed.Sync.Reconcile(ctx, ReconcileTask{RemoteActorURI: bobURI, CollectionID: bobURI + "/followers", URL: syncURL})
	assert.ErrorIs(t, err, domain.ErrFetch)

	counts, err := env.fed.Follows.Count(ctx, "alice", domain.DirectionFollowing)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.FollowAccepted])
	edge, err := env.fed.Follows.Get(ctx, "dave", bobURI, domain.DirectionFollowing)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowPending, edge.State)
	assert.Empty(t, env.events.named(EventReconciliationCompleted))
}

func TestReconcileTaskRunsFromScheduler(t *testing.T) {
	env := newTestEnv(t, testConf())
	ctx := context.Background()
	bob := storeActor(t, env, bobURI)
	insertEdge(t, env, "dave", bobURI, domain.DirectionFollowing, domain.FollowPending)

	syncURL := bobURI + "/followers/sync"
	env.fetcher.serve(t, syncURL, map[string]any{
		"type":  "OrderedCollection",
		"first": map[string]any{"type": "OrderedCollectionPage", "orderedItems": []string{testLocal.ActorURI("dave")}},
	})

	header := SyncHeader{CollectionID: bob.FollowersURL, URL: syncURL, Digest: Digest([]string{testLocal.ActorURI("dave")})}
	require.NoError(t, env.fed.Sync.HandleInbound(ctx, bob, signedSyncHeader(header.String(), true)))

	ran, err := env.fed.Tasks.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	edge, err := env.fed.Follows.Get(ctx, "dave", bobURI, domain.DirectionFollowing)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowAccepted, edge.State)
}
