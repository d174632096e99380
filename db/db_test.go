package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB opens a migrated database in a temporary directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations())
	t.Cleanup(func() { database.Close() })
	return database
}

func seedActor(t *testing.T, database *DB, uri, authority string) {
	t.Helper()
	err := database.UpsertRemoteActor(context.Background(), &domain.RemoteActor{
		URI:            uri,
		Type:           "Person",
		InboxURL:       authority + "/inbox",
		InboxAuthority: authority,
		LastFetchedAt:  time.Now(),
	})
	require.NoError(t, err)
}

func TestRunMigrationsTwice(t *testing.T) {
	database := setupTestDB(t)
	if err := database.RunMigrations(); err != nil {
		t.Errorf("Expected second migration run to be a no-op, got %v", err)
	}
}

func TestRemoteActorUpsertKeepsKey(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	actor := &domain.RemoteActor{
		URI:            "https://remote.example/users/alice",
		Type:           "Person",
		DisplayName:    "Alice",
		InboxURL:       "https://remote.example/users/alice/inbox",
		InboxAuthority: "https://remote.example",
		PublicKeyPEM:   "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n",
		LastFetchedAt:  time.Now(),
	}
	require.NoError(t, database.UpsertRemoteActor(ctx, actor))

	actor.DisplayName = "Alice Renamed"
	actor.PublicKeyPEM = ""
	require.NoError(t, database.UpsertRemoteActor(ctx, actor))

	stored, err := database.ReadRemoteActor(ctx, actor.URI)
	require.NoError(t, err)
	assert.Equal(t, "Alice Renamed", stored.DisplayName)
	assert.Contains(t, stored.PublicKeyPEM, "BEGIN PUBLIC KEY")

	_, err = database.ReadRemoteActor(ctx, "https://remote.example/users/nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordActorErrorIsBounded(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	uri := "https://remote.example/users/alice"
	seedActor(t, database, uri, "https://remote.example")

	for i := 0; i < 5; i++ {
		err := database.RecordActorError(ctx, uri, domain.ActorError{
			Message:    string(rune('a' + i)),
			RecordedAt: time.Now(),
		}, 3)
		require.NoError(t, err)
	}

	stored, err := database.ReadRemoteActor(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.ErrorCount)
	require.Len(t, stored.ErrorLog, 3)
	assert.Equal(t, "c", stored.ErrorLog[0].Message)
	assert.Equal(t, "e", stored.ErrorLog[2].Message)

	require.NoError(t, database.ClearActorErrors(ctx, uri))
	stored, err = database.ReadRemoteActor(ctx, uri)
	require.NoError(t, err)
	assert.Zero(t, stored.ErrorCount)
	assert.Empty(t, stored.ErrorLog)

	err = database.RecordActorError(ctx, "https://remote.example/users/ghost", domain.ActorError{Message: "x"}, 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInsertFollowIsUniquePerDirection(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	f := &domain.FollowRelationship{
		LocalActorID:      "1",
		RemoteActorURI:    "https://remote.example/users/alice",
		Direction:         domain.DirectionFollowing,
		State:             domain.FollowPending,
		OutboxActivityRef: "https://local.example/activities/one",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	created, err := database.InsertFollow(ctx, f)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *f
	dup.OutboxActivityRef = "https://local.example/activities/two"
	created, err = database.InsertFollow(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := database.ReadFollow(ctx, "1", f.RemoteActorURI, domain.DirectionFollowing)
	require.NoError(t, err)
	assert.Equal(t, "https://local.example/activities/one", stored.OutboxActivityRef)

	other := *f
	other.Direction = domain.DirectionFollower
	created, err = database.InsertFollow(ctx, &other)
	require.NoError(t, err)
	assert.True(t, created, "the opposite direction is a distinct edge")
}

func TestTransitionFollowRequiresExpectedState(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	remote := "https://remote.example/users/alice"

	_, err := database.InsertFollow(ctx, &domain.FollowRelationship{
		LocalActorID: "1", RemoteActorURI: remote,
		Direction: domain.DirectionFollowing, State: domain.FollowPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	ok, err := database.TransitionFollow(ctx, "1", remote, domain.DirectionFollowing, domain.FollowPending, domain.FollowAccepted)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.TransitionFollow(ctx, "1", remote, domain.DirectionFollowing, domain.FollowPending, domain.FollowAccepted)
	require.NoError(t, err)
	assert.False(t, ok, "a second accept finds no pending edge")

	ok, err = database.TransitionFollow(ctx, "2", remote, domain.DirectionFollowing, domain.FollowPending, domain.FollowAccepted)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := database.DeleteFollow(ctx, "1", remote, domain.DirectionFollowing)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = database.DeleteFollow(ctx, "1", remote, domain.DirectionFollowing)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListFollowsPaginationAndAuthority(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	remotes := []struct {
		uri, authority string
	}{
		{"https://a.example/users/1", "https://a.example"},
		{"https://a.example/users/2", "https://a.example"},
		{"https://a.example/users/3", "https://a.example"},
		{"https://b.example/users/1", "https://b.example"},
	}
	for i, r := range remotes {
		seedActor(t, database, r.uri, r.authority)
		state := domain.FollowAccepted
		if i == 2 {
			state = domain.FollowPending
		}
		_, err := database.InsertFollow(ctx, &domain.FollowRelationship{
			LocalActorID: "1", RemoteActorURI: r.uri,
			Direction: domain.DirectionFollower, State: state,
			CreatedAt: base.Add(time.Duration(i) * time.Minute), UpdatedAt: base,
		})
		require.NoError(t, err)
	}

	page, err := database.ListFollows(ctx, domain.FollowQuery{LocalActorID: "1", Direction: domain.DirectionFollower, PerPage: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "https://b.example/users/1", page.Items[0].RemoteActorURI, "newest first")
	assert.True(t, page.HasNext())

	page, err = database.ListFollows(ctx, domain.FollowQuery{LocalActorID: "1", Direction: domain.DirectionFollower, PerPage: 3, Page: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.HasNext())

	page, err = database.ListFollows(ctx, domain.FollowQuery{LocalActorID: "1", Authority: "https://a.example", State: domain.FollowAccepted})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	uris, err := database.ReadFollowerURIsByAuthority(ctx, "1", "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/users/1", "https://a.example/users/2"}, uris)

	counts, err := database.CountFollows(ctx, "1", domain.DirectionFollower)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.FollowAccepted])
	assert.Equal(t, 1, counts[domain.FollowPending])

	counts, err = database.CountFollows(ctx, "1", domain.DirectionFollowing)
	require.NoError(t, err)
	assert.Zero(t, counts[domain.FollowAccepted])
}

func TestInsertInboxItemMergesRecipients(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	item := &domain.InboxItem{
		ActivityGUID:   "https://remote.example/activities/1",
		ActivityType:   "Create",
		RemoteActorURI: "https://remote.example/users/alice",
		RawPayload:     `{}`,
		Recipients:     []string{"1"},
		CreatedAt:      time.Now(),
	}
	created, err := database.InsertInboxItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)

	again := *item
	again.Id = uuid.Nil
	again.Recipients = []string{"1", "2"}
	created, err = database.InsertInboxItem(ctx, &again)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := database.ReadInboxItem(ctx, item.ActivityGUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, stored.Recipients)
	assert.False(t, stored.Processed)

	require.NoError(t, database.MarkInboxItemHandled(ctx, item.ActivityGUID, "boom"))
	stored, err = database.ReadInboxItem(ctx, item.ActivityGUID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, "boom", stored.HandlerError)
}

func TestInsertInboxItemConcurrentCreatesOnce(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := database.InsertInboxItem(ctx, &domain.InboxItem{
				ActivityGUID:   "https://remote.example/activities/race",
				ActivityType:   "Create",
				RemoteActorURI: "https://remote.example/users/alice",
				RawPayload:     `{}`,
				Recipients:     []string{string(rune('a' + i))},
				CreatedAt:      time.Now(),
			})
			if err != nil {
				t.Errorf("insert %d failed: %v", i, err)
				return
			}
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	stored, err := database.ReadInboxItem(ctx, "https://remote.example/activities/race")
	require.NoError(t, err)
	assert.Len(t, stored.Recipients, 8)
}

func TestOutboxActivityUndone(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	a := &domain.OutboxActivity{
		ActivityGUID:    "https://local.example/activities/follow-1",
		ActivityType:    "Follow",
		LocalActorID:    "1",
		ObjectReference: "https://remote.example/users/alice",
		RawPayload:      `{}`,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, database.InsertOutboxActivity(ctx, a))
	require.NoError(t, database.MarkOutboxActivityUndone(ctx, a.ActivityGUID))

	stored, err := database.ReadOutboxActivity(ctx, a.ActivityGUID)
	require.NoError(t, err)
	assert.True(t, stored.Undone)
	assert.Equal(t, "Follow", stored.ActivityType)

	assert.ErrorIs(t, database.MarkOutboxActivityUndone(ctx, "https://local.example/activities/none"), domain.ErrNotFound)
}

func TestUpsertInteractionUpdatesInPlace(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	in := &domain.Interaction{
		RemoteObjectID: "https://remote.example/notes/1",
		Kind:           domain.InteractionComment,
		ActorURI:       "https://remote.example/users/alice",
		TargetRef:      "https://local.example/posts/1",
		Content:        "first",
		RawPayload:     `{}`,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	created, err := database.UpsertInteraction(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	in.Content = "edited"
	created, err = database.UpsertInteraction(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := database.ReadInteraction(ctx, in.RemoteObjectID)
	require.NoError(t, err)
	assert.Equal(t, "edited", stored.Content)

	n, err := database.DeleteInteractionsByActor(ctx, in.ActorURI)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQuotedByIgnoresRepeats(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	q := &domain.QuotedBy{
		PostURI:       "https://local.example/posts/1",
		InstrumentURI: "https://remote.example/notes/9",
		ActorURI:      "https://remote.example/users/alice",
		CreatedAt:     time.Now(),
	}
	inserted, err := database.InsertQuotedBy(ctx, q)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = database.InsertQuotedBy(ctx, q)
	require.NoError(t, err)
	assert.False(t, inserted)

	quotes, err := database.ReadQuotedBy(ctx, q.PostURI)
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
}

func TestClaimSyncSendWindow(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	week := 7 * 24 * time.Hour

	ok, err := database.ClaimSyncSend(ctx, "1", "https://remote.example", now, week)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.ClaimSyncSend(ctx, "1", "https://remote.example", now.Add(time.Hour), week)
	require.NoError(t, err)
	assert.False(t, ok, "second send inside the window is refused")

	ok, err = database.ClaimSyncReceive(ctx, "1", "https://remote.example", now, week)
	require.NoError(t, err)
	assert.True(t, ok, "receive stamps are tracked separately")

	ok, err = database.ClaimSyncSend(ctx, "1", "https://remote.example", now.Add(week+time.Minute), week)
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := database.ReadSyncState(ctx, "1", "https://remote.example")
	require.NoError(t, err)
	assert.Equal(t, now.Add(week+time.Minute).UnixMilli(), state.LastSentAt.UnixMilli())
}

func TestClaimDueTasksOnce(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := database.InsertTask(ctx, "reconcile_followers", `{"a":1}`, now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = database.InsertTask(ctx, "reconcile_followers", `{"a":2}`, now.Add(time.Hour))
	require.NoError(t, err)

	claimed, err := database.ClaimDueTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, `{"a":1}`, claimed[0].Payload)

	claimed, err = database.ClaimDueTasks(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	tasks, err := database.ReadTasksByName(ctx, "reconcile_followers")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestDeliveryQueueRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	item := &domain.DeliveryItem{
		LocalActorID: "1",
		InboxURL:     "https://remote.example/inbox",
		Body:         `{"type":"Follow"}`,
		Headers:      map[string]string{"Collection-Synchronization": `collectionId="x"`},
		CreatedAt:    time.Now(),
	}
	require.NoError(t, database.EnqueueDelivery(ctx, item))

	items, err := database.ReadDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.Headers, items[0].Headers)

	require.NoError(t, database.DeleteDelivery(ctx, items[0].Id))
	items, err = database.ReadDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}
