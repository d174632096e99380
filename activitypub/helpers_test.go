package activitypub

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/stretchr/testify/require"
)

const (
	localBase  = "https://tusk.example"
	remoteBase = "https://remote.example"
	bobURI     = remoteBase + "/users/bob"
	carolURI   = remoteBase + "/users/carol"
)

var testLocal = NewLocalActors(localBase)

// fakeFetcher serves canned documents keyed by URI. Unknown URIs are 404.
type fakeFetcher struct {
	mu     sync.Mutex
	docs   map[string][]byte
	status map[string]int
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs:   make(map[string][]byte),
		status: make(map[string]int),
		calls:  make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[uri]++
	if status, ok := f.status[uri]; ok {
		return nil, &domain.FetchError{URI: uri, Status: status}
	}
	body, ok := f.docs[uri]
	if !ok {
		return nil, &domain.FetchError{URI: uri, Status: http.StatusNotFound}
	}
	return body, nil
}

func (f *fakeFetcher) serve(t *testing.T, uri string, doc any) {
	t.Helper()
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.status, uri)
	f.docs[uri] = body
}

func (f *fakeFetcher) fail(uri string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[uri] = status
}

func (f *fakeFetcher) callCount(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

// recordingDeliverer keeps every delivery in memory.
type recordingDeliverer struct {
	mu    sync.Mutex
	items []domain.DeliveryItem
}

func (d *recordingDeliverer) Deliver(_ context.Context, item *domain.DeliveryItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, *item)
	return nil
}

// activities decodes the delivered bodies, optionally filtered by type.
func (d *recordingDeliverer) activities(t *testing.T, kind string) []map[string]any {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []map[string]any
	for _, item := range d.items {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(item.Body), &m))
		if kind == "" || m["type"] == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeSigner claims it can sign for a fixed set of local actors.
type fakeSigner struct {
	ids map[string]bool
}

func newFakeSigner(ids ...string) *fakeSigner {
	s := &fakeSigner{ids: make(map[string]bool)}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

func (s *fakeSigner) CanSign(id string) bool { return s.ids[id] }

func (s *fakeSigner) Sign(req *http.Request, id string, _ []byte, _ []string) error {
	req.Header.Set("Signature", `keyId="`+testLocal.KeyID(id)+`",signature="fake"`)
	return nil
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "tusk.db"))
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations())
	t.Cleanup(func() { database.Close() })
	return database
}

func testConf() util.FederationConf {
	return util.DefaultFederationConf()
}

type testEnv struct {
	fed       *Federation
	db        *db.DB
	fetcher   *fakeFetcher
	deliverer *recordingDeliverer
	signer    *fakeSigner
	events    *eventLog
}

func newTestEnv(t *testing.T, conf util.FederationConf) *testEnv {
	t.Helper()
	env := &testEnv{
		db:        setupTestDB(t),
		fetcher:   newFakeFetcher(),
		deliverer: &recordingDeliverer{},
		signer:    newFakeSigner("alice", "dave", "frank"),
		events:    &eventLog{},
	}
	bus := NewEventBus()
	bus.Subscribe(env.events.record)
	env.fed = New(Config{
		Store:     env.db,
		Fetcher:   env.fetcher,
		Deliverer: env.deliverer,
		Signer:    env.signer,
		Events:    bus,
		Local:     testLocal,
		Conf:      conf,
	})
	return env
}

// actorDoc is a minimal remote Person on remote.example.
func actorDoc(uri string) map[string]any {
	return map[string]any{
		"@context":          ContextActivityStreams,
		"id":                uri,
		"type":              "Person",
		"preferredUsername": uri[len(remoteBase+"/users/"):],
		"inbox":             uri + "/inbox",
		"followers":         uri + "/followers",
		"endpoints":         map[string]any{"sharedInbox": remoteBase + "/inbox"},
	}
}

func (e *testEnv) serveActor(t *testing.T, uri string) {
	t.Helper()
	e.fetcher.serve(t, uri, actorDoc(uri))
}

// ingest runs a JSON activity through the dispatcher for the given recipients.
func (e *testEnv) ingest(t *testing.T, activity map[string]any, recipients ...string) *IngestResult {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	result, err := e.fed.Dispatcher.Ingest(context.Background(), InboxRequest{Payload: body, Recipients: recipients})
	require.NoError(t, err)
	return result
}

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	shared []bool
}

func (l *eventLog) record(ctx context.Context, e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	l.shared = append(l.shared, IsSharedInbox(ctx))
}

func (l *eventLog) named(name string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}
