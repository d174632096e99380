package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/domain"
	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const remoteActor = "https://remote.example/users/bob"

type fakeIngester struct {
	requests []activitypub.InboxRequest
	err      error
}

func (f *fakeIngester) Ingest(_ context.Context, req activitypub.InboxRequest) (*activitypub.IngestResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &activitypub.IngestResult{Item: &domain.InboxItem{ActivityGUID: "x"}}, nil
}

type fakeVerifier struct {
	signer string
}

func (v fakeVerifier) Verify(context.Context, *http.Request) (string, error) {
	if v.signer == "" {
		return "", errors.New("bad signature")
	}
	return v.signer, nil
}

type fakeFollowers map[string][]string

func (f fakeFollowers) PartialFollowers(_ context.Context, id, authority string) ([]string, error) {
	return f[id+" "+authority], nil
}

func newTestRouter(inbox Ingester, signer string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "tusk_test_total", Help: "test"}))
	return NewRouter(Config{
		Inbox:    inbox,
		Verifier: fakeVerifier{signer: signer},
		Followers: fakeFollowers{
			"alice https://remote.example": {remoteActor, "https://remote.example/users/carol"},
		},
		Local:    activitypub.NewLocalActors("https://tusk.example"),
		Gatherer: reg,
	})
}

func post(router http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Digest", activitypub.DigestBody([]byte(body)))
	router.ServeHTTP(w, req)
	return w
}

func TestPersonalInbox(t *testing.T) {
	inbox := &fakeIngester{}
	router := newTestRouter(inbox, remoteActor)

	w := post(router, "/users/alice/inbox", `{"type":"Like"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, inbox.requests, 1)
	req := inbox.requests[0]
	assert.Equal(t, []string{"alice"}, req.Recipients)
	assert.False(t, req.Shared)
	assert.Equal(t, remoteActor, req.SignerURI)
	assert.Equal(t, `{"type":"Like"}`, string(req.Payload))
	assert.NotNil(t, req.Header)
}

func TestSharedInbox(t *testing.T) {
	inbox := &fakeIngester{}
	router := newTestRouter(inbox, remoteActor)

	w := post(router, "/inbox", `{"type":"Create"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, inbox.requests, 1)
	assert.True(t, inbox.requests[0].Shared)
	assert.Empty(t, inbox.requests[0].Recipients)
}

func TestInboxErrors(t *testing.T) {
	tests := []struct {
		name   string
		signer string
		err    error
		digest string
		want   int
	}{
		{"unsigned", "", nil, "", http.StatusUnauthorized},
		{"digest mismatch", remoteActor, nil, "SHA-256=AAAA", http.StatusUnauthorized},
		{"invalid activity", remoteActor, domain.NewValidationError("actor", "required"), "", http.StatusBadRequest},
		{"storage failure", remoteActor, errors.New("disk full"), "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeIngester{err: tt.err}, tt.signer)
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/users/alice/inbox", strings.NewReader(`{}`))
			if tt.digest != "" {
				req.Header.Set("Digest", tt.digest)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestInboxBodyLimit(t *testing.T) {
	inbox := &fakeIngester{}
	router := newTestRouter(inbox, remoteActor)

	w := post(router, "/inbox", strings.Repeat("x", maxInboxBody+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, inbox.requests)
}

func TestFollowersSync(t *testing.T) {
	router := newTestRouter(&fakeIngester{}, remoteActor)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/users/alice/followers/sync?authority=https://remote.example", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/activity+json")

	var doc map[string]any
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "OrderedCollection", doc["type"])
	assert.Equal(t, "https://tusk.example/users/alice/followers/sync?authority=https%3A%2F%2Fremote.example", doc["id"])
	assert.Equal(t, []any{remoteActor, "https://remote.example/users/carol"}, doc["orderedItems"])
	assert.EqualValues(t, 2, doc["totalItems"])

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/users/dave/followers/sync?authority=https://remote.example", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, []any{}, doc["orderedItems"])
}

func TestFollowersSyncAccess(t *testing.T) {
	tests := []struct {
		name   string
		signer string
		query  string
		want   int
	}{
		{"missing authority", remoteActor, "", http.StatusBadRequest},
		{"unsigned", "", "?authority=https://remote.example", http.StatusUnauthorized},
		{"other authority", "https://evil.example/users/x", "?authority=https://remote.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeIngester{}, tt.signer)
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/users/alice/followers/sync"+tt.query, nil)
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(&fakeIngester{}, remoteActor)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tusk_test_total")
}
