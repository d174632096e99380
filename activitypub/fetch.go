package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/doyensec/safeurl"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	activityJSON       = "application/activity+json"
	ldJSON             = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	maxDocumentBytes   = 1 << 20
	maxCollectionPages = 20
)

// Fetcher retrieves a remote JSON-LD document.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// HTTPFetcher performs GETs with a per-host rate limit, optionally signed as
// a local actor for servers running in authorized-fetch mode.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	perHost   rate.Limit

	signer Signer
	signAs string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher wraps client. A ratePerHost of zero disables throttling.
func NewHTTPFetcher(client *http.Client, ratePerHost float64, userAgent string) *HTTPFetcher {
	limit := rate.Inf
	if ratePerHost > 0 {
		limit = rate.Limit(ratePerHost)
	}
	return &HTTPFetcher{
		client:    client,
		userAgent: userAgent,
		perHost:   limit,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SignAs makes every fetch a signed GET on behalf of localActorID.
func (f *HTTPFetcher) SignAs(signer Signer, localActorID string) {
	f.signer = signer
	f.signAs = localActorID
}

// NewSafeClient returns an HTTP client that refuses private, loopback and
// link-local destinations, checked after DNS resolution.
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

func (f *HTTPFetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(f.perHost, 1)
		f.limiters[host] = l
	}
	return l
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return nil, &domain.FetchError{URI: uri, Err: fmt.Errorf("invalid uri")}
	}

	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return nil, &domain.FetchError{URI: uri, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &domain.FetchError{URI: uri, Err: err}
	}
	req.Header.Set("Accept", activityJSON+", "+ldJSON)
	req.Header.Set("User-Agent", f.userAgent)

	if f.signer != nil && f.signer.CanSign(f.signAs) {
		if err := f.signer.Sign(req, f.signAs, nil, nil); err != nil {
			log.Warn().Err(err).Str("uri", uri).Msg("Fetch: signing failed, fetching unsigned")
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &domain.FetchError{URI: uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentBytes))
		return nil, &domain.FetchError{URI: uri, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, &domain.FetchError{URI: uri, Err: err}
	}
	if len(body) > maxDocumentBytes {
		return nil, &domain.FetchError{URI: uri, Err: errors.New("document too large")}
	}
	return body, nil
}

// FetchCollectionMembers returns the member ids of a remote (Ordered)Collection,
// following first/next links. Any failed page fails the whole call so callers
// never act on a partial view.
func FetchCollectionMembers(ctx context.Context, fetcher Fetcher, uri string) ([]string, error) {
	var (
		members []string
		seen    = make(map[string]bool)
		next    = uri
	)

	for pages := 0; next != "" && !seen[next]; pages++ {
		if pages >= maxCollectionPages {
			return nil, &domain.FetchError{URI: uri, Err: errors.New("collection has too many pages")}
		}
		seen[next] = true

		body, err := fetcher.Fetch(ctx, next)
		if err != nil {
			return nil, err
		}

		var page map[string]any
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &domain.FetchError{URI: next, Err: fmt.Errorf("invalid collection: %w", err)}
		}

		members = append(members, pageItems(page)...)
		next = idOf(page["next"])

		switch first := page["first"].(type) {
		case map[string]any:
			members = append(members, pageItems(first)...)
			next = idOf(first["next"])
		case string:
			next = first
		}
	}

	return members, nil
}

func pageItems(page map[string]any) []string {
	var ids []string
	for _, key := range []string{"orderedItems", "items"} {
		items, _ := page[key].([]any)
		ids = append(ids, itemIDs(items)...)
	}
	return ids
}

func itemIDs(items []any) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id := strings.TrimSpace(idOf(item)); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
