package activitypub

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// LocalActors derives the public URLs of local actors from the instance base URL.
type LocalActors struct {
	base      string
	authority string
}

// NewLocalActors expects a base such as "https://example.com".
func NewLocalActors(baseURL string) LocalActors {
	base := strings.TrimRight(baseURL, "/")
	authority, _ := Authority(base)
	return LocalActors{base: base, authority: authority}
}

func (l LocalActors) Authority() string { return l.authority }

func (l LocalActors) ActorURI(id string) string {
	return fmt.Sprintf("%s/users/%s", l.base, id)
}

func (l LocalActors) InboxURI(id string) string {
	return l.ActorURI(id) + "/inbox"
}

func (l LocalActors) FollowersURI(id string) string {
	return l.ActorURI(id) + "/followers"
}

// FollowersSyncURI is the partial followers collection served to one authority.
func (l LocalActors) FollowersSyncURI(id, authority string) string {
	return l.FollowersURI(id) + "/sync?authority=" + url.QueryEscape(authority)
}

// SharedInboxURI is the instance-wide inbox.
func (l LocalActors) SharedInboxURI() string {
	return l.base + "/inbox"
}

func (l LocalActors) KeyID(id string) string {
	return l.ActorURI(id) + "#main-key"
}

// NewActivityID mints a fresh id for a locally originated activity.
func (l LocalActors) NewActivityID() string {
	return fmt.Sprintf("%s/activities/%s", l.base, uuid.New().String())
}

// IDFromURI returns the local actor id encoded in an actor URI.
func (l LocalActors) IDFromURI(uri string) (string, bool) {
	prefix := l.base + "/users/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(uri, prefix)
	if id == "" || strings.ContainsAny(id, "/?#") {
		return "", false
	}
	return id, true
}

// IsLocal reports whether uri lives on this instance.
func (l LocalActors) IsLocal(uri string) bool {
	a, err := Authority(uri)
	return err == nil && a == l.authority
}

// Authority returns the scheme and host (with port) of an absolute URL,
// lowercased. It is the unit FEP-8fcf partitions collections by.
func Authority(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// SameAuthority reports whether both URLs share scheme and host.
func SameAuthority(a, b string) bool {
	aa, err := Authority(a)
	if err != nil {
		return false
	}
	ba, err := Authority(b)
	return err == nil && aa == ba
}
