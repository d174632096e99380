package domain

import "time"

// InteractionKind names what a remote interaction represents locally.
type InteractionKind string

const (
	InteractionComment  InteractionKind = "comment"
	InteractionLike     InteractionKind = "like"
	InteractionAnnounce InteractionKind = "announce"
)

// Interaction is a remote reply, like or boost attached to local content.
type Interaction struct {
	RemoteObjectID string
	Kind           InteractionKind
	ActorURI       string
	TargetRef      string
	Content        string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CachedPost is a mirrored remote object that is not a reply.
type CachedPost struct {
	ObjectID   string
	ActorURI   string
	Content    string
	RawPayload string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// QuotePolicy controls who may quote a local post.
type QuotePolicy string

const (
	QuoteAnyone    QuotePolicy = "anyone"
	QuoteFollowers QuotePolicy = "followers"
	QuoteMe        QuotePolicy = "me"
)

// LocalPost is the part of local content the federation core needs to know.
type LocalPost struct {
	URI         string
	AuthorID    string
	QuotePolicy QuotePolicy
}

// QuotedBy records that a remote object was authorised to quote a local post.
type QuotedBy struct {
	PostURI       string
	InstrumentURI string
	ActorURI      string
	CreatedAt     time.Time
}
