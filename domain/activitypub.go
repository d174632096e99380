package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// RemoteActor is the locally cached projection of a federated actor.
type RemoteActor struct {
	URI               string
	Type              string
	PreferredUsername string
	DisplayName       string
	InboxURL          string
	SharedInboxURL    string
	FollowersURL      string
	InboxAuthority    string
	PublicKeyPEM      string
	LastFetchedAt     time.Time
	ErrorCount        int
	ErrorLog          []ActorError
}

// ActorError is one advisory fetch or parse failure recorded against an actor.
type ActorError struct {
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

// DeliveryInbox returns the shared inbox when the actor advertises one.
func (a *RemoteActor) DeliveryInbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

// ActorTypes lists the ActivityStreams types treated as actors.
var ActorTypes = []string{"Application", "Group", "Organization", "Person", "Service"}

// IsActorType reports whether t names an actor type.
func IsActorType(t string) bool {
	return lo.Contains(ActorTypes, t)
}

// InboxItem is a received activity, deduplicated by its GUID.
type InboxItem struct {
	Id              uuid.UUID
	ActivityGUID    string
	ActivityType    string
	RemoteActorURI  string
	ObjectReference string
	RawPayload      string
	Recipients      []string
	Processed       bool
	HandlerError    string
	CreatedAt       time.Time
}

// OutboxActivity is an activity originated by a local actor.
type OutboxActivity struct {
	Id              uuid.UUID
	ActivityGUID    string
	ActivityType    string
	LocalActorID    string
	ObjectReference string
	RawPayload      string
	Undone          bool
	CreatedAt       time.Time
}

// DeliveryItem is a prepared outbound delivery handed to the delivery subsystem.
type DeliveryItem struct {
	Id           uuid.UUID
	LocalActorID string
	InboxURL     string
	Body         string
	Headers      map[string]string
	CreatedAt    time.Time
}
