package domain

import "time"

// Direction tells which side initiated a follow edge.
type Direction string

const (
	// DirectionFollower means the remote actor follows the local actor.
	DirectionFollower Direction = "FOLLOWER"
	// DirectionFollowing means the local actor follows the remote actor.
	DirectionFollowing Direction = "FOLLOWING"
)

// FollowState is the persisted state of an edge. Absence of a row is ABSENT.
type FollowState string

const (
	FollowPending  FollowState = "PENDING"
	FollowAccepted FollowState = "ACCEPTED"
)

// FollowRelationship is one directed edge between a local and a remote actor.
type FollowRelationship struct {
	LocalActorID       string
	RemoteActorURI     string
	Direction          Direction
	State              FollowState
	OutboxActivityRef  string
	InboundActivityRef string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// FollowQuery selects edges for listing. Zero values mean "any".
type FollowQuery struct {
	LocalActorID string
	Direction    Direction
	State        FollowState
	Authority    string
	Page         int
	PerPage      int
}

// FollowPage is one page of a FollowQuery result.
type FollowPage struct {
	Items   []FollowRelationship
	Total   int
	Page    int
	PerPage int
}

// HasNext reports whether another page follows this one.
func (p FollowPage) HasNext() bool {
	return p.Page*p.PerPage < p.Total
}
