package domain

import "time"

// CollectionSyncState throttles FEP-8fcf work for one (subject, authority) pair.
// Outbound rows use the local actor id as subject, inbound rows the remote
// followers collection id.
type CollectionSyncState struct {
	Subject        string
	Authority      string
	LastSentAt     time.Time
	LastReceivedAt time.Time
}

// DeferredTask is a unit of work scheduled to run later.
type DeferredTask struct {
	Id        int64
	Name      string
	Payload   string
	RunAfter  time.Time
	ClaimedAt time.Time
}
