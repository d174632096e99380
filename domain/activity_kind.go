package domain

// ActivityKind is the closed set of activity types the dispatcher understands.
type ActivityKind int

const (
	KindUnrecognized ActivityKind = iota
	KindFollow
	KindAccept
	KindReject
	KindUndo
	KindCreate
	KindUpdate
	KindDelete
	KindQuoteRequest
	KindLike
	KindAnnounce
)

var kindNames = map[ActivityKind]string{
	KindFollow:       "Follow",
	KindAccept:       "Accept",
	KindReject:       "Reject",
	KindUndo:         "Undo",
	KindCreate:       "Create",
	KindUpdate:       "Update",
	KindDelete:       "Delete",
	KindQuoteRequest: "QuoteRequest",
	KindLike:         "Like",
	KindAnnounce:     "Announce",
}

// ParseActivityKind maps an ActivityStreams type name to its kind.
// Unknown names map to KindUnrecognized.
func ParseActivityKind(name string) ActivityKind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnrecognized
}

func (k ActivityKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unrecognized"
}
