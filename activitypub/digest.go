package activitypub

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestAccumulator maintains an FEP-8fcf digest incrementally. Adding and
// removing a member are the same XOR, so callers must not add a member twice.
type DigestAccumulator struct {
	sum   [sha256.Size]byte
	count int
}

func (d *DigestAccumulator) xor(member string) {
	h := sha256.Sum256([]byte(member))
	for i := range d.sum {
		d.sum[i] ^= h[i]
	}
}

func (d *DigestAccumulator) Add(member string) {
	d.xor(member)
	d.count++
}

func (d *DigestAccumulator) Remove(member string) {
	d.xor(member)
	d.count--
}

func (d *DigestAccumulator) Len() int { return d.count }

// String is the lowercase hex digest, or "" for an empty collection.
func (d *DigestAccumulator) String() string {
	if d.count <= 0 {
		return ""
	}
	return hex.EncodeToString(d.sum[:])
}

// Digest returns the order independent digest of a set of member ids.
// Duplicates are counted once.
func Digest(members []string) string {
	var (
		acc  DigestAccumulator
		seen = make(map[string]struct{}, len(members))
	)
	for _, m := range members {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		acc.Add(m)
	}
	return acc.String()
}

// SyncHeader is a parsed Collection-Synchronization header.
type SyncHeader struct {
	CollectionID string
	URL          string
	Digest       string
}

func (h SyncHeader) String() string {
	return fmt.Sprintf(`collectionId="%s", url="%s", digest="%s"`, h.CollectionID, h.URL, h.Digest)
}

// ParseSyncHeader parses a header value. All three parameters are required.
func ParseSyncHeader(value string) (SyncHeader, error) {
	params := parseParams(value)
	h := SyncHeader{
		CollectionID: params["collectionId"],
		URL:          params["url"],
		Digest:       strings.ToLower(params["digest"]),
	}
	if h.CollectionID == "" || h.URL == "" || h.Digest == "" {
		return SyncHeader{}, fmt.Errorf("incomplete %s header", SyncHeaderName)
	}
	if _, err := hex.DecodeString(h.Digest); err != nil || len(h.Digest) != 2*sha256.Size {
		return SyncHeader{}, fmt.Errorf("malformed digest %q", h.Digest)
	}
	return h, nil
}
