package activitypub

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xorHex(t *testing.T, digest string, member string) string {
	t.Helper()
	raw, err := hex.DecodeString(digest)
	require.NoError(t, err)
	h := sha256.Sum256([]byte(member))
	for i := range raw {
		raw[i] ^= h[i]
	}
	return hex.EncodeToString(raw)
}

func TestDigestEmptySet(t *testing.T) {
	assert.Equal(t, "", Digest(nil))
	assert.Equal(t, "", Digest([]string{}))
}

func TestDigestSingleMemberIsItsHash(t *testing.T) {
	h := sha256.Sum256([]byte(bobURI))
	assert.Equal(t, hex.EncodeToString(h[:]), Digest([]string{bobURI}))
}

func TestDigestIsOrderIndependent(t *testing.T) {
	members := []string{
		"https://a.example/users/1",
		"https://b.example/users/2",
		"https://c.example/users/3",
		"https://d.example/users/4",
	}
	want := Digest(members)
	permutations := [][]string{
		{members[3], members[2], members[1], members[0]},
		{members[1], members[3], members[0], members[2]},
		{members[2], members[0], members[3], members[1]},
	}
	for _, p := range permutations {
		assert.Equal(t, want, Digest(p))
	}
	assert.Equal(t, want, Digest(append(members, members[0])), "duplicates count once")
}

func TestDigestIncrementalXor(t *testing.T) {
	a := []string{"https://a.example/users/1", "https://b.example/users/2"}
	x := "https://c.example/users/3"

	assert.Equal(t, Digest(append(a, x)), xorHex(t, Digest(a), x))

	var acc DigestAccumulator
	for _, m := range a {
		acc.Add(m)
	}
	acc.Add(x)
	assert.Equal(t, Digest(append(a, x)), acc.String())
	acc.Remove(x)
	assert.Equal(t, Digest(a), acc.String())
	assert.Equal(t, 2, acc.Len())

	acc.Remove(a[0])
	acc.Remove(a[1])
	assert.Equal(t, "", acc.String())
}

func TestSyncHeaderRoundTrip(t *testing.T) {
	h := SyncHeader{
		CollectionID: testLocal.FollowersURI("alice"),
		URL:          testLocal.FollowersSyncURI("alice", remoteBase),
		Digest:       Digest([]string{bobURI}),
	}
	parsed, err := ParseSyncHeader(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseSyncHeaderRejectsIncompleteValues(t *testing.T) {
	for _, value := range []string{
		``,
		`collectionId="https://a.example/followers"`,
		`collectionId="https://a.example/followers", url="https://a.example/sync", digest="zz"`,
		`collectionId="https://a.example/followers", url="https://a.example/sync", digest="abcd"`,
	} {
		_, err := ParseSyncHeader(value)
		assert.Error(t, err, value)
	}
}
