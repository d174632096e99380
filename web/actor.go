package web

import (
	"net/http"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/gin-gonic/gin"
)

const (
	contextSecurity = "https://w3id.org/security/v1"
	instanceActorID = "instance"
)

// KeyDirectory exposes the public keys of local actors that sign requests.
type KeyDirectory interface {
	PublicKeyPEM(localActorID string) (string, bool)
}

// actorDocument builds the minimal actor remote servers need to verify our
// signatures and route deliveries.
func actorDocument(local activitypub.LocalActors, id, publicKeyPem string) gin.H {
	kind := "Person"
	if id == instanceActorID {
		kind = "Service"
	}

	return gin.H{
		"@context": []string{
			activitypub.ContextActivityStreams,
			contextSecurity,
		},
		"id":                local.ActorURI(id),
		"type":              kind,
		"preferredUsername": id,
		"inbox":             local.InboxURI(id),
		"followers":         local.FollowersURI(id),
		"endpoints": gin.H{
			"sharedInbox": local.SharedInboxURI(),
		},
		"publicKey": gin.H{
			"id":           local.KeyID(id),
			"owner":        local.ActorURI(id),
			"publicKeyPem": publicKeyPem,
		},
	}
}

func (s *server) handleActor(c *gin.Context) {
	actor := c.Param("actor")
	if s.keys == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	pub, ok := s.keys.PublicKeyPEM(actor)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}

	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, actorDocument(s.local, actor, pub))
}
