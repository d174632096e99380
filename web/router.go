package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/metrics"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	activityContentType = "application/activity+json; charset=utf-8"
	maxInboxBody        = 1 << 20
)

// Ingester runs a verified delivery through the inbox pipeline.
type Ingester interface {
	Ingest(ctx context.Context, req activitypub.InboxRequest) (*activitypub.IngestResult, error)
}

// RequestVerifier authenticates an HTTP signature and returns the signing actor.
type RequestVerifier interface {
	Verify(ctx context.Context, r *http.Request) (string, error)
}

// PartialCollection lists a local actor's followers on one authority.
type PartialCollection interface {
	PartialFollowers(ctx context.Context, localActorID, authority string) ([]string, error)
}

type Config struct {
	Inbox     Ingester
	Verifier  RequestVerifier
	Followers PartialCollection
	Keys      KeyDirectory
	Local     activitypub.LocalActors
	Gatherer  prometheus.Gatherer
}

type server struct {
	inbox     Ingester
	verifier  RequestVerifier
	followers PartialCollection
	keys      KeyDirectory
	local     activitypub.LocalActors
}

// NewRouter builds the federation HTTP surface.
func NewRouter(cfg Config) *gin.Engine {
	s := &server{
		inbox:     cfg.Inbox,
		verifier:  cfg.Verifier,
		followers: cfg.Followers,
		keys:      cfg.Keys,
		local:     cfg.Local,
	}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// stricter for the inboxes
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(maxInboxBody)

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.handleInbox(c, nil, true)
	})
	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.handleInbox(c, []string{c.Param("actor")}, false)
	})
	g.GET("/users/:actor", s.handleActor)
	g.GET("/users/:actor/followers/sync", s.handleFollowersSync)

	if cfg.Gatherer != nil {
		g.GET("/metrics", gin.WrapH(metrics.Handler(cfg.Gatherer)))
	}
	return g
}

func (s *server) handleInbox(c *gin.Context, recipients []string, shared bool) {
	ctx := c.Request.Context()

	body, err := c.GetRawData()
	if err != nil {
		log.Warn().Err(err).Msg("Inbox: failed to read body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	signer, err := s.verifier.Verify(ctx, c.Request)
	if err != nil {
		log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Inbox: signature verification failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}
	if err := activitypub.VerifyDigest(c.Request.Header, body); err != nil {
		log.Warn().Err(err).Str("signer", signer).Msg("Inbox: digest mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid digest"})
		return
	}

	result, err := s.inbox.Ingest(ctx, activitypub.InboxRequest{
		Payload:    body,
		Recipients: recipients,
		Shared:     shared,
		Header:     c.Request.Header,
		SignerURI:  signer,
	})
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		log.Error().Err(err).Str("signer", signer).Msg("Inbox: ingestion failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	if result.HandlerErr != nil {
		log.Debug().Err(result.HandlerErr).Str("id", result.Item.ActivityGUID).Msg("Inbox: accepted with handler error")
	}
	c.Status(http.StatusAccepted)
}

// handleFollowersSync serves the FEP-8fcf partial followers collection. Only
// a server on the requested authority may read it.
func (s *server) handleFollowersSync(c *gin.Context) {
	ctx := c.Request.Context()
	actor := c.Param("actor")

	authority, err := activitypub.Authority(c.Query("authority"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid authority"})
		return
	}

	signer, err := s.verifier.Verify(ctx, c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}
	if signerAuthority, err := activitypub.Authority(signer); err != nil || signerAuthority != authority {
		log.Warn().Str("signer", signer).Str("authority", authority).Msg("Sync: partial collection requested for another authority")
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	members, err := s.followers.PartialFollowers(ctx, actor, authority)
	if err != nil {
		log.Error().Err(err).Str("actor", actor).Msg("Sync: failed to read partial followers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if members == nil {
		members = []string{}
	}

	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, gin.H{
		"@context":     activitypub.ContextActivityStreams,
		"id":           s.local.FollowersSyncURI(actor, authority),
		"type":         "OrderedCollection",
		"totalItems":   len(members),
		"orderedItems": members,
	})
}

// Serve runs handler on addr until ctx is cancelled, then drains open
// requests for up to ten seconds.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting federation HTTP server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
