package activitypub

import (
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/rs/zerolog/log"
)

var (
	postSignedHeaders = []string{"(request-target)", "host", "date", "digest"}
	getSignedHeaders  = []string{"(request-target)", "host", "date"}
)

// Signer signs outbound requests on behalf of local actors.
type Signer interface {
	CanSign(localActorID string) bool
	Sign(req *http.Request, localActorID string, body []byte, extraHeaders []string) error
}

// SignRequest signs an outgoing HTTP request with the given private key over
// the listed headers. keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, headers []string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// VerifyRequest verifies the HTTP signature on an incoming request
// Returns the actor URI if valid, error otherwise
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	var algo httpsig.Algorithm
	switch pubKey.(type) {
	case *rsa.PublicKey:
		algo = httpsig.RSA_SHA256
	case ed25519.PublicKey:
		algo = httpsig.ED25519
	default:
		return "", fmt.Errorf("unsupported signature key type %T", pubKey)
	}

	keyId := verifier.KeyId()
	if err := verifier.Verify(pubKey, algo); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	return strings.Split(keyId, "#")[0], nil
}

// DigestBody computes the Digest header value for a request body.
func DigestBody(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// VerifyDigest checks a SHA-256 Digest header against the body.
// A missing header is accepted; only a mismatch is an error.
func VerifyDigest(h http.Header, body []byte) error {
	digest := h.Get("Digest")
	if digest == "" {
		return nil
	}
	for _, part := range strings.Split(digest, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToUpper(part), "SHA-256=") {
			if part[len("SHA-256="):] == DigestBody(body)[len("SHA-256="):] {
				return nil
			}
			return errors.New("digest mismatch")
		}
	}
	return nil
}

// signatureParams parses the draft-cavage Signature (or Authorization) header
// into its key="value" parameters.
func signatureParams(h http.Header) map[string]string {
	raw := h.Get("Signature")
	if raw == "" {
		auth := h.Get("Authorization")
		if !strings.HasPrefix(auth, "Signature ") {
			return nil
		}
		raw = strings.TrimPrefix(auth, "Signature ")
	}
	return parseParams(raw)
}

// SignatureKeyID returns the keyId the request claims to be signed with.
func SignatureKeyID(h http.Header) string {
	return signatureParams(h)["keyId"]
}

// SignedHeaderNames lists the header names covered by the request signature,
// lowercased. A signature without a headers parameter covers only Date.
func SignedHeaderNames(h http.Header) []string {
	params := signatureParams(h)
	if params == nil {
		return nil
	}
	headers, ok := params["headers"]
	if !ok {
		return []string{"date"}
	}
	return strings.Fields(strings.ToLower(headers))
}

// KeySigner holds the RSA keys of local actors.
type KeySigner struct {
	local LocalActors
	mu    sync.RWMutex
	keys  map[string]*rsa.PrivateKey
}

func NewKeySigner(local LocalActors) *KeySigner {
	return &KeySigner{local: local, keys: make(map[string]*rsa.PrivateKey)}
}

// AddKey registers the PEM private key of a local actor.
func (s *KeySigner) AddKey(localActorID, privateKeyPem string) error {
	key, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys[localActorID] = key
	s.mu.Unlock()
	return nil
}

func (s *KeySigner) CanSign(localActorID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[localActorID]
	return ok
}

// PublicKeyPEM returns the published key of a local actor.
func (s *KeySigner) PublicKeyPEM(localActorID string) (string, bool) {
	s.mu.RLock()
	key, ok := s.keys[localActorID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	pub, err := PublicKeyPEM(key)
	return pub, err == nil
}

// Sign stamps Date, Host and (for bodies) Digest, then signs the base header
// set plus extraHeaders.
func (s *KeySigner) Sign(req *http.Request, localActorID string, body []byte, extraHeaders []string) error {
	s.mu.RLock()
	key, ok := s.keys[localActorID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no signing key for local actor %s", localActorID)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	headers := getSignedHeaders
	if body != nil {
		req.Header.Set("Digest", DigestBody(body))
		headers = postSignedHeaders
	}
	headers = append(append([]string{}, headers...), lowerAll(extraHeaders)...)

	return SignRequest(req, key, s.local.KeyID(localActorID), headers)
}

// parseParams splits a comma separated list of key="value" pairs.
func parseParams(raw string) map[string]string {
	params := make(map[string]string)
	for _, part := range splitQuoted(raw) {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return params
}

// splitQuoted splits on commas outside double quotes.
func splitQuoted(raw string) []string {
	var (
		parts   []string
		start   int
		inQuote bool
	)
	for i, r := range raw {
		switch r {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				parts = append(parts, raw[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, raw[start:])
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// SignatureVerifier authenticates inbound requests against the signing
// actor's published key, refreshing the actor once to follow key rotation.
type SignatureVerifier struct {
	actors *ActorDirectory
}

func NewSignatureVerifier(actors *ActorDirectory) *SignatureVerifier {
	return &SignatureVerifier{actors: actors}
}

// Verify returns the URI of the actor that signed r.
func (v *SignatureVerifier) Verify(ctx context.Context, r *http.Request) (string, error) {
	keyID := SignatureKeyID(r.Header)
	if keyID == "" {
		return "", errors.New("missing HTTP signature")
	}
	actorURI := strings.Split(keyID, "#")[0]

	// net/http moves Host out of the header map on inbound requests
	if r.Header.Get("Host") == "" && r.Host != "" {
		r.Header.Set("Host", r.Host)
	}

	actor, err := v.actors.FetchOrCreate(ctx, actorURI)
	if err != nil {
		return "", fmt.Errorf("failed to resolve signer %s: %w", actorURI, err)
	}

	signer, err := VerifyRequest(r, actor.PublicKeyPEM)
	if err == nil {
		return signer, nil
	}

	log.Debug().Str("actor", actorURI).Err(err).Msg("Inbox: signature check failed, refreshing key")
	actor, rerr := v.actors.Refresh(ctx, actorURI)
	if rerr != nil {
		return "", err
	}
	return VerifyRequest(r, actor.PublicKeyPEM)
}
