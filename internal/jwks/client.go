// Package jwks validates bearer tokens for the media API against a JSON Web
// Key Set published by the identity provider.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation failures. Callers map them to response codes with errors.Is.
var (
	ErrMalformed       = errors.New("malformed token")
	ErrMissingKeyID    = errors.New("missing or invalid kid in JWT header")
	ErrUnknownKey      = errors.New("signing key not found")
	ErrBadSignature    = errors.New("invalid JWT signature")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrExpired         = errors.New("token expired")
	ErrMissingSubject  = errors.New("missing or invalid sub claim")
)

const cacheTTL = 5 * time.Minute

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents an Ed25519 JSON Web Key
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// Claims are the token claims the media API relies on.
type Claims struct {
	Subject  string
	Issuer   string
	Audience string
	Raw      jwt.MapClaims
}

// Client fetches and caches the key set and validates tokens with it.
type Client struct {
	jwksURL    string
	httpClient *http.Client
	testMode   bool

	mu        sync.RWMutex
	keys      *JWKS
	expiresAt time.Time
}

// NewClient creates a client for the key set at jwksURL.
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL:    jwksURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewTestClient returns a client that skips signature and expiry checks. It
// still enforces issuer, audience and subject.
func NewTestClient() *Client {
	return &Client{testMode: true}
}

func (c *Client) fetch(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &set, nil
}

// keySet returns the cached key set, refreshing it once it is older than cacheTTL.
func (c *Client) keySet(ctx context.Context) (*JWKS, error) {
	c.mu.RLock()
	if c.keys != nil && time.Now().Before(c.expiresAt) {
		set := c.keys
		c.mu.RUnlock()
		return set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys != nil && time.Now().Before(c.expiresAt) {
		return c.keys, nil
	}
	set, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.keys = set
	c.expiresAt = time.Now().Add(cacheTTL)
	return set, nil
}

func (c *Client) publicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	set, err := c.keySet(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range set.Keys {
		if k.Kid != kid {
			continue
		}
		if k.Kty != "OKP" || k.Crv != "Ed25519" || k.Alg != "EdDSA" {
			return nil, fmt.Errorf("%w: unsupported key type or algorithm", ErrUnknownKey)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: bad public key encoding", ErrUnknownKey)
		}
		return ed25519.PublicKey(x), nil
	}
	return nil, fmt.Errorf("%w: kid %s", ErrUnknownKey, kid)
}

// Validate parses tokenString, verifies it and checks the expected issuer
// and audience.
func (c *Client) Validate(ctx context.Context, tokenString, issuer, audience string) (*Claims, error) {
	var claims jwt.MapClaims
	if c.testMode {
		token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		claims, _ = token.Claims.(jwt.MapClaims)
	} else {
		var err error
		claims, err = c.verify(ctx, tokenString)
		if err != nil {
			return nil, err
		}
	}

	out := &Claims{Raw: claims}
	out.Issuer, _ = claims["iss"].(string)
	if out.Issuer != issuer {
		return nil, ErrInvalidIssuer
	}
	out.Audience, _ = claims["aud"].(string)
	if out.Audience != audience {
		return nil, ErrInvalidAudience
	}
	out.Subject, _ = claims["sub"].(string)
	if out.Subject == "" {
		return nil, ErrMissingSubject
	}
	return out, nil
}

func (c *Client) verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kid, ok := unverified.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, ErrMissingKeyID
	}
	key, err := c.publicKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithExpirationRequired())
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	case !token.Valid:
		return nil, ErrBadSignature
	}
	claims, _ := token.Claims.(jwt.MapClaims)
	return claims, nil
}
