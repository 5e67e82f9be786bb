package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testToken = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiJkaWQ6ZXhhbXBsZToxMjMiLCJhdWQiOiJ0ZXN0LWF1ZGllbmNlIiwiaXNzIjoidGVzdC1pc3N1ZXIifQ.X"

func TestTestClientChecksClaims(t *testing.T) {
	c := NewTestClient()
	ctx := context.Background()

	claims, err := c.Validate(ctx, testToken, "test-issuer", "test-audience")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "did:example:123" {
		t.Errorf("subject: got %v want did:example:123", claims.Subject)
	}

	if _, err := c.Validate(ctx, testToken, "other", "test-audience"); !errors.Is(err, ErrInvalidIssuer) {
		t.Errorf("issuer: got %v want %v", err, ErrInvalidIssuer)
	}
	if _, err := c.Validate(ctx, testToken, "test-issuer", "other"); !errors.Is(err, ErrInvalidAudience) {
		t.Errorf("audience: got %v want %v", err, ErrInvalidAudience)
	}
	if _, err := c.Validate(ctx, "not-a-token", "test-issuer", "test-audience"); !errors.Is(err, ErrMalformed) {
		t.Errorf("malformed: got %v want %v", err, ErrMalformed)
	}
}

func TestClientVerifiesSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "OKP", Kid: "k1", Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	defer srv.Close()

	sign := func(kid string, exp time.Time, key ed25519.PrivateKey) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
			"sub": "did:example:abc", "iss": "iss", "aud": "aud", "exp": exp.Unix(),
		})
		if kid != "" {
			tok.Header["kid"] = kid
		}
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	c := NewClient(srv.URL)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	claims, err := c.Validate(ctx, sign("k1", future, priv), "iss", "aud")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "did:example:abc" {
		t.Errorf("subject: got %v want did:example:abc", claims.Subject)
	}

	_, other, _ := ed25519.GenerateKey(rand.Reader)
	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", sign("k1", time.Now().Add(-time.Hour), priv), ErrExpired},
		{"missing kid", sign("", future, priv), ErrMissingKeyID},
		{"unknown kid", sign("k2", future, priv), ErrUnknownKey},
		{"wrong key", sign("k1", future, other), ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Validate(ctx, tt.token, "iss", "aud"); !errors.Is(err, tt.want) {
				t.Errorf("got %v want %v", err, tt.want)
			}
		})
	}

	if n := fetches.Load(); n != 1 {
		t.Errorf("key set fetched %d times, want 1", n)
	}
}
