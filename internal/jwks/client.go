// Package jwks verifies EdDSA bearer tokens against the identity service's JSON Web Key Set.
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

// CacheTTL bounds how long a fetched key set is trusted.
const CacheTTL = 5 * time.Minute

// ErrKeyNotFound is returned when no key in the set matches the token's kid.
var ErrKeyNotFound = errors.New("signing key not found")

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // Public key bytes, base64url
}

// PublicKey decodes an OKP/Ed25519 key.
func (k JWK) PublicKey() (ed25519.PublicKey, error) {
	if k.Kty != "OKP" || k.Crv != "Ed25519" || (k.Alg != "" && k.Alg != "EdDSA") {
		return nil, fmt.Errorf("unsupported key type or algorithm")
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes", len(x))
	}
	return ed25519.PublicKey(x), nil
}

// NewJWK encodes an Ed25519 public key as a JWK.
func NewJWK(kid string, pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Kid: kid,
		Use: "sig",
		Alg: "EdDSA",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}

// Claims carries the registered claims the registry relies on.
// Subject is the caller's principal.
type Claims struct {
	jwt.RegisteredClaims
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	issuer     string
	audience   string
	now        func() time.Time

	mu        sync.RWMutex
	keys      map[string]ed25519.PublicKey
	expiresAt time.Time
}

// NewClient creates a client that fetches keys from jwksURL and accepts tokens
// from issuer addressed to audience.
func NewClient(jwksURL, issuer, audience string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// NewStaticClient creates a client with a fixed key set that never refreshes.
// Useful for local development and tests.
func NewStaticClient(issuer, audience string, keys map[string]ed25519.PublicKey) *Client {
	c := NewClient("", issuer, audience)
	c.keys = keys
	c.expiresAt = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	return c
}

// fetch downloads the key set from the identity service
func (c *Client) fetch(ctx context.Context) (map[string]ed25519.PublicKey, error) {
	if c.jwksURL == "" {
		return nil, fmt.Errorf("no JWKS URL configured")
	}
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

	keys := make(map[string]ed25519.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pub, err := k.PublicKey()
		if err != nil {
			// Skip keys this service cannot verify with
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// key returns the public key for kid, refreshing the cache when it is stale
// or the kid is unknown (the identity service may have rotated).
func (c *Client) key(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	c.mu.RLock()
	pub, ok := c.keys[kid]
	fresh := c.now().Before(c.expiresAt)
	c.mu.RUnlock()
	if ok && fresh {
		return pub, nil
	}
	if c.jwksURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if pub, ok := c.keys[kid]; ok && c.now().Before(c.expiresAt) {
		return pub, nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.keys = keys
	c.expiresAt = c.now().Add(CacheTTL)

	if pub, ok := keys[kid]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

// Validate verifies the token signature, issuer, audience and expiry and
// returns its claims.
func (c *Client) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in JWT header")
		}
		return c.key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid JWT")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("JWT has no subject")
	}
	return claims, nil
}
