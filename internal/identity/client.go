// Package identity asks the RegistryAccord identity service whether a principal is a
// known identity. The registry consults it before granting access to streams that
// require verification.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// LookupPath is the identity service method that resolves a DID.
const LookupPath = "/xrpc/com.registryaccord.identity.get"

// DefaultTimeout bounds a whole lookup, including reading the response.
const DefaultTimeout = 3 * time.Second

// Client resolves principals against the identity service.
type Client struct {
	base string
	hc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout replaces DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// New returns a client for the identity service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	c := &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolves reports whether did is a known identity. A 404 is a negative answer;
// transport failures and other statuses are errors, so callers never treat an
// unreachable service as a rejection.
func (c *Client) Resolves(ctx context.Context, did string) (bool, error) {
	u, err := c.lookupURL(did)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("identity lookup for %s: %w", did, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("identity lookup for %s: unexpected status %s", did, resp.Status)
	}

	// Only the resolved DID matters here; the rest of the record is ignored.
	var rec struct {
		DID string `json:"did"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&rec); err != nil {
		return false, fmt.Errorf("identity lookup for %s: decode response: %w", did, err)
	}
	return rec.DID == did, nil
}

func (c *Client) lookupURL(did string) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("invalid identity base URL: %w", err)
	}
	u.Path = LookupPath
	u.RawQuery = url.Values{"did": {did}}.Encode()
	return u.String(), nil
}
