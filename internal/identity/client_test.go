package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentityServer(t *testing.T, known map[string]bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != LookupPath {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		did := r.URL.Query().Get("did")
		switch {
		case did == "did:example:broken":
			w.WriteHeader(http.StatusInternalServerError)
		case did == "did:example:slow":
			time.Sleep(200 * time.Millisecond)
		case did == "did:example:garbled":
			_, _ = w.Write([]byte("{"))
		case did == "did:example:alias":
			_ = json.NewEncoder(w).Encode(map[string]string{"did": "did:example:other"})
		case known[did]:
			_ = json.NewEncoder(w).Encode(map[string]string{"did": did, "publicKey": "pk", "createdAt": "2024-01-01T00:00:00Z"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestResolves(t *testing.T) {
	srv := newIdentityServer(t, map[string]bool{"did:example:alice": true})
	defer srv.Close()
	c := New(srv.URL)
	ctx := context.Background()

	ok, err := c.Resolves(ctx, "did:example:alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Resolves(ctx, "did:example:nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Resolves(ctx, "did:example:alias")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolvesErrors(t *testing.T) {
	srv := newIdentityServer(t, nil)
	defer srv.Close()
	ctx := context.Background()

	_, err := New(srv.URL).Resolves(ctx, "did:example:broken")
	assert.ErrorContains(t, err, "unexpected status")

	_, err = New(srv.URL).Resolves(ctx, "did:example:garbled")
	assert.ErrorContains(t, err, "decode response")

	_, err = New(srv.URL, WithTimeout(20*time.Millisecond)).Resolves(ctx, "did:example:slow")
	assert.Error(t, err)

	_, err = New("://bad").Resolves(ctx, "did:example:alice")
	assert.ErrorContains(t, err, "invalid identity base URL")
}
