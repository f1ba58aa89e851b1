// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/registry"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "test-issuer"
	testAudience = "test-audience"
	testKid      = "test-key"

	admin = "did:example:admin"
	alice = "did:example:alice"
	bob   = "did:example:bob"
)

type harness struct {
	handler http.Handler
	ledger  *ledger.Memory
	priv    ed25519.PrivateKey
}

type fakeExporter struct {
	got *model.Snapshot
	err error
}

func (f *fakeExporter) Export(_ context.Context, snap *model.Snapshot) (*model.SnapshotExport, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = snap
	return &model.SnapshotExport{Key: "snapshots/test.json", DownloadURL: "https://example/snap", Height: snap.Height}, nil
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	led := ledger.NewMemory()
	reg, err := registry.New(context.Background(), storage.NewMemory(), led, led, model.GlobalParams{
		ContractOwner:      admin,
		PlatformFeeRateBPS: 25,
		MinAccessPrice:     1000,
	})
	require.NoError(t, err)

	auth := jwks.NewStaticClient(testIssuer, testAudience, map[string]ed25519.PublicKey{testKid: pub})
	opts = append([]Option{WithMetrics(metrics.NewMetrics())}, opts...)
	h, err := NewMux(reg, auth, opts...)
	require.NoError(t, err)
	return &harness{handler: h, ledger: led, priv: priv}
}

func (h *harness) token(t *testing.T, sub string, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	tok.Header["kid"] = testKid
	s, err := tok.SignedString(h.priv)
	require.NoError(t, err)
	return s
}

// do sends a request as sub; an empty sub sends no Authorization header.
func (h *harness) do(t *testing.T, method, path, sub, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sub != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, sub, time.Hour))
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code          string          `json:"code"`
		Message       string          `json:"message"`
		CorrelationID string          `json:"correlationId"`
		Details       json.RawMessage `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	if dst != nil {
		require.NotNil(t, env.Data, rr.Body.String())
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
	return env
}

func requireErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) envelope {
	t.Helper()
	require.Equal(t, status, rr.Code, rr.Body.String())
	env := decodeEnvelope(t, rr, nil)
	require.NotNil(t, env.Error, rr.Body.String())
	assert.Equal(t, code, env.Error.Code)
	return env
}

const deviceBody = `{"deviceId":"device-001","name":"Smart Thermostat","deviceType":"Climate Control","manufacturer":"IoT Corp","firmwareVersion":"v1.0.0","location":"Living Room"}`

func streamBody(price string) string {
	return `{"streamId":"stream-001","deviceId":"device-001","streamType":"Temperature","description":"Indoor","dataFormat":"JSON","updateFrequency":10,"pricePerAccess":` + price + `,"requiresVerification":false}`
}

// TestHealthzEndpoint tests the healthz endpoint.
func TestHealthzEndpoint(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

// TestReadyzEndpoint tests that readiness pings the store.
func TestReadyzEndpoint(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/healthz", "", "")
	rr := h.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}

func TestWritesRequireAuthentication(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/v1/devices", "", deviceBody)
	requireErrorCode(t, rr, http.StatusUnauthorized, "IOT_AUTHN")

	req := httptest.NewRequest(http.MethodPost, "/v1/devices", strings.NewReader(deviceBody))
	req.Header.Set("Authorization", "Bearer "+h.token(t, alice, -time.Minute))
	rr = httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	requireErrorCode(t, rr, http.StatusUnauthorized, "IOT_JWT_EXPIRED")

	req = httptest.NewRequest(http.MethodPost, "/v1/devices", strings.NewReader(deviceBody))
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rr = httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	requireErrorCode(t, rr, http.StatusUnauthorized, "IOT_JWT_MALFORMED")
}

func TestAccessFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.Fund(context.Background(), bob, 10_000))

	rr := h.do(t, http.MethodPost, "/v1/devices", alice, deviceBody)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var device model.Device
	decodeEnvelope(t, rr, &device)
	assert.Equal(t, model.Principal(alice), device.Owner)
	assert.Equal(t, model.DeviceStatusActive, device.Status)

	rr = h.do(t, http.MethodPost, "/v1/streams", alice, streamBody("1440"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = h.do(t, http.MethodPost, "/v1/streams/stream-001/access", bob, `{"duration":144}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var grant model.AccessGrant
	decodeEnvelope(t, rr, &grant)
	assert.Equal(t, model.Fee{BaseFee: 1440, PlatformFee: 3, TotalFee: 1443}, grant.Fee)
	assert.Equal(t, uint64(144), grant.Expiry)

	ctx := context.Background()
	bal, err := h.ledger.Balance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000-1443), bal)
	bal, err = h.ledger.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1440), bal)
	bal, err = h.ledger.Balance(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), bal)

	rr = h.do(t, http.MethodGet, "/v1/grants/"+bob+"/stream-001", "", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var view model.GrantView
	decodeEnvelope(t, rr, &view)
	assert.True(t, view.Active)

	rr = h.do(t, http.MethodGet, "/v1/streams/stream-001", "", "")
	var stream model.Stream
	decodeEnvelope(t, rr, &stream)
	assert.Equal(t, uint64(1), stream.AccessCount)

	rr = h.do(t, http.MethodGet, "/v1/owners/"+alice, "", "")
	var owner model.OwnerStats
	decodeEnvelope(t, rr, &owner)
	assert.Equal(t, []string{"device-001"}, owner.Devices)
	assert.Equal(t, uint64(1), owner.TotalStreams)
}

func TestRegistryErrorsMapToStatus(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodGet, "/v1/devices/missing", "", "")
	requireErrorCode(t, rr, http.StatusNotFound, "IOT_NOT_FOUND")

	rr = h.do(t, http.MethodPost, "/v1/streams/missing/access", bob, `{"duration":1}`)
	requireErrorCode(t, rr, http.StatusNotFound, "IOT_STREAM_NOT_FOUND")

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/devices", alice, deviceBody).Code)
	rr = h.do(t, http.MethodPost, "/v1/devices", alice, deviceBody)
	requireErrorCode(t, rr, http.StatusConflict, "IOT_ALREADY_REGISTERED")

	rr = h.do(t, http.MethodPost, "/v1/streams", bob, streamBody("5000"))
	requireErrorCode(t, rr, http.StatusForbidden, "IOT_NOT_AUTHORIZED")

	rr = h.do(t, http.MethodPost, "/v1/streams", alice, streamBody("999"))
	requireErrorCode(t, rr, http.StatusBadRequest, "IOT_INVALID_PRICE")

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/streams", alice, streamBody("5000")).Code)
	rr = h.do(t, http.MethodPost, "/v1/streams/stream-001/access", bob, `{"duration":144}`)
	requireErrorCode(t, rr, http.StatusPaymentRequired, "IOT_PAYMENT_FAILED")
}

func TestSchemaRejection(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/v1/devices", alice, `{"deviceId":"device-001"}`)
	env := requireErrorCode(t, rr, http.StatusBadRequest, "IOT_VALIDATION")
	assert.NotEmpty(t, env.Error.Details)

	rr = h.do(t, http.MethodPost, "/v1/devices", alice, "")
	requireErrorCode(t, rr, http.StatusBadRequest, "IOT_VALIDATION")

	rr = h.do(t, http.MethodPost, "/v1/admin/platform-fee", admin, `{"rateBps":10001}`)
	requireErrorCode(t, rr, http.StatusBadRequest, "IOT_VALIDATION")

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/devices", alice, deviceBody).Code)
	rr = h.do(t, http.MethodPost, "/v1/streams", alice, streamBody("9223372036854775808"))
	requireErrorCode(t, rr, http.StatusBadRequest, "IOT_VALIDATION")
	rr = h.do(t, http.MethodPost, "/v1/admin/min-access-price", admin, `{"price":18446744073709551615}`)
	requireErrorCode(t, rr, http.StatusBadRequest, "IOT_VALIDATION")
}

func TestFundAndBuyOverHTTP(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/devices", alice, deviceBody).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/streams", alice, streamBody("5000")).Code)

	rr := h.do(t, http.MethodPost, "/v1/admin/ledger/fund", bob, `{"principal":"did:example:bob","amount":10000}`)
	requireErrorCode(t, rr, http.StatusForbidden, "IOT_NOT_AUTHORIZED")
	rr = h.do(t, http.MethodPost, "/v1/admin/ledger/fund", "", `{"principal":"did:example:bob","amount":10000}`)
	requireErrorCode(t, rr, http.StatusUnauthorized, "IOT_AUTHN")
	rr = h.do(t, http.MethodPost, "/v1/admin/ledger/fund", admin, `{"principal":"did:example:bob","amount":0}`)
	requireErrorCode(t, rr, http.StatusBadRequest, "IOT_VALIDATION")

	rr = h.do(t, http.MethodPost, "/v1/admin/ledger/fund", admin, `{"principal":"did:example:bob","amount":10000}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var bal model.AccountBalance
	decodeEnvelope(t, rr, &bal)
	assert.Equal(t, model.AccountBalance{Principal: bob, Balance: 10000}, bal)

	rr = h.do(t, http.MethodPost, "/v1/streams/stream-001/access", bob, `{"duration":144}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	for p, want := range map[string]uint64{bob: 10000 - 5012, alice: 5000, admin: 12} {
		rr = h.do(t, http.MethodGet, "/v1/balances/"+p, "", "")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		decodeEnvelope(t, rr, &bal)
		assert.Equal(t, want, bal.Balance, p)
	}
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/v1/admin/platform-fee", alice, `{"rateBps":50}`)
	requireErrorCode(t, rr, http.StatusForbidden, "IOT_NOT_AUTHORIZED")

	rr = h.do(t, http.MethodPost, "/v1/admin/platform-fee", admin, `{"rateBps":50}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = h.do(t, http.MethodPost, "/v1/admin/min-access-price", admin, `{"price":2000}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = h.do(t, http.MethodGet, "/v1/params", "", "")
	var params model.GlobalParams
	decodeEnvelope(t, rr, &params)
	assert.Equal(t, model.GlobalParams{ContractOwner: admin, PlatformFeeRateBPS: 50, MinAccessPrice: 2000}, params)

	rr = h.do(t, http.MethodGet, "/v1/fees?price=14400&duration=144", "", "")
	var quote model.Fee
	decodeEnvelope(t, rr, &quote)
	assert.Equal(t, model.Fee{BaseFee: 14400, PlatformFee: 72, TotalFee: 14472}, quote)

	rr = h.do(t, http.MethodGet, "/v1/fees?price=abc&duration=1", "", "")
	requireErrorCode(t, rr, http.StatusBadRequest, "IOT_VALIDATION")
	rr = h.do(t, http.MethodGet, "/v1/fees?duration=1", "", "")
	requireErrorCode(t, rr, http.StatusBadRequest, "IOT_VALIDATION")
}

func TestSnapshotExport(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		h := newHarness(t)
		rr := h.do(t, http.MethodPost, "/v1/admin/snapshot", admin, "")
		requireErrorCode(t, rr, http.StatusServiceUnavailable, "IOT_UNAVAILABLE")
	})

	t.Run("owner only", func(t *testing.T) {
		h := newHarness(t, WithArchive(&fakeExporter{}))
		rr := h.do(t, http.MethodPost, "/v1/admin/snapshot", alice, "")
		requireErrorCode(t, rr, http.StatusForbidden, "IOT_NOT_AUTHORIZED")
	})

	t.Run("exports", func(t *testing.T) {
		exp := &fakeExporter{}
		h := newHarness(t, WithArchive(exp))
		require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/devices", alice, deviceBody).Code)
		h.ledger.Advance(7)

		rr := h.do(t, http.MethodPost, "/v1/admin/snapshot", admin, "")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var out model.SnapshotExport
		decodeEnvelope(t, rr, &out)
		assert.Equal(t, uint64(7), out.Height)
		require.NotNil(t, exp.got)
		assert.Len(t, exp.got.Devices, 1)
	})

	t.Run("upload failure", func(t *testing.T) {
		h := newHarness(t, WithArchive(&fakeExporter{err: errors.New("bucket gone")}))
		rr := h.do(t, http.MethodPost, "/v1/admin/snapshot", admin, "")
		requireErrorCode(t, rr, http.StatusServiceUnavailable, "IOT_UNAVAILABLE")
	})
}

func TestCorrelationID(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/streams/missing", nil)
	req.Header.Set(HeaderCorrelationID, "corr-123")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	assert.Equal(t, "corr-123", rr.Header().Get(HeaderCorrelationID))
	env := requireErrorCode(t, rr, http.StatusNotFound, "IOT_NOT_FOUND")
	assert.Equal(t, "corr-123", env.Error.CorrelationID)

	rr = h.do(t, http.MethodGet, "/healthz", "", "")
	assert.NotEmpty(t, rr.Header().Get(HeaderCorrelationID))
}

func TestCORS(t *testing.T) {
	h := newHarness(t, WithCORS([]string{"https://app.example"}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/devices", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodDelete, "/v1/devices/device-001", alice, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
