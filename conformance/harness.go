// Package conformance provides a test harness that checks a running registry against
// the marketplace properties: deterministic fees, atomic three-way payments,
// precondition ordering, owner statistics and passive grant expiry.
package conformance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/event"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/registry"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/server"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const harnessKid = "conformance"

// Harness runs the registry behind an httptest server. The ledger height comes from
// an in-memory clock so expiry can be driven by the checks.
type Harness struct {
	server *httptest.Server
	clock  *ledger.Memory
	pool   *pgxpool.Pool
	events *recordingPublisher
	priv   ed25519.PrivateKey
	cfg    Config
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// DatabaseDSN selects PostgreSQL storage and ledger; empty uses in-memory ones
	DatabaseDSN string

	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// Params seeds the marketplace parameters
	Params model.GlobalParams
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	ctx := context.Background()
	clock := ledger.NewMemory()
	h := &Harness{clock: clock, events: &recordingPublisher{}, cfg: cfg}

	var (
		store storage.Store
		led   ledger.Ledger = clock
	)
	if cfg.DatabaseDSN != "" {
		var err error
		if store, err = storage.NewPostgres(cfg.DatabaseDSN); err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		if h.pool, err = storage.OpenPool(cfg.DatabaseDSN); err != nil {
			return nil, fmt.Errorf("failed to open ledger pool: %w", err)
		}
		pg, err := ledger.NewPostgres(ctx, h.pool)
		if err != nil {
			h.pool.Close()
			return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		led = pg
	} else {
		store = storage.NewMemory()
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	h.priv = priv

	reg, err := registry.New(ctx, store, led, clock, cfg.Params, registry.WithPublisher(h.events))
	if err != nil {
		return nil, err
	}

	auth := jwks.NewStaticClient(cfg.JWTIssuer, cfg.JWTAudience, map[string]ed25519.PublicKey{harnessKid: pub})
	handler, err := server.NewMux(reg, auth)
	if err != nil {
		return nil, err
	}

	h.server = httptest.NewServer(handler)
	return h, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	if h.pool != nil {
		h.pool.Close()
	}
}

// RunConformanceTests runs every property check. Each check uses its own ids so
// they can share one harness.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("FeeDeterminism", h.testFeeDeterminism)
	t.Run("Funding", h.testFunding)
	t.Run("ThreeWayPayment", h.testThreeWayPayment)
	t.Run("AtomicFailure", h.testAtomicFailure)
	t.Run("PreconditionOrder", h.testPreconditionOrder)
	t.Run("OwnerStats", h.testOwnerStats)
	t.Run("PassiveExpiry", h.testPassiveExpiry)
	t.Run("AdminAuthorization", h.testAdminAuthorization)
	t.Run("Events", h.testEvents)
}

// response is the decoded JSON envelope.
type response struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (r response) code() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

func (h *Harness) token(t *testing.T, sub model.Principal) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   string(sub),
		Issuer:    h.cfg.JWTIssuer,
		Audience:  jwt.ClaimStrings{h.cfg.JWTAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	tok.Header["kid"] = harnessKid
	s, err := tok.SignedString(h.priv)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

// call sends body as sub (empty sub means anonymous) and decodes the envelope.
func (h *Harness) call(t *testing.T, method, path string, sub model.Principal, body interface{}) response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.URL()+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, sub))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := response{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("%s %s: failed to decode response: %v", method, path, err)
	}
	return out
}

func (h *Harness) mustOK(t *testing.T, r response, dst interface{}) {
	t.Helper()
	if r.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", r.Status, r.code())
	}
	if dst != nil {
		if err := json.Unmarshal(r.Data, dst); err != nil {
			t.Fatalf("failed to decode data: %v", err)
		}
	}
}

func (h *Harness) expectCode(t *testing.T, r response, code string) {
	t.Helper()
	if r.code() != code {
		t.Errorf("expected %s, got status %d code %q", code, r.Status, r.code())
	}
}

func deviceReq(id string) model.RegisterDeviceRequest {
	return model.RegisterDeviceRequest{
		DeviceID:        id,
		Name:            "Smart Thermostat",
		DeviceType:      "Climate Control",
		Manufacturer:    "IoT Corp",
		FirmwareVersion: "v1.0.0",
	}
}

func streamReq(id, deviceID string, price uint64) model.RegisterStreamRequest {
	return model.RegisterStreamRequest{
		StreamID:        id,
		DeviceID:        deviceID,
		StreamType:      "Temperature",
		Description:     "Indoor temperature",
		DataFormat:      "JSON",
		UpdateFrequency: 10,
		PricePerAccess:  price,
	}
}

// balance reads p's balance through the public endpoint.
func (h *Harness) balance(t *testing.T, p model.Principal) uint64 {
	t.Helper()
	var b model.AccountBalance
	h.mustOK(t, h.call(t, http.MethodGet, "/v1/balances/"+string(p), "", nil), &b)
	return b.Balance
}

// fund credits amount to p as the contract owner.
func (h *Harness) fund(t *testing.T, p model.Principal, amount uint64) {
	t.Helper()
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/admin/ledger/fund", h.cfg.Params.ContractOwner,
		model.FundAccountRequest{Principal: p, Amount: amount}), nil)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testFeeDeterminism checks that quotes are a pure function of their inputs.
func (h *Harness) testFeeDeterminism(t *testing.T) {
	var first, second model.Fee
	h.mustOK(t, h.call(t, http.MethodGet, "/v1/fees?price=5000&duration=144", "", nil), &first)
	h.mustOK(t, h.call(t, http.MethodGet, "/v1/fees?price=5000&duration=144", "", nil), &second)
	if first != second {
		t.Errorf("fee quotes differ: %+v vs %+v", first, second)
	}
	if first.TotalFee != first.BaseFee+first.PlatformFee {
		t.Errorf("total %d != base %d + platform %d", first.TotalFee, first.BaseFee, first.PlatformFee)
	}
}

// testThreeWayPayment checks that the subscriber pays exactly the total and the owner
// and platform receive exactly their shares.
func (h *Harness) testThreeWayPayment(t *testing.T) {
	owner, sub := model.Principal("did:conf:pay-owner"), model.Principal("did:conf:pay-sub")
	platform := h.cfg.Params.ContractOwner
	h.fund(t, sub, 1_000_000)
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/devices", owner, deviceReq("pay-dev")), nil)
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/streams", owner, streamReq("pay-stream", "pay-dev", 5000)), nil)

	subBefore, ownerBefore, platformBefore := h.balance(t, sub), h.balance(t, owner), h.balance(t, platform)
	var grant model.AccessGrant
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/streams/pay-stream/access", sub, model.AccessRequest{Duration: 144}), &grant)

	if got := subBefore - h.balance(t, sub); got != grant.Fee.TotalFee {
		t.Errorf("subscriber paid %d, want %d", got, grant.Fee.TotalFee)
	}
	if got := h.balance(t, owner) - ownerBefore; got != grant.Fee.BaseFee {
		t.Errorf("owner received %d, want %d", got, grant.Fee.BaseFee)
	}
	if got := h.balance(t, platform) - platformBefore; got != grant.Fee.PlatformFee {
		t.Errorf("platform received %d, want %d", got, grant.Fee.PlatformFee)
	}
}

// testAtomicFailure checks that a failed payment leaves no grant and no counter change.
func (h *Harness) testAtomicFailure(t *testing.T) {
	owner, sub := model.Principal("did:conf:atomic-owner"), model.Principal("did:conf:atomic-broke")
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/devices", owner, deviceReq("atomic-dev")), nil)
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/streams", owner, streamReq("atomic-stream", "atomic-dev", 5000)), nil)

	h.fund(t, sub, 5011)
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/streams/atomic-stream/access", sub, model.AccessRequest{Duration: 144}), "IOT_PAYMENT_FAILED")
	if got := h.balance(t, sub); got != 5011 {
		t.Errorf("subscriber balance %d after failed payment, want 5011", got)
	}
	h.expectCode(t, h.call(t, http.MethodGet, "/v1/grants/"+string(sub)+"/atomic-stream", "", nil), "IOT_NOT_FOUND")

	var stream model.Stream
	h.mustOK(t, h.call(t, http.MethodGet, "/v1/streams/atomic-stream", "", nil), &stream)
	if stream.AccessCount != 0 {
		t.Errorf("access count %d after failed payment", stream.AccessCount)
	}
}

// testFunding checks that only the contract owner credits deposits.
func (h *Harness) testFunding(t *testing.T) {
	sub := model.Principal("did:conf:fund-sub")
	before := h.balance(t, sub)

	h.expectCode(t, h.call(t, http.MethodPost, "/v1/admin/ledger/fund", sub,
		model.FundAccountRequest{Principal: sub, Amount: 100}), "IOT_NOT_AUTHORIZED")
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/admin/ledger/fund", h.cfg.Params.ContractOwner,
		model.FundAccountRequest{Principal: sub, Amount: 0}), "IOT_VALIDATION")

	var bal model.AccountBalance
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/admin/ledger/fund", h.cfg.Params.ContractOwner,
		model.FundAccountRequest{Principal: sub, Amount: 250}), &bal)
	if bal.Balance != before+250 {
		t.Errorf("balance after funding %d, want %d", bal.Balance, before+250)
	}
}

// testPreconditionOrder checks which error wins when several preconditions fail.
func (h *Harness) testPreconditionOrder(t *testing.T) {
	owner, other := model.Principal("did:conf:order-owner"), model.Principal("did:conf:order-other")
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/devices", owner, deviceReq("order-dev")), nil)
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/streams", owner, streamReq("order-stream", "order-dev", 5000)), nil)

	// Unknown device beats everything else
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/streams", other, streamReq("order-stream", "nope", 1)), "IOT_DEVICE_NOT_FOUND")
	// Ownership beats duplicate id and low price
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/streams", other, streamReq("order-stream", "order-dev", 1)), "IOT_NOT_AUTHORIZED")
	// Duplicate id beats low price
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/streams", owner, streamReq("order-stream", "order-dev", 1)), "IOT_ALREADY_REGISTERED")
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/streams", owner, streamReq("order-cheap", "order-dev", 1)), "IOT_INVALID_PRICE")
	// Unknown stream on access
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/streams/nope/access", other, model.AccessRequest{Duration: 1}), "IOT_STREAM_NOT_FOUND")
}

// testOwnerStats checks that owner stats track devices and streams.
func (h *Harness) testOwnerStats(t *testing.T) {
	owner := model.Principal("did:conf:stats-owner")
	for _, d := range []string{"stats-a", "stats-b"} {
		h.mustOK(t, h.call(t, http.MethodPost, "/v1/devices", owner, deviceReq(d)), nil)
	}
	for _, s := range []string{"stats-s1", "stats-s2", "stats-s3"} {
		h.mustOK(t, h.call(t, http.MethodPost, "/v1/streams", owner, streamReq(s, "stats-a", 1000)), nil)
	}

	var stats model.OwnerStats
	h.mustOK(t, h.call(t, http.MethodGet, "/v1/owners/"+string(owner), "", nil), &stats)
	if len(stats.Devices) != 2 || stats.Devices[0] != "stats-a" || stats.Devices[1] != "stats-b" {
		t.Errorf("devices %v, want [stats-a stats-b]", stats.Devices)
	}
	if stats.TotalStreams != 3 {
		t.Errorf("total streams %d, want 3", stats.TotalStreams)
	}
	if stats.ReputationScore != registry.BaselineReputation {
		t.Errorf("reputation %d, want %d", stats.ReputationScore, registry.BaselineReputation)
	}
}

// testPassiveExpiry checks that grants lapse once the height reaches their expiry.
func (h *Harness) testPassiveExpiry(t *testing.T) {
	owner, sub := model.Principal("did:conf:exp-owner"), model.Principal("did:conf:exp-sub")
	h.fund(t, sub, 1_000_000)
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/devices", owner, deviceReq("exp-dev")), nil)
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/streams", owner, streamReq("exp-stream", "exp-dev", 1440)), nil)
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/streams/exp-stream/access", sub, model.AccessRequest{Duration: 3}), nil)

	path := "/v1/grants/" + string(sub) + "/exp-stream"
	var view model.GrantView
	h.mustOK(t, h.call(t, http.MethodGet, path, "", nil), &view)
	if !view.Active {
		t.Fatalf("grant inactive right after purchase: %+v", view)
	}

	h.clock.Advance(3)
	h.mustOK(t, h.call(t, http.MethodGet, path, "", nil), &view)
	if view.Active {
		t.Errorf("grant still active at height %d with expiry %d", view.CurrentHeight, view.Expiry)
	}
}

// testAdminAuthorization checks that only the contract owner changes parameters.
func (h *Harness) testAdminAuthorization(t *testing.T) {
	intruder := model.Principal("did:conf:intruder")
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/admin/platform-fee", intruder, model.UpdatePlatformFeeRequest{RateBPS: 9000}), "IOT_NOT_AUTHORIZED")
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/admin/min-access-price", intruder, model.UpdateMinAccessPriceRequest{Price: 1}), "IOT_NOT_AUTHORIZED")
	h.expectCode(t, h.call(t, http.MethodPost, "/v1/admin/platform-fee", "", model.UpdatePlatformFeeRequest{RateBPS: 9000}), "IOT_AUTHN")

	var params model.GlobalParams
	h.mustOK(t, h.call(t, http.MethodGet, "/v1/params", "", nil), &params)
	if params != h.cfg.Params {
		t.Errorf("params changed by unauthorized callers: %+v", params)
	}
}

// testEvents checks that successful writes publish events.
func (h *Harness) testEvents(t *testing.T) {
	before := h.events.count()
	owner := model.Principal("did:conf:events-owner")
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/devices", owner, deviceReq("events-dev")), nil)
	h.mustOK(t, h.call(t, http.MethodPost, "/v1/streams", owner, streamReq("events-stream", "events-dev", 1000)), nil)
	if got := h.events.count() - before; got != 2 {
		t.Errorf("expected 2 events, got %d", got)
	}
}

// recordingPublisher counts published events.
type recordingPublisher struct {
	mu sync.Mutex
	n  int
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *recordingPublisher) inc() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return nil
}

func (p *recordingPublisher) Close() error { return nil }
func (p *recordingPublisher) PublishDeviceRegistered(context.Context, model.Device) error { return p.inc() }
func (p *recordingPublisher) PublishDeviceVerified(context.Context, model.Device) error { return p.inc() }
func (p *recordingPublisher) PublishStreamRegistered(context.Context, model.Stream) error { return p.inc() }
func (p *recordingPublisher) PublishParamsUpdated(context.Context, model.GlobalParams) error { return p.inc() }
func (p *recordingPublisher) PublishAccessGranted(context.Context, model.AccessGrant) error { return p.inc() }

var _ event.Publisher = (*recordingPublisher)(nil)
