package server

import (
	"net/http"
	"strconv"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// handleRegisterDevice handles POST /v1/devices
func (m *Mux) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterDeviceRequest
	if err := m.decode(w, r, schema.RegisterDevice, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("deviceId", req.DeviceID))

	device, err := m.reg.RegisterDevice(r.Context(), principal(r), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, device)
}

// handleGetDevice handles GET /v1/devices/{id}
func (m *Mux) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := m.reg.GetDeviceInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, device)
}

// handleVerifyDevice handles POST /v1/devices/{id}/verify
func (m *Mux) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	device, err := m.reg.VerifyDevice(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, device)
}

// handleRegisterStream handles POST /v1/streams
func (m *Mux) handleRegisterStream(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterStreamRequest
	if err := m.decode(w, r, schema.RegisterStream, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("streamId", req.StreamID),
		attribute.String("deviceId", req.DeviceID),
	)

	stream, err := m.reg.RegisterDataStream(r.Context(), principal(r), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, stream)
}

// handleGetStream handles GET /v1/streams/{id}
func (m *Mux) handleGetStream(w http.ResponseWriter, r *http.Request) {
	stream, err := m.reg.GetStreamInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, stream)
}

// handleRequestAccess handles POST /v1/streams/{id}/access
func (m *Mux) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	var req model.AccessRequest
	if err := m.decode(w, r, schema.RequestAccess, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	streamID := r.PathValue("id")
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("streamId", streamID),
		attribute.Int64("duration", int64(min(req.Duration, 1<<62))),
	)

	grant, err := m.reg.RequestStreamAccess(r.Context(), principal(r), streamID, req.Duration)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, grant)
}

// handleGetGrant handles GET /v1/grants/{subscriber}/{streamId}
func (m *Mux) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	view, err := m.reg.GetGrantView(r.Context(), model.Principal(r.PathValue("subscriber")), r.PathValue("streamId"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, view)
}

// handleGetOwner handles GET /v1/owners/{principal}
func (m *Mux) handleGetOwner(w http.ResponseWriter, r *http.Request) {
	stats, err := m.reg.GetOwnerInfo(r.Context(), model.Principal(r.PathValue("principal")))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, stats)
}

// handleCalculateFee handles GET /v1/fees?price=&duration=
func (m *Mux) handleCalculateFee(w http.ResponseWriter, r *http.Request) {
	price, err := queryUint(r, "price")
	if err != nil {
		m.fail(w, r, err)
		return
	}
	duration, err := queryUint(r, "duration")
	if err != nil {
		m.fail(w, r, err)
		return
	}

	quote, err := m.reg.CalculateFee(r.Context(), price, duration)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, quote)
}

// handleGetParams handles GET /v1/params
func (m *Mux) handleGetParams(w http.ResponseWriter, r *http.Request) {
	params, err := m.reg.GetParams(r.Context())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, params)
}

// handleUpdatePlatformFee handles POST /v1/admin/platform-fee
func (m *Mux) handleUpdatePlatformFee(w http.ResponseWriter, r *http.Request) {
	var req model.UpdatePlatformFeeRequest
	if err := m.decode(w, r, schema.UpdatePlatformFee, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	params, err := m.reg.UpdatePlatformFee(r.Context(), principal(r), req.RateBPS)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, params)
}

// handleUpdateMinAccessPrice handles POST /v1/admin/min-access-price
func (m *Mux) handleUpdateMinAccessPrice(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateMinAccessPriceRequest
	if err := m.decode(w, r, schema.UpdateMinAccessPrice, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	params, err := m.reg.UpdateMinAccessPrice(r.Context(), principal(r), req.Price)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, params)
}

// handleGetBalance handles GET /v1/balances/{principal}
func (m *Mux) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := m.reg.GetBalance(r.Context(), model.Principal(r.PathValue("principal")))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, bal)
}

// handleFundAccount handles POST /v1/admin/ledger/fund
func (m *Mux) handleFundAccount(w http.ResponseWriter, r *http.Request) {
	var req model.FundAccountRequest
	if err := m.decode(w, r, schema.FundAccount, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	bal, err := m.reg.FundAccount(r.Context(), principal(r), req.Principal, req.Amount)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, bal)
}

// handleExportSnapshot handles POST /v1/admin/snapshot
func (m *Mux) handleExportSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, err := m.reg.IsContractOwner(ctx, principal(r))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if !owner {
		m.fail(w, r, errordefs.New(errordefs.IOT_NOT_AUTHORIZED, "caller is not the contract owner", ""))
		return
	}
	if m.archive == nil {
		m.fail(w, r, errordefs.New(errordefs.IOT_UNAVAILABLE, "snapshot export is not configured", ""))
		return
	}

	snap, err := m.reg.Snapshot(ctx)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	out, err := m.archive.Export(ctx, snap)
	if err != nil {
		m.fail(w, r, errordefs.Wrap(errordefs.IOT_UNAVAILABLE, "snapshot upload failed", err))
		return
	}
	m.log.InfoContext(ctx, "snapshot exported", "key", out.Key, "height", out.Height)
	m.writeSuccess(w, http.StatusOK, out)
}

// queryUint parses a required unsigned query parameter.
func queryUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, errordefs.NewWithDetails(errordefs.IOT_VALIDATION, name+" is required", "", map[string]string{"field": name})
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errordefs.NewWithDetails(errordefs.IOT_VALIDATION, name+" must be an unsigned integer", "", map[string]string{"field": name})
	}
	return n, nil
}
