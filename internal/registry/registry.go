// Package registry implements the IoT device and stream marketplace: device and
// stream registration, paid time-bounded access grants, owner statistics and the
// owner-gated global parameters.
//
// Every mutating operation runs inside one storage transaction. Preconditions are
// checked first, writes are staged, and the transaction commits only when every step
// (including the payment for access requests) has succeeded.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/event"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "iot-registry"

// Registry is the single state container for the marketplace. All reads and writes of
// devices, streams, grants, owner stats and global params go through it.
type Registry struct {
	store   storage.Store
	ledger  ledger.Ledger
	clock   ledger.Clock
	events  event.Publisher
	metrics *metrics.Metrics
	policy  VerificationPolicy
	log     *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Registry)

// WithPublisher sets the event publisher. Defaults to a no-op publisher.
func WithPublisher(p event.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithPolicy sets the check applied to streams that require verification.
// Defaults to VerifiedDevice.
func WithPolicy(p VerificationPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New returns a Registry over store and seeds the global parameters with params
// unless they were already persisted by an earlier run.
func New(ctx context.Context, store storage.Store, l ledger.Ledger, clock ledger.Clock, params model.GlobalParams, opts ...Option) (*Registry, error) {
	if params.ContractOwner == "" {
		return nil, errors.New("contract owner is required")
	}
	r := &Registry{
		store:  store,
		ledger: l,
		clock:  clock,
		events: event.NewNoop(),
		policy: VerifiedDevice{},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := store.InitParams(ctx, params); err != nil {
		return nil, fmt.Errorf("failed to initialize global params: %w", err)
	}
	stored, err := store.GetParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read global params: %w", err)
	}
	if stored.ContractOwner != params.ContractOwner {
		r.log.WarnContext(ctx, "configured contract owner ignored; the persisted owner administers the registry",
			"configured", params.ContractOwner,
			"persisted", stored.ContractOwner)
	}
	return r, nil
}

// inTx runs fn in a store transaction. Values the backend cannot represent are
// reported to the caller as IOT_VALIDATION.
func (r *Registry) inTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	err := r.store.InTx(ctx, fn)
	if errors.Is(err, storage.ErrOutOfRange) {
		return errordefs.Wrap(errordefs.IOT_VALIDATION, "value out of range", err)
	}
	return err
}

// Height returns the current ledger height.
func (r *Registry) Height(ctx context.Context) (uint64, error) {
	h, err := r.clock.Height(ctx)
	if err != nil {
		return 0, errordefs.Wrap(errordefs.IOT_UNAVAILABLE, "ledger height unavailable", err)
	}
	return h, nil
}

// Snapshot returns a copy of every table stamped with the current height.
func (r *Registry) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	h, err := r.Height(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	snap.Height = h
	return snap, nil
}

// Ping reports whether the backing store is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// begin starts a span for op. The returned func records the outcome on the span and
// in the operation metrics.
func (r *Registry) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			status = string(errordefs.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		}
		span.End()
		r.metrics.ObserveOperation(op, status, start)
	}
}

// publish sends an event after commit. Publishing is best effort: the state change
// has already been applied, so a failure is logged and counted but not returned.
func (r *Registry) publish(ctx context.Context, eventType string, send func(context.Context) error) {
	start := time.Now()
	err := send(ctx)
	r.metrics.ObserveEvent(eventType, err, start)
	if err != nil {
		r.log.WarnContext(ctx, "failed to publish event", "type", eventType, "error", err)
	}
}

// notFoundAs translates storage.ErrNotFound into the coded error e.
func notFoundAs(err error, e *errordefs.Error, msg string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errordefs.New(e.Code, msg, "")
	}
	return err
}

// absent maps a missing record on a public read to IOT_NOT_FOUND.
func absent(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errordefs.New(errordefs.IOT_NOT_FOUND, what+" not found", "")
	}
	return err
}

func requireID(field, value string) error {
	if value == "" {
		return errordefs.NewWithDetails(errordefs.IOT_VALIDATION, field+" is required", "", map[string]string{"field": field})
	}
	return nil
}
