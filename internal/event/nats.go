// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams registry and access events so downstream consumers can index devices,
// streams and grants without polling the service.
package event

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

// Event types, also used as subjects.
const (
	TypeDeviceRegistered = "iot.registry.device.registered"
	TypeDeviceVerified   = "iot.registry.device.verified"
	TypeStreamRegistered = "iot.registry.stream.registered"
	TypeParamsUpdated    = "iot.registry.params.updated"
	TypeAccessGranted    = "iot.access.granted"
)

// Publisher interface defines the event publishing operations required by the registry.
type Publisher interface {
	// Registry events
	PublishDeviceRegistered(ctx context.Context, device model.Device) error
	PublishDeviceVerified(ctx context.Context, device model.Device) error
	PublishStreamRegistered(ctx context.Context, stream model.Stream) error
	PublishParamsUpdated(ctx context.Context, params model.GlobalParams) error

	// Access events
	PublishAccessGranted(ctx context.Context, grant model.AccessGrant) error

	// Close closes the publisher connection
	Close() error
}

type correlationKey struct{}

// WithCorrelationID attaches the request correlation id so published envelopes carry it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) Close() error { return nil }
func (noop) PublishDeviceRegistered(context.Context, model.Device) error { return nil }
func (noop) PublishDeviceVerified(context.Context, model.Device) error { return nil }
func (noop) PublishStreamRegistered(context.Context, model.Stream) error { return nil }
func (noop) PublishParamsUpdated(context.Context, model.GlobalParams) error { return nil }
func (noop) PublishAccessGranted(context.Context, model.AccessGrant) error { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// NewPublisher connects to the NATS server at url. An empty url, or any failure to
// reach JetStream, yields a no-op publisher so the registry keeps working without
// event streaming.
func NewPublisher(url string) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("iot-registry"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams creates the IOT_REGISTRY and IOT_ACCESS streams.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       "IOT_REGISTRY",
		Subjects:   []string{"iot.registry.>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create IOT_REGISTRY stream: %w", err)
	}

	// Access grants are the audit trail for payments; keep them longer.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       "IOT_ACCESS",
		Subjects:   []string{"iot.access.>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     30 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create IOT_ACCESS stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	ID            string      `json:"id"`            // ULID, also the JetStream message id
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// NewEnvelope wraps payload, taking the correlation id from ctx when present.
func NewEnvelope(ctx context.Context, eventType string, payload interface{}) EventEnvelope {
	now := time.Now().UTC()
	corrID := CorrelationID(ctx)
	if corrID == "" {
		corrID = uuid.New().String()
	}
	entropy := ulid.Monotonic(rand.Reader, 0)
	return EventEnvelope{
		ID:            ulid.MustNew(ulid.Timestamp(now), entropy).String(),
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    now,
		CorrelationID: corrID,
		Payload:       payload,
	}
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) PublishDeviceRegistered(ctx context.Context, device model.Device) error {
	return p.publish(ctx, TypeDeviceRegistered, device)
}

func (p *natsPub) PublishDeviceVerified(ctx context.Context, device model.Device) error {
	return p.publish(ctx, TypeDeviceVerified, device)
}

func (p *natsPub) PublishStreamRegistered(ctx context.Context, stream model.Stream) error {
	return p.publish(ctx, TypeStreamRegistered, stream)
}

func (p *natsPub) PublishParamsUpdated(ctx context.Context, params model.GlobalParams) error {
	return p.publish(ctx, TypeParamsUpdated, params)
}

// PublishAccessGranted publishes a grant. The payment receipt id is used as the
// message id so a retried publish of the same grant is dropped by JetStream.
func (p *natsPub) PublishAccessGranted(ctx context.Context, grant model.AccessGrant) error {
	env := NewEnvelope(ctx, TypeAccessGranted, grant)
	return p.send(ctx, env, grant.ReceiptID)
}

func (p *natsPub) publish(ctx context.Context, eventType string, payload interface{}) error {
	env := NewEnvelope(ctx, eventType, payload)
	return p.send(ctx, env, env.ID)
}

func (p *natsPub) send(ctx context.Context, env EventEnvelope, msgID string) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(env.Type, b, nats.Context(ctx), nats.MsgId(msgID))
	return err
}
