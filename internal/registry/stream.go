package registry

import (
	"context"
	"errors"
	"fmt"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/event"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// RegisterDataStream registers a priced stream under a device owned by caller.
// Checks run in order: device exists, caller owns it, stream id unused, price at or
// above the current minimum.
func (r *Registry) RegisterDataStream(ctx context.Context, caller model.Principal, req model.RegisterStreamRequest) (_ *model.Stream, err error) {
	ctx, done := r.begin(ctx, "RegisterDataStream",
		attribute.String("stream.id", req.StreamID),
		attribute.String("device.id", req.DeviceID))
	defer func() { done(err) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := requireID("streamId", req.StreamID); err != nil {
		return nil, err
	}

	stream := model.Stream{
		ID:                   req.StreamID,
		DeviceID:             req.DeviceID,
		StreamType:           req.StreamType,
		Description:          req.Description,
		DataFormat:           req.DataFormat,
		UpdateFrequency:      req.UpdateFrequency,
		PricePerAccess:       req.PricePerAccess,
		RequiresVerification: req.RequiresVerification,
		Active:               true,
		AccessCount:          0,
	}

	err = r.inTx(ctx, func(tx storage.Tx) error {
		device, err := tx.GetDevice(ctx, req.DeviceID)
		if err != nil {
			return notFoundAs(err, errordefs.ErrDeviceNotFound, "device not found")
		}
		if device.Owner != caller {
			return errordefs.New(errordefs.IOT_NOT_AUTHORIZED, "caller does not own device", "")
		}
		if _, err := tx.GetStream(ctx, req.StreamID); err == nil {
			return errordefs.New(errordefs.IOT_ALREADY_REGISTERED, "stream already registered", "")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		params, err := tx.GetParams(ctx)
		if err != nil {
			return fmt.Errorf("failed to read global params: %w", err)
		}
		if req.PricePerAccess < params.MinAccessPrice {
			return errordefs.NewWithDetails(errordefs.IOT_INVALID_PRICE, "price below minimum access price", "",
				map[string]uint64{"minAccessPrice": params.MinAccessPrice, "pricePerAccess": req.PricePerAccess})
		}

		if err := tx.CreateStream(ctx, stream); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return errordefs.New(errordefs.IOT_ALREADY_REGISTERED, "stream already registered", "")
			}
			return err
		}
		return addOwnedStream(ctx, tx, device.Owner)
	})
	if err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "stream registered", "streamId", stream.ID, "deviceId", stream.DeviceID, "price", stream.PricePerAccess)
	r.publish(ctx, event.TypeStreamRegistered, func(ctx context.Context) error {
		return r.events.PublishStreamRegistered(ctx, stream)
	})
	return &stream, nil
}

// GetStreamInfo returns the stream or IOT_NOT_FOUND.
func (r *Registry) GetStreamInfo(ctx context.Context, streamID string) (*model.Stream, error) {
	s, err := r.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, absent(err, "stream")
	}
	return s, nil
}
