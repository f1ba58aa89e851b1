package registry

import (
	"context"
	"errors"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/event"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// RegisterDevice records a new device owned by caller and appends it to the caller's
// owner statistics, creating them with the baseline reputation on first registration.
func (r *Registry) RegisterDevice(ctx context.Context, caller model.Principal, req model.RegisterDeviceRequest) (_ *model.Device, err error) {
	ctx, done := r.begin(ctx, "RegisterDevice", attribute.String("device.id", req.DeviceID))
	defer func() { done(err) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := requireID("deviceId", req.DeviceID); err != nil {
		return nil, err
	}
	height, err := r.Height(ctx)
	if err != nil {
		return nil, err
	}

	device := model.Device{
		ID:              req.DeviceID,
		Owner:           caller,
		Name:            req.Name,
		DeviceType:      req.DeviceType,
		Manufacturer:    req.Manufacturer,
		FirmwareVersion: req.FirmwareVersion,
		Location:        req.Location,
		Status:          model.DeviceStatusActive,
		Verified:        false,
		RegisteredAt:    height,
	}

	err = r.inTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateDevice(ctx, device); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return errordefs.New(errordefs.IOT_ALREADY_REGISTERED, "device already registered", "")
			}
			return err
		}
		return addOwnedDevice(ctx, tx, caller, device.ID)
	})
	if err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "device registered", "deviceId", device.ID, "owner", caller)
	r.publish(ctx, event.TypeDeviceRegistered, func(ctx context.Context) error {
		return r.events.PublishDeviceRegistered(ctx, device)
	})
	return &device, nil
}

// GetDeviceInfo returns the device or IOT_NOT_FOUND.
func (r *Registry) GetDeviceInfo(ctx context.Context, deviceID string) (*model.Device, error) {
	d, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, absent(err, "device")
	}
	return d, nil
}

// VerifyDevice marks a device as verified. Only the contract owner, acting as the
// verification authority, may do so. Verifying an already verified device succeeds
// without change.
func (r *Registry) VerifyDevice(ctx context.Context, caller model.Principal, deviceID string) (_ *model.Device, err error) {
	ctx, done := r.begin(ctx, "VerifyDevice", attribute.String("device.id", deviceID))
	defer func() { done(err) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}

	var (
		device  *model.Device
		changed bool
	)
	err = r.inTx(ctx, func(tx storage.Tx) error {
		if err := requireContractOwner(ctx, tx, caller); err != nil {
			return err
		}
		d, err := tx.GetDevice(ctx, deviceID)
		if err != nil {
			return notFoundAs(err, errordefs.ErrDeviceNotFound, "device not found")
		}
		device = d
		if d.Verified {
			return nil
		}
		d.Verified = true
		changed = true
		return tx.UpdateDevice(ctx, *d)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.log.InfoContext(ctx, "device verified", "deviceId", deviceID, "by", caller)
		r.publish(ctx, event.TypeDeviceVerified, func(ctx context.Context) error {
			return r.events.PublishDeviceVerified(ctx, *device)
		})
	}
	return device, nil
}

func requireCaller(caller model.Principal) error {
	if caller == "" {
		return errordefs.New(errordefs.IOT_AUTHN, "caller principal is required", "")
	}
	return nil
}
