package registry

import (
	"context"
	"fmt"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/event"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/fee"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// UpdatePlatformFee sets the platform fee rate in basis points. Contract owner only.
// Grants already issued keep the fee they were charged.
func (r *Registry) UpdatePlatformFee(ctx context.Context, caller model.Principal, rateBPS uint64) (_ *model.GlobalParams, err error) {
	ctx, done := r.begin(ctx, "UpdatePlatformFee", attribute.Int64("fee.rate_bps", int64(min(rateBPS, 1<<62))))
	defer func() { done(err) }()

	return r.updateParams(ctx, caller, func(p *model.GlobalParams) {
		p.PlatformFeeRateBPS = rateBPS
	})
}

// UpdateMinAccessPrice sets the minimum price for new streams. Contract owner only.
// Streams registered under a lower minimum are left as they are.
func (r *Registry) UpdateMinAccessPrice(ctx context.Context, caller model.Principal, price uint64) (_ *model.GlobalParams, err error) {
	ctx, done := r.begin(ctx, "UpdateMinAccessPrice")
	defer func() { done(err) }()

	return r.updateParams(ctx, caller, func(p *model.GlobalParams) {
		p.MinAccessPrice = price
	})
}

func (r *Registry) updateParams(ctx context.Context, caller model.Principal, apply func(*model.GlobalParams)) (*model.GlobalParams, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}

	var updated model.GlobalParams
	err := r.inTx(ctx, func(tx storage.Tx) error {
		params, err := tx.GetParams(ctx)
		if err != nil {
			return fmt.Errorf("failed to read global params: %w", err)
		}
		if params.ContractOwner != caller {
			return errordefs.New(errordefs.IOT_NOT_AUTHORIZED, "caller is not the contract owner", "")
		}
		apply(params)
		updated = *params
		return tx.PutParams(ctx, updated)
	})
	if err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "global params updated",
		"platformFeeRateBps", updated.PlatformFeeRateBPS,
		"minAccessPrice", updated.MinAccessPrice)
	r.publish(ctx, event.TypeParamsUpdated, func(ctx context.Context) error {
		return r.events.PublishParamsUpdated(ctx, updated)
	})
	return &updated, nil
}

// GetParams returns the current global parameters.
func (r *Registry) GetParams(ctx context.Context) (*model.GlobalParams, error) {
	p, err := r.store.GetParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read global params: %w", err)
	}
	return p, nil
}

// CalculateFee quotes the fee for price and duration at the current platform rate.
func (r *Registry) CalculateFee(ctx context.Context, price, duration uint64) (model.Fee, error) {
	p, err := r.GetParams(ctx)
	if err != nil {
		return model.Fee{}, err
	}
	return fee.Calculate(price, duration, p.PlatformFeeRateBPS)
}

// IsContractOwner reports whether caller administers the registry.
func (r *Registry) IsContractOwner(ctx context.Context, caller model.Principal) (bool, error) {
	p, err := r.GetParams(ctx)
	if err != nil {
		return false, err
	}
	return caller != "" && p.ContractOwner == caller, nil
}

func requireContractOwner(ctx context.Context, tx storage.Tx, caller model.Principal) error {
	params, err := tx.GetParams(ctx)
	if err != nil {
		return fmt.Errorf("failed to read global params: %w", err)
	}
	if params.ContractOwner != caller {
		return errordefs.New(errordefs.IOT_NOT_AUTHORIZED, "caller is not the contract owner", "")
	}
	return nil
}
