package registry

import (
	"context"
	"errors"
	"fmt"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"go.opentelemetry.io/otel/attribute"
)

// FundAccount credits a deposit made outside the registry to principal's ledger
// account. Contract owner only.
func (r *Registry) FundAccount(ctx context.Context, caller, principal model.Principal, amount uint64) (_ *model.AccountBalance, err error) {
	ctx, done := r.begin(ctx, "FundAccount", attribute.String("account.principal", string(principal)))
	defer func() { done(err) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := requireID("principal", string(principal)); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, errordefs.NewWithDetails(errordefs.IOT_VALIDATION, "amount must be positive", "", map[string]string{"field": "amount"})
	}
	owner, err := r.IsContractOwner(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !owner {
		return nil, errordefs.New(errordefs.IOT_NOT_AUTHORIZED, "caller is not the contract owner", "")
	}

	if err := r.ledger.Fund(ctx, principal, amount); err != nil {
		if errors.Is(err, ledger.ErrCreditOverflow) {
			return nil, errordefs.Wrap(errordefs.IOT_VALIDATION, "deposit would overflow balance", err)
		}
		return nil, fmt.Errorf("failed to fund %s: %w", principal, err)
	}
	bal, err := r.GetBalance(ctx, principal)
	if err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "account funded", "principal", principal, "amount", amount, "balance", bal.Balance)
	return bal, nil
}

// GetBalance returns principal's ledger balance. Unknown principals hold zero.
func (r *Registry) GetBalance(ctx context.Context, principal model.Principal) (*model.AccountBalance, error) {
	if err := requireID("principal", string(principal)); err != nil {
		return nil, err
	}
	b, err := r.ledger.Balance(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance of %s: %w", principal, err)
	}
	return &model.AccountBalance{Principal: principal, Balance: b}, nil
}
