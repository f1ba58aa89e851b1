package registry

import (
	"context"
	"math"
	"testing"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFundAccountThenBuyAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, alice, "d1")
	f.stream(t, alice, "s1", "d1", 5000, false)

	_, err := f.reg.RequestStreamAccess(ctx, bob, "s1", 144)
	assertCode(t, err, errordefs.IOT_PAYMENT_FAILED)

	bal, err := f.reg.FundAccount(ctx, admin, bob, 10000)
	require.NoError(t, err)
	assert.Equal(t, model.AccountBalance{Principal: bob, Balance: 10000}, *bal)

	bal, err = f.reg.FundAccount(ctx, admin, bob, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(10500), bal.Balance)

	_, err = f.reg.RequestStreamAccess(ctx, bob, "s1", 144)
	require.NoError(t, err)

	bal, err = f.reg.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(10500-5012), bal.Balance)
}

func TestFundAccountRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.reg.FundAccount(ctx, bob, bob, 100)
	assertCode(t, err, errordefs.IOT_NOT_AUTHORIZED)
	_, err = f.reg.FundAccount(ctx, "", bob, 100)
	assertCode(t, err, errordefs.IOT_AUTHN)
	_, err = f.reg.FundAccount(ctx, admin, "", 100)
	assertCode(t, err, errordefs.IOT_VALIDATION)
	_, err = f.reg.FundAccount(ctx, admin, bob, 0)
	assertCode(t, err, errordefs.IOT_VALIDATION)
	assert.Zero(t, f.balance(t, bob))

	require.NoError(t, f.ledger.Fund(ctx, carol, math.MaxUint64))
	_, err = f.reg.FundAccount(ctx, admin, carol, 1)
	assertCode(t, err, errordefs.IOT_VALIDATION)
	assert.Equal(t, uint64(math.MaxUint64), f.balance(t, carol))
}

func TestGetBalanceOfUnknownPrincipalIsZero(t *testing.T) {
	f := newFixture(t)
	bal, err := f.reg.GetBalance(context.Background(), "did:example:nobody")
	require.NoError(t, err)
	assert.Zero(t, bal.Balance)
}
