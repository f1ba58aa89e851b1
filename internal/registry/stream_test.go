package registry

import (
	"context"
	"testing"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/event"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDataStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, alice, "device-001")

	s, err := f.reg.RegisterDataStream(ctx, alice, streamRequest("stream-001", "device-001", 5000, false))
	require.NoError(t, err)

	got, err := f.reg.GetStreamInfo(ctx, "stream-001")
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, "device-001", got.DeviceID)
	assert.Equal(t, uint64(5000), got.PricePerAccess)
	assert.True(t, got.Active)
	assert.Zero(t, got.AccessCount)

	owner, err := f.reg.GetOwnerInfo(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), owner.TotalStreams)
	assert.Equal(t, uint64(70), owner.ReputationScore)

	assert.Equal(t, []string{event.TypeDeviceRegistered, event.TypeStreamRegistered}, f.events.Types())
}

func TestRegisterDataStreamPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, alice, "d1")
	f.stream(t, alice, "taken", "d1", 5000, false)

	cases := []struct {
		name   string
		caller model.Principal
		stream string
		device string
		price  uint64
		want   errordefs.ErrorCode
	}{
		{"unknown device", alice, "s1", "missing", 5000, errordefs.IOT_DEVICE_NOT_FOUND},
		{"unknown device checked before ownership", bob, "s1", "missing", 5000, errordefs.IOT_DEVICE_NOT_FOUND},
		{"not the owner", bob, "s1", "d1", 5000, errordefs.IOT_NOT_AUTHORIZED},
		{"ownership checked before duplicate", bob, "taken", "d1", 5000, errordefs.IOT_NOT_AUTHORIZED},
		{"duplicate stream", alice, "taken", "d1", 5000, errordefs.IOT_ALREADY_REGISTERED},
		{"duplicate checked before price", alice, "taken", "d1", 1, errordefs.IOT_ALREADY_REGISTERED},
		{"below minimum", alice, "s1", "d1", 999, errordefs.IOT_INVALID_PRICE},
		{"missing id", alice, "", "d1", 5000, errordefs.IOT_VALIDATION},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.reg.RegisterDataStream(ctx, tc.caller, streamRequest(tc.stream, tc.device, tc.price, false))
			assertCode(t, err, tc.want)
		})
	}

	// nothing but the original stream exists
	_, err := f.reg.GetStreamInfo(ctx, "s1")
	assertCode(t, err, errordefs.IOT_NOT_FOUND)
	owner, err := f.reg.GetOwnerInfo(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), owner.TotalStreams)
	_, err = f.reg.GetOwnerInfo(ctx, bob)
	assertCode(t, err, errordefs.IOT_NOT_FOUND)
}

func TestMinimumPriceEnforcementAndGrandfathering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, alice, "d1")
	f.stream(t, alice, "legacy", "d1", 1500, false)

	_, err := f.reg.UpdateMinAccessPrice(ctx, admin, 2000)
	require.NoError(t, err)

	_, err = f.reg.RegisterDataStream(ctx, alice, streamRequest("cheap", "d1", 1000, false))
	assertCode(t, err, errordefs.IOT_INVALID_PRICE)

	_, err = f.reg.RegisterDataStream(ctx, alice, streamRequest("exact", "d1", 2000, false))
	require.NoError(t, err)

	// the stream registered under the old minimum is untouched and still sellable
	legacy, err := f.reg.GetStreamInfo(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), legacy.PricePerAccess)
	assert.True(t, legacy.Active)

	require.NoError(t, f.ledger.Fund(context.Background(), bob, 10000))
	_, err = f.reg.RequestStreamAccess(ctx, bob, "legacy", 144)
	require.NoError(t, err)
}
