package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTxCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateDevice(ctx, model.Device{ID: "d1", Owner: "alice"}); err != nil {
			return err
		}
		// staged writes are visible inside the transaction
		d, err := tx.GetDevice(ctx, "d1")
		if err != nil {
			return err
		}
		assert.Equal(t, model.Principal("alice"), d.Owner)
		return nil
	})
	require.NoError(t, err)

	d, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		_ = tx.CreateDevice(ctx, model.Device{ID: "d1", Owner: "alice"})
		_ = tx.PutOwner(ctx, model.OwnerStats{Principal: "alice", Devices: []string{"d1"}})
		_ = tx.PutParams(ctx, model.GlobalParams{ContractOwner: "mallory"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetDevice(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetOwner(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetParams(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateConflictsAndUpdateRequiresExisting(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.CreateStream(ctx, model.Stream{ID: "s1", DeviceID: "d1"})
	}))

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.CreateStream(ctx, model.Stream{ID: "s1", DeviceID: "d2"})
	})
	assert.ErrorIs(t, err, ErrConflict)

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateDevice(ctx, model.Device{ID: "missing"})
	})
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := s.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "d1", st.DeviceID)
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	loc := "lab"

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateDevice(ctx, model.Device{ID: "d1", Location: &loc}); err != nil {
			return err
		}
		return tx.PutOwner(ctx, model.OwnerStats{Principal: "alice", Devices: []string{"d1"}})
	}))

	d, _ := s.GetDevice(ctx, "d1")
	*d.Location = "garage"
	d.Verified = true
	o, _ := s.GetOwner(ctx, "alice")
	o.Devices[0] = "tampered"

	again, _ := s.GetDevice(ctx, "d1")
	assert.Equal(t, "lab", *again.Location)
	assert.False(t, again.Verified)
	owner, _ := s.GetOwner(ctx, "alice")
	assert.Equal(t, []string{"d1"}, owner.Devices)
}

func TestInitParamsKeepsExisting(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.InitParams(ctx, model.GlobalParams{ContractOwner: "admin", PlatformFeeRateBPS: 25}))
	require.NoError(t, s.InitParams(ctx, model.GlobalParams{ContractOwner: "other", PlatformFeeRateBPS: 99}))

	p, err := s.GetParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Principal("admin"), p.ContractOwner)
	assert.Equal(t, uint64(25), p.PlatformFeeRateBPS)
}

func TestSnapshotIsSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for _, id := range []string{"d3", "d1", "d2"} {
			if err := tx.CreateDevice(ctx, model.Device{ID: id}); err != nil {
				return err
			}
		}
		_ = tx.PutGrant(ctx, model.AccessGrant{Subscriber: "bob", StreamID: "s2"})
		return tx.PutGrant(ctx, model.AccessGrant{Subscriber: "bob", StreamID: "s1"})
	}))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Devices, 3)
	assert.Equal(t, "d1", snap.Devices[0].ID)
	assert.Equal(t, "d3", snap.Devices[2].ID)
	require.Len(t, snap.Grants, 2)
	assert.Equal(t, "s1", snap.Grants[0].StreamID)
}
