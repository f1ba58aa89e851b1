package registry

import (
	"context"
	"errors"
	"slices"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/storage"
)

// Reputation bounds. Owners start at the baseline; nothing moves the score yet.
const (
	BaselineReputation uint64 = 70
	MaxReputation      uint64 = 100
)

// GetOwnerInfo returns the owner statistics for principal or IOT_NOT_FOUND.
func (r *Registry) GetOwnerInfo(ctx context.Context, principal model.Principal) (*model.OwnerStats, error) {
	o, err := r.store.GetOwner(ctx, principal)
	if err != nil {
		return nil, absent(err, "owner")
	}
	return o, nil
}

// addOwnedDevice appends deviceID to the owner's device list, creating the record on
// first registration. The list never holds duplicates.
func addOwnedDevice(ctx context.Context, tx storage.Tx, owner model.Principal, deviceID string) error {
	stats, err := loadOwner(ctx, tx, owner)
	if err != nil {
		return err
	}
	if !slices.Contains(stats.Devices, deviceID) {
		stats.Devices = append(stats.Devices, deviceID)
	}
	return tx.PutOwner(ctx, *stats)
}

// addOwnedStream increments the owner's stream count.
func addOwnedStream(ctx context.Context, tx storage.Tx, owner model.Principal) error {
	stats, err := loadOwner(ctx, tx, owner)
	if err != nil {
		return err
	}
	stats.TotalStreams++
	return tx.PutOwner(ctx, *stats)
}

func loadOwner(ctx context.Context, tx storage.Tx, owner model.Principal) (*model.OwnerStats, error) {
	stats, err := tx.GetOwner(ctx, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return &model.OwnerStats{
			Principal:       owner,
			Devices:         []string{},
			ReputationScore: BaselineReputation,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	stats.ReputationScore = clampReputation(stats.ReputationScore)
	return stats, nil
}

func clampReputation(score uint64) uint64 {
	return min(score, MaxReputation)
}
