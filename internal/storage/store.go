// internal/storage/store.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a record already exists

	// ErrOutOfRange is returned when a value does not fit the backend's column type
	ErrOutOfRange = errors.New("value out of range")
)

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	GetStream(ctx context.Context, streamID string) (*model.Stream, error)
	GetOwner(ctx context.Context, principal model.Principal) (*model.OwnerStats, error)
	GetGrant(ctx context.Context, subscriber model.Principal, streamID string) (*model.AccessGrant, error)
	GetParams(ctx context.Context) (*model.GlobalParams, error)
}

// Tx is a unit of work. Writes made through a Tx become visible only if the function
// passed to Store.InTx returns nil.
type Tx interface {
	Reader

	CreateDevice(ctx context.Context, device model.Device) error // ErrConflict on duplicate id
	UpdateDevice(ctx context.Context, device model.Device) error // ErrNotFound if absent
	CreateStream(ctx context.Context, stream model.Stream) error // ErrConflict on duplicate id
	UpdateStream(ctx context.Context, stream model.Stream) error // ErrNotFound if absent
	PutOwner(ctx context.Context, owner model.OwnerStats) error
	PutGrant(ctx context.Context, grant model.AccessGrant) error
	PutParams(ctx context.Context, params model.GlobalParams) error
}

// Store interface defines the storage operations required by the registry.
// Mutating operations run through InTx, which serializes them.
type Store interface {
	Reader

	// InitParams stores params unless global parameters already exist.
	InitParams(ctx context.Context, params model.GlobalParams) error

	// InTx runs fn in a serialized transaction and commits only if fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Snapshot returns a copy of every table.
	Snapshot(ctx context.Context) (*model.Snapshot, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// grantKey is the composite key of the access_grants table.
type grantKey struct {
	subscriber model.Principal
	streamID   string
}
