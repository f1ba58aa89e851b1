// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu      sync.RWMutex                          // Protects the tables; held exclusively by InTx
	devices map[string]*model.Device              // Map of device ID to device
	streams map[string]*model.Stream              // Map of stream ID to stream
	owners  map[model.Principal]*model.OwnerStats // Map of principal to owner statistics
	grants  map[grantKey]*model.AccessGrant       // Map of (subscriber, stream) to grant
	params  *model.GlobalParams                   // Global parameters, nil until initialized
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		devices: make(map[string]*model.Device),
		streams: make(map[string]*model.Stream),
		owners:  make(map[model.Principal]*model.OwnerStats),
		grants:  make(map[grantKey]*model.AccessGrant),
	}
}

func (m *memory) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDevice(deviceID)
}

func (m *memory) GetStream(ctx context.Context, streamID string) (*model.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getStream(streamID)
}

func (m *memory) GetOwner(ctx context.Context, principal model.Principal) (*model.OwnerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOwner(principal)
}

func (m *memory) GetGrant(ctx context.Context, subscriber model.Principal, streamID string) (*model.AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getGrant(grantKey{subscriber, streamID})
}

func (m *memory) GetParams(ctx context.Context) (*model.GlobalParams, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getParams()
}

// The unexported getters assume the caller holds mu and always return copies so that
// callers can never mutate table state in place.

func (m *memory) getDevice(id string) (*model.Device, error) {
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(d), nil
}

func (m *memory) getStream(id string) (*model.Stream, error) {
	s, ok := m.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *memory) getOwner(p model.Principal) (*model.OwnerStats, error) {
	o, ok := m.owners[p]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOwner(o), nil
}

func (m *memory) getGrant(k grantKey) (*model.AccessGrant, error) {
	g, ok := m.grants[k]
	if !ok {
		return nil, ErrNotFound
	}
	c := *g
	return &c, nil
}

func (m *memory) getParams() (*model.GlobalParams, error) {
	if m.params == nil {
		return nil, ErrNotFound
	}
	c := *m.params
	return &c, nil
}

func (m *memory) InitParams(ctx context.Context, params model.GlobalParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.params != nil {
		return nil
	}
	p := params
	m.params = &p
	return nil
}

// InTx holds the write lock for the whole transaction, so transactions are applied one
// at a time. Writes are staged in a memoryTx overlay and merged only when fn succeeds.
func (m *memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		base:    m,
		devices: make(map[string]*model.Device),
		streams: make(map[string]*model.Stream),
		owners:  make(map[model.Principal]*model.OwnerStats),
		grants:  make(map[grantKey]*model.AccessGrant),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *memory) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &model.Snapshot{
		Devices: make([]model.Device, 0, len(m.devices)),
		Streams: make([]model.Stream, 0, len(m.streams)),
		Grants:  make([]model.AccessGrant, 0, len(m.grants)),
		Owners:  make([]model.OwnerStats, 0, len(m.owners)),
	}
	if m.params != nil {
		snap.Params = *m.params
	}
	for _, d := range m.devices {
		snap.Devices = append(snap.Devices, *copyDevice(d))
	}
	for _, s := range m.streams {
		snap.Streams = append(snap.Streams, *s)
	}
	for _, g := range m.grants {
		snap.Grants = append(snap.Grants, *g)
	}
	for _, o := range m.owners {
		snap.Owners = append(snap.Owners, *copyOwner(o))
	}

	// Stable ordering so exported snapshots diff cleanly
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })
	sort.Slice(snap.Streams, func(i, j int) bool { return snap.Streams[i].ID < snap.Streams[j].ID })
	sort.Slice(snap.Grants, func(i, j int) bool {
		if snap.Grants[i].Subscriber == snap.Grants[j].Subscriber {
			return snap.Grants[i].StreamID < snap.Grants[j].StreamID
		}
		return snap.Grants[i].Subscriber < snap.Grants[j].Subscriber
	})
	sort.Slice(snap.Owners, func(i, j int) bool { return snap.Owners[i].Principal < snap.Owners[j].Principal })

	return snap, nil
}

func (m *memory) Ping(ctx context.Context) error { return ctx.Err() }

// memoryTx stages writes on top of the base tables.
type memoryTx struct {
	base    *memory
	devices map[string]*model.Device
	streams map[string]*model.Stream
	owners  map[model.Principal]*model.OwnerStats
	grants  map[grantKey]*model.AccessGrant
	params  *model.GlobalParams
}

func (t *memoryTx) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	if d, ok := t.devices[deviceID]; ok {
		return copyDevice(d), nil
	}
	return t.base.getDevice(deviceID)
}

func (t *memoryTx) GetStream(ctx context.Context, streamID string) (*model.Stream, error) {
	if s, ok := t.streams[streamID]; ok {
		c := *s
		return &c, nil
	}
	return t.base.getStream(streamID)
}

func (t *memoryTx) GetOwner(ctx context.Context, principal model.Principal) (*model.OwnerStats, error) {
	if o, ok := t.owners[principal]; ok {
		return copyOwner(o), nil
	}
	return t.base.getOwner(principal)
}

func (t *memoryTx) GetGrant(ctx context.Context, subscriber model.Principal, streamID string) (*model.AccessGrant, error) {
	k := grantKey{subscriber, streamID}
	if g, ok := t.grants[k]; ok {
		c := *g
		return &c, nil
	}
	return t.base.getGrant(k)
}

func (t *memoryTx) GetParams(ctx context.Context) (*model.GlobalParams, error) {
	if t.params != nil {
		c := *t.params
		return &c, nil
	}
	return t.base.getParams()
}

func (t *memoryTx) CreateDevice(ctx context.Context, device model.Device) error {
	if _, err := t.GetDevice(ctx, device.ID); err == nil {
		return ErrConflict
	}
	t.devices[device.ID] = copyDevice(&device)
	return nil
}

func (t *memoryTx) UpdateDevice(ctx context.Context, device model.Device) error {
	if _, err := t.GetDevice(ctx, device.ID); err != nil {
		return err
	}
	t.devices[device.ID] = copyDevice(&device)
	return nil
}

func (t *memoryTx) CreateStream(ctx context.Context, stream model.Stream) error {
	if _, err := t.GetStream(ctx, stream.ID); err == nil {
		return ErrConflict
	}
	s := stream
	t.streams[stream.ID] = &s
	return nil
}

func (t *memoryTx) UpdateStream(ctx context.Context, stream model.Stream) error {
	if _, err := t.GetStream(ctx, stream.ID); err != nil {
		return err
	}
	s := stream
	t.streams[stream.ID] = &s
	return nil
}

func (t *memoryTx) PutOwner(ctx context.Context, owner model.OwnerStats) error {
	t.owners[owner.Principal] = copyOwner(&owner)
	return nil
}

func (t *memoryTx) PutGrant(ctx context.Context, grant model.AccessGrant) error {
	g := grant
	t.grants[grantKey{grant.Subscriber, grant.StreamID}] = &g
	return nil
}

func (t *memoryTx) PutParams(ctx context.Context, params model.GlobalParams) error {
	p := params
	t.params = &p
	return nil
}

// commit merges the overlay into the base tables. The caller holds base.mu.
func (t *memoryTx) commit() {
	for k, v := range t.devices {
		t.base.devices[k] = v
	}
	for k, v := range t.streams {
		t.base.streams[k] = v
	}
	for k, v := range t.owners {
		t.base.owners[k] = v
	}
	for k, v := range t.grants {
		t.base.grants[k] = v
	}
	if t.params != nil {
		t.base.params = t.params
	}
}

func copyDevice(d *model.Device) *model.Device {
	c := *d
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	return &c
}

func copyOwner(o *model.OwnerStats) *model.OwnerStats {
	c := *o
	c.Devices = append([]string(nil), o.Devices...)
	return &c
}
