package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// TripStore defines persistence operations for rides.
type TripStore interface {
	SaveRide(ctx context.Context, r models.Ride) error
	UpdateRide(ctx context.Context, r models.Ride) error
}

// DriverStore holds the durable driver records the registry is seeded from.
type DriverStore interface {
	LoadDrivers(ctx context.Context) ([]models.Driver, error)
	SaveDriver(ctx context.Context, d models.Driver) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]models.Ride
	drivers map[string]models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride), drivers: make(map[string]models.Driver)}
}

func (m *MemoryStore) SaveRide(ctx context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) Get(id string) (models.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	return r, ok
}

func (m *MemoryStore) LoadDrivers(ctx context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		d.Capabilities = slices.Clone(d.Capabilities)
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b models.Driver) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemoryStore) SaveDriver(ctx context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Capabilities = slices.Clone(d.Capabilities)
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) Driver(id string) (models.Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	return d, ok
}
