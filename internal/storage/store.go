package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ev-charging/internal/models"
)

var ErrStationNotFound = errors.New("station not found")

// VehicleStore persists per-user vehicle simulation state.
// Get returns (nil, nil) for an unknown key; callers degrade to a default
// snapshot rather than erroring.
type VehicleStore interface {
	GetVehicle(ctx context.Context, email string) (*models.VehicleState, error)
	SaveVehicle(ctx context.Context, v *models.VehicleState) error
	// SaveVehicleSnapshot and SaveVehiclePosition are per-field updates.
	// Polls that only move the derived level or the position must not
	// write the whole record, or a racing poll could clobber a one-shot
	// flag with a stale value.
	SaveVehicleSnapshot(ctx context.Context, email string, level float64) error
	SaveVehiclePosition(ctx context.Context, email string, lat, lng float64) error
	// MarkNotificationSent flips the one-shot low-battery flag and reports
	// whether this caller won the transition. Concurrent polls observe at
	// most one true result per run.
	MarkNotificationSent(ctx context.Context, email string) (bool, error)
}

// NavigationStore persists the active route target per user.
type NavigationStore interface {
	GetNavigation(ctx context.Context, email string) (*models.NavigationTarget, error)
	SaveNavigation(ctx context.Context, n *models.NavigationTarget) error
	// MarkArrived is the one-shot arrival flag, same contract as
	// MarkNotificationSent.
	MarkArrived(ctx context.Context, email string) (bool, error)
	ClearNavigation(ctx context.Context, email string) error
}

type StationStore interface {
	ListStations(ctx context.Context) ([]models.Station, error)
	UpdateStationSlots(ctx context.Context, id string, available int) error
	BulkUpdateSlots(ctx context.Context, updates []models.SlotUpdate) error
}

type UserStore interface {
	GetUser(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

// MemoryStore implements all stores behind one mutex, which gives the
// conditional flag writes the same first-writer-wins semantics as the
// Postgres implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	vehicles map[string]*models.VehicleState
	navs     map[string]*models.NavigationTarget
	stations map[string]*models.Station
	users    map[string]*models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vehicles: make(map[string]*models.VehicleState),
		navs:     make(map[string]*models.NavigationTarget),
		stations: make(map[string]*models.Station),
		users:    make(map[string]*models.User),
	}
}

func (m *MemoryStore) GetVehicle(_ context.Context, email string) (*models.VehicleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[email]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) SaveVehicle(_ context.Context, v *models.VehicleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	cp.UpdatedAt = time.Now()
	m.vehicles[v.Email] = &cp
	return nil
}

func (m *MemoryStore) SaveVehicleSnapshot(_ context.Context, email string, level float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[email]
	if !ok {
		return nil
	}
	v.BatteryLevel = level
	v.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SaveVehiclePosition(_ context.Context, email string, lat, lng float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[email]
	if !ok {
		return nil
	}
	v.Latitude = &lat
	v.Longitude = &lng
	v.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkNotificationSent(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[email]
	if !ok || v.NotificationSent {
		return false, nil
	}
	v.NotificationSent = true
	v.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) GetNavigation(_ context.Context, email string) (*models.NavigationTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.navs[email]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) SaveNavigation(_ context.Context, n *models.NavigationTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.navs[n.Email] = &cp
	return nil
}

func (m *MemoryStore) MarkArrived(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.navs[email]
	if !ok || !n.IsNavigating || n.VehicleReachedStation {
		return false, nil
	}
	n.VehicleReachedStation = true
	return true, nil
}

func (m *MemoryStore) ClearNavigation(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.navs[email]
	if !ok {
		return nil
	}
	n.IsNavigating = false
	n.VehicleReachedStation = false
	n.ChargeHoldID = ""
	return nil
}

func (m *MemoryStore) ListStations(_ context.Context) ([]models.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Station, 0, len(m.stations))
	for _, s := range m.stations {
		out = append(out, *s)
	}
	return out, nil
}

func (m *MemoryStore) SeedStation(s models.Station) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.stations[s.ID] = &cp
}

func (m *MemoryStore) UpdateStationSlots(_ context.Context, id string, available int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[id]
	if !ok {
		return ErrStationNotFound
	}
	s.AvailableSlots = available
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) BulkUpdateSlots(_ context.Context, updates []models.SlotUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// all-or-nothing, matching the transactional Postgres path
	for _, u := range updates {
		if _, ok := m.stations[u.StationID]; !ok {
			return ErrStationNotFound
		}
	}
	now := time.Now()
	for _, u := range updates {
		s := m.stations[u.StationID]
		s.AvailableSlots = u.AvailableSlots
		s.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SeedUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := u
	m.users[u.Email] = &cp
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out, nil
}
