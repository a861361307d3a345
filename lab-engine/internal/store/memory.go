package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/labsphere/platform/lab-engine/internal/models"
)

// MemoryStore provides an in-memory implementation for single-node runs and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	reservations map[string]models.Reservation
	projects     map[string]models.Project
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reservations: map[string]models.Reservation{},
		projects:     map[string]models.Project{},
	}
}

func live(state models.ReservationState) bool {
	return state == models.ReservationPending || state == models.ReservationCommitted
}

func copyReservation(r models.Reservation) models.Reservation {
	r.Items = models.CloneItems(r.Items)
	return r
}

func copyProject(p models.Project) models.Project {
	if p.ReservationID != nil {
		id := *p.ReservationID
		p.ReservationID = &id
	}
	return p
}

func (m *MemoryStore) CreateReservation(ctx context.Context, in ReservationInput) (models.Reservation, error) {
	now := time.Now().UTC()
	record := models.Reservation{
		ID:        in.ID,
		LabID:     in.LabID,
		ProjectID: in.ProjectID,
		Items:     models.CloneItems(in.Items),
		State:     in.State,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[in.ID]; ok {
		return models.Reservation{}, fmt.Errorf("reservation %s: %w", in.ID, ErrAlreadyExists)
	}
	if live(in.State) {
		for _, existing := range m.reservations {
			if existing.ProjectID == in.ProjectID && live(existing.State) {
				return models.Reservation{}, fmt.Errorf("%w: %s", models.ErrProjectHasReservation, in.ProjectID)
			}
		}
	}
	m.reservations[record.ID] = record
	return copyReservation(record), nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.reservations[id]
	if !ok {
		return models.Reservation{}, ErrNotFound
	}
	return copyReservation(record), nil
}

func (m *MemoryStore) UpdateReservationState(ctx context.Context, in ReservationStateUpdate) (models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.reservations[in.ID]
	if !ok {
		return models.Reservation{}, ErrNotFound
	}
	if record.State != in.From {
		return models.Reservation{}, ErrStateConflict
	}
	record.State = in.To
	record.UpdatedAt = time.Now().UTC()
	m.reservations[in.ID] = record
	return copyReservation(record), nil
}

func (m *MemoryStore) DeletePendingReservation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.reservations[id]
	if !ok || record.State != models.ReservationPending {
		return ErrNotFound
	}
	delete(m.reservations, id)
	return nil
}

func (m *MemoryStore) CreateProject(ctx context.Context, in ProjectInput) (models.Project, error) {
	now := time.Now().UTC()
	reservationID := in.ReservationID
	project := models.Project{
		ID:            in.ID,
		Name:          in.Name,
		Description:   in.Description,
		LabID:         in.LabID,
		Status:        models.ProjectActive,
		ReservationID: &reservationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[in.ID]; ok {
		return models.Project{}, fmt.Errorf("project %s: %w", in.ID, ErrAlreadyExists)
	}
	m.projects[in.ID] = project
	return copyProject(project), nil
}

func (m *MemoryStore) GetProject(ctx context.Context, id string) (models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	project, ok := m.projects[id]
	if !ok {
		return models.Project{}, ErrNotFound
	}
	return copyProject(project), nil
}

func (m *MemoryStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	m.mu.RLock()
	out := make([]models.Project, 0, len(m.projects))
	for _, project := range m.projects {
		out = append(out, copyProject(project))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateProjectStatus(ctx context.Context, in ProjectStatusUpdate) (models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[in.ID]
	if !ok {
		return models.Project{}, ErrNotFound
	}
	if project.Status != in.From {
		return models.Project{}, ErrStateConflict
	}
	project.Status = in.To
	project.ReservationID = nil
	if in.ReservationID != nil {
		id := *in.ReservationID
		project.ReservationID = &id
	}
	project.UpdatedAt = time.Now().UTC()
	m.projects[in.ID] = project
	return copyProject(project), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PGStore)(nil)
)
