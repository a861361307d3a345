package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/labsphere/platform/lab-engine/internal/inventory"
	"github.com/labsphere/platform/lab-engine/internal/models"
	"github.com/labsphere/platform/lab-engine/internal/store"
)

// Manager turns a requirement into a committed hold on one lab's stock.
type Manager struct {
	inventory inventory.Store
	records   store.Store
	newID     func() string
}

func New(inv inventory.Store, records store.Store) *Manager {
	return &Manager{
		inventory: inv,
		records:   records,
		newID:     uuid.NewString,
	}
}

type CommitInput struct {
	ProjectID string
	LabID     string
	Items     []models.EquipmentItem
}

// Commit reserves every requested unit in the lab or nothing. A reservation
// is recorded PENDING first and only becomes COMMITTED once the inventory
// hold succeeded; a rejected hold discards the pending record.
func (m *Manager) Commit(ctx context.Context, in CommitInput) (models.Reservation, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return models.Reservation{}, &models.ValidationError{Field: "projectId", Reason: "projectId required"}
	}
	if strings.TrimSpace(in.LabID) == "" {
		return models.Reservation{}, &models.ValidationError{Field: "labId", Reason: "labId required"}
	}
	if err := models.ValidateItems(in.Items); err != nil {
		return models.Reservation{}, err
	}

	pending, err := m.records.CreateReservation(ctx, store.ReservationInput{
		ID:        m.newID(),
		LabID:     in.LabID,
		ProjectID: in.ProjectID,
		Items:     in.Items,
		State:     models.ReservationPending,
	})
	if err != nil {
		return models.Reservation{}, err
	}

	// Undo steps must outlive a cancelled request, or a hold could be left
	// behind with no record able to release it.
	cleanup := context.WithoutCancel(ctx)

	if err := m.inventory.Reserve(ctx, in.LabID, pending.ID, pending.Items); err != nil {
		if delErr := m.records.DeletePendingReservation(cleanup, pending.ID); delErr != nil {
			return models.Reservation{}, errors.Join(err, fmt.Errorf("discard pending reservation %s: %w", pending.ID, delErr))
		}
		return models.Reservation{}, conflict(in.LabID, err)
	}

	committed, err := m.records.UpdateReservationState(ctx, store.ReservationStateUpdate{
		ID:   pending.ID,
		From: models.ReservationPending,
		To:   models.ReservationCommitted,
	})
	if err != nil {
		rollback := m.inventory.Release(cleanup, in.LabID, pending.ID)
		if rollback == nil || errors.Is(rollback, inventory.ErrHoldNotFound) {
			rollback = m.records.DeletePendingReservation(cleanup, pending.ID)
		}
		return models.Reservation{}, errors.Join(fmt.Errorf("commit reservation %s: %w", pending.ID, err), rollback)
	}
	return committed, nil
}

// conflict wraps inventory rejections that a caller may retry elsewhere.
// Anything else (unknown lab, validation) passes through untouched.
func conflict(labID string, err error) error {
	var short *models.InsufficientStockError
	switch {
	case errors.As(err, &short):
		return &models.ConflictError{LabID: labID, Shortfalls: models.CloneItems(short.Shortfalls), Err: err}
	case errors.Is(err, models.ErrLabAtCapacity), errors.Is(err, models.ErrLabUnavailable):
		return &models.ConflictError{LabID: labID, Err: err}
	default:
		return err
	}
}

// Release returns a committed reservation's units to the lab. Releasing a
// reservation twice is a no-op that reports the released record.
func (m *Manager) Release(ctx context.Context, reservationID string) (models.Reservation, error) {
	record, err := m.Get(ctx, reservationID)
	if err != nil {
		return models.Reservation{}, err
	}
	switch record.State {
	case models.ReservationReleased:
		return record, nil
	case models.ReservationPending:
		return models.Reservation{}, fmt.Errorf("%w: %s", models.ErrReservationPending, reservationID)
	case models.ReservationCommitted:
	default:
		return models.Reservation{}, fmt.Errorf("%w: reservation %s in state %q", models.ErrUnknownReservationState, reservationID, record.State)
	}

	// a committed record always had a hold, so a missing one was already returned
	if err := m.inventory.Release(ctx, record.LabID, record.ID); err != nil && !errors.Is(err, inventory.ErrHoldNotFound) {
		return models.Reservation{}, fmt.Errorf("release hold %s: %w", record.ID, err)
	}
	// the units are back in the pool; the record must follow even if the caller left
	released, err := m.records.UpdateReservationState(context.WithoutCancel(ctx), store.ReservationStateUpdate{
		ID:   record.ID,
		From: models.ReservationCommitted,
		To:   models.ReservationReleased,
	})
	if errors.Is(err, store.ErrStateConflict) {
		// a concurrent release got there first
		return m.Get(context.WithoutCancel(ctx), reservationID)
	}
	if err != nil {
		return models.Reservation{}, fmt.Errorf("mark reservation %s released: %w", record.ID, err)
	}
	return released, nil
}

func (m *Manager) Get(ctx context.Context, reservationID string) (models.Reservation, error) {
	record, err := m.records.GetReservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Reservation{}, fmt.Errorf("%w: %s", models.ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return models.Reservation{}, err
	}
	return record, nil
}
