// Package events carries reservation and project lifecycle notifications out
// of the engine: a Kafka publisher for live consumers and an S3 archiver for
// released reservations.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/labsphere/platform/lab-engine/internal/models"
)

type Type string

const (
	ReservationCommitted Type = "reservation.committed"
	ReservationReleased  Type = "reservation.released"
	ReservationConflict  Type = "reservation.conflict"
	ProjectActivated     Type = "project.activated"
	ProjectCompleted     Type = "project.completed"
	ProjectCanceled      Type = "project.canceled"
	LabUpdated           Type = "lab.updated"
)

// Event is the envelope written to the bus. Fields that do not apply to a
// type are left empty.
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	LabID         string                 `json:"labId,omitempty"`
	ProjectID     string                 `json:"projectId,omitempty"`
	ReservationID string                 `json:"reservationId,omitempty"`
	Items         []models.EquipmentItem `json:"items,omitempty"`
	Shortfalls    []models.EquipmentItem `json:"shortfalls,omitempty"`
	At            time.Time              `json:"at"`
}

func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, At: time.Now().UTC()}
}

// ForReservation builds an event describing a reservation record.
func ForReservation(t Type, r models.Reservation) Event {
	ev := New(t)
	ev.LabID = r.LabID
	ev.ProjectID = r.ProjectID
	ev.ReservationID = r.ID
	ev.Items = models.CloneItems(r.Items)
	return ev
}

// ForProject builds an event describing a project status change.
func ForProject(t Type, p models.Project, reservationID string) Event {
	ev := New(t)
	ev.LabID = p.LabID
	ev.ProjectID = p.ID
	ev.ReservationID = reservationID
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Archiver stores a released reservation and returns where it was put.
type Archiver interface {
	ArchiveReservation(ctx context.Context, r models.Reservation) (string, error)
}

// Nop discards everything. It is used when no broker or bucket is configured.
type Nop struct{}

func (Nop) Publish(ctx context.Context, ev Event) error { return nil }

func (Nop) Close() error { return nil }

func (Nop) ArchiveReservation(ctx context.Context, r models.Reservation) (string, error) {
	return "", nil
}

var (
	_ Publisher = Nop{}
	_ Archiver  = Nop{}
	_ Publisher = (*KafkaPublisher)(nil)
	_ Archiver  = (*S3Archiver)(nil)
)
