package project

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/labsphere/platform/lab-engine/internal/models"
	"github.com/labsphere/platform/lab-engine/internal/store"
)

// Reservations is the part of the reservation manager a project needs.
type Reservations interface {
	Get(ctx context.Context, reservationID string) (models.Reservation, error)
	Release(ctx context.Context, reservationID string) (models.Reservation, error)
}

// Lifecycle owns project status. ACTIVE is the only non-terminal status and
// leaving it always releases the project's reservation first.
type Lifecycle struct {
	records      store.Store
	reservations Reservations
}

func New(records store.Store, reservations Reservations) *Lifecycle {
	return &Lifecycle{records: records, reservations: reservations}
}

type ActivateInput struct {
	ProjectID     string
	Name          string
	Description   string
	ReservationID string
}

// Activate creates an ACTIVE project bound to a committed reservation it owns.
func (l *Lifecycle) Activate(ctx context.Context, in ActivateInput) (models.Project, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return models.Project{}, &models.ValidationError{Field: "projectId", Reason: "projectId required"}
	}
	res, err := l.reservations.Get(ctx, in.ReservationID)
	if err != nil {
		return models.Project{}, err
	}
	if res.ProjectID != in.ProjectID {
		return models.Project{}, fmt.Errorf("%w: reservation %s belongs to project %s", models.ErrInvalidTransition, res.ID, res.ProjectID)
	}
	if res.State != models.ReservationCommitted {
		return models.Project{}, fmt.Errorf("%w: reservation %s is %s", models.ErrInvalidTransition, res.ID, res.State)
	}
	project, err := l.records.CreateProject(ctx, store.ProjectInput{
		ID:            in.ProjectID,
		Name:          in.Name,
		Description:   in.Description,
		LabID:         res.LabID,
		ReservationID: res.ID,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return models.Project{}, fmt.Errorf("%w: project %s already exists", models.ErrInvalidTransition, in.ProjectID)
	}
	if err != nil {
		return models.Project{}, err
	}
	return project, nil
}

// Transition is the outcome of leaving ACTIVE. Released is nil when the
// project held no reservation.
type Transition struct {
	Project  models.Project
	Released *models.Reservation
}

func (l *Lifecycle) Complete(ctx context.Context, projectID string) (Transition, error) {
	return l.finish(ctx, projectID, models.ProjectCompleted)
}

func (l *Lifecycle) Cancel(ctx context.Context, projectID string) (Transition, error) {
	return l.finish(ctx, projectID, models.ProjectCanceled)
}

func (l *Lifecycle) finish(ctx context.Context, projectID string, to models.ProjectStatus) (Transition, error) {
	project, err := l.Get(ctx, projectID)
	if err != nil {
		return Transition{}, err
	}
	if project.Status != models.ProjectActive {
		return Transition{}, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, project.Status, to)
	}

	var out Transition
	if project.ReservationID != nil {
		released, err := l.reservations.Release(ctx, *project.ReservationID)
		if err != nil {
			return Transition{}, fmt.Errorf("release reservation for project %s: %w", projectID, err)
		}
		out.Released = &released
	}

	updated, err := l.records.UpdateProjectStatus(ctx, store.ProjectStatusUpdate{
		ID:   projectID,
		From: models.ProjectActive,
		To:   to,
	})
	if errors.Is(err, store.ErrStateConflict) {
		return Transition{}, fmt.Errorf("%w: project %s changed concurrently", models.ErrInvalidTransition, projectID)
	}
	if err != nil {
		return Transition{}, err
	}
	out.Project = updated
	return out, nil
}

func (l *Lifecycle) Get(ctx context.Context, projectID string) (models.Project, error) {
	project, err := l.records.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Project{}, fmt.Errorf("%w: %s", models.ErrUnknownProject, projectID)
	}
	if err != nil {
		return models.Project{}, err
	}
	return project, nil
}

func (l *Lifecycle) List(ctx context.Context) ([]models.Project, error) {
	return l.records.ListProjects(ctx)
}
