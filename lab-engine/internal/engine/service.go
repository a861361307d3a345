package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/labsphere/platform/lab-engine/internal/events"
	"github.com/labsphere/platform/lab-engine/internal/inventory"
	"github.com/labsphere/platform/lab-engine/internal/matching"
	"github.com/labsphere/platform/lab-engine/internal/metrics"
	"github.com/labsphere/platform/lab-engine/internal/models"
	"github.com/labsphere/platform/lab-engine/internal/project"
	"github.com/labsphere/platform/lab-engine/internal/reservation"
	"github.com/labsphere/platform/lab-engine/internal/store"
)

// Service is what the HTTP layer talks to. Publishing, archiving and metrics
// happen here; a failed side effect is logged and never fails the operation.
type Service struct {
	inventory    inventory.Store
	records      store.Store
	reservations *reservation.Manager
	projects     *project.Lifecycle
	publisher    events.Publisher
	archiver     events.Archiver
	metrics      *metrics.Recorder
	defaults     matching.Options
}

type Deps struct {
	Inventory inventory.Store
	Records   store.Store
	Publisher events.Publisher
	Archiver  events.Archiver
	Metrics   *metrics.Recorder
	Matching  matching.Options
}

func New(deps Deps) *Service {
	reservations := reservation.New(deps.Inventory, deps.Records)
	s := &Service{
		inventory:    deps.Inventory,
		records:      deps.Records,
		reservations: reservations,
		projects:     project.New(deps.Records, reservations),
		publisher:    deps.Publisher,
		archiver:     deps.Archiver,
		metrics:      deps.Metrics,
		defaults:     deps.Matching,
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.archiver == nil {
		s.archiver = events.Nop{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

func (s *Service) Metrics() *metrics.Recorder {
	return s.metrics
}

type MatchInput struct {
	Requirement        models.Requirement
	IncludeZeroMatches *bool
	MinScore           *float64
}

// Match ranks the current lab snapshots. Unset options fall back to the
// configured defaults.
func (s *Service) Match(ctx context.Context, in MatchInput) ([]models.MatchResult, error) {
	defer s.metrics.Observe("match", time.Now())
	opts := s.defaults
	if in.IncludeZeroMatches != nil {
		opts.IncludeZeroMatches = *in.IncludeZeroMatches
	}
	if in.MinScore != nil {
		opts.MinScore = *in.MinScore
	}
	labs, err := s.inventory.ListLabs(ctx)
	if err != nil {
		return nil, err
	}
	results, err := matching.Match(in.Requirement, labs, opts)
	if err != nil {
		return nil, err
	}
	s.metrics.Match(len(results))
	return results, nil
}

type ReserveInput struct {
	ProjectID   string
	Name        string
	Description string
	// LabID picks the lab. When empty the best full match is used.
	LabID string
	Items []models.EquipmentItem
}

type ReserveResult struct {
	Reservation models.Reservation `json:"reservation"`
	Project     models.Project     `json:"project"`
}

// Reserve commits the requirement and activates the project bound to it.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	defer s.metrics.Observe("reserve", time.Now())
	if in.LabID != "" {
		return s.reserveIn(ctx, in)
	}

	labs, err := s.inventory.ListLabs(ctx)
	if err != nil {
		return ReserveResult{}, err
	}
	ranked, err := matching.Match(models.Requirement{ProjectID: in.ProjectID, Items: in.Items}, labs, matching.Options{})
	if err != nil {
		return ReserveResult{}, err
	}

	var lastConflict error
	for _, candidate := range ranked {
		if !candidate.FullMatch() {
			break
		}
		in.LabID = candidate.LabID
		result, err := s.reserveIn(ctx, in)
		var conflictErr *models.ConflictError
		if errors.As(err, &conflictErr) {
			// the snapshot went stale; try the next lab
			lastConflict = err
			continue
		}
		return result, err
	}
	if lastConflict != nil {
		return ReserveResult{}, lastConflict
	}
	noMatch := &models.ConflictError{Err: models.ErrNoMatchingLab}
	if len(ranked) > 0 {
		noMatch.LabID = ranked[0].LabID
		noMatch.Shortfalls = ranked[0].Missing
	}
	return ReserveResult{}, noMatch
}

func (s *Service) reserveIn(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	res, err := s.reservations.Commit(ctx, reservation.CommitInput{
		ProjectID: in.ProjectID,
		LabID:     in.LabID,
		Items:     in.Items,
	})
	if err != nil {
		var conflictErr *models.ConflictError
		if errors.As(err, &conflictErr) {
			s.metrics.Commit("conflict")
			ev := events.New(events.ReservationConflict)
			ev.LabID = in.LabID
			ev.ProjectID = in.ProjectID
			ev.Items = models.CloneItems(in.Items)
			ev.Shortfalls = conflictErr.Shortfalls
			s.publish(ctx, ev)
		} else {
			s.metrics.Commit("error")
		}
		return ReserveResult{}, err
	}

	proj, err := s.projects.Activate(ctx, project.ActivateInput{
		ProjectID:     in.ProjectID,
		Name:          in.Name,
		Description:   in.Description,
		ReservationID: res.ID,
	})
	if err != nil {
		s.metrics.Commit("error")
		// the hold must go back even when the request was cancelled
		if _, relErr := s.reservations.Release(context.WithoutCancel(ctx), res.ID); relErr != nil {
			log.Printf("release reservation %s after failed activation: %v", res.ID, relErr)
			return ReserveResult{}, errors.Join(err, relErr)
		}
		return ReserveResult{}, err
	}

	s.metrics.Commit("committed")
	log.Printf("reservation %s committed in lab %s for project %s", res.ID, res.LabID, res.ProjectID)
	s.publish(ctx, events.ForReservation(events.ReservationCommitted, res))
	s.publish(ctx, events.ForProject(events.ProjectActivated, proj, res.ID))
	return ReserveResult{Reservation: res, Project: proj}, nil
}

// SetProjectStatus moves an ACTIVE project to completed or canceled.
func (s *Service) SetProjectStatus(ctx context.Context, projectID, status string) (models.Project, error) {
	defer s.metrics.Observe("transition", time.Now())
	var (
		tr  project.Transition
		err error
		evt events.Type
	)
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case string(models.ProjectCompleted):
		tr, err = s.projects.Complete(ctx, projectID)
		evt = events.ProjectCompleted
	case string(models.ProjectCanceled), "CANCELLED":
		tr, err = s.projects.Cancel(ctx, projectID)
		evt = events.ProjectCanceled
	default:
		return models.Project{}, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unsupported status %q", status)}
	}
	if err != nil {
		return models.Project{}, err
	}

	s.metrics.Transition(string(tr.Project.Status))
	releasedID := ""
	if tr.Released != nil {
		released := *tr.Released
		releasedID = released.ID
		s.metrics.Release()
		s.publish(ctx, events.ForReservation(events.ReservationReleased, released))
		if key, err := s.archiver.ArchiveReservation(ctx, released); err != nil {
			s.metrics.SideEffectFailed("archive")
			log.Printf("archive reservation %s: %v", released.ID, err)
		} else if key != "" {
			log.Printf("archived reservation %s to %s", released.ID, key)
		}
	}
	s.publish(ctx, events.ForProject(evt, tr.Project, releasedID))
	log.Printf("project %s is now %s", tr.Project.ID, tr.Project.Status)
	return tr.Project, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.metrics.SideEffectFailed("publish")
		log.Printf("publish %s: %v", ev.Type, err)
	}
}

func (s *Service) Labs(ctx context.Context) ([]models.LabInventory, error) {
	return s.inventory.ListLabs(ctx)
}

func (s *Service) Lab(ctx context.Context, labID string) (models.LabInventory, error) {
	return s.inventory.GetLab(ctx, labID)
}

// PutLab registers or restocks a lab. Reserved units stay reserved.
func (s *Service) PutLab(ctx context.Context, lab models.Lab) (models.LabInventory, error) {
	inv, err := s.inventory.PutLab(ctx, lab)
	if err != nil {
		return models.LabInventory{}, err
	}
	ev := events.New(events.LabUpdated)
	ev.LabID = inv.LabID
	ev.Items = inv.Equipment()
	s.publish(ctx, ev)
	return inv, nil
}

func (s *Service) Reservation(ctx context.Context, id string) (models.Reservation, error) {
	return s.reservations.Get(ctx, id)
}

func (s *Service) Projects(ctx context.Context) ([]models.Project, error) {
	return s.projects.List(ctx)
}

func (s *Service) Project(ctx context.Context, id string) (models.Project, error) {
	return s.projects.Get(ctx, id)
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.inventory.Ping(ctx); err != nil {
		return err
	}
	return s.records.Ping(ctx)
}
