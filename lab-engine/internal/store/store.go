package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/labsphere/platform/lab-engine/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrStateConflict means a compare-and-set transition found a different state.
	ErrStateConflict = errors.New("state changed concurrently")
)

// Store keeps reservation and project records. State changes are
// compare-and-set so concurrent transitions cannot both win.
type Store interface {
	CreateReservation(ctx context.Context, in ReservationInput) (models.Reservation, error)
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	UpdateReservationState(ctx context.Context, in ReservationStateUpdate) (models.Reservation, error)
	DeletePendingReservation(ctx context.Context, id string) error
	CreateProject(ctx context.Context, in ProjectInput) (models.Project, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	UpdateProjectStatus(ctx context.Context, in ProjectStatusUpdate) (models.Project, error)
	Ping(ctx context.Context) error
}

type ReservationInput struct {
	ID        string
	LabID     string
	ProjectID string
	Items     []models.EquipmentItem
	State     models.ReservationState
}

type ReservationStateUpdate struct {
	ID   string
	From models.ReservationState
	To   models.ReservationState
}

type ProjectInput struct {
	ID            string
	Name          string
	Description   string
	LabID         string
	ReservationID string
}

// ProjectStatusUpdate moves a project From one status To another.
// ReservationID replaces the bound reservation; nil clears it.
type ProjectStatusUpdate struct {
	ID            string
	From          models.ProjectStatus
	To            models.ProjectStatus
	ReservationID *string
}

// PGSchema creates the record tables. The partial unique index is what stops
// a project from holding two live reservations at once.
const PGSchema = `
CREATE TABLE IF NOT EXISTS reservations (
	id          TEXT PRIMARY KEY,
	lab_id      TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	items       JSONB NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS reservations_live_project_idx
	ON reservations (project_id) WHERE state IN ('PENDING', 'COMMITTED');
CREATE TABLE IF NOT EXISTS projects (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	lab_id         TEXT NOT NULL,
	status         TEXT NOT NULL,
	reservation_id TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const liveProjectIndex = "reservations_live_project_idx"

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PGSchema); err != nil {
		return fmt.Errorf("ensure record schema: %w", err)
	}
	return nil
}

// uniqueViolation reports the violated constraint for either supported driver.
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func (s *PGStore) CreateReservation(ctx context.Context, in ReservationInput) (models.Reservation, error) {
	items := models.CloneItems(in.Items)
	payload, err := json.Marshal(items)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("encode items: %w", err)
	}
	query := `
		INSERT INTO reservations (id, lab_id, project_id, items, state)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at
	`
	var created, updated time.Time
	if err := s.db.QueryRowContext(ctx, query, in.ID, in.LabID, in.ProjectID, payload, string(in.State)).Scan(&created, &updated); err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == liveProjectIndex {
				return models.Reservation{}, fmt.Errorf("%w: %s", models.ErrProjectHasReservation, in.ProjectID)
			}
			return models.Reservation{}, fmt.Errorf("reservation %s: %w", in.ID, ErrAlreadyExists)
		}
		return models.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	return models.Reservation{
		ID:        in.ID,
		LabID:     in.LabID,
		ProjectID: in.ProjectID,
		Items:     items,
		State:     in.State,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(row rowScanner, record *models.Reservation) error {
	var (
		items []byte
		state string
	)
	if err := row.Scan(&record.LabID, &record.ProjectID, &items, &state, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return err
	}
	record.State = models.ReservationState(state)
	if err := json.Unmarshal(items, &record.Items); err != nil {
		return fmt.Errorf("decode items: %w", err)
	}
	return nil
}

func (s *PGStore) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	const query = `
		SELECT lab_id, project_id, items, state, created_at, updated_at
		FROM reservations
		WHERE id=$1
	`
	record := models.Reservation{ID: id}
	if err := scanReservation(s.db.QueryRowContext(ctx, query, id), &record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Reservation{}, ErrNotFound
		}
		return models.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return record, nil
}

func (s *PGStore) UpdateReservationState(ctx context.Context, in ReservationStateUpdate) (models.Reservation, error) {
	query := `
		UPDATE reservations
		SET state=$3,
		    updated_at=NOW()
		WHERE id=$1 AND state=$2
		RETURNING lab_id, project_id, items, state, created_at, updated_at
	`
	record := models.Reservation{ID: in.ID}
	err := scanReservation(s.db.QueryRowContext(ctx, query, in.ID, string(in.From), string(in.To)), &record)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Reservation{}, fmt.Errorf("update reservation state: %w", err)
	}
	if _, getErr := s.GetReservation(ctx, in.ID); getErr != nil {
		return models.Reservation{}, getErr
	}
	return models.Reservation{}, ErrStateConflict
}

func (s *PGStore) DeletePendingReservation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE id=$1 AND state=$2`, id, string(models.ReservationPending))
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CreateProject(ctx context.Context, in ProjectInput) (models.Project, error) {
	query := `
		INSERT INTO projects (id, name, description, lab_id, status, reservation_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at
	`
	reservationID := in.ReservationID
	var created, updated time.Time
	if err := s.db.QueryRowContext(ctx, query, in.ID, in.Name, in.Description, in.LabID, string(models.ProjectActive), reservationID).Scan(&created, &updated); err != nil {
		if _, ok := uniqueViolation(err); ok {
			return models.Project{}, fmt.Errorf("project %s: %w", in.ID, ErrAlreadyExists)
		}
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return models.Project{
		ID:            in.ID,
		Name:          in.Name,
		Description:   in.Description,
		LabID:         in.LabID,
		Status:        models.ProjectActive,
		ReservationID: &reservationID,
		CreatedAt:     created,
		UpdatedAt:     updated,
	}, nil
}

const projectColumns = `id, name, description, lab_id, status, reservation_id, created_at, updated_at`

func scanProject(row rowScanner) (models.Project, error) {
	var (
		project       models.Project
		status        string
		reservationID sql.NullString
	)
	if err := row.Scan(&project.ID, &project.Name, &project.Description, &project.LabID, &status, &reservationID, &project.CreatedAt, &project.UpdatedAt); err != nil {
		return models.Project{}, err
	}
	project.Status = models.ProjectStatus(status)
	if reservationID.Valid {
		project.ReservationID = &reservationID.String
	}
	return project, nil
}

func (s *PGStore) GetProject(ctx context.Context, id string) (models.Project, error) {
	project, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Project{}, ErrNotFound
		}
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

func (s *PGStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var projects []models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (s *PGStore) UpdateProjectStatus(ctx context.Context, in ProjectStatusUpdate) (models.Project, error) {
	query := `
		UPDATE projects
		SET status=$3,
		    reservation_id=$4,
		    updated_at=NOW()
		WHERE id=$1 AND status=$2
		RETURNING ` + projectColumns
	project, err := scanProject(s.db.QueryRowContext(ctx, query, in.ID, string(in.From), string(in.To), in.ReservationID))
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, fmt.Errorf("update project status: %w", err)
	}
	if _, getErr := s.GetProject(ctx, in.ID); getErr != nil {
		return models.Project{}, getErr
	}
	return models.Project{}, ErrStateConflict
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
