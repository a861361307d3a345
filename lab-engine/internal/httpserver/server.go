package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/labsphere/platform/lab-engine/internal/engine"
	"github.com/labsphere/platform/lab-engine/internal/models"
)

type Server struct {
	service *engine.Service
}

func New(service *engine.Service) *Server {
	return &Server{service: service}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.service.Metrics().Handler())

	r.Route("/labs", func(r chi.Router) {
		r.Get("/", s.handleListLabs)
		r.Get("/{id}", s.handleGetLab)
		r.Put("/{id}", s.handlePutLab)
		r.Get("/{id}/equipment", s.handleLabEquipment)
	})
	r.Post("/match", s.handleMatch)
	r.Post("/reservations", s.handleReserve)
	r.Get("/reservations/{id}", s.handleGetReservation)
	r.Get("/projects", s.handleListProjects)
	r.Get("/projects/{id}", s.handleGetProject)
	r.Post("/projects/{id}/status", s.handleProjectStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := s.service.Labs(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	out := make([]labView, 0, len(labs))
	for _, lab := range labs {
		out = append(out, toLabView(lab))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"labs": out})
}

func (s *Server) handleGetLab(w http.ResponseWriter, r *http.Request) {
	lab, err := s.service.Lab(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toLabView(lab))
}

func (s *Server) handleLabEquipment(w http.ResponseWriter, r *http.Request) {
	lab, err := s.service.Lab(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"labId":     lab.LabID,
		"equipment": toLabView(lab).Equipment,
	})
}

type labBody struct {
	Name      string                 `json:"name"`
	Status    models.LabStatus       `json:"status"`
	Capacity  int                    `json:"capacity"`
	Equipment []models.EquipmentItem `json:"equipment"`
}

func (s *Server) handlePutLab(w http.ResponseWriter, r *http.Request) {
	var body labBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	lab, err := s.service.PutLab(r.Context(), models.Lab{
		ID:        chi.URLParam(r, "id"),
		Name:      body.Name,
		Status:    body.Status,
		Capacity:  body.Capacity,
		Equipment: body.Equipment,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toLabView(lab))
}

type matchBody struct {
	ProjectID          string                 `json:"projectId"`
	Items              []models.EquipmentItem `json:"items"`
	IncludeZeroMatches *bool                  `json:"includeZeroMatches"`
	MinScore           *float64               `json:"minScore"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var body matchBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.service.Match(r.Context(), engine.MatchInput{
		Requirement:        models.Requirement{ProjectID: body.ProjectID, Items: body.Items},
		IncludeZeroMatches: body.IncludeZeroMatches,
		MinScore:           body.MinScore,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"matches": results})
}

type reserveBody struct {
	ProjectID   string                 `json:"projectId"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	LabID       string                 `json:"labId"`
	Items       []models.EquipmentItem `json:"items"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var body reserveBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.service.Reserve(r.Context(), engine.ReserveInput{
		ProjectID:   body.ProjectID,
		Name:        body.Name,
		Description: body.Description,
		LabID:       body.LabID,
		Items:       body.Items,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.Reservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.Projects(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.service.Project(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, project)
}

type statusBody struct {
	Status string `json:"status"`
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	project, err := s.service.SetProjectStatus(r.Context(), chi.URLParam(r, "id"), body.Status)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, project)
}

type labView struct {
	LabID       string                 `json:"labId"`
	Name        string                 `json:"name"`
	Status      models.LabStatus       `json:"status"`
	Capacity    int                    `json:"capacity"`
	ActiveHolds int                    `json:"activeHolds"`
	Equipment   []equipmentView        `json:"equipment"`
	Available   []models.EquipmentItem `json:"available"`
}

type equipmentView struct {
	Name      string `json:"name"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
}

func toLabView(inv models.LabInventory) labView {
	view := labView{
		LabID:       inv.LabID,
		Name:        inv.Name,
		Status:      inv.Status,
		Capacity:    inv.Capacity,
		ActiveHolds: inv.ActiveHolds,
		Equipment:   []equipmentView{},
		Available:   []models.EquipmentItem{},
	}
	for _, item := range inv.Equipment() {
		level := inv.Stock[item.Name]
		view.Equipment = append(view.Equipment, equipmentView{
			Name:      item.Name,
			Total:     level.Total(),
			Available: level.Available,
			Reserved:  level.Reserved,
		})
		if level.Available > 0 {
			view.Available = append(view.Available, models.EquipmentItem{Name: item.Name, Quantity: level.Available})
		}
	}
	return view
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type conflictPayload struct {
	Error      string                 `json:"error"`
	LabID      string                 `json:"labId,omitempty"`
	Shortfalls []models.EquipmentItem `json:"shortfalls"`
}

// respondServiceError maps engine errors onto status codes.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		verr        *models.ValidationError
		conflictErr *models.ConflictError
		stockErr    *models.InsufficientStockError
	)
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &conflictErr):
		shortfalls := conflictErr.Shortfalls
		if shortfalls == nil {
			shortfalls = []models.EquipmentItem{}
		}
		respondJSON(w, http.StatusConflict, conflictPayload{Error: err.Error(), LabID: conflictErr.LabID, Shortfalls: shortfalls})
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusConflict, conflictPayload{Error: err.Error(), LabID: stockErr.LabID, Shortfalls: stockErr.Shortfalls})
	case errors.Is(err, models.ErrUnknownLab),
		errors.Is(err, models.ErrUnknownReservation),
		errors.Is(err, models.ErrUnknownProject):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrProjectHasReservation):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
