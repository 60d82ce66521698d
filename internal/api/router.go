package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/redmage123/course-creator-labs/internal/auth"
	"github.com/redmage123/course-creator-labs/internal/config"
	"github.com/redmage123/course-creator-labs/internal/lab"
	"github.com/redmage123/course-creator-labs/internal/metrics"
	"github.com/redmage123/course-creator-labs/internal/model"
)

type LabService interface {
	CreateOrGetStudentLab(ctx context.Context, req lab.StudentLabRequest) (*model.LabSession, bool, error)
	CreateInstructorLab(ctx context.Context, req lab.InstructorLabRequest) (*model.LabSession, error)
	Lookup(ctx context.Context, labID string) (*model.LabSession, error)
	GetStatus(ctx context.Context, labID string) (*model.LabSession, error)
	Pause(ctx context.Context, labID string) (*model.LabSession, error)
	Resume(ctx context.Context, labID string) (*model.LabSession, error)
	Delete(ctx context.Context, labID string) (*model.LabSession, error)
	ListCourseLabs(ctx context.Context, courseID string, includeInstructor bool) []*model.LabSession
	CleanupIdle(ctx context.Context, maxIdleHours int) (int, error)
	Stats(ctx context.Context) (lab.Stats, error)
}

type Server struct {
	cfg config.Config
	svc LabService
	log logrus.FieldLogger
}

func NewRouter(cfg config.Config, svc LabService, log logrus.FieldLogger) http.Handler {
	s := &Server{cfg: cfg, svc: svc, log: log.WithField("component", "api")}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Deletes wait for the container stop grace period plus engine retries.
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(cfg.JWTSecret))

		v1.Post("/labs", s.handleCreateLab)
		v1.Get("/labs/{labID}", s.handleGetLab)
		v1.Post("/labs/{labID}/pause", s.handlePauseLab)
		v1.Post("/labs/{labID}/resume", s.handleResumeLab)
		v1.Delete("/labs/{labID}", s.handleDeleteLab)

		v1.Group(func(staff chi.Router) {
			staff.Use(auth.RequireRole(auth.RoleInstructor, auth.RoleAdmin))
			staff.Post("/courses/{courseID}/instructor-labs", s.handleCreateInstructorLab)
			staff.Get("/courses/{courseID}/labs", s.handleListCourseLabs)
		})

		v1.With(auth.RequireRole(auth.RoleAdmin)).Post("/admin/labs/cleanup-idle", s.handleCleanupIdle)
	})

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
