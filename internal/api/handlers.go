package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/redmage123/course-creator-labs/internal/auth"
	"github.com/redmage123/course-creator-labs/internal/lab"
	"github.com/redmage123/course-creator-labs/internal/model"
)

type createLabRequest struct {
	UserID         string          `json:"user_id"`
	CourseID       string          `json:"course_id"`
	LabType        string          `json:"lab_type"`
	LabConfig      model.LabConfig `json:"lab_config"`
	TimeoutMinutes int             `json:"timeout_minutes"`
}

type createInstructorLabRequest struct {
	LabType        string          `json:"lab_type"`
	LabConfig      model.LabConfig `json:"lab_config"`
	TimeoutMinutes int             `json:"timeout_minutes"`
}

type cleanupIdleRequest struct {
	MaxIdleHours int `json:"max_idle_hours"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	body := map[string]any{
		"status":    "ok",
		"active":    st.Active,
		"max":       st.Capacity,
		"tracked":   st.Tracked,
		"pipelines": st.Pending,
	}
	if err != nil {
		s.log.WithError(err).Warn("engine ping failed")
		body["status"] = "degraded"
		body["engine"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCreateLab(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	var req createLabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	userID := id.UserID
	if req.UserID != "" && req.UserID != id.UserID {
		if !id.Privileged() {
			writeAPIError(w, http.StatusForbidden, "forbidden", "cannot create labs for other users")
			return
		}
		userID = req.UserID
	}

	sess, created, err := s.svc.CreateOrGetStudentLab(r.Context(), lab.StudentLabRequest{
		UserID:         userID,
		CourseID:       req.CourseID,
		LabType:        req.LabType,
		Config:         req.LabConfig,
		TimeoutMinutes: req.TimeoutMinutes,
	})
	if err != nil {
		s.writeServiceError(w, r, err, "failed to create lab")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"lab": toLabResponse(sess)})
}

func (s *Server) handleCreateInstructorLab(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var req createInstructorLabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	sess, err := s.svc.CreateInstructorLab(r.Context(), lab.InstructorLabRequest{
		InstructorID:   id.UserID,
		CourseID:       chi.URLParam(r, "courseID"),
		LabType:        req.LabType,
		Config:         req.LabConfig,
		TimeoutMinutes: req.TimeoutMinutes,
	})
	if err != nil {
		s.writeServiceError(w, r, err, "failed to create instructor lab")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"lab": toLabResponse(sess)})
}

func (s *Server) handleGetLab(w http.ResponseWriter, r *http.Request) {
	s.withOwnedLab(w, r, s.svc.GetStatus, "failed to query lab")
}

func (s *Server) handlePauseLab(w http.ResponseWriter, r *http.Request) {
	s.withOwnedLab(w, r, s.svc.Pause, "failed to pause lab")
}

func (s *Server) handleResumeLab(w http.ResponseWriter, r *http.Request) {
	s.withOwnedLab(w, r, s.svc.Resume, "failed to resume lab")
}

func (s *Server) handleDeleteLab(w http.ResponseWriter, r *http.Request) {
	s.withOwnedLab(w, r, s.svc.Delete, "failed to delete lab")
}

// withOwnedLab checks that the caller owns the lab, or is staff, before
// running op on it.
func (s *Server) withOwnedLab(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, labID string) (*model.LabSession, error), failMsg string) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	labID := chi.URLParam(r, "labID")
	sess, err := s.svc.Lookup(r.Context(), labID)
	if err != nil {
		s.writeServiceError(w, r, err, failMsg)
		return
	}
	if sess.UserID != id.UserID && !id.Privileged() {
		// Same answer as a missing lab so ids cannot be probed.
		writeAPIError(w, http.StatusNotFound, "not_found", "lab not found")
		return
	}
	out, err := op(r.Context(), labID)
	if err != nil {
		s.writeServiceError(w, r, err, failMsg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lab": toLabResponse(out)})
}

func (s *Server) handleListCourseLabs(w http.ResponseWriter, r *http.Request) {
	include := false
	if raw := r.URL.Query().Get("include_instructor"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "include_instructor must be a boolean")
			return
		}
		include = v
	}
	courseID := chi.URLParam(r, "courseID")
	sessions := s.svc.ListCourseLabs(r.Context(), courseID, include)
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toLabResponse(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"course_id": courseID, "labs": out})
}

func (s *Server) handleCleanupIdle(w http.ResponseWriter, r *http.Request) {
	var req cleanupIdleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
			return
		}
	}
	if req.MaxIdleHours == 0 {
		req.MaxIdleHours = s.cfg.MaxIdleHours
	}
	n, err := s.svc.CleanupIdle(r.Context(), req.MaxIdleHours)
	if err != nil {
		s.writeServiceError(w, r, err, "idle cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleaned": n, "max_idle_hours": req.MaxIdleHours})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, failMsg string) {
	switch {
	case errors.Is(err, lab.ErrInvalidArgument):
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, lab.ErrSessionNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "lab not found")
	case errors.Is(err, lab.ErrTeardownPending):
		writeAPIError(w, http.StatusConflict, "teardown_pending", "previous lab is still being torn down")
	case errors.Is(err, lab.ErrInvalidTransition):
		writeAPIError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, lab.ErrCapacityExceeded):
		writeAPIError(w, http.StatusServiceUnavailable, "capacity_exceeded", "maximum concurrent labs reached")
	case errors.Is(err, lab.ErrShuttingDown):
		writeAPIError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
	default:
		s.log.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Error(failMsg)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", failMsg)
	}
}

func toLabResponse(sess *model.LabSession) map[string]any {
	out := map[string]any{
		"lab_id":          sess.ID,
		"user_id":         sess.UserID,
		"course_id":       sess.CourseID,
		"status":          sess.Status,
		"lab_type":        sess.LabType,
		"instructor_mode": sess.InstructorMode,
		"created_at":      sess.CreatedAt.Format(time.RFC3339),
		"last_accessed":   sess.LastAccessed.Format(time.RFC3339),
	}
	if !sess.ExpiresAt.IsZero() {
		out["expires_at"] = sess.ExpiresAt.Format(time.RFC3339)
	}
	if sess.ContainerID != "" {
		out["container_id"] = sess.ContainerID
	}
	if sess.Port != 0 {
		out["port"] = sess.Port
	}
	if len(sess.AccessURLs) > 0 {
		out["access_urls"] = sess.AccessURLs
	}
	if sess.ImageTag != "" {
		out["image_tag"] = sess.ImageTag
	}
	if sess.Error != "" {
		out["error"] = sess.Error
	}
	if sess.TeardownRequested {
		out["teardown_requested"] = true
	}
	return out
}
