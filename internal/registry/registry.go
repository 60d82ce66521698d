// Package registry is the authoritative in-memory store of lab sessions.
// All indexes live behind one lock so reservation, admission control and
// the uniqueness invariants are checked atomically.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redmage123/course-creator-labs/internal/metrics"
	"github.com/redmage123/course-creator-labs/internal/model"
)

var (
	ErrCapacityExceeded  = errors.New("lab capacity exceeded")
	ErrSessionNotFound   = errors.New("lab session not found")
	ErrInvalidTransition = errors.New("invalid lab status transition")
	ErrTeardownPending   = errors.New("lab teardown pending")
	ErrConflict          = errors.New("lab session conflict")
)

type ReserveRequest struct {
	LabID          string
	UserID         string
	CourseID       string
	LabType        string
	Config         model.LabConfig
	InstructorMode bool
	StoragePath    string
	Timeout        time.Duration
}

type ReserveResult struct {
	Session *model.LabSession
	Created bool
	// Evicted is a finished session for the same user and course that the
	// reservation replaced. Its container, if any, still needs cleanup.
	Evicted *model.LabSession
}

type userCourse struct {
	userID   string
	courseID string
}

type Registry struct {
	mu           sync.Mutex
	max          int
	sessions     map[string]*model.LabSession
	byUserCourse map[userCourse]string
	byPort       map[int]string
	byContainer  map[string]string
	active       int
	now          func() time.Time
}

func New(maxActive int) *Registry {
	return &Registry{
		max:          maxActive,
		sessions:     make(map[string]*model.LabSession),
		byUserCourse: make(map[userCourse]string),
		byPort:       make(map[int]string),
		byContainer:  make(map[string]string),
		now:          time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *Registry) Capacity() int {
	return r.max
}

// Reserve inserts a new building session unless the user already has a
// live session for the course, in which case that session is returned with
// Created false. The capacity check and the insert happen under one lock.
func (r *Registry) Reserve(req ReserveRequest) (ReserveResult, error) {
	if req.LabID == "" {
		return ReserveResult{}, fmt.Errorf("reserve: lab id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[req.LabID]; exists {
		return ReserveResult{}, fmt.Errorf("reserve %s: %w: duplicate lab id", req.LabID, ErrConflict)
	}

	var evicted *model.LabSession
	key := userCourse{req.UserID, req.CourseID}
	if !req.InstructorMode {
		if id, ok := r.byUserCourse[key]; ok {
			existing := r.sessions[id]
			switch {
			case existing.TeardownRequested:
				return ReserveResult{}, fmt.Errorf("reserve for %s/%s: %w", req.UserID, req.CourseID, ErrTeardownPending)
			case existing.Status.Active():
				return ReserveResult{Session: existing.Clone(), Created: false}, nil
			}
			if r.active >= r.max {
				return ReserveResult{}, ErrCapacityExceeded
			}
			evicted = r.removeLocked(existing)
		}
	}

	if r.active >= r.max {
		return ReserveResult{}, ErrCapacityExceeded
	}

	now := r.now().UTC()
	s := &model.LabSession{
		ID:             req.LabID,
		UserID:         req.UserID,
		CourseID:       req.CourseID,
		Status:         model.LabBuilding,
		LabType:        req.LabType,
		Config:         req.Config.Clone(),
		StoragePath:    req.StoragePath,
		InstructorMode: req.InstructorMode,
		CreatedAt:      now,
		LastAccessed:   now,
	}
	if req.Timeout > 0 {
		s.ExpiresAt = now.Add(req.Timeout)
	}
	r.sessions[s.ID] = s
	if !s.InstructorMode {
		r.byUserCourse[key] = s.ID
	}
	r.active++
	r.publishLocked()
	return ReserveResult{Session: s.Clone(), Created: true, Evicted: evicted}, nil
}

func (r *Registry) GetByID(labID string) (*model.LabSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[labID]
	if !ok {
		return nil, fmt.Errorf("lab %s: %w", labID, ErrSessionNotFound)
	}
	return s.Clone(), nil
}

// GetByUserCourse never returns instructor sessions.
func (r *Registry) GetByUserCourse(userID, courseID string) (*model.LabSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUserCourse[userCourse{userID, courseID}]
	if !ok {
		return nil, false
	}
	return r.sessions[id].Clone(), true
}

// Commit applies fn to a copy of the session and stores the copy only if
// the result keeps every registry invariant. Commits are serialized.
func (r *Registry) Commit(labID string, fn func(s *model.LabSession) error) (*model.LabSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	curr, ok := r.sessions[labID]
	if !ok {
		return nil, fmt.Errorf("lab %s: %w", labID, ErrSessionNotFound)
	}
	next := curr.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := r.validateLocked(curr, next); err != nil {
		return nil, err
	}

	if curr.Port != 0 && r.byPort[curr.Port] == labID {
		delete(r.byPort, curr.Port)
	}
	if curr.ContainerID != "" && r.byContainer[curr.ContainerID] == labID {
		delete(r.byContainer, curr.ContainerID)
	}
	if next.Status != model.LabStopped {
		if next.Port != 0 {
			r.byPort[next.Port] = labID
		}
		if next.ContainerID != "" {
			r.byContainer[next.ContainerID] = labID
		}
	}
	if curr.Status.Active() && !next.Status.Active() {
		r.active--
	}
	r.sessions[labID] = next
	r.publishLocked()
	return next.Clone(), nil
}

func (r *Registry) validateLocked(curr, next *model.LabSession) error {
	if next.ID != curr.ID || next.UserID != curr.UserID || next.CourseID != curr.CourseID || next.InstructorMode != curr.InstructorMode {
		return fmt.Errorf("lab %s: %w: identity fields are immutable", curr.ID, ErrConflict)
	}
	if next.Status != curr.Status && !model.CanTransition(curr.Status, next.Status) {
		return fmt.Errorf("lab %s: %w: %s -> %s", curr.ID, ErrInvalidTransition, curr.Status, next.Status)
	}
	if next.Status == model.LabStopped {
		return nil
	}
	if next.Port != 0 {
		if owner, taken := r.byPort[next.Port]; taken && owner != curr.ID {
			return fmt.Errorf("lab %s: %w: port %d held by %s", curr.ID, ErrConflict, next.Port, owner)
		}
	}
	if next.ContainerID != "" {
		if owner, taken := r.byContainer[next.ContainerID]; taken && owner != curr.ID {
			return fmt.Errorf("lab %s: %w: container %s bound to %s", curr.ID, ErrConflict, next.ContainerID, owner)
		}
	}
	return nil
}

// Remove deletes the session from every index. Callers remove a session
// only after its container is confirmed gone.
func (r *Registry) Remove(labID string) (*model.LabSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[labID]
	if !ok {
		return nil, fmt.Errorf("lab %s: %w", labID, ErrSessionNotFound)
	}
	out := r.removeLocked(s)
	r.publishLocked()
	return out, nil
}

func (r *Registry) removeLocked(s *model.LabSession) *model.LabSession {
	delete(r.sessions, s.ID)
	key := userCourse{s.UserID, s.CourseID}
	if r.byUserCourse[key] == s.ID {
		delete(r.byUserCourse, key)
	}
	if s.Port != 0 && r.byPort[s.Port] == s.ID {
		delete(r.byPort, s.Port)
	}
	if s.ContainerID != "" && r.byContainer[s.ContainerID] == s.ID {
		delete(r.byContainer, s.ContainerID)
	}
	if s.Status.Active() {
		r.active--
	}
	return s
}

// ListByCourse returns sessions ordered by creation time.
func (r *Registry) ListByCourse(courseID string, includeInstructor bool) []*model.LabSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.LabSession
	for _, s := range r.sessions {
		if s.CourseID != courseID {
			continue
		}
		if s.InstructorMode && !includeInstructor {
			continue
		}
		out = append(out, s.Clone())
	}
	sortByCreated(out)
	return out
}

func (r *Registry) List() []*model.LabSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.LabSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	sortByCreated(out)
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) publishLocked() {
	metrics.Default().SetGauge("lab_sessions_active", float64(r.active), nil)
}

func sortByCreated(in []*model.LabSession) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].CreatedAt.Equal(in[j].CreatedAt) {
			return in[i].ID < in[j].ID
		}
		return in[i].CreatedAt.Before(in[j].CreatedAt)
	})
}
