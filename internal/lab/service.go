// Package lab is the lifecycle service for lab sessions. It composes the
// registry, image builder and container orchestrator into the create,
// pause, resume, delete and reclamation workflows.
package lab

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/redmage123/course-creator-labs/internal/container"
	"github.com/redmage123/course-creator-labs/internal/image"
	"github.com/redmage123/course-creator-labs/internal/labtype"
	"github.com/redmage123/course-creator-labs/internal/metrics"
	"github.com/redmage123/course-creator-labs/internal/model"
	"github.com/redmage123/course-creator-labs/internal/registry"
	"github.com/redmage123/course-creator-labs/internal/store"
)

type ImageBuilder interface {
	Build(ctx context.Context, req image.BuildRequest) (string, error)
	Remove(ctx context.Context, tag string) error
}

type Journal interface {
	UpsertLabSession(ctx context.Context, sess *model.LabSession) error
	MarkLabSessionStopped(ctx context.Context, labID string, stoppedAt time.Time) error
	MarkLabSessionsStopped(ctx context.Context, labIDs []string, stoppedAt time.Time) (int64, error)
	ListUnfinishedLabSessions(ctx context.Context) ([]store.LabSessionRecord, error)
}

type Options struct {
	PublicHost     string
	StorageRoot    string
	DefaultTimeout time.Duration
	BuildWorkers   int
	PruneImages    bool
	// JournalTimeout bounds each journal write.
	JournalTimeout time.Duration
	// TeardownTimeout bounds engine calls made outside a request context.
	TeardownTimeout time.Duration
}

type StudentLabRequest struct {
	UserID         string
	CourseID       string
	LabType        string
	Config         model.LabConfig
	TimeoutMinutes int
}

type InstructorLabRequest struct {
	InstructorID   string
	CourseID       string
	LabType        string
	Config         model.LabConfig
	TimeoutMinutes int
}

type Stats struct {
	Active   int `json:"active"`
	Capacity int `json:"max"`
	Tracked  int `json:"tracked"`
	Pending  int `json:"pipelines"`
}

type Service struct {
	reg     *registry.Registry
	builder ImageBuilder
	engine  container.Orchestrator
	catalog *labtype.Catalog
	journal Journal
	opts    Options
	log     logrus.FieldLogger

	pool  *pool
	locks *keyedMutex
	now   func() time.Time
	newID func() string
}

func NewService(reg *registry.Registry, builder ImageBuilder, engine container.Orchestrator, catalog *labtype.Catalog, journal Journal, opts Options, log logrus.FieldLogger) *Service {
	if journal == nil {
		journal = nopJournal{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 2 * time.Hour
	}
	if opts.JournalTimeout <= 0 {
		opts.JournalTimeout = 3 * time.Second
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = time.Minute
	}
	return &Service{
		reg:     reg,
		builder: builder,
		engine:  engine,
		catalog: catalog,
		journal: journal,
		opts:    opts,
		log:     log.WithField("component", "lab_service"),
		pool:    newPool(opts.BuildWorkers),
		locks:   newKeyedMutex(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// CreateOrGetStudentLab returns the caller's live session for the course
// or starts a new one. created reports whether a new session was reserved.
// New sessions come back in building; the image build and container start
// continue in the background.
func (s *Service) CreateOrGetStudentLab(ctx context.Context, req StudentLabRequest) (*model.LabSession, bool, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.CourseID) == "" {
		return nil, false, fmt.Errorf("%w: user_id and course_id are required", ErrInvalidArgument)
	}
	if req.TimeoutMinutes < 0 {
		return nil, false, fmt.Errorf("%w: timeout_minutes must not be negative", ErrInvalidArgument)
	}

	if existing, ok := s.reg.GetByUserCourse(req.UserID, req.CourseID); ok {
		sess, reused, err := s.reuse(ctx, existing)
		if reused || err != nil {
			return sess, false, err
		}
	}

	labID := s.newID()
	res, err := s.reg.Reserve(registry.ReserveRequest{
		LabID:       labID,
		UserID:      req.UserID,
		CourseID:    req.CourseID,
		LabType:     normalizeLabType(req.LabType),
		Config:      req.Config,
		StoragePath: s.studentWorkspace(req.CourseID, req.UserID),
		Timeout:     s.timeout(req.TimeoutMinutes),
	})
	if err != nil {
		s.rejected(err)
		return nil, false, err
	}
	if !res.Created {
		// Lost a race with a concurrent create for the same pair.
		sess, _, err := s.reuse(ctx, res.Session)
		return sess, false, err
	}
	if res.Evicted != nil {
		s.discardEvicted(res.Evicted)
	}
	return s.launch(res.Session)
}

// CreateInstructorLab always starts a new session. Instructor sessions are
// never reused and do not occupy the per-student slot for the course.
func (s *Service) CreateInstructorLab(ctx context.Context, req InstructorLabRequest) (*model.LabSession, error) {
	if strings.TrimSpace(req.CourseID) == "" {
		return nil, fmt.Errorf("%w: course_id is required", ErrInvalidArgument)
	}
	if req.TimeoutMinutes < 0 {
		return nil, fmt.Errorf("%w: timeout_minutes must not be negative", ErrInvalidArgument)
	}
	labID := s.newID()
	res, err := s.reg.Reserve(registry.ReserveRequest{
		LabID:          labID,
		UserID:         req.InstructorID,
		CourseID:       req.CourseID,
		LabType:        normalizeLabType(req.LabType),
		Config:         req.Config,
		InstructorMode: true,
		StoragePath:    s.instructorWorkspace(req.CourseID, labID),
		Timeout:        s.timeout(req.TimeoutMinutes),
	})
	if err != nil {
		s.rejected(err)
		return nil, err
	}
	sess, _, err := s.launch(res.Session)
	return sess, err
}

func (s *Service) launch(sess *model.LabSession) (*model.LabSession, bool, error) {
	s.record(sess)
	snap := sess.Clone()
	if err := s.pool.Submit(sess.ID, func(ctx context.Context) { s.runPipeline(ctx, snap) }); err != nil {
		s.log.WithError(err).WithField("lab_id", sess.ID).Error("submit lab pipeline")
		failed, ferr := s.reg.Commit(sess.ID, func(ls *model.LabSession) error {
			ls.Status = model.LabError
			ls.Error = err.Error()
			return nil
		})
		if ferr == nil {
			s.record(failed)
		}
		return nil, false, err
	}
	s.log.WithFields(sessionFields(sess)).Info("lab session reserved")
	return sess, true, nil
}

// reuse handles an existing session for the pair. reused is false when the
// session is finished and a new one should be reserved instead.
func (s *Service) reuse(ctx context.Context, existing *model.LabSession) (*model.LabSession, bool, error) {
	if existing.TeardownRequested {
		s.rejected(ErrTeardownPending)
		return nil, true, fmt.Errorf("lab %s: %w", existing.ID, ErrTeardownPending)
	}
	switch existing.Status {
	case model.LabPaused:
		sess, err := s.Resume(ctx, existing.ID)
		return sess, true, err
	case model.LabBuilding, model.LabRunning:
		sess, err := s.touch(existing.ID)
		if errors.Is(err, ErrSessionNotFound) {
			return nil, false, nil
		}
		return sess, true, err
	default:
		return nil, false, nil
	}
}

// GetStatus returns the session and counts as use while it is building or
// running.
func (s *Service) GetStatus(_ context.Context, labID string) (*model.LabSession, error) {
	sess, err := s.reg.GetByID(labID)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.LabBuilding || sess.Status == model.LabRunning {
		return s.touch(labID)
	}
	return sess, nil
}

// Lookup returns the session without counting as use.
func (s *Service) Lookup(_ context.Context, labID string) (*model.LabSession, error) {
	return s.reg.GetByID(labID)
}

func (s *Service) Pause(ctx context.Context, labID string) (*model.LabSession, error) {
	unlock := s.locks.Lock(labID)
	defer unlock()

	sess, err := s.reg.GetByID(labID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case model.LabPaused:
		return sess, nil
	case model.LabRunning:
	default:
		return nil, fmt.Errorf("pause lab %s in %s: %w", labID, sess.Status, ErrInvalidTransition)
	}

	if err := s.engine.Pause(ctx, sess.ContainerID); err != nil {
		if errors.Is(err, container.ErrEngineNotFound) {
			s.markFailedLocked(labID, "container disappeared: "+err.Error())
		}
		return nil, err
	}
	out, err := s.reg.Commit(labID, func(ls *model.LabSession) error {
		ls.Status = model.LabPaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(out)
	s.log.WithFields(sessionFields(out)).Info("lab paused")
	return out, nil
}

// Resume is a no-op for a running session.
func (s *Service) Resume(ctx context.Context, labID string) (*model.LabSession, error) {
	unlock := s.locks.Lock(labID)
	defer unlock()

	sess, err := s.reg.GetByID(labID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case model.LabRunning:
		return s.touch(labID)
	case model.LabPaused:
	default:
		return nil, fmt.Errorf("resume lab %s in %s: %w", labID, sess.Status, ErrInvalidTransition)
	}

	if err := s.engine.Resume(ctx, sess.ContainerID); err != nil {
		if errors.Is(err, container.ErrEngineNotFound) {
			s.teardownLocked(ctx, sess, "vanished")
		}
		return nil, err
	}
	now := s.now().UTC()
	out, err := s.reg.Commit(labID, func(ls *model.LabSession) error {
		ls.Status = model.LabRunning
		ls.LastAccessed = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(out)
	s.log.WithFields(sessionFields(out)).Info("lab resumed")
	return out, nil
}

// Delete tears a session down. A session that is still building is only
// marked; its pipeline performs the teardown when it reaches the next
// phase boundary.
func (s *Service) Delete(ctx context.Context, labID string) (*model.LabSession, error) {
	unlock := s.locks.Lock(labID)
	defer unlock()

	sess, err := s.reg.GetByID(labID)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.LabBuilding {
		return s.requestTeardownLocked(sess)
	}
	return s.teardownLocked(ctx, sess, "deleted"), nil
}

func (s *Service) requestTeardownLocked(sess *model.LabSession) (*model.LabSession, error) {
	out, err := s.reg.Commit(sess.ID, func(ls *model.LabSession) error {
		if ls.Status != model.LabBuilding {
			return fmt.Errorf("lab %s left building: %w", ls.ID, ErrInvalidTransition)
		}
		ls.TeardownRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(out)
	s.log.WithFields(sessionFields(out)).Info("teardown requested while building")
	return out, nil
}

func (s *Service) ListCourseLabs(_ context.Context, courseID string, includeInstructor bool) []*model.LabSession {
	return s.reg.ListByCourse(courseID, includeInstructor)
}

// MarkFailed records that a running session's container died outside of
// our control. Only running sessions can be marked.
func (s *Service) MarkFailed(_ context.Context, labID, reason string) (*model.LabSession, error) {
	unlock := s.locks.Lock(labID)
	defer unlock()
	sess, err := s.reg.GetByID(labID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.LabRunning {
		return nil, fmt.Errorf("lab %s is %s: %w", labID, sess.Status, ErrInvalidTransition)
	}
	return s.markFailedLocked(labID, reason)
}

func (s *Service) markFailedLocked(labID, reason string) (*model.LabSession, error) {
	out, err := s.reg.Commit(labID, func(ls *model.LabSession) error {
		ls.Status = model.LabError
		ls.Error = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(out)
	s.log.WithFields(sessionFields(out)).WithField("reason", reason).Warn("lab marked failed")
	return out, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Active:   s.reg.ActiveCount(),
		Capacity: s.reg.Capacity(),
		Tracked:  s.reg.Len(),
		Pending:  s.pool.Pending(),
	}
	return st, s.engine.Ping(ctx)
}

func (s *Service) touch(labID string) (*model.LabSession, error) {
	now := s.now().UTC()
	return s.reg.Commit(labID, func(ls *model.LabSession) error {
		ls.LastAccessed = now
		return nil
	})
}

func (s *Service) timeout(minutes int) time.Duration {
	if minutes <= 0 {
		return s.opts.DefaultTimeout
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Service) rejected(err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		reason = "capacity"
	case errors.Is(err, ErrTeardownPending):
		reason = "teardown_pending"
	}
	metrics.Default().IncCounter("lab_admission_rejections_total", map[string]string{"reason": reason})
}

// record writes the session to the journal. Journal failures never fail
// the caller.
func (s *Service) record(sess *model.LabSession) {
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JournalTimeout)
	defer cancel()
	if err := s.journal.UpsertLabSession(ctx, sess); err != nil {
		s.log.WithError(err).WithField("lab_id", sess.ID).Warn("journal upsert failed")
	}
}

func (s *Service) recordStopped(labID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JournalTimeout)
	defer cancel()
	if err := s.journal.MarkLabSessionStopped(ctx, labID, at); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.WithError(err).WithField("lab_id", labID).Warn("journal stop failed")
	}
}

func (s *Service) studentWorkspace(courseID, userID string) string {
	return filepath.Join(s.opts.StorageRoot, pathSegment(courseID), pathSegment(userID))
}

func (s *Service) instructorWorkspace(courseID, labID string) string {
	return filepath.Join(s.opts.StorageRoot, pathSegment(courseID), "instructor", pathSegment(labID))
}

func pathSegment(v string) string {
	v = strings.TrimSpace(v)
	v = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_").Replace(v)
	if v == "" || v == "." || v == ".." {
		return "_"
	}
	return v
}

func normalizeLabType(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return labtype.Python
	}
	return v
}

func sessionFields(s *model.LabSession) logrus.Fields {
	f := logrus.Fields{
		"lab_id":    s.ID,
		"user_id":   s.UserID,
		"course_id": s.CourseID,
		"status":    s.Status,
	}
	if s.ContainerID != "" {
		f["container_id"] = s.ContainerID
	}
	if s.Port != 0 {
		f["port"] = s.Port
	}
	return f
}

type nopJournal struct{}

func (nopJournal) UpsertLabSession(context.Context, *model.LabSession) error { return nil }

func (nopJournal) MarkLabSessionStopped(context.Context, string, time.Time) error { return nil }

func (nopJournal) MarkLabSessionsStopped(context.Context, []string, time.Time) (int64, error) {
	return 0, nil
}

func (nopJournal) ListUnfinishedLabSessions(context.Context) ([]store.LabSessionRecord, error) {
	return nil, nil
}
