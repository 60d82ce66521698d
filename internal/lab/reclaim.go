package lab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/redmage123/course-creator-labs/internal/container"
	"github.com/redmage123/course-creator-labs/internal/metrics"
	"github.com/redmage123/course-creator-labs/internal/model"
)

// teardownLocked stops and removes the container, then drops the session.
// Container failures other than "already gone" leave the container queued
// for reaping and are reported on the returned snapshot, but the session
// is still removed.
func (s *Service) teardownLocked(ctx context.Context, sess *model.LabSession, reason string) *model.LabSession {
	log := s.log.WithFields(sessionFields(sess)).WithField("reason", reason)

	out := sess.Clone()
	if sess.ContainerID != "" {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.TeardownTimeout)
		err := s.engine.Cleanup(cctx, sess.ContainerID)
		cancel()
		if err != nil {
			log.WithError(err).Warn("container cleanup failed, queued for reaping")
			out.Error = "container cleanup pending: " + err.Error()
		}
	}

	if model.CanTransition(sess.Status, model.LabStopped) {
		if stopped, err := s.reg.Commit(sess.ID, func(ls *model.LabSession) error {
			ls.Status = model.LabStopped
			return nil
		}); err == nil {
			stopped.Error = out.Error
			out = stopped
		}
	}
	if _, err := s.reg.Remove(sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.WithError(err).Warn("remove session")
	}
	s.recordStopped(sess.ID, s.now().UTC())
	s.pruneImage(sess.ImageTag, log)
	if sess.InstructorMode {
		s.removeWorkspace(sess.StoragePath, log)
	}
	metrics.Default().IncCounter("lab_sessions_reclaimed_total", map[string]string{"reason": reason})
	log.Info("lab torn down")
	return out
}

// discardEvicted cleans up after a finished session that a new reservation
// replaced. Runs in the background; the new session does not wait for it.
func (s *Service) discardEvicted(sess *model.LabSession) {
	log := s.log.WithFields(sessionFields(sess))
	go func() {
		if sess.ContainerID != "" {
			_ = s.cleanupContainer(sess.ContainerID, log)
		}
		s.recordStopped(sess.ID, s.now().UTC())
		s.pruneImage(sess.ImageTag, log)
	}()
}

// CleanupIdle reclaims every session unused for longer than maxIdleHours
// and returns how many were removed. Overdue sessions that are still
// building have their pipeline cancelled and are not counted; the pipeline
// removes them when it unwinds.
func (s *Service) CleanupIdle(ctx context.Context, maxIdleHours int) (int, error) {
	if maxIdleHours <= 0 {
		return 0, fmt.Errorf("%w: max_idle_hours must be positive", ErrInvalidArgument)
	}
	threshold := time.Duration(maxIdleHours) * time.Hour
	return s.reclaim(ctx, "idle", func(sess *model.LabSession, now time.Time) bool {
		return sess.IdleFor(now) > threshold
	})
}

// CleanupExpired reclaims sessions past their expires_at.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.reclaim(ctx, "expired", func(sess *model.LabSession, now time.Time) bool {
		return sess.Expired(now)
	})
}

func (s *Service) reclaim(ctx context.Context, reason string, due func(*model.LabSession, time.Time) bool) (int, error) {
	cleaned, cancelled := 0, 0
	for _, candidate := range s.reg.List() {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		if !due(candidate, s.now()) {
			continue
		}
		switch s.reclaimOne(ctx, candidate.ID, reason, due) {
		case reclaimRemoved:
			cleaned++
		case reclaimCancelled:
			cancelled++
		}
	}
	if cleaned > 0 || cancelled > 0 {
		s.log.WithFields(logrus.Fields{
			"reason":    reason,
			"count":     cleaned,
			"cancelled": cancelled,
		}).Info("reclaimed lab sessions")
	}
	return cleaned, nil
}

type reclaimOutcome int

const (
	reclaimSkipped reclaimOutcome = iota
	reclaimRemoved
	// The session was still building; its pipeline was cancelled and will
	// remove it once the build or start returns.
	reclaimCancelled
)

// reclaimOne re-checks the session under its lock since it may have been
// touched or deleted after the scan.
func (s *Service) reclaimOne(ctx context.Context, labID, reason string, due func(*model.LabSession, time.Time) bool) reclaimOutcome {
	unlock := s.locks.Lock(labID)
	defer unlock()

	sess, err := s.reg.GetByID(labID)
	if err != nil || !due(sess, s.now()) {
		return reclaimSkipped
	}
	if sess.Status == model.LabBuilding {
		if !sess.TeardownRequested {
			if _, err := s.requestTeardownLocked(sess); err != nil {
				return reclaimSkipped
			}
		}
		if !s.pool.Cancel(labID) {
			return reclaimSkipped
		}
		s.log.WithFields(sessionFields(sess)).WithField("reason", reason).Info("cancelled pipeline of overdue lab")
		return reclaimCancelled
	}
	s.teardownLocked(ctx, sess, reason)
	return reclaimRemoved
}

// DetectCrashed moves running sessions whose container is no longer
// running to error.
func (s *Service) DetectCrashed(ctx context.Context) (int, error) {
	failed := 0
	for _, sess := range s.reg.List() {
		if sess.Status != model.LabRunning || sess.ContainerID == "" {
			continue
		}
		state, err := s.engine.Inspect(ctx, sess.ContainerID)
		var reason string
		switch {
		case errors.Is(err, container.ErrEngineNotFound):
			reason = "container no longer exists"
		case err != nil:
			if errors.Is(err, container.ErrEngineUnavailable) {
				return failed, err
			}
			continue
		case !state.Running:
			reason = "container exited"
		default:
			continue
		}
		if s.markCrashed(sess.ID, sess.ContainerID, reason) {
			failed++
		}
	}
	return failed, nil
}

func (s *Service) markCrashed(labID, containerID, reason string) bool {
	unlock := s.locks.Lock(labID)
	defer unlock()
	cur, err := s.reg.GetByID(labID)
	if err != nil || cur.Status != model.LabRunning || cur.ContainerID != containerID {
		return false
	}
	_, err = s.markFailedLocked(labID, reason)
	return err == nil
}

// ReapOrphans retries teardown of containers whose cleanup failed earlier.
func (s *Service) ReapOrphans(ctx context.Context) (int, error) {
	n, err := s.engine.ReapOrphans(ctx)
	if n > 0 {
		metrics.Default().IncCounter("lab_sessions_reclaimed_total", map[string]string{"reason": "orphan"})
		s.log.WithField("count", n).Info("reaped orphan containers")
	}
	return n, err
}

type RecoveryReport struct {
	Journaled int
	Cleaned   int
	Adopted   int
	Pending   int
}

// RecoverFromJournal tears down everything a previous process left behind.
// It must run before the service accepts requests: the registry is empty at
// that point, so every unfinished journal entry and every labelled
// container is an orphan.
func (s *Service) RecoverFromJournal(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	records, err := s.journal.ListUnfinishedLabSessions(ctx)
	if err != nil {
		return report, fmt.Errorf("list unfinished sessions: %w", err)
	}
	report.Journaled = len(records)

	var settled []string
	for _, rec := range records {
		log := s.log.WithFields(sessionFields(&rec.LabSession))
		if rec.ContainerID != "" {
			if err := s.cleanupContainer(rec.ContainerID, log); err != nil {
				continue
			}
			report.Cleaned++
		}
		if rec.InstructorMode {
			s.removeWorkspace(rec.StoragePath, log)
		}
		settled = append(settled, rec.ID)
	}
	if _, err := s.journal.MarkLabSessionsStopped(ctx, settled, s.now().UTC()); err != nil {
		s.log.WithError(err).Warn("journal batch stop failed")
	}

	adopted, err := s.engine.AdoptOrphans(ctx)
	if err != nil {
		s.log.WithError(err).Warn("adopt orphan containers")
	}
	report.Adopted = adopted
	if adopted > 0 {
		reaped, err := s.engine.ReapOrphans(ctx)
		if err != nil {
			s.log.WithError(err).Warn("reap adopted containers")
		}
		report.Cleaned += reaped
		report.Pending = adopted - reaped
	}
	report.Pending += len(records) - len(settled)
	s.log.WithFields(logrus.Fields{
		"journaled": report.Journaled,
		"cleaned":   report.Cleaned,
		"adopted":   report.Adopted,
		"pending":   report.Pending,
	}).Info("recovery finished")
	return report, nil
}

// Shutdown cancels in-flight pipelines, waits for them to settle, then
// tears down every remaining session.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.pool.Shutdown(ctx)
	for _, sess := range s.reg.List() {
		unlock := s.locks.Lock(sess.ID)
		if cur, gerr := s.reg.GetByID(sess.ID); gerr == nil {
			s.teardownLocked(ctx, cur, "shutdown")
		}
		unlock()
	}
	return err
}
