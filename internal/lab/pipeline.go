package lab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/redmage123/course-creator-labs/internal/container"
	"github.com/redmage123/course-creator-labs/internal/image"
	"github.com/redmage123/course-creator-labs/internal/metrics"
	"github.com/redmage123/course-creator-labs/internal/model"
)

// runPipeline drives a reserved session from building to running or error.
// The teardown marker is checked after the build and again after the
// container starts; a marked session is cleaned up instead of promoted.
func (s *Service) runPipeline(ctx context.Context, snap *model.LabSession) {
	log := s.log.WithFields(sessionFields(snap))
	variant := s.catalog.Resolve(snap.LabType)
	if !s.catalog.Known(snap.LabType) {
		log.WithField("variant", variant.Name).Info("unknown lab type, using fallback variant")
	}

	tag, err := s.builder.Build(ctx, image.BuildRequest{
		LabID:    snap.ID,
		LabType:  snap.LabType,
		CourseID: snap.CourseID,
		Config:   snap.Config,
	})
	if err != nil {
		s.failPipeline(snap.ID, "", err, log)
		return
	}

	built, err := s.reg.Commit(snap.ID, func(ls *model.LabSession) error {
		ls.ImageTag = tag
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("session vanished after build")
		s.pruneImage(tag, log)
		return
	}
	if built.TeardownRequested {
		s.abandon(built, "", log)
		return
	}
	if err := os.MkdirAll(built.StoragePath, 0o755); err != nil {
		s.failPipeline(snap.ID, tag, fmt.Errorf("prepare workspace %s: %w", built.StoragePath, err), log)
		return
	}

	res, err := s.engine.StartContainer(ctx, container.StartRequest{
		LabID:       built.ID,
		UserID:      built.UserID,
		CourseID:    built.CourseID,
		LabType:     built.LabType,
		ImageTag:    tag,
		StoragePath: built.StoragePath,
		ServicePort: variant.ServicePort,
		Env:         built.Config.Env,
	})
	if err != nil {
		s.failPipeline(snap.ID, tag, err, log)
		return
	}

	unlock := s.locks.Lock(snap.ID)
	defer unlock()
	running, err := s.reg.Commit(snap.ID, func(ls *model.LabSession) error {
		if ls.TeardownRequested {
			return errTeardownRequested
		}
		ls.Status = model.LabRunning
		ls.ContainerID = res.ContainerID
		ls.Port = res.Port
		ls.AccessURLs = model.BuildAccessURLs(s.opts.PublicHost, res.Port, variant.AccessPaths)
		return nil
	})
	switch {
	case errors.Is(err, errTeardownRequested):
		current, gerr := s.reg.GetByID(snap.ID)
		if gerr != nil {
			current = built
		}
		s.abandon(current, res.ContainerID, log)
		return
	case err != nil:
		s.cleanupContainer(res.ContainerID, log)
		s.failPipelineLocked(snap.ID, tag, err, log)
		return
	}
	s.record(running)
	log.WithFields(logrus.Fields{"container_id": res.ContainerID, "port": res.Port, "image_tag": tag}).Info("lab running")
}

func (s *Service) failPipeline(labID, tag string, cause error, log logrus.FieldLogger) {
	unlock := s.locks.Lock(labID)
	defer unlock()
	s.failPipelineLocked(labID, tag, cause, log)
}

// failPipelineLocked records a build or start failure on the session, or
// finishes the teardown when one was requested meanwhile.
func (s *Service) failPipelineLocked(labID, tag string, cause error, log logrus.FieldLogger) {
	out, err := s.reg.Commit(labID, func(ls *model.LabSession) error {
		if ls.TeardownRequested {
			return errTeardownRequested
		}
		ls.Status = model.LabError
		ls.Error = cause.Error()
		if tag != "" {
			ls.ImageTag = tag
		}
		return nil
	})
	if errors.Is(err, errTeardownRequested) {
		if current, gerr := s.reg.GetByID(labID); gerr == nil {
			s.abandon(current, "", log)
		}
		return
	}
	if err != nil {
		log.WithError(err).Warn("record pipeline failure")
		return
	}
	s.record(out)
	entry := log.WithError(cause)
	var be *image.BuildError
	if errors.As(cause, &be) && be.LogTail != "" {
		entry = entry.WithField("build_log_tail", be.LogTail)
	}
	entry.Warn("lab pipeline failed")
}

// abandon finishes a teardown requested while the session was building.
func (s *Service) abandon(sess *model.LabSession, containerID string, log logrus.FieldLogger) {
	if containerID != "" {
		s.cleanupContainer(containerID, log)
	}
	if _, err := s.reg.Remove(sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.WithError(err).Warn("remove abandoned session")
	}
	s.recordStopped(sess.ID, s.now().UTC())
	s.pruneImage(sess.ImageTag, log)
	if sess.InstructorMode {
		s.removeWorkspace(sess.StoragePath, log)
	}
	metrics.Default().IncCounter("lab_sessions_reclaimed_total", map[string]string{"reason": "deleted_while_building"})
	log.Info("lab torn down after build")
}

func (s *Service) cleanupContainer(containerID string, log logrus.FieldLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TeardownTimeout)
	defer cancel()
	if err := s.engine.Cleanup(ctx, containerID); err != nil {
		log.WithError(err).WithField("container_id", containerID).Warn("container cleanup failed, queued for reaping")
		return err
	}
	return nil
}

func (s *Service) pruneImage(tag string, log logrus.FieldLogger) {
	if !s.opts.PruneImages || tag == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.builder.Remove(ctx, tag); err != nil {
		log.WithError(err).WithField("image_tag", tag).Warn("image prune failed")
	}
}

func (s *Service) removeWorkspace(path string, log logrus.FieldLogger) {
	if path == "" || s.opts.StorageRoot == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		log.WithError(err).WithField("storage_path", path).Warn("workspace cleanup failed")
	}
}
