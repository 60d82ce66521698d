// Package image turns a lab type and its configuration into a tagged
// container image on the local engine.
package image

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/redmage123/course-creator-labs/internal/labtype"
	"github.com/redmage123/course-creator-labs/internal/metrics"
	"github.com/redmage123/course-creator-labs/internal/model"
)

const logTailBytes = 4096

type BuildRequest struct {
	LabID    string
	LabType  string
	CourseID string
	Config   model.LabConfig
}

// BuildError is returned for every failed build. LogTail holds the last
// few kilobytes of engine output.
type BuildError struct {
	LabType string
	Tag     string
	LogTail string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("image build failed for %s (%s): %v", e.LabType, e.Tag, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// EngineClient is the subset of the Docker API the builder needs.
type EngineClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageRemove(ctx context.Context, imageID string, options dockerimage.RemoveOptions) ([]dockerimage.DeleteResponse, error)
}

type DockerBuilder struct {
	engine    EngineClient
	catalog   *labtype.Catalog
	namespace string
	log       logrus.FieldLogger
	nonce     func() string
}

func NewDockerBuilder(engine EngineClient, catalog *labtype.Catalog, namespace string, log logrus.FieldLogger) *DockerBuilder {
	namespace = strings.Trim(strings.ToLower(strings.TrimSpace(namespace)), "/")
	if namespace == "" {
		namespace = "course-creator"
	}
	return &DockerBuilder{
		engine:    engine,
		catalog:   catalog,
		namespace: namespace,
		log:       log.WithField("component", "image_builder"),
		nonce:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
	}
}

// Build always produces a fresh tag; identical inputs are rebuilt.
func (b *DockerBuilder) Build(ctx context.Context, req BuildRequest) (string, error) {
	variant := b.catalog.Resolve(req.LabType)
	tag := Tag(b.namespace, req.LabType, req.CourseID, b.nonce())
	log := b.log.WithFields(logrus.Fields{
		"lab_id":    req.LabID,
		"lab_type":  variant.Name,
		"course_id": req.CourseID,
		"image_tag": tag,
	})

	files, err := ContextFiles(variant, req.Config)
	if err != nil {
		return "", &BuildError{LabType: variant.Name, Tag: tag, Err: err}
	}
	buildCtx, err := tarContext(files)
	if err != nil {
		return "", &BuildError{LabType: variant.Name, Tag: tag, Err: err}
	}

	start := time.Now()
	tail := newTailWriter(logTailBytes)
	err = b.runBuild(ctx, tag, req, buildCtx, tail)
	durMS := float64(time.Since(start).Milliseconds())
	if err != nil {
		b.discard(tag, log)
		labels := map[string]string{"lab_type": variant.Name, "status": "error"}
		metrics.Default().IncCounter("lab_image_builds_total", labels)
		metrics.Default().ObserveHistogram("lab_image_build_latency_ms", durMS, labels)
		log.WithError(err).WithField("duration_ms", int64(durMS)).Warn("image build failed")
		return "", &BuildError{LabType: variant.Name, Tag: tag, LogTail: tail.String(), Err: err}
	}

	labels := map[string]string{"lab_type": variant.Name, "status": "ok"}
	metrics.Default().IncCounter("lab_image_builds_total", labels)
	metrics.Default().ObserveHistogram("lab_image_build_latency_ms", durMS, labels)
	log.WithField("duration_ms", int64(durMS)).Info("image built")
	return tag, nil
}

func (b *DockerBuilder) runBuild(ctx context.Context, tag string, req BuildRequest, buildCtx io.Reader, out io.Writer) error {
	resp, err := b.engine.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			"course-creator.lab-id":    req.LabID,
			"course-creator.course-id": req.CourseID,
			"course-creator.lab-type":  req.LabType,
		},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil)
}

// discard makes sure nothing stays tagged under a failed build's name.
func (b *DockerBuilder) discard(tag string, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := b.engine.ImageRemove(ctx, tag, dockerimage.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		log.WithError(err).Warn("remove failed build tag")
	}
}

// Remove deletes a lab image. A missing image is not an error.
func (b *DockerBuilder) Remove(ctx context.Context, tag string) error {
	if strings.TrimSpace(tag) == "" {
		return nil
	}
	_, err := b.engine.ImageRemove(ctx, tag, dockerimage.RemoveOptions{PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove image %s: %w", tag, err)
	}
	return nil
}

var tagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Tag formats <namespace>/labs:<lab_type>-<course_id>-<nonce>.
func Tag(namespace, labType, courseID, nonce string) string {
	kind := tagPart(strings.ToLower(labType), 32)
	if kind == "" {
		kind = labtype.Generic
	}
	course := tagPart(courseID, 64)
	if course == "" {
		course = "none"
	}
	return fmt.Sprintf("%s/labs:%s-%s-%s", namespace, kind, course, nonce)
}

func tagPart(s string, max int) string {
	s = strings.Trim(tagUnsafe.ReplaceAllString(strings.TrimSpace(s), "-"), "-.")
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// tailWriter keeps only the last max bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
