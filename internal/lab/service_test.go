package lab

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/redmage123/course-creator-labs/internal/container"
	"github.com/redmage123/course-creator-labs/internal/image"
	"github.com/redmage123/course-creator-labs/internal/labtype"
	"github.com/redmage123/course-creator-labs/internal/model"
	"github.com/redmage123/course-creator-labs/internal/ports"
	"github.com/redmage123/course-creator-labs/internal/registry"
	"github.com/redmage123/course-creator-labs/internal/store"
)

type mockBuilder struct {
	buildFn func(ctx context.Context, req image.BuildRequest) (string, error)

	mu      sync.Mutex
	builds  int
	removed []string
}

func (m *mockBuilder) Build(ctx context.Context, req image.BuildRequest) (string, error) {
	m.mu.Lock()
	m.builds++
	n := m.builds
	m.mu.Unlock()
	if m.buildFn != nil {
		return m.buildFn(ctx, req)
	}
	return image.Tag("course-creator", req.LabType, req.CourseID, fmt.Sprintf("n%d", n)), nil
}

func (m *mockBuilder) Remove(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, tag)
	return nil
}

func (m *mockBuilder) Builds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.builds
}

// gatedBuild blocks every build until release is closed.
func gatedBuild(release <-chan struct{}) func(context.Context, image.BuildRequest) (string, error) {
	return func(ctx context.Context, req image.BuildRequest) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return image.Tag("course-creator", req.LabType, req.CourseID, "gated"), nil
	}
}

type mockJournal struct {
	mu       sync.Mutex
	upserts  map[string]model.LabStatus
	stopped  []string
	records  []store.LabSessionRecord
	batchIDs []string
}

func newMockJournal() *mockJournal {
	return &mockJournal{upserts: make(map[string]model.LabStatus)}
}

func (m *mockJournal) UpsertLabSession(_ context.Context, sess *model.LabSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts[sess.ID] = sess.Status
	return nil
}

func (m *mockJournal) MarkLabSessionStopped(_ context.Context, labID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, labID)
	return nil
}

func (m *mockJournal) MarkLabSessionsStopped(_ context.Context, labIDs []string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchIDs = append(m.batchIDs, labIDs...)
	return int64(len(labIDs)), nil
}

func (m *mockJournal) ListUnfinishedLabSessions(context.Context) ([]store.LabSessionRecord, error) {
	return m.records, nil
}

type harness struct {
	svc     *Service
	reg     *registry.Registry
	orch    *container.FakeOrchestrator
	alloc   *ports.Allocator
	builder *mockBuilder
	journal *mockJournal
	hook    *test.Hook
}

func newHarness(t *testing.T, maxLabs int, portStart, portEnd int) *harness {
	t.Helper()
	catalog, err := labtype.Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	alloc, err := ports.NewAllocator(portStart, portEnd, nil)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	log, hook := test.NewNullLogger()
	h := &harness{
		hook:    hook,
		reg:     registry.New(maxLabs),
		orch:    container.NewFakeOrchestrator(alloc),
		alloc:   alloc,
		builder: &mockBuilder{},
		journal: newMockJournal(),
	}
	h.svc = NewService(h.reg, h.builder, h.orch, catalog, h.journal, Options{
		PublicHost:   "labs.example.test",
		StorageRoot:  t.TempDir(),
		BuildWorkers: 4,
		PruneImages:  true,
	}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.pool.Shutdown(ctx)
	})
	return h
}

func (h *harness) createStudent(t *testing.T, user, course string) *model.LabSession {
	t.Helper()
	sess, _, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{
		UserID:         user,
		CourseID:       course,
		LabType:        "python",
		Config:         model.LabConfig{Packages: []string{"numpy"}},
		TimeoutMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CreateOrGetStudentLab(%s, %s) returned err: %v", user, course, err)
	}
	return sess
}

func (h *harness) runningStudent(t *testing.T, user, course string) *model.LabSession {
	t.Helper()
	sess := h.createStudent(t, user, course)
	h.svc.pool.wait()
	out, err := h.svc.GetStatus(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetStatus returned err: %v", err)
	}
	if out.Status != model.LabRunning {
		t.Fatalf("expected running, got %s (%s)", out.Status, out.Error)
	}
	return out
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateStudentLabBuildsAndRuns(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)

	sess, created, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{
		UserID: "u1", CourseID: "c1", LabType: "python",
		Config:         model.LabConfig{Packages: []string{"numpy"}},
		TimeoutMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CreateOrGetStudentLab returned err: %v", err)
	}
	if !created || sess.Status != model.LabBuilding {
		t.Fatalf("expected new building session, got created=%v status=%s", created, sess.Status)
	}
	if sess.ContainerID != "" {
		t.Fatal("building session must not carry a container id")
	}

	h.svc.pool.wait()
	out, err := h.svc.GetStatus(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetStatus returned err: %v", err)
	}
	if out.Status != model.LabRunning {
		t.Fatalf("expected running, got %s (%s)", out.Status, out.Error)
	}
	if out.Port < 9000 || out.Port > 9999 {
		t.Fatalf("port %d outside range", out.Port)
	}
	if !regexp.MustCompile(`labs:python-c1-`).MatchString(out.ImageTag) {
		t.Fatalf("unexpected image tag %q", out.ImageTag)
	}
	if out.AccessURLs["lab"] != fmt.Sprintf("http://labs.example.test:%d/lab", out.Port) {
		t.Fatalf("unexpected access urls %v", out.AccessURLs)
	}
	if h.journal.upserts[sess.ID] != model.LabRunning {
		t.Fatalf("journal not updated to running: %v", h.journal.upserts)
	}
}

func TestCreateStudentLabReusesSessionWhileBuildingAndRunning(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	release := make(chan struct{})
	h.builder.buildFn = gatedBuild(release)

	first := h.createStudent(t, "u1", "c1")
	second, created, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{UserID: "u1", CourseID: "c1", LabType: "python"})
	if err != nil {
		t.Fatalf("second create returned err: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected reuse of %s, got %s created=%v", first.ID, second.ID, created)
	}

	close(release)
	h.svc.pool.wait()

	third, created, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{UserID: "u1", CourseID: "c1", LabType: "python"})
	if err != nil {
		t.Fatalf("third create returned err: %v", err)
	}
	if created || third.ID != first.ID || third.Status != model.LabRunning {
		t.Fatalf("expected running reuse of %s, got %+v", first.ID, third)
	}
	if h.orch.Started() != 1 || h.builder.Builds() != 1 {
		t.Fatalf("expected one build and one container, got builds=%d started=%d", h.builder.Builds(), h.orch.Started())
	}
}

func TestConcurrentCreatesForSamePairShareOneSession(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)

	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, _, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{UserID: "u1", CourseID: "c1"})
			if err != nil {
				t.Errorf("create returned err: %v", err)
				return
			}
			ids <- sess.ID
		}()
	}
	wg.Wait()
	close(ids)
	h.svc.pool.wait()

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("concurrent creates returned distinct sessions %s and %s", first, id)
		}
	}
	if h.orch.Started() != 1 {
		t.Fatalf("expected a single container, got %d", h.orch.Started())
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	sess := h.runningStudent(t, "u1", "c1")

	paused, err := h.svc.Pause(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Pause returned err: %v", err)
	}
	if paused.Status != model.LabPaused || !h.orch.Paused(sess.ContainerID) {
		t.Fatalf("expected paused, got %s", paused.Status)
	}
	if again, err := h.svc.Pause(context.Background(), sess.ID); err != nil || again.Status != model.LabPaused {
		t.Fatalf("second pause must be a no-op, got %v, %v", again, err)
	}

	resumed, err := h.svc.Resume(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Resume returned err: %v", err)
	}
	if resumed.Status != model.LabRunning {
		t.Fatalf("expected running, got %s", resumed.Status)
	}
	if resumed.ContainerID != sess.ContainerID || resumed.Port != sess.Port {
		t.Fatalf("container or port changed across pause: before %s:%d after %s:%d",
			sess.ContainerID, sess.Port, resumed.ContainerID, resumed.Port)
	}
	if _, err := h.svc.Resume(context.Background(), sess.ID); err != nil {
		t.Fatalf("resume of running lab must succeed, got %v", err)
	}
}

func TestCreateResumesPausedSession(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	sess := h.runningStudent(t, "u1", "c1")
	if _, err := h.svc.Pause(context.Background(), sess.ID); err != nil {
		t.Fatalf("Pause returned err: %v", err)
	}

	out, created, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{UserID: "u1", CourseID: "c1"})
	if err != nil {
		t.Fatalf("create returned err: %v", err)
	}
	if created || out.ID != sess.ID || out.Status != model.LabRunning {
		t.Fatalf("expected resumed %s, got %+v created=%v", sess.ID, out, created)
	}
}

func TestPauseRequiresRunning(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	release := make(chan struct{})
	defer close(release)
	h.builder.buildFn = gatedBuild(release)
	sess := h.createStudent(t, "u1", "c1")

	if _, err := h.svc.Pause(context.Background(), sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.svc.Pause(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCleanupIdleReclaimsStaleSessions(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	sess := h.runningStudent(t, "u1", "c1")

	n, err := h.svc.CleanupIdle(context.Background(), 24)
	if err != nil || n != 0 {
		t.Fatalf("fresh session must be untouched, got %d, %v", n, err)
	}

	h.svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	n, err = h.svc.CleanupIdle(context.Background(), 24)
	if err != nil {
		t.Fatalf("CleanupIdle returned err: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleaned, got %d", n)
	}
	if _, err := h.svc.GetStatus(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if h.orch.Live() != 0 || h.alloc.InUse() != 0 {
		t.Fatalf("container or port leaked: live=%d ports=%d", h.orch.Live(), h.alloc.InUse())
	}
	if _, err := h.svc.CleanupIdle(context.Background(), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCleanupExpiredReclaimsPastDeadline(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	sess := h.runningStudent(t, "u1", "c1")

	h.svc.now = func() time.Time { return time.Now().Add(61 * time.Minute) }
	n, err := h.svc.CleanupExpired(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired session cleaned, got %d, %v", n, err)
	}
	if _, err := h.svc.GetStatus(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCleanupIdleCancelsStuckBuild(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	release := make(chan struct{})
	defer close(release)
	h.builder.buildFn = gatedBuild(release)
	sess := h.createStudent(t, "u1", "c1")

	h.svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	n, err := h.svc.CleanupIdle(context.Background(), 24)
	if err != nil {
		t.Fatalf("CleanupIdle returned err: %v", err)
	}
	if n != 0 {
		t.Fatalf("a building session must not count as cleaned, got %d", n)
	}

	h.svc.pool.wait()
	if _, err := h.svc.GetStatus(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after cancelled build, got %v", err)
	}
	if h.reg.ActiveCount() != 0 {
		t.Fatalf("expected slot released, active=%d", h.reg.ActiveCount())
	}
	if h.orch.Live() != 0 {
		t.Fatalf("expected no container, live=%d", h.orch.Live())
	}
}

func TestCleanupExpiredCancelsBuildMarkedForTeardown(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	release := make(chan struct{})
	defer close(release)
	h.builder.buildFn = gatedBuild(release)
	sess := h.createStudent(t, "u1", "c1")

	if _, err := h.svc.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Delete returned err: %v", err)
	}
	h.svc.now = func() time.Time { return time.Now().Add(61 * time.Minute) }
	n, err := h.svc.CleanupExpired(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected 0 cleaned, got %d, %v", n, err)
	}
	h.svc.pool.wait()
	if _, err := h.svc.GetStatus(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCapacityRejectionLeavesActiveCountUnchanged(t *testing.T) {
	h := newHarness(t, 10, 9000, 9999)
	release := make(chan struct{})
	defer close(release)
	h.builder.buildFn = gatedBuild(release)

	for i := 0; i < 10; i++ {
		h.createStudent(t, fmt.Sprintf("u%d", i), "c1")
	}
	_, _, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{UserID: "u10", CourseID: "c1"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if h.reg.ActiveCount() != 10 {
		t.Fatalf("expected 10 active, got %d", h.reg.ActiveCount())
	}
	if _, err := h.svc.CreateInstructorLab(context.Background(), InstructorLabRequest{InstructorID: "t1", CourseID: "c1"}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("instructor labs share the cap, got %v", err)
	}
}

func TestDeleteWhileBuildingTearsDownAfterBuild(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	release := make(chan struct{})
	h.builder.buildFn = gatedBuild(release)
	sess := h.createStudent(t, "u1", "c1")

	out, err := h.svc.Delete(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Delete returned err: %v", err)
	}
	if out.Status != model.LabBuilding || !out.TeardownRequested {
		t.Fatalf("expected building with teardown requested, got %+v", out)
	}
	if _, _, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{UserID: "u1", CourseID: "c1"}); !errors.Is(err, ErrTeardownPending) {
		t.Fatalf("expected ErrTeardownPending, got %v", err)
	}

	close(release)
	h.svc.pool.wait()

	if _, err := h.svc.GetStatus(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}
	if h.orch.Started() != 0 {
		t.Fatalf("no container may start after a teardown request, got %d", h.orch.Started())
	}
	if len(h.builder.removed) != 1 {
		t.Fatalf("expected built image pruned, got %v", h.builder.removed)
	}
}

func TestDeleteDuringStartCleansUpContainer(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.orch.StartHook = func(container.StartRequest) error {
		close(entered)
		<-release
		return nil
	}
	sess := h.createStudent(t, "u1", "c1")
	<-entered

	if _, err := h.svc.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Delete returned err: %v", err)
	}
	close(release)
	h.svc.pool.wait()

	if _, err := h.svc.GetStatus(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}
	if h.orch.Started() != 1 || h.orch.Live() != 0 {
		t.Fatalf("started container must be cleaned up: started=%d live=%d", h.orch.Started(), h.orch.Live())
	}
	if h.alloc.InUse() != 0 {
		t.Fatalf("port leaked: %d", h.alloc.InUse())
	}
}

func TestDeleteRunningSession(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	sess := h.runningStudent(t, "u1", "c1")

	out, err := h.svc.Delete(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Delete returned err: %v", err)
	}
	if out.Status != model.LabStopped {
		t.Fatalf("expected stopped, got %s", out.Status)
	}
	if _, err := h.svc.Delete(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
	if len(h.journal.stopped) != 1 || h.journal.stopped[0] != sess.ID {
		t.Fatalf("expected journal stop for %s, got %v", sess.ID, h.journal.stopped)
	}
}

func TestDeleteSurvivesCleanupFailure(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	sess := h.runningStudent(t, "u1", "c1")
	fail := true
	h.orch.CleanupHook = func(string) error {
		if fail {
			return errors.New("device or resource busy")
		}
		return nil
	}

	out, err := h.svc.Delete(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Delete returned err: %v", err)
	}
	if !strings.Contains(out.Error, "cleanup pending") {
		t.Fatalf("cleanup failure must be surfaced, got %q", out.Error)
	}
	if _, err := h.svc.GetStatus(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session must be removed despite cleanup failure, got %v", err)
	}

	fail = false
	n, err := h.svc.ReapOrphans(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected orphan reaped, got %d, %v", n, err)
	}
	if h.orch.Live() != 0 {
		t.Fatalf("expected no live containers, got %d", h.orch.Live())
	}
}

func TestResumeRacingDeleteEndsStopped(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, 50, 9000, 9999)
		sess := h.runningStudent(t, "u1", "c1")
		if _, err := h.svc.Pause(context.Background(), sess.ID); err != nil {
			t.Fatalf("Pause returned err: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Resume(context.Background(), sess.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = h.svc.Delete(context.Background(), sess.ID)
		}()
		wg.Wait()

		if _, err := h.svc.GetStatus(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("iteration %d: expected session gone, got %v", i, err)
		}
		if h.orch.Live() != 0 {
			t.Fatalf("iteration %d: container survived delete", i)
		}
	}
}

func TestBuildFailureMarksErrorAndAllowsRecreate(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	h.builder.buildFn = func(_ context.Context, req image.BuildRequest) (string, error) {
		return "", &image.BuildError{LabType: req.LabType, Tag: "t", LogTail: "E: Unable to locate package", Err: errors.New("non-zero code")}
	}
	sess := h.createStudent(t, "u1", "c1")
	h.svc.pool.wait()

	out, err := h.svc.GetStatus(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetStatus returned err: %v", err)
	}
	if out.Status != model.LabError || !strings.Contains(out.Error, "image build failed") {
		t.Fatalf("expected error status with build message, got %s %q", out.Status, out.Error)
	}
	if h.reg.ActiveCount() != 0 {
		t.Fatalf("failed session must not hold capacity, got %d", h.reg.ActiveCount())
	}

	h.builder.buildFn = nil
	again, created, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{UserID: "u1", CourseID: "c1"})
	if err != nil {
		t.Fatalf("recreate returned err: %v", err)
	}
	if !created || again.ID == sess.ID {
		t.Fatalf("expected a fresh session, got %s created=%v", again.ID, created)
	}
}

func TestPortExhaustionMarksError(t *testing.T) {
	h := newHarness(t, 50, 9000, 9000)
	if _, err := h.alloc.Reserve("external"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	sess := h.createStudent(t, "u1", "c1")
	h.svc.pool.wait()

	out, err := h.svc.GetStatus(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetStatus returned err: %v", err)
	}
	if out.Status != model.LabError || !strings.Contains(out.Error, "no free port") {
		t.Fatalf("expected port exhaustion error, got %s %q", out.Status, out.Error)
	}
}

func TestInstructorLabsAreIndependent(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	a, err := h.svc.CreateInstructorLab(context.Background(), InstructorLabRequest{InstructorID: "t1", CourseID: "c1"})
	if err != nil {
		t.Fatalf("CreateInstructorLab returned err: %v", err)
	}
	b, err := h.svc.CreateInstructorLab(context.Background(), InstructorLabRequest{InstructorID: "t1", CourseID: "c1"})
	if err != nil {
		t.Fatalf("CreateInstructorLab returned err: %v", err)
	}
	if a.ID == b.ID || !a.InstructorMode {
		t.Fatalf("expected two distinct instructor sessions, got %s and %s", a.ID, b.ID)
	}
	if a.StoragePath == b.StoragePath || !strings.Contains(a.StoragePath, "instructor") {
		t.Fatalf("instructor workspaces must be per lab, got %q and %q", a.StoragePath, b.StoragePath)
	}
	h.createStudent(t, "t1", "c1")
	h.svc.pool.wait()

	if got := h.svc.ListCourseLabs(context.Background(), "c1", false); len(got) != 1 {
		t.Fatalf("expected only the student lab, got %d", len(got))
	}
	if got := h.svc.ListCourseLabs(context.Background(), "c1", true); len(got) != 3 {
		t.Fatalf("expected 3 labs with instructor ones, got %d", len(got))
	}
}

func TestDetectCrashedMarksErrorAndRecreateEvicts(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	sess := h.runningStudent(t, "u1", "c1")
	h.orch.Crash(sess.ContainerID)

	n, err := h.svc.DetectCrashed(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 crashed session, got %d, %v", n, err)
	}
	out, _ := h.svc.GetStatus(context.Background(), sess.ID)
	if out.Status != model.LabError {
		t.Fatalf("expected error status, got %s", out.Status)
	}

	fresh := h.createStudent(t, "u1", "c1")
	if fresh.ID == sess.ID {
		t.Fatal("expected a new session after a crash")
	}
	h.svc.pool.wait()
	waitUntil(t, "evicted container cleanup", func() bool { return h.orch.Live() == 1 })
}

func TestUnknownLabTypeRunsOnFallbackVariant(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	sess, _, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{
		UserID: "u1", CourseID: "c1", LabType: "rust", TimeoutMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CreateOrGetStudentLab returned err: %v", err)
	}
	h.svc.pool.wait()

	out, err := h.svc.GetStatus(context.Background(), sess.ID)
	if err != nil || out.Status != model.LabRunning {
		t.Fatalf("expected running lab, got %+v (%v)", out, err)
	}
	found := false
	for _, e := range h.hook.AllEntries() {
		if e.Message == "unknown lab type, using fallback variant" && e.Data["variant"] == labtype.Generic {
			found = true
		}
	}
	if !found {
		t.Fatal("expected fallback variant to be logged")
	}
}

func TestMarkFailedMovesRunningToError(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	sess := h.runningStudent(t, "u1", "c1")

	out, err := h.svc.MarkFailed(context.Background(), sess.ID, "health check failed")
	if err != nil {
		t.Fatalf("MarkFailed returned err: %v", err)
	}
	if out.Status != model.LabError || out.Error != "health check failed" {
		t.Fatalf("expected error status with reason, got %s %q", out.Status, out.Error)
	}
	if h.reg.ActiveCount() != 0 {
		t.Fatalf("failed session must not hold a slot, active=%d", h.reg.ActiveCount())
	}
	if _, err := h.svc.MarkFailed(context.Background(), sess.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for an error session, got %v", err)
	}
	if _, err := h.svc.MarkFailed(context.Background(), "missing", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRecoverFromJournalCleansLeftovers(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	h.journal.records = []store.LabSessionRecord{
		{LabSession: model.LabSession{ID: "old-1", ContainerID: "ctr-old-1", Status: model.LabRunning}},
		{LabSession: model.LabSession{ID: "old-2", Status: model.LabBuilding}},
	}

	report, err := h.svc.RecoverFromJournal(context.Background())
	if err != nil {
		t.Fatalf("RecoverFromJournal returned err: %v", err)
	}
	if report.Journaled != 2 || report.Cleaned != 1 || report.Pending != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(h.journal.batchIDs) != 2 {
		t.Fatalf("expected both journal rows closed, got %v", h.journal.batchIDs)
	}
}

func TestShutdownTearsDownSessions(t *testing.T) {
	h := newHarness(t, 50, 9000, 9999)
	h.runningStudent(t, "u1", "c1")
	h.runningStudent(t, "u2", "c1")

	if err := h.svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned err: %v", err)
	}
	if h.reg.Len() != 0 || h.orch.Live() != 0 {
		t.Fatalf("expected everything torn down, registry=%d live=%d", h.reg.Len(), h.orch.Live())
	}
	if _, _, err := h.svc.CreateOrGetStudentLab(context.Background(), StudentLabRequest{UserID: "u3", CourseID: "c1"}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}
