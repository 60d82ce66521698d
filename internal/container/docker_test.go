package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/redmage123/course-creator-labs/internal/ports"
)

var errNoSuchContainer = fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)

type mockEngine struct {
	createFn    func(cfg *container.Config, host *container.HostConfig, name string) (container.CreateResponse, error)
	startFn     func(id string) error
	stopFn      func(id string, opts container.StopOptions) error
	removeFn    func(id string) error
	pauseFn     func(id string) error
	unpauseFn   func(id string) error
	inspectFn   func(id string) (types.ContainerJSON, error)
	listFn      func(opts container.ListOptions) ([]types.Container, error)
	removeCalls []string
}

func (m *mockEngine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if m.createFn != nil {
		return m.createFn(cfg, host, name)
	}
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (m *mockEngine) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	if m.startFn != nil {
		return m.startFn(id)
	}
	return nil
}

func (m *mockEngine) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	if m.stopFn != nil {
		return m.stopFn(id, opts)
	}
	return nil
}

func (m *mockEngine) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	m.removeCalls = append(m.removeCalls, id)
	if m.removeFn != nil {
		return m.removeFn(id)
	}
	return nil
}

func (m *mockEngine) ContainerPause(_ context.Context, id string) error {
	if m.pauseFn != nil {
		return m.pauseFn(id)
	}
	return nil
}

func (m *mockEngine) ContainerUnpause(_ context.Context, id string) error {
	if m.unpauseFn != nil {
		return m.unpauseFn(id)
	}
	return nil
}

func (m *mockEngine) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	if m.inspectFn != nil {
		return m.inspectFn(id)
	}
	return types.ContainerJSON{}, errNoSuchContainer
}

func (m *mockEngine) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	if m.listFn != nil {
		return m.listFn(opts)
	}
	return nil, nil
}

func (m *mockEngine) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func newTestOrchestrator(t *testing.T, engine *mockEngine, start, end int) (*DockerOrchestrator, *ports.Allocator) {
	t.Helper()
	alloc, err := ports.NewAllocator(start, end, nil)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	log, _ := test.NewNullLogger()
	o := NewDockerOrchestrator(engine, alloc, DockerOrchestratorOptions{}, log)
	o.retry = fastRetry
	return o, alloc
}

func stateJSON(running, paused bool) types.ContainerJSON {
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{
		State: &types.ContainerState{Running: running, Paused: paused},
	}}
}

func testStartRequest() StartRequest {
	return StartRequest{
		LabID:       "lab-1",
		UserID:      "u1",
		CourseID:    "c1",
		LabType:     "python",
		ImageTag:    "course-creator/labs:python-c1-abc",
		StoragePath: "/srv/labs/c1/u1",
		ServicePort: 8888,
		Env:         map[string]string{"EXTRA": "1", "USER_ID": "spoofed"},
	}
}

func TestStartContainerWiresEngineConfig(t *testing.T) {
	var gotCfg *container.Config
	var gotHost *container.HostConfig
	engine := &mockEngine{
		createFn: func(cfg *container.Config, host *container.HostConfig, name string) (container.CreateResponse, error) {
			gotCfg, gotHost = cfg, host
			if name != "lab-lab-1" {
				t.Fatalf("unexpected container name %q", name)
			}
			return container.CreateResponse{ID: "abc123"}, nil
		},
	}
	o, alloc := newTestOrchestrator(t, engine, 9000, 9999)

	res, err := o.StartContainer(context.Background(), testStartRequest())
	if err != nil {
		t.Fatalf("StartContainer returned err: %v", err)
	}
	if res.ContainerID != "abc123" || res.Port != 9000 {
		t.Fatalf("unexpected result %+v", res)
	}
	if alloc.InUse() != 1 {
		t.Fatalf("expected one port in use, got %d", alloc.InUse())
	}

	env := strings.Join(gotCfg.Env, " ")
	for _, want := range []string{"LAB_SESSION_ID=lab-1", "USER_ID=u1", "COURSE_ID=c1", "LAB_TYPE=python", "EXTRA=1"} {
		if !strings.Contains(env, want) {
			t.Fatalf("env missing %q: %v", want, gotCfg.Env)
		}
	}
	if strings.Contains(env, "spoofed") {
		t.Fatalf("caller env must not override session identity: %v", gotCfg.Env)
	}
	bindings := gotHost.PortBindings[nat.Port("8888/tcp")]
	if len(bindings) != 1 || bindings[0].HostPort != "9000" {
		t.Fatalf("unexpected port bindings %v", gotHost.PortBindings)
	}
	if len(gotHost.Mounts) != 1 || gotHost.Mounts[0].Source != "/srv/labs/c1/u1" || gotHost.Mounts[0].Target != "/workspace" {
		t.Fatalf("unexpected mounts %+v", gotHost.Mounts)
	}
	if gotCfg.Labels[LabelManaged] != "true" || gotCfg.Labels[LabelLabID] != "lab-1" {
		t.Fatalf("unexpected labels %v", gotCfg.Labels)
	}
}

func TestStartContainerCreateFailureReleasesPort(t *testing.T) {
	engine := &mockEngine{
		createFn: func(*container.Config, *container.HostConfig, string) (container.CreateResponse, error) {
			return container.CreateResponse{}, cerrdefs.ErrUnavailable
		},
	}
	o, alloc := newTestOrchestrator(t, engine, 9000, 9001)

	_, err := o.StartContainer(context.Background(), testStartRequest())
	var se *StartError
	if !errors.As(err, &se) || se.Phase != PhaseCreate {
		t.Fatalf("expected create StartError, got %v", err)
	}
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable kind, got %v", err)
	}
	if alloc.InUse() != 0 {
		t.Fatalf("port leaked: %d in use", alloc.InUse())
	}
}

func TestStartContainerStartFailureRemovesContainer(t *testing.T) {
	engine := &mockEngine{
		startFn: func(string) error { return errors.New("port is already allocated") },
	}
	o, alloc := newTestOrchestrator(t, engine, 9000, 9001)

	_, err := o.StartContainer(context.Background(), testStartRequest())
	var se *StartError
	if !errors.As(err, &se) || se.Phase != PhaseStart {
		t.Fatalf("expected start StartError, got %v", err)
	}
	if len(engine.removeCalls) != 1 || engine.removeCalls[0] != "c-lab-lab-1" {
		t.Fatalf("expected created container to be removed, got %v", engine.removeCalls)
	}
	if alloc.InUse() != 0 {
		t.Fatalf("port leaked: %d in use", alloc.InUse())
	}
}

func TestStartContainerPortExhaustion(t *testing.T) {
	engine := &mockEngine{}
	o, alloc := newTestOrchestrator(t, engine, 9000, 9000)
	if _, err := alloc.Reserve("someone-else"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, err := o.StartContainer(context.Background(), testStartRequest())
	if !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("expected port exhaustion, got %v", err)
	}
	var se *StartError
	if !errors.As(err, &se) || se.Phase != PhaseReservePort {
		t.Fatalf("expected reserve_port StartError, got %v", err)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	removed := map[string]bool{}
	engine := &mockEngine{}
	engine.stopFn = func(id string, opts container.StopOptions) error {
		if opts.Timeout == nil || *opts.Timeout != 10 {
			t.Fatalf("expected 10s grace, got %v", opts.Timeout)
		}
		if removed[id] {
			return errNoSuchContainer
		}
		return nil
	}
	engine.removeFn = func(id string) error {
		removed[id] = true
		return nil
	}
	o, alloc := newTestOrchestrator(t, engine, 9000, 9999)
	res, err := o.StartContainer(context.Background(), testStartRequest())
	if err != nil {
		t.Fatalf("StartContainer returned err: %v", err)
	}

	if err := o.Cleanup(context.Background(), res.ContainerID); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if err := o.Cleanup(context.Background(), res.ContainerID); err != nil {
		t.Fatalf("second cleanup must succeed, got %v", err)
	}
	if alloc.InUse() != 0 {
		t.Fatalf("port not released: %d in use", alloc.InUse())
	}
}

func TestCleanupFailureQueuesOrphanForReap(t *testing.T) {
	failRemove := true
	engine := &mockEngine{
		removeFn: func(string) error {
			if failRemove {
				return errors.New("device or resource busy")
			}
			return nil
		},
	}
	o, alloc := newTestOrchestrator(t, engine, 9000, 9999)
	res, err := o.StartContainer(context.Background(), testStartRequest())
	if err != nil {
		t.Fatalf("StartContainer returned err: %v", err)
	}

	if err := o.Cleanup(context.Background(), res.ContainerID); err == nil {
		t.Fatal("expected cleanup error")
	}
	if alloc.InUse() != 1 {
		t.Fatal("port must stay reserved while the container may still exist")
	}

	failRemove = false
	n, err := o.ReapOrphans(context.Background())
	if err != nil {
		t.Fatalf("ReapOrphans returned err: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	if alloc.InUse() != 0 {
		t.Fatalf("port not released after reap: %d in use", alloc.InUse())
	}
	if n, _ := o.ReapOrphans(context.Background()); n != 0 {
		t.Fatalf("orphan must be dropped after a successful reap, got %d", n)
	}
}

func TestResumeToleratesRunningContainer(t *testing.T) {
	engine := &mockEngine{
		unpauseFn: func(string) error { return fmt.Errorf("container is not paused: %w", cerrdefs.ErrConflict) },
		inspectFn: func(string) (types.ContainerJSON, error) { return stateJSON(true, false), nil },
	}
	o, _ := newTestOrchestrator(t, engine, 9000, 9999)
	if err := o.Resume(context.Background(), "abc"); err != nil {
		t.Fatalf("resume of running container must succeed, got %v", err)
	}
}

func TestPauseMissingContainerIsNotFound(t *testing.T) {
	engine := &mockEngine{
		pauseFn: func(string) error { return errNoSuchContainer },
	}
	o, _ := newTestOrchestrator(t, engine, 9000, 9999)
	err := o.Pause(context.Background(), "gone")
	if !errors.Is(err, ErrEngineNotFound) {
		t.Fatalf("expected ErrEngineNotFound, got %v", err)
	}
}

func TestPauseRetriesTransientFailure(t *testing.T) {
	calls := 0
	engine := &mockEngine{
		pauseFn: func(string) error {
			calls++
			if calls == 1 {
				return cerrdefs.ErrUnavailable
			}
			return nil
		},
	}
	o, _ := newTestOrchestrator(t, engine, 9000, 9999)
	if err := o.Pause(context.Background(), "abc"); err != nil {
		t.Fatalf("Pause returned err: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 pause calls, got %d", calls)
	}
}

func TestAdoptOrphansSkipsTrackedContainers(t *testing.T) {
	engine := &mockEngine{
		createFn: func(*container.Config, *container.HostConfig, string) (container.CreateResponse, error) {
			return container.CreateResponse{ID: "mine"}, nil
		},
		listFn: func(opts container.ListOptions) ([]types.Container, error) {
			if !opts.Filters.ExactMatch("label", LabelManaged+"=true") {
				t.Fatalf("expected managed label filter, got %v", opts.Filters)
			}
			return []types.Container{{ID: "mine"}, {ID: "stale-1"}, {ID: "stale-2"}}, nil
		},
	}
	o, _ := newTestOrchestrator(t, engine, 9000, 9999)
	if _, err := o.StartContainer(context.Background(), testStartRequest()); err != nil {
		t.Fatalf("StartContainer returned err: %v", err)
	}

	n, err := o.AdoptOrphans(context.Background())
	if err != nil {
		t.Fatalf("AdoptOrphans returned err: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 adopted, got %d", n)
	}
	reaped, err := o.ReapOrphans(context.Background())
	if err != nil || reaped != 2 {
		t.Fatalf("expected 2 reaped, got %d (%v)", reaped, err)
	}
}

func TestAdoptOrphansHoldsPublishedPortUntilReaped(t *testing.T) {
	engine := &mockEngine{
		listFn: func(container.ListOptions) ([]types.Container, error) {
			return []types.Container{{
				ID:     "stale-1",
				Labels: map[string]string{LabelLabID: "lab-old"},
				Ports:  []types.Port{{PrivatePort: 8080, PublicPort: 9000, Type: "tcp"}},
			}}, nil
		},
	}
	o, alloc := newTestOrchestrator(t, engine, 9000, 9001)

	if n, err := o.AdoptOrphans(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected 1 adopted, got %d (%v)", n, err)
	}
	if alloc.InUse() != 1 {
		t.Fatalf("expected orphan port held, in use=%d", alloc.InUse())
	}
	port, err := alloc.Reserve("lab-new")
	if err != nil {
		t.Fatalf("Reserve returned err: %v", err)
	}
	if port != 9001 {
		t.Fatalf("expected the orphan's port to be skipped, got %d", port)
	}
	alloc.Release(port)

	if reaped, err := o.ReapOrphans(context.Background()); err != nil || reaped != 1 {
		t.Fatalf("expected 1 reaped, got %d (%v)", reaped, err)
	}
	if alloc.InUse() != 0 {
		t.Fatalf("expected orphan port released, in use=%d", alloc.InUse())
	}
}

func TestInspectMapsState(t *testing.T) {
	engine := &mockEngine{
		inspectFn: func(id string) (types.ContainerJSON, error) {
			if id == "gone" {
				return types.ContainerJSON{}, errNoSuchContainer
			}
			return stateJSON(true, true), nil
		},
	}
	o, _ := newTestOrchestrator(t, engine, 9000, 9999)
	st, err := o.Inspect(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Inspect returned err: %v", err)
	}
	if !st.Running || !st.Paused {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, err := o.Inspect(context.Background(), "gone"); !errors.Is(err, ErrEngineNotFound) {
		t.Fatalf("expected ErrEngineNotFound, got %v", err)
	}
}
