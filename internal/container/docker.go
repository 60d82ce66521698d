package container

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/redmage123/course-creator-labs/internal/metrics"
	"github.com/redmage123/course-creator-labs/internal/ports"
)

const (
	LabelManaged  = "course-creator.managed"
	LabelLabID    = "course-creator.lab-id"
	LabelUserID   = "course-creator.user-id"
	LabelCourseID = "course-creator.course-id"

	workspaceMount = "/workspace"
)

// EngineClient is the subset of the Docker API the orchestrator needs.
// *client.Client satisfies it.
type EngineClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Ping(ctx context.Context) (types.Ping, error)
}

type DockerOrchestratorOptions struct {
	StopGrace time.Duration
}

type DockerOrchestrator struct {
	engine    EngineClient
	ports     *ports.Allocator
	stopGrace time.Duration
	retry     retryPolicy
	log       logrus.FieldLogger

	mu      sync.Mutex
	tracked map[string]int
	// orphans maps a container id to the host port it was adopted with,
	// or 0 when the port is still held through tracked.
	orphans map[string]int
}

func NewDockerOrchestrator(engine EngineClient, alloc *ports.Allocator, opts DockerOrchestratorOptions, log logrus.FieldLogger) *DockerOrchestrator {
	grace := opts.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &DockerOrchestrator{
		engine:    engine,
		ports:     alloc,
		stopGrace: grace,
		retry:     defaultRetryPolicy,
		log:       log.WithField("component", "container_orchestrator"),
		tracked:   make(map[string]int),
		orphans:   make(map[string]int),
	}
}

func (o *DockerOrchestrator) StartContainer(ctx context.Context, req StartRequest) (StartResult, error) {
	log := o.log.WithFields(logrus.Fields{"lab_id": req.LabID, "image_tag": req.ImageTag})

	port, err := o.ports.Reserve(req.LabID)
	if err != nil {
		metrics.Default().IncCounter("lab_engine_operations_total", map[string]string{"op": "start", "status": "port_exhausted"})
		return StartResult{}, &StartError{LabID: req.LabID, Phase: PhaseReservePort, Err: err}
	}
	metrics.Default().SetGauge("lab_ports_in_use", float64(o.ports.InUse()), nil)

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", req.ServicePort))
	cfg := &container.Config{
		Image:        req.ImageTag,
		Env:          buildEnv(req),
		WorkingDir:   workspaceMount,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		Labels: map[string]string{
			LabelManaged:  "true",
			LabelLabID:    req.LabID,
			LabelUserID:   req.UserID,
			LabelCourseID: req.CourseID,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if req.StoragePath != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.StoragePath,
			Target: workspaceMount,
		}}
	}

	start := time.Now()
	created, err := o.engine.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "lab-"+req.LabID)
	if err != nil {
		o.releasePort(port)
		o.observe("create", "error", start)
		log.WithError(err).Warn("container create failed")
		return StartResult{}, &StartError{LabID: req.LabID, Phase: PhaseCreate, Err: classify(err)}
	}
	o.observe("create", "ok", start)

	start = time.Now()
	if err := o.engine.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		o.observe("start", "error", start)
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if rmErr := o.engine.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil && !isNotFound(rmErr) {
			log.WithError(rmErr).WithField("container_id", created.ID).Warn("remove after failed start")
			o.MarkOrphan(created.ID)
		}
		cancel()
		o.releasePort(port)
		log.WithError(err).Warn("container start failed")
		return StartResult{}, &StartError{LabID: req.LabID, Phase: PhaseStart, Err: classify(err)}
	}
	o.observe("start", "ok", start)

	o.mu.Lock()
	o.tracked[created.ID] = port
	o.mu.Unlock()

	log.WithFields(logrus.Fields{"container_id": created.ID, "port": port}).Info("container started")
	return StartResult{ContainerID: created.ID, Port: port}, nil
}

func (o *DockerOrchestrator) Pause(ctx context.Context, containerID string) error {
	start := time.Now()
	err := retryEngine(ctx, o.retry, o.log, "pause", func(c context.Context) error {
		return o.engine.ContainerPause(c, containerID)
	})
	if err != nil && !isNotFound(err) {
		if state, inspectErr := o.inspectState(ctx, containerID); inspectErr == nil && state.Paused {
			err = nil
		}
	}
	if err != nil {
		o.observe("pause", "error", start)
		return fmt.Errorf("pause container %s: %w", containerID, classify(err))
	}
	o.observe("pause", "ok", start)
	return nil
}

// Resume tolerates a container that is already running.
func (o *DockerOrchestrator) Resume(ctx context.Context, containerID string) error {
	start := time.Now()
	err := retryEngine(ctx, o.retry, o.log, "resume", func(c context.Context) error {
		return o.engine.ContainerUnpause(c, containerID)
	})
	if err != nil && !isNotFound(err) {
		if state, inspectErr := o.inspectState(ctx, containerID); inspectErr == nil && state.Running && !state.Paused {
			err = nil
		}
	}
	if err != nil {
		o.observe("resume", "error", start)
		return fmt.Errorf("resume container %s: %w", containerID, classify(err))
	}
	o.observe("resume", "ok", start)
	return nil
}

func (o *DockerOrchestrator) Cleanup(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	log := o.log.WithField("container_id", containerID)
	start := time.Now()

	secs := int(o.stopGrace.Seconds())
	stopErr := retryEngine(ctx, o.retry, o.log, "stop", func(c context.Context) error {
		return o.engine.ContainerStop(c, containerID, container.StopOptions{Timeout: &secs})
	})
	if isNotFound(stopErr) {
		o.forget(containerID)
		o.observe("cleanup", "ignored", start)
		return nil
	}
	if stopErr != nil {
		// Remove with Force still kills the container.
		log.WithError(stopErr).Warn("container stop failed, forcing removal")
	}

	rmErr := retryEngine(ctx, o.retry, o.log, "remove", func(c context.Context) error {
		return o.engine.ContainerRemove(c, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	})
	if rmErr != nil && !isNotFound(rmErr) {
		o.MarkOrphan(containerID)
		o.observe("cleanup", "error", start)
		return fmt.Errorf("remove container %s: %w", containerID, classify(rmErr))
	}

	o.forget(containerID)
	o.observe("cleanup", "ok", start)
	log.Info("container removed")
	return nil
}

func (o *DockerOrchestrator) MarkOrphan(containerID string) {
	if containerID == "" {
		return
	}
	o.mu.Lock()
	if _, ok := o.orphans[containerID]; !ok {
		o.orphans[containerID] = 0
	}
	o.mu.Unlock()
}

func (o *DockerOrchestrator) AdoptOrphans(ctx context.Context) (int, error) {
	list, err := o.engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("list managed containers: %w", classify(err))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	adopted := 0
	for _, c := range list {
		if _, ok := o.tracked[c.ID]; ok {
			continue
		}
		if _, ok := o.orphans[c.ID]; ok {
			continue
		}
		o.orphans[c.ID] = o.claimPublishedPort(c)
		adopted++
	}
	return adopted, nil
}

// claimPublishedPort reserves the host port a leftover container still
// publishes so no new lab is handed it before the container is reaped.
func (o *DockerOrchestrator) claimPublishedPort(c types.Container) int {
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		port := int(p.PublicPort)
		owner := c.Labels[LabelLabID]
		if owner == "" {
			owner = c.ID
		}
		if err := o.ports.Claim(port, owner); err != nil {
			o.log.WithError(err).WithField("container_id", c.ID).Warn("claim orphan port")
			return 0
		}
		metrics.Default().SetGauge("lab_ports_in_use", float64(o.ports.InUse()), nil)
		return port
	}
	return 0
}

// ReapOrphans retries cleanup for every orphan and returns how many were
// removed. Failures stay queued for the next call.
func (o *DockerOrchestrator) ReapOrphans(ctx context.Context) (int, error) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.orphans))
	for id := range o.orphans {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)

	reaped := 0
	var firstErr error
	for _, id := range ids {
		if err := o.Cleanup(ctx, id); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reaped++
	}
	return reaped, firstErr
}

func (o *DockerOrchestrator) Inspect(ctx context.Context, containerID string) (State, error) {
	state, err := o.inspectState(ctx, containerID)
	if err != nil {
		return State{}, fmt.Errorf("inspect container %s: %w", containerID, classify(err))
	}
	return State{Running: state.Running, Paused: state.Paused}, nil
}

func (o *DockerOrchestrator) Ping(ctx context.Context) error {
	if _, err := o.engine.Ping(ctx); err != nil {
		return fmt.Errorf("ping engine: %w", classify(err))
	}
	return nil
}

func (o *DockerOrchestrator) inspectState(ctx context.Context, containerID string) (*types.ContainerState, error) {
	info, err := o.engine.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return nil, fmt.Errorf("container %s has no state", containerID)
	}
	return info.State, nil
}

func (o *DockerOrchestrator) forget(containerID string) {
	o.mu.Lock()
	port, ok := o.tracked[containerID]
	if !ok {
		port = o.orphans[containerID]
		ok = port != 0
	}
	delete(o.tracked, containerID)
	delete(o.orphans, containerID)
	o.mu.Unlock()
	if ok {
		o.releasePort(port)
	}
}

func (o *DockerOrchestrator) releasePort(port int) {
	o.ports.Release(port)
	metrics.Default().SetGauge("lab_ports_in_use", float64(o.ports.InUse()), nil)
}

func (o *DockerOrchestrator) observe(op, status string, start time.Time) {
	labels := map[string]string{"op": op, "status": status}
	metrics.Default().IncCounter("lab_engine_operations_total", labels)
	metrics.Default().ObserveHistogram("lab_engine_operation_latency_ms", float64(time.Since(start).Milliseconds()), labels)
}

// buildEnv lets caller-supplied variables through but never lets them
// shadow the session identity variables.
func buildEnv(req StartRequest) []string {
	reserved := map[string]string{
		"LAB_SESSION_ID": req.LabID,
		"USER_ID":        req.UserID,
		"COURSE_ID":      req.CourseID,
		"LAB_TYPE":       req.LabType,
	}
	out := make([]string, 0, len(reserved)+len(req.Env))
	for k, v := range req.Env {
		if _, clash := reserved[k]; clash || k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	for k, v := range reserved {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
