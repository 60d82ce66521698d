package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/redmage123/course-creator-labs/internal/ports"
)

type fakeContainer struct {
	port    int
	paused  bool
	crashed bool
}

// FakeOrchestrator keeps containers in memory. It still reserves real
// ports from the allocator so port bookkeeping behaves as with an engine.
// The hook fields let tests inject failures.
type FakeOrchestrator struct {
	ports *ports.Allocator

	StartHook   func(req StartRequest) error
	CleanupHook func(containerID string) error

	mu         sync.Mutex
	containers map[string]*fakeContainer
	orphans    map[string]struct{}
	started    int
}

func NewFakeOrchestrator(alloc *ports.Allocator) *FakeOrchestrator {
	return &FakeOrchestrator{
		ports:      alloc,
		containers: make(map[string]*fakeContainer),
		orphans:    make(map[string]struct{}),
	}
}

func (f *FakeOrchestrator) StartContainer(_ context.Context, req StartRequest) (StartResult, error) {
	port, err := f.ports.Reserve(req.LabID)
	if err != nil {
		return StartResult{}, &StartError{LabID: req.LabID, Phase: PhaseReservePort, Err: err}
	}
	if f.StartHook != nil {
		if err := f.StartHook(req); err != nil {
			f.ports.Release(port)
			return StartResult{}, &StartError{LabID: req.LabID, Phase: PhaseStart, Err: err}
		}
	}
	id := "fake-" + uuid.NewString()
	f.mu.Lock()
	f.containers[id] = &fakeContainer{port: port}
	f.started++
	f.mu.Unlock()
	return StartResult{ContainerID: id, Port: port}, nil
}

func (f *FakeOrchestrator) Pause(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("pause container %s: %w", containerID, ErrEngineNotFound)
	}
	c.paused = true
	return nil
}

func (f *FakeOrchestrator) Resume(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("resume container %s: %w", containerID, ErrEngineNotFound)
	}
	c.paused = false
	return nil
}

func (f *FakeOrchestrator) Cleanup(_ context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	if f.CleanupHook != nil {
		if err := f.CleanupHook(containerID); err != nil {
			f.MarkOrphan(containerID)
			return err
		}
	}
	f.mu.Lock()
	c, ok := f.containers[containerID]
	delete(f.containers, containerID)
	delete(f.orphans, containerID)
	f.mu.Unlock()
	if ok {
		f.ports.Release(c.port)
	}
	return nil
}

func (f *FakeOrchestrator) MarkOrphan(containerID string) {
	if containerID == "" {
		return
	}
	f.mu.Lock()
	f.orphans[containerID] = struct{}{}
	f.mu.Unlock()
}

func (f *FakeOrchestrator) AdoptOrphans(context.Context) (int, error) {
	return 0, nil
}

func (f *FakeOrchestrator) ReapOrphans(ctx context.Context) (int, error) {
	f.mu.Lock()
	ids := make([]string, 0, len(f.orphans))
	for id := range f.orphans {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	reaped := 0
	var firstErr error
	for _, id := range ids {
		if err := f.Cleanup(ctx, id); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reaped++
	}
	return reaped, firstErr
}

func (f *FakeOrchestrator) Inspect(_ context.Context, containerID string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return State{}, fmt.Errorf("inspect container %s: %w", containerID, ErrEngineNotFound)
	}
	return State{Running: !c.crashed, Paused: c.paused}, nil
}

// Crash simulates a container whose process exited on its own.
func (f *FakeOrchestrator) Crash(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.crashed = true
	}
}

func (f *FakeOrchestrator) Ping(context.Context) error {
	return nil
}

// Started counts every container ever started.
func (f *FakeOrchestrator) Started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *FakeOrchestrator) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *FakeOrchestrator) Paused(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	return ok && c.paused
}
