// Package container drives the container engine for lab sessions: start,
// pause, resume and teardown, with engine failures mapped onto a small set
// of error kinds callers can branch on.
package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/redmage123/course-creator-labs/internal/ports"
)

var (
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrEngineNotFound    = errors.New("container not found")
	// ErrPortExhausted is the allocator's sentinel so errors.Is matches
	// either name.
	ErrPortExhausted = ports.ErrExhausted
)

const (
	PhaseReservePort = "reserve_port"
	PhaseCreate      = "create"
	PhaseStart       = "start"
)

type StartRequest struct {
	LabID       string
	UserID      string
	CourseID    string
	LabType     string
	ImageTag    string
	StoragePath string
	ServicePort int
	Env         map[string]string
}

type StartResult struct {
	ContainerID string
	Port        int
}

// StartError reports a failed StartContainer. The reserved port has always
// been released by the time it is returned.
type StartError struct {
	LabID string
	Phase string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start lab %s failed at %s: %v", e.LabID, e.Phase, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// State is the engine's view of a container.
type State struct {
	Running bool
	Paused  bool
}

type Orchestrator interface {
	StartContainer(ctx context.Context, req StartRequest) (StartResult, error)
	Pause(ctx context.Context, containerID string) error
	Resume(ctx context.Context, containerID string) error
	// Cleanup stops and removes a container. A container that is already
	// gone counts as cleaned.
	Cleanup(ctx context.Context, containerID string) error
	// MarkOrphan records a container that must be torn down by the next
	// ReapOrphans even though no session references it.
	MarkOrphan(containerID string)
	// AdoptOrphans marks every engine container carrying the managed label
	// that this orchestrator did not start.
	AdoptOrphans(ctx context.Context) (int, error)
	ReapOrphans(ctx context.Context) (int, error)
	// Inspect reports ErrEngineNotFound for a container that no longer
	// exists.
	Inspect(ctx context.Context, containerID string) (State, error)
	Ping(ctx context.Context) error
}
