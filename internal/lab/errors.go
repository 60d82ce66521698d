package lab

import (
	"errors"

	"github.com/redmage123/course-creator-labs/internal/container"
	"github.com/redmage123/course-creator-labs/internal/image"
	"github.com/redmage123/course-creator-labs/internal/registry"
)

// Error kinds returned by Service. Callers match them with errors.Is, and
// *image.BuildError / *container.StartError with errors.As.
var (
	ErrCapacityExceeded  = registry.ErrCapacityExceeded
	ErrSessionNotFound   = registry.ErrSessionNotFound
	ErrInvalidTransition = registry.ErrInvalidTransition
	ErrTeardownPending   = registry.ErrTeardownPending
	ErrPortExhausted     = container.ErrPortExhausted
	ErrEngineUnavailable = container.ErrEngineUnavailable
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrShuttingDown      = errors.New("lab service shutting down")

	errTeardownRequested = errors.New("teardown requested")
)

type (
	BuildError = image.BuildError
	StartError = container.StartError
)
