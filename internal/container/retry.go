package container

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/redmage123/course-creator-labs/internal/metrics"
)

type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var defaultRetryPolicy = retryPolicy{
	maxAttempts: 4,
	baseDelay:   250 * time.Millisecond,
	maxDelay:    2 * time.Second,
}

func retryEngine(ctx context.Context, p retryPolicy, log logrus.FieldLogger, opName string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientEngineError(err) {
			return err
		}
		if attempt == p.maxAttempts {
			metrics.Default().IncCounter("lab_engine_retry_exhausted_total", map[string]string{"op": opName})
			return err
		}
		metrics.Default().IncCounter("lab_engine_retries_total", map[string]string{
			"op":     opName,
			"reason": engineErrorReason(err),
		})
		delay := p.baseDelay * time.Duration(1<<(attempt-1))
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
		delay = withJitter(delay)
		log.WithFields(logrus.Fields{
			"op":       opName,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).WithError(err).Warn("engine retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientEngineError(err error) bool {
	if err == nil {
		return false
	}
	return client.IsErrConnectionFailed(err) || cerrdefs.IsUnavailable(err) || errors.Is(err, ErrEngineUnavailable)
}

func isNotFound(err error) bool {
	return err != nil && (client.IsErrNotFound(err) || cerrdefs.IsNotFound(err) || errors.Is(err, ErrEngineNotFound))
}

func engineErrorReason(err error) string {
	switch {
	case client.IsErrConnectionFailed(err):
		return "connection_failed"
	case cerrdefs.IsUnavailable(err), errors.Is(err, ErrEngineUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

// classify maps a raw engine error onto the package's error kinds while
// keeping the original in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		if errors.Is(err, ErrEngineNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrEngineNotFound, err)
	case isTransientEngineError(err):
		if errors.Is(err, ErrEngineUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	default:
		return err
	}
}
