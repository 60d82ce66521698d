package image

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeBuilder produces tags without touching an engine. Delay simulates
// build time.
type FakeBuilder struct {
	Namespace string
	Delay     time.Duration

	mu    sync.Mutex
	built []string
}

func NewFakeBuilder(namespace string, delay time.Duration) *FakeBuilder {
	return &FakeBuilder{Namespace: namespace, Delay: delay}
}

func (f *FakeBuilder) Build(ctx context.Context, req BuildRequest) (string, error) {
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", &BuildError{LabType: req.LabType, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	ns := f.Namespace
	if ns == "" {
		ns = "course-creator"
	}
	tag := Tag(ns, req.LabType, req.CourseID, uuid.NewString()[:8])
	f.mu.Lock()
	f.built = append(f.built, tag)
	f.mu.Unlock()
	return tag, nil
}

func (f *FakeBuilder) Remove(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.built {
		if t == tag {
			f.built = append(f.built[:i], f.built[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *FakeBuilder) Built() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.built...)
}
