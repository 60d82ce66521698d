package model

import (
	"fmt"
	"time"
)

type LabStatus string

const (
	LabBuilding LabStatus = "building"
	LabRunning  LabStatus = "running"
	LabPaused   LabStatus = "paused"
	LabStopped  LabStatus = "stopped"
	LabError    LabStatus = "error"
)

// Active reports whether a session in this status counts against the
// concurrency cap.
func (s LabStatus) Active() bool {
	return s == LabBuilding || s == LabRunning || s == LabPaused
}

var transitions = map[LabStatus][]LabStatus{
	LabBuilding: {LabRunning, LabError},
	LabRunning:  {LabPaused, LabStopped, LabError},
	LabPaused:   {LabRunning, LabStopped},
}

func CanTransition(from, to LabStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type StarterFile struct {
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content" yaml:"content"`
}

type LabConfig struct {
	Packages     []string          `json:"packages,omitempty"`
	StarterFiles []StarterFile     `json:"starter_files,omitempty"`
	BuildSteps   []string          `json:"build_steps,omitempty"`
	Dockerfile   string            `json:"dockerfile,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

func (c LabConfig) Clone() LabConfig {
	out := LabConfig{
		Packages:   append([]string(nil), c.Packages...),
		BuildSteps: append([]string(nil), c.BuildSteps...),
		Dockerfile: c.Dockerfile,
	}
	if len(c.StarterFiles) > 0 {
		out.StarterFiles = append([]StarterFile(nil), c.StarterFiles...)
	}
	if len(c.Env) > 0 {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

type LabSession struct {
	ID                string            `json:"lab_id"`
	UserID            string            `json:"user_id"`
	CourseID          string            `json:"course_id"`
	Status            LabStatus         `json:"status"`
	LabType           string            `json:"lab_type"`
	Config            LabConfig         `json:"lab_config"`
	ContainerID       string            `json:"container_id,omitempty"`
	Port              int               `json:"port,omitempty"`
	ImageTag          string            `json:"image_tag,omitempty"`
	StoragePath       string            `json:"storage_path"`
	InstructorMode    bool              `json:"instructor_mode"`
	CreatedAt         time.Time         `json:"created_at"`
	LastAccessed      time.Time         `json:"last_accessed"`
	ExpiresAt         time.Time         `json:"expires_at"`
	AccessURLs        map[string]string `json:"access_urls,omitempty"`
	Error             string            `json:"error,omitempty"`
	TeardownRequested bool              `json:"teardown_requested,omitempty"`
}

// Clone returns a deep copy so snapshots handed out by the registry never
// alias registry-owned state.
func (s *LabSession) Clone() *LabSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Config = s.Config.Clone()
	if s.AccessURLs != nil {
		out.AccessURLs = make(map[string]string, len(s.AccessURLs))
		for k, v := range s.AccessURLs {
			out.AccessURLs[k] = v
		}
	}
	return &out
}

func (s *LabSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastAccessed)
}

func (s *LabSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func BuildAccessURLs(host string, port int, paths map[string]string) map[string]string {
	if host == "" || port <= 0 {
		return nil
	}
	out := make(map[string]string, len(paths)+1)
	out["base"] = fmt.Sprintf("http://%s:%d", host, port)
	for name, path := range paths {
		out[name] = fmt.Sprintf("http://%s:%d%s", host, port, path)
	}
	return out
}
