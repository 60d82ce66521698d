package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr            string
	DatabaseURL           string
	JWTSecret             string
	Engine                string
	MaxConcurrentLabs     int
	PortRangeStart        int
	PortRangeEnd          int
	StorageRoot           string
	PublicHost            string
	ImageNamespace        string
	DefaultTimeoutMinutes int
	MaxIdleHours          int
	BuildWorkers          int
	StopGraceSeconds      int
	LabTypesFile          string
	DefaultPackages       map[string][]string
	PruneImages           bool
	IdleSweepInterval     time.Duration
	ExpirySweepInterval   time.Duration
	OrphanReapInterval    time.Duration
	CrashCheckInterval    time.Duration
	JournalPurgeInterval  time.Duration
	JournalRetention      time.Duration
	LogLevel              string
	LogFormat             string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:            envOrDefault("LABS_LISTEN_ADDR", ":8080"),
		DatabaseURL:           os.Getenv("LABS_DATABASE_URL"),
		JWTSecret:             os.Getenv("LABS_JWT_SECRET"),
		Engine:                envOrDefault("LABS_ENGINE", "docker"),
		MaxConcurrentLabs:     ParsePositiveIntEnv("LABS_MAX_CONCURRENT_LABS", 50),
		PortRangeStart:        ParsePositiveIntEnv("LABS_PORT_RANGE_START", 9000),
		PortRangeEnd:          ParsePositiveIntEnv("LABS_PORT_RANGE_END", 9999),
		StorageRoot:           envOrDefault("LABS_STORAGE_ROOT", "/var/lib/course-creator/labs"),
		PublicHost:            envOrDefault("LABS_PUBLIC_HOST", "localhost"),
		ImageNamespace:        envOrDefault("LABS_IMAGE_NAMESPACE", "course-creator"),
		DefaultTimeoutMinutes: ParsePositiveIntEnv("LABS_DEFAULT_TIMEOUT_MINUTES", 120),
		MaxIdleHours:          ParsePositiveIntEnv("LABS_MAX_IDLE_HOURS", 24),
		BuildWorkers:          ParsePositiveIntEnv("LABS_BUILD_WORKERS", 4),
		StopGraceSeconds:      ParsePositiveIntEnv("LABS_STOP_GRACE_SECONDS", 10),
		LabTypesFile:          os.Getenv("LABS_LAB_TYPES_FILE"),
		DefaultPackages:       parsePackageMap(os.Getenv("LABS_DEFAULT_PACKAGES")),
		PruneImages:           parseBoolEnv("LABS_PRUNE_IMAGES", false),
		IdleSweepInterval:     parseDurationEnv("LABS_IDLE_SWEEP_INTERVAL", 15*time.Minute),
		ExpirySweepInterval:   parseDurationEnv("LABS_EXPIRY_SWEEP_INTERVAL", time.Minute),
		OrphanReapInterval:    parseDurationEnv("LABS_ORPHAN_REAP_INTERVAL", 5*time.Minute),
		CrashCheckInterval:    parseDurationEnv("LABS_CRASH_CHECK_INTERVAL", time.Minute),
		JournalPurgeInterval:  parseDurationEnv("LABS_JOURNAL_PURGE_INTERVAL", time.Hour),
		JournalRetention:      parseDurationEnv("LABS_JOURNAL_RETENTION", 30*24*time.Hour),
		LogLevel:              envOrDefault("LABS_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("LABS_LOG_FORMAT", "json"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("LABS_JWT_SECRET is required")
	}
	if c.Engine != "docker" && c.Engine != "fake" {
		return fmt.Errorf("LABS_ENGINE must be one of docker|fake")
	}
	if c.PortRangeEnd > 65535 {
		return fmt.Errorf("LABS_PORT_RANGE_END must be <= 65535")
	}
	if c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("port range %d-%d is empty", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("LABS_STORAGE_ROOT is required")
	}
	if !filepath.IsAbs(c.StorageRoot) {
		return fmt.Errorf("LABS_STORAGE_ROOT must be an absolute path, got %q", c.StorageRoot)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LABS_LOG_FORMAT must be one of json|text")
	}
	return nil
}

func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}

func (c Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func parseBoolEnv(k string, d bool) bool {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return d
	}
	return b
}

func parseDurationEnv(k string, d time.Duration) time.Duration {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return d
	}
	return v
}

// parsePackageMap reads "python=numpy;pandas,javascript=lodash".
func parsePackageMap(v string) map[string][]string {
	out := make(map[string][]string)
	for _, pair := range splitCSV(v) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		if k == "" {
			continue
		}
		var pkgs []string
		for _, p := range strings.Split(parts[1], ";") {
			if s := strings.TrimSpace(p); s != "" {
				pkgs = append(pkgs, s)
			}
		}
		if len(pkgs) > 0 {
			out[k] = pkgs
		}
	}
	return out
}
