package image

import (
	"fmt"
	"path"
	"strings"

	"github.com/redmage123/course-creator-labs/internal/labtype"
	"github.com/redmage123/course-creator-labs/internal/model"
)

const (
	startupScriptName = "start-lab.sh"
	starterDir        = "starter"
	starterMountPath  = "/opt/lab/starter"
	workspacePath     = "/workspace"
)

// RenderDockerfile synthesizes the Dockerfile for a lab. A caller-supplied
// Dockerfile in cfg is returned verbatim.
func RenderDockerfile(v labtype.Variant, cfg model.LabConfig) string {
	if strings.TrimSpace(cfg.Dockerfile) != "" {
		return cfg.Dockerfile
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", v.BaseImage)
	b.WriteString("ENV DEBIAN_FRONTEND=noninteractive PYTHONUNBUFFERED=1\n")
	if len(v.SystemPackages) > 0 {
		fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n",
			strings.Join(quoteAll(v.SystemPackages), " "))
	}
	if cmd := v.InstallCommand(quoteAll(v.ServerPackages)); cmd != "" {
		fmt.Fprintf(&b, "RUN %s\n", cmd)
	}
	if cmd := v.InstallCommand(quoteAll(packagesFor(v, cfg))); cmd != "" {
		fmt.Fprintf(&b, "RUN %s\n", cmd)
	}
	for _, step := range cfg.BuildSteps {
		step = strings.TrimSpace(step)
		if step == "" {
			continue
		}
		fmt.Fprintf(&b, "RUN %s\n", step)
	}
	fmt.Fprintf(&b, "COPY %s/ %s/\n", starterDir, starterMountPath)
	fmt.Fprintf(&b, "COPY %s /usr/local/bin/%s\n", startupScriptName, startupScriptName)
	fmt.Fprintf(&b, "RUN chmod +x /usr/local/bin/%s && mkdir -p %s\n", startupScriptName, workspacePath)
	fmt.Fprintf(&b, "WORKDIR %s\n", workspacePath)
	fmt.Fprintf(&b, "EXPOSE %d\n", v.ServicePort)
	fmt.Fprintf(&b, "ENTRYPOINT [\"/usr/local/bin/%s\"]\n", startupScriptName)
	return b.String()
}

// RenderStartupScript produces the container entrypoint. Starter files are
// copied without clobbering so work in a persisted workspace survives a
// rebuild.
func RenderStartupScript(v labtype.Variant) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", workspacePath)
	fmt.Fprintf(&b, "if [ -d %s ]; then\n", starterMountPath)
	fmt.Fprintf(&b, "  cp -Rn %s/. %s/ 2>/dev/null || true\n", starterMountPath, workspacePath)
	b.WriteString("fi\n")
	fmt.Fprintf(&b, "cd %s\n", workspacePath)
	b.WriteString("echo \"lab ${LAB_SESSION_ID:-unknown} (${LAB_TYPE:-" + v.Name + "}) starting\"\n")
	fmt.Fprintf(&b, "exec %s\n", v.LaunchCommand())
	return b.String()
}

// ContextFiles returns every file of the build context keyed by its path
// inside the archive.
func ContextFiles(v labtype.Variant, cfg model.LabConfig) (map[string][]byte, error) {
	files := make(map[string][]byte, len(cfg.StarterFiles)+3)
	files["Dockerfile"] = []byte(RenderDockerfile(v, cfg))
	files[startupScriptName] = []byte(RenderStartupScript(v))
	files[starterDir+"/.keep"] = nil
	for _, f := range cfg.StarterFiles {
		clean, err := cleanStarterPath(f.Path)
		if err != nil {
			return nil, err
		}
		files[starterDir+"/"+clean] = []byte(f.Content)
	}
	return files, nil
}

func packagesFor(v labtype.Variant, cfg model.LabConfig) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{v.DefaultPackages, cfg.Packages} {
		for _, p := range group {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func cleanStarterPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("starter file path is empty")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("starter file path %q must be relative", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("starter file path %q escapes the workspace", p)
	}
	return clean, nil
}

func quoteAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, shellQuote(s))
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
