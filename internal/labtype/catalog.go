// Package labtype holds the strategy table that maps a lab type name to
// the base image, package installation and server launcher used to build
// and run it.
package labtype

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultCatalogYAML []byte

const (
	Python     = "python"
	JavaScript = "javascript"
	Generic    = "generic"
)

// Variant describes one supported lab type. Install and Launch are
// templates: {{packages}} expands to the space-joined package list and
// {{port}} to the in-container service port.
type Variant struct {
	Name            string            `yaml:"-"`
	BaseImage       string            `yaml:"base_image"`
	SystemPackages  []string          `yaml:"system_packages"`
	Install         string            `yaml:"install"`
	ServerPackages  []string          `yaml:"server_packages"`
	Launch          string            `yaml:"launch"`
	ServicePort     int               `yaml:"service_port"`
	DefaultPackages []string          `yaml:"default_packages"`
	AccessPaths     map[string]string `yaml:"access_paths"`
}

func (v Variant) InstallCommand(packages []string) string {
	if len(packages) == 0 || v.Install == "" {
		return ""
	}
	return strings.ReplaceAll(v.Install, "{{packages}}", strings.Join(packages, " "))
}

func (v Variant) LaunchCommand() string {
	return strings.ReplaceAll(v.Launch, "{{port}}", strconv.Itoa(v.ServicePort))
}

type catalogFile struct {
	Fallback string              `yaml:"fallback"`
	Variants map[string]*Variant `yaml:"variants"`
}

// Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	variants map[string]Variant
	fallback string
}

// Load parses the embedded defaults, then applies overridePath when it is
// non-empty. Variants in the override replace defaults of the same name.
func Load(overridePath string) (*Catalog, error) {
	c, err := Parse(defaultCatalogYAML)
	if err != nil {
		return nil, fmt.Errorf("parse default lab types: %w", err)
	}
	if overridePath == "" {
		return c, nil
	}
	raw, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("read lab types file: %w", err)
	}
	override, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse lab types file %s: %w", overridePath, err)
	}
	return c.merge(override), nil
}

func Parse(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	c := &Catalog{variants: make(map[string]Variant, len(f.Variants)), fallback: f.Fallback}
	for name, v := range f.Variants {
		if v == nil {
			continue
		}
		key := normalize(name)
		if v.BaseImage == "" {
			return nil, fmt.Errorf("lab type %q: base_image is required", key)
		}
		if v.ServicePort <= 0 || v.ServicePort > 65535 {
			return nil, fmt.Errorf("lab type %q: invalid service_port %d", key, v.ServicePort)
		}
		if v.Launch == "" {
			return nil, fmt.Errorf("lab type %q: launch is required", key)
		}
		v.Name = key
		c.variants[key] = *v
	}
	if c.fallback != "" {
		if _, ok := c.variants[normalize(c.fallback)]; !ok {
			return nil, fmt.Errorf("fallback lab type %q is not defined", c.fallback)
		}
		c.fallback = normalize(c.fallback)
	}
	return c, nil
}

func (c *Catalog) merge(o *Catalog) *Catalog {
	out := &Catalog{variants: make(map[string]Variant, len(c.variants)+len(o.variants)), fallback: c.fallback}
	for k, v := range c.variants {
		out.variants[k] = v
	}
	for k, v := range o.variants {
		out.variants[k] = v
	}
	if o.fallback != "" {
		out.fallback = o.fallback
	}
	return out
}

// WithDefaultPackages returns a copy of the catalog whose variants use the
// given package sets as their defaults.
func (c *Catalog) WithDefaultPackages(defaults map[string][]string) *Catalog {
	out := c.merge(&Catalog{})
	for name, pkgs := range defaults {
		v, ok := out.variants[normalize(name)]
		if !ok {
			continue
		}
		v.DefaultPackages = append([]string(nil), pkgs...)
		out.variants[v.Name] = v
	}
	return out
}

// Resolve never fails: names without a variant resolve to the fallback.
func (c *Catalog) Resolve(name string) Variant {
	if v, ok := c.variants[normalize(name)]; ok {
		return v
	}
	return c.variants[c.fallback]
}

func (c *Catalog) Known(name string) bool {
	_, ok := c.variants[normalize(name)]
	return ok
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
