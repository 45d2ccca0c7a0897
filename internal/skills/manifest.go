// Package skills implements the Skill Registry & Dispatcher (component E):
// manifest discovery and JSON Schema validation, and execution of model
// tool-calls either inline (in-process, bounded concurrency) or queued
// (via a worker pool behind a message broker).
package skills

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ExecutionMode is how the Dispatcher runs a skill's matched tool-calls.
type ExecutionMode string

const (
	ExecutionInline ExecutionMode = "inline"
	ExecutionQueued ExecutionMode = "queued"
)

// Pricing is a skill's credit cost model: a flat base charge plus a
// per-unit charge for each named usage dimension (e.g. "token", "image").
type Pricing struct {
	Base    float64            `yaml:"base"`
	PerUnit map[string]float64 `yaml:"per_unit"`
}

// Cost computes the credits owed for one invocation given measured units
// per dimension, per spec.md §4.E: "credits = manifest.pricing.base +
// sum(pricing.per_unit · units)".
func (p Pricing) Cost(units map[string]float64) float64 {
	total := p.Base
	for dim, rate := range p.PerUnit {
		total += rate * units[dim]
	}
	return total
}

// Manifest describes one skill loaded from
// apps/<app_id>/skills/<skill_id>/manifest.yml.
type Manifest struct {
	AppID       string         `yaml:"-"`
	SkillID     string         `yaml:"-"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Execution   ExecutionMode  `yaml:"execution"`
	Timeout     time.Duration  `yaml:"timeout"`
	QueueTopic  string         `yaml:"queue_topic"`
	Pricing     Pricing        `yaml:"pricing"`
	ToolSchema  map[string]any `yaml:"tool_schema"`

	compiled *jsonschema.Schema
}

// Key identifies a manifest within the registry, as "(app_id, skill_id)".
func (m Manifest) Key() string {
	return m.AppID + "." + m.SkillID
}

// ValidateArguments checks decoded tool-call arguments against the
// manifest's tool_schema, per spec.md §4.E's dispatch-time validation
// requirement.
func (m *Manifest) ValidateArguments(args map[string]any) error {
	if m.compiled == nil {
		return nil
	}
	return m.compiled.Validate(args)
}

// Registry is the (app_id, skill_id) -> Manifest map built once at
// process startup. Hot reload is out of scope (spec.md §4.E).
type Registry struct {
	manifests map[string]*Manifest
}

// LoadRegistry walks root for apps/<app_id>/skills/<skill_id>/manifest.yml
// files, parses and schema-validates each one, and returns a Registry plus
// any per-manifest errors encountered (a bad manifest does not abort the
// whole load — ported from the teacher's per-file error accumulation in
// internal/skills/loader.go's LoadOutcome).
func LoadRegistry(root string) (*Registry, []error) {
	reg := &Registry{manifests: make(map[string]*Manifest)}
	var errs []error

	paths := discoverManifests(root)
	for _, path := range paths {
		m, err := parseManifest(root, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			log.Warn().Str("path", path).Err(err).Msg("skills: manifest load error")
			continue
		}
		reg.manifests[m.Key()] = m
	}
	return reg, errs
}

func discoverManifests(root string) []string {
	var paths []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == "manifest.yml" || name == "manifest.yaml" {
			paths = append(paths, path)
		}
		return nil
	})
	return paths
}

// parseManifest loads one manifest file, deriving app_id/skill_id from its
// path relative to root: apps/<app_id>/skills/<skill_id>/manifest.yml.
func parseManifest(root, path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	appID, skillID, err := deriveIDs(root, path)
	if err != nil {
		return nil, err
	}
	m.AppID, m.SkillID = appID, skillID

	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("missing field `name`")
	}
	if strings.TrimSpace(m.Description) == "" {
		return nil, fmt.Errorf("missing field `description`")
	}
	if m.Execution == "" {
		m.Execution = ExecutionInline
	}
	if m.Execution != ExecutionInline && m.Execution != ExecutionQueued {
		return nil, fmt.Errorf("invalid execution mode %q", m.Execution)
	}
	if m.Timeout == 0 {
		m.Timeout = 60 * time.Second
	}

	if len(m.ToolSchema) > 0 {
		compiled, err := compileSchema(m.Key(), m.ToolSchema)
		if err != nil {
			return nil, fmt.Errorf("invalid tool_schema: %w", err)
		}
		m.compiled = compiled
	}

	return &m, nil
}

func deriveIDs(root, path string) (appID, skillID string, err error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	// apps/<app_id>/skills/<skill_id>/manifest.yml
	if len(parts) < 5 || parts[0] != "apps" || parts[2] != "skills" {
		return "", "", fmt.Errorf("path %q does not match apps/<app_id>/skills/<skill_id>/manifest.yml", rel)
	}
	return parts[1], parts[3], nil
}

// compileSchema round-trips the YAML-decoded tool_schema through JSON so
// the jsonschema compiler (which expects the json.Unmarshal-shaped
// any-tree: map[string]any / []any / float64) sees numbers and nesting in
// the form it requires, rather than yaml.v3's own decoded types.
func compileSchema(resourceName string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

// Lookup returns the manifest for (appID, skillID), if registered.
func (r *Registry) Lookup(appID, skillID string) (*Manifest, bool) {
	m, ok := r.manifests[appID+"."+skillID]
	return m, ok
}

// LookupByKey looks up by the combined "app_id.skill_id" key a tool-call's
// name is expected to carry.
func (r *Registry) LookupByKey(key string) (*Manifest, bool) {
	m, ok := r.manifests[key]
	return m, ok
}

// All returns every loaded manifest, in no particular order.
func (r *Registry) All() []*Manifest {
	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	return out
}
