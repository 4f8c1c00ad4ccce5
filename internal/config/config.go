package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models traceline.yml.
type Config struct {
	Project struct {
		ID     string `yaml:"id" json:"id"`
		Prefix string `yaml:"prefix" json:"prefix"`
	} `yaml:"project" json:"project"`
	Commits struct {
		ReferencePattern string `yaml:"reference_pattern" json:"reference_pattern"`
	} `yaml:"commits" json:"commits"`
	Architecture struct {
		Rules []ArchRule `yaml:"rules" json:"rules"`
	} `yaml:"architecture" json:"architecture"`
	Docs struct {
		Mappings map[string][]string `yaml:"mappings" json:"mappings"`
	} `yaml:"docs" json:"docs"`
}

// ArchRule forbids imports from a source path prefix into certain targets.
type ArchRule struct {
	ID        string   `yaml:"id" json:"id"`
	Path      string   `yaml:"path" json:"path"`
	Forbidden []string `yaml:"forbidden" json:"forbidden"`
	Severity  string   `yaml:"severity" json:"severity"`
}

var prefixRe = regexp.MustCompile(`^[A-Z]+$`)

var validSeverities = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Prefix == "" {
		return fmt.Errorf("config.project.prefix is required")
	}
	if !prefixRe.MatchString(c.Project.Prefix) {
		return fmt.Errorf("config.project.prefix must be uppercase letters, got %q", c.Project.Prefix)
	}
	if c.Commits.ReferencePattern != "" {
		if _, err := regexp.Compile(c.Commits.ReferencePattern); err != nil {
			return fmt.Errorf("config.commits.reference_pattern: %w", err)
		}
	}
	seen := map[string]bool{}
	for _, rule := range c.Architecture.Rules {
		if rule.ID == "" {
			return fmt.Errorf("architecture rule missing id")
		}
		if seen[rule.ID] {
			return fmt.Errorf("duplicate architecture rule id %s", rule.ID)
		}
		seen[rule.ID] = true
		if rule.Path == "" {
			return fmt.Errorf("architecture rule %s missing path", rule.ID)
		}
		if len(rule.Forbidden) == 0 {
			return fmt.Errorf("architecture rule %s has no forbidden targets", rule.ID)
		}
		for _, f := range rule.Forbidden {
			if f == "" {
				return fmt.Errorf("architecture rule %s has empty forbidden target", rule.ID)
			}
		}
		if !validSeverities[rule.Severity] {
			return fmt.Errorf("architecture rule %s has invalid severity %q", rule.ID, rule.Severity)
		}
	}
	for src, docs := range c.Docs.Mappings {
		if src == "" {
			return fmt.Errorf("docs mapping has empty source path")
		}
		if len(docs) == 0 {
			return fmt.Errorf("docs mapping %s lists no documentation files", src)
		}
		for _, d := range docs {
			if strings.TrimSpace(d) == "" {
				return fmt.Errorf("docs mapping %s has empty documentation path", src)
			}
		}
	}
	return nil
}

// ReferencePattern returns the configured work item reference regex,
// falling back to the canonical grammar.
func (c *Config) ReferencePattern() string {
	if c.Commits.ReferencePattern != "" {
		return c.Commits.ReferencePattern
	}
	return DefaultReferencePattern
}

// DefaultReferencePattern matches #PROJ-123 and #PROJ-KEY-S1 / #PROJ-KEY-T2 style references.
const DefaultReferencePattern = `(#[A-Z]+-[A-Z0-9]+-[ST][0-9]+|#[A-Z]+-[0-9]+)`

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "traceline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID, prefix string) string {
	return fmt.Sprintf(defaultTemplate, projectID, prefix)
}

// Default returns the default Config struct for a project.
func Default(projectID, prefix string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Prefix = prefix
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID, prefix))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the workspace config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  prefix: %s

commits:
  # Canonical work item reference grammar: #PROJ-123 or #PROJ-KEY-S1 / #PROJ-KEY-T2.
  reference_pattern: '(#[A-Z]+-[A-Z0-9]+-[ST][0-9]+|#[A-Z]+-[0-9]+)'

architecture:
  rules:
    - id: layered.ui
      path: src/ui/
      forbidden: [src/repository/]
      severity: high

    - id: layered.service
      path: src/service/
      forbidden: [src/ui/]
      severity: high

    - id: service.boundary
      path: src/services/
      forbidden: [src/services/]
      severity: critical

    - id: events.decoupled
      path: src/events/
      forbidden: [src/subscribers/, src/handlers/]
      severity: medium

docs:
  mappings:
    src/api/: [docs/api/, docs/reference/api_docs.md]
    src/core/: [docs/architecture/core.md]
    src/ui/: [docs/ui/, docs/reference/ui_components.md]
    src/database/: [docs/database/, docs/reference/database_schema.md]
    src/auth/: [docs/security/authentication.md, docs/api/auth.md]
    src/utils/: [docs/development/utilities.md]
`
