package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"docpipe/internal/pipeline"

	"gopkg.in/yaml.v3"
)

// DirName is the per-workspace state directory.
const DirName = ".docpipe"

// Config holds all docpipe configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Artifact database
	Store StoreConfig `yaml:"store"`

	// Promotion gate and ledger policy
	Governance GovernanceConfig `yaml:"governance"`

	// Candidate mining defaults
	Extraction ExtractionConfig `yaml:"extraction"`

	// Governing document projection
	Blueprint BlueprintConfig `yaml:"blueprint"`

	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the embedded SQLite database.
type StoreConfig struct {
	Path   string `yaml:"path"`   // relative paths resolve against the workspace
	Driver string `yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// GovernanceConfig configures claim promotion. Unset keys keep the values from
// DefaultConfig. Zero thresholds and weights are never valid, so they fall back
// to the built-in policy constants; zero convergence days is a real setting.
type GovernanceConfig struct {
	FoundingSession    string  `yaml:"founding_session"`
	MinConvergenceDays int     `yaml:"min_convergence_days"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	ClusterThreshold   float64 `yaml:"cluster_threshold"`
	SequenceWeight     float64 `yaml:"sequence_weight"`
	JaccardWeight      float64 `yaml:"jaccard_weight"`
}

// ExtractionConfig configures candidate mining defaults.
type ExtractionConfig struct {
	AllowedStages []string `yaml:"allowed_stages"`
	MinSources    int      `yaml:"min_sources"`
	MinSessions   int      `yaml:"min_sessions"`
	MinStages     int      `yaml:"min_stages"`
	Limit         int      `yaml:"limit"`
}

// BlueprintConfig configures where the governing document is written.
type BlueprintConfig struct {
	Dir      string `yaml:"dir"`
	FileName string `yaml:"file_name"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "docpipe",
		Version: "0.4.0",

		Store: StoreConfig{
			Path:   filepath.Join(DirName, "docpipe.db"),
			Driver: "sqlite",
		},

		Governance: GovernanceConfig{
			FoundingSession:    pipeline.FoundingSession,
			MinConvergenceDays: pipeline.DefaultMinConvergenceDays,
			DuplicateThreshold: pipeline.DuplicateSimilarityThreshold,
			ClusterThreshold:   pipeline.ClusterSimilarityThreshold,
			SequenceWeight:     pipeline.SequenceWeight,
			JaccardWeight:      pipeline.JaccardWeight,
		},

		Extraction: ExtractionConfig{
			AllowedStages: []string{"intent", "context", "spec", "plan", "tasks"},
			MinSources:    2,
			MinSessions:   2,
			MinStages:     2,
			Limit:         20,
		},

		Blueprint: BlueprintConfig{
			Dir:      "docs",
			FileName: "BLUEPRINT.md",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, DirName, "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("DOCPIPE_DB"); path != "" {
		c.Store.Path = path
	}
	if driver := os.Getenv("DOCPIPE_DB_DRIVER"); driver != "" {
		c.Store.Driver = driver
	}
	if dir := os.Getenv("DOCPIPE_BLUEPRINT_DIR"); dir != "" {
		c.Blueprint.Dir = dir
	}
	if raw := os.Getenv("DOCPIPE_MIN_CONVERGENCE_DAYS"); raw != "" {
		if days, err := strconv.Atoi(raw); err == nil {
			c.Governance.MinConvergenceDays = days
		}
	}
}

// ValidDrivers lists the supported database/sql driver names.
var ValidDrivers = []string{"sqlite", "sqlite3"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path not configured (set store.path or DOCPIPE_DB)")
	}

	validDriver := false
	for _, d := range ValidDrivers {
		if c.Store.Driver == d {
			validDriver = true
			break
		}
	}
	if !validDriver {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}

	for _, raw := range c.Extraction.AllowedStages {
		if _, err := pipeline.ParseStage(raw); err != nil {
			return fmt.Errorf("extraction.allowed_stages: %w", err)
		}
	}
	e := c.Extraction
	if e.MinSources < 0 || e.MinSessions < 0 || e.MinStages < 0 || e.Limit < 0 {
		return fmt.Errorf("extraction minimums and limit must be >= 0")
	}

	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("governance: %w", err)
	}
	return nil
}

// Policy converts the governance section into the immutable pipeline policy.
func (c *Config) Policy() pipeline.Policy {
	p := pipeline.DefaultPolicy()
	g := c.Governance
	if g.FoundingSession != "" {
		p.FoundingSession = g.FoundingSession
	}
	p.MinConvergenceDays = g.MinConvergenceDays
	if g.DuplicateThreshold != 0 {
		p.DuplicateThreshold = g.DuplicateThreshold
	}
	if g.ClusterThreshold != 0 {
		p.ClusterThreshold = g.ClusterThreshold
	}
	if g.SequenceWeight != 0 || g.JaccardWeight != 0 {
		p.SequenceWeight = g.SequenceWeight
		p.JaccardWeight = g.JaccardWeight
	}
	return p
}

// ExtractionStages parses the configured allowed stages, skipping invalid entries.
func (c *Config) ExtractionStages() []pipeline.Stage {
	var out []pipeline.Stage
	for _, raw := range c.Extraction.AllowedStages {
		if s, err := pipeline.ParseStage(raw); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// ResolvePath makes p absolute relative to the workspace.
func ResolvePath(workspace, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// FindWorkspaceRoot walks up from the working directory looking for a .docpipe
// directory, falling back to a go.mod or .git marker, then to the start dir.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		for _, marker := range []string{DirName, "go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return originalDir, nil
}
