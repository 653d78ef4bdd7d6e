// Package config loads run options from YAML with environment variable
// overrides, and carries the per-environment role-to-model tables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"codecrew/internal/types"
)

// Defaults for option fields left zero.
const (
	DefaultMaxRetries        = 3
	DefaultCoverageThreshold = 0.8
	DefaultQualityThreshold  = 7.0
	DefaultFeedbackTimeout   = 30 * time.Minute
	DefaultPersistDir        = ".codecrew"
)

// Options is the full set of run options.
type Options struct {
	// MaxRetries bounds re-entries per phase.
	MaxRetries int `yaml:"max_retries"`

	// MemoryEnabled toggles the associative store.
	MemoryEnabled bool `yaml:"memory_enabled"`

	// PersistDir is where snapshots, logs, and databases live.
	PersistDir string `yaml:"persist_dir"`

	// CoverageThreshold is the minimum test coverage fraction; a run
	// meeting it exactly passes.
	CoverageThreshold float64 `yaml:"coverage_threshold"`

	// QualityScoreThreshold is the minimum code quality score (0-10).
	QualityScoreThreshold float64 `yaml:"quality_score_threshold"`

	// WorkspaceRoots are the directories generated files may touch. The
	// first is the write target.
	WorkspaceRoots []string `yaml:"workspace_roots"`

	// RoleModels overrides the environment tier's model per role.
	RoleModels map[string]string `yaml:"role_models"`

	// DangerousPatterns extends the built-in code-safety pattern list.
	DangerousPatterns []string `yaml:"dangerous_patterns"`

	// FeedbackTimeout bounds how long a suspended run waits for a human
	// before taking the default action. Duration string, e.g. "30m".
	FeedbackTimeout string `yaml:"feedback_timeout"`

	// Parallel enables the coordinated (concurrent) crew policy where a
	// phase supports it.
	Parallel bool `yaml:"parallel"`

	// Environment selects the model tier: dev, test, prod.
	Environment Environment `yaml:"environment"`

	// LLM configures the chat client.
	LLM LLMOptions `yaml:"llm"`

	// Embedding configures the embedding engine.
	Embedding EmbeddingOptions `yaml:"embedding"`

	// Debug enables debug-level category logging.
	Debug bool `yaml:"debug"`
}

// LLMOptions configures the chat transport.
type LLMOptions struct {
	Provider string `yaml:"provider"` // openrouter, genai, scripted
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingOptions configures the embedding engine.
type EmbeddingOptions struct {
	Provider string `yaml:"provider"` // ollama, genai, local
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// Default returns baseline options.
func Default() *Options {
	return &Options{
		MaxRetries:            DefaultMaxRetries,
		MemoryEnabled:         true,
		PersistDir:            DefaultPersistDir,
		CoverageThreshold:     DefaultCoverageThreshold,
		QualityScoreThreshold: DefaultQualityThreshold,
		FeedbackTimeout:       "30m",
		Environment:           EnvDev,
		LLM:                   LLMOptions{Provider: "openrouter"},
		Embedding:             EmbeddingOptions{Provider: "local"},
	}
}

// Load reads options from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, types.WrapError(types.KindConfiguration, "config.Load", path, err)
		}
	} else if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, types.WrapError(types.KindConfiguration, "config.Load", "failed to parse "+path, err)
	}
	opts.applyEnvOverrides()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Save writes options as YAML.
func (o *Options) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return types.WrapError(types.KindConfiguration, "config.Save", path, err)
	}
	data, err := yaml.Marshal(o)
	if err != nil {
		return types.WrapError(types.KindInvariant, "config.Save", "marshal failed", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return types.WrapError(types.KindConfiguration, "config.Save", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (o *Options) applyEnvOverrides() {
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		o.LLM.APIKey = key
		if o.LLM.Provider == "" {
			o.LLM.Provider = "openrouter"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && o.LLM.Provider == "genai" {
		o.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && o.Embedding.Provider == "genai" {
		o.Embedding.APIKey = key
	}
	if env := os.Getenv("CODECREW_ENV"); env != "" {
		o.Environment = Environment(env)
	}
	if dir := os.Getenv("CODECREW_PERSIST_DIR"); dir != "" {
		o.PersistDir = dir
	}
	if v := os.Getenv("CODECREW_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			o.MaxRetries = n
		}
	}
}

// Validate rejects option combinations no run can honor.
func (o *Options) Validate() error {
	const op = "config.Validate"
	if o.MaxRetries < 0 {
		return types.NewError(types.KindConfiguration, op, "max_retries must be >= 0")
	}
	if o.CoverageThreshold < 0 || o.CoverageThreshold > 1 {
		return types.NewError(types.KindConfiguration, op,
			fmt.Sprintf("coverage_threshold %v outside [0,1]", o.CoverageThreshold))
	}
	if o.QualityScoreThreshold < 0 || o.QualityScoreThreshold > 10 {
		return types.NewError(types.KindConfiguration, op,
			fmt.Sprintf("quality_score_threshold %v outside [0,10]", o.QualityScoreThreshold))
	}
	if !o.Environment.Known() {
		return types.NewError(types.KindConfiguration, op,
			fmt.Sprintf("unknown environment %q", o.Environment))
	}
	return nil
}

// LLMTimeout parses the configured timeout, defaulting to zero (client
// default).
func (o *Options) LLMTimeout() time.Duration {
	if o.LLM.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(o.LLM.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// FeedbackWait parses the feedback timeout, defaulting when absent or
// unparseable.
func (o *Options) FeedbackWait() time.Duration {
	if o.FeedbackTimeout == "" {
		return DefaultFeedbackTimeout
	}
	d, err := time.ParseDuration(o.FeedbackTimeout)
	if err != nil || d <= 0 {
		return DefaultFeedbackTimeout
	}
	return d
}
