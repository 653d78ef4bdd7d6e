package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codecrew/internal/types"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	opts, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, opts.MaxRetries)
	assert.True(t, opts.MemoryEnabled)
	assert.Equal(t, DefaultCoverageThreshold, opts.CoverageThreshold)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.yaml")
	content := `
max_retries: 5
memory_enabled: false
coverage_threshold: 0.9
environment: test
role_models:
  backend_developer: custom/model
feedback_timeout: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, opts.MaxRetries)
	assert.False(t, opts.MemoryEnabled)
	assert.Equal(t, 0.9, opts.CoverageThreshold)
	assert.Equal(t, EnvTest, opts.Environment)
	assert.Equal(t, 10*time.Minute, opts.FeedbackWait())
	assert.Equal(t, "custom/model", opts.ModelFor(types.RoleBackendDev))
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	opts := Default()
	opts.CoverageThreshold = 1.5
	assert.Equal(t, types.KindConfiguration, types.KindOf(opts.Validate()))

	opts = Default()
	opts.QualityScoreThreshold = 11
	assert.Error(t, opts.Validate())

	opts = Default()
	opts.Environment = "staging"
	assert.Error(t, opts.Validate(), "unknown environment should be rejected")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")
	t.Setenv("CODECREW_ENV", "prod")
	t.Setenv("CODECREW_MAX_RETRIES", "7")

	opts, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-or-test", opts.LLM.APIKey)
	assert.Equal(t, EnvProd, opts.Environment)
	assert.Equal(t, 7, opts.MaxRetries)
}

func TestModelForTiers(t *testing.T) {
	opts := Default()
	dev := opts.ModelFor(types.RoleArchitect)
	opts.Environment = EnvProd
	prod := opts.ModelFor(types.RoleArchitect)
	assert.NotEqual(t, dev, prod, "dev and prod tiers should differ")
	assert.NotEmpty(t, opts.ModelFor("unknown_role"), "unknown role should fall back to coordinator model")
}

func TestFeedbackWaitDefaults(t *testing.T) {
	opts := Default()
	opts.FeedbackTimeout = ""
	assert.Equal(t, DefaultFeedbackTimeout, opts.FeedbackWait())
	opts.FeedbackTimeout = "not-a-duration"
	assert.Equal(t, DefaultFeedbackTimeout, opts.FeedbackWait())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "opts.yaml")
	opts := Default()
	opts.MaxRetries = 9
	require.NoError(t, opts.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.MaxRetries)
}
