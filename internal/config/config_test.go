package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("plant-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "plant-1", cfg.Plant.ID)
	require.Len(t, cfg.Pipeline.Steps, 6)
	assert.Equal(t, "intake", cfg.Pipeline.Steps[0].ID)
	assert.Equal(t, "palletizing", cfg.Pipeline.Steps[5].ID)
	assert.True(t, cfg.KnownFormType("lab-forms"))
	assert.False(t, cfg.KnownFormType("unknown-form"))
	assert.Equal(t, time.UTC, cfg.Location())
	assert.NotEmpty(t, cfg.Access.DefaultGrants)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing plant id", func(c *Config) { c.Plant.ID = "" }, "config.plant.id is required"},
		{"bad timezone", func(c *Config) { c.Plant.Timezone = "Mars/Olympus" }, "timezone invalid"},
		{"no steps", func(c *Config) { c.Pipeline.Steps = nil }, "config.pipeline.steps is required"},
		{"duplicate step", func(c *Config) {
			c.Pipeline.Steps = append(c.Pipeline.Steps, c.Pipeline.Steps[0])
		}, "duplicated"},
		{"unknown step form type", func(c *Config) { c.Pipeline.Steps[0].FormType = "nope" }, "unknown form type nope"},
		{"grant with two scopes", func(c *Config) {
			c.Access.DefaultGrants[0].Department = "Lab"
		}, "exactly one of"},
		{"grant without target", func(c *Config) {
			c.Access.DefaultGrants[0].FormType = ""
		}, "form_id or form_type"},
		{"webhook without url", func(c *Config) {
			c.Webhooks = []WebhookConfig{{Events: []string{"form.created"}}}
		}, "empty url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("p")
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestYAMLRoundTripThroughFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Default("plant-2")
	data, err := cfg.ToYAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dairyline.yml"), data, 0o644))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Plant, loaded.Plant)
	assert.Equal(t, cfg.Pipeline.Steps, loaded.Pipeline.Steps)
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFromYAMLInvalid(t *testing.T) {
	_, err := FromYAML([]byte("plant: ["))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config yaml")
}

func TestStepLookup(t *testing.T) {
	cfg := Default("p")
	s, ok := cfg.Step("filling")
	require.True(t, ok)
	assert.Equal(t, "filler-form", s.FormType)
	_, ok = cfg.Step("bottling")
	assert.False(t, ok)

	steps := cfg.Steps()
	steps[0].Name = "changed"
	assert.Equal(t, "Milk Intake", cfg.Pipeline.Steps[0].Name)
}
