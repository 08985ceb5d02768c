package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/config"
)

func TestDefaultTemplateValidates(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.Template()))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Root)
	assert.Equal(t, 1.5, cfg.Frequency.BufferFactor)
	assert.Equal(t, 60, cfg.Frequency.MinIntervalSeconds)
	assert.Equal(t, "daily", cfg.Optimizer.Schedule)
	assert.Equal(t, []string{"AAPL", "MSFT", "SPY"}, cfg.Decision.Symbols)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.True(t, cfg.Decision.Execute, "latency feedback needs executed orders")
}

func TestPartialYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
decision:
  symbols: [QQQ]
  execute: false
notify:
  webhooks:
    - url: https://hooks.example.test/alerts
      secret: s3cret
      severities: [critical]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"QQQ"}, cfg.Decision.Symbols)
	assert.False(t, cfg.Decision.Execute)
	assert.Equal(t, 100, cfg.Organizer.BatchSize)
	require.Len(t, cfg.Notify.Webhooks, 1)
	assert.Equal(t, "s3cret", cfg.Notify.Webhooks[0].Secret)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"empty root":        "store:\n  root: \"\"\n",
		"buffer too small":  "frequency:\n  buffer_factor: 1.0\n",
		"zero interval":     "frequency:\n  min_interval_seconds: 0\n",
		"batch size":        "organizer:\n  batch_size: 0\n",
		"llm provider":      "llm:\n  provider: magic\n",
		"openai needs model": "llm:\n  provider: openai\n",
		"brokerage":         "brokerage:\n  provider: live\n",
		"cache":             "organizer:\n  cache: disk\n",
		"redis url":         "organizer:\n  cache: redis\n",
		"clock":             "optimizer:\n  at: \"24:10\"\n",
		"clock suffix":      "optimizer:\n  at: \"02:00xyz\"\n",
		"schedule":          "optimizer:\n  schedule: hourly\n",
		"webhook url":       "notify:\n  webhooks:\n    - secret: x\n",
		"severity":          "notify:\n  min_severity: loud\n",
		"tick":              "scheduler:\n  tick_seconds: 0\n",
		"base path":         "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	assert.ErrorContains(t, err, "tl config init")

	cfg, err := config.LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "memory"), cfg.StoreRoot(dir))

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("store:\n  root: /var/lib/tradeloop\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tradeloop", cfg.StoreRoot(dir))

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("store: [\n"), 0o644))
	_, err = config.Load(dir)
	assert.ErrorContains(t, err, "invalid config yaml")
}
