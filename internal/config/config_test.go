package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/config"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "localhost:8080", cfg.Server.Addr())
	assert.Equal(t, "/ws", cfg.Server.WebSocketPath)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "./configs/strategies", cfg.Strategies.Dir)
	assert.Equal(t, "sum_return", cfg.Hyperopt.Objective)
	assert.Equal(t, optimization.MethodRandomSearch, cfg.Optimizer.Method)
	assert.Equal(t, 8, cfg.Optimizer.ParallelWorkers)
	assert.Equal(t, 10*time.Minute, cfg.Optimizer.Timeout)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
server:
  port: 9090
  allowed_origins: [https://atlas.example]
hyperopt:
  strategy: bbrsi
  spaces: [buy, roi]
  objective: sharpe
optimizer:
  method: genetic
  timeout: 90s
  population_size: 20
  elite_count: 2
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://atlas.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "bbrsi", cfg.Hyperopt.Strategy)
	assert.Equal(t, []string{"buy", "roi"}, cfg.Hyperopt.Spaces)
	assert.Equal(t, optimization.MethodGeneticAlgo, cfg.Optimizer.Method)
	assert.Equal(t, 90*time.Second, cfg.Optimizer.Timeout)
	assert.Equal(t, 20, cfg.Optimizer.PopulationSize)
	// untouched keys keep their defaults
	assert.Equal(t, 0.7, cfg.Optimizer.CrossoverRate)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("HYPEROPT_SERVER_PORT", "7070")
	t.Setenv("HYPEROPT_OPTIMIZER_WORKERS", "3")
	t.Setenv("HYPEROPT_HYPEROPT_OBJECTIVE", "profit_factor")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Optimizer.ParallelWorkers)
	assert.Equal(t, "profit_factor", cfg.Hyperopt.Objective)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"log level", "log:\n  level: loud\n"},
		{"port", "server:\n  port: 70000\n"},
		{"max jobs", "server:\n  max_jobs: 0\n"},
		{"objective", "hyperopt:\n  objective: luck\n"},
		{"min trades", "hyperopt:\n  min_trades: -2\n"},
		{"method", "optimizer:\n  method: annealing\n"},
		{"elite count", "optimizer:\n  method: genetic\n  population_size: 4\n  elite_count: 4\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
