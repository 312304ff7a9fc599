// Package config loads application configuration with viper: defaults, an
// optional config file, then HYPEROPT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/objective"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HYPEROPT_SERVER_PORT
const EnvPrefix = "HYPEROPT"

// Config is the root configuration
type Config struct {
	Log        LogConfig                    `mapstructure:"log"`
	Data       DataConfig                   `mapstructure:"data"`
	Server     ServerConfig                 `mapstructure:"server"`
	Strategies StrategiesConfig             `mapstructure:"strategies"`
	Hyperopt   HyperoptConfig               `mapstructure:"hyperopt"`
	Optimizer  optimization.OptimizerConfig `mapstructure:"optimizer"`
}

// LogConfig selects the zap level and encoding
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// DataConfig locates market data and indicator files
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	WebSocketPath   string        `mapstructure:"websocket_path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxJobs         int           `mapstructure:"max_jobs"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StrategiesConfig locates strategy definition files
type StrategiesConfig struct {
	Dir string `mapstructure:"dir"`
}

// HyperoptConfig holds the defaults of a search run
type HyperoptConfig struct {
	Strategy       string   `mapstructure:"strategy"`
	Symbol         string   `mapstructure:"symbol"`
	Timeframe      string   `mapstructure:"timeframe"`
	Objective      string   `mapstructure:"objective"`
	MinTrades      int      `mapstructure:"min_trades"`
	Spaces         []string `mapstructure:"spaces"`
	WalkForward    bool     `mapstructure:"walk_forward"`
	MonteCarloRuns int      `mapstructure:"monte_carlo_runs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")

	v.SetDefault("data.dir", "./data")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.max_jobs", 4)

	v.SetDefault("strategies.dir", "./configs/strategies")

	v.SetDefault("hyperopt.strategy", "")
	v.SetDefault("hyperopt.symbol", "")
	v.SetDefault("hyperopt.timeframe", "")
	v.SetDefault("hyperopt.objective", objective.Default().Name())
	v.SetDefault("hyperopt.min_trades", 0)
	v.SetDefault("hyperopt.spaces", []string{})
	v.SetDefault("hyperopt.walk_forward", false)
	v.SetDefault("hyperopt.monte_carlo_runs", 1000)

	d := optimization.DefaultOptimizerConfig()
	v.SetDefault("optimizer.method", string(d.Method))
	v.SetDefault("optimizer.max_evaluations", d.MaxEvaluations)
	v.SetDefault("optimizer.timeout", d.Timeout)
	v.SetDefault("optimizer.workers", d.ParallelWorkers)
	v.SetDefault("optimizer.seed", d.Seed)
	v.SetDefault("optimizer.keep_history", d.KeepHistory)
	v.SetDefault("optimizer.grid_resolution", d.GridResolution)
	v.SetDefault("optimizer.population_size", d.PopulationSize)
	v.SetDefault("optimizer.mutation_rate", d.MutationRate)
	v.SetDefault("optimizer.crossover_rate", d.CrossoverRate)
	v.SetDefault("optimizer.elite_count", d.EliteCount)
	v.SetDefault("optimizer.generations", d.Generations)
	v.SetDefault("optimizer.in_sample_pct", d.InSamplePct)
	v.SetDefault("optimizer.folds", d.NumFolds)
	v.SetDefault("optimizer.anchored", d.AnchoredWF)
}

// Load reads configuration. An empty path searches ./config.yaml and
// ./configs/config.yaml and falls back to defaults when neither exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.MaxJobs < 1 {
		return fmt.Errorf("server max_jobs must be at least 1")
	}
	if _, err := objective.New(c.Hyperopt.Objective, c.Hyperopt.MinTrades); err != nil {
		return err
	}
	if err := c.Optimizer.Validate(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	return nil
}
