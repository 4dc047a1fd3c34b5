// Package config loads engine configuration with viper and builds the zap
// logger the rest of the module is handed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Database drivers understood by Open.
const (
	DriverSQLite  = "sqlite3"
	DriverModernc = "sqlite"
	DriverPgx     = "pgx"
)

// DBConfig selects and tunes the database.
type DBConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"maxopenconns"`
}

// EngineConfig tunes the record engine.
type EngineConfig struct {
	ExpandDepth   int    `mapstructure:"expanddepth"`
	ExpandBatch   int    `mapstructure:"expandbatch"`
	ExpandWorkers int    `mapstructure:"expandworkers"`
	RuleCache     int    `mapstructure:"rulecache"`
	Prefix        string `mapstructure:"prefix"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete configuration.
type Config struct {
	DB     DBConfig     `mapstructure:"db"`
	Engine EngineConfig `mapstructure:"engine"`
	Log    LogConfig    `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.dsn", "recordbase.db")
	v.SetDefault("db.maxopenconns", 0)
	v.SetDefault("engine.expanddepth", 3)
	v.SetDefault("engine.expandbatch", 100)
	v.SetDefault("engine.expandworkers", 8)
	v.SetDefault("engine.rulecache", 512)
	v.SetDefault("engine.prefix", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads defaults, then the optional config file, then environment
// variables. prefix selects the variables: with prefix "RECORDBASE_",
// RECORDBASE_DB_DSN sets db.dsn. An empty file skips the file step; a file
// that does not exist is not an error.
func Load(prefix, file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
			}
		}
	}

	if prefix != "" {
		upper := strings.ToUpper(prefix)
		for _, env := range os.Environ() {
			key, value, ok := strings.Cut(env, "=")
			if !ok || !strings.HasPrefix(key, upper) {
				continue
			}
			// RECORDBASE_DB_DSN -> db.dsn
			prop := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, upper), "_", "."))
			v.Set(strings.TrimPrefix(prop, "."), value)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DriverSQLite, DriverModernc, DriverPgx:
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Engine.ExpandDepth < 1 || c.Engine.ExpandBatch < 1 || c.Engine.ExpandWorkers < 1 {
		return fmt.Errorf("engine expansion settings must be positive")
	}
	return nil
}
