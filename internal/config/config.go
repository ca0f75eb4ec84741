// Package config loads the photobookd configuration: defaults, then a YAML
// file, then environment overrides for secrets. Command-line flags are applied
// last by the binary.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/photobook/api/httpapi"
	"github.com/sushant-115/photobook/core/coordinator"
	"github.com/sushant-115/photobook/core/storage"
	"github.com/sushant-115/photobook/core/storage/boltstore"
	"github.com/sushant-115/photobook/core/storage/pgstore"
	"github.com/sushant-115/photobook/internal/events"
	"github.com/sushant-115/photobook/pkg/logger"
	"github.com/sushant-115/photobook/pkg/telemetry"
)

const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"

	DefaultDataDir  = "/tmp/photobook"
	DefaultGRPCAddr = "127.0.0.1:7070"

	EnvStudioDSN    = "PHOTOBOOK_STUDIO_DSN"
	EnvClienteleDSN = "PHOTOBOOK_CLIENTELE_DSN"
	EnvKafkaBrokers = "PHOTOBOOK_KAFKA_BROKERS"
)

type Config struct {
	Logger      logger.Config      `yaml:"logger"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Storage     StorageConfig      `yaml:"storage"`
	UndoLog     UndoLogConfig      `yaml:"undo_log"`
	Events      events.Config      `yaml:"events"`
	HTTP        httpapi.Config     `yaml:"http"`
	GRPC        GRPCConfig         `yaml:"grpc"`
	Seed        storage.Seed       `yaml:"seed"`
}

// StorageConfig selects the partition backend. The bolt backend keeps one
// database file per partition under Dir.
type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Dir      string         `yaml:"dir"`
	Postgres pgstore.Config `yaml:"postgres"`
}

type UndoLogConfig struct {
	Dir string `yaml:"dir"`
}

// GRPCConfig controls the coordinator RPC listener. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration that runs everything locally on bolt files.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
			Service:    logger.DefaultService,
		},
		Telemetry: telemetry.Config{
			Enabled:          true,
			ServiceName:      "photobookd",
			TraceSampleRatio: 1.0,
		},
		Coordinator: coordinator.Config{DeadlockInterval: coordinator.DefaultDeadlockInterval},
		Storage: StorageConfig{
			Backend: BackendBolt,
			Dir:     filepath.Join(DefaultDataDir, "data"),
		},
		UndoLog: UndoLogConfig{Dir: filepath.Join(DefaultDataDir, "undo")},
		HTTP:    httpapi.Config{Addr: httpapi.DefaultAddr},
		GRPC:    GRPCConfig{Addr: DefaultGRPCAddr},
	}
}

// Load reads path over the defaults. An empty path yields the defaults plus
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML from b over the defaults without touching the environment.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(b), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvStudioDSN)); v != "" {
		c.Storage.Postgres.StudioDSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvClienteleDSN)); v != "" {
		c.Storage.Postgres.ClienteleDSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvKafkaBrokers)); v != "" {
		c.Events.Brokers = v
	}
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendBolt:
		if c.Storage.Dir == "" {
			return errors.New("config: storage.dir is required for the bolt backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.StudioDSN == "" || c.Storage.Postgres.ClienteleDSN == "" {
			return fmt.Errorf("config: postgres backend needs storage.postgres.studio_dsn and clientele_dsn (or %s / %s)", EnvStudioDSN, EnvClienteleDSN)
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q (want %s or %s)", c.Storage.Backend, BackendBolt, BackendPostgres)
	}
	if c.UndoLog.Dir == "" {
		return errors.New("config: undo_log.dir is required")
	}
	if c.Coordinator.DeadlockInterval < 0 {
		return errors.New("config: coordinator.deadlock_interval must not be negative")
	}
	if c.HTTP.RateLimit < 0 {
		return errors.New("config: http.rate_limit must not be negative")
	}
	return nil
}

// Open connects both partitions on the configured backend.
func (s StorageConfig) Open(ctx context.Context, logger *zap.Logger) (storage.Stores, error) {
	switch s.Backend {
	case BackendPostgres:
		return pgstore.Open(ctx, s.Postgres, logger)
	case BackendBolt, "":
		return boltstore.Open(s.Dir, logger)
	default:
		return storage.Stores{}, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}
