package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// config is the daemon configuration file.
	config struct {
		Store     storeConfig   `yaml:"store"`
		Redis     redisConfig   `yaml:"redis"`
		Scheduler schedConfig   `yaml:"scheduler"`
		Sandbox   sandboxConfig `yaml:"sandbox"`
		HTTP      httpConfig    `yaml:"http"`
	}

	httpConfig struct {
		// HealthAddr enables the health check listener when set, e.g.
		// ":8081". Exposes /healthz and /livez.
		HealthAddr string `yaml:"health_addr"`
	}

	storeConfig struct {
		// Backend selects "inmem" or "mongo".
		Backend string      `yaml:"backend"`
		Mongo   mongoConfig `yaml:"mongo"`
	}

	mongoConfig struct {
		URI      string        `yaml:"uri"`
		Database string        `yaml:"database"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	redisConfig struct {
		// Addr enables the Pulse lifecycle sink when set.
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		// StreamMaxLen bounds entries per workflow stream.
		StreamMaxLen int `yaml:"stream_max_len"`
	}

	schedConfig struct {
		Tick           time.Duration `yaml:"tick"`
		ReconcileEvery time.Duration `yaml:"reconcile_every"`
		SessionRate    float64       `yaml:"session_rate"`
	}

	sandboxConfig struct {
		Command     string        `yaml:"command"`
		Args        []string      `yaml:"args"`
		EvalTimeout time.Duration `yaml:"eval_timeout"`
	}
)

// loadConfig reads and validates the YAML configuration. Environment
// variables override the secrets that should not live in the file.
func loadConfig(path string) (config, error) {
	var cfg config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("KEEP_MONGO_URI"); v != "" {
		cfg.Store.Mongo.URI = v
	}
	if v := os.Getenv("KEEP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.Store.Backend {
	case "inmem":
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return fmt.Errorf("store.mongo.uri is required for the mongo backend")
		}
		if c.Store.Mongo.Database == "" {
			return fmt.Errorf("store.mongo.database is required for the mongo backend")
		}
	default:
		return fmt.Errorf("store.backend must be \"inmem\" or \"mongo\", got %q", c.Store.Backend)
	}
	if c.Sandbox.Command == "" {
		return fmt.Errorf("sandbox.command is required")
	}
	return nil
}
