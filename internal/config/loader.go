package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expanding ${VAR} environment variables.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg EngineConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*EngineConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a configuration from environment variables alone, for
// deployments without a config file.
func FromEnv() *EngineConfig {
	cfg := &EngineConfig{}
	cfg.Server.Port = os.Getenv("PORT")
	cfg.Server.SchedulerSecret = os.Getenv("SCHEDULER_SECRET")
	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Redis.URL = os.Getenv("REDIS_URL")
	cfg.applyDefaults()
	return cfg
}
