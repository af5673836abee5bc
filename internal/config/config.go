// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package config loads runtime settings from the environment.
package config

import (
	"time"

	"github.com/nxgtw/actor-ipc/channel"
	"github.com/nxgtw/actor-ipc/internal/logging"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Prefix is prepended to all variable names.
const Prefix = "IPC"

// Config holds all runtime settings.
// Nested settings are embedded, so that variable names stay flat: IPC_SHMEM_THRESHOLD.
type Config struct {
	CodecConfig
	ChannelConfig
	LogConfig
	// Debug enables page protection of sent segments and panics on lifecycle misuse.
	Debug       bool   `envconfig:"DEBUG" default:"false"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:""`
}

// CodecConfig holds buffer encoding thresholds.
type CodecConfig struct {
	SpillThreshold    int `envconfig:"SHMEM_THRESHOLD" default:"65536"`
	SelectorThreshold int `envconfig:"SELECTOR_THRESHOLD" default:"65536"`
}

// ChannelConfig holds channel settings.
type ChannelConfig struct {
	ReplyTimeout  time.Duration `envconfig:"REPLY_TIMEOUT" default:"0s"`
	InterruptRace string        `envconfig:"INTERRUPT_RACE" default:"child"`
	BuildID       string        `envconfig:"BUILD_ID" default:"dev"`
	IOWorkers     int           `envconfig:"IO_WORKERS" default:"64"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		CodecConfig: CodecConfig{
			SpillThreshold:    wire.DefaultThreshold,
			SelectorThreshold: wire.DefaultThreshold,
		},
		ChannelConfig: ChannelConfig{
			InterruptRace: "child",
			BuildID:       "dev",
			IOWorkers:     channel.DefaultIOWorkers,
		},
		LogConfig: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks values, which envconfig cannot check.
func (c *Config) Validate() error {
	if err := c.Codec().Validate(); err != nil {
		return err
	}
	if _, err := channel.ParseRacePolicy(c.InterruptRace); err != nil {
		return err
	}
	if c.ReplyTimeout < 0 {
		return errors.Errorf("negative reply timeout %v", c.ReplyTimeout)
	}
	if c.IOWorkers < 2 {
		return errors.Errorf("at least 2 io workers are needed, got %d", c.IOWorkers)
	}
	return nil
}

// Codec returns the buffer codec.
func (c *Config) Codec() wire.Codec {
	return wire.Codec{
		SelectorThreshold: c.SelectorThreshold,
		SpillThreshold:    c.SpillThreshold,
	}
}

// ChannelOptions returns channel options. An invalid race policy falls back to RaceChildWins.
func (c *Config) ChannelOptions(id string, log *zap.Logger, obs channel.Observer) channel.Options {
	policy, _ := channel.ParseRacePolicy(c.InterruptRace)
	return channel.Options{
		ID:           id,
		ReplyTimeout: c.ReplyTimeout,
		RacePolicy:   policy,
		BuildID:      c.BuildID,
		Logger:       log,
		Observer:     obs,
	}
}

// Logger builds the logger.
func (c *Config) Logger() (*logging.Logger, error) {
	cfg := logging.DefaultConfig()
	if c.Development {
		cfg = logging.DevelopmentConfig()
	}
	if c.Level != "" {
		cfg.Level = c.Level
	}
	return logging.New(cfg)
}
