// Package config handles configuration loading and validation for swarmcast.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/swarmcast/swarmcast/internal/carrier"
	"github.com/swarmcast/swarmcast/internal/modem"
	"github.com/swarmcast/swarmcast/internal/scheduler"
	"github.com/swarmcast/swarmcast/internal/swarm"
)

// SchedulerConfig holds the scheduler loop settings.
type SchedulerConfig struct {
	HealthCheckInterval string  `yaml:"health_check_interval"` // Duration string, e.g. "100ms"
	DegradationRatio    float64 `yaml:"degradation_ratio"`     // Fraction of dispatch SNR treated as degraded
	SymbolRate          float64 `yaml:"symbol_rate"`           // OFDM symbols per second per carrier
}

// AllocatorConfig holds carrier allocation settings.
type AllocatorConfig struct {
	Strategy         string  `yaml:"strategy"`          // priority-weighted, quality-first or load-balanced
	QualityThreshold float64 `yaml:"quality_threshold"` // Minimum SNR in dB
	LoadFactor       float64 `yaml:"load_factor"`
	PilotInterval    int     `yaml:"pilot_interval"` // Every Nth carrier is a pilot, -1 disables
}

// PipelineConfig holds queue settings.
type PipelineConfig struct {
	MaxDepth     int  `yaml:"max_depth"`
	RejectCycles bool `yaml:"reject_cycles"`
}

// RarityConfig holds swarm rarity tracking settings.
type RarityConfig struct {
	ActiveWindow      string  `yaml:"active_window"`
	PruneAfter        string  `yaml:"prune_after"`
	RecomputeInterval string  `yaml:"recompute_interval"`
	MinReliability    float64 `yaml:"min_reliability"`
	EndgameThreshold  float64 `yaml:"endgame_threshold"`
}

// RedistributionConfig holds failure handling settings.
type RedistributionConfig struct {
	Timeout       string `yaml:"timeout"`
	MaxRetries    int    `yaml:"max_retries"`
	LoadBalancing *bool  `yaml:"load_balancing,omitempty"` // nil means enabled
	HistorySize   int    `yaml:"history_size"`
}

// IsLoadBalancing returns whether redistribution prefers lightly loaded carriers.
// Returns true if not explicitly set (default enabled).
func (c *RedistributionConfig) IsLoadBalancing() bool {
	return c.LoadBalancing == nil || *c.LoadBalancing
}

// SimulationConfig describes the simulated modem and swarm used by "run".
type SimulationConfig struct {
	Carriers       int     `yaml:"carriers"`
	Chunks         int     `yaml:"chunks"`
	ChunkSize      string  `yaml:"chunk_size"` // Byte size string, e.g. "16 KiB"
	Peers          int     `yaml:"peers"`
	PeerInterval   string  `yaml:"peer_interval"` // How often simulated peers announce their pieces
	Seed           int64   `yaml:"seed"`
	BaseSNR        float64 `yaml:"base_snr"`
	SNRSpread      float64 `yaml:"snr_spread"`
	SNRWalk        float64 `yaml:"snr_walk"`
	StepInterval   string  `yaml:"step_interval"` // How often carrier quality drifts
	FailurePercent float64 `yaml:"failure_percent"`
	DropoutPercent float64 `yaml:"dropout_percent"`
	ChurnPercent   float64 `yaml:"churn_percent"` // Chance per peer interval that one peer leaves the swarm
	Latency        string  `yaml:"latency"`
	Jitter         string  `yaml:"jitter"`
	Bandwidth      string  `yaml:"bandwidth"` // Bytes per second per carrier, e.g. "32 KiB", empty for unlimited
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"` // nil means enabled
	Listen   string `yaml:"listen"`
	Interval string `yaml:"interval"`
}

// IsEnabled returns whether the metrics endpoint should be served.
// Returns true if not explicitly set (default enabled).
func (c *MetricsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TracingConfig controls the runtime flight recorder served at /debug/trace.
type TracingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BufferSize string `yaml:"buffer_size"` // Byte size string, e.g. "10 MiB"
	MinAge     string `yaml:"min_age"`     // How much history to keep, e.g. "30s"
}

// Config is the complete swarmcast configuration.
type Config struct {
	Node           string               `yaml:"node"`
	LogLevel       string               `yaml:"log_level"` // trace, debug, info, warn, error
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Allocator      AllocatorConfig      `yaml:"allocator"`
	Pipeline       PipelineConfig       `yaml:"pipeline"`
	Rarity         RarityConfig         `yaml:"rarity"`
	Redistribution RedistributionConfig `yaml:"redistribution"`
	Simulation     SimulationConfig     `yaml:"simulation"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Node = host
		} else {
			c.Node = "swarmcast"
		}
	}

	if c.Scheduler.HealthCheckInterval == "" {
		c.Scheduler.HealthCheckInterval = "100ms"
	}
	if c.Scheduler.DegradationRatio == 0 {
		c.Scheduler.DegradationRatio = scheduler.DefaultDegradationRatio
	}
	if c.Scheduler.SymbolRate == 0 {
		c.Scheduler.SymbolRate = scheduler.DefaultSymbolRate
	}

	if c.Allocator.Strategy == "" {
		c.Allocator.Strategy = carrier.PriorityWeighted.String()
	}
	if c.Allocator.QualityThreshold == 0 {
		c.Allocator.QualityThreshold = carrier.DefaultQualityThreshold
	}
	if c.Allocator.LoadFactor == 0 {
		c.Allocator.LoadFactor = carrier.DefaultLoadFactor
	}
	if c.Allocator.PilotInterval == 0 {
		c.Allocator.PilotInterval = carrier.DefaultPilotInterval
	}

	if c.Pipeline.MaxDepth == 0 {
		c.Pipeline.MaxDepth = 64
	}

	if c.Rarity.ActiveWindow == "" {
		c.Rarity.ActiveWindow = "30s"
	}
	if c.Rarity.PruneAfter == "" {
		c.Rarity.PruneAfter = "60s"
	}
	if c.Rarity.RecomputeInterval == "" {
		c.Rarity.RecomputeInterval = "5s"
	}
	if c.Rarity.MinReliability == 0 {
		c.Rarity.MinReliability = swarm.DefaultMinReliability
	}
	if c.Rarity.EndgameThreshold == 0 {
		c.Rarity.EndgameThreshold = swarm.DefaultEndgameThreshold
	}

	if c.Redistribution.Timeout == "" {
		c.Redistribution.Timeout = "30s"
	}
	if c.Redistribution.MaxRetries == 0 {
		c.Redistribution.MaxRetries = 3
	}
	if c.Redistribution.HistorySize == 0 {
		c.Redistribution.HistorySize = 1000
	}

	if c.Simulation.Carriers == 0 {
		c.Simulation.Carriers = modem.DefaultCarriers
	}
	if c.Simulation.Chunks == 0 {
		c.Simulation.Chunks = 256
	}
	if c.Simulation.ChunkSize == "" {
		c.Simulation.ChunkSize = "16 KiB"
	}
	if c.Simulation.Peers == 0 {
		c.Simulation.Peers = 8
	}
	if c.Simulation.PeerInterval == "" {
		c.Simulation.PeerInterval = "1s"
	}
	if c.Simulation.Seed == 0 {
		c.Simulation.Seed = 1
	}
	if c.Simulation.BaseSNR == 0 {
		c.Simulation.BaseSNR = modem.DefaultBaseSNR
	}
	if c.Simulation.StepInterval == "" {
		c.Simulation.StepInterval = "500ms"
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9464"
	}
	if c.Metrics.Interval == "" {
		c.Metrics.Interval = "5s"
	}

	if c.Tracing.BufferSize == "" {
		c.Tracing.BufferSize = "10 MiB"
	}
	if c.Tracing.MinAge == "" {
		c.Tracing.MinAge = "30s"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level %q", c.LogLevel)
		}
	}

	durations := []struct {
		key   string
		value string
		empty bool // whether an empty value is allowed
	}{
		{"scheduler.health_check_interval", c.Scheduler.HealthCheckInterval, false},
		{"rarity.active_window", c.Rarity.ActiveWindow, false},
		{"rarity.prune_after", c.Rarity.PruneAfter, false},
		{"rarity.recompute_interval", c.Rarity.RecomputeInterval, false},
		{"redistribution.timeout", c.Redistribution.Timeout, false},
		{"simulation.peer_interval", c.Simulation.PeerInterval, false},
		{"simulation.step_interval", c.Simulation.StepInterval, false},
		{"simulation.latency", c.Simulation.Latency, true},
		{"simulation.jitter", c.Simulation.Jitter, true},
		{"metrics.interval", c.Metrics.Interval, false},
		{"tracing.min_age", c.Tracing.MinAge, false},
	}
	for _, d := range durations {
		if d.value == "" {
			if d.empty {
				continue
			}
			return fmt.Errorf("%s is required", d.key)
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v < 0 || (v == 0 && !d.empty) {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}

	if c.Scheduler.DegradationRatio <= 0 || c.Scheduler.DegradationRatio > 1 {
		return fmt.Errorf("scheduler.degradation_ratio must be in (0, 1]")
	}
	if c.Scheduler.SymbolRate <= 0 {
		return fmt.Errorf("scheduler.symbol_rate must be positive")
	}

	if _, err := carrier.ParseStrategy(c.Allocator.Strategy); err != nil {
		return fmt.Errorf("invalid allocator.strategy: %w", err)
	}
	if c.Allocator.LoadFactor <= 0 || c.Allocator.LoadFactor > 1 {
		return fmt.Errorf("allocator.load_factor must be in (0, 1]")
	}
	if c.Allocator.PilotInterval == 1 {
		return fmt.Errorf("allocator.pilot_interval of 1 leaves no data carriers")
	}

	if c.Pipeline.MaxDepth < 0 {
		return fmt.Errorf("pipeline.max_depth must not be negative")
	}

	if c.Rarity.MinReliability < 0 || c.Rarity.MinReliability > 1 {
		return fmt.Errorf("rarity.min_reliability must be between 0 and 1")
	}
	if c.Rarity.EndgameThreshold <= 0 || c.Rarity.EndgameThreshold > 1 {
		return fmt.Errorf("rarity.endgame_threshold must be in (0, 1]")
	}

	if c.Redistribution.MaxRetries < 0 {
		return fmt.Errorf("redistribution.max_retries must not be negative")
	}
	if c.Redistribution.HistorySize < 0 {
		return fmt.Errorf("redistribution.history_size must not be negative")
	}

	if c.Simulation.Carriers <= 0 {
		return fmt.Errorf("simulation.carriers must be positive")
	}
	if c.Simulation.Chunks <= 0 {
		return fmt.Errorf("simulation.chunks must be positive")
	}
	if _, err := c.ChunkSize(); err != nil {
		return err
	}
	if _, err := c.BandwidthBps(); err != nil {
		return err
	}
	if c.Simulation.Peers < 0 {
		return fmt.Errorf("simulation.peers must not be negative")
	}
	if c.Simulation.FailurePercent < 0 || c.Simulation.FailurePercent > 100 {
		return fmt.Errorf("simulation.failure_percent must be between 0 and 100")
	}
	if c.Simulation.DropoutPercent < 0 || c.Simulation.DropoutPercent > 100 {
		return fmt.Errorf("simulation.dropout_percent must be between 0 and 100")
	}

	if c.Simulation.ChurnPercent < 0 || c.Simulation.ChurnPercent > 100 {
		return fmt.Errorf("simulation.churn_percent must be between 0 and 100")
	}

	if c.Metrics.IsEnabled() && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	if _, err := c.TraceBufferSize(); err != nil {
		return err
	}
	return nil
}

// ChunkSize returns simulation.chunk_size in bytes.
func (c *Config) ChunkSize() (int, error) {
	n, err := humanize.ParseBytes(c.Simulation.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid simulation.chunk_size: %w", err)
	}
	if n == 0 || n > 64<<20 {
		return 0, fmt.Errorf("simulation.chunk_size must be between 1 B and 64 MiB")
	}
	return int(n), nil
}

// BandwidthBps returns the per-carrier bandwidth in bytes per second, 0 when
// unlimited.
func (c *Config) BandwidthBps() (int, error) {
	if strings.TrimSpace(c.Simulation.Bandwidth) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Simulation.Bandwidth)
	if err != nil {
		return 0, fmt.Errorf("invalid simulation.bandwidth: %w", err)
	}
	return int(n), nil
}

// TraceBufferSize returns tracing.buffer_size in bytes.
func (c *Config) TraceBufferSize() (int, error) {
	n, err := humanize.ParseBytes(c.Tracing.BufferSize)
	if err != nil {
		return 0, fmt.Errorf("invalid tracing.buffer_size: %w", err)
	}
	if n < 64<<10 || n > 1<<30 {
		return 0, fmt.Errorf("tracing.buffer_size must be between 64 KiB and 1 GiB")
	}
	return int(n), nil
}

// TraceMinAge returns how much trace history to keep.
func (c *Config) TraceMinAge() time.Duration {
	return duration(c.Tracing.MinAge)
}

// SchedulerConfig builds the scheduler configuration. Validate must have
// succeeded first.
func (c *Config) SchedulerConfig(logger zerolog.Logger) (scheduler.Config, error) {
	strategy, err := carrier.ParseStrategy(c.Allocator.Strategy)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("invalid allocator.strategy: %w", err)
	}
	return scheduler.Config{
		Strategy:            strategy,
		QualityThreshold:    c.Allocator.QualityThreshold,
		LoadFactor:          c.Allocator.LoadFactor,
		PilotInterval:       c.Allocator.PilotInterval,
		MaxDepth:            c.Pipeline.MaxDepth,
		RejectCycles:        c.Pipeline.RejectCycles,
		Timeout:             duration(c.Redistribution.Timeout),
		MaxRetries:          c.Redistribution.MaxRetries,
		LoadBalancing:       c.Redistribution.IsLoadBalancing(),
		HistorySize:         c.Redistribution.HistorySize,
		HealthCheckInterval: duration(c.Scheduler.HealthCheckInterval),
		DegradationRatio:    c.Scheduler.DegradationRatio,
		SymbolRate:          c.Scheduler.SymbolRate,
		Logger:              logger,
	}, nil
}

// TrackerConfig builds the rarity tracker configuration for the simulated
// content.
func (c *Config) TrackerConfig(logger zerolog.Logger) swarm.TrackerConfig {
	return swarm.TrackerConfig{
		TotalPieces:       c.Simulation.Chunks,
		ActiveWindow:      duration(c.Rarity.ActiveWindow),
		PruneAfter:        duration(c.Rarity.PruneAfter),
		RecomputeInterval: duration(c.Rarity.RecomputeInterval),
		MinReliability:    c.Rarity.MinReliability,
		EndgameThreshold:  c.Rarity.EndgameThreshold,
		Logger:            logger,
	}
}

// ModemConfig builds the simulated modem configuration.
func (c *Config) ModemConfig(logger zerolog.Logger) modem.Config {
	bandwidth, _ := c.BandwidthBps()
	return modem.Config{
		Carriers:       c.Simulation.Carriers,
		BaseSNR:        c.Simulation.BaseSNR,
		SNRSpread:      c.Simulation.SNRSpread,
		SNRWalk:        c.Simulation.SNRWalk,
		FailurePercent: c.Simulation.FailurePercent,
		DropoutPercent: c.Simulation.DropoutPercent,
		Latency:        duration(c.Simulation.Latency),
		Jitter:         duration(c.Simulation.Jitter),
		BandwidthBps:   bandwidth,
		Seed:           c.Simulation.Seed,
		Logger:         logger,
	}
}

// MetricsInterval returns how often metrics are collected.
func (c *Config) MetricsInterval() time.Duration {
	return duration(c.Metrics.Interval)
}

// PeerInterval returns how often simulated peers announce their pieces.
func (c *Config) PeerInterval() time.Duration {
	return duration(c.Simulation.PeerInterval)
}

// StepInterval returns how often simulated carrier quality drifts.
func (c *Config) StepInterval() time.Duration {
	return duration(c.Simulation.StepInterval)
}

func duration(s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}

// ApplyLogLevel sets the global zerolog level when level is a valid level
// name. It reports whether the level was applied.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}
