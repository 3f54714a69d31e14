package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmcast/swarmcast/internal/carrier"
	"github.com/swarmcast/swarmcast/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
node: "ground-station-1"
log_level: debug
scheduler:
  health_check_interval: "250ms"
  degradation_ratio: 0.6
allocator:
  strategy: quality-first
  quality_threshold: 12
  load_factor: 0.7
  pilot_interval: 8
pipeline:
  max_depth: 32
  reject_cycles: true
rarity:
  active_window: "20s"
  prune_after: "45s"
redistribution:
  timeout: "10s"
  max_retries: 5
  load_balancing: false
simulation:
  carriers: 64
  chunks: 100
  chunk_size: "4 KiB"
  failure_percent: 5
  latency: "20ms"
  bandwidth: "32 KiB"
metrics:
  listen: "127.0.0.1:9100"
`
	configPath := testutil.TempFile(t, dir, "swarmcast.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ground-station-1", cfg.Node)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "250ms", cfg.Scheduler.HealthCheckInterval)
	assert.Equal(t, 0.6, cfg.Scheduler.DegradationRatio)
	assert.Equal(t, "quality-first", cfg.Allocator.Strategy)
	assert.Equal(t, 12.0, cfg.Allocator.QualityThreshold)
	assert.Equal(t, 8, cfg.Allocator.PilotInterval)
	assert.Equal(t, 32, cfg.Pipeline.MaxDepth)
	assert.True(t, cfg.Pipeline.RejectCycles)
	assert.Equal(t, "20s", cfg.Rarity.ActiveWindow)
	assert.Equal(t, 5, cfg.Redistribution.MaxRetries)
	assert.False(t, cfg.Redistribution.IsLoadBalancing())
	assert.Equal(t, 64, cfg.Simulation.Carriers)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "swarmcast.yaml", "node: edge\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "edge", cfg.Node)
	assert.Equal(t, "100ms", cfg.Scheduler.HealthCheckInterval)
	assert.Equal(t, 0.5, cfg.Scheduler.DegradationRatio)
	assert.Equal(t, 1000.0, cfg.Scheduler.SymbolRate)
	assert.Equal(t, "priority-weighted", cfg.Allocator.Strategy)
	assert.Equal(t, 10.0, cfg.Allocator.QualityThreshold)
	assert.Equal(t, 0.8, cfg.Allocator.LoadFactor)
	assert.Equal(t, 6, cfg.Allocator.PilotInterval)
	assert.Equal(t, 64, cfg.Pipeline.MaxDepth)
	assert.False(t, cfg.Pipeline.RejectCycles)
	assert.Equal(t, "30s", cfg.Rarity.ActiveWindow)
	assert.Equal(t, "60s", cfg.Rarity.PruneAfter)
	assert.Equal(t, "5s", cfg.Rarity.RecomputeInterval)
	assert.Equal(t, 0.3, cfg.Rarity.MinReliability)
	assert.Equal(t, 0.9, cfg.Rarity.EndgameThreshold)
	assert.Equal(t, "30s", cfg.Redistribution.Timeout)
	assert.Equal(t, 3, cfg.Redistribution.MaxRetries)
	assert.True(t, cfg.Redistribution.IsLoadBalancing())
	assert.Equal(t, 1000, cfg.Redistribution.HistorySize)
	assert.Equal(t, 48, cfg.Simulation.Carriers)
	assert.Equal(t, "16 KiB", cfg.Simulation.ChunkSize)
	assert.True(t, cfg.Metrics.IsEnabled())
	assert.Equal(t, ":9464", cfg.Metrics.Listen)
	assert.Equal(t, 5*time.Second, cfg.MetricsInterval())
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.Node)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/swarmcast.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "swarmcast.yaml", "allocator: [invalid yaml\n")

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_MetricsEnabled(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{name: "default true", content: "node: a\n", want: true},
		{name: "explicit false", content: "metrics:\n  enabled: false\n", want: false},
		{name: "explicit true", content: "metrics:\n  enabled: true\n", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := testutil.TempFile(t, dir, "swarmcast.yaml", tt.content)
			cfg, err := Load(configPath)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Metrics.IsEnabled())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "unknown strategy", mutate: func(c *Config) { c.Allocator.Strategy = "fastest" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
		{name: "bad duration", mutate: func(c *Config) { c.Redistribution.Timeout = "soon" }, wantErr: true},
		{name: "zero duration", mutate: func(c *Config) { c.Scheduler.HealthCheckInterval = "0s" }, wantErr: true},
		{name: "empty latency allowed", mutate: func(c *Config) { c.Simulation.Latency = "" }},
		{name: "negative jitter", mutate: func(c *Config) { c.Simulation.Jitter = "-1ms" }, wantErr: true},
		{name: "degradation ratio above one", mutate: func(c *Config) { c.Scheduler.DegradationRatio = 1.5 }, wantErr: true},
		{name: "load factor above one", mutate: func(c *Config) { c.Allocator.LoadFactor = 2 }, wantErr: true},
		{name: "pilot interval one", mutate: func(c *Config) { c.Allocator.PilotInterval = 1 }, wantErr: true},
		{name: "pilots disabled", mutate: func(c *Config) { c.Allocator.PilotInterval = -1 }},
		{name: "min reliability out of range", mutate: func(c *Config) { c.Rarity.MinReliability = 1.2 }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Redistribution.MaxRetries = -1 }, wantErr: true},
		{name: "bad chunk size", mutate: func(c *Config) { c.Simulation.ChunkSize = "lots" }, wantErr: true},
		{name: "huge chunk size", mutate: func(c *Config) { c.Simulation.ChunkSize = "1 GiB" }, wantErr: true},
		{name: "bad bandwidth", mutate: func(c *Config) { c.Simulation.Bandwidth = "fast" }, wantErr: true},
		{name: "failure percent above 100", mutate: func(c *Config) { c.Simulation.FailurePercent = 101 }, wantErr: true},
		{name: "churn percent negative", mutate: func(c *Config) { c.Simulation.ChurnPercent = -1 }, wantErr: true},
		{name: "tiny trace buffer", mutate: func(c *Config) { c.Tracing.BufferSize = "1 KiB" }, wantErr: true},
		{name: "bad trace min age", mutate: func(c *Config) { c.Tracing.MinAge = "later" }, wantErr: true},
		{name: "metrics without listen", mutate: func(c *Config) { c.Metrics.Listen = "" }, wantErr: true},
		{
			name: "metrics disabled without listen",
			mutate: func(c *Config) {
				disabled := false
				c.Metrics.Enabled = &disabled
				c.Metrics.Listen = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ChunkSize(t *testing.T) {
	cfg := Default()

	size, err := cfg.ChunkSize()
	require.NoError(t, err)
	assert.Equal(t, 16*1024, size)

	cfg.Simulation.ChunkSize = "1500"
	size, err = cfg.ChunkSize()
	require.NoError(t, err)
	assert.Equal(t, 1500, size)

	cfg.Simulation.ChunkSize = "4 kB"
	size, err = cfg.ChunkSize()
	require.NoError(t, err)
	assert.Equal(t, 4000, size)
}

func TestConfig_BandwidthBps(t *testing.T) {
	cfg := Default()

	bps, err := cfg.BandwidthBps()
	require.NoError(t, err)
	assert.Equal(t, 0, bps, "empty bandwidth means unlimited")

	cfg.Simulation.Bandwidth = "32 KiB"
	bps, err = cfg.BandwidthBps()
	require.NoError(t, err)
	assert.Equal(t, 32*1024, bps)
}

func TestConfig_Tracing(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Tracing.Enabled)

	size, err := cfg.TraceBufferSize()
	require.NoError(t, err)
	assert.Equal(t, 10*1024*1024, size)
	assert.Equal(t, 30*time.Second, cfg.TraceMinAge())
}

func TestConfig_SchedulerConfig(t *testing.T) {
	cfg := Default()
	cfg.Allocator.Strategy = "load-balanced"
	cfg.Redistribution.Timeout = "12s"
	disabled := false
	cfg.Redistribution.LoadBalancing = &disabled

	sc, err := cfg.SchedulerConfig(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, carrier.LoadBalanced, sc.Strategy)
	assert.Equal(t, 10.0, sc.QualityThreshold)
	assert.Equal(t, 6, sc.PilotInterval)
	assert.Equal(t, 64, sc.MaxDepth)
	assert.Equal(t, 12*time.Second, sc.Timeout)
	assert.Equal(t, 3, sc.MaxRetries)
	assert.False(t, sc.LoadBalancing)
	assert.Equal(t, 100*time.Millisecond, sc.HealthCheckInterval)
	assert.Equal(t, 0.5, sc.DegradationRatio)

	cfg.Allocator.Strategy = "bogus"
	_, err = cfg.SchedulerConfig(zerolog.Nop())
	assert.ErrorIs(t, err, carrier.ErrUnknownStrategy)
}

func TestConfig_TrackerConfig(t *testing.T) {
	cfg := Default()
	cfg.Simulation.Chunks = 42

	tc := cfg.TrackerConfig(zerolog.Nop())
	assert.Equal(t, 42, tc.TotalPieces)
	assert.Equal(t, 30*time.Second, tc.ActiveWindow)
	assert.Equal(t, 60*time.Second, tc.PruneAfter)
	assert.Equal(t, 5*time.Second, tc.RecomputeInterval)
	assert.Equal(t, 0.3, tc.MinReliability)
	assert.Equal(t, 0.9, tc.EndgameThreshold)
}

func TestConfig_ModemConfig(t *testing.T) {
	cfg := Default()
	cfg.Simulation.Latency = "15ms"
	cfg.Simulation.Bandwidth = "8 KiB"
	cfg.Simulation.FailurePercent = 3

	mc := cfg.ModemConfig(zerolog.Nop())
	assert.Equal(t, 48, mc.Carriers)
	assert.Equal(t, 22.0, mc.BaseSNR)
	assert.Equal(t, 15*time.Millisecond, mc.Latency)
	assert.Equal(t, time.Duration(0), mc.Jitter)
	assert.Equal(t, 8*1024, mc.BandwidthBps)
	assert.Equal(t, 3.0, mc.FailurePercent)
	assert.Equal(t, int64(1), mc.Seed)
}

func TestApplyLogLevel(t *testing.T) {
	// Save original level to restore after test
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{name: "empty level", level: "", expectApplied: false},
		{name: "trace level", level: "trace", expectApplied: true, expectLevel: zerolog.TraceLevel},
		{name: "debug level", level: "debug", expectApplied: true, expectLevel: zerolog.DebugLevel},
		{name: "info level", level: "info", expectApplied: true, expectLevel: zerolog.InfoLevel},
		{name: "warn level", level: "warn", expectApplied: true, expectLevel: zerolog.WarnLevel},
		{name: "error level", level: "error", expectApplied: true, expectLevel: zerolog.ErrorLevel},
		{name: "invalid level", level: "invalid", expectApplied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)

			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			}
		})
	}
}
