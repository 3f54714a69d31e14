// swarmcast schedules swarm content chunks onto OFDM subcarriers.
package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/swarmcast/swarmcast/internal/config"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Tracing flag
	enableTracing bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "swarmcast",
		Short: "swarmcast - rarest-first chunk scheduling over OFDM carriers",
		Long: `swarmcast assigns pieces of swarm content to OFDM subcarriers, sending the
rarest pieces on the best carriers and redistributing work when carriers fail,
degrade or time out.

Examples:
  # Run a simulation with defaults
  swarmcast run

  # Run with a config file and verbose logging
  swarmcast run -c swarmcast.yaml -l debug

  # Check a config file
  swarmcast validate -c swarmcast.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler against a simulated modem and swarm",
		RunE:  runSimulation,
	}
	runCmd.Flags().BoolVar(&enableTracing, "enable-tracing", false, "record a runtime trace served at /debug/trace")
	rootCmd.AddCommand(runCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE:  runValidate,
	}
	rootCmd.AddCommand(validateCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("swarmcast %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads --config when given, otherwise starts from defaults.
// The config's log_level applies unless --log-level was set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if cfgFile != "" {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") && config.ApplyLogLevel(cfg.LogLevel) {
		log.Info().Str("level", cfg.LogLevel).Msg("Log level configured")
	}
	return cfg, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	chunkSize, _ := cfg.ChunkSize()
	total := uint64(chunkSize) * uint64(cfg.Simulation.Chunks)

	source := cfgFile
	if source == "" {
		source = "defaults"
	}
	fmt.Printf("Config OK (%s)\n", source)
	fmt.Printf("  Node:       %s\n", cfg.Node)
	fmt.Printf("  Strategy:   %s\n", cfg.Allocator.Strategy)
	fmt.Printf("  Carriers:   %d (pilot every %d)\n", cfg.Simulation.Carriers, cfg.Allocator.PilotInterval)
	fmt.Printf("  Content:    %d chunks x %s = %s\n", cfg.Simulation.Chunks, humanize.IBytes(uint64(chunkSize)), humanize.IBytes(total))
	if bps, _ := cfg.BandwidthBps(); bps > 0 {
		fmt.Printf("  Bandwidth:  %s/s per carrier\n", humanize.IBytes(uint64(bps)))
	} else {
		fmt.Printf("  Bandwidth:  unlimited\n")
	}
	if cfg.Metrics.IsEnabled() {
		fmt.Printf("  Metrics:    %s\n", cfg.Metrics.Listen)
	}
	return nil
}
