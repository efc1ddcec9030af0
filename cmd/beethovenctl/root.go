package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Composer-Team/beethoven-runtime/internal/config"
	"github.com/Composer-Team/beethoven-runtime/internal/logger"
	"github.com/Composer-Team/beethoven-runtime/pkg/fpga"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	jsonOut    bool
	configPath string
)

// num formats counts with thousands separators.
var num = message.NewPrinter(language.English)

var rootCmd = &cobra.Command{
	Use:   "beethovenctl",
	Short: "Drive the Beethoven discrete-device runtime",
	Long: `beethovenctl exercises the host runtime of a Beethoven accelerator:
the slab allocator over device memory, the transaction splitter and the
multi-tag DMA engine, against a simulated memory channel.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", "", "YAML config file (default: $BEETHOVEN_CONFIG)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging routes runtime logs to stderr at debug level in verbose mode.
func initLogging() error {
	if !verbose {
		return nil
	}
	return logger.Init(logger.Options{Enabled: true, Level: slog.LevelDebug})
}

// loadConfig resolves the effective configuration: --config wins over
// $BEETHOVEN_CONFIG; BEETHOVEN_* variables override either.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.LoadFromEnv()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

// openRuntime opens a runtime handle from the effective configuration.
func openRuntime() (*fpga.Handle, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !verbose && cfg.Log.Enabled {
		if err := logger.Init(cfg.Log.Options()); err != nil {
			return nil, fmt.Errorf("init logging: %w", err)
		}
	}
	printVerbose("Device: %s bytes at 0x%X, %d tags x %d in flight\n",
		num.Sprint(cfg.Device.Capacity), cfg.Device.BaseAddr, cfg.DMA.MaxTags, cfg.DMA.MaxInFlightPerTag)
	return fpga.Open(&fpga.Options{Config: &cfg})
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// parseSizes parses every argument with config.ParseSize.
func parseSizes(args []string) ([]uint64, error) {
	out := make([]uint64, len(args))
	for i, a := range args {
		n, err := config.ParseSize(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = n
	}
	return out, nil
}
