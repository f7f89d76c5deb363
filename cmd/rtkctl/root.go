package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/rtkern/internal/logger"
	"github.com/joshuapare/rtkern/kernel"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	jsonOut    bool
	configPath string
	logDir     string
	traceSpans bool
)

var rootCmd = &cobra.Command{
	Use:   "rtkctl",
	Short: "Drive a simulated rtkern kernel instance",
	Long: `rtkctl builds an in-process rtkern kernel (heaps, task manager and
deferred-work dispatchers) from a YAML configuration and runs scenarios and
stress workloads against it, reporting heap state afterwards.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and logging to stderr")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Kernel configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write dated log files to this directory")
	rootCmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "Export tracing spans to stderr")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and initialises logging before any command runs.
func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	return logger.Init(logger.Options{
		Enabled: verbose || logDir != "",
		LogDir:  logDir,
		JSON:    cfg.Log.JSON,
		Level:   level,
	})
}

func loadConfig() (*kernel.Config, error) {
	if configPath == "" {
		return kernel.DefaultConfig(), nil
	}
	return kernel.LoadConfig(configPath)
}

// newKernel builds a kernel from cfg with the CLI's logger and tracing settings.
func newKernel(cfg *kernel.Config) (*kernel.Kernel, error) {
	opts := []kernel.Option{kernel.WithLogger(logger.L)}
	if traceSpans {
		cfg.Tracing.Enabled = true
		opts = append(opts, kernel.WithTraceWriter(os.Stderr))
	}
	return kernel.New(cfg, opts...)
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(w io.Writer, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(w io.Writer, format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
