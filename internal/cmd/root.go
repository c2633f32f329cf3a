// Package cmd implements the goqueue command line interface.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goqueue/internal/config"
	"github.com/3leaps/goqueue/internal/observability"
	"github.com/3leaps/goqueue/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the build via ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "goqueue",
	Short: "Durable local job queue manager",
	Long: `goqueue manages a durable queue of jobs backed by a JSONL registry.

The serve command runs the queue service. The remaining commands operate
on the registry directly or talk to a running service over HTTP, and are
designed to be agent-friendly:

- stable caller-chosen job ids
- predictable on-disk registry location
- optional JSON output for machine parsing`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return observability.Init(flagLogLevel, flagLogFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "Log format: console or json")
}

// Execute runs the CLI and exits the process on failure.
func Execute() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)

	if err := rootCmd.Execute(); err != nil {
		defer observability.Sync()
		var ece *exitCodeError
		if errors.As(err, &ece) {
			observability.CLILogger.Error(ece.message, zap.Error(ece.err))
			os.Exit(ece.code)
		}
		observability.CLILogger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
	observability.Sync()
}

func loadConfig() (*config.Config, error) {
	return config.Load(flagConfig)
}

// exitCodeError carries an exit code from the foundry catalog through
// cobra's error return.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *exitCodeError) Unwrap() error { return e.err }

func exitError[C ~int](code C, message string, err error) error {
	return &exitCodeError{code: int(code), message: message, err: err}
}
