// Package cmd implements the pcrbatch command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcrbatch/internal/config"
	"github.com/3leaps/pcrbatch/internal/observability"
)

// AppIdentity names the binary and its environment namespace.
type AppIdentity struct {
	BinaryName string
	Vendor     string
	EnvPrefix  string
	ConfigName string
}

var (
	cfgFile  string
	verbose  bool
	logLevel string

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	appIdentity *AppIdentity
)

var rootCmd = &cobra.Command{
	Use:   "pcrbatch",
	Short: "Run batches of dependent jobs on AWS Batch",
	Long: `pcrbatch submits batches of jobs to AWS Batch, stages each job's input in S3,
waits for every job to finish and collects the outputs.

A batch is described by a manifest (YAML or JSON). The local provider runs the
same lifecycle in-process against a directory, which is useful for trying out
manifests without an AWS account.

Examples:
  pcrbatch run batch.yaml                 # Submit, wait, print JSONL records
  pcrbatch run batch.yaml --serve         # Also serve /health and /metrics
  pcrbatch jobs list --queue pcr          # List queued jobs
  pcrbatch batches list                   # Inspect persisted batches`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command and exits with a foundry exit code on error.
// ctx is cancelled on SIGINT/SIGTERM by the caller.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeOf(err))
	}
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity resolved during initialization, or nil.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <user config dir>/pcrbatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level for batch logs (debug, info, warn, error)")
}

func initConfig() error {
	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		Vendor:     "3leaps",
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.AppName,
	}
	observability.InitCLILogger(appIdentity.BinaryName, verbose)

	overrides := map[string]any{}
	if strings.TrimSpace(logLevel) != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}

	cfg, err := config.LoadFile(rootContext(), cfgFile, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("data_dir", cfg.DataDir),
		zap.String("log_level", cfg.Logging.Level))
	return nil
}

func rootContext() context.Context {
	if ctx := rootCmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// loadedConfig returns the configuration resolved by initConfig.
func loadedConfig() (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	return config.LoadFile(rootContext(), cfgFile)
}
