package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcrbatch/internal/observability"
	"github.com/3leaps/pcrbatch/pkg/provider"
	"github.com/3leaps/pcrbatch/pkg/provider/file"
	s3provider "github.com/3leaps/pcrbatch/pkg/provider/s3"
	"github.com/3leaps/pcrbatch/pkg/workerenv"
)

var workerBaseDir string

var workerCmd = &cobra.Command{
	Use:   "worker <handler>",
	Short: "Run one job inside a batch container",
	Long: `Run a built-in handler as a batch job's container command.

The job's locations come from the environment set by the batch manager:
S3_JOB_BUCKET, S3_JOB_CONFIG_KEY, S3_JOB_PREFIX, S3_OUTPUT_OJBECT_KEY and
BATCH_ID. The handler reads config.json and writes output.json.

Handlers:
  sum    {"x": 2, "y": 3} -> {"x+y": 5, "x*y": 6}
  echo   returns its input unchanged

Example container command:
  pcrbatch worker sum`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: workerenv.BuiltinNames(),
	RunE:      runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	addAWSFlags(workerCmd)
	workerCmd.Flags().StringVar(&workerBaseDir, "base-dir", "", "Read and write objects under this directory instead of S3")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	h, err := workerenv.Builtin(strings.TrimSpace(args[0]))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown handler", err)
	}

	env, err := workerenv.FromEnviron()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Incomplete worker environment", err)
	}

	var store provider.ObjectStore
	if workerBaseDir != "" {
		store, err = file.New(file.Config{BaseDir: workerBaseDir})
	} else {
		store, err = newWorkerS3(cmd, env.Bucket)
	}
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage", err)
	}

	observability.CLILogger.Info("Running job",
		zap.String("handler", args[0]),
		zap.String("batch_id", env.BatchID),
		zap.String("prefix", env.Prefix))

	if err := workerenv.Run(ctx, store, env, h); err != nil {
		observability.CLILogger.Error("Job failed", zap.Error(err))
		return exitError(1, "Job failed", err)
	}

	observability.CLILogger.Info("Job output written", zap.String("key", env.OutputKey))
	return nil
}

func newWorkerS3(cmd *cobra.Command, bucket string) (provider.ObjectStore, error) {
	auth, err := resolveAWS()
	if err != nil {
		return nil, fmt.Errorf("resolve AWS settings: %w", err)
	}
	return s3provider.New(cmd.Context(), s3provider.Config{
		Bucket:         bucket,
		AWS:            auth,
		ForcePathStyle: auth.Endpoint != "",
	})
}
