package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcrbatch/internal/config"
	"github.com/3leaps/pcrbatch/internal/observability"
	"github.com/3leaps/pcrbatch/internal/server"
	"github.com/3leaps/pcrbatch/internal/server/handlers"
	"github.com/3leaps/pcrbatch/pkg/batch"
	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/execution/memory"
	"github.com/3leaps/pcrbatch/pkg/jobregistry"
	"github.com/3leaps/pcrbatch/pkg/manifest"
	"github.com/3leaps/pcrbatch/pkg/output"
	"github.com/3leaps/pcrbatch/pkg/poller"
	"github.com/3leaps/pcrbatch/pkg/preflight"
	"github.com/3leaps/pcrbatch/pkg/provider/file"
	s3provider "github.com/3leaps/pcrbatch/pkg/provider/s3"
	"github.com/3leaps/pcrbatch/pkg/workerenv"
)

var runCmd = &cobra.Command{
	Use:   "run [manifest]",
	Short: "Run a batch from a manifest",
	Long: `Submit every job in a batch manifest, wait until all of them finish and
collect their outputs.

Records are written as JSONL to the manifest's output destination: one
pcrbatch.job.v1 record per submitted job, status and progress records while
waiting, one pcrbatch.output.v1 record per job and a final pcrbatch.summary.v1.

Example:
  pcrbatch run batch.yaml
  pcrbatch run --job batch.yaml --output file:records.jsonl
  pcrbatch run batch.yaml --serve --port 9000
  pcrbatch run batch.yaml --detach
  pcrbatch run batch.yaml --preflight write-probe
  pcrbatch run batch.yaml --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBatch,
}

var (
	runJobPath           string
	runOutput            string
	runQuiet             bool
	runDryRun            bool
	runDetach            bool
	runServe             bool
	runPort              int
	runTerminateOnCancel bool
	runPreflight         string
)

// terminateTimeout bounds the terminate requests sent after a cancelled wait.
const terminateTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to batch manifest")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Override output destination (stdout or file:<path>)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress records")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show plan without submitting")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "Run in a background process and return immediately")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Serve health, batch status and metrics while waiting")
	runCmd.Flags().IntVar(&runPort, "port", 0, "Status server port (default from config)")
	runCmd.Flags().BoolVar(&runTerminateOnCancel, "terminate-on-cancel", false, "Terminate unfinished jobs when the wait is interrupted")
	runCmd.Flags().StringVar(&runPreflight, "preflight", string(preflight.ModeReadSafe), "Bucket checks before submitting: plan-only, read-safe or write-probe")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	manifestPath, err := resolveManifestPath(args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "No manifest given", err)
	}

	cfg, err := loadedConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	m, err := manifest.Load(manifestPath, manifest.WithFallback(manifest.Fallback{AWS: cfg.AWS, Batch: cfg.Batch}))
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", manifestPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", manifestPath),
		zap.String("provider", m.Connection.Provider),
		zap.String("batch", m.Batch.Name),
		zap.Int("jobs", len(m.Jobs)))

	if runOutput != "" {
		m.Output.Destination = runOutput
	}
	if runQuiet {
		enabled := false
		m.Output.Progress = &enabled
	}

	mode, err := preflight.ParseMode(runPreflight)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --preflight", err)
	}

	if runDryRun {
		return showRunPlan(cmd.OutOrStdout(), m, mode)
	}
	if runDetach {
		return detachRun(cfg, manifestPath)
	}
	return executeRun(ctx, cfg, m, mode)
}

func resolveManifestPath(args []string) (string, error) {
	switch {
	case len(args) == 1 && runJobPath != "" && args[0] != runJobPath:
		return "", fmt.Errorf("manifest given both as argument and --job")
	case len(args) == 1:
		return args[0], nil
	case runJobPath != "":
		return runJobPath, nil
	default:
		return "", fmt.Errorf("pass a manifest path or --job")
	}
}

// showRunPlan displays what would be submitted without submitting.
func showRunPlan(out io.Writer, m *manifest.Manifest, mode preflight.Mode) error {
	settings, err := m.BatchSettings()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid batch settings", err)
	}
	settings = settings.WithDefaults()

	_, _ = fmt.Fprintln(out, "=== Batch Plan (dry-run) ===")
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "Provider:      %s\n", m.Connection.Provider)
	if m.Connection.Region != "" {
		_, _ = fmt.Fprintf(out, "Region:        %s\n", m.Connection.Region)
	}
	if m.Connection.Endpoint != "" {
		_, _ = fmt.Fprintf(out, "Endpoint:      %s\n", m.Connection.Endpoint)
	}
	if m.Connection.Provider == manifest.ProviderLocal {
		_, _ = fmt.Fprintf(out, "Worker:        %s\n", m.Connection.Worker)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "Batch:         %s\n", settings.Name)
	_, _ = fmt.Fprintf(out, "Queue:         %s\n", settings.Queue)
	_, _ = fmt.Fprintf(out, "Image:         %s\n", settings.Image)
	_, _ = fmt.Fprintf(out, "Bucket:        %s\n", settings.Bucket)
	_, _ = fmt.Fprintf(out, "Resources:     %d MiB, %d vCPU, %d GPU\n", settings.MemoryMB, settings.VCPUs, settings.GPUs)
	_, _ = fmt.Fprintf(out, "Timeout:       %s\n", settings.Timeout)
	_, _ = fmt.Fprintf(out, "Poll:          every %s, %d jobs per query, %s apart\n", settings.PollInterval, settings.GroupSize, settings.Throttle)
	if settings.WaitTimeout > 0 {
		_, _ = fmt.Fprintf(out, "Wait timeout:  %s\n", settings.WaitTimeout)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "Jobs (%d):\n", len(m.Jobs))
	for i, job := range m.Jobs {
		line := fmt.Sprintf("  %d. %s", i+1, job.Name)
		if len(job.DependsOn) > 0 {
			line += " (after " + strings.Join(job.DependsOn, ", ") + ")"
		}
		_, _ = fmt.Fprintln(out, line)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "Output:        %s\n", m.Output.Destination)
	_, _ = fmt.Fprintf(out, "Progress:      %v\n", m.Output.ProgressEnabled())
	_, _ = fmt.Fprintf(out, "Preflight:     %s\n", mode)
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Manifest validated successfully. Remove --dry-run to submit.")
	return nil
}

// detachRun re-executes `pcrbatch run` in a background process.
func detachRun(cfg *config.Config, manifestPath string) error {
	var extra []string
	if cfgFile != "" {
		extra = append(extra, "--config", cfgFile)
	}
	if runOutput != "" {
		extra = append(extra, "--output", runOutput)
	}
	if runQuiet {
		extra = append(extra, "--quiet")
	}
	if runServe {
		extra = append(extra, "--serve")
	}
	if runPort != 0 {
		extra = append(extra, "--port", strconv.Itoa(runPort))
	}
	if runTerminateOnCancel {
		extra = append(extra, "--terminate-on-cancel")
	}
	if runPreflight != string(preflight.ModeReadSafe) {
		extra = append(extra, "--preflight", runPreflight)
	}
	if logLevel != "" {
		extra = append(extra, "--log-level", logLevel)
	}

	launch, err := jobregistry.NewLauncher(cfg.RunsDir()).StartRunBackground(manifestPath, extra)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start background run", err)
	}

	observability.CLILogger.Info("Started background run",
		zap.String("run_id", launch.RunID),
		zap.Int("pid", launch.PID))
	_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", launch.RunID)
	_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", launch.PID)
	_, _ = fmt.Fprintf(os.Stdout, "stdout=%s\n", launch.StdoutPath)
	_, _ = fmt.Fprintf(os.Stdout, "stderr=%s\n", launch.StderrPath)
	return nil
}

// executeRun submits, waits and collects.
func executeRun(ctx context.Context, cfg *config.Config, m *manifest.Manifest, mode preflight.Mode) error {
	settings, err := m.BatchSettings()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid batch settings", err)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	writer, cleanup, err := createWriter(m)
	if err != nil {
		observability.CLILogger.Error("Failed to create writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	if err := checkBucket(ctx, cfg, m, settings, mode, writer); err != nil {
		observability.CLILogger.Error("Bucket preflight failed",
			zap.String("bucket", settings.Bucket),
			zap.Error(err))
		_ = writer.WriteError(ctx, &output.ErrorRecord{Code: output.ErrorCode(err), Message: err.Error()})
		return exitError(foundry.ExitExternalServiceUnavailable, "Bucket preflight failed", err)
	}

	records := output.NewObserver(writer, m.Output.ProgressEnabled())
	observers := poller.Observers{records}
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(settings.Name)
		observers = append(observers, metrics)
	}

	mgr, err := newManager(ctx, cfg, m, settings,
		batch.WithLogger(logger),
		batch.WithObserver(observers),
		batch.WithSnapshotStore(jobregistry.NewStore(cfg.SnapshotDir())),
	)
	if err != nil {
		observability.CLILogger.Error("Failed to create batch", zap.Error(err))
		if errors.Is(err, batch.ErrInvalidConfig) || errors.Is(err, batch.ErrInvalidIdentifier) {
			return exitError(foundry.ExitInvalidArgument, "Invalid batch configuration", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to create batch", err)
	}
	writer.SetBatchID(mgr.BatchID())
	start := time.Now()

	if runServe || cfg.Server.Enabled {
		srv, err := startStatusServer(cfg, mgr, metrics, logger)
		if err != nil {
			observability.CLILogger.Error("Failed to start status server", zap.Error(err))
			_ = mgr.Close(context.WithoutCancel(ctx))
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start status server", err)
		}
		defer func() { _ = srv.Shutdown(context.WithoutCancel(ctx)) }()
		observability.CLILogger.Info("Serving batch status", zap.String("addr", srv.Addr()))
	}

	observability.CLILogger.Info("Submitting batch",
		zap.String("batch_id", mgr.BatchID()),
		zap.String("provider", m.Connection.Provider),
		zap.Int("jobs", len(m.Jobs)))

	names, submitErr := submitJobs(ctx, mgr, m, writer)
	if submitErr != nil {
		observability.CLILogger.Error("Submission stopped", zap.Error(submitErr), zap.Int("submitted", len(names)))
		_ = writer.WriteError(ctx, &output.ErrorRecord{Code: output.ErrorCode(submitErr), Message: submitErr.Error()})
	}
	if metrics != nil {
		metrics.SetProgress(mgr.Progress())
	}

	waitErr := mgr.WaitUntilFinished(ctx)
	if waitErr != nil {
		return endInterruptedRun(ctx, mgr, writer, records, start, waitErr)
	}

	collectOutputs(ctx, mgr, names, writer)
	p := mgr.Progress()
	writeSummary(ctx, mgr, writer, records, jobregistry.BatchStateFinished, start)

	observability.CLILogger.Info("Batch finished",
		zap.String("batch_id", mgr.BatchID()),
		zap.Int("succeeded", p.Succeeded),
		zap.Int("failed", p.Failed),
		zap.Duration("duration", time.Since(start)))

	if err := records.Err(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write records", err)
	}
	if submitErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Batch submission failed", submitErr)
	}
	return nil
}

// endInterruptedRun handles a wait that ended before every job finished:
// a signal, the wait timeout, or a failed deregistration.
func endInterruptedRun(ctx context.Context, mgr *batch.Manager, writer output.Writer, records *output.Observer, start time.Time, waitErr error) error {
	cleanupCtx := context.WithoutCancel(ctx)

	if mgr.Progress().Done() {
		// Every job finished; only the deregistration failed.
		observability.CLILogger.Warn("Failed to deregister job definition", zap.Error(waitErr))
		_ = writer.WriteError(cleanupCtx, &output.ErrorRecord{Code: output.ErrorCode(waitErr), Message: waitErr.Error()})
		writeSummary(cleanupCtx, mgr, writer, records, jobregistry.BatchStateFinished, start)
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to deregister job definition", waitErr)
	}

	if runTerminateOnCancel {
		tctx, cancel := context.WithTimeout(cleanupCtx, terminateTimeout)
		n, err := mgr.TerminateUnfinished(tctx, "pcrbatch run cancelled")
		cancel()
		observability.CLILogger.Info("Terminated unfinished jobs", zap.Int("terminated", n))
		if err != nil {
			observability.CLILogger.Warn("Some jobs could not be terminated", zap.Error(err))
		}
	}

	writeSummary(cleanupCtx, mgr, writer, records, jobregistry.BatchStateCancelled, start)

	if ctx.Err() != nil {
		observability.CLILogger.Warn("Batch wait cancelled",
			zap.String("batch_id", mgr.BatchID()),
			zap.Int("unfinished", mgr.Progress().Total-mgr.Progress().Finished))
		return exitError(foundry.ExitSignalInt, "Batch wait cancelled", waitErr)
	}

	_ = writer.WriteError(cleanupCtx, &output.ErrorRecord{Code: output.ErrorCode(waitErr), Message: waitErr.Error()})
	observability.CLILogger.Error("Batch wait failed", zap.Error(waitErr))
	return exitError(foundry.ExitExternalServiceUnavailable, "Batch wait failed", waitErr)
}

// newManager builds a Manager for the manifest's provider.
func newManager(ctx context.Context, cfg *config.Config, m *manifest.Manifest, settings batch.Config, opts ...batch.Option) (*batch.Manager, error) {
	if m.Connection.Provider != manifest.ProviderLocal {
		return batch.NewAWS(ctx, settings, m.Connection.AWS(), opts...)
	}

	store, err := file.New(file.Config{BaseDir: localBaseDir(cfg, m)})
	if err != nil {
		return nil, err
	}

	gwOpts := []memory.Option{memory.WithImmediate()}
	if name := m.Connection.Worker; name != "" && name != manifest.DefaultLocalWorker {
		h, err := workerenv.Builtin(name)
		if err != nil {
			return nil, err
		}
		gwOpts = append(gwOpts, memory.WithWorker(workerenv.WorkerFunc(store, h)))
	}
	return batch.New(ctx, settings, memory.New(gwOpts...), store, opts...)
}

func localBaseDir(cfg *config.Config, m *manifest.Manifest) string {
	if m.Connection.BaseDir != "" {
		return m.Connection.BaseDir
	}
	return filepath.Join(cfg.DataDir, "local")
}

// checkBucket runs the bucket preflight and records its results.
func checkBucket(ctx context.Context, cfg *config.Config, m *manifest.Manifest, settings batch.Config, mode preflight.Mode, w output.Writer) error {
	if mode == preflight.ModePlanOnly {
		return nil
	}

	var (
		target preflight.Target
		err    error
	)
	if m.Connection.Provider == manifest.ProviderLocal {
		target, err = file.New(file.Config{BaseDir: localBaseDir(cfg, m)})
	} else {
		auth := m.Connection.AWS()
		target, err = s3provider.New(ctx, s3provider.Config{
			Bucket:         settings.Bucket,
			AWS:            auth,
			ForcePathStyle: auth.Endpoint != "",
		})
	}
	if err != nil {
		return err
	}
	defer func() { _ = target.Close() }()

	rec, err := preflight.Bucket(ctx, target, preflight.Spec{Mode: mode, Bucket: settings.Bucket})
	if werr := w.WritePreflight(ctx, rec); werr != nil {
		observability.CLILogger.Warn("Failed to write preflight record", zap.Error(werr))
	}
	return err
}

// submitJobs submits the manifest's jobs in order and returns job names by
// job id. It stops at the first failure; jobs already submitted keep running.
func submitJobs(ctx context.Context, mgr *batch.Manager, m *manifest.Manifest, w output.Writer) (map[string]string, error) {
	ids := make(map[string]string, len(m.Jobs))
	names := make(map[string]string, len(m.Jobs))

	for _, job := range m.Jobs {
		deps := make([]string, 0, len(job.DependsOn))
		for _, dep := range job.DependsOn {
			id, ok := ids[dep]
			if !ok {
				return names, fmt.Errorf("job %q: dependency %q was not submitted", job.Name, dep)
			}
			deps = append(deps, id)
		}

		name := job.Name
		opts := []batch.SubmitOption{
			batch.WithCompletionFunc(func() {
				observability.CLILogger.Debug("Job finished", zap.String("name", name))
			}),
		}
		if len(deps) > 0 {
			opts = append(opts, batch.WithDependencies(deps...))
		}

		id, err := mgr.SubmitJob(ctx, job.Input, opts...)
		if err != nil {
			return names, fmt.Errorf("submit job %q: %w", job.Name, err)
		}
		ids[name] = id
		names[id] = name

		dir, _ := mgr.GetJobDirectory(id)
		seq, _ := strconv.Atoi(path.Base(dir))
		if err := w.WriteJob(ctx, &output.JobRecord{
			Name:      name,
			JobID:     id,
			Seq:       seq,
			Directory: dir,
			DependsOn: deps,
		}); err != nil {
			observability.CLILogger.Warn("Failed to write job record", zap.Error(err))
		}
	}
	return names, nil
}

// collectOutputs writes one output record per job in submission order.
func collectOutputs(ctx context.Context, mgr *batch.Manager, names map[string]string, w output.Writer) {
	for _, rec := range mgr.Records() {
		out := &output.OutputRecord{
			Name:      names[rec.JobID],
			JobID:     rec.JobID,
			Directory: rec.Directory,
			Status:    rec.Status.String(),
		}

		body, err := mgr.GetOutput(ctx, rec.JobID)
		switch {
		case err == nil:
			if json.Valid(body) {
				out.Output = body
			} else {
				out.Output, _ = json.Marshal(string(body))
			}
		case errors.Is(err, batch.ErrOutputNotFound):
			if rec.Status == execution.StatusSucceeded {
				_ = w.WriteError(ctx, &output.ErrorRecord{
					Code:    output.ErrCodeOutputMissing,
					Message: "job succeeded without writing an output",
					JobID:   rec.JobID,
					Key:     rec.OutputKey,
				})
			}
		default:
			_ = w.WriteError(ctx, &output.ErrorRecord{
				Code:    output.ErrorCode(err),
				Message: err.Error(),
				JobID:   rec.JobID,
				Key:     rec.OutputKey,
			})
		}

		if err := w.WriteOutput(ctx, out); err != nil {
			observability.CLILogger.Warn("Failed to write output record", zap.Error(err))
		}
	}
}

func writeSummary(ctx context.Context, mgr *batch.Manager, w output.Writer, records *output.Observer, state jobregistry.BatchState, start time.Time) {
	p := mgr.Progress()
	def, _ := mgr.Definition()
	elapsed := time.Since(start)
	err := w.WriteSummary(ctx, &output.SummaryRecord{
		State:         string(state),
		Jobs:          p.Total,
		Succeeded:     p.Succeeded,
		Failed:        p.Failed,
		Unfinished:    p.Total - p.Finished,
		Definition:    def.Handle(),
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
		QueryFailures: records.QueryFailures(),
	})
	if err != nil {
		observability.CLILogger.Warn("Failed to write summary record", zap.Error(err))
	}
}

// startStatusServer serves health, batch status and metrics while waiting.
func startStatusServer(cfg *config.Config, mgr *batch.Manager, metrics *observability.Metrics, logger *zap.Logger) (*server.Server, error) {
	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("batch", handlers.HealthCheckerFunc(func(context.Context) error {
		if mgr.Snapshot().State == jobregistry.BatchStateCancelled {
			return errors.New("batch wait was cancelled")
		}
		return nil
	}))

	port := cfg.Server.Port
	if runPort != 0 {
		port = runPort
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithVersion(currentVersion()),
		server.WithBatch(mgr),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout),
	}
	if metrics != nil {
		opts = append(opts, server.WithMetrics(metrics.Handler()))
	}

	srv := server.New(cfg.Server.Host, port, opts...)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

// createWriter creates an output writer from manifest configuration.
// Returns the writer, a cleanup function, and any error.
func createWriter(m *manifest.Manifest) (*output.JSONLWriter, func(), error) {
	dest := m.Output.Destination
	provider := m.Connection.Provider

	if dest == "" || dest == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, "", provider)
		return w, func() { _ = w.Close() }, nil
	}

	p := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(p)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", p, err)
	}

	w := output.NewJSONLWriter(f, "", provider)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
