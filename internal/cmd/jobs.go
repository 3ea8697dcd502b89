package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcrbatch/internal/observability"
	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/match"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and stop jobs in a queue",
	Long: `List and terminate jobs in an AWS Batch job queue.

Examples:
  pcrbatch jobs list --queue pcr
  pcrbatch jobs list --queue pcr --status FAILED --json
  pcrbatch jobs stop --queue pcr --name 'nightly_*'
  pcrbatch jobs stop 1c9e3d2a-...`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in a queue",
	RunE:  runJobsList,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop [job_id...]",
	Short: "Terminate jobs by id, or every unfinished job in a queue",
	RunE:  runJobsStop,
}

// activeStatuses are listed when no --status is given.
var activeStatuses = []execution.Status{
	execution.StatusSubmitted,
	execution.StatusPending,
	execution.StatusRunnable,
	execution.StatusStarting,
	execution.StatusRunning,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStopCmd)

	for _, c := range []*cobra.Command{jobsListCmd, jobsStopCmd} {
		addAWSFlags(c)
		c.Flags().String("queue", "", "Job queue name or ARN (default from config)")
		addNameFlags(c, "jobs")
	}
	jobsListCmd.Flags().String("status", "", "Only jobs in this status (default: all unfinished)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().String("reason", "Terminated by pcrbatch", "Reason recorded on each job")
	jobsStopCmd.Flags().Bool("dry-run", false, "Show which jobs would be terminated")
}

func jobsQueue(cmd *cobra.Command) (string, error) {
	queue, _ := cmd.Flags().GetString("queue")
	queue = strings.TrimSpace(queue)
	if queue == "" {
		if cfg, err := loadedConfig(); err == nil {
			queue = cfg.Batch.Queue
		}
	}
	if queue == "" {
		return "", errors.New("--queue is required (or set batch.queue in config)")
	}
	return queue, nil
}

// listQueueJobs lists jobs in queue across statuses, filtered by name.
func listQueueJobs(cmd *cobra.Command, gw execution.Gateway, queue string, statuses []execution.Status, names *match.Matcher) ([]execution.JobSummary, error) {
	lister, ok := gw.(execution.JobLister)
	if !ok {
		return nil, errors.New("execution service cannot list jobs")
	}

	var jobs []execution.JobSummary
	for _, status := range statuses {
		page, err := lister.ListJobs(cmd.Context(), execution.ListJobsOptions{Queue: queue, Status: status})
		if err != nil {
			return nil, err
		}
		for _, j := range page {
			if names.Match(j.JobName) {
				jobs = append(jobs, j)
			}
		}
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	statusFlag, _ := cmd.Flags().GetString("status")

	names, err := nameMatcher(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid name pattern", err)
	}

	queue, err := jobsQueue(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "No job queue", err)
	}

	statuses := activeStatuses
	if strings.TrimSpace(statusFlag) != "" {
		status, err := execution.ParseStatus(strings.ToUpper(strings.TrimSpace(statusFlag)))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
		}
		statuses = []execution.Status{status}
	}

	gw, err := connectGateway(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to execution service", err)
	}

	jobs, err := listQueueJobs(cmd, gw, queue, statuses, names)
	if err != nil {
		observability.CLILogger.Error("Failed to list jobs", zap.String("queue", queue), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
	}

	if jsonOutput {
		if jobs == nil {
			jobs = []execution.JobSummary{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tSTATUS\tCREATED")
	for _, j := range jobs {
		created := "-"
		if !j.CreatedAt.IsZero() {
			created = j.CreatedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.JobID, j.JobName, j.Status, created)
	}
	return nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	filtered := cmd.Flags().Changed("queue") || cmd.Flags().Changed("name") || cmd.Flags().Changed("exclude")

	if len(args) > 0 && filtered {
		return exitError(foundry.ExitInvalidArgument, "Conflicting arguments",
			errors.New("pass job ids or --queue/--name/--exclude, not both"))
	}

	names, err := nameMatcher(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid name pattern", err)
	}

	gw, err := connectGateway(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to execution service", err)
	}

	ids := make([]string, 0, len(args))
	for _, a := range args {
		if id := strings.TrimSpace(a); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		queue, err := jobsQueue(cmd)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "No jobs to stop", err)
		}
		jobs, err := listQueueJobs(cmd, gw, queue, activeStatuses, names)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
		}
		for _, j := range jobs {
			ids = append(ids, j.JobID)
		}
	}

	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs to stop")
		return nil
	}

	var failed []error
	stopped := 0
	for _, id := range ids {
		if dryRun {
			_, _ = fmt.Fprintf(out, "would_terminate=%s\n", id)
			continue
		}
		if err := gw.Terminate(cmd.Context(), id, reason); err != nil {
			observability.CLILogger.Warn("Failed to terminate job", zap.String("job_id", id), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s: %w", id, err))
			continue
		}
		stopped++
		_, _ = fmt.Fprintf(out, "terminated=%s\n", id)
	}

	if dryRun {
		_, _ = fmt.Fprintf(out, "jobs=%d\n", len(ids))
		return nil
	}
	observability.CLILogger.Info("Stopped jobs", zap.Int("terminated", stopped), zap.Int("failed", len(failed)))
	if len(failed) > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Some jobs could not be terminated", errors.Join(failed...))
	}
	return nil
}
