package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/pcrbatch/pkg/jobregistry"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect batches started on this machine",
	Long: `Inspect batch snapshots persisted by 'pcrbatch run'.

Every run writes <data_dir>/batches/<batch_id>/batch.json after each
submission and at the end of each wait. A batch whose waiting process is gone
is reported as 'unknown'.

Batch ids may be abbreviated to any unique prefix.`,
}

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches",
	RunE:  runBatchesList,
}

var batchesShowCmd = &cobra.Command{
	Use:   "show <batch_id>",
	Short: "Show a batch and its jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesShow,
}

var batchesStopCmd = &cobra.Command{
	Use:   "stop <batch_id>",
	Short: "Interrupt the process waiting on a batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesStop,
}

func init() {
	rootCmd.AddCommand(batchesCmd)
	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesShowCmd)
	batchesCmd.AddCommand(batchesStopCmd)

	batchesListCmd.Flags().Bool("json", false, "Output as JSON")
	batchesShowCmd.Flags().Bool("json", false, "Output as JSON")
	batchesStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
}

func batchStore() (*jobregistry.Store, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, err
	}
	return jobregistry.NewStore(cfg.SnapshotDir()), nil
}

func runBatchesList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := batchStore()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	snaps, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list batches", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if snaps == nil {
			snaps = []jobregistry.Snapshot{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}
	if len(snaps) == 0 {
		_, _ = fmt.Fprintln(out, "No batches found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "BATCH ID\tSTATE\tJOBS\tFINISHED\tFAILED\tQUEUE\tCREATED")
	for _, s := range snaps {
		p := s.Progress()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			shortBatchID(s.BatchID),
			s.State,
			p.Total,
			p.Finished,
			p.Failed,
			s.Queue,
			s.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return nil
}

func runBatchesShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := batchStore()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	batchID, err := resolveBatchID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Batch not found", err)
	}
	snap, err := store.Get(batchID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read batch", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printSnapshot(out, snap)
	return nil
}

func printSnapshot(out io.Writer, snap *jobregistry.Snapshot) {
	p := snap.Progress()
	_, _ = fmt.Fprintf(out, "batch_id=%s\n", snap.BatchID)
	_, _ = fmt.Fprintf(out, "name=%s\n", snap.Name)
	_, _ = fmt.Fprintf(out, "state=%s\n", snap.State)
	_, _ = fmt.Fprintf(out, "queue=%s\n", snap.Queue)
	_, _ = fmt.Fprintf(out, "bucket=%s\n", snap.Bucket)
	if !snap.Definition.IsZero() {
		_, _ = fmt.Fprintf(out, "definition=%s\n", snap.Definition.Handle())
		_, _ = fmt.Fprintf(out, "definition_active=%t\n", snap.DefinitionActive)
	}
	if snap.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", snap.PID)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", snap.CreatedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "updated_at=%s\n", snap.UpdatedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "progress=%d/%d succeeded=%d failed=%d\n", p.Finished, p.Total, p.Succeeded, p.Failed)

	if len(snap.Jobs) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tJOB ID\tSTATUS\tDIRECTORY\tDEPENDS ON")
	for _, j := range snap.Jobs {
		deps := "-"
		if len(j.DependsOn) > 0 {
			deps = strings.Join(j.DependsOn, ",")
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", j.Seq, j.JobID, j.Status, j.Directory, deps)
	}
	_ = w.Flush()
}

func runBatchesStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}
	if sigStr != "term" && sigStr != "kill" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --signal", fmt.Errorf("unsupported signal %q", sigStr))
	}

	store, err := batchStore()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	batchID, err := resolveBatchID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Batch not found", err)
	}
	snap, err := store.Get(batchID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read batch", err)
	}
	if snap.PID <= 0 {
		return fmt.Errorf("batch has no pid recorded")
	}
	if snap.State != jobregistry.BatchStateRunning {
		return fmt.Errorf("batch is not running (state=%s)", snap.State)
	}

	proc, err := os.FindProcess(snap.PID)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	sig := syscall.SIGTERM
	if sigStr == "kill" {
		sig = syscall.SIGKILL
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	out := cmd.OutOrStdout()

	// A terminated run records its own cancelled state; wait for it, then
	// fall back to SIGKILL.
	if sig == syscall.SIGTERM {
		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			if !isProcessAlive(snap.PID) {
				_, _ = fmt.Fprintf(out, "sent=term\n")
				return nil
			}
			time.Sleep(250 * time.Millisecond)
		}
		_ = proc.Signal(syscall.SIGKILL)
		markCancelled(store, snap)
		_, _ = fmt.Fprintf(out, "sent=term;forced=kill\n")
		return nil
	}

	markCancelled(store, snap)
	_, _ = fmt.Fprintf(out, "sent=kill\n")
	return nil
}

func markCancelled(store *jobregistry.Store, snap *jobregistry.Snapshot) {
	snap.State = jobregistry.BatchStateCancelled
	snap.UpdatedAt = time.Now().UTC()
	_ = store.Write(snap)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}

func shortBatchID(batchID string) string {
	batchID = strings.TrimSpace(batchID)
	i := strings.LastIndex(batchID, "_")
	if i < 0 || len(batchID)-i <= 9 {
		return batchID
	}
	return batchID[:i+9]
}

// resolveBatchID accepts a full batch id or a unique prefix.
func resolveBatchID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("batch_id is required")
	}

	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	snaps, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, s := range snaps {
		if strings.HasPrefix(s.BatchID, input) {
			matches = append(matches, s.BatchID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("batch not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("batch id prefix is ambiguous (%d matches); use the full batch_id", len(matches))
	}
	return matches[0], nil
}
