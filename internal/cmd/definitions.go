package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcrbatch/internal/observability"
	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/match"
)

var definitionsCmd = &cobra.Command{
	Use:     "definitions",
	Aliases: []string{"defs"},
	Short:   "List and deregister job definitions",
	Long: `Manage job definitions left behind by batches.

Every batch registers one definition named after its batch id and
deregisters it once all jobs finish. A batch interrupted before then leaves
its definition active; these commands find and remove them.

Examples:
  pcrbatch definitions list
  pcrbatch definitions list --name 'nightly_*'
  pcrbatch definitions deregister --name 'nightly_*' --dry-run
  pcrbatch definitions deregister arn:aws:batch:...:job-definition/nightly_...:1`,
}

var definitionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active job definitions",
	RunE:  runDefinitionsList,
}

var definitionsDeregisterCmd = &cobra.Command{
	Use:   "deregister [handle...]",
	Short: "Deregister definitions by handle or name glob",
	RunE:  runDefinitionsDeregister,
}

func init() {
	rootCmd.AddCommand(definitionsCmd)
	definitionsCmd.AddCommand(definitionsListCmd)
	definitionsCmd.AddCommand(definitionsDeregisterCmd)

	for _, c := range []*cobra.Command{definitionsListCmd, definitionsDeregisterCmd} {
		addAWSFlags(c)
		addNameFlags(c, "definitions")
	}
	definitionsListCmd.Flags().Bool("json", false, "Output as JSON")
	definitionsDeregisterCmd.Flags().Bool("dry-run", false, "Show which definitions would be deregistered")
}

func listDefinitions(cmd *cobra.Command, gw execution.Gateway, names *match.Matcher) ([]execution.Definition, error) {
	lister, ok := gw.(execution.DefinitionLister)
	if !ok {
		return nil, errors.New("execution service cannot list job definitions")
	}
	all, err := lister.ListDefinitions(cmd.Context())
	if err != nil {
		return nil, err
	}

	defs := make([]execution.Definition, 0, len(all))
	for _, d := range all {
		if names.Match(d.Name) {
			defs = append(defs, d)
		}
	}
	return defs, nil
}

func runDefinitionsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	names, err := nameMatcher(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid name pattern", err)
	}

	gw, err := connectGateway(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to execution service", err)
	}
	defs, err := listDefinitions(cmd, gw, names)
	if err != nil {
		observability.CLILogger.Error("Failed to list job definitions", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list job definitions", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}
	if len(defs) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No job definitions found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "NAME\tREVISION\tHANDLE")
	for _, d := range defs {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", d.Name, d.Revision, d.Handle())
	}
	return nil
}

func runDefinitionsDeregister(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	names, err := nameMatcher(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid name pattern", err)
	}
	if len(args) == 0 && names.MatchAll() {
		return exitError(foundry.ExitInvalidArgument, "Nothing to deregister",
			errors.New("pass definition handles or --name"))
	}
	if len(args) > 0 && !names.MatchAll() {
		return exitError(foundry.ExitInvalidArgument, "Conflicting arguments",
			errors.New("pass definition handles or --name/--exclude, not both"))
	}

	gw, err := connectGateway(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to execution service", err)
	}

	handles := make([]string, 0, len(args))
	for _, a := range args {
		if h := strings.TrimSpace(a); h != "" {
			handles = append(handles, h)
		}
	}
	if len(args) == 0 {
		defs, err := listDefinitions(cmd, gw, names)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list job definitions", err)
		}
		for _, d := range defs {
			handles = append(handles, d.Handle())
		}
	}

	out := cmd.OutOrStdout()
	if len(handles) == 0 {
		_, _ = fmt.Fprintln(out, "No job definitions matched")
		return nil
	}

	var failed []error
	for _, h := range handles {
		if dryRun {
			_, _ = fmt.Fprintf(out, "would_deregister=%s\n", h)
			continue
		}
		if err := gw.DeregisterDefinition(cmd.Context(), h); err != nil {
			observability.CLILogger.Warn("Failed to deregister job definition", zap.String("definition", h), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s: %w", h, err))
			continue
		}
		_, _ = fmt.Fprintf(out, "deregistered=%s\n", h)
	}

	if len(failed) > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Some job definitions could not be deregistered", errors.Join(failed...))
	}
	return nil
}
