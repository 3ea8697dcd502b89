package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcrbatch/pkg/awsauth"
	"github.com/3leaps/pcrbatch/pkg/execution"
)

// isolateCLI points config lookup and the data dir at temp directories and
// returns the data dir.
func isolateCLI(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	dataDir := filepath.Join(home, "data")
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("PCRBATCH_DATA_DIR", dataDir)
	return dataDir
}

// resetFlags restores every flag to its default so state does not leak
// between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// executeCommand runs the CLI with args and returns what commands wrote
// through cmd.OutOrStdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	rootCmd.SetContext(context.Background())

	err := rootCmd.Execute()

	rootCmd.SetArgs(nil)
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	resetFlags(rootCmd)
	return out.String(), err
}

// useGateway swaps the execution service for gw during the test.
func useGateway(t *testing.T, gw execution.Gateway) {
	t.Helper()
	orig := newGateway
	newGateway = func(context.Context, awsauth.Config) (execution.Gateway, error) {
		return gw, nil
	}
	t.Cleanup(func() { newGateway = orig })
}

func TestExecuteCommand_RequiresRegisteredCommands(t *testing.T) {
	isolateCLI(t)
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "jobs", "definitions", "batches", "worker", "doctor", "version"} {
		require.True(t, names[want], "missing command %s", want)
	}
}
