package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/3leaps/pcrbatch/pkg/awsauth"
	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/execution/awsbatch"
	"github.com/3leaps/pcrbatch/pkg/match"
)

var (
	awsRegion   string
	awsProfile  string
	awsEndpoint string
)

// newGateway connects to the execution service. Tests replace it.
var newGateway = func(ctx context.Context, auth awsauth.Config) (execution.Gateway, error) {
	return awsbatch.New(ctx, awsbatch.Config{AWS: auth})
}

func addAWSFlags(c *cobra.Command) {
	c.Flags().StringVar(&awsRegion, "region", "", "AWS region (default from config or AWS environment)")
	c.Flags().StringVar(&awsProfile, "profile", "", "AWS profile")
	c.Flags().StringVar(&awsEndpoint, "endpoint", "", "Custom AWS Batch endpoint (e.g. moto)")
}

// resolveAWS merges the --region/--profile/--endpoint flags over the config.
func resolveAWS() (awsauth.Config, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return awsauth.Config{}, err
	}
	auth := cfg.AWS
	if awsRegion != "" {
		auth.Region = awsRegion
	}
	if awsProfile != "" {
		auth.Profile = awsProfile
	}
	if awsEndpoint != "" {
		auth.Endpoint = awsEndpoint
	}
	return auth, nil
}

func connectGateway(ctx context.Context) (execution.Gateway, error) {
	auth, err := resolveAWS()
	if err != nil {
		return nil, err
	}
	return newGateway(ctx, auth)
}

// addNameFlags registers the --name and --exclude glob filters.
func addNameFlags(c *cobra.Command, noun string) {
	c.Flags().StringArray("name", nil, "Only "+noun+" whose name matches this glob (repeatable)")
	c.Flags().StringArray("exclude", nil, "Skip "+noun+" whose name matches this glob (repeatable)")
}

// nameMatcher compiles the --name and --exclude flags.
func nameMatcher(cmd *cobra.Command) (*match.Matcher, error) {
	includes, _ := cmd.Flags().GetStringArray("name")
	excludes, _ := cmd.Flags().GetStringArray("exclude")
	return match.New(match.Config{Includes: includes, Excludes: excludes})
}
