package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/pcrbatch/internal/errors"
	"github.com/3leaps/pcrbatch/internal/observability"
	"github.com/3leaps/pcrbatch/pkg/awsauth"
	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/preflight"
	s3provider "github.com/3leaps/pcrbatch/pkg/provider/s3"
)

var (
	doctorProvider string
	doctorBucket   string
)

// imdsTimeout bounds the instance metadata lookup off EC2.
const imdsTimeout = 2 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  pcrbatch doctor                  # Full environment check
  pcrbatch doctor --provider aws   # Also check AWS credentials, region and Batch access
  pcrbatch doctor --provider aws --bucket pcr-jobs   # And probe write access to the job bucket`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	addAWSFlags(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (aws)")
	doctorCmd.Flags().StringVar(&doctorBucket, "bucket", "", "Job bucket to probe with --provider aws (default from config)")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 5

	bucket := doctorBucket
	if doctorProvider == "aws" {
		totalChecks = 9
		if bucket == "" {
			if cfg, err := loadedConfig(); err == nil {
				bucket = cfg.Batch.Bucket
			}
		}
		if bucket != "" {
			totalChecks++
		}
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Gofulmen access
	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory",
			apperrors.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
		zap.String("config_dir", configDir))
	checkNum++

	// Check 4: Data directory
	if ok := checkDataDir(checkNum, totalChecks); !ok {
		allChecks = false
	}
	checkNum++

	// Check 5: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorProvider == "aws" {
		allChecks = runAWSChecks(cmd.Context(), checkNum, totalChecks, bucket, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkDataDir verifies the snapshot directory can be created.
func checkDataDir(checkNum, totalChecks int) bool {
	cfg, err := loadedConfig()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ Cannot load configuration", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	if err := os.MkdirAll(cfg.SnapshotDir(), 0755); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ Not writable", checkNum, totalChecks),
			zap.String("data_dir", cfg.DataDir),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking data directory... ✅ %s", checkNum, totalChecks, cfg.DataDir),
		zap.String("data_dir", cfg.DataDir))
	return true
}

// runAWSChecks runs AWS-specific diagnostic checks.
func runAWSChecks(ctx context.Context, checkNum, totalChecks int, bucket string, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("AWS Provider Checks:")

	auth, err := resolveAWS()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS configuration... ❌ Cannot load configuration", checkNum, totalChecks),
			zap.Error(err))
		return false
	}

	// Check 6: AWS credentials
	cfg, err := awsauth.Load(ctx, auth)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 7: Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	checkNum++

	// Check 8: Region. Jobs must be submitted in the queue's region.
	if region := resolveDoctorRegion(ctx, cfg); region != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking region... ✅ %s", checkNum, totalChecks, region),
			zap.String("region", region))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking region... ⚠️  No region configured", checkNum, totalChecks))
		observability.CLILogger.Info("  Set AWS_REGION, aws.region in the config file, or --region")
		allChecks = false
	}
	checkNum++

	// Check 9: Job bucket write probe
	if bucket != "" {
		if !checkBucketAccess(ctx, auth, bucket, checkNum, totalChecks) {
			allChecks = false
		}
		checkNum++
	}

	// Check 10: Batch access
	gw, err := newGateway(ctx, auth)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS Batch access... ❌ Cannot create client", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	lister, ok := gw.(execution.DefinitionLister)
	if !ok {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS Batch access... ✅ connected", checkNum, totalChecks))
		return allChecks
	}
	defs, err := lister.ListDefinitions(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS Batch access... ❌ Cannot list job definitions", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS Batch access... ✅ %d active job definitions", checkNum, totalChecks, len(defs)),
		zap.Int("definitions", len(defs)))
	return allChecks
}

// checkBucketAccess runs a write-probe preflight against the job bucket.
func checkBucketAccess(ctx context.Context, auth awsauth.Config, bucket string, checkNum, totalChecks int) bool {
	store, err := s3provider.New(ctx, s3provider.Config{
		Bucket:         bucket,
		AWS:            auth,
		ForcePathStyle: auth.Endpoint != "",
	})
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job bucket... ❌ Cannot create client", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	defer func() { _ = store.Close() }()

	rec, err := preflight.Bucket(ctx, store, preflight.Spec{Mode: preflight.ModeWriteProbe, Bucket: bucket})
	if err != nil {
		failed := rec.Results[len(rec.Results)-1]
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job bucket... ❌ %s denied on %s", checkNum, totalChecks, failed.Capability, bucket),
			zap.String("method", failed.Method),
			zap.String("error_code", failed.ErrorCode),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking job bucket... ✅ write probe passed on %s", checkNum, totalChecks, bucket),
		zap.String("bucket", bucket))
	return true
}

// resolveDoctorRegion returns the configured region, falling back to the
// instance metadata service when running on EC2.
func resolveDoctorRegion(ctx context.Context, cfg aws.Config) string {
	if cfg.Region != "" {
		return cfg.Region
	}
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	out, err := imds.NewFromConfig(cfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		observability.CLILogger.Debug("Instance metadata region lookup failed", zap.Error(err))
		return ""
	}
	return out.Region
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For local testing against moto, also set:")
	observability.CLILogger.Info("  - aws.endpoint in the config file or use --endpoint flag")
	observability.CLILogger.Info("")
}
