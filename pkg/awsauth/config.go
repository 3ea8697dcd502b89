// Package awsauth builds the shared AWS SDK configuration used by the
// storage and execution gateways.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
package awsauth

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// DefaultAWSRegion is the fallback region when none is configured and no
// custom endpoint is set.
const DefaultAWSRegion = "us-east-1"

// Config carries the credential and endpoint settings for AWS clients.
//
// The region must match the region of the job queue.
type Config struct {
	// Region is the AWS region. Resolved from env/profile when empty.
	Region string `mapstructure:"region"`

	// Profile is the shared config profile name.
	Profile string `mapstructure:"profile"`

	// Endpoint overrides the service endpoint (moto, LocalStack, MinIO).
	// When set, no default region is applied.
	Endpoint string `mapstructure:"endpoint"`

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string `mapstructure:"access_key_id"`

	// SecretAccessKey is an explicit secret key.
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// SessionToken is an optional session token for temporary credentials.
	SessionToken string `mapstructure:"session_token"`
}

// Validate checks that explicit credentials come in pairs.
func (c Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a credential configuration error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "aws config: " + e.Field + ": " + e.Message
}

// Load builds the AWS configuration with appropriate credentials.
func Load(ctx context.Context, cfg Config) (aws.Config, error) {
	if err := cfg.Validate(); err != nil {
		return aws.Config{}, err
	}

	var opts []func(*config.LoadOptions) error

	// Only apply an explicit region if one was configured; the SDK resolves
	// env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = ResolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// ResolveRegion applies the fallback region after SDK config loading.
//
// sdkRegion already reflects the explicit region, AWS_REGION/AWS_DEFAULT_REGION
// and the shared profile. The default only applies to real AWS endpoints.
func ResolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
