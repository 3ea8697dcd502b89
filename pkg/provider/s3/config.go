// Package s3 implements the storage gateway for AWS S3 and S3-compatible
// stores.
package s3

import "github.com/3leaps/pcrbatch/pkg/awsauth"

// Config configures an S3 provider.
//
// Credentials and region are resolved through awsauth. For S3-compatible
// stores (moto, MinIO), set AWS.Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket holding job payloads and outputs (required).
	Bucket string

	// AWS carries region, profile, endpoint and explicit credentials.
	AWS awsauth.Config

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool

	// MaxKeys is the default page size for List operations.
	// Zero uses the provider default (1000). Values over 1000 are clamped.
	MaxKeys int
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if err := c.AWS.Validate(); err != nil {
		return &ConfigError{Field: "AWS", Message: err.Error()}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
