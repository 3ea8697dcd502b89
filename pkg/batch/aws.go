package batch

import (
	"context"
	"fmt"

	"github.com/3leaps/pcrbatch/pkg/awsauth"
	"github.com/3leaps/pcrbatch/pkg/execution/awsbatch"
	s3provider "github.com/3leaps/pcrbatch/pkg/provider/s3"
)

// NewAWS builds a Manager on AWS Batch and S3, sharing one credential chain.
// The region in auth must match the job queue's region.
func NewAWS(ctx context.Context, cfg Config, auth awsauth.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsauth.Load(ctx, auth)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	store, err := s3provider.NewFromAWSConfig(awsCfg, s3provider.Config{
		Bucket:         cfg.Bucket,
		AWS:            auth,
		ForcePathStyle: auth.Endpoint != "",
	})
	if err != nil {
		return nil, err
	}
	gw := awsbatch.NewFromAWSConfig(awsCfg, awsbatch.Config{AWS: auth})

	return New(ctx, cfg, gw, store, opts...)
}
