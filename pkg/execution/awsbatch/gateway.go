// Package awsbatch implements the execution gateway on AWS Batch.
package awsbatch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/pcrbatch/pkg/awsauth"
	"github.com/3leaps/pcrbatch/pkg/execution"
)

const serviceName = "batch"

// listPageSize is the page size for ListJobs and DescribeJobDefinitions.
const listPageSize = 100

// API is the subset of the AWS Batch client used by the gateway.
type API interface {
	RegisterJobDefinition(ctx context.Context, params *batch.RegisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error)
	DeregisterJobDefinition(ctx context.Context, params *batch.DeregisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.DeregisterJobDefinitionOutput, error)
	SubmitJob(ctx context.Context, params *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, params *batch.DescribeJobsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
	TerminateJob(ctx context.Context, params *batch.TerminateJobInput, optFns ...func(*batch.Options)) (*batch.TerminateJobOutput, error)
	ListJobs(ctx context.Context, params *batch.ListJobsInput, optFns ...func(*batch.Options)) (*batch.ListJobsOutput, error)
	DescribeJobDefinitions(ctx context.Context, params *batch.DescribeJobDefinitionsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobDefinitionsOutput, error)
}

// Config configures the AWS Batch gateway.
type Config struct {
	AWS awsauth.Config
}

// Gateway implements execution.Gateway for AWS Batch.
type Gateway struct {
	api API
}

var (
	_ execution.Gateway          = (*Gateway)(nil)
	_ execution.JobLister        = (*Gateway)(nil)
	_ execution.DefinitionLister = (*Gateway)(nil)
)

// New creates a gateway, loading credentials from cfg.AWS.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	awsCfg, err := awsauth.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, &execution.GatewayError{Op: "New", Service: serviceName, Err: err}
	}
	return NewFromAWSConfig(awsCfg, cfg), nil
}

// NewFromAWSConfig creates a gateway from an already loaded AWS config.
func NewFromAWSConfig(awsCfg aws.Config, cfg Config) *Gateway {
	var opts []func(*batch.Options)
	if cfg.AWS.Endpoint != "" {
		opts = append(opts, func(o *batch.Options) {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		})
	}
	return NewWithAPI(batch.NewFromConfig(awsCfg, opts...))
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API) *Gateway {
	return &Gateway{api: api}
}

// RegisterDefinition registers a container job definition requesting the
// spec's memory, vCPU and GPU resources.
func (g *Gateway) RegisterDefinition(ctx context.Context, spec execution.DefinitionSpec) (execution.Definition, error) {
	input := &batch.RegisterJobDefinitionInput{
		JobDefinitionName: aws.String(spec.Name),
		Type:              types.JobDefinitionTypeContainer,
		ContainerProperties: &types.ContainerProperties{
			Image:                aws.String(spec.Image),
			ResourceRequirements: resourceRequirements(spec),
		},
	}
	if secs := spec.TimeoutSeconds(); secs > 0 {
		input.Timeout = &types.JobTimeout{AttemptDurationSeconds: aws.Int32(secs)}
	}

	out, err := g.api.RegisterJobDefinition(ctx, input)
	if err != nil {
		return execution.Definition{}, wrapError("RegisterJobDefinition", spec.Name, err)
	}
	return execution.Definition{
		Name:     aws.ToString(out.JobDefinitionName),
		ARN:      aws.ToString(out.JobDefinitionArn),
		Revision: int(aws.ToInt32(out.Revision)),
	}, nil
}

func resourceRequirements(spec execution.DefinitionSpec) []types.ResourceRequirement {
	reqs := []types.ResourceRequirement{
		{Type: types.ResourceTypeMemory, Value: aws.String(strconv.Itoa(spec.MemoryMB))},
		{Type: types.ResourceTypeVcpu, Value: aws.String(strconv.Itoa(spec.VCPUs))},
	}
	if spec.GPUs > 0 {
		reqs = append(reqs, types.ResourceRequirement{
			Type:  types.ResourceTypeGpu,
			Value: aws.String(strconv.Itoa(spec.GPUs)),
		})
	}
	return reqs
}

func (g *Gateway) DeregisterDefinition(ctx context.Context, handle string) error {
	_, err := g.api.DeregisterJobDefinition(ctx, &batch.DeregisterJobDefinitionInput{
		JobDefinition: aws.String(handle),
	})
	if err != nil {
		return wrapError("DeregisterJobDefinition", handle, err)
	}
	return nil
}

func (g *Gateway) Submit(ctx context.Context, req execution.SubmitRequest) (string, error) {
	input := &batch.SubmitJobInput{
		JobName:       aws.String(req.JobName),
		JobQueue:      aws.String(req.Queue),
		JobDefinition: aws.String(req.Definition),
	}
	for _, id := range req.DependsOn {
		input.DependsOn = append(input.DependsOn, types.JobDependency{
			JobId: aws.String(id),
			Type:  types.ArrayJobDependencySequential,
		})
	}
	if len(req.Environment) > 0 {
		env := make([]types.KeyValuePair, 0, len(req.Environment))
		for _, kv := range req.Environment {
			env = append(env, types.KeyValuePair{Name: aws.String(kv.Name), Value: aws.String(kv.Value)})
		}
		input.ContainerOverrides = &types.ContainerOverrides{Environment: env}
	}
	if secs := execution.Seconds(req.Timeout); secs > 0 {
		input.Timeout = &types.JobTimeout{AttemptDurationSeconds: aws.Int32(secs)}
	}

	out, err := g.api.SubmitJob(ctx, input)
	if err != nil {
		return "", wrapError("SubmitJob", req.Queue, err)
	}
	return aws.ToString(out.JobId), nil
}

func (g *Gateway) DescribeStatus(ctx context.Context, ids []string) ([]execution.StatusReport, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > execution.MaxDescribeJobs {
		return nil, &execution.GatewayError{
			Op:      "DescribeJobs",
			Service: serviceName,
			Err:     execution.ErrInvalidRequest,
		}
	}

	out, err := g.api.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: ids})
	if err != nil {
		return nil, wrapError("DescribeJobs", "", err)
	}

	reports := make([]execution.StatusReport, 0, len(out.Jobs))
	for _, job := range out.Jobs {
		reports = append(reports, execution.StatusReport{
			JobID:  aws.ToString(job.JobId),
			Status: execution.Status(job.Status),
			Reason: aws.ToString(job.StatusReason),
		})
	}
	return reports, nil
}

func (g *Gateway) Terminate(ctx context.Context, jobID, reason string) error {
	_, err := g.api.TerminateJob(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(jobID),
		Reason: aws.String(reason),
	})
	if err != nil {
		return wrapError("TerminateJob", jobID, err)
	}
	return nil
}

// ListJobs lists jobs in a queue. An empty status lists RUNNING jobs,
// which is the service default.
func (g *Gateway) ListJobs(ctx context.Context, opts execution.ListJobsOptions) ([]execution.JobSummary, error) {
	input := &batch.ListJobsInput{
		JobQueue:   aws.String(opts.Queue),
		MaxResults: aws.Int32(listPageSize),
	}
	if opts.Status != "" {
		input.JobStatus = types.JobStatus(opts.Status)
	}

	var jobs []execution.JobSummary
	pages := batch.NewListJobsPaginator(g.api, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListJobs", opts.Queue, err)
		}
		for _, j := range page.JobSummaryList {
			summary := execution.JobSummary{
				JobID:   aws.ToString(j.JobId),
				JobName: aws.ToString(j.JobName),
				Status:  execution.Status(j.Status),
			}
			if j.CreatedAt != nil {
				summary.CreatedAt = time.UnixMilli(*j.CreatedAt).UTC()
			}
			jobs = append(jobs, summary)
		}
	}
	return jobs, nil
}

// ListDefinitions lists every ACTIVE job definition revision.
func (g *Gateway) ListDefinitions(ctx context.Context) ([]execution.Definition, error) {
	input := &batch.DescribeJobDefinitionsInput{
		Status:     aws.String("ACTIVE"),
		MaxResults: aws.Int32(listPageSize),
	}

	var defs []execution.Definition
	pages := batch.NewDescribeJobDefinitionsPaginator(g.api, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, wrapError("DescribeJobDefinitions", "", err)
		}
		for _, d := range page.JobDefinitions {
			defs = append(defs, execution.Definition{
				Name:     aws.ToString(d.JobDefinitionName),
				ARN:      aws.ToString(d.JobDefinitionArn),
				Revision: int(aws.ToInt32(d.Revision)),
			})
		}
	}
	return defs, nil
}

// wrapError converts AWS Batch errors to gateway errors with sentinel causes.
func wrapError(op, resource string, err error) error {
	wrapped := &execution.GatewayError{
		Op:       op,
		Service:  serviceName,
		Resource: resource,
		Err:      err,
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := sentinelForCode(apiErr.ErrorCode(), apiErr.ErrorMessage()); sentinel != nil {
			wrapped.Err = errors.Join(sentinel, err)
		}
		return wrapped
	}

	// Transport failures never reached the service.
	wrapped.Err = errors.Join(execution.ErrUnavailable, err)
	return wrapped
}

func sentinelForCode(code, message string) error {
	switch code {
	case "ClientException":
		// Batch reports missing jobs, queues and definitions as client errors.
		lower := strings.ToLower(message)
		if strings.Contains(lower, "does not exist") || strings.Contains(lower, "not found") {
			return execution.ErrNotFound
		}
		return execution.ErrInvalidRequest
	case "AccessDeniedException":
		return execution.ErrAccessDenied
	case "UnrecognizedClientException", "InvalidSignatureException", "ExpiredTokenException":
		return execution.ErrInvalidCredentials
	case "TooManyRequestsException", "ThrottlingException":
		return execution.ErrThrottled
	case "ServerException", "ServiceUnavailableException":
		return execution.ErrUnavailable
	}
	return nil
}
