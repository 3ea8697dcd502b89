// Package execution defines the execution gateway: the narrow contract the
// batch manager needs from a remote job-execution service.
//
// The AWS Batch implementation lives in the awsbatch subpackage. The memory
// subpackage simulates a service in-process for local runs and tests.
package execution

import (
	"context"
	"math"
	"time"
)

// MaxDescribeJobs is the largest number of job ids one DescribeStatus call
// accepts.
const MaxDescribeJobs = 100

// Gateway is the execution service contract.
//
// Implementations must be safe for concurrent use.
type Gateway interface {
	// RegisterDefinition registers a job definition and returns its handle.
	RegisterDefinition(ctx context.Context, spec DefinitionSpec) (Definition, error)

	// DeregisterDefinition removes the definition identified by handle
	// (ARN or name:revision).
	DeregisterDefinition(ctx context.Context, handle string) error

	// Submit enqueues a job and returns the service-assigned job id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// DescribeStatus returns the current status of up to MaxDescribeJobs
	// jobs. Ids unknown to the service are omitted from the result.
	DescribeStatus(ctx context.Context, ids []string) ([]StatusReport, error)

	// Terminate cancels a job that has not finished.
	Terminate(ctx context.Context, jobID, reason string) error
}

// DefinitionSpec describes the container every job of a batch runs.
type DefinitionSpec struct {
	Name     string
	Image    string
	MemoryMB int
	VCPUs    int
	GPUs     int
	Timeout  time.Duration
}

// MaxTimeout is the longest timeout the service accepts, in whole seconds.
const MaxTimeout = time.Duration(math.MaxInt32) * time.Second

// TimeoutSeconds returns the timeout as whole seconds, the unit the service
// accepts.
func (s DefinitionSpec) TimeoutSeconds() int32 {
	return Seconds(s.Timeout)
}

// Seconds converts d to whole seconds, clamped to MaxTimeout.
func Seconds(d time.Duration) int32 {
	if d >= MaxTimeout {
		return math.MaxInt32
	}
	return int32(d / time.Second)
}

// Definition identifies a registered job definition.
type Definition struct {
	Name     string `json:"name"`
	ARN      string `json:"arn,omitempty"`
	Revision int    `json:"revision,omitempty"`
}

// Handle returns the identifier used to reference the definition in
// Submit and DeregisterDefinition calls.
func (d Definition) Handle() string {
	if d.ARN != "" {
		return d.ARN
	}
	return d.Name
}

// IsZero reports whether no definition is held.
func (d Definition) IsZero() bool {
	return d.Name == "" && d.ARN == ""
}

// SubmitRequest carries everything needed to enqueue one job.
type SubmitRequest struct {
	JobName    string
	Queue      string
	Definition string
	// DependsOn lists job ids that must reach a terminal state first.
	// Dependencies are sequential: a failed dependency still releases
	// the dependent job.
	DependsOn   []string
	Environment []EnvVar
	Timeout     time.Duration
}

// EnvVar is a container environment variable override.
type EnvVar struct {
	Name  string
	Value string
}

// StatusReport is one job's status as reported by the service.
type StatusReport struct {
	JobID  string
	Status Status
	Reason string
}

// Optional gateway capabilities. Callers use type assertions for feature
// detection.

// JobLister can enumerate jobs in a queue.
type JobLister interface {
	ListJobs(ctx context.Context, opts ListJobsOptions) ([]JobSummary, error)
}

// ListJobsOptions filters a ListJobs call.
type ListJobsOptions struct {
	Queue  string
	Status Status
}

// JobSummary is a listed job.
type JobSummary struct {
	JobID     string    `json:"job_id"`
	JobName   string    `json:"job_name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// DefinitionLister can enumerate active job definitions.
type DefinitionLister interface {
	ListDefinitions(ctx context.Context) ([]Definition, error)
}
