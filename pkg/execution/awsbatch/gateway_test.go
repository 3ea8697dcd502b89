package awsbatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcrbatch/pkg/execution"
)

type fakeAPI struct {
	register   *batch.RegisterJobDefinitionInput
	deregister *batch.DeregisterJobDefinitionInput
	submit     *batch.SubmitJobInput
	describe   *batch.DescribeJobsInput
	terminate  *batch.TerminateJobInput

	describeOut *batch.DescribeJobsOutput
	listPages   []*batch.ListJobsOutput
	defPages    []*batch.DescribeJobDefinitionsOutput
	listCalls   int
	defCalls    int
	err         error
}

func (f *fakeAPI) RegisterJobDefinition(_ context.Context, in *batch.RegisterJobDefinitionInput, _ ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error) {
	f.register = in
	if f.err != nil {
		return nil, f.err
	}
	return &batch.RegisterJobDefinitionOutput{
		JobDefinitionName: in.JobDefinitionName,
		JobDefinitionArn:  aws.String("arn:aws:batch:us-east-1:123456789012:job-definition/" + aws.ToString(in.JobDefinitionName) + ":1"),
		Revision:          aws.Int32(1),
	}, nil
}

func (f *fakeAPI) DeregisterJobDefinition(_ context.Context, in *batch.DeregisterJobDefinitionInput, _ ...func(*batch.Options)) (*batch.DeregisterJobDefinitionOutput, error) {
	f.deregister = in
	return &batch.DeregisterJobDefinitionOutput{}, f.err
}

func (f *fakeAPI) SubmitJob(_ context.Context, in *batch.SubmitJobInput, _ ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	f.submit = in
	if f.err != nil {
		return nil, f.err
	}
	return &batch.SubmitJobOutput{JobId: aws.String("job-1"), JobName: in.JobName}, nil
}

func (f *fakeAPI) DescribeJobs(_ context.Context, in *batch.DescribeJobsInput, _ ...func(*batch.Options)) (*batch.DescribeJobsOutput, error) {
	f.describe = in
	if f.err != nil {
		return nil, f.err
	}
	return f.describeOut, nil
}

func (f *fakeAPI) TerminateJob(_ context.Context, in *batch.TerminateJobInput, _ ...func(*batch.Options)) (*batch.TerminateJobOutput, error) {
	f.terminate = in
	return &batch.TerminateJobOutput{}, f.err
}

func (f *fakeAPI) ListJobs(_ context.Context, _ *batch.ListJobsInput, _ ...func(*batch.Options)) (*batch.ListJobsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	page := f.listPages[f.listCalls]
	f.listCalls++
	return page, nil
}

func (f *fakeAPI) DescribeJobDefinitions(_ context.Context, _ *batch.DescribeJobDefinitionsInput, _ ...func(*batch.Options)) (*batch.DescribeJobDefinitionsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	page := f.defPages[f.defCalls]
	f.defCalls++
	return page, nil
}

func TestRegisterDefinition(t *testing.T) {
	api := &fakeAPI{}
	g := NewWithAPI(api)

	def, err := g.RegisterDefinition(context.Background(), execution.DefinitionSpec{
		Name:     "demo_1234",
		Image:    "worker:latest",
		MemoryMB: 1024,
		VCPUs:    4,
		GPUs:     1,
		Timeout:  20 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "demo_1234", def.Name)
	assert.Equal(t, 1, def.Revision)
	assert.Contains(t, def.Handle(), "job-definition/demo_1234:1")

	in := api.register
	require.NotNil(t, in)
	assert.Equal(t, types.JobDefinitionTypeContainer, in.Type)
	assert.Equal(t, "worker:latest", aws.ToString(in.ContainerProperties.Image))
	assert.Equal(t, int32(72000), aws.ToInt32(in.Timeout.AttemptDurationSeconds))

	got := map[types.ResourceType]string{}
	for _, r := range in.ContainerProperties.ResourceRequirements {
		got[r.Type] = aws.ToString(r.Value)
	}
	assert.Equal(t, map[types.ResourceType]string{
		types.ResourceTypeMemory: "1024",
		types.ResourceTypeVcpu:   "4",
		types.ResourceTypeGpu:    "1",
	}, got)
}

func TestRegisterDefinition_NoGPU(t *testing.T) {
	api := &fakeAPI{}
	_, err := NewWithAPI(api).RegisterDefinition(context.Background(), execution.DefinitionSpec{Name: "n", Image: "i", MemoryMB: 512, VCPUs: 1})
	require.NoError(t, err)

	assert.Len(t, api.register.ContainerProperties.ResourceRequirements, 2)
	assert.Nil(t, api.register.Timeout)
}

func TestSubmit(t *testing.T) {
	api := &fakeAPI{}
	g := NewWithAPI(api)

	id, err := g.Submit(context.Background(), execution.SubmitRequest{
		JobName:     "demo_1234",
		Queue:       "queue-a",
		Definition:  "arn:def",
		DependsOn:   []string{"a", "b"},
		Environment: []execution.EnvVar{{Name: "BATCH_ID", Value: "demo_1234"}},
		Timeout:     time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	in := api.submit
	assert.Equal(t, "queue-a", aws.ToString(in.JobQueue))
	assert.Equal(t, "arn:def", aws.ToString(in.JobDefinition))
	require.Len(t, in.DependsOn, 2)
	for _, dep := range in.DependsOn {
		assert.Equal(t, types.ArrayJobDependencySequential, dep.Type)
	}
	assert.Equal(t, "b", aws.ToString(in.DependsOn[1].JobId))
	require.Len(t, in.ContainerOverrides.Environment, 1)
	assert.Equal(t, "BATCH_ID", aws.ToString(in.ContainerOverrides.Environment[0].Name))
	assert.Equal(t, int32(3600), aws.ToInt32(in.Timeout.AttemptDurationSeconds))
}

func TestSubmit_NoDependencies(t *testing.T) {
	api := &fakeAPI{}
	_, err := NewWithAPI(api).Submit(context.Background(), execution.SubmitRequest{JobName: "n", Queue: "q", Definition: "d"})
	require.NoError(t, err)
	assert.Empty(t, api.submit.DependsOn)
	assert.Nil(t, api.submit.ContainerOverrides)
}

func TestDescribeStatus(t *testing.T) {
	api := &fakeAPI{describeOut: &batch.DescribeJobsOutput{Jobs: []types.JobDetail{
		{JobId: aws.String("a"), Status: types.JobStatusRunning},
		{JobId: aws.String("b"), Status: types.JobStatusFailed, StatusReason: aws.String("Essential container in task exited")},
	}}}
	g := NewWithAPI(api)

	reports, err := g.DescribeStatus(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []execution.StatusReport{
		{JobID: "a", Status: execution.StatusRunning},
		{JobID: "b", Status: execution.StatusFailed, Reason: "Essential container in task exited"},
	}, reports)
	assert.Equal(t, []string{"a", "b"}, api.describe.Jobs)
}

func TestDescribeStatus_Limits(t *testing.T) {
	api := &fakeAPI{}
	g := NewWithAPI(api)

	reports, err := g.DescribeStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Nil(t, api.describe)

	ids := make([]string, execution.MaxDescribeJobs+1)
	_, err = g.DescribeStatus(context.Background(), ids)
	assert.ErrorIs(t, err, execution.ErrInvalidRequest)
	assert.Nil(t, api.describe)
}

func TestTerminateAndDeregister(t *testing.T) {
	api := &fakeAPI{}
	g := NewWithAPI(api)

	require.NoError(t, g.Terminate(context.Background(), "job-9", "stopped by operator"))
	assert.Equal(t, "job-9", aws.ToString(api.terminate.JobId))
	assert.Equal(t, "stopped by operator", aws.ToString(api.terminate.Reason))

	require.NoError(t, g.DeregisterDefinition(context.Background(), "arn:def"))
	assert.Equal(t, "arn:def", aws.ToString(api.deregister.JobDefinition))
}

func TestListJobs_Paginates(t *testing.T) {
	api := &fakeAPI{listPages: []*batch.ListJobsOutput{
		{
			JobSummaryList: []types.JobSummary{{JobId: aws.String("a"), JobName: aws.String("x_1"), Status: types.JobStatusRunnable, CreatedAt: aws.Int64(1700000000000)}},
			NextToken:      aws.String("t1"),
		},
		{
			JobSummaryList: []types.JobSummary{{JobId: aws.String("b"), JobName: aws.String("x_1"), Status: types.JobStatusRunnable}},
		},
	}}
	g := NewWithAPI(api)

	jobs, err := g.ListJobs(context.Background(), execution.ListJobsOptions{Queue: "q", Status: execution.StatusRunnable})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 2, api.listCalls)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), jobs[0].CreatedAt)
	assert.True(t, jobs[1].CreatedAt.IsZero())
}

func TestListDefinitions(t *testing.T) {
	api := &fakeAPI{defPages: []*batch.DescribeJobDefinitionsOutput{{
		JobDefinitions: []types.JobDefinition{
			{JobDefinitionName: aws.String("demo_1"), JobDefinitionArn: aws.String("arn:1"), Revision: aws.Int32(3)},
		},
	}}}

	defs, err := NewWithAPI(api).ListDefinitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []execution.Definition{{Name: "demo_1", ARN: "arn:1", Revision: 3}}, defs)
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing queue", &smithy.GenericAPIError{Code: "ClientException", Message: "JobQueue q does not exist"}, execution.ErrNotFound},
		{"bad params", &smithy.GenericAPIError{Code: "ClientException", Message: "Invalid memory value"}, execution.ErrInvalidRequest},
		{"denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, execution.ErrAccessDenied},
		{"bad creds", &smithy.GenericAPIError{Code: "UnrecognizedClientException"}, execution.ErrInvalidCredentials},
		{"throttled", &smithy.GenericAPIError{Code: "TooManyRequestsException"}, execution.ErrThrottled},
		{"server", &smithy.GenericAPIError{Code: "ServerException"}, execution.ErrUnavailable},
		{"transport", errors.New("dial tcp: connection refused"), execution.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError("SubmitJob", "q", tt.err)
			var gwErr *execution.GatewayError
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, "SubmitJob", gwErr.Op)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestWrapError_UnknownCodeAndCancel(t *testing.T) {
	unknown := &smithy.GenericAPIError{Code: "SomethingNew"}
	err := wrapError("DescribeJobs", "", unknown)
	assert.ErrorIs(t, err, unknown)
	assert.NotErrorIs(t, err, execution.ErrUnavailable)

	err = wrapError("DescribeJobs", "", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, execution.IsTransient(err))
}

func TestGatewayErrorsPropagate(t *testing.T) {
	api := &fakeAPI{err: &smithy.GenericAPIError{Code: "TooManyRequestsException"}}
	g := NewWithAPI(api)

	_, err := g.DescribeStatus(context.Background(), []string{"a"})
	assert.True(t, execution.IsTransient(err))

	_, err = g.Submit(context.Background(), execution.SubmitRequest{Queue: "q"})
	assert.ErrorIs(t, err, execution.ErrThrottled)

	_, err = g.ListJobs(context.Background(), execution.ListJobsOptions{Queue: "q"})
	assert.ErrorIs(t, err, execution.ErrThrottled)
}
