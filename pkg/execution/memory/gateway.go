// Package memory simulates an execution service in-process.
//
// Each DescribeStatus call advances every requested job by one lifecycle
// step: SUBMITTED, RUNNABLE, RUNNING, then the outcome. A job only leaves
// RUNNABLE once all of its dependencies are terminal, matching the
// sequential dependency semantics of AWS Batch. Jobs are stepped in
// submission order so a dependency finishing in one call releases its
// dependents on the next.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/3leaps/pcrbatch/pkg/execution"
)

const serviceName = "memory"

// WorkerFunc runs a job's workload when it finishes RUNNING. A non-nil error
// fails the job with the error text as the status reason.
//
// Workers run with the gateway lock held and must not call back into it.
type WorkerFunc func(ctx context.Context, req execution.SubmitRequest) error

// OutcomeFunc picks the terminal status of a job whose worker succeeded.
type OutcomeFunc func(req execution.SubmitRequest) execution.Status

// EventKind names a simulated lifecycle event.
type EventKind string

const (
	EventSubmitted EventKind = "submitted"
	EventStarted   EventKind = "started"
	EventFinished  EventKind = "finished"
)

// Event is one recorded lifecycle event.
type Event struct {
	Kind   EventKind
	JobID  string
	Status execution.Status
}

type options struct {
	worker      WorkerFunc
	outcome     OutcomeFunc
	immediate   bool
	describeErr func(ids []string) error
}

// Option configures a Gateway.
type Option func(*options)

// WithWorker runs fn for every job as it completes.
func WithWorker(fn WorkerFunc) Option {
	return func(o *options) { o.worker = fn }
}

// WithOutcome overrides the default SUCCEEDED outcome.
func WithOutcome(fn OutcomeFunc) Option {
	return func(o *options) { o.outcome = fn }
}

// WithImmediate steps each requested job as far as it can go in a single
// DescribeStatus call.
func WithImmediate() Option {
	return func(o *options) { o.immediate = true }
}

// WithDescribeError injects failures: a non-nil return fails that
// DescribeStatus call without stepping any job.
func WithDescribeError(fn func(ids []string) error) Option {
	return func(o *options) { o.describeErr = fn }
}

type job struct {
	id     string
	req    execution.SubmitRequest
	status execution.Status
	reason string
}

// Gateway is an in-process execution.Gateway.
type Gateway struct {
	opts options

	mu            sync.Mutex
	revisions     map[string]int
	active        map[string]execution.Definition
	deregistered  []string
	jobs          map[string]*job
	order         []string
	events        []Event
	describeCalls int
}

var (
	_ execution.Gateway          = (*Gateway)(nil)
	_ execution.JobLister        = (*Gateway)(nil)
	_ execution.DefinitionLister = (*Gateway)(nil)
)

func New(opts ...Option) *Gateway {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return &Gateway{
		opts:      o,
		revisions: make(map[string]int),
		active:    make(map[string]execution.Definition),
		jobs:      make(map[string]*job),
	}
}

func (g *Gateway) RegisterDefinition(ctx context.Context, spec execution.DefinitionSpec) (execution.Definition, error) {
	if err := ctx.Err(); err != nil {
		return execution.Definition{}, err
	}
	if spec.Name == "" || spec.Image == "" {
		return execution.Definition{}, g.fail("RegisterJobDefinition", spec.Name, execution.ErrInvalidRequest)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.revisions[spec.Name]++
	rev := g.revisions[spec.Name]
	def := execution.Definition{
		Name:     spec.Name,
		ARN:      fmt.Sprintf("arn:memory:batch:local:000000000000:job-definition/%s:%d", spec.Name, rev),
		Revision: rev,
	}
	g.active[def.ARN] = def
	return def, nil
}

func (g *Gateway) DeregisterDefinition(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[handle]; !ok {
		return g.fail("DeregisterJobDefinition", handle, execution.ErrNotFound)
	}
	delete(g.active, handle)
	g.deregistered = append(g.deregistered, handle)
	return nil
}

func (g *Gateway) Submit(ctx context.Context, req execution.SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[req.Definition]; !ok {
		return "", g.fail("SubmitJob", req.Definition, fmt.Errorf("%w: job definition is not active", execution.ErrInvalidRequest))
	}
	for _, dep := range req.DependsOn {
		if _, ok := g.jobs[dep]; !ok {
			return "", g.fail("SubmitJob", dep, fmt.Errorf("%w: dependency does not exist", execution.ErrNotFound))
		}
	}

	id := uuid.NewString()
	req.DependsOn = slices.Clone(req.DependsOn)
	req.Environment = slices.Clone(req.Environment)
	g.jobs[id] = &job{id: id, req: req, status: execution.StatusSubmitted}
	g.order = append(g.order, id)
	g.events = append(g.events, Event{Kind: EventSubmitted, JobID: id, Status: execution.StatusSubmitted})
	return id, nil
}

func (g *Gateway) DescribeStatus(ctx context.Context, ids []string) ([]execution.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) > execution.MaxDescribeJobs {
		return nil, g.fail("DescribeJobs", "", execution.ErrInvalidRequest)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.describeCalls++
	if g.opts.describeErr != nil {
		if err := g.opts.describeErr(ids); err != nil {
			return nil, g.fail("DescribeJobs", "", err)
		}
	}

	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}
	for _, id := range g.order {
		if !requested[id] {
			continue
		}
		j := g.jobs[id]
		moved := g.step(ctx, j)
		for moved && g.opts.immediate {
			moved = g.step(ctx, j)
		}
	}

	reports := make([]execution.StatusReport, 0, len(ids))
	for _, id := range ids {
		j, ok := g.jobs[id]
		if !ok {
			continue
		}
		reports = append(reports, execution.StatusReport{JobID: id, Status: j.status, Reason: j.reason})
	}
	return reports, nil
}

// step advances j by one state and reports whether it moved.
func (g *Gateway) step(ctx context.Context, j *job) bool {
	switch j.status {
	case execution.StatusSubmitted, execution.StatusPending:
		j.status = execution.StatusRunnable
		return true
	case execution.StatusRunnable, execution.StatusStarting:
		for _, dep := range j.req.DependsOn {
			if !g.jobs[dep].status.IsTerminal() {
				return false
			}
		}
		j.status = execution.StatusRunning
		g.events = append(g.events, Event{Kind: EventStarted, JobID: j.id, Status: j.status})
		return true
	case execution.StatusRunning:
		j.status = execution.StatusSucceeded
		if g.opts.worker != nil {
			if err := g.opts.worker(ctx, j.req); err != nil {
				j.status = execution.StatusFailed
				j.reason = err.Error()
			}
		}
		if j.status == execution.StatusSucceeded && g.opts.outcome != nil {
			j.status = g.opts.outcome(j.req)
			if j.status == execution.StatusFailed {
				j.reason = "Essential container in task exited"
			}
		}
		g.events = append(g.events, Event{Kind: EventFinished, JobID: j.id, Status: j.status})
		return true
	}
	return false
}

func (g *Gateway) Terminate(ctx context.Context, jobID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	j, ok := g.jobs[jobID]
	if !ok {
		return g.fail("TerminateJob", jobID, execution.ErrNotFound)
	}
	if j.status.IsTerminal() {
		return nil
	}
	j.status = execution.StatusFailed
	j.reason = reason
	g.events = append(g.events, Event{Kind: EventFinished, JobID: j.id, Status: j.status})
	return nil
}

// ListJobs lists jobs in the queue with the given status (RUNNING when
// empty, as the service does), in submission order.
func (g *Gateway) ListJobs(ctx context.Context, opts execution.ListJobsOptions) ([]execution.JobSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	status := opts.Status
	if status == "" {
		status = execution.StatusRunning
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var out []execution.JobSummary
	for _, id := range g.order {
		j := g.jobs[id]
		if j.req.Queue != opts.Queue || j.status != status {
			continue
		}
		out = append(out, execution.JobSummary{JobID: id, JobName: j.req.JobName, Status: j.status})
	}
	return out, nil
}

func (g *Gateway) ListDefinitions(ctx context.Context) ([]execution.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.ActiveDefinitions(), nil
}

// ActiveDefinitions returns registered definitions sorted by name and
// revision.
func (g *Gateway) ActiveDefinitions() []execution.Definition {
	g.mu.Lock()
	defer g.mu.Unlock()

	defs := make([]execution.Definition, 0, len(g.active))
	for _, d := range g.active {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].Revision < defs[j].Revision
	})
	return defs
}

// Deregistered returns deregistered handles in call order.
func (g *Gateway) Deregistered() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.deregistered)
}

// DescribeCalls returns the number of DescribeStatus calls made.
func (g *Gateway) DescribeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.describeCalls
}

// Events returns the recorded lifecycle events in order.
func (g *Gateway) Events() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.events)
}

// Request returns the submit request recorded for a job.
func (g *Gateway) Request(jobID string) (execution.SubmitRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return execution.SubmitRequest{}, false
	}
	return j.req, true
}

// SetStatus forces a job into a status.
func (g *Gateway) SetStatus(jobID string, status execution.Status, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return g.fail("SetStatus", jobID, execution.ErrNotFound)
	}
	j.status = status
	j.reason = reason
	return nil
}

func (g *Gateway) fail(op, resource string, err error) error {
	return &execution.GatewayError{Op: op, Service: serviceName, Resource: resource, Err: err}
}
