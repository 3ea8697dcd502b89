// Package poller drives a batch's unfinished jobs to a terminal status.
//
// Each cycle splits the unfinished jobs, in submission order, into groups
// no larger than the service's describe limit and queries them one after
// another with a throttle delay between calls. Terminal transitions fire
// completion hooks. A failing group is logged and retried on the next
// cycle; it never ends the loop.
package poller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/jobregistry"
)

const (
	DefaultInterval  = 60 * time.Second
	DefaultThrottle  = 200 * time.Millisecond
	DefaultGroupSize = execution.MaxDescribeJobs
	MaxGroupSize     = execution.MaxDescribeJobs
)

// StatusQuerier is the slice of the execution gateway the poller needs.
type StatusQuerier interface {
	DescribeStatus(ctx context.Context, ids []string) ([]execution.StatusReport, error)
}

// Observer receives poll loop events. Calls happen on the polling goroutine.
type Observer interface {
	CycleCompleted(p jobregistry.Progress)
	QueryFailed(err error)
	JobFinished(rec jobregistry.Record)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) CycleCompleted(jobregistry.Progress) {}
func (NopObserver) QueryFailed(error)                   {}
func (NopObserver) JobFinished(jobregistry.Record)      {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) CycleCompleted(p jobregistry.Progress) {
	for _, obs := range o {
		obs.CycleCompleted(p)
	}
}

func (o Observers) QueryFailed(err error) {
	for _, obs := range o {
		obs.QueryFailed(err)
	}
}

func (o Observers) JobFinished(rec jobregistry.Record) {
	for _, obs := range o {
		obs.JobFinished(rec)
	}
}

// Config tunes the poll loop. Zero values take the defaults.
type Config struct {
	// Interval is the pause between cycles.
	Interval time.Duration

	// Throttle is the minimum spacing between consecutive status queries.
	Throttle time.Duration

	// GroupSize caps the ids per status query; values above MaxGroupSize
	// are clamped.
	GroupSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Throttle < 0 {
		c.Throttle = 0
	}
	if c.GroupSize <= 0 {
		c.GroupSize = DefaultGroupSize
	}
	if c.GroupSize > MaxGroupSize {
		c.GroupSize = MaxGroupSize
	}
	return c
}

// Option configures a Poller.
type Option func(*Poller)

func WithClock(c Clock) Option {
	return func(p *Poller) { p.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

func WithObserver(o Observer) Option {
	return func(p *Poller) { p.observer = o }
}

// Poller runs the poll loop for one registry.
type Poller struct {
	gw       StatusQuerier
	reg      *jobregistry.Registry
	cfg      Config
	clock    Clock
	logger   *zap.Logger
	observer Observer
	limiter  *rate.Limiter
}

func New(gw StatusQuerier, reg *jobregistry.Registry, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		gw:       gw,
		reg:      reg,
		cfg:      cfg.withDefaults(),
		clock:    RealClock(),
		logger:   zap.NewNop(),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}

	limit := rate.Inf
	if p.cfg.Throttle > 0 {
		limit = rate.Every(p.cfg.Throttle)
	}
	p.limiter = rate.NewLimiter(limit, 1)
	return p
}

// Config returns the effective configuration.
func (p *Poller) Config() Config {
	return p.cfg
}

// Run polls until no unfinished jobs remain (nil) or ctx ends (ctx.Err()).
// It queries before its first sleep, so an already drained registry returns
// without sleeping.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if p.reg.UnfinishedLen() == 0 {
			return nil
		}
		if _, err := p.Cycle(ctx); err != nil {
			return err
		}
		if p.reg.UnfinishedLen() == 0 {
			return nil
		}
		if err := p.clock.Sleep(ctx, p.cfg.Interval); err != nil {
			return err
		}
	}
}

// Cycle queries every unfinished job once. The only error it returns is
// the context's.
func (p *Poller) Cycle(ctx context.Context) (jobregistry.Progress, error) {
	ids := p.reg.Unfinished()
	for start := 0; start < len(ids); start += p.cfg.GroupSize {
		end := min(start+p.cfg.GroupSize, len(ids))
		if err := p.throttle(ctx); err != nil {
			return jobregistry.Progress{}, err
		}
		if err := p.queryGroup(ctx, ids[start:end]); err != nil {
			return jobregistry.Progress{}, err
		}
	}

	progress := p.reg.Progress()
	p.logger.Info("Batch progress",
		zap.Int("finished", progress.Finished),
		zap.Int("total", progress.Total),
		zap.Int("failed", progress.Failed),
	)
	p.observer.CycleCompleted(progress)
	return progress, nil
}

func (p *Poller) throttle(ctx context.Context) error {
	now := p.clock.Now()
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	if err := p.clock.Sleep(ctx, r.DelayFrom(now)); err != nil {
		r.CancelAt(p.clock.Now())
		return err
	}
	return nil
}

func (p *Poller) queryGroup(ctx context.Context, ids []string) error {
	reports, err := p.gw.DescribeStatus(ctx, ids)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		p.logger.Warn("Status query failed; retrying next cycle",
			zap.Int("jobs", len(ids)),
			zap.String("first_job_id", ids[0]),
			zap.Error(err),
		)
		p.observer.QueryFailed(err)
		return nil
	}

	for _, report := range reports {
		p.apply(report)
	}
	return nil
}

func (p *Poller) apply(report execution.StatusReport) {
	tr, err := p.reg.Transition(report.JobID, report.Status, report.Reason)
	if err != nil {
		p.logger.Debug("Ignoring status for unknown job", zap.String("job_id", report.JobID))
		return
	}
	if tr.Previous != tr.Record.Status {
		p.logger.Debug("Job status changed",
			zap.String("job_id", report.JobID),
			zap.String("from", string(tr.Previous)),
			zap.String("to", string(tr.Record.Status)),
		)
	}
	if !tr.Finished {
		return
	}

	if tr.Record.Status == execution.StatusFailed {
		p.logger.Warn("Job failed",
			zap.String("job_id", report.JobID),
			zap.String("directory", tr.Record.Directory),
			zap.String("reason", tr.Record.StatusReason),
		)
	}
	if tr.Hook != nil {
		tr.Hook.OnComplete()
	}
	p.observer.JobFinished(tr.Record)
}
