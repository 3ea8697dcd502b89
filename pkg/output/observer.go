package output

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/jobregistry"
	"github.com/3leaps/pcrbatch/pkg/poller"
	"github.com/3leaps/pcrbatch/pkg/provider"
)

// Observer turns poll loop events into records.
//
// Poll callbacks cannot fail, so the first write error is kept and reported
// by Err.
type Observer struct {
	w        Writer
	progress bool

	queryFailures atomic.Int64

	mu  sync.Mutex
	err error
}

// NewObserver returns an observer writing to w. Progress records are only
// written when progress is true.
func NewObserver(w Writer, progress bool) *Observer {
	return &Observer{w: w, progress: progress}
}

func (o *Observer) CycleCompleted(p jobregistry.Progress) {
	if !o.progress {
		return
	}
	o.keep(o.w.WriteProgress(context.Background(), &ProgressRecord{
		Finished:  p.Finished,
		Total:     p.Total,
		Succeeded: p.Succeeded,
		Failed:    p.Failed,
	}))
}

func (o *Observer) QueryFailed(err error) {
	o.queryFailures.Add(1)
	o.keep(o.w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrorCode(err),
		Message: err.Error(),
	}))
}

func (o *Observer) JobFinished(r jobregistry.Record) {
	o.keep(o.w.WriteStatus(context.Background(), &StatusRecord{
		JobID:     r.JobID,
		Seq:       r.Seq,
		Directory: r.Directory,
		Status:    r.Status.String(),
		Reason:    r.StatusReason,
	}))
}

// QueryFailures returns how many status queries failed.
func (o *Observer) QueryFailures() int64 {
	return o.queryFailures.Load()
}

// Err returns the first write error.
func (o *Observer) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Observer) keep(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		o.err = err
	}
}

// ErrorCode maps an error to an ErrorRecord code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, execution.ErrAccessDenied), errors.Is(err, provider.ErrAccessDenied):
		return ErrCodeAccessDenied
	case errors.Is(err, execution.ErrNotFound), errors.Is(err, provider.ErrNotFound), errors.Is(err, provider.ErrBucketNotFound):
		return ErrCodeNotFound
	case errors.Is(err, execution.ErrThrottled), errors.Is(err, provider.ErrThrottled):
		return ErrCodeThrottled
	case execution.IsTransient(err), provider.IsTransient(err):
		return ErrCodeQueryFailed
	default:
		return ErrCodeInternal
	}
}

var _ poller.Observer = (*Observer)(nil)
