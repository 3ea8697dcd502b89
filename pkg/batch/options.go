package batch

import (
	"go.uber.org/zap"

	"github.com/3leaps/pcrbatch/pkg/jobregistry"
	"github.com/3leaps/pcrbatch/pkg/poller"
)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces the poll loop's time source.
func WithClock(c poller.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithObserver(o poller.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithSnapshotStore persists a batch snapshot after every submission and
// at the end of every wait.
func WithSnapshotStore(s *jobregistry.Store) Option {
	return func(m *Manager) { m.snapshots = s }
}

type submitOptions struct {
	dependsOn []string
	hook      jobregistry.CompletionHook
}

// SubmitOption configures one SubmitJob call.
type SubmitOption func(*submitOptions)

// WithDependencies makes the job wait until each listed job is terminal.
// A failed dependency still releases the job.
func WithDependencies(jobIDs ...string) SubmitOption {
	return func(o *submitOptions) { o.dependsOn = append(o.dependsOn, jobIDs...) }
}

// WithCompletion registers a hook run once when the job becomes terminal,
// from inside WaitUntilFinished.
func WithCompletion(h jobregistry.CompletionHook) SubmitOption {
	return func(o *submitOptions) { o.hook = h }
}

func WithCompletionFunc(fn func()) SubmitOption {
	return WithCompletion(jobregistry.CompletionFunc(fn))
}
