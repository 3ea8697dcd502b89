// Package batch submits a set of jobs to an execution service, waits for all
// of them to finish and collects their outputs.
//
// A Manager owns one batch: one job definition shared by every job, one
// storage prefix (jobs/<batch_id>/) and one registry of job records. Typical
// use:
//
//	m, err := batch.NewAWS(ctx, cfg, auth)
//	id, err := m.SubmitJob(ctx, map[string]any{"x": 2, "y": 3})
//	err = m.WaitUntilFinished(ctx)
//	outputs := m.GetAllOutputs(ctx)
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/jobregistry"
	"github.com/3leaps/pcrbatch/pkg/poller"
	"github.com/3leaps/pcrbatch/pkg/provider"
	"github.com/3leaps/pcrbatch/pkg/workerenv"
)

// Storage is the object store holding job inputs and outputs.
type Storage = provider.ObjectStore

// Manager coordinates one batch. It is safe for concurrent use; a job
// submitted while a wait is draining keeps that wait going.
type Manager struct {
	cfg       Config
	batchID   string
	gw        execution.Gateway
	store     Storage
	reg       *jobregistry.Registry
	poller    *poller.Poller
	logger    *zap.Logger
	clock     poller.Clock
	observer  poller.Observer
	snapshots *jobregistry.Store
	createdAt time.Time

	// waitMu serializes WaitUntilFinished calls.
	waitMu sync.Mutex

	// mu guards the fields below and serializes SubmitJob with the
	// end-of-wait deregistration decision.
	mu        sync.Mutex
	def       execution.Definition
	defActive bool
	nextSeq   int
	state     jobregistry.BatchState

	persistedAt time.Time
	dirty       bool
}

// snapshotEvery limits how often SubmitJob rewrites the batch snapshot.
const snapshotEvery = time.Second

// New validates cfg, derives the batch id and registers the job definition.
func New(ctx context.Context, cfg Config, gw execution.Gateway, store Storage, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gw == nil || store == nil {
		return nil, fmt.Errorf("%w: execution gateway and storage are required", ErrInvalidConfig)
	}
	cfg = cfg.WithDefaults()

	batchID, err := NewBatchID(cfg.Name)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		batchID:   batchID,
		gw:        gw,
		store:     store,
		reg:       jobregistry.NewRegistry(),
		logger:    zap.NewNop(),
		clock:     poller.RealClock(),
		observer:  poller.NopObserver{},
		createdAt: time.Now().UTC(),
		state:     jobregistry.BatchStateRunning,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("batch_id", batchID))
	m.poller = poller.New(gw, m.reg, poller.Config{
		Interval:  cfg.PollInterval,
		Throttle:  cfg.Throttle,
		GroupSize: cfg.GroupSize,
	}, poller.WithClock(m.clock), poller.WithLogger(m.logger), poller.WithObserver(m.observer))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.registerLocked(ctx); err != nil {
		return nil, fmt.Errorf("register job definition: %w", err)
	}
	m.persistLocked()
	return m, nil
}

// BatchID returns the batch id, used as definition name, job name and
// storage prefix.
func (m *Manager) BatchID() string {
	return m.batchID
}

// Config returns the effective configuration with defaults applied.
func (m *Manager) Config() Config {
	return m.cfg
}

// Definition returns the current job definition handle and whether it is
// registered.
func (m *Manager) Definition() (execution.Definition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.def, m.defActive
}

func (m *Manager) definitionSpec() execution.DefinitionSpec {
	return execution.DefinitionSpec{
		Name:     m.batchID,
		Image:    m.cfg.Image,
		MemoryMB: m.cfg.MemoryMB,
		VCPUs:    m.cfg.VCPUs,
		GPUs:     m.cfg.GPUs,
		Timeout:  m.cfg.Timeout,
	}
}

func (m *Manager) registerLocked(ctx context.Context) error {
	def, err := m.gw.RegisterDefinition(ctx, m.definitionSpec())
	if err != nil {
		return err
	}
	m.def = def
	m.defActive = true
	m.logger.Info("Registered job definition",
		zap.String("definition", def.Handle()),
		zap.Int("revision", def.Revision),
	)
	return nil
}

func (m *Manager) deregisterLocked(ctx context.Context) error {
	if !m.defActive {
		return nil
	}
	if err := m.gw.DeregisterDefinition(ctx, m.def.Handle()); err != nil {
		return err
	}
	m.defActive = false
	m.logger.Info("Deregistered job definition", zap.String("definition", m.def.Handle()))
	return nil
}

// SubmitJob stages payload as the job's config.json and enqueues the job.
//
// payload must encode to a JSON object with encoding/json; workers decode
// config.json as a key/value mapping. The job directory is
// jobs/<batch_id>/<seq>, with seq counting from zero. A definition
// deregistered by an earlier wait is registered again first. Failures are
// *SubmitError values matching ErrSubmissionFailed and are not retried. When
// the service rejects the job, the staged config.json is deleted if the
// storage supports deletes.
func (m *Manager) SubmitJob(ctx context.Context, payload any, opts ...SubmitOption) (string, error) {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}
	for _, dep := range so.dependsOn {
		if strings.TrimSpace(dep) == "" {
			return "", &SubmitError{Stage: StageSubmit, Err: fmt.Errorf("%w: empty dependency job id", execution.ErrInvalidRequest)}
		}
	}

	body, err := encodePayload(payload)
	if err != nil {
		return "", &SubmitError{Stage: StageEncode, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.defActive {
		if err := m.registerLocked(ctx); err != nil {
			return "", &SubmitError{Stage: StageRegister, Err: err}
		}
	}

	// The sequence number is spent even if the upload or submit fails, so
	// a retried payload never reuses a directory.
	seq := m.nextSeq
	m.nextSeq++
	dir := workerenv.JobDirectory(m.batchID, seq)
	env := workerenv.ForJob(m.cfg.Bucket, m.batchID, dir)

	if err := m.store.PutObject(ctx, env.ConfigKey, bytes.NewReader(body), int64(len(body))); err != nil {
		return "", &SubmitError{Stage: StageUpload, Directory: dir, Err: err}
	}
	m.logger.Debug("Staged job input", zap.String("bucket", m.cfg.Bucket), zap.String("key", env.ConfigKey))

	jobID, err := m.gw.Submit(ctx, execution.SubmitRequest{
		JobName:     m.batchID,
		Queue:       m.cfg.Queue,
		Definition:  m.def.Handle(),
		DependsOn:   so.dependsOn,
		Environment: env.Vars(),
		Timeout:     m.cfg.Timeout,
	})
	if err != nil {
		m.discardStaged(ctx, env.ConfigKey)
		return "", &SubmitError{Stage: StageSubmit, Directory: dir, Err: err}
	}

	err = m.reg.Insert(jobregistry.Record{
		JobID:      jobID,
		Seq:        seq,
		Directory:  dir,
		ConfigKey:  env.ConfigKey,
		OutputKey:  env.OutputKey,
		Status:     execution.StatusSubmitted,
		DependsOn:  so.dependsOn,
		OnComplete: so.hook,
	})
	if err != nil {
		return "", &SubmitError{Stage: StageSubmit, Directory: dir, Err: err}
	}

	m.state = jobregistry.BatchStateRunning
	m.logger.Info("Submitted job",
		zap.String("job_id", jobID),
		zap.String("directory", dir),
		zap.Strings("depends_on", so.dependsOn),
	)
	m.persistSubmittedLocked()
	return jobID, nil
}

// encodePayload encodes payload as a JSON object.
func encodePayload(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload must encode to a JSON object, got %T", execution.ErrInvalidRequest, payload)
	}
	return body, nil
}

// discardStaged removes a config.json whose job was never enqueued.
func (m *Manager) discardStaged(ctx context.Context, key string) {
	deleter, ok := m.store.(provider.ObjectDeleter)
	if !ok {
		return
	}
	if err := deleter.DeleteObject(ctx, key); err != nil {
		m.logger.Warn("Failed to remove staged job input", zap.String("key", key), zap.Error(err))
	}
}

// WaitUntilFinished polls until every submitted job is terminal, then
// deregisters the job definition. It returns at once, after deregistering,
// when no jobs are unfinished.
//
// Without a Config.WaitTimeout the wait is bounded only by ctx: a job the
// service never reports as terminal keeps it waiting. On cancellation the
// definition stays registered so submission can resume, and ctx.Err() is
// returned.
func (m *Manager) WaitUntilFinished(ctx context.Context) error {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()

	if m.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.WaitTimeout)
		defer cancel()
	}

	m.mu.Lock()
	if m.dirty {
		m.persistLocked()
	}
	m.mu.Unlock()

	m.logger.Info("Waiting for jobs to finish", zap.Int("unfinished", m.reg.UnfinishedLen()))
	for {
		if err := m.poller.Run(ctx); err != nil {
			m.mu.Lock()
			m.state = jobregistry.BatchStateCancelled
			m.persistLocked()
			m.mu.Unlock()
			m.logger.Warn("Wait interrupted", zap.Error(err), zap.Int("unfinished", m.reg.UnfinishedLen()))
			return err
		}

		m.mu.Lock()
		if m.reg.UnfinishedLen() > 0 {
			// A job was submitted during the final cycle.
			m.mu.Unlock()
			continue
		}
		err := m.deregisterLocked(ctx)
		m.state = jobregistry.BatchStateFinished
		m.persistLocked()
		m.mu.Unlock()

		if err != nil {
			return fmt.Errorf("deregister job definition: %w", err)
		}
		p := m.reg.Progress()
		m.logger.Info("All jobs finished", zap.Int("succeeded", p.Succeeded), zap.Int("failed", p.Failed))
		return nil
	}
}

// GetOutput reads the job's output.json. A job that failed before writing
// its output yields ErrOutputNotFound.
func (m *Manager) GetOutput(ctx context.Context, jobID string) ([]byte, error) {
	rec, ok := m.reg.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	b, err := provider.ReadObject(ctx, m.store, rec.OutputKey)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrOutputNotFound, rec.OutputKey, err)
		}
		return nil, fmt.Errorf("read output %s: %w", rec.OutputKey, err)
	}
	return b, nil
}

// GetAllOutputs returns every job's output in submission order, with nil
// for each output that could not be read.
func (m *Manager) GetAllOutputs(ctx context.Context) [][]byte {
	ids := m.reg.IDs()
	outputs := make([][]byte, len(ids))
	for i, id := range ids {
		out, err := m.GetOutput(ctx, id)
		if err != nil {
			m.logger.Warn("Unable to get output", zap.String("job_id", id), zap.Error(err))
			continue
		}
		outputs[i] = out
	}
	return outputs
}

// GetJobDirectory returns the storage prefix holding the job's files.
func (m *Manager) GetJobDirectory(jobID string) (string, error) {
	rec, ok := m.reg.Get(jobID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return rec.Directory, nil
}

// Status returns the last polled status of a job.
func (m *Manager) Status(jobID string) (execution.Status, error) {
	rec, ok := m.reg.Get(jobID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return rec.Status, nil
}

// Records returns every job record in submission order.
func (m *Manager) Records() []jobregistry.Record {
	return m.reg.Records()
}

func (m *Manager) Progress() jobregistry.Progress {
	return m.reg.Progress()
}

// Snapshot returns the current persisted view of the batch.
func (m *Manager) Snapshot() jobregistry.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() jobregistry.Snapshot {
	return jobregistry.Snapshot{
		BatchID:          m.batchID,
		Name:             m.cfg.Name,
		Queue:            m.cfg.Queue,
		Bucket:           m.cfg.Bucket,
		Definition:       m.def,
		DefinitionActive: m.defActive,
		State:            m.state,
		PID:              os.Getpid(),
		CreatedAt:        m.createdAt,
		UpdatedAt:        time.Now().UTC(),
		Jobs:             m.reg.Records(),
	}
}

func (m *Manager) persistLocked() {
	if m.snapshots == nil {
		return
	}
	snap := m.snapshotLocked()
	if err := m.snapshots.Write(&snap); err != nil {
		m.logger.Warn("Failed to persist batch snapshot", zap.Error(err))
		m.dirty = true
		return
	}
	m.persistedAt = m.clock.Now()
	m.dirty = false
}

// persistSubmittedLocked writes the snapshot for the first job, then at most
// once per snapshotEvery. Skipped writes are flushed when the wait starts.
func (m *Manager) persistSubmittedLocked() {
	if m.snapshots == nil {
		return
	}
	if m.reg.Len() > 1 && m.clock.Now().Sub(m.persistedAt) < snapshotEvery {
		m.dirty = true
		return
	}
	m.persistLocked()
}

// TerminateUnfinished asks the service to terminate every unfinished job
// and returns how many requests succeeded. Terminated jobs are observed as
// FAILED by the next poll.
func (m *Manager) TerminateUnfinished(ctx context.Context, reason string) (int, error) {
	var errs []error
	terminated := 0
	for _, id := range m.reg.Unfinished() {
		if err := m.gw.Terminate(ctx, id, reason); err != nil {
			if ctx.Err() != nil {
				return terminated, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		terminated++
		m.logger.Info("Terminated job", zap.String("job_id", id), zap.String("reason", reason))
	}
	return terminated, errors.Join(errs...)
}

// Close deregisters the job definition if it is still registered.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deregisterLocked(ctx); err != nil {
		return fmt.Errorf("deregister job definition: %w", err)
	}
	m.persistLocked()
	return nil
}
