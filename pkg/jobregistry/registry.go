// Package jobregistry tracks the jobs of a batch.
//
// Registry is the single in-memory index of job records for a running batch.
// Store persists batch snapshots on disk so finished or abandoned batches can
// be inspected later. Launcher starts batch runs as detached processes.
package jobregistry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/3leaps/pcrbatch/pkg/execution"
)

var (
	// ErrUnknownJob indicates no record exists for the job id.
	ErrUnknownJob = errors.New("unknown job")

	// ErrDuplicateJob indicates a record already exists for the job id.
	ErrDuplicateJob = errors.New("duplicate job")
)

// Registry indexes job records by id and keeps submission order.
//
// A job is unfinished exactly when its record status is non-terminal; the
// unfinished set is derived from record state, never tracked separately.
// Records are never removed. Safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	records    map[string]*Record
	order      []string
	unfinished int
	now        func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Insert adds a new record.
func (r *Registry) Insert(rec Record) error {
	if rec.JobID == "" {
		return fmt.Errorf("job_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, rec.JobID)
	}
	if rec.Status == "" {
		rec.Status = execution.StatusSubmitted
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.now()
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = rec.UpdatedAt
	}
	rec.DependsOn = slices.Clone(rec.DependsOn)

	r.records[rec.JobID] = &rec
	r.order = append(r.order, rec.JobID)
	if !rec.Finished() {
		r.unfinished++
	}
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// IDs returns every job id in submission order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Records returns copies of every record in submission order.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.records[id])
	}
	return out
}

// Unfinished returns the ids of non-terminal jobs in submission order.
func (r *Registry) Unfinished() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.unfinished)
	for _, id := range r.order {
		if !r.records[id].Finished() {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) UnfinishedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unfinished
}

func (r *Registry) Progress() Progress {
	return ProgressOf(r.Records())
}

// Transition is the outcome of a status update.
type Transition struct {
	Record Record

	// Previous is the status before the update.
	Previous execution.Status

	// Finished is true only for the single non-terminal to terminal change
	// of a job.
	Finished bool

	// Hook is the completion hook to invoke; set only when Finished.
	Hook CompletionHook
}

// Transition applies a reported status to a job.
//
// Updates to a job that is already terminal are ignored, so a job finishes
// (and its hook is handed out) at most once.
func (r *Registry) Transition(id string, status execution.Status, reason string) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	t := Transition{Previous: rec.Status}
	if rec.Finished() {
		t.Record = *rec
		return t, nil
	}

	if rec.Status != status || rec.StatusReason != reason {
		rec.Status = status
		rec.StatusReason = reason
		rec.UpdatedAt = r.now()
	}
	if status.IsTerminal() {
		r.unfinished--
		t.Finished = true
		t.Hook = rec.OnComplete
	}
	t.Record = *rec
	return t, nil
}
