package jobregistry

import (
	"time"

	"github.com/3leaps/pcrbatch/pkg/execution"
)

// CompletionHook is invoked exactly once, when its job first reaches a
// terminal status.
type CompletionHook interface {
	OnComplete()
}

// CompletionFunc adapts a plain function to CompletionHook.
type CompletionFunc func()

func (f CompletionFunc) OnComplete() { f() }

// Record is the registry entry for one submitted job.
//
// NOTE: Records are persisted in batch.json snapshots; fields are additive.
type Record struct {
	JobID        string           `json:"job_id"`
	Seq          int              `json:"seq"`
	Directory    string           `json:"directory"`
	ConfigKey    string           `json:"config_key"`
	OutputKey    string           `json:"output_key"`
	Status       execution.Status `json:"status"`
	StatusReason string           `json:"status_reason,omitempty"`
	DependsOn    []string         `json:"depends_on,omitempty"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	UpdatedAt    time.Time        `json:"updated_at"`

	OnComplete CompletionHook `json:"-"`
}

// Finished reports whether the record is in a terminal status.
func (r Record) Finished() bool {
	return r.Status.IsTerminal()
}

// Progress counts finished jobs.
type Progress struct {
	Finished  int `json:"finished"`
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Done reports whether every job is finished.
func (p Progress) Done() bool {
	return p.Finished == p.Total
}

// ProgressOf tallies a set of records.
func ProgressOf(records []Record) Progress {
	p := Progress{Total: len(records)}
	for _, r := range records {
		switch r.Status {
		case execution.StatusSucceeded:
			p.Succeeded++
		case execution.StatusFailed:
			p.Failed++
		}
	}
	p.Finished = p.Succeeded + p.Failed
	return p
}

// BatchState is the lifecycle state of a persisted batch.
//
// NOTE: These values are persisted in batch.json and are part of the stable
// on-disk contract.
type BatchState string

const (
	BatchStateRunning   BatchState = "running"
	BatchStateFinished  BatchState = "finished"
	BatchStateCancelled BatchState = "cancelled"
	BatchStateUnknown   BatchState = "unknown"
)

// Snapshot is the persisted view of a batch written to batch.json.
type Snapshot struct {
	BatchID          string               `json:"batch_id"`
	Name             string               `json:"name"`
	Queue            string               `json:"queue"`
	Bucket           string               `json:"bucket"`
	Definition       execution.Definition `json:"definition"`
	DefinitionActive bool                 `json:"definition_active"`
	State            BatchState           `json:"state"`
	PID              int                  `json:"pid,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	Jobs             []Record             `json:"jobs"`
}

// Progress tallies the snapshot's jobs.
func (s Snapshot) Progress() Progress {
	return ProgressOf(s.Jobs)
}
