// Package output provides JSONL output for batch runs.
//
// Output is structured as typed record envelopes: submitted jobs, status
// changes, progress, collected outputs, errors and a final summary. Each
// line is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern pcrbatch.<type>.v<version>.
const (
	// TypeJob identifies submitted-job records.
	TypeJob = "pcrbatch.job.v1"

	// TypeStatus identifies terminal status records.
	TypeStatus = "pcrbatch.status.v1"

	// TypeProgress identifies per-cycle progress records.
	TypeProgress = "pcrbatch.progress.v1"

	// TypeOutput identifies collected job outputs.
	TypeOutput = "pcrbatch.output.v1"

	// TypeSummary identifies the final summary record.
	TypeSummary = "pcrbatch.summary.v1"

	// TypeError identifies error records.
	TypeError = "pcrbatch.error.v1"

	// TypePreflight identifies storage preflight results.
	TypePreflight = "pcrbatch.preflight.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the payload (e.g., "pcrbatch.job.v1").
	Type string `json:"type"`

	// TS is when the record was created.
	TS time.Time `json:"ts"`

	// BatchID correlates every record of one run.
	BatchID string `json:"batch_id"`

	// Provider is "aws" or "local".
	Provider string `json:"provider"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is emitted once per submitted job.
type JobRecord struct {
	// Name is the manifest job name.
	Name      string   `json:"name"`
	JobID     string   `json:"job_id"`
	Seq       int      `json:"seq"`
	Directory string   `json:"directory"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// StatusRecord is emitted when a job reaches a terminal status.
type StatusRecord struct {
	JobID     string `json:"job_id"`
	Seq       int    `json:"seq"`
	Directory string `json:"directory"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// ProgressRecord is emitted after every poll cycle.
type ProgressRecord struct {
	Finished  int `json:"finished"`
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// OutputRecord carries one job's output document. Output is omitted when the
// job wrote none, which is the normal case for failed jobs.
type OutputRecord struct {
	Name      string          `json:"name,omitempty"`
	JobID     string          `json:"job_id"`
	Directory string          `json:"directory"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than aborting the run, so one
// unreadable output does not hide the others.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if any.
	JobID string `json:"job_id,omitempty"`

	// Key is the object key related to this error, if any.
	Key string `json:"key,omitempty"`

	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeAccessDenied  = "ACCESS_DENIED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeThrottled     = "THROTTLED"
	ErrCodeQueryFailed   = "QUERY_FAILED"
	ErrCodeOutputMissing = "OUTPUT_MISSING"
	ErrCodeInternal      = "INTERNAL"
)

// SummaryRecord is emitted once at the end of a run.
type SummaryRecord struct {
	// State is the final batch state ("finished", "cancelled").
	State string `json:"state"`

	Jobs      int `json:"jobs"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Unfinished counts jobs still pending when the wait ended early.
	Unfinished int `json:"unfinished"`

	// Definition is the job definition used by the batch.
	Definition string `json:"definition,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// QueryFailures counts status queries that failed and were retried.
	QueryFailures int64 `json:"query_failures"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// PreflightRecord reports the storage permission checks run before a batch
// registers its job definition.
type PreflightRecord struct {
	Mode        string                 `json:"mode"`
	Bucket      string                 `json:"bucket"`
	ProbePrefix string                 `json:"probe_prefix,omitempty"`
	Results     []PreflightCheckResult `json:"results"`
}

// PreflightCheckResult is the outcome of one capability check.
type PreflightCheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}
