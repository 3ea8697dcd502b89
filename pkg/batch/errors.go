package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier indicates a batch name that cannot form a batch id.
	ErrInvalidIdentifier = errors.New("invalid batch name")

	// ErrInvalidConfig indicates a missing or out-of-range setting.
	ErrInvalidConfig = errors.New("invalid batch config")

	// ErrSubmissionFailed indicates SubmitJob did not enqueue the job.
	ErrSubmissionFailed = errors.New("job submission failed")

	// ErrJobNotFound indicates the job id was not submitted by this manager.
	ErrJobNotFound = errors.New("job not found")

	// ErrOutputNotFound indicates the worker never wrote the job's output,
	// normally because the job failed or has not finished.
	ErrOutputNotFound = errors.New("job output not found")
)

// SubmitStage names the SubmitJob step that failed.
type SubmitStage string

const (
	StageEncode   SubmitStage = "encode"
	StageRegister SubmitStage = "register"
	StageUpload   SubmitStage = "upload"
	StageSubmit   SubmitStage = "submit"
)

// SubmitError reports a failed SubmitJob call. It matches
// ErrSubmissionFailed and the underlying cause with errors.Is.
type SubmitError struct {
	Stage SubmitStage

	// Directory is the job directory, empty if no sequence number was taken.
	Directory string

	Err error
}

func (e *SubmitError) Error() string {
	if e.Directory != "" {
		return fmt.Sprintf("submit job %s: %s: %v", e.Directory, e.Stage, e.Err)
	}
	return fmt.Sprintf("submit job: %s: %v", e.Stage, e.Err)
}

func (e *SubmitError) Unwrap() []error {
	return []error{ErrSubmissionFailed, e.Err}
}
