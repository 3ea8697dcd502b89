package execution

import (
	"fmt"
	"strings"
)

// Status is a job lifecycle state. The vocabulary follows AWS Batch.
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusPending   Status = "PENDING"
	StatusRunnable  Status = "RUNNABLE"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Statuses lists the vocabulary in lifecycle order.
var Statuses = []Status{
	StatusSubmitted,
	StatusPending,
	StatusRunnable,
	StatusStarting,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// ParseStatus accepts any case and rejects values outside the vocabulary.
func ParseStatus(v string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(v)))
	for _, s := range Statuses {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", v)
}
