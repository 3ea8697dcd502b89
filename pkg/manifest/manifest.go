// Package manifest loads batch manifests: YAML or JSON files that describe
// one batch of jobs for `pcrbatch run`.
//
// Manifests are validated against an embedded JSON Schema (unknown fields
// are rejected), then checked for job graph consistency.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	batch:
//	  name: example
//	  queue: pcr-queue
//	  image: 123456789012.dkr.ecr.us-east-1.amazonaws.com/worker:latest
//	  bucket: pcr-jobs
//	jobs:
//	  - name: first
//	    input: {x: 2, y: 3}
//	  - name: second
//	    depends_on: [first]
//	    input: {x: 4, y: 5}
package manifest

import (
	"fmt"
	"time"

	"github.com/3leaps/pcrbatch/pkg/awsauth"
	"github.com/3leaps/pcrbatch/pkg/batch"
)

// Manifest is a validated batch manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Connection ConnectionConfig `json:"connection,omitempty" yaml:"connection,omitempty"`
	Batch      BatchConfig      `json:"batch" yaml:"batch"`
	Jobs       []JobSpec        `json:"jobs" yaml:"jobs"`
	Output     OutputConfig     `json:"output,omitempty" yaml:"output,omitempty"`
}

// Provider values.
const (
	ProviderAWS   = "aws"
	ProviderLocal = "local"
)

// ConnectionConfig selects where the batch runs.
type ConnectionConfig struct {
	// Provider is "aws" (Batch + S3) or "local" (in-process simulator over a
	// directory). Default: "aws".
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile  string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// BaseDir is the object root for the local provider. Empty uses the
	// app data dir.
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`

	// Worker names the built-in worker the local provider runs per job.
	Worker string `json:"worker,omitempty" yaml:"worker,omitempty"`
}

// AWS returns the credential settings for the aws provider.
func (c ConnectionConfig) AWS() awsauth.Config {
	return awsauth.Config{Region: c.Region, Endpoint: c.Endpoint, Profile: c.Profile}
}

// BatchConfig mirrors batch.Config with durations as strings ("20h", "200ms").
type BatchConfig struct {
	Name         string `json:"name" yaml:"name"`
	Queue        string `json:"queue,omitempty" yaml:"queue,omitempty"`
	Image        string `json:"image,omitempty" yaml:"image,omitempty"`
	Bucket       string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	MemoryMB     int    `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	VCPUs        int    `json:"vcpus,omitempty" yaml:"vcpus,omitempty"`
	GPUs         *int   `json:"gpus,omitempty" yaml:"gpus,omitempty"`
	Timeout      string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	Throttle     string `json:"throttle,omitempty" yaml:"throttle,omitempty"`
	GroupSize    int    `json:"group_size,omitempty" yaml:"group_size,omitempty"`
	WaitTimeout  string `json:"wait_timeout,omitempty" yaml:"wait_timeout,omitempty"`
}

// JobSpec is one job to submit. Jobs are submitted in manifest order.
type JobSpec struct {
	// Name identifies the job within the manifest.
	Name string `json:"name" yaml:"name"`

	// DependsOn names earlier jobs that must finish (succeed or fail) first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Input is staged as the job's config.json.
	Input map[string]any `json:"input" yaml:"input"`
}

// OutputConfig configures where run records go.
type OutputConfig struct {
	// Destination is "stdout" or "file:/path/to/records.jsonl".
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Progress enables progress records. Default: true.
	Progress *bool `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	DefaultProvider    = ProviderAWS
	DefaultLocalWorker = "none"

	// DefaultLocalPollInterval is the poll interval for in-process runs.
	DefaultLocalPollInterval = "1s"
	DefaultDestination = "stdout"
	DefaultProgress    = true

	// localPlaceholder fills queue, image and bucket for local runs.
	localPlaceholder = "local"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Connection.Provider == "" {
		m.Connection.Provider = DefaultProvider
	}
	if m.Connection.Provider == ProviderLocal {
		if m.Connection.Worker == "" {
			m.Connection.Worker = DefaultLocalWorker
		}
		if m.Batch.Queue == "" {
			m.Batch.Queue = localPlaceholder
		}
		if m.Batch.Image == "" {
			m.Batch.Image = localPlaceholder
		}
		if m.Batch.Bucket == "" {
			m.Batch.Bucket = localPlaceholder
		}
		if m.Batch.PollInterval == "" {
			m.Batch.PollInterval = DefaultLocalPollInterval
		}
	}
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	if m.Output.Progress == nil {
		defaultProgress := DefaultProgress
		m.Output.Progress = &defaultProgress
	}
}

// Fallback supplies values for fields a manifest leaves empty, usually from
// the user's config file.
type Fallback struct {
	AWS   awsauth.Config
	Batch batch.Config
}

func (m *Manifest) applyFallback(f Fallback) {
	c := &m.Connection
	c.Region = firstNonEmpty(c.Region, f.AWS.Region)
	c.Endpoint = firstNonEmpty(c.Endpoint, f.AWS.Endpoint)
	c.Profile = firstNonEmpty(c.Profile, f.AWS.Profile)

	b := &m.Batch
	b.Queue = firstNonEmpty(b.Queue, f.Batch.Queue)
	b.Image = firstNonEmpty(b.Image, f.Batch.Image)
	b.Bucket = firstNonEmpty(b.Bucket, f.Batch.Bucket)
	if b.MemoryMB == 0 {
		b.MemoryMB = f.Batch.MemoryMB
	}
	if b.VCPUs == 0 {
		b.VCPUs = f.Batch.VCPUs
	}
	if b.GroupSize == 0 {
		b.GroupSize = f.Batch.GroupSize
	}
	b.Timeout = firstNonEmpty(b.Timeout, formatDuration(f.Batch.Timeout))
	b.PollInterval = firstNonEmpty(b.PollInterval, formatDuration(f.Batch.PollInterval))
	b.Throttle = firstNonEmpty(b.Throttle, formatDuration(f.Batch.Throttle))
	b.WaitTimeout = firstNonEmpty(b.WaitTimeout, formatDuration(f.Batch.WaitTimeout))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

// ProgressEnabled returns whether progress records should be emitted.
func (o *OutputConfig) ProgressEnabled() bool {
	if o.Progress == nil {
		return DefaultProgress
	}
	return *o.Progress
}

// BatchSettings converts the batch block into a batch.Config.
func (m *Manifest) BatchSettings() (batch.Config, error) {
	b := m.Batch
	cfg := batch.Config{
		Name:      b.Name,
		Queue:     b.Queue,
		Image:     b.Image,
		Bucket:    b.Bucket,
		MemoryMB:  b.MemoryMB,
		VCPUs:     b.VCPUs,
		GroupSize: b.GroupSize,
	}
	if b.GPUs != nil {
		cfg.GPUs = *b.GPUs
		cfg.NoGPU = *b.GPUs == 0
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"timeout", b.Timeout, &cfg.Timeout},
		{"poll_interval", b.PollInterval, &cfg.PollInterval},
		{"throttle", b.Throttle, &cfg.Throttle},
		{"wait_timeout", b.WaitTimeout, &cfg.WaitTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return batch.Config{}, fmt.Errorf("batch.%s: %w", d.field, err)
		}
		*d.dst = parsed
	}
	return cfg, nil
}
