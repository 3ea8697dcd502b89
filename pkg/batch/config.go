package batch

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/poller"
)

const (
	DefaultMemoryMB     = 1024
	DefaultVCPUs        = 4
	DefaultGPUs         = 1
	DefaultTimeout      = 20 * time.Hour
	DefaultPollInterval = poller.DefaultInterval
	DefaultThrottle     = poller.DefaultThrottle
	DefaultGroupSize    = poller.DefaultGroupSize
)

// namePattern bounds names at 91 characters so the 37 character "_<uuid>"
// suffix keeps batch ids within the 128 character service limit.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,90}$`)

// ValidateName checks a human-chosen batch name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w %q: first character alphanumeric, at most 91 characters of letters, digits, hyphens and underscores", ErrInvalidIdentifier, name)
	}
	return nil
}

// NewBatchID derives a unique batch id from a valid name.
func NewBatchID(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name + "_" + uuid.NewString(), nil
}

// Config describes one batch. Zero numeric values take the defaults.
type Config struct {
	// Name is the human-chosen batch name.
	Name string `mapstructure:"name"`

	// Queue is the job queue name or ARN.
	Queue string `mapstructure:"queue"`

	// Image is the container image every job runs.
	Image string `mapstructure:"image"`

	// Bucket holds job inputs and outputs.
	Bucket string `mapstructure:"bucket"`

	MemoryMB int `mapstructure:"memory_mb"`
	VCPUs    int `mapstructure:"vcpus"`
	GPUs     int `mapstructure:"gpus"`

	// NoGPU requests a definition without GPU resources.
	NoGPU bool `mapstructure:"no_gpu"`

	// Timeout is each job attempt's limit, passed to the service in whole
	// seconds.
	Timeout time.Duration `mapstructure:"timeout"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
	Throttle     time.Duration `mapstructure:"throttle"`
	GroupSize    int           `mapstructure:"group_size"`

	// WaitTimeout bounds WaitUntilFinished. Zero waits until every job is
	// terminal, however long that takes.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// Validate checks the name and the required fields.
func (c Config) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}

	var problems []string
	if strings.TrimSpace(c.Queue) == "" {
		problems = append(problems, "queue is required")
	}
	if strings.TrimSpace(c.Image) == "" {
		problems = append(problems, "image is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		problems = append(problems, "bucket is required")
	}
	if c.MemoryMB < 0 || c.VCPUs < 0 || c.GPUs < 0 {
		problems = append(problems, "resources must not be negative")
	}
	if c.Timeout < 0 || c.PollInterval < 0 || c.Throttle < 0 || c.WaitTimeout < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if c.Timeout > 0 && c.Timeout < time.Second {
		problems = append(problems, "timeout must be at least one second")
	}
	if c.Timeout > execution.MaxTimeout {
		problems = append(problems, fmt.Sprintf("timeout must not exceed %s", execution.MaxTimeout))
	}
	if c.GroupSize < 0 || c.GroupSize > poller.MaxGroupSize {
		problems = append(problems, fmt.Sprintf("group_size must be between 1 and %d", poller.MaxGroupSize))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.VCPUs == 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.NoGPU {
		c.GPUs = 0
	} else if c.GPUs == 0 {
		c.GPUs = DefaultGPUs
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Throttle == 0 {
		c.Throttle = DefaultThrottle
	}
	if c.GroupSize == 0 {
		c.GroupSize = DefaultGroupSize
	}
	return c
}
