// Package workerenv is the contract between the batch manager and the
// container that runs each job.
//
// The manager stages a job's input at <dir>/config.json and passes the
// locations to the worker through environment variables; the worker writes
// its result to <dir>/output.json.
package workerenv

import (
	"fmt"
	"os"
	"strings"

	"github.com/3leaps/pcrbatch/pkg/execution"
)

// Environment variable names. S3_OUTPUT_OJBECT_KEY keeps the spelling that
// deployed worker images read.
const (
	EnvBucket    = "S3_JOB_BUCKET"
	EnvConfigKey = "S3_JOB_CONFIG_KEY"
	EnvPrefix    = "S3_JOB_PREFIX"
	EnvOutputKey = "S3_OUTPUT_OJBECT_KEY"
	EnvBatchID   = "BATCH_ID"
)

// Names lists the variables in the order they are passed to a job.
var Names = []string{EnvBucket, EnvConfigKey, EnvPrefix, EnvOutputKey, EnvBatchID}

const (
	ConfigFile = "config.json"
	OutputFile = "output.json"
)

// JobDirectory returns the storage prefix of a job. The sequence number is
// zero-padded so directories sort lexically in submission order.
func JobDirectory(batchID string, seq int) string {
	return fmt.Sprintf("jobs/%s/%06d", batchID, seq)
}

func ConfigKey(dir string) string { return dir + "/" + ConfigFile }

func OutputKey(dir string) string { return dir + "/" + OutputFile }

// Env is the set of locations handed to one job.
type Env struct {
	Bucket    string
	ConfigKey string
	Prefix    string
	OutputKey string
	BatchID   string
}

// ForJob builds the environment of the job stored under dir.
func ForJob(bucket, batchID, dir string) Env {
	return Env{
		Bucket:    bucket,
		ConfigKey: ConfigKey(dir),
		Prefix:    dir,
		OutputKey: OutputKey(dir),
		BatchID:   batchID,
	}
}

// Vars renders the environment as container overrides, in Names order.
func (e Env) Vars() []execution.EnvVar {
	return []execution.EnvVar{
		{Name: EnvBucket, Value: e.Bucket},
		{Name: EnvConfigKey, Value: e.ConfigKey},
		{Name: EnvPrefix, Value: e.Prefix},
		{Name: EnvOutputKey, Value: e.OutputKey},
		{Name: EnvBatchID, Value: e.BatchID},
	}
}

// Validate reports every missing variable at once.
func (e Env) Validate() error {
	var missing []string
	for _, kv := range e.Vars() {
		if strings.TrimSpace(kv.Value) == "" {
			missing = append(missing, kv.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing worker environment: %s", strings.Join(missing, ", "))
	}
	return nil
}

// FromLookup reads the environment through lookup.
func FromLookup(lookup func(string) (string, bool)) (Env, error) {
	get := func(name string) string {
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}
	env := Env{
		Bucket:    get(EnvBucket),
		ConfigKey: get(EnvConfigKey),
		Prefix:    get(EnvPrefix),
		OutputKey: get(EnvOutputKey),
		BatchID:   get(EnvBatchID),
	}
	return env, env.Validate()
}

// FromVars reads the environment from container overrides.
func FromVars(vars []execution.EnvVar) (Env, error) {
	m := make(map[string]string, len(vars))
	for _, kv := range vars {
		m[kv.Name] = kv.Value
	}
	return FromLookup(func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	})
}

// FromEnviron reads the process environment.
func FromEnviron() (Env, error) {
	return FromLookup(os.LookupEnv)
}
