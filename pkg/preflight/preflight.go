// Package preflight checks that the job bucket allows what a batch needs
// before any job definition is registered.
package preflight

import (
	"context"
	"fmt"
	"strings"

	"github.com/3leaps/pcrbatch/pkg/output"
	"github.com/3leaps/pcrbatch/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly   Mode = "plan-only"
	ModeReadSafe   Mode = "read-safe"
	ModeWriteProbe Mode = "write-probe"
)

// ParseMode validates a mode name. Empty selects read-safe.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(strings.ToLower(s))) {
	case "", ModeReadSafe:
		return ModeReadSafe, nil
	case ModePlanOnly:
		return ModePlanOnly, nil
	case ModeWriteProbe:
		return ModeWriteProbe, nil
	}
	return "", fmt.Errorf("unknown preflight mode %q (want %s, %s or %s)", s, ModePlanOnly, ModeReadSafe, ModeWriteProbe)
}

// DefaultProbePrefix is where write probes are placed. It sits beside the
// per-batch job directories.
const DefaultProbePrefix = "jobs/_preflight/"

// Spec controls how preflight checks are executed.
type Spec struct {
	Mode        Mode
	Bucket      string
	ProbePrefix string
}

// Capability names are stable strings used in JSONL output.
const (
	CapBucketList  = "bucket.list"
	CapBucketRead  = "bucket.read"
	CapBucketWrite = "bucket.write"
)

// Target is the storage a batch stages inputs to and reads outputs from.
type Target interface {
	provider.Provider
	provider.ObjectStore
}

// Bucket runs the checks selected by spec.Mode, stopping at the first
// denied capability:
//
//	read-safe:   list under jobs/, get a random absent key
//	write-probe: read-safe, then put, head and delete a probe object
func Bucket(ctx context.Context, t Target, spec Spec) (*output.PreflightRecord, error) {
	if spec.ProbePrefix == "" {
		spec.ProbePrefix = DefaultProbePrefix
	}
	rec := &output.PreflightRecord{
		Mode:    string(spec.Mode),
		Bucket:  spec.Bucket,
		Results: []output.PreflightCheckResult{},
	}
	if spec.Mode == ModeWriteProbe {
		rec.ProbePrefix = spec.ProbePrefix
	}

	if spec.Mode == ModePlanOnly {
		return rec, nil
	}

	listMethod := "List(prefix=\"jobs/\",maxKeys=1)"
	if _, err := t.List(ctx, provider.ListOptions{Prefix: "jobs/", MaxKeys: 1}); err != nil {
		rec.Results = append(rec.Results, denied(CapBucketList, listMethod, err))
		return rec, err
	}
	rec.Results = append(rec.Results, allowed(CapBucketList, listMethod))

	readKey := joinPrefix(spec.ProbePrefix, "read-"+probeID())
	body, _, err := t.GetObject(ctx, readKey)
	if err == nil {
		_ = body.Close()
	}
	if err != nil && !provider.IsNotFound(err) {
		rec.Results = append(rec.Results, denied(CapBucketRead, "GetObject(random)", err))
		return rec, err
	}
	rec.Results = append(rec.Results, allowed(CapBucketRead, "GetObject(random)"))

	if spec.Mode != ModeWriteProbe {
		return rec, nil
	}

	res, err := WriteProbe(ctx, t, spec.ProbePrefix)
	rec.Results = append(rec.Results, res)
	return rec, err
}

func allowed(capability, method string) output.PreflightCheckResult {
	return output.PreflightCheckResult{Capability: capability, Allowed: true, Method: method}
}

func denied(capability, method string, err error) output.PreflightCheckResult {
	return output.PreflightCheckResult{
		Capability: capability,
		Allowed:    false,
		Method:     method,
		ErrorCode:  output.ErrorCode(err),
		Detail:     err.Error(),
	}
}

func joinPrefix(prefix, suffix string) string {
	if prefix == "" {
		return strings.TrimPrefix(suffix, "/")
	}
	if strings.HasSuffix(prefix, "/") {
		return prefix + strings.TrimPrefix(suffix, "/")
	}
	return prefix + "/" + strings.TrimPrefix(suffix, "/")
}
