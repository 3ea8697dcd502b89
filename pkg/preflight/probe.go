package preflight

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/3leaps/pcrbatch/pkg/output"
	"github.com/3leaps/pcrbatch/pkg/provider"
)

var probeID = uuid.NewString

// WriteProbe writes a small object under prefix, confirms it with Head and
// removes it again when the target can delete.
func WriteProbe(ctx context.Context, t Target, prefix string) (output.PreflightCheckResult, error) {
	key := joinPrefix(prefix, "write-"+probeID()+".json")
	payload := []byte(`{"probe":true}`)

	method := "PutObject+Head"
	deleter, canDelete := t.(provider.ObjectDeleter)
	if canDelete {
		method += "+Delete"
	}

	if err := t.PutObject(ctx, key, bytes.NewReader(payload), int64(len(payload))); err != nil {
		return denied(CapBucketWrite, method, err), err
	}
	meta, err := t.Head(ctx, key)
	if err != nil {
		return denied(CapBucketWrite, method, err), err
	}
	if meta.Size != int64(len(payload)) {
		err := fmt.Errorf("probe object %s has size %d, wrote %d", key, meta.Size, len(payload))
		return denied(CapBucketWrite, method, err), err
	}
	if canDelete {
		if err := deleter.DeleteObject(ctx, key); err != nil {
			return denied(CapBucketWrite, method, err), err
		}
	}
	return allowed(CapBucketWrite, method), nil
}
