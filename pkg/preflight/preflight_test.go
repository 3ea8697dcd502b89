package preflight_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcrbatch/pkg/output"
	"github.com/3leaps/pcrbatch/pkg/preflight"
	"github.com/3leaps/pcrbatch/pkg/provider"
	"github.com/3leaps/pcrbatch/pkg/provider/file"
)

func newFileTarget(t *testing.T) (*file.Provider, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := file.New(file.Config{BaseDir: dir})
	require.NoError(t, err)
	return p, dir
}

// denyPutTarget refuses writes.
type denyPutTarget struct {
	*file.Provider
}

func (d *denyPutTarget) PutObject(ctx context.Context, key string, body io.Reader, n int64) error {
	return &provider.ProviderError{Op: "PutObject", Provider: provider.ProviderFile, Key: key, Err: provider.ErrAccessDenied}
}

// denyListTarget refuses listing.
type denyListTarget struct {
	*file.Provider
}

func (d *denyListTarget) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	return nil, fmt.Errorf("list: %w", provider.ErrAccessDenied)
}

func capabilities(rec *output.PreflightRecord) []string {
	var caps []string
	for _, r := range rec.Results {
		caps = append(caps, r.Capability)
	}
	return caps
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    preflight.Mode
		wantErr bool
	}{
		{"", preflight.ModeReadSafe, false},
		{"read-safe", preflight.ModeReadSafe, false},
		{"PLAN-ONLY", preflight.ModePlanOnly, false},
		{" write-probe ", preflight.ModeWriteProbe, false},
		{"multipart-abort", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := preflight.ParseMode(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBucket_PlanOnly(t *testing.T) {
	p, _ := newFileTarget(t)

	rec, err := preflight.Bucket(context.Background(), p, preflight.Spec{Mode: preflight.ModePlanOnly, Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, "plan-only", rec.Mode)
	assert.Empty(t, rec.Results)
}

func TestBucket_ReadSafe(t *testing.T) {
	p, dir := newFileTarget(t)

	rec, err := preflight.Bucket(context.Background(), p, preflight.Spec{Mode: preflight.ModeReadSafe, Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{preflight.CapBucketList, preflight.CapBucketRead}, capabilities(rec))
	for _, r := range rec.Results {
		assert.True(t, r.Allowed, r.Capability)
	}
	assert.Empty(t, rec.ProbePrefix)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "read-safe must not write")
}

func TestBucket_WriteProbe(t *testing.T) {
	p, dir := newFileTarget(t)

	rec, err := preflight.Bucket(context.Background(), p, preflight.Spec{Mode: preflight.ModeWriteProbe, Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{preflight.CapBucketList, preflight.CapBucketRead, preflight.CapBucketWrite}, capabilities(rec))
	assert.Equal(t, preflight.DefaultProbePrefix, rec.ProbePrefix)

	write := rec.Results[2]
	assert.True(t, write.Allowed)
	assert.Equal(t, "PutObject+Head+Delete", write.Method)

	entries, err := os.ReadDir(filepath.Join(dir, "jobs", "_preflight"))
	require.NoError(t, err)
	assert.Empty(t, entries, "probe object is removed")
}

func TestBucket_WriteDenied(t *testing.T) {
	p, _ := newFileTarget(t)

	rec, err := preflight.Bucket(context.Background(), &denyPutTarget{p}, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAccessDenied)

	last := rec.Results[len(rec.Results)-1]
	assert.Equal(t, preflight.CapBucketWrite, last.Capability)
	assert.False(t, last.Allowed)
	assert.Equal(t, output.ErrCodeAccessDenied, last.ErrorCode)
}

func TestBucket_ListDenied(t *testing.T) {
	p, _ := newFileTarget(t)

	rec, err := preflight.Bucket(context.Background(), &denyListTarget{p}, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.Error(t, err)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, preflight.CapBucketList, rec.Results[0].Capability)
	assert.False(t, rec.Results[0].Allowed)
	assert.Equal(t, output.ErrCodeAccessDenied, rec.Results[0].ErrorCode)
}
