package workerenv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcrbatch/pkg/provider"
	"github.com/3leaps/pcrbatch/pkg/provider/file"
)

func TestJobDirectory_SortsInSubmissionOrder(t *testing.T) {
	assert.Equal(t, "jobs/demo_1/000000", JobDirectory("demo_1", 0))
	assert.Equal(t, "jobs/demo_1/000042", JobDirectory("demo_1", 42))
	assert.Less(t, JobDirectory("b", 9), JobDirectory("b", 10))
	assert.Less(t, JobDirectory("b", 99999), JobDirectory("b", 100000))
}

func TestForJob_Vars(t *testing.T) {
	env := ForJob("pcr-jobs", "demo_1", "jobs/demo_1/000003")

	vars := env.Vars()
	names := make([]string, len(vars))
	for i, kv := range vars {
		names[i] = kv.Name
	}
	assert.Equal(t, Names, names)
	assert.Equal(t, "jobs/demo_1/000003/config.json", env.ConfigKey)
	assert.Equal(t, "jobs/demo_1/000003/output.json", env.OutputKey)
	assert.Equal(t, "S3_OUTPUT_OJBECT_KEY", vars[3].Name)

	back, err := FromVars(vars)
	require.NoError(t, err)
	assert.Equal(t, env, back)
}

func TestFromLookup_ReportsAllMissing(t *testing.T) {
	_, err := FromLookup(func(name string) (string, bool) {
		if name == EnvBucket {
			return "pcr-jobs", true
		}
		return "", false
	})
	require.Error(t, err)
	for _, name := range []string{EnvConfigKey, EnvPrefix, EnvOutputKey, EnvBatchID} {
		assert.Contains(t, err.Error(), name)
	}
	assert.NotContains(t, err.Error(), EnvBucket)
}

func TestFromEnviron(t *testing.T) {
	env := ForJob("b", "demo_1", "jobs/demo_1/000000")
	for _, kv := range env.Vars() {
		t.Setenv(kv.Name, kv.Value)
	}

	got, err := FromEnviron()
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestRun(t *testing.T) {
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	env := ForJob("local", "demo_1", JobDirectory("demo_1", 0))

	in := []byte(`{"x":2,"y":3}`)
	require.NoError(t, store.PutObject(ctx, env.ConfigKey, bytes.NewReader(in), int64(len(in))))

	err = Run(ctx, store, env, func(_ context.Context, input map[string]any) (any, error) {
		x, _ := input["x"].(json.Number).Int64()
		y, _ := input["y"].(json.Number).Int64()
		return map[string]int64{"x+y": x + y}, nil
	})
	require.NoError(t, err)

	out, err := provider.ReadObject(ctx, store, env.OutputKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x+y":5}`, string(out))
}

func TestRun_HandlerFailureWritesNothing(t *testing.T) {
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	env := ForJob("local", "demo_1", JobDirectory("demo_1", 0))
	require.NoError(t, store.PutObject(ctx, env.ConfigKey, bytes.NewReader([]byte(`{}`)), 2))

	boom := errors.New("boom")
	err = Run(ctx, store, env, func(context.Context, map[string]any) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, err = provider.ReadObject(ctx, store, env.OutputKey)
	assert.True(t, provider.IsNotFound(err))
}

func TestRun_MissingConfig(t *testing.T) {
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = Run(context.Background(), store, ForJob("local", "demo_1", "jobs/demo_1/000000"), func(context.Context, map[string]any) (any, error) {
		return nil, nil
	})
	assert.True(t, provider.IsNotFound(err))
}
