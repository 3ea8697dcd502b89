package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/execution/memory"
	"github.com/3leaps/pcrbatch/pkg/jobregistry"
	"github.com/3leaps/pcrbatch/pkg/poller"
	"github.com/3leaps/pcrbatch/pkg/provider"
	"github.com/3leaps/pcrbatch/pkg/provider/file"
	"github.com/3leaps/pcrbatch/pkg/workerenv"
)

var epoch = time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

type harness struct {
	gw    *memory.Gateway
	store *file.Provider
	clock *poller.ManualClock
}

func newStore(t *testing.T) *file.Provider {
	t.Helper()
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return store
}

// sumWorker mirrors the example worker image: it reads x and y and writes
// their sum and product. A payload with "fail": true fails the job before
// any output is written.
func sumWorker(store provider.ObjectStore) memory.WorkerFunc {
	return func(ctx context.Context, req execution.SubmitRequest) error {
		env, err := workerenv.FromVars(req.Environment)
		if err != nil {
			return err
		}
		return workerenv.Run(ctx, store, env, func(_ context.Context, in map[string]any) (any, error) {
			if fail, _ := in["fail"].(bool); fail {
				return nil, errors.New("worker exited with code 1")
			}
			x, err := intField(in, "x")
			if err != nil {
				return nil, err
			}
			y, err := intField(in, "y")
			if err != nil {
				return nil, err
			}
			return map[string]int64{"x+y": x + y, "x*y": x * y}, nil
		})
	}
}

func intField(in map[string]any, key string) (int64, error) {
	n, ok := in[key].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s is not a number", key)
	}
	return n.Int64()
}

func newHarness(t *testing.T, opts ...memory.Option) *harness {
	t.Helper()
	store := newStore(t)
	opts = append([]memory.Option{memory.WithWorker(sumWorker(store))}, opts...)
	return &harness{
		gw:    memory.New(opts...),
		store: store,
		clock: poller.NewManualClock(epoch),
	}
}

func (h *harness) manager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(h.clock)}, opts...)
	m, err := New(context.Background(), validConfig(), h.gw, h.store, opts...)
	require.NoError(t, err)
	return m
}

func TestNew_RegistersDefinition(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)

	defs := h.gw.ActiveDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, m.BatchID(), defs[0].Name)

	def, active := m.Definition()
	assert.True(t, active)
	assert.Equal(t, defs[0], def)
	assert.Equal(t, 1024, m.Config().MemoryMB)
}

func TestNew_Rejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := validConfig()
	cfg.Name = "-bad"
	_, err := New(ctx, cfg, h.gw, h.store)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = New(ctx, validConfig(), nil, h.store)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = validConfig()
	cfg.Image = ""
	_, err = New(ctx, cfg, h.gw, h.store)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Empty(t, h.gw.ActiveDefinitions())
}

func TestSubmitJob_SequenceAndDirectories(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	const n = 12
	ids := make([]string, n)
	dirs := make([]string, n)
	for i := range n {
		id, err := m.SubmitJob(ctx, map[string]int{"x": i, "y": 1})
		require.NoError(t, err)
		ids[i] = id
		dirs[i], err = m.GetJobDirectory(id)
		require.NoError(t, err)
	}

	for i, rec := range m.Records() {
		assert.Equal(t, i, rec.Seq)
		assert.Equal(t, ids[i], rec.JobID)
		assert.Equal(t, fmt.Sprintf("jobs/%s/%06d", m.BatchID(), i), rec.Directory)
		assert.Equal(t, execution.StatusSubmitted, rec.Status)
	}
	assert.True(t, sort.StringsAreSorted(dirs))

	req, ok := h.gw.Request(ids[3])
	require.True(t, ok)
	assert.Equal(t, m.BatchID(), req.JobName)
	assert.Equal(t, "queue-a", req.Queue)
	assert.Equal(t, 20*time.Hour, req.Timeout)
	env, err := workerenv.FromVars(req.Environment)
	require.NoError(t, err)
	assert.Equal(t, workerenv.ForJob("pcr-jobs", m.BatchID(), dirs[3]), env)

	staged, err := provider.ReadObject(ctx, h.store, env.ConfigKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":3,"y":1}`, string(staged))
}

func TestSubmitJob_EncodesSortedKeys(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	id, err := m.SubmitJob(ctx, map[string]any{"b": 1, "a": []int{1, 2}, "c": map[string]string{"z": "1", "y": "2"}})
	require.NoError(t, err)
	dir, _ := m.GetJobDirectory(id)

	staged, err := provider.ReadObject(ctx, h.store, workerenv.ConfigKey(dir))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2],"b":1,"c":{"y":"2","z":"1"}}`, string(staged))
}

func TestEndToEnd_Sum(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	id, err := m.SubmitJob(ctx, map[string]int{"x": 2, "y": 3})
	require.NoError(t, err)
	require.NoError(t, m.WaitUntilFinished(ctx))

	status, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, status)

	outputs := m.GetAllOutputs(ctx)
	require.Len(t, outputs, 1)
	assert.JSONEq(t, `{"x+y":5,"x*y":6}`, string(outputs[0]))

	assert.Empty(t, h.gw.ActiveDefinitions())
	_, active := m.Definition()
	assert.False(t, active)
}

func TestGetOutput_Idempotent(t *testing.T) {
	h := newHarness(t, memory.WithImmediate())
	m := h.manager(t)
	ctx := context.Background()

	id, err := m.SubmitJob(ctx, map[string]int{"x": 7, "y": 6})
	require.NoError(t, err)
	require.NoError(t, m.WaitUntilFinished(ctx))

	first, err := m.GetOutput(ctx, id)
	require.NoError(t, err)
	second, err := m.GetOutput(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRoundTrip_WorkerSeesPayload(t *testing.T) {
	store := newStore(t)
	var seen map[string]any
	gw := memory.New(memory.WithImmediate(), memory.WithWorker(func(ctx context.Context, req execution.SubmitRequest) error {
		env, err := workerenv.FromVars(req.Environment)
		if err != nil {
			return err
		}
		return workerenv.Run(ctx, store, env, func(_ context.Context, in map[string]any) (any, error) {
			seen = in
			in["visited"] = true
			return in, nil
		})
	}))
	m, err := New(context.Background(), validConfig(), gw, store, WithClock(poller.NewManualClock(epoch)))
	require.NoError(t, err)
	ctx := context.Background()

	payload := map[string]any{"name": "alpha", "weights": []any{1.5, 2.5}, "nested": map[string]any{"k": "v"}}
	id, err := m.SubmitJob(ctx, payload)
	require.NoError(t, err)
	require.NoError(t, m.WaitUntilFinished(ctx))

	assert.Equal(t, "alpha", seen["name"])
	out, err := m.GetOutput(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"alpha","weights":[1.5,2.5],"nested":{"k":"v"},"visited":true}`, string(out))
}

func TestDependencies_StartAfterTerminal(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	a, err := m.SubmitJob(ctx, map[string]any{"x": 1, "y": 1, "fail": true})
	require.NoError(t, err)
	b, err := m.SubmitJob(ctx, map[string]int{"x": 2, "y": 2}, WithDependencies(a))
	require.NoError(t, err)
	c, err := m.SubmitJob(ctx, map[string]int{"x": 3, "y": 3}, WithDependencies(a, b))
	require.NoError(t, err)

	require.NoError(t, m.WaitUntilFinished(ctx))

	pos := map[string]int{}
	for i, e := range h.gw.Events() {
		pos[string(e.Kind)+":"+e.JobID] = i
	}
	assert.Greater(t, pos["started:"+b], pos["finished:"+a])
	assert.Greater(t, pos["started:"+c], pos["finished:"+a])
	assert.Greater(t, pos["started:"+c], pos["finished:"+b])

	// A failed dependency still releases its dependents.
	statusA, _ := m.Status(a)
	statusC, _ := m.Status(c)
	assert.Equal(t, execution.StatusFailed, statusA)
	assert.Equal(t, execution.StatusSucceeded, statusC)

	rec := m.Records()[2]
	assert.Equal(t, []string{a, b}, rec.DependsOn)
}

func TestEndToEnd_FailedAndSucceeded(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	var completions atomic.Int32
	hook := WithCompletionFunc(func() { completions.Add(1) })

	ok1, err := m.SubmitJob(ctx, map[string]int{"x": 1, "y": 2}, hook)
	require.NoError(t, err)
	bad, err := m.SubmitJob(ctx, map[string]any{"fail": true}, hook)
	require.NoError(t, err)
	ok2, err := m.SubmitJob(ctx, map[string]int{"x": 3, "y": 4}, hook)
	require.NoError(t, err)

	require.NoError(t, m.WaitUntilFinished(ctx))
	assert.Equal(t, int32(3), completions.Load())

	outputs := m.GetAllOutputs(ctx)
	require.Len(t, outputs, 3)
	assert.JSONEq(t, `{"x+y":3,"x*y":2}`, string(outputs[0]))
	assert.Nil(t, outputs[1])
	assert.JSONEq(t, `{"x+y":7,"x*y":12}`, string(outputs[2]))

	_, err = m.GetOutput(ctx, bad)
	assert.ErrorIs(t, err, ErrOutputNotFound)
	assert.True(t, provider.IsNotFound(err))

	rec := m.Records()[1]
	assert.Equal(t, "worker exited with code 1", rec.StatusReason)
	assert.Equal(t, jobregistry.Progress{Finished: 3, Total: 3, Succeeded: 2, Failed: 1}, m.Progress())
	for _, id := range []string{ok1, ok2} {
		status, err := m.Status(id)
		require.NoError(t, err)
		assert.Equal(t, execution.StatusSucceeded, status)
	}
}

func TestWait_ZeroJobsDeregistersAndResubmitReregisters(t *testing.T) {
	h := newHarness(t, memory.WithImmediate())
	m := h.manager(t)
	ctx := context.Background()

	require.NoError(t, m.WaitUntilFinished(ctx))
	assert.Empty(t, h.gw.ActiveDefinitions())
	assert.Len(t, h.gw.Deregistered(), 1)
	assert.Equal(t, 0, h.gw.DescribeCalls())
	assert.Empty(t, h.clock.Sleeps())

	// A second wait with nothing registered makes no calls.
	require.NoError(t, m.WaitUntilFinished(ctx))
	assert.Len(t, h.gw.Deregistered(), 1)

	_, err := m.SubmitJob(ctx, map[string]int{"x": 1, "y": 1})
	require.NoError(t, err)
	def, active := m.Definition()
	assert.True(t, active)
	assert.Equal(t, 2, def.Revision)

	require.NoError(t, m.WaitUntilFinished(ctx))
	assert.Len(t, h.gw.Deregistered(), 2)
	assert.Empty(t, h.gw.ActiveDefinitions())
}

func TestWait_CancelKeepsDefinition(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.SubmitJob(ctx, map[string]int{"x": 1, "y": 1})
	require.NoError(t, err)

	h.clock.OnSleep = func(d time.Duration) {
		if d == DefaultPollInterval {
			cancel()
		}
	}
	err = m.WaitUntilFinished(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, active := m.Definition()
	assert.True(t, active)
	assert.Len(t, h.gw.ActiveDefinitions(), 1)
	assert.Equal(t, jobregistry.BatchStateCancelled, m.Snapshot().State)

	// Resuming finishes the batch.
	h.clock.OnSleep = nil
	require.NoError(t, m.WaitUntilFinished(context.Background()))
	assert.Empty(t, h.gw.ActiveDefinitions())
}

func TestWait_TimeoutBoundsWait(t *testing.T) {
	h := newHarness(t, memory.WithDescribeError(func([]string) error {
		return execution.ErrUnavailable
	}))
	cfg := validConfig()
	cfg.WaitTimeout = 20 * time.Millisecond
	m, err := New(context.Background(), cfg, h.gw, h.store, WithClock(h.clock))
	require.NoError(t, err)

	_, err = m.SubmitJob(context.Background(), map[string]int{"x": 1, "y": 1})
	require.NoError(t, err)

	err = m.WaitUntilFinished(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, m.reg.UnfinishedLen())
}

func TestWait_SubmitDuringWait(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	_, err := m.SubmitJob(ctx, map[string]int{"x": 1, "y": 1})
	require.NoError(t, err)

	var late string
	h.clock.OnSleep = func(d time.Duration) {
		if late != "" || d != DefaultPollInterval {
			return
		}
		id, err := m.SubmitJob(ctx, map[string]int{"x": 5, "y": 5})
		require.NoError(t, err)
		late = id
	}

	require.NoError(t, m.WaitUntilFinished(ctx))
	status, err := m.Status(late)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, status)
	assert.Len(t, h.gw.Deregistered(), 1)
}

type failingPutStore struct {
	provider.ObjectStore
	err error
}

func (s failingPutStore) PutObject(context.Context, string, io.Reader, int64) error {
	return s.err
}

func TestSubmitJob_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("encode", func(t *testing.T) {
		m := newHarness(t).manager(t)
		_, err := m.SubmitJob(ctx, map[string]any{"ch": make(chan int)})
		var se *SubmitError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageEncode, se.Stage)
		assert.ErrorIs(t, err, ErrSubmissionFailed)
		assert.Equal(t, 0, m.reg.Len())
	})

	for name, payload := range map[string]any{
		"slice payload":  []int{1, 2},
		"nil payload":    nil,
		"number payload": 42,
	} {
		t.Run(name, func(t *testing.T) {
			m := newHarness(t).manager(t)
			_, err := m.SubmitJob(ctx, payload)
			var se *SubmitError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, StageEncode, se.Stage)
			assert.Empty(t, se.Directory)
			assert.ErrorIs(t, err, ErrSubmissionFailed)
			assert.ErrorIs(t, err, execution.ErrInvalidRequest)
			assert.Equal(t, 0, m.reg.Len())
		})
	}

	t.Run("struct payload", func(t *testing.T) {
		m := newHarness(t).manager(t)
		_, err := m.SubmitJob(ctx, struct {
			X int `json:"x"`
			Y int `json:"y"`
		}{X: 1, Y: 2})
		assert.NoError(t, err)
	})

	t.Run("upload", func(t *testing.T) {
		h := newHarness(t)
		uploadErr := errors.New("disk full")
		m, err := New(ctx, validConfig(), h.gw, failingPutStore{ObjectStore: h.store, err: uploadErr}, WithClock(h.clock))
		require.NoError(t, err)

		_, err = m.SubmitJob(ctx, map[string]int{"x": 1})
		var se *SubmitError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageUpload, se.Stage)
		assert.Equal(t, fmt.Sprintf("jobs/%s/000000", m.BatchID()), se.Directory)
		assert.ErrorIs(t, err, uploadErr)
		assert.ErrorIs(t, err, ErrSubmissionFailed)
	})

	t.Run("submit unknown dependency", func(t *testing.T) {
		h := newHarness(t)
		m := h.manager(t)
		_, err := m.SubmitJob(ctx, map[string]int{"x": 1}, WithDependencies("does-not-exist"))
		var se *SubmitError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageSubmit, se.Stage)
		assert.ErrorIs(t, err, execution.ErrNotFound)
		assert.Equal(t, 0, m.reg.Len())

		// The rejected job's input is not left behind.
		_, err = h.store.Head(ctx, workerenv.ConfigKey(se.Directory))
		assert.ErrorIs(t, err, provider.ErrNotFound)

		// The failed attempt spent sequence 0.
		id, err := m.SubmitJob(ctx, map[string]int{"x": 1})
		require.NoError(t, err)
		dir, _ := m.GetJobDirectory(id)
		assert.Equal(t, fmt.Sprintf("jobs/%s/000001", m.BatchID()), dir)
	})

	t.Run("empty dependency", func(t *testing.T) {
		m := newHarness(t).manager(t)
		_, err := m.SubmitJob(ctx, map[string]int{"x": 1}, WithDependencies(""))
		assert.ErrorIs(t, err, ErrSubmissionFailed)
		assert.ErrorIs(t, err, execution.ErrInvalidRequest)
	})
}

func TestLookups_UnknownJob(t *testing.T) {
	m := newHarness(t).manager(t)
	ctx := context.Background()

	_, err := m.GetOutput(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.GetJobDirectory("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Status("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	id, err := m.SubmitJob(ctx, map[string]int{"x": 1, "y": 1})
	require.NoError(t, err)
	_, err = m.GetOutput(ctx, id)
	assert.ErrorIs(t, err, ErrOutputNotFound)
}

func TestTerminateUnfinished(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	for range 3 {
		_, err := m.SubmitJob(ctx, map[string]int{"x": 1, "y": 1})
		require.NoError(t, err)
	}

	n, err := m.TerminateUnfinished(ctx, "Manual cancellation.")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, m.WaitUntilFinished(ctx))
	for _, rec := range m.Records() {
		assert.Equal(t, execution.StatusFailed, rec.Status)
		assert.Equal(t, "Manual cancellation.", rec.StatusReason)
	}
	assert.Equal(t, 1, h.gw.DescribeCalls())
}

func TestClose_DeregistersOnce(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	assert.Len(t, h.gw.Deregistered(), 1)
}

func TestSnapshotStore_PersistsBatch(t *testing.T) {
	h := newHarness(t, memory.WithImmediate())
	snapshots := jobregistry.NewStore(t.TempDir())
	m := h.manager(t, WithSnapshotStore(snapshots))
	ctx := context.Background()

	_, err := os.Stat(snapshots.SnapshotPath(m.BatchID()))
	require.NoError(t, err)

	_, err = m.SubmitJob(ctx, map[string]int{"x": 1, "y": 2})
	require.NoError(t, err)
	mid, err := snapshots.Get(m.BatchID())
	require.NoError(t, err)
	assert.Equal(t, jobregistry.BatchStateRunning, mid.State)
	require.Len(t, mid.Jobs, 1)
	assert.Equal(t, execution.StatusSubmitted, mid.Jobs[0].Status)

	require.NoError(t, m.WaitUntilFinished(ctx))
	done, err := snapshots.Get(m.BatchID())
	require.NoError(t, err)
	assert.Equal(t, jobregistry.BatchStateFinished, done.State)
	assert.False(t, done.DefinitionActive)
	assert.Equal(t, "example", done.Name)
	assert.Equal(t, execution.StatusSucceeded, done.Jobs[0].Status)
}

func TestSnapshotStore_ThrottlesSubmitWrites(t *testing.T) {
	h := newHarness(t, memory.WithImmediate())
	snapshots := jobregistry.NewStore(t.TempDir())
	m := h.manager(t, WithSnapshotStore(snapshots))
	ctx := context.Background()

	persistedJobs := func() int {
		snap, err := snapshots.Get(m.BatchID())
		require.NoError(t, err)
		return len(snap.Jobs)
	}
	submit := func() {
		_, err := m.SubmitJob(ctx, map[string]int{"x": 1, "y": 1})
		require.NoError(t, err)
	}

	for range 3 {
		submit()
	}
	assert.Equal(t, 1, persistedJobs())

	require.NoError(t, h.clock.Sleep(ctx, time.Second))
	submit()
	assert.Equal(t, 4, persistedJobs())

	submit()
	assert.Equal(t, 4, persistedJobs())

	require.NoError(t, m.WaitUntilFinished(ctx))
	done, err := snapshots.Get(m.BatchID())
	require.NoError(t, err)
	require.Len(t, done.Jobs, 5)
	assert.Equal(t, jobregistry.BatchStateFinished, done.State)
}

func TestBatching_ManyJobs(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	for i := range 250 {
		_, err := m.SubmitJob(ctx, map[string]int{"x": i, "y": 0})
		require.NoError(t, err)
	}
	require.NoError(t, m.WaitUntilFinished(ctx))

	// Three lifecycle steps, three groups each.
	assert.Equal(t, 9, h.gw.DescribeCalls())
	throttles := 0
	for _, d := range h.clock.Sleeps() {
		if d < time.Second {
			throttles++
		}
	}
	assert.Equal(t, 6, throttles)
	assert.True(t, m.Progress().Done())
}
