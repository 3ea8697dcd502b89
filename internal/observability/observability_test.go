package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/jobregistry"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		wantErr bool
	}{
		{"structured info", "info", "structured", false},
		{"default profile", "debug", "", false},
		{"console", "warn", "console", false},
		{"profile is case-insensitive", "info", "STRUCTURED", false},
		{"bad level", "loud", "structured", true},
		{"bad profile", "info", "fancy", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.profile)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	logger, err := NewLogger("warn", "structured")
	require.NoError(t, err)
	assert.Nil(t, logger.Check(-1, "debug"))
	assert.NotNil(t, logger.Check(1, "warn"))
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("pcrbatch", false)
	require.NotNil(t, CLILogger)
	assert.Nil(t, CLILogger.Check(-1, "debug"))

	InitCLILogger("pcrbatch", true)
	assert.NotNil(t, CLILogger.Check(-1, "debug"))
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_ObservesPoller(t *testing.T) {
	m := NewMetrics("demo")

	m.SetProgress(jobregistry.Progress{Total: 3})
	m.JobFinished(jobregistry.Record{JobID: "a", Status: execution.StatusSucceeded})
	m.JobFinished(jobregistry.Record{JobID: "b", Status: execution.StatusFailed})
	m.QueryFailed(errors.New("throttled"))
	m.CycleCompleted(jobregistry.Progress{Total: 3, Finished: 2, Succeeded: 1, Failed: 1})

	body := scrape(t, m)
	assert.Contains(t, body, `pcrbatch_jobs{batch="demo"} 3`)
	assert.Contains(t, body, `pcrbatch_jobs_finished{batch="demo"} 2`)
	assert.Contains(t, body, `pcrbatch_jobs_failed{batch="demo"} 1`)
	assert.Contains(t, body, `pcrbatch_poll_cycles_total{batch="demo"} 1`)
	assert.Contains(t, body, `pcrbatch_status_query_failures_total{batch="demo"} 1`)
	assert.Contains(t, body, `pcrbatch_job_transitions_total{batch="demo",status="FAILED"} 1`)
	assert.Contains(t, body, `pcrbatch_job_transitions_total{batch="demo",status="SUCCEEDED"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
