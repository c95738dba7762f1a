package jobmetrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/estatehub/estatehub/testing"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, StatusSuccess, Outcome(nil))
	assert.Equal(t, StatusRefused, Outcome(fmt.Errorf("%w: forbidden", asynq.SkipRetry)))
	assert.Equal(t, StatusFailure, Outcome(errors.New("timeout")))
}

func TestTrackerCountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("audit:archive").End(nil))
	refused := fmt.Errorf("%w: forbidden", asynq.SkipRetry)
	require.ErrorIs(t, m.Track("audit:archive").End(refused), asynq.SkipRetry)
	_ = m.Track("audit:archive").End(errors.New("db down"))
	_ = m.Track("audit:archive").End(errors.New("db down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("audit:archive", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("audit:archive", StatusRefused)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("audit:archive", StatusFailure)))
	assert.Positive(t, testutil.ToFloat64(m.lastRun.WithLabelValues("audit:archive")))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("x").End(boom), boom)
	m.AddProcessed("x", "rows", 5)
}

func TestAddProcessedIgnoresEmptyRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.AddProcessed("idempotency:cleanup", "idempotency_keys", 0)
	m.AddProcessed("idempotency:cleanup", "idempotency_keys", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.processed.WithLabelValues("idempotency:cleanup", "idempotency_keys")))
}
