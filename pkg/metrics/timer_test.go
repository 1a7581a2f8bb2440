package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimer(t *testing.T) {
	timer := NewTimer()
	assert.WithinDuration(t, time.Now(), timer.start, time.Second)

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_job_seconds",
		Help: "test",
	})

	NewTimer().ObserveDuration(histogram)
	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_job_vec_seconds",
		Help: "test",
	}, []string{"queue"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "create")
	timer.ObserveDurationVec(vec, "backup")

	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}
