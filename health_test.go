package routeguard_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rg "github.com/ineyio/routeguard"
)

func TestHealth_UnknownProviderIsUnhealthy(t *testing.T) {
	h := rg.NewHealthMonitor(rg.DefaultHealthConfig())
	assert.Equal(t, rg.HealthUnhealthy, h.Status("nope"))
	assert.Equal(t, 0.0, h.Score("nope"))

	_, ok := h.Report("nope")
	assert.False(t, ok)
}

func TestHealth_RegisterSeedsHealthy(t *testing.T) {
	h := rg.NewHealthMonitor(rg.DefaultHealthConfig())
	h.Register("p1")

	assert.Equal(t, rg.HealthHealthy, h.Status("p1"))
	assert.Equal(t, 1.0, h.Score("p1"))
}

func TestHealth_ConsecutiveFailures(t *testing.T) {
	h := rg.NewHealthMonitor(rg.HealthConfig{DegradedAfterFailures: 1, UnhealthyAfterFailures: 3})
	err := errors.New("timeout")

	h.RecordFailure("p1", err)
	assert.Equal(t, rg.HealthDegraded, h.Status("p1"))
	assert.Equal(t, 0.5, h.Score("p1"))

	h.RecordFailure("p1", err)
	assert.Equal(t, rg.HealthDegraded, h.Status("p1"))

	h.RecordFailure("p1", err)
	assert.Equal(t, rg.HealthUnhealthy, h.Status("p1"))

	report, ok := h.Report("p1")
	require.True(t, ok)
	assert.Equal(t, 3, report.ConsecutiveFailures)
	assert.Equal(t, "timeout", report.LastError)
}

func TestHealth_SuccessResetsConsecutiveFailures(t *testing.T) {
	h := rg.NewHealthMonitor(rg.HealthConfig{
		DegradedAfterFailures:  1,
		UnhealthyAfterFailures: 2,
		DegradedFailureRatio:   0.9,
		MinRatioSamples:        10,
	})

	h.RecordFailure("p1", nil)
	h.RecordSuccess("p1", 10*time.Millisecond)
	h.RecordFailure("p1", nil)

	assert.Equal(t, rg.HealthDegraded, h.Status("p1"))

	h.RecordSuccess("p1", 10*time.Millisecond)
	assert.Equal(t, rg.HealthHealthy, h.Status("p1"))
}

func TestHealth_LatencyThresholds(t *testing.T) {
	h := rg.NewHealthMonitor(rg.HealthConfig{
		WindowSize:       4,
		DegradedLatency:  100 * time.Millisecond,
		UnhealthyLatency: time.Second,
	})

	h.RecordSuccess("p1", 50*time.Millisecond)
	assert.Equal(t, rg.HealthHealthy, h.Status("p1"))

	h.RecordSuccess("p1", 250*time.Millisecond)
	assert.Equal(t, rg.HealthDegraded, h.Status("p1")) // avg 150ms

	for i := 0; i < 4; i++ {
		h.RecordSuccess("p1", 2*time.Second)
	}
	assert.Equal(t, rg.HealthUnhealthy, h.Status("p1"))

	report, _ := h.Report("p1")
	assert.Equal(t, 4, report.Observations)
	assert.Equal(t, 2*time.Second, report.AverageLatency)
}

func TestHealth_FailureRatioDegrades(t *testing.T) {
	h := rg.NewHealthMonitor(rg.HealthConfig{
		WindowSize:             10,
		DegradedAfterFailures:  2,
		UnhealthyAfterFailures: 5,
		DegradedFailureRatio:   0.5,
		MinRatioSamples:        4,
	})

	// Alternating outcomes never reach two consecutive failures.
	for i := 0; i < 2; i++ {
		h.RecordFailure("p1", nil)
		h.RecordSuccess("p1", time.Millisecond)
	}
	assert.Equal(t, rg.HealthDegraded, h.Status("p1"))
}

func TestHealth_DegradedObservation(t *testing.T) {
	h := rg.NewHealthMonitor(rg.DefaultHealthConfig())

	h.RecordResult(rg.HealthCheckResult{ProviderID: "p1", Status: rg.HealthDegraded, ResponseTime: time.Millisecond})
	assert.Equal(t, rg.HealthDegraded, h.Status("p1"))

	h.RecordResult(rg.HealthCheckResult{ProviderID: "p1", Status: rg.HealthHealthy, ResponseTime: time.Millisecond})
	assert.Equal(t, rg.HealthHealthy, h.Status("p1"))
}

func TestHealth_DeterministicOverSameSequence(t *testing.T) {
	seq := []rg.HealthCheckResult{
		{ProviderID: "p1", Status: rg.HealthHealthy, ResponseTime: 30 * time.Millisecond},
		{ProviderID: "p1", Status: rg.HealthUnhealthy, ErrorMessage: "500"},
		{ProviderID: "p1", Status: rg.HealthHealthy, ResponseTime: 3 * time.Second},
		{ProviderID: "p1", Status: rg.HealthUnhealthy, ErrorMessage: "503"},
		{ProviderID: "p1", Status: rg.HealthUnhealthy, ErrorMessage: "503"},
	}

	run := func() []rg.HealthStatus {
		h := rg.NewHealthMonitor(rg.DefaultHealthConfig())
		var out []rg.HealthStatus
		for _, r := range seq {
			h.RecordResult(r)
			out = append(out, h.Status("p1"))
		}
		return out
	}

	assert.Equal(t, run(), run())
}

func TestHealth_AllStatusesAndRemove(t *testing.T) {
	h := rg.NewHealthMonitor(rg.DefaultHealthConfig())
	h.Register("a")
	h.RecordFailure("b", nil)

	assert.Equal(t, map[rg.ProviderID]rg.HealthStatus{
		"a": rg.HealthHealthy,
		"b": rg.HealthDegraded,
	}, h.AllStatuses())

	h.Remove("a")
	assert.Equal(t, rg.HealthUnhealthy, h.Status("a"))
	assert.Len(t, h.AllStatuses(), 1)
}

func TestHealth_ConcurrentRecording(t *testing.T) {
	h := rg.NewHealthMonitor(rg.DefaultHealthConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := rg.ProviderID([]string{"a", "b", "c"}[i%3])
			h.RecordSuccess(id, time.Millisecond)
			_ = h.Status(id)
			_ = h.AllStatuses()
		}(i)
	}
	wg.Wait()

	for _, id := range []rg.ProviderID{"a", "b", "c"} {
		assert.Equal(t, rg.HealthHealthy, h.Status(id))
	}
}

func TestHealth_UnhealthyRecoversAfterPeriod(t *testing.T) {
	clk := newFakeClock()
	h := rg.NewHealthMonitor(rg.HealthConfig{
		DegradedAfterFailures:  1,
		UnhealthyAfterFailures: 3,
		UnhealthyRecovery:      time.Minute,
	}, rg.WithHealthClock(clk.Now))

	for i := 0; i < 3; i++ {
		h.RecordFailure("p1", errors.New("503"))
	}
	require.Equal(t, rg.HealthUnhealthy, h.Status("p1"))

	clk.Advance(59 * time.Second)
	assert.Equal(t, rg.HealthUnhealthy, h.Status("p1"))

	clk.Advance(time.Second)
	assert.Equal(t, rg.HealthDegraded, h.Status("p1"))
	assert.Equal(t, rg.HealthDegraded, h.AllStatuses()["p1"])

	// A failed trial goes straight back to unhealthy with a fresh period.
	h.RecordFailure("p1", errors.New("503"))
	assert.Equal(t, rg.HealthUnhealthy, h.Status("p1"))
	clk.Advance(30 * time.Second)
	assert.Equal(t, rg.HealthUnhealthy, h.Status("p1"))
	clk.Advance(30 * time.Second)
	assert.Equal(t, rg.HealthDegraded, h.Status("p1"))

	// A successful trial clears the failure streak.
	h.RecordSuccess("p1", 10*time.Millisecond)
	report, _ := h.Report("p1")
	assert.Equal(t, 0, report.ConsecutiveFailures)
	assert.NotEqual(t, rg.HealthUnhealthy, report.Status)
}
