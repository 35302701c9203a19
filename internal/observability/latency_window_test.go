package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(StageHealthCheck, 500)
	w.Observe(StageHealthCheck, 700)
	w.Observe(StageHealthCheck, 900)
	w.Count("started")
	w.Count("started")
	w.Count("  ")

	snap := w.Snapshot()
	require.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)

	s := snap.Stages[0]
	require.Equal(t, 3, s.Samples)
	require.Equal(t, 900.0, s.LastMS)
	require.Equal(t, 700.0, s.P50MS)
	require.Greater(t, s.P95MS, 700.0)
	require.LessOrEqual(t, s.P95MS, 900.0)
	require.Equal(t, 2000.0, s.BudgetMS)
	require.Zero(t, s.OverBudget)
	require.False(t, s.Breached)

	require.Equal(t, []EventCount{{Event: "started", Count: 2}}, snap.Events)
}

func TestLatencyWindowFlagsBudgetBreach(t *testing.T) {
	w := newLatencyWindow(4)
	w.Observe(StagePersist, 100)
	w.Observe(StagePersist, 900)
	w.Observe(StagePersist, 1200)
	w.Observe("custom", 99999)

	snap := w.Snapshot()
	require.Len(t, snap.Stages, 2)
	require.Equal(t, "custom", snap.Stages[0].Stage)
	require.False(t, snap.Stages[0].Breached)

	persist := snap.Stages[1]
	require.Equal(t, 2, persist.OverBudget)
	require.True(t, persist.Breached)
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe(StagePersist, 1)
	w.Observe(StagePersist, 2)
	w.Observe(StagePersist, 3)
	w.Observe(StagePersist, -5)

	s := w.Snapshot().Stages[0]
	require.Equal(t, 2, s.Samples)
	require.Equal(t, 2.5, s.AvgMS)
	require.Equal(t, 3.0, s.LastMS)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveWebhookCheck(true, time.Millisecond)
	m.SessionEvent("started")
	m.SubfetchFailed("application_sid")
	require.Empty(t, m.SnapshotLatency().Stages)
}
