package exec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerStatsSnapshotAndAddMerge(t *testing.T) {
	var s WorkerStats
	s.AddPolled(3)
	s.AddBusy(5 * time.Millisecond)
	s.AddStealRound()

	snap := s.Snapshot()
	require.EqualValues(t, 3, snap.TasksPolled)
	require.EqualValues(t, 1, snap.StealRounds)

	var total WorkerStats
	total.Add(&s)
	total.Add(&s)
	require.EqualValues(t, 6, total.TasksPolled)
}

func TestWorkerStatsStringRendersCounters(t *testing.T) {
	var s WorkerStats
	s.AddPolled(42)
	out := s.String()
	require.Contains(t, out, "TasksPolled")
	require.Contains(t, out, "42")
}
