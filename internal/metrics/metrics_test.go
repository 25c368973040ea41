package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveResultCountsOutcomeAndFollowers(t *testing.T) {
	beforeOK := testutil.ToFloat64(resultsTotal.WithLabelValues("SUCCESS"))
	beforeFollowers := testutil.ToFloat64(followersDiscoveredTotal)

	ObserveResult("SUCCESS", 3)
	ObserveResult("NOT_FOUND", 0)

	if got := testutil.ToFloat64(resultsTotal.WithLabelValues("SUCCESS")) - beforeOK; got != 1 {
		t.Errorf("expected one SUCCESS result, got %f", got)
	}
	if got := testutil.ToFloat64(followersDiscoveredTotal) - beforeFollowers; got != 3 {
		t.Errorf("expected 3 followers, got %f", got)
	}
}

func TestGaugesTrackLatestValue(t *testing.T) {
	SetSessions(4)
	SetQueueDepth(1200)
	SetPending(17)

	if got := testutil.ToFloat64(sessionsActive); got != 4 {
		t.Errorf("sessions = %f, want 4", got)
	}
	if got := testutil.ToFloat64(queueDepth); got != 1200 {
		t.Errorf("queue depth = %f, want 1200", got)
	}
	if got := testutil.ToFloat64(pendingIDs); got != 17 {
		t.Errorf("pending = %f, want 17", got)
	}
}

func TestCountersAccumulate(t *testing.T) {
	beforeAssigned := testutil.ToFloat64(assignedTotal)
	beforeRollback := testutil.ToFloat64(rollbacksTotal)
	beforeSegments := testutil.ToFloat64(segmentsRotatedTotal.WithLabelValues("failure"))
	beforeViolations := testutil.ToFloat64(protocolViolationsTotal.WithLabelValues("worker"))

	ObserveAssignment(2000)
	ObserveRollback(2)
	ObserveSegmentRotated("failure")
	ObserveProtocolViolation("worker")

	if got := testutil.ToFloat64(assignedTotal) - beforeAssigned; got != 2000 {
		t.Errorf("assigned delta = %f", got)
	}
	if got := testutil.ToFloat64(rollbacksTotal) - beforeRollback; got != 2 {
		t.Errorf("rollback delta = %f", got)
	}
	if got := testutil.ToFloat64(segmentsRotatedTotal.WithLabelValues("failure")) - beforeSegments; got != 1 {
		t.Errorf("segments delta = %f", got)
	}
	if got := testutil.ToFloat64(protocolViolationsTotal.WithLabelValues("worker")) - beforeViolations; got != 1 {
		t.Errorf("violations delta = %f", got)
	}
}

func TestActiveTasksGauge(t *testing.T) {
	before := testutil.ToFloat64(activeTasks)
	IncActiveTasks()
	IncActiveTasks()
	DecActiveTasks()
	if got := testutil.ToFloat64(activeTasks) - before; got != 1 {
		t.Errorf("active tasks delta = %f, want 1", got)
	}
}

func TestObservePageRequestAndPacing(t *testing.T) {
	before := testutil.ToFloat64(pageRequestsTotal.WithLabelValues("429"))
	ObservePageRequest(429)
	if got := testutil.ToFloat64(pageRequestsTotal.WithLabelValues("429")) - before; got != 1 {
		t.Errorf("page requests delta = %f", got)
	}

	ObservePacingDelay(150 * time.Millisecond)
	if n := testutil.CollectAndCount(pacingDelaySeconds); n != 1 {
		t.Errorf("expected pacing histogram to be collected, got %d", n)
	}
}
