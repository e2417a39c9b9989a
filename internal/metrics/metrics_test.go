package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveBeforeInitIsNoOp(t *testing.T) {
	// Must run before Init is called anywhere in this package's tests,
	// so no t.Parallel here.
	ObserveJob("completed")
	ObserveAdmission("freemium", true)
	ObserveHTTPRequest("GET", "/audit", 200, time.Millisecond)
	ObserveUsageRecordFailure()
	ObserveSessionEvicted()
	IncActiveWorkers()
	DecActiveWorkers()
}

func TestInitIsIdempotentAndCounts(t *testing.T) {
	Init()
	Init()

	ObserveJob("completed")
	ObserveJob("completed")
	ObserveJob("failed")

	require.InDelta(t, 2, testutil.ToFloat64(auditJobsTotal.WithLabelValues("completed")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(auditJobsTotal.WithLabelValues("failed")), 0.001)

	IncActiveWorkers()
	require.InDelta(t, 1, testutil.ToFloat64(activeAuditWorkers), 0.001)
	DecActiveWorkers()
	require.InDelta(t, 0, testutil.ToFloat64(activeAuditWorkers), 0.001)
}
