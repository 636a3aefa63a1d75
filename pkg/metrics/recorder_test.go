package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecorderIsSingleton(t *testing.T) {
	r1 := NewRecorder()
	r2 := NewRecorder()
	require.NotNil(t, r1)
	assert.Same(t, r1, r2)
}

func TestRecorderObservations(t *testing.T) {
	r := NewRecorder()

	ticksBefore := testutil.ToFloat64(r.pollTicksTotal)
	r.ObservePollTick()
	assert.Equal(t, ticksBefore+1, testutil.ToFloat64(r.pollTicksTotal))

	okBefore := testutil.ToFloat64(r.investigationsTotal.WithLabelValues("investigate", "success"))
	failBefore := testutil.ToFloat64(r.investigationsTotal.WithLabelValues("investigate", "error"))
	r.ObserveInvestigation("investigate", true)
	r.ObserveInvestigation("investigate", false)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(r.investigationsTotal.WithLabelValues("investigate", "success")))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(r.investigationsTotal.WithLabelValues("investigate", "error")))

	r.ObserveReconcile(250*time.Millisecond, true)
	assert.Positive(t, testutil.CollectAndCount(r.reconcileDuration))

	r.ObserveAllocation(2)
	assert.Positive(t, testutil.CollectAndCount(r.allocationAttempts))
}
