package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/evidence-engine/internal/model"
)

func TestRecordCycle(t *testing.T) {
	completeBefore := testutil.ToFloat64(cyclesTotal.WithLabelValues("complete"))
	forwardBefore := testutil.ToFloat64(decisionsTotal.WithLabelValues("forward"))
	malformedBefore := testutil.ToFloat64(cycleErrors.WithLabelValues("malformed_input"))
	reratedBefore := testutil.ToFloat64(subjectsRerated)
	firedBefore := testutil.ToFloat64(triggersFired)

	RecordCycle(&model.CycleReport{
		Forwarded:     []string{"e1", "e2"},
		Parked:        []string{"e3"},
		Rerated:       []string{"a", "b", "c"},
		Invalidations: []model.Invalidation{{}},
		Errors:        []model.CycleError{{Kind: model.ErrorMalformedInput}},
	}, 250*time.Millisecond)

	assert.Equal(t, completeBefore+1, testutil.ToFloat64(cyclesTotal.WithLabelValues("complete")))
	assert.Equal(t, forwardBefore+2, testutil.ToFloat64(decisionsTotal.WithLabelValues("forward")))
	assert.Equal(t, malformedBefore+1, testutil.ToFloat64(cycleErrors.WithLabelValues("malformed_input")))
	assert.Equal(t, reratedBefore+3, testutil.ToFloat64(subjectsRerated))
	assert.Equal(t, firedBefore+1, testutil.ToFloat64(triggersFired))
}

func TestRecordCycleFailure(t *testing.T) {
	before := testutil.ToFloat64(cyclesTotal.WithLabelValues("rejected"))
	RecordCycleFailure("rejected", 0)
	assert.Equal(t, before+1, testutil.ToFloat64(cyclesTotal.WithLabelValues("rejected")))
}

func TestSetQuarantineDepth(t *testing.T) {
	SetQuarantineDepth(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(quarantineDepth))
}
