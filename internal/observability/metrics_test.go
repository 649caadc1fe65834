package observability

import (
	"testing"
	"time"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordOperation("eval", "ok", 12*time.Millisecond)
	RecordOperation("eval", "timeout", 30*time.Second)
	RecordOperation("clone", "connection", time.Millisecond)
}
