package metrics

import (
	"io"
	"log"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStreamAckFailureCounter(t *testing.T) {
	Init(nil, log.New(io.Discard, "", 0))

	counter := streamAckFailed.WithLabelValues("telemetry.ingest", "fleet-core")
	before := testutil.ToFloat64(counter)
	IncStreamAckFailure("telemetry.ingest", "fleet-core")
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("ack failures = %v, want %v", got, before+1)
	}
}
