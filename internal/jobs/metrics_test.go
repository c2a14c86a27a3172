package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackerRecordsStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	_ = m.Track("payout:start").End(nil)
	boom := errors.New("boom")
	if err := m.Track("payout:start").End(boom); !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}

	if got := testutil.ToFloat64(m.runs.WithLabelValues("payout:start", "success")); got != 1 {
		t.Fatalf("success runs = %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("payout:start")); got != 1 {
		t.Fatalf("failures = %v", got)
	}
}

func TestAddPurgedIgnoresEmptyRuns(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddPurged("idempotency_keys", 0)
	m.AddPurged("idempotency_keys", 12)

	if got := testutil.ToFloat64(m.purged.WithLabelValues("idempotency_keys")); got != 12 {
		t.Fatalf("purged = %v", got)
	}

	var nilMetrics *Metrics
	nilMetrics.AddPurged("webhook_events", 3)
	_ = nilMetrics.Track("noop").End(nil)
}
