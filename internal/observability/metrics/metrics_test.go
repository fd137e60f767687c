package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveHelpers(t *testing.T) {
	Init(nil, nil)

	before := testutil.ToFloat64(readingsIngested)
	AddReadingsIngested(3)
	AddReadingsIngested(0)
	if got := testutil.ToFloat64(readingsIngested) - before; got != 3 {
		t.Fatalf("expected 3 readings, got %v", got)
	}

	ObserveWatermarkLag("st-metrics", -time.Second)
	if got := testutil.ToFloat64(watermarkLag.WithLabelValues("st-metrics")); got != 0 {
		t.Fatalf("negative lag should clamp to 0, got %v", got)
	}

	SetBackoffAttempts("st-metrics", 2)
	if got := testutil.ToFloat64(backoffAttempts.WithLabelValues("st-metrics")); got != 2 {
		t.Fatalf("expected 2 attempts, got %v", got)
	}
	ForgetStation("st-metrics")
	if got := testutil.CollectAndCount(backoffAttempts); got != 0 {
		t.Fatalf("expected station series removed, got %d", got)
	}
}
