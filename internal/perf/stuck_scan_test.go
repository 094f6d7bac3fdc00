package perf

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/odyssey-erp/stockcount/internal/cyclecount"
	jobmetrics "github.com/odyssey-erp/stockcount/internal/jobs"
	"github.com/odyssey-erp/stockcount/jobs"
)

func TestStuckScanThroughputAndReliability(t *testing.T) {
	l := newLifecycle()
	store := cyclecount.NewMemoryStore()
	l.service = cyclecount.NewService(store, l.ledger, l.ledger, nil, cyclecount.ServiceConfig{})
	claimedAt := time.Now().UTC().Add(-time.Hour)
	for round := 0; round < 10; round++ {
		id := l.approvedCount(t, round)
		err := store.WithTx(context.Background(), func(ctx context.Context, tx cyclecount.TxStore) error {
			_, err := tx.ClaimPostLock(ctx, principal.TenantID, id, cyclecount.PostIdempotencyKey(principal.TenantID, id), principal.ActorUserID, claimedAt)
			return err
		})
		if err != nil {
			t.Fatalf("claim post lock: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := jobs.NewStuckPostScanJob(store, nil, nil, time.Minute, nil, metrics)
	for i := 0; i < 30; i++ {
		if err := job.Handle(context.Background(), asynq.NewTask(jobs.TaskStuckPostScan, nil)); err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	success := metricValue(t, families, "stockcount_jobs_total", map[string]string{"job": jobs.TaskStuckPostScan, "status": "success"})
	if success != 30 {
		t.Fatalf("expected 30 successful scans, got %f", success)
	}
	stuck := metricValue(t, families, "stockcount_cycle_count_stuck_posts_total", map[string]string{"tenant": principal.TenantID})
	if stuck != 300 {
		t.Fatalf("expected 300 stuck detections, got %f", stuck)
	}
	if mean := histogramMean(t, families, "stockcount_job_duration_seconds", map[string]string{"job": jobs.TaskStuckPostScan}); mean > 0.5 {
		t.Fatalf("scan duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}
