package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.Counter.GetValue()
}

func TestResultLabel(t *testing.T) {
	if got := resultLabel(nil); got != "ok" {
		t.Errorf("expected ok, got %s", got)
	}
	wrapped := errors.Join(errors.New("context"), ErrTransferFailed)
	if got := resultLabel(wrapped); got != "transfer_failed" {
		t.Errorf("expected transfer_failed, got %s", got)
	}
	if got := resultLabel(errors.New("disk on fire")); got != "error" {
		t.Errorf("expected error, got %s", got)
	}
}

func TestMetrics_OperationsCounted(t *testing.T) {
	EscrowOpsTotal.Reset()
	EscrowValueMoved.Reset()
	EscrowTransferFailures.Reset()

	env := newTestEnv(t)
	ctx := context.Background()
	id := env.create(t)
	_ = env.contract.StartWork(ctx, depositor, id)

	if got := counterValue(t, EscrowOpsTotal, "create", "ok"); got != 1 {
		t.Errorf("expected 1 successful create, got %f", got)
	}
	if got := counterValue(t, EscrowOpsTotal, "start_work", "not_authorized"); got != 1 {
		t.Errorf("expected 1 rejected start_work, got %f", got)
	}
	if got := counterValue(t, EscrowValueMoved, directionLocked); got != 3000 {
		t.Errorf("expected 3000 locked, got %f", got)
	}

	env.ledger.setFailure(depositor, errLedgerDown)
	_ = env.contract.Refund(ctx, depositor, id)
	if got := counterValue(t, EscrowTransferFailures, "refund"); got != 1 {
		t.Errorf("expected 1 refund transfer failure, got %f", got)
	}
}

func TestMetrics_DurationObserved(t *testing.T) {
	EscrowOpDuration.Reset()

	done := observeOp("hist_test")
	done(nil)

	ch := make(chan prometheus.Metric, 10)
	EscrowOpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}
