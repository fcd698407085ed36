package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.Counter.GetValue()
}

func TestLedgerMetrics_CountsOperationsAndFailures(t *testing.T) {
	LedgerOpsTotal.Reset()
	LedgerOpFailures.Reset()
	LedgerOpDuration.Reset()

	ctx := context.Background()
	l := New(NewMemoryStore())

	if _, err := l.Mint(ctx, "usdc", "alice", 100); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if err := l.Transfer(ctx, "usdc", "alice", "bob", 40); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	// Overdraft reaches the store and is counted as a failure.
	if err := l.Transfer(ctx, "usdc", "alice", "bob", 1000); err == nil {
		t.Fatal("expected insufficient balance")
	}
	// Validation errors never reach the store.
	if err := l.Transfer(ctx, "usdc", "alice", "alice", 1); err == nil {
		t.Fatal("expected same-holder rejection")
	}

	if got := counterValue(t, LedgerOpsTotal, KindMint); got != 1 {
		t.Errorf("mint ops = %v, want 1", got)
	}
	if got := counterValue(t, LedgerOpsTotal, KindTransfer); got != 3 {
		t.Errorf("transfer ops = %v, want 3", got)
	}
	if got := counterValue(t, LedgerOpFailures, KindTransfer); got != 1 {
		t.Errorf("transfer failures = %v, want 1", got)
	}

	h, err := LedgerOpDuration.GetMetricWithLabelValues(KindTransfer)
	if err != nil {
		t.Fatal(err)
	}
	m := &dto.Metric{}
	_ = h.(prometheus.Metric).Write(m)
	if got := m.Histogram.GetSampleCount(); got != 3 {
		t.Errorf("transfer duration samples = %d, want 3", got)
	}
}
