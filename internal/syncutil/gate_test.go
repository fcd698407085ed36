package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGate_EnterRelease(t *testing.T) {
	g := NewGate()

	release, err := g.Enter(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	release()

	release, err = g.Enter(context.Background())
	if err != nil {
		t.Fatalf("gate not reusable after release: %v", err)
	}
	release()
}

func TestGate_MutualExclusion(t *testing.T) {
	g := NewGate()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			release, err := g.Enter(context.Background())
			if err != nil {
				t.Errorf("enter failed: %v", err)
				return
			}
			defer release()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestGate_ContextCancelledWhileWaiting(t *testing.T) {
	g := NewGate()

	release, err := g.Enter(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Enter(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestGate_CancelledContextNeverAcquires(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.Enter(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if release, ok := g.TryEnter(); !ok {
		t.Fatal("gate should still be free")
	} else {
		release()
	}
}

func TestGate_DoubleReleaseIsNoop(t *testing.T) {
	g := NewGate()
	release, _ := g.Enter(context.Background())
	release()
	release()

	first, ok := g.TryEnter()
	if !ok {
		t.Fatal("expected gate free")
	}
	if _, ok := g.TryEnter(); ok {
		t.Fatal("double release must not open a second slot")
	}
	first()
}

func TestGate_ZeroValueUsable(t *testing.T) {
	var g Gate
	release, err := g.Enter(context.Background())
	if err != nil {
		t.Fatalf("zero gate: %v", err)
	}
	release()
}
