package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

func TestWorkerPoolFIFO(t *testing.T) {
	pool := NewWorkerPool(context.Background(), "test", 1, utils.NewDiscardLogsManager())
	pool.Start()
	defer pool.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		n := i
		if err := pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()

	for i, n := range order {
		if i != n {
			t.Fatalf("Tasks ran out of order: %v", order)
		}
	}
}

func TestWorkerPoolSingleSlot(t *testing.T) {
	pool := NewWorkerPool(context.Background(), "test", 1, utils.NewDiscardLogsManager())
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{}, 2)

	pool.Submit(func(ctx context.Context) {
		close(started)
		<-release
		done <- struct{}{}
	})
	pool.Submit(func(ctx context.Context) {
		done <- struct{}{}
	})

	<-started
	if got := pool.QueueLength(); got != 1 {
		t.Errorf("Expected 1 queued task while the slot is busy, got %d", got)
	}
	if got := pool.ActiveWorkers(); got != 1 {
		t.Errorf("Expected 1 active worker, got %d", got)
	}

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for tasks")
		}
	}
}

func TestWorkerPoolPanicRecovery(t *testing.T) {
	pool := NewWorkerPool(context.Background(), "test", 1, utils.NewDiscardLogsManager())
	pool.Start()
	defer pool.Stop()

	pool.Submit(func(ctx context.Context) { panic("boom") })

	ran := make(chan struct{})
	pool.Submit(func(ctx context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not survive a panicking task")
	}
}

func TestWorkerPoolStop(t *testing.T) {
	pool := NewWorkerPool(context.Background(), "test", 1, utils.NewDiscardLogsManager())
	pool.Start()

	cancelled := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	pool.Submit(func(ctx context.Context) {
		t.Error("Queued task should have been dropped")
	})

	<-started
	if dropped := pool.Stop(); dropped != 1 {
		t.Errorf("Expected 1 dropped task, got %d", dropped)
	}

	select {
	case <-cancelled:
	default:
		t.Error("Running task did not observe cancellation")
	}

	if err := pool.Submit(func(ctx context.Context) {}); err == nil {
		t.Error("Expected Submit to fail after Stop")
	}
}
