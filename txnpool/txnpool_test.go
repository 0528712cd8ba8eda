package txnpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsJobs(t *testing.T) {
	p := New(4)
	defer p.Close(context.Background())

	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	if got := atomic.LoadInt64(&n); got != 100 {
		t.Fatalf("expected 100 jobs run, got %d", got)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p := New(2)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Submit(func() {}); err != ErrClosed {
		t.Fatalf("Submit after Close = %v, want ErrClosed", err)
	}
}

func TestPanicRespawnsWorker(t *testing.T) {
	p := New(1)
	defer p.Close(context.Background())

	done := make(chan struct{})
	if err := p.Submit(func() {
		defer close(done)
		panic("boom")
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-done

	// The sole worker panicked; a respawned worker must still pick up new jobs.
	ran := make(chan struct{})
	if err := p.Submit(func() { close(ran) }); err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("no worker picked up the job after a panic; respawn failed")
	}
}

func TestCloseTimesOutOnSlowJob(t *testing.T) {
	p := New(1)
	blocked := make(chan struct{})
	release := make(chan struct{})
	if err := p.Submit(func() {
		close(blocked)
		<-release
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-blocked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); err == nil {
		t.Fatal("expected Close to time out while a job is still blocked")
	}
	close(release)
}
