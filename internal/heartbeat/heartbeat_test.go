package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingPublisher struct {
	calls atomic.Int32
}

func (p *countingPublisher) PublishHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	p.calls.Add(1)
	return nil
}

func TestRunPublishesImmediatelyAndStopsOnCancel(t *testing.T) {
	pub := &countingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Run(ctx, pub, "worker-1")
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for pub.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if pub.calls.Load() == 0 {
		t.Fatal("expected at least one heartbeat to be published immediately")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
