// Package heartbeat runs the periodic worker-liveness publisher: every
// worker process records itself alive under a short-TTL key so a cluster
// supervisor can list live workers without a separate registry.
package heartbeat

import (
	"context"
	"time"
)

// Interval is how often a heartbeat is published.
const Interval = 10 * time.Second

// TTL is how long a single heartbeat stays valid; it must exceed Interval
// by enough margin that one missed tick doesn't flip a live worker to
// "down".
const TTL = 30 * time.Second

// Publisher is the broker capability this package drives.
type Publisher interface {
	PublishHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error
}

// Run publishes a heartbeat for workerID every Interval until ctx is
// cancelled, publishing once immediately on start so a worker is visible
// without waiting out the first tick.
func Run(ctx context.Context, pub Publisher, workerID string) {
	_ = pub.PublishHeartbeat(ctx, workerID, TTL)

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = pub.PublishHeartbeat(ctx, workerID, TTL)
		}
	}
}
