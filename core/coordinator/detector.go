package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunDeadlockDetector calls CheckDeadlock every interval until ctx is done.
func (c *Coordinator) RunDeadlockDetector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.DeadlockInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Deadlock detector started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Deadlock detector stopped")
			return
		case <-ticker.C:
			c.CheckDeadlock(ctx)
		}
	}
}

// Detector owns the background deadlock scan of one coordinator.
type Detector struct {
	coord    *Coordinator
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDetector creates a stopped detector. A non-positive interval uses the
// coordinator's configured DeadlockInterval.
func NewDetector(c *Coordinator, interval time.Duration) *Detector {
	if interval <= 0 {
		interval = c.cfg.DeadlockInterval
	}
	return &Detector{coord: c, interval: interval}
}

// Start launches the scan loop. Calling Start on a running detector is a no-op.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		d.coord.RunDeadlockDetector(ctx, d.interval)
	}(d.done)
}

// Stop cancels the scan loop and waits for it to exit.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
