package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reaper periodically deletes expired records via the given reap
// function. Runs and ingestion records both carry TTL deadlines; one
// Reaper per store keeps retention bounded.
type Reaper struct {
	name     string
	interval time.Duration
	reap     func(ctx context.Context, now time.Time) (int64, error)
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper creates a Reaper invoking reap every interval.
func NewReaper(name string, interval time.Duration, reap func(ctx context.Context, now time.Time) (int64, error)) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{name: name, interval: interval, reap: reap, stopCh: make(chan struct{})}
}

// Start begins the reap loop.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := r.reap(ctx, time.Now().UTC())
				if err != nil {
					slog.Error("Reap failed", "reaper", r.name, "error", err)
					continue
				}
				if n > 0 {
					slog.Info("Reaped expired records", "reaper", r.name, "count", n)
				}
			}
		}
	}()
}

// Stop halts the loop and waits for a running reap to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
