// Package retry implements the bounded full-jitter backoff policy used
// for orchestrator calls, bus publishes and task dispatch. Attempts are
// capped both by count and by a total time budget; only errors the
// pipeline taxonomy classifies as retryable are retried.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// Policy bounds a retry loop. MaxRetries counts retries, not attempts:
// a policy with MaxRetries=3 makes at most 4 calls.
type Policy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Budget      time.Duration
}

// DefaultPublish is the default in-process publish retry policy:
// full jitter, base 200 ms, cap 3 s.
var DefaultPublish = Policy{
	MaxRetries:  4,
	BackoffBase: 200 * time.Millisecond,
	BackoffCap:  3 * time.Second,
	Budget:      20 * time.Second,
}

// Do runs fn until it succeeds, returns a permanent error, or the
// policy is exhausted. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || pipeline.IsPermanent(err) {
			return err
		}
		if attempt > p.MaxRetries {
			return err
		}
		if p.Budget > 0 && time.Since(start) >= p.Budget {
			return err
		}
		wait := p.backoff(attempt)
		slog.Warn("Retrying after transient failure",
			"op", op, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return pipeline.Classify(ctx.Err())
		case <-time.After(wait):
		}
	}
}

// backoff returns the full-jitter wait for the given attempt:
// random in [0, min(cap, base*2^(attempt-1))].
func (p Policy) backoff(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	ceil := base << (attempt - 1)
	if p.BackoffCap > 0 && ceil > p.BackoffCap {
		ceil = p.BackoffCap
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceil)))
}
