package termination

import (
	"context"
	"time"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/sandbox"
)

// UsageSource samples a sandbox's resource usage.
type UsageSource interface {
	Sample(ctx context.Context, h sandbox.Handle) (evaluation.Usage, error)
}

// Poll samples h right away and then every interval until ctx is done,
// delivering each successful sample on the returned channel. Sampling runs
// in its own goroutine so a slow backend never delays the caller's other
// waits; a sample still in flight is abandoned when ctx ends. A
// non-positive interval returns a nil channel.
func Poll(ctx context.Context, src UsageSource, h sandbox.Handle, interval time.Duration) <-chan evaluation.Usage {
	if interval <= 0 {
		return nil
	}
	out := make(chan evaluation.Usage)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if u, err := src.Sample(ctx, h); err == nil {
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
