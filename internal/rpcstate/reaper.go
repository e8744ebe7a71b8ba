package rpcstate

import (
	"context"
	"time"
)

// TimeoutHandler is invoked once per expired entry (spec.md §4.2: "expired
// entries emit a TimeoutError response and trigger a penalty assessment
// against the responsible agent via the MCE").
type TimeoutHandler func(ctx context.Context, entry Entry)

// RunReaper scans the registry every interval (DefaultReapInterval if
// <= 0) until ctx is cancelled, invoking handler for every entry that
// has outlived the registry's TTL.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration, handler TimeoutHandler) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, e := range r.reapExpired(now) {
				handler(ctx, e)
			}
		}
	}
}
