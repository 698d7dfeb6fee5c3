package session

import (
	"context"
	"time"
)

// RunCleanup reaps stale sessions on a fixed period until ctx is cancelled.
// One goroutine handles both session files and their context windows (a
// reaped file takes its context token with it). Individual sweep failures
// are logged and the loop continues.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Reap(time.Now())
			if err != nil {
				s.logger.Printf("cleanup sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				s.logger.Printf("reaped %d stale session(s)", removed)
			}
		}
	}
}
