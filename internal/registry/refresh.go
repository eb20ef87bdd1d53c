package registry

import (
	"context"
	"log"
	"time"
)

// StartPeriodicRefresh reloads path on interval until ctx is cancelled,
// following the teacher's pattern of a single ticker-driven background
// goroutine per long-lived resource (seen across its reconciliation and
// WS-keepalive loops). Load failures are logged and skipped rather than
// panicking the process -- a malformed refresh shouldn't take down a
// registry that already has a working in-memory table.
func (r *Registry) StartPeriodicRefresh(ctx context.Context, path string, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.LoadYAML(path); err != nil {
					log.Printf("⚠️ registry refresh failed: %v", err)
					continue
				}
				log.Printf("🔄 registry refreshed from %s", path)
			}
		}
	}()
}
