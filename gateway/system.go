package gateway

import (
	"net/http"
	"runtime"
	"time"

	"github.com/BeaconWorks/beacon/models"
)

const (
	ServiceName = "beacon"
	Version     = "0.1.0"
)

// healthHandler is the one unauthenticated route.
func (c *Core) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:  "ok",
		Service: ServiceName,
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// metricsSampler periodically publishes a system_metrics event so every
// realtime subscriber sees gateway health without polling. Disabled by
// a zero interval.
func (c *Core) metricsSampler() {
	ticker := time.NewTicker(c.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.appCtx.Done():
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)

			c.hub.Publish(models.Event{
				Type: "system_metrics",
				Payload: map[string]any{
					"goroutines":       runtime.NumGoroutine(),
					"heap_alloc_bytes": mem.HeapAlloc,
					"uptime_seconds":   int64(time.Since(c.startedAt).Seconds()),
					"clients":          c.hub.Clients(),
				},
			})
		}
	}
}
