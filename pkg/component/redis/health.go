package redis

import (
	"context"
	"time"
)

// HealthStats is the result of a Redis health probe.
type HealthStats struct {
	Healthy    bool          `json:"healthy"`
	Latency    time.Duration `json:"latency"`
	TotalConns uint32        `json:"total_conns"`
	IdleConns  uint32        `json:"idle_conns"`
	Timeouts   uint32        `json:"timeouts"`
	Error      string        `json:"error,omitempty"`
}

// HealthWithStats pings Redis and reports latency plus pool usage.
func (c *Client) HealthWithStats(ctx context.Context) *HealthStats {
	start := time.Now()
	err := c.Ping(ctx)
	stats := &HealthStats{Latency: time.Since(start)}
	if err != nil {
		stats.Error = err.Error()
		return stats
	}

	ps := c.client.PoolStats()
	stats.Healthy = true
	stats.TotalConns = ps.TotalConns
	stats.IdleConns = ps.IdleConns
	stats.Timeouts = ps.Timeouts
	return stats
}
