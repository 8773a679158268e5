// Package metrics exposes Prometheus counters/gauges for the reflect
// server plus a background system-resource sampler, grounded in the
// teacher's metrics interface (go-server/internal/metrics/interface.go)
// and its go-server-3 variant's promauto-based registrations
// (internal/metrics/metrics.go), generalized from per-connection WebSocket
// counters to tree/session/subscription counters.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is the process-wide Prometheus registration set.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	MessagesReceived  prometheus.Counter
	MessagesSent      prometheus.Counter
	TreeNodesAlive    prometheus.Gauge
	PoolAllocated     prometheus.Gauge
	PoolInUse         prometheus.Gauge
	SubscriptionCount prometheus.Gauge
	SystemCPUPercent  prometheus.Gauge
	SystemMemPercent  prometheus.Gauge
}

// New registers every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Name: "sessions_active", Help: "Currently attached sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muscle", Name: "sessions_total", Help: "Sessions attached since start.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muscle", Name: "messages_received_total", Help: "Client request messages processed.",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muscle", Name: "messages_sent_total", Help: "Server notification/reply messages sent.",
		}),
		TreeNodesAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Name: "tree_nodes_alive", Help: "DataNodes currently allocated from the pool.",
		}),
		PoolAllocated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Name: "node_pool_allocated", Help: "Total DataNode slots ever allocated.",
		}),
		PoolInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Name: "node_pool_in_use", Help: "DataNode slots currently checked out.",
		}),
		SubscriptionCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Name: "subscriptions_active", Help: "Live subscription patterns across all sessions.",
		}),
		SystemCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Name: "system_cpu_percent", Help: "Host CPU utilization percent, sampled periodically.",
		}),
		SystemMemPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Name: "system_mem_percent", Help: "Host memory utilization percent, sampled periodically.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunSystemSampler periodically samples host CPU/memory via gopsutil until
// ctx is cancelled.
func (m *Metrics) RunSystemSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
				m.SystemCPUPercent.Set(pcts[0])
			}
			if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
				m.SystemMemPercent.Set(vm.UsedPercent)
			}
		}
	}
}
