// Package metrics provides real-time metrics collection for the redirector.
//
// It uses a channel-based event pipeline to asynchronously collect:
//   - Probe latency and liveness per backend
//   - Distribution table rebuilds and the number of ranked backends
//   - Redirects issued per backend
//   - Response status codes and connection handling times (P50, P95, P99)
//
// The collector runs in a dedicated goroutine and processes events without
// blocking the serve loop. Events are mirrored into a Prometheus registry.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:    metrics.EventBackendSelected,
//		Backend: "a.example:80",
//	})
//
//	snapshot := collector.Snapshot()
//
// Mux serves the JSON snapshot on /stats and the Prometheus exposition on
// /metrics.
package metrics
