package main

import (
	"net/http"

	"github.com/angeloszaimis/redirect-lb/internal/metrics"
)

func setupRouter(metricsCollector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/stats", metricsCollector.Handler())
	mux.Handle("/metrics", metricsCollector.Prometheus())

	return mux
}
