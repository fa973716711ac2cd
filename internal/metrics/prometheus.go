package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "redirectlb"

// Prometheus mirrors collector events into a dedicated registry.
type Prometheus struct {
	probeLatencyM *prometheus.GaugeVec
	backendUpM    *prometheus.GaugeVec
	redirectsM    *prometheus.CounterVec
	responsesM    *prometheus.CounterVec
	responseM     prometheus.Histogram
	rebuildsM     prometheus.Counter
	rankedM       prometheus.Gauge

	registry *prometheus.Registry
	handler  http.Handler
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		probeLatencyM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Subsystem: "probe",
			Name:      "latency_seconds",
			Help:      "Duration in seconds of the last probe exchange per backend.",
		}, []string{"backend"}),
		backendUpM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Subsystem: "probe",
			Name:      "up",
			Help:      "Whether the backend answered its last probe (1) or not (0).",
		}, []string{"backend"}),
		redirectsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "dispatch",
			Name:      "redirects_total",
			Help:      "The total of redirects issued per backend.",
		}, []string{"backend"}),
		responsesM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "response",
			Name:      "total",
			Help:      "The total of responses written per status code.",
		}, []string{"code"}),
		responseM: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "response",
			Name:      "duration_seconds",
			Help:      "Duration in seconds of handling one client connection.",
			Buckets:   prometheus.DefBuckets,
		}),
		rebuildsM: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "distribution",
			Name:      "rebuilds_total",
			Help:      "The total of distribution table rebuilds.",
		}),
		rankedM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Subsystem: "distribution",
			Name:      "ranked_backends",
			Help:      "Number of backends ranked in the current distribution table.",
		}),
		registry: prometheus.NewRegistry(),
	}

	p.registry.MustRegister(
		p.probeLatencyM,
		p.backendUpM,
		p.redirectsM,
		p.responsesM,
		p.responseM,
		p.rebuildsM,
		p.rankedM,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.handler = promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})

	return p
}

func (p *Prometheus) observe(event MetricEvent) {
	switch event.Type {
	case EventProbeCompleted:
		if event.Healthy {
			p.backendUpM.WithLabelValues(event.Backend).Set(1)
			p.probeLatencyM.WithLabelValues(event.Backend).Set(event.Duration.Seconds())
		} else {
			p.backendUpM.WithLabelValues(event.Backend).Set(0)
			p.probeLatencyM.DeleteLabelValues(event.Backend)
		}

	case EventTableRebuilt:
		p.rebuildsM.Inc()
		p.rankedM.Set(float64(event.Ranked))

	case EventBackendSelected:
		p.redirectsM.WithLabelValues(event.Backend).Inc()

	case EventResponseCompleted:
		p.responsesM.WithLabelValues(strconv.Itoa(event.StatusCode)).Inc()
		p.responseM.Observe(event.Duration.Seconds())
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}
