package metrics

import (
	"sort"
	"sync"
	"time"
)

// Algorithm names the selection scheme reported in snapshots.
const Algorithm = "rank-weighted-random"

type Metrics struct {
	mutex         sync.RWMutex
	redirects     map[string]int64
	probeLatency  map[string]time.Duration
	healthStatus  map[string]bool
	responseTimes []time.Duration
	statusCodes   map[int]int64
	rebuilds      int64
	ranked        int
	lastRebuild   time.Time
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	Uptime        time.Duration             `json:"uptime"`
	Algorithm     string                    `json:"algorithm"`
	Rebuilds      int64                     `json:"rebuilds"`
	Ranked        int                       `json:"ranked_backends"`
	LastRebuild   time.Time                 `json:"last_rebuild"`
	StatusCodes   map[int]int64             `json:"status_codes"`
	AvgResponse   time.Duration             `json:"avg_response"`
	P50Response   time.Duration             `json:"p50_response"`
	P95Response   time.Duration             `json:"p95_response"`
	P99Response   time.Duration             `json:"p99_response"`
	Backends      map[string]BackendMetrics `json:"backends"`
}

type BackendMetrics struct {
	Redirects    int64         `json:"redirects"`
	Healthy      bool          `json:"healthy"`
	ProbeLatency time.Duration `json:"probe_latency"`
}

func (m *Metrics) RecordProbe(backend string, latency time.Duration, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.healthStatus[backend] = healthy
	if healthy {
		m.probeLatency[backend] = latency
	} else {
		delete(m.probeLatency, backend)
	}
}

func (m *Metrics) RecordRebuild(ranked int, at time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.rebuilds++
	m.ranked = ranked
	m.lastRebuild = at
}

func (m *Metrics) RecordRedirect(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.redirects[backend]++
}

func (m *Metrics) RecordResponse(duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes = append(m.responseTimes, duration)

	if len(m.responseTimes) > 1000 {
		m.responseTimes = m.responseTimes[1:]
	}

	m.statusCodes[statusCode]++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:      time.Since(m.startTime),
		Algorithm:   Algorithm,
		Rebuilds:    m.rebuilds,
		Ranked:      m.ranked,
		LastRebuild: m.lastRebuild,
		StatusCodes: make(map[int]int64, len(m.statusCodes)),
		Backends:    make(map[string]BackendMetrics),
	}

	for code, count := range m.statusCodes {
		snap.StatusCodes[code] = count
		snap.TotalRequests += count
	}

	allBackends := make(map[string]bool)
	for backend := range m.redirects {
		allBackends[backend] = true
	}
	for backend := range m.healthStatus {
		allBackends[backend] = true
	}

	for backend := range allBackends {
		snap.Backends[backend] = BackendMetrics{
			Redirects:    m.redirects[backend],
			Healthy:      m.healthStatus[backend],
			ProbeLatency: m.probeLatency[backend],
		}
	}

	if len(m.responseTimes) > 0 {
		sorted := make([]time.Duration, len(m.responseTimes))
		copy(sorted, m.responseTimes)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i] < sorted[j]
		})

		snap.AvgResponse = average(sorted)
		snap.P50Response = percentile(sorted, 0.50)
		snap.P95Response = percentile(sorted, 0.95)
		snap.P99Response = percentile(sorted, 0.99)
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		redirects:    make(map[string]int64),
		probeLatency: make(map[string]time.Duration),
		healthStatus: make(map[string]bool),
		statusCodes:  make(map[int]int64),
		startTime:    time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
