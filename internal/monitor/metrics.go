package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"signal-engine/internal/events"
	"signal-engine/internal/gateway"
	"signal-engine/internal/persistence"
)

// SystemMetrics tracks engine throughput, failures and latency.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	DispatchLatency *LatencyHistogram
	CloseLatency    *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	signalsAccepted  uint64
	signalsRejected  uint64
	intentsEmitted   uint64
	intentsSkipped   uint64
	ordersPlaced     uint64
	ordersFailed     uint64
	positionsClosed  uint64
	positionsFailed  uint64
	positionsFrozen  uint64
	credentialsFlags uint64
	queueRejections  uint64
	errorsCount      uint64

	// Bus payloads lost to full subscribers, per topic.
	eventsDropped map[events.Event]uint64

	// Venue pool and supervision stats (updated periodically from main).
	gatewayStats gateway.PoolStats
	auditStats   persistence.AuditStats
	supervised   int

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		DispatchLatency: NewLatencyHistogram(1000),
		CloseLatency:    NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		eventsDropped:   make(map[events.Event]uint64),
		lastUpdate:      time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncSignalsAccepted() { atomic.AddUint64(&m.signalsAccepted, 1) }
func (m *SystemMetrics) IncSignalsRejected() { atomic.AddUint64(&m.signalsRejected, 1) }
func (m *SystemMetrics) IncIntents()         { atomic.AddUint64(&m.intentsEmitted, 1) }
func (m *SystemMetrics) IncIntentsSkipped()  { atomic.AddUint64(&m.intentsSkipped, 1) }
func (m *SystemMetrics) IncOrdersPlaced()    { atomic.AddUint64(&m.ordersPlaced, 1) }
func (m *SystemMetrics) IncOrdersFailed()    { atomic.AddUint64(&m.ordersFailed, 1) }
func (m *SystemMetrics) IncPositionsClosed() { atomic.AddUint64(&m.positionsClosed, 1) }
func (m *SystemMetrics) IncPositionsFailed() { atomic.AddUint64(&m.positionsFailed, 1) }
func (m *SystemMetrics) IncPositionsFrozen() { atomic.AddUint64(&m.positionsFrozen, 1) }
func (m *SystemMetrics) IncCredentialFlags() { atomic.AddUint64(&m.credentialsFlags, 1) }
func (m *SystemMetrics) IncQueueRejections() { atomic.AddUint64(&m.queueRejections, 1) }
func (m *SystemMetrics) IncErrors()          { atomic.AddUint64(&m.errorsCount, 1) }

// MetricsSnapshot is a point-in-time view served by /api/metrics.
type MetricsSnapshot struct {
	DispatchLatency LatencyStats           `json:"dispatch_latency"`
	CloseLatency    LatencyStats           `json:"close_latency"`
	APILatency      LatencyStats           `json:"api_latency"`
	SignalsAccepted uint64                 `json:"signals_accepted"`
	SignalsRejected uint64                 `json:"signals_rejected"`
	IntentsEmitted  uint64                 `json:"intents_emitted"`
	IntentsSkipped  uint64                 `json:"intents_skipped"`
	OrdersPlaced    uint64                 `json:"orders_placed"`
	OrdersFailed    uint64                 `json:"orders_failed"`
	PositionsClosed uint64                 `json:"positions_closed"`
	PositionsFailed uint64                 `json:"positions_failed"`
	PositionsFrozen uint64                 `json:"positions_frozen"`
	CredentialFlags uint64                 `json:"credential_flags"`
	QueueRejections uint64                 `json:"queue_rejections"`
	ErrorsCount     uint64                 `json:"errors_count"`
	EventsDropped   map[string]uint64      `json:"events_dropped"`
	GatewayPool     gateway.PoolStats      `json:"gateway_pool"`
	Audit           persistence.AuditStats `json:"audit"`
	Supervised      int                    `json:"supervised_positions"`
	GoroutineCount  int                    `json:"goroutine_count"`
	HeapAlloc       uint64                 `json:"heap_alloc_bytes"`
	Timestamp       time.Time              `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gwStats := m.gatewayStats
	auditStats := m.auditStats
	supervised := m.supervised
	dropped := make(map[string]uint64, len(m.eventsDropped))
	for topic, n := range m.eventsDropped {
		dropped[string(topic)] = n
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		DispatchLatency: m.DispatchLatency.Stats(),
		CloseLatency:    m.CloseLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		SignalsAccepted: atomic.LoadUint64(&m.signalsAccepted),
		SignalsRejected: atomic.LoadUint64(&m.signalsRejected),
		IntentsEmitted:  atomic.LoadUint64(&m.intentsEmitted),
		IntentsSkipped:  atomic.LoadUint64(&m.intentsSkipped),
		OrdersPlaced:    atomic.LoadUint64(&m.ordersPlaced),
		OrdersFailed:    atomic.LoadUint64(&m.ordersFailed),
		PositionsClosed: atomic.LoadUint64(&m.positionsClosed),
		PositionsFailed: atomic.LoadUint64(&m.positionsFailed),
		PositionsFrozen: atomic.LoadUint64(&m.positionsFrozen),
		CredentialFlags: atomic.LoadUint64(&m.credentialsFlags),
		QueueRejections: atomic.LoadUint64(&m.queueRejections),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		EventsDropped:   dropped,
		GatewayPool:     gwStats,
		Audit:           auditStats,
		Supervised:      supervised,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
}

// SetGatewayPoolStats updates venue pool statistics.
func (m *SystemMetrics) SetGatewayPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats = stats
}

// IncEventsDropped counts a bus payload lost on topic.
func (m *SystemMetrics) IncEventsDropped(topic events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsDropped[topic]++
}

// SetAuditStats updates the audit writer statistics.
func (m *SystemMetrics) SetAuditStats(stats persistence.AuditStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditStats = stats
}

// SetSupervised records the number of supervised positions.
func (m *SystemMetrics) SetSupervised(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supervised = n
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
