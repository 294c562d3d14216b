package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	optimisticInserts prometheus.Counter
	echoDedup         prometheus.Counter
	pushEvents        *prometheus.CounterVec
	writeFailures     *prometheus.CounterVec
	readMarkerWrites  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		optimisticInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_optimistic_inserts_total",
			Help: "Messages inserted into a replica before the remote write resolved.",
		}),
		echoDedup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_echo_dedup_total",
			Help: "Push inserts dropped because the id was already present.",
		}),
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_push_events_total",
			Help: "Push events received, by kind.",
		}, []string{"kind"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_write_failures_total",
			Help: "Remote writes that failed, by operation.",
		}, []string{"op"}),
		readMarkerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_read_marker_writes_total",
			Help: "Read marker write attempts, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.optimisticInserts, m.echoDedup, m.pushEvents, m.writeFailures, m.readMarkerWrites)
	}
	return m
}

func (m *Metrics) optimisticInsert() {
	if m != nil {
		m.optimisticInserts.Inc()
	}
}

func (m *Metrics) echoDeduped() {
	if m != nil {
		m.echoDedup.Inc()
	}
}

func (m *Metrics) pushEvent(kind string) {
	if m != nil {
		m.pushEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) writeFailure(op string) {
	if m != nil {
		m.writeFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) readMarkerWrite(result string) {
	if m != nil {
		m.readMarkerWrites.WithLabelValues(result).Inc()
	}
}
