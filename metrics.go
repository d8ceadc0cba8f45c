package streamsocket

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of a server and its connections.
// A nil *Metrics records nothing.
type Metrics struct {
	connections  prometheus.Gauge
	accepted     prometheus.Counter
	framesIn     *prometheus.CounterVec
	framesDrop   *prometheus.CounterVec
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
	broadcasts   prometheus.Counter
	archived     prometheus.Counter
}

// NewMetrics creates the collectors under namespace and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Connections currently in the roster.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "accepted_total",
			Help:      "Connections accepted.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "frames_received_total",
			Help:      "Frames decoded, by pack type.",
		}, []string{"pack_type"}),
		framesDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "frames_dropped_total",
			Help:      "Compressed frames dropped because they failed to decompress.",
		}, []string{"pack_type"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "read_bytes_total",
			Help:      "Bytes read from transports.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "written_bytes_total",
			Help:      "Bytes written to transports.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "broadcasts_total",
			Help:      "Broadcasts encoded.",
		}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "radio",
			Name:      "archived_frames_total",
			Help:      "Data frames handed to the radio.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.connections, m.accepted, m.framesIn, m.framesDrop, m.bytesRead, m.bytesWritten, m.broadcasts, m.archived,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) frameIn(t PackType) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) frameDropped(t PackType) {
	if m == nil {
		return
	}
	m.framesDrop.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) bytesIn(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) bytesOut(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) archive() {
	if m == nil {
		return
	}
	m.archived.Inc()
}
