package echo

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records connection activity as Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	accepted prometheus.Counter
	active   prometheus.Gauge
	messages prometheus.Counter
	bytesIn  prometheus.Counter
	bytesOut prometheus.Counter
	closed   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// Every series is labeled with protocol.
func NewMetrics(reg prometheus.Registerer, protocol string) (*Metrics, error) {
	constLabels := prometheus.Labels{"protocol": protocol}
	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "echo",
			Subsystem:   "conn",
			Name:        "accepted_total",
			Help:        "Connections accepted.",
			ConstLabels: constLabels,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "echo",
			Subsystem:   "conn",
			Name:        "active",
			Help:        "Connections currently open.",
			ConstLabels: constLabels,
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "echo",
			Subsystem:   "message",
			Name:        "handled_total",
			Help:        "Messages decoded and replied to.",
			ConstLabels: constLabels,
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "echo",
			Subsystem:   "conn",
			Name:        "read_bytes_total",
			Help:        "Bytes read from peers.",
			ConstLabels: constLabels,
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "echo",
			Subsystem:   "conn",
			Name:        "written_bytes_total",
			Help:        "Bytes written to peers.",
			ConstLabels: constLabels,
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "echo",
			Subsystem:   "conn",
			Name:        "closed_total",
			Help:        "Connections closed, by the kind of error that ended them.",
			ConstLabels: constLabels,
		}, []string{"error"}),
	}

	for _, c := range []prometheus.Collector{m.accepted, m.active, m.messages, m.bytesIn, m.bytesOut, m.closed} {
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
	m.active.Inc()
}

func (m *Metrics) connClosed(err error) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.closed.WithLabelValues(errorKind(err)).Inc()
}

func (m *Metrics) messageHandled() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) read(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) written(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesOut.Add(float64(n))
}
