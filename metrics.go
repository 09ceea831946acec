package pullstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by every stream it is passed
// to. A nil *Metrics records nothing.
type Metrics struct {
	bytesWritten   prometheus.Counter
	bytesDelivered *prometheus.CounterVec
	requests       *prometheus.CounterVec
	flowEvents     *prometheus.CounterVec
	buffered       prometheus.Gauge
}

// NewMetrics registers the stream collectors on reg under namespace. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pullstream",
			Name:      "bytes_written_total",
			Help:      "Total number of bytes pushed by producers",
		}),
		bytesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pullstream",
			Name:      "bytes_delivered_total",
			Help:      "Total number of bytes delivered to consumers",
		}, []string{"kind"}), // kind: pull, pipe
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pullstream",
			Name:      "requests_total",
			Help:      "Total number of completed pull and pipe requests",
		}, []string{"kind", "result"}),
		flowEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pullstream",
			Name:      "flow_events_total",
			Help:      "Total number of pause, resume and backpressure events",
		}, []string{"event"}),
		buffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pullstream",
			Name:      "buffered_bytes",
			Help:      "Bytes currently held by streams",
		}),
	}
}

func (m *Metrics) written(n int) {
	if m == nil || n == 0 {
		return
	}
	m.bytesWritten.Add(float64(n))
	m.buffered.Add(float64(n))
}

func (m *Metrics) delivered(kind requestKind, n int) {
	if m == nil || n == 0 {
		return
	}
	m.bytesDelivered.WithLabelValues(kind.String()).Add(float64(n))
	m.buffered.Sub(float64(n))
}

func (m *Metrics) dropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.buffered.Sub(float64(n))
}

func (m *Metrics) request(kind requestKind, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind.String(), result).Inc()
}

func (m *Metrics) flow(event string) {
	if m == nil {
		return
	}
	m.flowEvents.WithLabelValues(event).Inc()
}
