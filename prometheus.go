package v4l2

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports queue traffic as Prometheus metrics labelled
// by direction.
type PrometheusObserver struct {
	buffers    *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	errors     *prometheus.CounterVec
	recycled   *prometheus.CounterVec
	fusesFired *prometheus.CounterVec
	depth      *prometheus.GaugeVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusObserver registers the queue metrics with reg. A nil reg
// uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusObserver{
		buffers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "v4l2",
			Subsystem: "queue",
			Name:      "buffers_total",
			Help:      "Buffers submitted to or retrieved from the device",
		}, []string{"direction", "op"}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "v4l2",
			Subsystem: "queue",
			Name:      "bytes_total",
			Help:      "Payload bytes submitted or retrieved",
		}, []string{"direction", "op"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "v4l2",
			Subsystem: "queue",
			Name:      "errors_total",
			Help:      "Failed submissions and retrievals",
		}, []string{"direction", "op"}),

		recycled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "v4l2",
			Subsystem: "queue",
			Name:      "recycled_total",
			Help:      "Retrieved buffers returned to the free pool",
		}, []string{"direction"}),

		fusesFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "v4l2",
			Subsystem: "queue",
			Name:      "fuses_fired_total",
			Help:      "Slots reset to free because their buffer was let go",
		}, []string{"direction"}),

		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "v4l2",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Buffers currently owned by the device",
		}, []string{"direction"}),

		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "v4l2",
			Subsystem: "queue",
			Name:      "call_duration_seconds",
			Help:      "Device call latency",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{"direction", "op"}),
	}
}

func (o *PrometheusObserver) observe(direction, op string, bytes, latencyNs uint64, success bool) {
	o.latency.WithLabelValues(direction, op).Observe(float64(latencyNs) / 1e9)
	if !success {
		o.errors.WithLabelValues(direction, op).Inc()
		return
	}
	o.buffers.WithLabelValues(direction, op).Inc()
	o.bytes.WithLabelValues(direction, op).Add(float64(bytes))
}

func (o *PrometheusObserver) ObserveQueue(direction string, bytes uint64, latencyNs uint64, success bool) {
	o.observe(direction, "queue", bytes, latencyNs, success)
}

func (o *PrometheusObserver) ObserveDequeue(direction string, bytes uint64, latencyNs uint64, success bool) {
	o.observe(direction, "dequeue", bytes, latencyNs, success)
}

func (o *PrometheusObserver) ObserveRecycle(direction string) {
	o.recycled.WithLabelValues(direction).Inc()
}

func (o *PrometheusObserver) ObserveFuseFired(direction string) {
	o.fusesFired.WithLabelValues(direction).Inc()
}

func (o *PrometheusObserver) ObserveQueueDepth(direction string, depth uint32) {
	o.depth.WithLabelValues(direction).Set(float64(depth))
}

var _ Observer = (*PrometheusObserver)(nil)
