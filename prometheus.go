package iosched

import (
	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "iosched"

// PrometheusObserver exports queue events as Prometheus metrics
type PrometheusObserver struct {
	ops        *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	depth      prometheus.Gauge
	inserts    prometheus.Counter
	dispatches *prometheus.CounterVec
	merges     prometheus.Counter
	queueFails prometheus.Counter
}

// NewPrometheusObserver creates the collectors and registers them with reg.
// constLabels (e.g. {"device": "0"}) are attached to every series.
func NewPrometheusObserver(reg prometheus.Registerer, constLabels prometheus.Labels) (*PrometheusObserver, error) {
	po := &PrometheusObserver{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "requests_total",
			Help:        "Completed requests by direction and result",
			ConstLabels: constLabels,
		}, []string{"op", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "bytes_total",
			Help:        "Bytes transferred by successful requests",
			ConstLabels: constLabels,
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   promNamespace,
			Name:        "request_duration_seconds",
			Help:        "Backend service time per request",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{"op"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   promNamespace,
			Name:        "dispatch_depth",
			Help:        "Requests waiting on the dispatch list",
			ConstLabels: constLabels,
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "inserts_total",
			Help:        "Requests handed to the elevator",
			ConstLabels: constLabels,
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "dispatches_total",
			Help:        "Requests moved to the dispatch list",
			ConstLabels: constLabels,
		}, []string{"forced"}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "merges_total",
			Help:        "Bios and requests merged into queued requests",
			ConstLabels: constLabels,
		}),
		queueFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "queue_fails_total",
			Help:        "Submissions refused for lack of a scheduler context",
			ConstLabels: constLabels,
		}),
	}

	for _, c := range []prometheus.Collector{
		po.ops, po.bytes, po.latency, po.depth,
		po.inserts, po.dispatches, po.merges, po.queueFails,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return po, nil
}

func (po *PrometheusObserver) observeIO(op string, bytes, latencyNs uint64, success bool) {
	if success {
		po.ops.WithLabelValues(op, "ok").Inc()
		po.bytes.WithLabelValues(op).Add(float64(bytes))
	} else {
		po.ops.WithLabelValues(op, "error").Inc()
	}
	po.latency.WithLabelValues(op).Observe(float64(latencyNs) / 1e9)
}

func (po *PrometheusObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	po.observeIO("read", bytes, latencyNs, success)
}

func (po *PrometheusObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	po.observeIO("write", bytes, latencyNs, success)
}

func (po *PrometheusObserver) ObserveFlush(latencyNs uint64, success bool) {
	po.observeIO("flush", 0, latencyNs, success)
}

func (po *PrometheusObserver) ObserveQueueDepth(depth uint32) {
	po.depth.Set(float64(depth))
}

func (po *PrometheusObserver) ObserveInsert() {
	po.inserts.Inc()
}

func (po *PrometheusObserver) ObserveDispatch(n int, forced bool) {
	label := "false"
	if forced {
		label = "true"
	}
	po.dispatches.WithLabelValues(label).Add(float64(n))
}

func (po *PrometheusObserver) ObserveMerge() {
	po.merges.Inc()
}

func (po *PrometheusObserver) ObserveQueueFail() {
	po.queueFails.Inc()
}

var _ Observer = (*PrometheusObserver)(nil)
