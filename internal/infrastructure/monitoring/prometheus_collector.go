package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics for the relay and the
// coordinators.
type PrometheusCollector struct {
	packetsForwarded *prometheus.CounterVec
	packetsDropped   *prometheus.CounterVec
	layerSwitches    prometheus.Counter
	keyframeRequests prometheus.Counter
	rebinds          prometheus.Counter

	relaysActive       prometheus.Gauge
	coordinatorsActive prometheus.Gauge
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		packetsForwarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygrid_packets_forwarded_total",
			Help: "Total RTP packets forwarded, by media kind",
		}, []string{"kind"}),

		packetsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygrid_packets_dropped_total",
			Help: "Total RTP packets dropped, by reason",
		}, []string{"reason"}),

		layerSwitches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaygrid_layer_switches_total",
			Help: "Total completed simulcast layer switches",
		}),

		keyframeRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaygrid_keyframe_requests_total",
			Help: "Total keyframe requests forwarded upstream",
		}),

		rebinds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaygrid_track_rebinds_total",
			Help: "Total coordinator rebinds after publisher track churn",
		}),

		relaysActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaygrid_relays_active",
			Help: "Number of active publisher relays",
		}),

		coordinatorsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaygrid_coordinators_active",
			Help: "Number of active subscriber coordinators",
		}),
	}
}

func (c *PrometheusCollector) IncPacketsForwarded(kind string) {
	c.packetsForwarded.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) IncPacketsDropped(reason string) {
	c.packetsDropped.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) IncLayerSwitches() {
	c.layerSwitches.Inc()
}

func (c *PrometheusCollector) IncKeyframeRequests() {
	c.keyframeRequests.Inc()
}

func (c *PrometheusCollector) IncRebinds() {
	c.rebinds.Inc()
}

func (c *PrometheusCollector) SetRelayCount(n int) {
	c.relaysActive.Set(float64(n))
}

func (c *PrometheusCollector) SetCoordinatorCount(n int) {
	c.coordinatorsActive.Set(float64(n))
}
