package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/crusoecloud/vector-config-reloader/internal/build"
)

const (
	defaultNamespace = "vector_config_reloader"
	subsystemGraph   = "graph"
	subsystemWatch   = "watch"
)

// Trigger values of the reconciliations metric.
const (
	TriggerBootstrap  = "bootstrap"
	TriggerPod        = "pod"
	TriggerRuleObject = "rule_object"
)

// Result values of the reconciliations metric.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Registry is the registry all reloader metrics are registered with.
var Registry = metrics.Registry

var (
	// BuildInfo provides build information of the reloader
	BuildInfo = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace:   defaultNamespace,
			Name:        "build_info",
			Help:        "Build information of the Vector config reloader",
			ConstLabels: build.InfoMap(),
		},
	)

	Reconciliations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Name:      "reconciliations_total",
			Help:      "Number of Vector config reconciliations by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// GraphComponents is the number of components in the last persisted Vector config
	GraphComponents = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: defaultNamespace,
			Subsystem: subsystemGraph,
			Name:      "components",
			Help:      "Number of components in the persisted Vector config by role",
		},
		[]string{"role"},
	)

	ScrapeIntervalClamps = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Name:      "scrape_interval_clamps_total",
			Help:      "Number of exporter descriptors whose scrape interval was raised to the minimum",
		},
	)

	WatchEvents = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Subsystem: subsystemWatch,
			Name:      "events_total",
			Help:      "Number of received watch events by stream and event type",
		},
		[]string{"stream", "type"},
	)
)

func init() { //nolint:gochecknoinits // build info is constant for the process lifetime
	BuildInfo.Set(1)
}

func RecordReconciliation(trigger string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}

	Reconciliations.WithLabelValues(trigger, result).Inc()
}

func RecordGraphComponents(sources, transforms, sinks int) {
	GraphComponents.WithLabelValues("source").Set(float64(sources))
	GraphComponents.WithLabelValues("transform").Set(float64(transforms))
	GraphComponents.WithLabelValues("sink").Set(float64(sinks))
}
