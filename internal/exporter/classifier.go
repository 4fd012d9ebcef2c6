package exporter

import (
	"slices"

	corev1 "k8s.io/api/core/v1"
)

// Kind identifies how an exporter pod is wired into the Vector graph.
type Kind string

const (
	KindNone          Kind = ""
	KindCustomMetrics Kind = "custom_metrics"
	KindDCGM          Kind = "dcgm"
	KindAMD           Kind = "amd"
)

const (
	CustomMetricsScrapeAnnotation   = "crusoe.custom_metrics.enable_scrape"
	CustomMetricsPortAnnotation     = "crusoe.custom_metrics.port"
	CustomMetricsPathAnnotation     = "crusoe.custom_metrics.path"
	CustomMetricsIntervalAnnotation = "crusoe.custom_metrics.scrape_interval"

	DCGMAppLabelKey   = "app"
	DCGMAppLabelValue = "nvidia-dcgm-exporter"

	AMDNamespace     = "kube-amd-gpu"
	AMDAppLabelKey   = "app.kubernetes.io/name"
	AMDAppLabelValue = "metrics-exporter"
)

// Rule maps pods matching Matches to Kind.
type Rule struct {
	Kind    Kind
	Matches func(pod *corev1.Pod) bool
}

// DefaultRules are the classification rules in priority order.
var DefaultRules = []Rule{
	{Kind: KindCustomMetrics, Matches: IsCustomMetricsPod},
	{Kind: KindDCGM, Matches: IsDCGMExporterPod},
	{Kind: KindAMD, Matches: IsAMDExporterPod},
}

// Classifier evaluates its rules in order, the first matching rule wins.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns a classifier over DefaultRules without the given kinds.
func NewClassifier(disabled ...Kind) *Classifier {
	var rules []Rule

	for _, r := range DefaultRules {
		if slices.Contains(disabled, r.Kind) {
			continue
		}

		rules = append(rules, r)
	}

	return NewClassifierWithRules(rules...)
}

// NewClassifierWithRules returns a classifier over the given rules, in order.
func NewClassifierWithRules(rules ...Rule) *Classifier {
	return &Classifier{rules: rules}
}

func (c *Classifier) Classify(pod *corev1.Pod) Kind {
	for _, r := range c.rules {
		if r.Matches(pod) {
			return r.Kind
		}
	}

	return KindNone
}

func IsCustomMetricsPod(pod *corev1.Pod) bool {
	return pod.Annotations[CustomMetricsScrapeAnnotation] == "true"
}

func IsDCGMExporterPod(pod *corev1.Pod) bool {
	return pod.Labels[DCGMAppLabelKey] == DCGMAppLabelValue
}

func IsAMDExporterPod(pod *corev1.Pod) bool {
	return pod.Namespace == AMDNamespace && pod.Labels[AMDAppLabelKey] == AMDAppLabelValue
}
