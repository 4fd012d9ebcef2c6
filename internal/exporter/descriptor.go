package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/crusoecloud/vector-config-reloader/internal/metrics"
	"github.com/crusoecloud/vector-config-reloader/internal/rules"
)

const (
	MinScrapeIntervalSecs = 5
	MaxPort               = 65535
	// ScrapeTimeoutPercent is the share of the scrape interval granted to a single scrape.
	ScrapeTimeoutPercent = 70
)

var (
	ErrNoPodIP         = errors.New("pod has no IP assigned")
	ErrUnsupportedKind = errors.New("unsupported exporter kind")

	invalidIDChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// Descriptor describes how to scrape one exporter pod. It is derived from a pod snapshot
// and discarded after the graph edit it drives.
type Descriptor struct {
	Kind      Kind
	PodName   string
	Namespace string
	PodIP     string

	// ID is the stable identifier the graph node ids are derived from.
	ID  string
	URL string

	ScrapeIntervalSecs int
	ScrapeTimeoutSecs  int
	IntervalClamped    bool

	// Deployment is the owning deployment used for the policy lookup. Only set for
	// custom metrics pods.
	Deployment string
}

// Endpoint holds the connection parameters of an exporter kind.
type Endpoint struct {
	Port           int
	Path           string
	ScrapeInterval int
}

type BuilderConfig struct {
	DCGM          Endpoint
	AMD           Endpoint
	CustomMetrics Endpoint
}

type Builder struct {
	config BuilderConfig
}

func NewBuilder(config BuilderConfig) *Builder {
	return &Builder{config: config}
}

// Build derives the descriptor of a running exporter pod. Custom metrics pods may override
// port, path and interval by annotation, the policy interval takes precedence over both.
func (b *Builder) Build(ctx context.Context, pod *corev1.Pod, kind Kind, policy rules.Policy) (Descriptor, error) {
	if pod.Status.PodIP == "" {
		return Descriptor{}, ErrNoPodIP
	}

	switch kind {
	case KindCustomMetrics:
		return b.buildCustomMetrics(ctx, pod, policy), nil
	case KindDCGM, KindAMD:
		return b.buildFixed(ctx, pod, kind), nil
	default:
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

// BuildForRemoval derives the descriptor of a terminating pod. Only the ids and, if the
// pod still has an IP, the URL are populated.
func (b *Builder) BuildForRemoval(ctx context.Context, pod *corev1.Pod, kind Kind) Descriptor {
	d := Descriptor{
		Kind:      kind,
		PodName:   pod.Name,
		Namespace: pod.Namespace,
		PodIP:     pod.Status.PodIP,
		ID:        StableID(kind, pod.Name),
	}

	if pod.Status.PodIP == "" {
		return d
	}

	switch kind {
	case KindCustomMetrics:
		port, path := b.customEndpoint(ctx, pod)
		d.URL = URL(pod.Status.PodIP, port, path)
	case KindDCGM:
		d.URL = URL(pod.Status.PodIP, b.config.DCGM.Port, b.config.DCGM.Path)
	case KindAMD:
		d.URL = URL(pod.Status.PodIP, b.config.AMD.Port, b.config.AMD.Path)
	}

	return d
}

func (b *Builder) buildCustomMetrics(ctx context.Context, pod *corev1.Pod, policy rules.Policy) Descriptor {
	log := logf.FromContext(ctx).WithValues("pod", pod.Namespace+"/"+pod.Name)

	port, path := b.customEndpoint(ctx, pod)

	interval := b.config.CustomMetrics.ScrapeInterval
	if v, ok := intAnnotation(ctx, pod, CustomMetricsIntervalAnnotation); ok {
		interval = v
	}

	if policy.ScrapeInterval != nil {
		interval = *policy.ScrapeInterval
	}

	d := Descriptor{
		Kind:       KindCustomMetrics,
		PodName:    pod.Name,
		Namespace:  pod.Namespace,
		PodIP:      pod.Status.PodIP,
		ID:         StableID(KindCustomMetrics, pod.Name),
		URL:        URL(pod.Status.PodIP, port, path),
		Deployment: DeploymentName(pod.Name),
	}
	d.setInterval(interval)

	if d.IntervalClamped {
		metrics.ScrapeIntervalClamps.Inc()
		log.Info("Scrape interval below minimum, clamped", "requested", interval, "applied", d.ScrapeIntervalSecs)
	}

	return d
}

func (b *Builder) buildFixed(ctx context.Context, pod *corev1.Pod, kind Kind) Descriptor {
	endpoint := b.config.DCGM
	if kind == KindAMD {
		endpoint = b.config.AMD
	}

	d := Descriptor{
		Kind:      kind,
		PodName:   pod.Name,
		Namespace: pod.Namespace,
		PodIP:     pod.Status.PodIP,
		ID:        StableID(kind, pod.Name),
		URL:       URL(pod.Status.PodIP, endpoint.Port, endpoint.Path),
	}
	d.setInterval(endpoint.ScrapeInterval)

	if d.IntervalClamped {
		metrics.ScrapeIntervalClamps.Inc()
		logf.FromContext(ctx).Info("Scrape interval below minimum, clamped", "kind", kind, "requested", endpoint.ScrapeInterval, "applied", d.ScrapeIntervalSecs)
	}

	return d
}

func (b *Builder) customEndpoint(ctx context.Context, pod *corev1.Pod) (int, string) {
	port := b.config.CustomMetrics.Port
	if v, ok := intAnnotation(ctx, pod, CustomMetricsPortAnnotation); ok {
		if v <= MaxPort {
			port = v
		} else {
			logf.FromContext(ctx).Info("Ignoring out of range port annotation, using default",
				"pod", pod.Namespace+"/"+pod.Name, "annotation", CustomMetricsPortAnnotation, "value", v)
		}
	}

	path := b.config.CustomMetrics.Path
	if v := strings.TrimSpace(pod.Annotations[CustomMetricsPathAnnotation]); v != "" {
		path = v
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return port, path
}

func (d *Descriptor) setInterval(interval int) {
	if interval < MinScrapeIntervalSecs {
		interval = MinScrapeIntervalSecs
		d.IntervalClamped = true
	}

	d.ScrapeIntervalSecs = interval
	d.ScrapeTimeoutSecs = ScrapeTimeout(interval)
}

// ScrapeTimeout returns the floor of ScrapeTimeoutPercent of the interval.
func ScrapeTimeout(intervalSecs int) int {
	return intervalSecs * ScrapeTimeoutPercent / 100
}

func intAnnotation(ctx context.Context, pod *corev1.Pod, key string) (int, bool) {
	raw, ok := pod.Annotations[key]
	if !ok {
		return 0, false
	}

	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		logf.FromContext(ctx).Info("Ignoring invalid annotation, using default", "pod", pod.Namespace+"/"+pod.Name, "annotation", key, "value", raw)
		return 0, false
	}

	return v, true
}

func URL(ip string, port int, path string) string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(ip, strconv.Itoa(port)), path)
}

// Sanitize replaces every character outside [a-zA-Z0-9_] with '_'. Distinct names may
// sanitize to the same id, e.g. "svc-a" and "svc.a".
func Sanitize(name string) string {
	return invalidIDChars.ReplaceAllString(name, "_")
}

// StableID returns the id graph nodes of the given pod are keyed by. Fixed kinds have a
// single node per node, so their id does not depend on the pod.
func StableID(kind Kind, podName string) string {
	switch kind {
	case KindCustomMetrics:
		return Sanitize(podName)
	case KindDCGM, KindAMD:
		return string(kind)
	default:
		return ""
	}
}

// DeploymentName strips the replica set hash and pod suffix from a pod name. Names with
// fewer than three hyphen-delimited segments yield an empty name.
func DeploymentName(podName string) string {
	parts := strings.Split(podName, "-")
	if len(parts) < 3 {
		return ""
	}

	return strings.Join(parts[:len(parts)-2], "-")
}
