// Package graph edits the Vector component graph. Every Set operation is idempotent and
// every Remove operation tolerates absent components, so edits can be replayed safely.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"k8s.io/utils/ptr"

	"github.com/crusoecloud/vector-config-reloader/internal/exporter"
	"github.com/crusoecloud/vector-config-reloader/internal/nodeidentity"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/config"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/enrichment"
)

const (
	typePrometheusScrape      = "prometheus_scrape"
	typePrometheusRemoteWrite = "prometheus_remote_write"
	typeRemap                 = "remap"
	typeFilter                = "filter"
	conditionTypeVRL          = "vrl"

	// MonitoringTokenEnvVar is resolved by Vector when it loads the configuration.
	MonitoringTokenEnvVar = "CRUSOE_MONITORING_TOKEN"
)

var (
	ErrMissingBaseline = errors.New("baseline component missing")
	ErrDanglingInputs  = errors.New("inputs reference unknown components")
	ErrUnsupportedKind = errors.New("unsupported exporter kind")
)

// SinkSettings configures the remote write sinks created for custom metrics pods and the
// endpoint of the baseline node sink.
type SinkSettings struct {
	Endpoint         string
	BatchMaxEvents   int
	BatchTimeoutSecs float64
}

type Editor struct {
	sink     SinkSettings
	identity nodeidentity.Identity
}

func NewEditor(sink SinkSettings, identity nodeidentity.Identity) *Editor {
	return &Editor{
		sink:     sink,
		identity: identity,
	}
}

// Set adds or overwrites the components of the given exporter. program is the enrichment
// program of custom metrics exporters and ignored for other kinds.
func (e *Editor) Set(cfg *config.Config, d exporter.Descriptor, program string) error {
	switch d.Kind {
	case exporter.KindCustomMetrics:
		e.SetCustomMetrics(cfg, d, program)
		return nil
	case exporter.KindDCGM:
		return e.SetDCGM(cfg, d)
	case exporter.KindAMD:
		return e.SetAMD(cfg, d)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, d.Kind)
	}
}

// Remove deletes the components of the given exporter and reports whether the graph changed.
func (e *Editor) Remove(cfg *config.Config, d exporter.Descriptor) bool {
	switch d.Kind {
	case exporter.KindCustomMetrics:
		return e.RemoveCustomMetrics(cfg, d)
	case exporter.KindDCGM:
		return e.RemoveDCGM(cfg, d)
	case exporter.KindAMD:
		return e.RemoveAMD(cfg, d)
	default:
		return false
	}
}

func (e *Editor) SetDCGM(cfg *config.Config, d exporter.Descriptor) error {
	enrich, ok := cfg.Transforms[NodeEnrichmentID]
	if !ok {
		return fmt.Errorf("%w: transform %s", ErrMissingBaseline, NodeEnrichmentID)
	}

	cfg.Sources[DCGMSourceID] = scrapeSource(d)
	enrich.Inputs.Add(DCGMSourceID)

	return nil
}

// RemoveDCGM removes the DCGM source if it still scrapes the given pod. A source that
// already points to a successor pod is kept.
func (e *Editor) RemoveDCGM(cfg *config.Config, d exporter.Descriptor) bool {
	return e.removeFixedSource(cfg, DCGMSourceID, d)
}

func (e *Editor) SetAMD(cfg *config.Config, d exporter.Descriptor) error {
	enrich, ok := cfg.Transforms[NodeEnrichmentID]
	if !ok {
		return fmt.Errorf("%w: transform %s", ErrMissingBaseline, NodeEnrichmentID)
	}

	cfg.Sources[AMDSourceID] = scrapeSource(d)

	filter, ok := cfg.Transforms[AMDFilterID]
	if !ok {
		filter = &config.Transform{Type: typeFilter}
		cfg.Transforms[AMDFilterID] = filter
	}

	filter.Type = typeFilter
	filter.Inputs.Add(AMDSourceID)
	filter.Condition = &config.Condition{
		Type:   conditionTypeVRL,
		Source: config.VRL(enrichment.AMDAllowlistCondition()),
	}

	enrich.Inputs.Add(AMDFilterID)

	return nil
}

// RemoveAMD removes the AMD source if it still scrapes the given pod, together with the
// filter transform once it has no inputs left.
func (e *Editor) RemoveAMD(cfg *config.Config, d exporter.Descriptor) bool {
	return e.removeFixedSource(cfg, AMDSourceID, d)
}

// SetCustomMetrics writes the scrape source, enrichment transform and remote write sink
// of a custom metrics pod, replacing previous versions.
func (e *Editor) SetCustomMetrics(cfg *config.Config, d exporter.Descriptor, program string) {
	sourceID, transformID, sinkID := CustomMetricsIDs(d.ID)

	cfg.Sources[sourceID] = scrapeSource(d)
	cfg.Transforms[transformID] = &config.Transform{
		Type:   typeRemap,
		Inputs: config.NewInputs(sourceID),
		Source: config.VRL(program),
	}
	cfg.Sinks[sinkID] = e.remoteWriteSink(transformID)
}

// RemoveCustomMetrics removes all three components of a custom metrics pod. Components
// that scrape another pod sharing the same id are kept.
func (e *Editor) RemoveCustomMetrics(cfg *config.Config, d exporter.Descriptor) bool {
	sourceID, transformID, sinkID := CustomMetricsIDs(d.ID)

	if source, ok := cfg.Sources[sourceID]; ok && !scrapes(source, d) {
		return false
	}

	changed := deleteComponents(cfg, sourceID, transformID, sinkID)

	return prune(cfg) || changed
}

// RemoveAllCustomMetrics removes the components of every custom metrics pod and returns
// how many components were deleted.
func (e *Editor) RemoveAllCustomMetrics(cfg *config.Config) int {
	sources, transforms, sinks := cfg.ComponentIDs(CustomMetricsPrefix)

	ids := slices.Concat(sources, transforms, sinks)
	deleteComponents(cfg, ids...)
	prune(cfg)

	return len(ids)
}

// SetNodeEnrichment writes the node enrichment program, which embeds the node identity.
func (e *Editor) SetNodeEnrichment(cfg *config.Config) error {
	enrich, ok := cfg.Transforms[NodeEnrichmentID]
	if !ok {
		return fmt.Errorf("%w: transform %s", ErrMissingBaseline, NodeEnrichmentID)
	}

	enrich.Source = config.VRL(enrichment.NodeMetrics(e.identity))

	return nil
}

// SetNodeSinkEndpoint points the baseline node sink to the configured gateway.
func (e *Editor) SetNodeSinkEndpoint(cfg *config.Config) error {
	sink, ok := cfg.Sinks[NodeSinkID]
	if !ok {
		return fmt.Errorf("%w: sink %s", ErrMissingBaseline, NodeSinkID)
	}

	sink.Endpoint = e.sink.Endpoint

	return nil
}

// Validate checks that every input references an existing source or transform or one of
// the given external ids.
func Validate(cfg *config.Config, external ...string) error {
	if dangling := cfg.DanglingInputs(external...); len(dangling) > 0 {
		return fmt.Errorf("%w: %s", ErrDanglingInputs, strings.Join(dangling, ", "))
	}

	return nil
}

func (e *Editor) removeFixedSource(cfg *config.Config, sourceID string, d exporter.Descriptor) bool {
	source, ok := cfg.Sources[sourceID]
	if !ok {
		return false
	}

	if !scrapes(source, d) {
		return false
	}

	deleteComponents(cfg, sourceID)
	prune(cfg)

	return true
}

func (e *Editor) remoteWriteSink(input string) *config.Sink {
	sink := &config.Sink{
		Type:        typePrometheusRemoteWrite,
		Inputs:      config.NewInputs(input),
		Endpoint:    e.sink.Endpoint,
		Auth:        &config.Auth{Strategy: "bearer", Token: "${" + MonitoringTokenEnvVar + "}"},
		Healthcheck: &config.Healthcheck{Enabled: false},
		Compression: "snappy",
		TLS: &config.TLS{
			VerifyCertificate: ptr.To(true),
			VerifyHostname:    ptr.To(true),
		},
	}

	if e.sink.BatchMaxEvents > 0 || e.sink.BatchTimeoutSecs > 0 {
		sink.Batch = &config.Batch{
			MaxEvents:   e.sink.BatchMaxEvents,
			TimeoutSecs: e.sink.BatchTimeoutSecs,
		}
	}

	return sink
}

// scrapes reports whether source may belong to the pod described by d. Without a URL
// the pod can not be told apart and the source is assumed to be its own.
func scrapes(source *config.Source, d exporter.Descriptor) bool {
	return d.URL == "" || slices.Contains(source.Endpoints, d.URL)
}

func scrapeSource(d exporter.Descriptor) *config.Source {
	return &config.Source{
		Type:               typePrometheusScrape,
		Endpoints:          []string{d.URL},
		ScrapeIntervalSecs: d.ScrapeIntervalSecs,
		ScrapeTimeoutSecs:  d.ScrapeTimeoutSecs,
	}
}

// deleteComponents deletes the given components and detaches them from every inputs set.
func deleteComponents(cfg *config.Config, ids ...string) bool {
	changed := false

	for _, id := range ids {
		if _, ok := cfg.Sources[id]; ok {
			delete(cfg.Sources, id)
			changed = true
		}

		if _, ok := cfg.Transforms[id]; ok {
			delete(cfg.Transforms, id)
			changed = true
		}

		if _, ok := cfg.Sinks[id]; ok {
			delete(cfg.Sinks, id)
			changed = true
		}

		for _, t := range cfg.Transforms {
			if t.Inputs.Remove(id) {
				changed = true
			}
		}

		for _, s := range cfg.Sinks {
			if s.Inputs.Remove(id) {
				changed = true
			}
		}
	}

	return changed
}

// prune deletes managed transforms and sinks without inputs until none is left.
func prune(cfg *config.Config) bool {
	changed := false

	for {
		var empty []string

		for id, t := range cfg.Transforms {
			if isManaged(id) && len(t.Inputs) == 0 {
				empty = append(empty, id)
			}
		}

		for id, s := range cfg.Sinks {
			if isManaged(id) && len(s.Inputs) == 0 {
				empty = append(empty, id)
			}
		}

		if len(empty) == 0 {
			return changed
		}

		deleteComponents(cfg, empty...)
		changed = true
	}
}
