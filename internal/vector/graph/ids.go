package graph

import "strings"

// Baseline component ids. Both are part of the baseline template and never removed.
const (
	NodeEnrichmentID = "enrich_node_metrics"
	NodeSinkID       = "cms_gateway_node_metrics"
)

const (
	DCGMSourceID = "dcgm_exporter_scrape"
	AMDSourceID  = "amd_exporter_scrape"
	AMDFilterID  = "amd_allowed_filter"

	CustomMetricsPrefix = "custom_metrics_"
)

const (
	roleScrape = "scrape"
	roleEnrich = "enrich"
	roleSink   = "sink"
)

// CustomMetricsIDs returns the ids of the source, transform and sink of the custom
// metrics pod with the given stable id.
func CustomMetricsIDs(stableID string) (source, transform, sink string) {
	return customMetricsID(stableID, roleScrape), customMetricsID(stableID, roleEnrich), customMetricsID(stableID, roleSink)
}

func customMetricsID(stableID, role string) string {
	return CustomMetricsPrefix + stableID + "_" + role
}

// isManaged reports whether the component is created on demand and therefore removed once
// it has no inputs left.
func isManaged(id string) bool {
	return id == AMDFilterID || strings.HasPrefix(id, CustomMetricsPrefix)
}
