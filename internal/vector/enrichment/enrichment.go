package enrichment

import (
	"github.com/crusoecloud/vector-config-reloader/internal/exporter"
	"github.com/crusoecloud/vector-config-reloader/internal/nodeidentity"
	"github.com/crusoecloud/vector-config-reloader/internal/rules"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/config/vrl"
)

const (
	ResourceVM            = "vm"
	ResourceCustomMetrics = "custom_metrics"
)

// AMDAllowedMetrics are the AMD exporter metrics forwarded to the gateway.
var AMDAllowedMetrics = []string{
	"gpu_used_visible_vram",
	"gpu_total_visible_vram",
	"gpu_gfx_activity",
	"gpu_power_usage",
	"gpu_umc_activity",
	"gpu_prof_tensor_active_percent",
	"pcie_bandwidth",
	"gpu_junction_temperature",
	"gpu_xgmi_link_rx",
	"gpu_xgmi_link_tx",
	"pcie_replay_count",
	"gpu_ecc_uncorrect_total",
	"gpu_ecc_correct_total",
	"gpu_prof_occupancy_percent",
	"gpu_prof_sm_active",
}

// nodepoolFromHost overrides the nodepool tag with the host name minus its last
// hyphen-delimited token whenever the event carries a host tag.
const nodepoolFromHost vrl.Raw = `
if exists(.tags.Hostname) {
  parts, _ = split(.tags.Hostname, ".")
  host_prefix = get(parts, [0]) ?? ""
  prefix_parts, _ = split(host_prefix, "-")
  nodepool_id_parts, _ = slice(prefix_parts, 0, length(prefix_parts) - 1)
  .tags.nodepool, _ = join(nodepool_id_parts, "-")
} else if exists(.tags.host) {
  prefix_parts, _ = split(.tags.host, "-")
  nodepool_id_parts, _ = slice(prefix_parts, 0, length(prefix_parts) - 1)
  .tags.nodepool, _ = join(nodepool_id_parts, "-")
}
`

// CustomMetricsStatements returns the program of a custom metrics transform: the
// allowlist guard (or, without allowlist, the droplist guard), label deletions, label
// additions in policy order and finally the routing labels.
func CustomMetricsStatements(policy rules.Policy, d exporter.Descriptor, id nodeidentity.Identity) []vrl.Statement {
	var stmts []vrl.Statement

	switch {
	case len(policy.MetricsAllowlist) > 0:
		stmts = append(stmts, vrl.Guard{Field: vrl.MetricName(), Values: policy.MetricsAllowlist, Keep: true})
	case len(policy.MetricsDroplist) > 0:
		stmts = append(stmts, vrl.Guard{Field: vrl.MetricName(), Values: policy.MetricsDroplist})
	}

	for _, key := range policy.DropLabels {
		stmts = append(stmts, vrl.Delete{Field: vrl.Tag(key)})
	}

	for _, l := range policy.AddLabels {
		if l.IsDynamic() {
			from, err := vrl.ParsePath(l.FromField)
			if err != nil {
				continue
			}

			stmts = append(stmts, vrl.SetField{Target: vrl.Tag(l.Key), From: from})

			continue
		}

		stmts = append(stmts, vrl.SetLiteral{Target: vrl.Tag(l.Key), Value: l.Value})
	}

	stmts = append(stmts, identityLabels(id, ResourceCustomMetrics)...)
	stmts = append(stmts,
		vrl.SetLiteral{Target: vrl.Tag("pod_name"), Value: d.PodName},
		vrl.SetLiteral{Target: vrl.Tag("pod_ip"), Value: d.PodIP},
	)

	return stmts
}

func CustomMetrics(policy rules.Policy, d exporter.Descriptor, id nodeidentity.Identity) string {
	return vrl.Render(CustomMetricsStatements(policy, d, id)...)
}

// NodeMetrics returns the program of the baseline node enrichment transform.
func NodeMetrics(id nodeidentity.Identity) string {
	stmts := []vrl.Statement{
		vrl.SetLiteral{Target: vrl.Tag("nodepool"), Value: id.NodepoolID},
		nodepoolFromHost,
	}
	stmts = append(stmts, identityLabels(id, ResourceVM)...)

	return vrl.Render(stmts...)
}

// AMDAllowlistCondition returns the filter condition that keeps AMDAllowedMetrics only.
func AMDAllowlistCondition() string {
	return vrl.Includes(vrl.MetricName(), AMDAllowedMetrics)
}

func identityLabels(id nodeidentity.Identity, resource string) []vrl.Statement {
	return []vrl.Statement{
		vrl.SetLiteral{Target: vrl.Tag("cluster_id"), Value: id.ClusterID},
		vrl.SetLiteral{Target: vrl.Tag("vm_id"), Value: id.InstanceID},
		vrl.SetLiteral{Target: vrl.Tag("crusoe_resource"), Value: resource},
	}
}
