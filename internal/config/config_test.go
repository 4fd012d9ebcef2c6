package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sink:
  endpoint: https://cms-gateway.example.com/api/v1/write
`))
	require.NoError(t, err)

	require.True(t, cfg.DCGMMetrics.IsEnabled())
	require.Equal(t, DefaultDCGMPort, cfg.DCGMMetrics.Port)
	require.Equal(t, DefaultMetricsPath, cfg.DCGMMetrics.Path)
	require.Equal(t, DefaultDCGMScrapeInterval, cfg.DCGMMetrics.ScrapeInterval)

	require.True(t, cfg.AMDMetrics.IsEnabled())
	require.Equal(t, DefaultAMDPort, cfg.AMDMetrics.Port)
	require.Equal(t, DefaultAMDScrapeInterval, cfg.AMDMetrics.ScrapeInterval)

	require.Equal(t, DefaultCustomPort, cfg.CustomMetrics.Port)
	require.Equal(t, DefaultMetricsPath, cfg.CustomMetrics.Path)
	require.Equal(t, DefaultCustomInterval, cfg.CustomMetrics.ScrapeInterval)

	require.Equal(t, DefaultBatchMaxEvents, cfg.Sink.BatchMaxEvents)
	require.InDelta(t, DefaultBatchTimeoutSecs, cfg.Sink.BatchTimeoutSecs, 0)
}

func TestParseExplicitValues(t *testing.T) {
	cfg, err := Parse([]byte(`
dcgm_metrics:
  port: 9401
  path: /dcgm
  scrape_interval: 15
amd_metrics:
  enabled: false
custom_metrics:
  port: 8080
  path: /custom
  scrape_interval: 3
sink:
  endpoint: https://cms-gateway.example.com/api/v1/write
  batch_max_events: 500
  batch_timeout_secs: 2.5
log_level: debug
`))
	require.NoError(t, err)

	require.Equal(t, FixedExporter{Port: 9401, Path: "/dcgm", ScrapeInterval: 15}, cfg.DCGMMetrics)
	require.False(t, cfg.AMDMetrics.IsEnabled())
	require.Equal(t, CustomMetrics{Port: 8080, Path: "/custom", ScrapeInterval: 3}, cfg.CustomMetrics)
	require.Equal(t, 500, cfg.Sink.BatchMaxEvents)
	require.InDelta(t, 2.5, cfg.Sink.BatchTimeoutSecs, 0)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		expectedErr error
	}{
		{
			name:        "missing sink endpoint",
			data:        "dcgm_metrics: {port: 9400}",
			expectedErr: ErrMissingSinkEndpoint,
		},
		{
			name: "port out of range",
			data: `
dcgm_metrics: {port: 70000}
sink: {endpoint: "https://gw/write"}
`,
			expectedErr: ErrInvalidPort,
		},
		{
			name: "relative path",
			data: `
custom_metrics: {path: metrics}
sink: {endpoint: "https://gw/write"}
`,
			expectedErr: ErrInvalidPath,
		},
		{
			name: "negative interval",
			data: `
amd_metrics: {scrape_interval: -1}
sink: {endpoint: "https://gw/write"}
`,
			expectedErr: ErrInvalidInterval,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sink: {endpoint: \"https://gw/write\"}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://gw/write", cfg.Sink.Endpoint)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
