package rules

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crusoecloud/vector-config-reloader/internal/vector/config/vrl"
)

// RuleSet is the content of the cluster-wide rule object.
type RuleSet struct {
	LogLevel    string            `yaml:"log_level,omitempty"`
	Deployments map[string]Policy `yaml:"deployments,omitempty"`
}

// Policy is the metric filtering and labeling policy of one deployment.
type Policy struct {
	MetricsAllowlist []string `yaml:"metrics_allowlist,omitempty"`
	MetricsDroplist  []string `yaml:"metrics_droplist,omitempty"`
	DropLabels       []string `yaml:"drop_labels,omitempty"`
	AddLabels        []Label  `yaml:"add_labels,omitempty"`
	ScrapeInterval   *int     `yaml:"scrape_interval,omitempty"`
}

// Label is a label addition. A label either carries a static Value or copies the value
// of another event field named by FromField (for example ".tags.host").
type Label struct {
	Key       string `yaml:"key"`
	Value     string `yaml:"value,omitempty"`
	FromField string `yaml:"from_field,omitempty"`
}

func (l Label) IsDynamic() bool {
	return l.FromField != ""
}

var (
	ErrEmptyLabelKey        = errors.New("label key must not be empty")
	ErrAmbiguousLabel       = errors.New("label must not set both value and from_field")
	ErrInvalidFieldPath     = errors.New("from_field must be an event path such as .tags.host")
	ErrNonPositiveInterval  = errors.New("scrape_interval must be positive")
	ErrEmptyDeploymentName  = errors.New("deployment name must not be empty")
	ErrUnsupportedLogLevel  = errors.New("unsupported log level")
	supportedLogLevelValues = []string{"debug", "info", "warn", "error"}
)

// Parse decodes and validates a rule object document. An empty document is a valid,
// empty rule set.
func Parse(data string) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal([]byte(data), &rs); err != nil {
		return RuleSet{}, fmt.Errorf("failed to unmarshal rules: %w", err)
	}

	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}

	return rs, nil
}

func (rs RuleSet) Validate() error {
	if rs.LogLevel != "" && !isSupportedLogLevel(rs.LogLevel) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLogLevel, rs.LogLevel)
	}

	for name, p := range rs.Deployments {
		if name == "" {
			return ErrEmptyDeploymentName
		}

		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid policy for deployment %q: %w", name, err)
		}
	}

	return nil
}

func (p Policy) Validate() error {
	if p.ScrapeInterval != nil && *p.ScrapeInterval <= 0 {
		return ErrNonPositiveInterval
	}

	for _, l := range p.AddLabels {
		if l.Key == "" {
			return ErrEmptyLabelKey
		}

		if l.Value != "" && l.FromField != "" {
			return fmt.Errorf("%w: %q", ErrAmbiguousLabel, l.Key)
		}

		if l.IsDynamic() {
			if _, err := vrl.ParsePath(l.FromField); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidFieldPath, err)
			}
		}
	}

	for _, key := range p.DropLabels {
		if key == "" {
			return ErrEmptyLabelKey
		}
	}

	return nil
}

// PolicyFor returns the policy of the named deployment. Unknown or empty names yield the
// empty policy.
func (rs RuleSet) PolicyFor(deployment string) Policy {
	if deployment == "" {
		return Policy{}
	}

	return rs.Deployments[deployment]
}

func isSupportedLogLevel(level string) bool {
	for _, l := range supportedLogLevelValues {
		if strings.EqualFold(l, level) {
			return true
		}
	}

	return false
}
