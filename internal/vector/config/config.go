package config

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the Vector configuration document consumed by the data-plane agent.
// Only the three component collections are modeled; any other top-level keys of the
// baseline template are carried in Extra and written back unchanged.
type Config struct {
	Sources    map[string]*Source    `yaml:"sources"`
	Transforms map[string]*Transform `yaml:"transforms"`
	Sinks      map[string]*Sink      `yaml:"sinks"`

	Extra map[string]any `yaml:",inline"`
}

type Source struct {
	Type               string   `yaml:"type"`
	Endpoints          []string `yaml:"endpoints,omitempty"`
	ScrapeIntervalSecs int      `yaml:"scrape_interval_secs,omitempty"`
	ScrapeTimeoutSecs  int      `yaml:"scrape_timeout_secs,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Transform struct {
	Type      string     `yaml:"type"`
	Inputs    Inputs     `yaml:"inputs"`
	Source    VRL        `yaml:"source,omitempty"`
	Condition *Condition `yaml:"condition,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Condition struct {
	Type   string `yaml:"type"`
	Source VRL    `yaml:"source"`
}

type Sink struct {
	Type        string       `yaml:"type"`
	Inputs      Inputs       `yaml:"inputs"`
	Endpoint    string       `yaml:"endpoint,omitempty"`
	Auth        *Auth        `yaml:"auth,omitempty"`
	Healthcheck *Healthcheck `yaml:"healthcheck,omitempty"`
	Compression string       `yaml:"compression,omitempty"`
	TLS         *TLS         `yaml:"tls,omitempty"`
	Batch       *Batch       `yaml:"batch,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Auth struct {
	Strategy string `yaml:"strategy"`
	Token    string `yaml:"token,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Healthcheck struct {
	Enabled bool `yaml:"enabled"`
}

type TLS struct {
	VerifyCertificate *bool `yaml:"verify_certificate,omitempty"`
	VerifyHostname    *bool `yaml:"verify_hostname,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Batch struct {
	MaxEvents   int     `yaml:"max_events,omitempty"`
	TimeoutSecs float64 `yaml:"timeout_secs,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// VRL is a Vector Remap Language program. It is rendered as a YAML literal block so the
// persisted document stays readable.
type VRL string

func (v VRL) MarshalYAML() (any, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   "!!str",
		Style: yaml.LiteralStyle,
		Value: string(v),
	}, nil
}

// Inputs is the ordered set of upstream component IDs of a transform or sink.
// It never contains duplicates and is kept in lexicographic order, so identical graphs
// always render to identical bytes.
type Inputs []string

func NewInputs(ids ...string) Inputs {
	var in Inputs
	for _, id := range ids {
		in.Add(id)
	}

	return in
}

// Add inserts id and reports whether the set changed.
func (in *Inputs) Add(id string) bool {
	pos, found := slices.BinarySearch(*in, id)
	if found {
		return false
	}

	*in = slices.Insert(*in, pos, id)

	return true
}

// Remove deletes id and reports whether the set changed.
func (in *Inputs) Remove(id string) bool {
	pos, found := slices.BinarySearch(*in, id)
	if !found {
		return false
	}

	*in = slices.Delete(*in, pos, pos+1)

	return true
}

func (in Inputs) Has(id string) bool {
	_, found := slices.BinarySearch(in, id)
	return found
}

func (in Inputs) MarshalYAML() (any, error) {
	if in == nil {
		return []string{}, nil
	}

	return []string(in), nil
}

func (in *Inputs) UnmarshalYAML(node *yaml.Node) error {
	var ids []string
	if err := node.Decode(&ids); err != nil {
		return err
	}

	*in = NewInputs(ids...)

	return nil
}

// New returns an empty configuration with all collections initialized.
func New() *Config {
	cfg := &Config{}
	cfg.ensureCollections()

	return cfg
}

// Parse decodes a Vector configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vector config: %w", err)
	}

	cfg.ensureCollections()

	return cfg, nil
}

// Marshal encodes the configuration. Map keys and input sets are emitted in sorted order,
// so the output is a pure function of the graph content.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to marshal vector config: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush vector config: %w", err)
	}

	return buf.Bytes(), nil
}

// HasComponent reports whether id names an existing source or transform, i.e. whether it
// may legally appear in an inputs set.
func (c *Config) HasComponent(id string) bool {
	if _, ok := c.Sources[id]; ok {
		return true
	}

	_, ok := c.Transforms[id]

	return ok
}

// DanglingInputs returns every "consumer -> input" edge whose input is neither a source,
// a transform, nor one of the always-present ids. Wildcard inputs such as "*_scrape" are
// resolved by Vector and never reported. The result is sorted.
func (c *Config) DanglingInputs(alwaysPresent ...string) []string {
	var dangling []string

	check := func(consumer string, inputs Inputs) {
		for _, id := range inputs {
			if strings.Contains(id, "*") || c.HasComponent(id) || slices.Contains(alwaysPresent, id) {
				continue
			}

			dangling = append(dangling, consumer+" -> "+id)
		}
	}

	for id, t := range c.Transforms {
		check(id, t.Inputs)
	}

	for id, s := range c.Sinks {
		check(id, s.Inputs)
	}

	slices.Sort(dangling)

	return dangling
}

// UnresolvedInputs returns the sorted, distinct input ids that DanglingInputs would
// report, for example ids of components defined in another configuration file.
func (c *Config) UnresolvedInputs() []string {
	var ids []string

	for _, edge := range c.DanglingInputs() {
		_, id, _ := strings.Cut(edge, " -> ")
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return slices.Compact(ids)
}

// ComponentIDs returns the sorted IDs of all components whose ID has the given prefix.
func (c *Config) ComponentIDs(prefix string) (sources, transforms, sinks []string) {
	collect := func(ids []string) []string {
		var out []string

		for _, id := range ids {
			if strings.HasPrefix(id, prefix) {
				out = append(out, id)
			}
		}

		slices.Sort(out)

		return out
	}

	return collect(keys(c.Sources)), collect(keys(c.Transforms)), collect(keys(c.Sinks))
}

func (c *Config) ensureCollections() {
	if c.Sources == nil {
		c.Sources = make(map[string]*Source)
	}

	if c.Transforms == nil {
		c.Transforms = make(map[string]*Transform)
	}

	if c.Sinks == nil {
		c.Sinks = make(map[string]*Sink)
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	return out
}
