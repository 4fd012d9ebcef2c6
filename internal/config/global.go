package config

import (
	"errors"

	"k8s.io/apimachinery/pkg/types"
)

// Global holds the process-wide settings resolved from flags and environment.
type Global struct {
	nodeName         string
	version          string
	vectorConfigPath string
	baseConfigPath   string
	rulesConfigMap   types.NamespacedName
	rulesKey         string
}

type Option func(*Global)

func WithNodeName(name string) Option {
	return func(g *Global) {
		g.nodeName = name
	}
}

func WithVersion(version string) Option {
	return func(g *Global) {
		g.version = version
	}
}

// WithVectorConfigPaths sets the persisted graph path and the read-only baseline template path.
func WithVectorConfigPaths(vectorConfigPath, baseConfigPath string) Option {
	return func(g *Global) {
		g.vectorConfigPath = vectorConfigPath
		g.baseConfigPath = baseConfigPath
	}
}

func WithRulesConfigMap(namespace, name, key string) Option {
	return func(g *Global) {
		g.rulesConfigMap = types.NamespacedName{Namespace: namespace, Name: name}
		g.rulesKey = key
	}
}

func NewGlobal(opts ...Option) Global {
	g := Global{}
	for _, opt := range opts {
		opt(&g)
	}

	return g
}

// NodeName returns the name of the node this instance reconciles.
func (g *Global) NodeName() string {
	return g.nodeName
}

func (g *Global) Version() string {
	return g.version
}

func (g *Global) VectorConfigPath() string {
	return g.vectorConfigPath
}

func (g *Global) BaseConfigPath() string {
	return g.baseConfigPath
}

// RulesConfigMap returns the namespaced name of the cluster-wide rule object.
func (g *Global) RulesConfigMap() types.NamespacedName {
	return g.rulesConfigMap
}

func (g *Global) RulesKey() string {
	return g.rulesKey
}

var (
	ErrMissingNodeName   = errors.New("node name must be set")
	ErrMissingPaths      = errors.New("vector config and base config paths must be set")
	ErrSamePaths         = errors.New("vector config path must differ from base config path")
	ErrMissingRuleObject = errors.New("rules configmap namespace, name and key must be set")
)

func (g *Global) Validate() error {
	if g.nodeName == "" {
		return ErrMissingNodeName
	}

	if g.vectorConfigPath == "" || g.baseConfigPath == "" {
		return ErrMissingPaths
	}

	if g.vectorConfigPath == g.baseConfigPath {
		return ErrSamePaths
	}

	if g.rulesConfigMap.Namespace == "" || g.rulesConfigMap.Name == "" || g.rulesKey == "" {
		return ErrMissingRuleObject
	}

	return nil
}
