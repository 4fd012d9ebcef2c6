package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/crusoecloud/vector-config-reloader/internal/errortypes"
)

var ErrMissingKey = errors.New("rule object does not contain the rules key")

// LevelSyncer applies the log level carried by the rule object.
type LevelSyncer interface {
	Sync(level string) error
}

type StoreConfig struct {
	ConfigMapName types.NamespacedName
	ConfigMapKey  string
}

// Store caches the last successfully parsed rule object. The cache is only ever
// overwritten as a whole, never merged.
type Store struct {
	client      kubernetes.Interface
	config      StoreConfig
	levelSyncer LevelSyncer

	mu      sync.RWMutex
	current RuleSet
}

func NewStore(client kubernetes.Interface, levelSyncer LevelSyncer, config StoreConfig) *Store {
	return &Store{
		client:      client,
		config:      config,
		levelSyncer: levelSyncer,
	}
}

// Fetch reads the rule object from the API server and refreshes the cache. If the object
// is missing, unreadable or malformed, the last-known-good rule set is kept and returned.
func (s *Store) Fetch(ctx context.Context) RuleSet {
	log := logf.FromContext(ctx).WithValues("configmap", s.config.ConfigMapName.String())

	cm, err := s.client.CoreV1().ConfigMaps(s.config.ConfigMapName.Namespace).Get(ctx, s.config.ConfigMapName.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			log.V(1).Info("Rule object not found, keeping cached rules")
		} else {
			log.Error(&errortypes.APIRequestFailedError{Err: err}, "Failed to get rule object, keeping cached rules")
		}

		return s.Current()
	}

	if err := s.Apply(ctx, cm); err != nil {
		log.Error(err, "Failed to apply rule object, keeping cached rules")
	}

	return s.Current()
}

// Apply parses the given rule object and replaces the cache with its content.
func (s *Store) Apply(ctx context.Context, cm *corev1.ConfigMap) error {
	log := logf.FromContext(ctx)

	data, ok := cm.Data[s.config.ConfigMapKey]
	if !ok {
		return fmt.Errorf("%w: %s/%s has no key %q", ErrMissingKey, cm.Namespace, cm.Name, s.config.ConfigMapKey)
	}

	rs, err := Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse rule object %s/%s: %w", cm.Namespace, cm.Name, err)
	}

	s.mu.Lock()
	s.current = rs
	s.mu.Unlock()

	log.V(1).Info("Applied rule object", "deployments", len(rs.Deployments), "resourceVersion", cm.ResourceVersion)

	if s.levelSyncer != nil {
		if err := s.levelSyncer.Sync(rs.LogLevel); err != nil {
			log.Error(err, "Failed to apply log level from rule object")
		}
	}

	return nil
}

// Current returns the cached rule set.
func (s *Store) Current() RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// PolicyFor looks the deployment up in the cached rule set.
func (s *Store) PolicyFor(deployment string) Policy {
	return s.Current().PolicyFor(deployment)
}
