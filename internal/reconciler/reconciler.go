package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/crusoecloud/vector-config-reloader/internal/exporter"
	k8sutils "github.com/crusoecloud/vector-config-reloader/internal/kubernetes"
	"github.com/crusoecloud/vector-config-reloader/internal/metrics"
	"github.com/crusoecloud/vector-config-reloader/internal/nodeidentity"
	"github.com/crusoecloud/vector-config-reloader/internal/rules"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/config"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/enrichment"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/graph"
)

var ErrRuleObjectDeleted = errors.New("rule object deleted")

// GraphStore loads and persists the Vector configuration consumed by the agent.
type GraphStore interface {
	Load() (*config.Config, error)
	Save(cfg *config.Config) error
}

// BaselineLoader loads the read-only baseline template.
type BaselineLoader interface {
	Load() (*config.Config, error)
}

type RuleStore interface {
	Fetch(ctx context.Context) rules.RuleSet
	Apply(ctx context.Context, cm *corev1.ConfigMap) error
	Current() rules.RuleSet
}

type Config struct {
	NodeName string
	Identity nodeidentity.Identity
}

// Reconciler keeps the persisted Vector configuration in line with the exporter pods on
// this node and the rule object. Every load, edit and save sequence holds mu, so pod and
// rule object events never overwrite each other's changes. The rule cache is read from
// the API server only during Bootstrap, afterwards it changes only through rule object
// events applied under mu.
type Reconciler struct {
	config     Config
	client     kubernetes.Interface
	store      GraphStore
	baseline   BaselineLoader
	rules      RuleStore
	classifier *exporter.Classifier
	builder    *exporter.Builder
	editor     *graph.Editor

	mu sync.Mutex
	// external holds input ids the baseline template references but does not define.
	external []string
}

func New(
	config Config,
	client kubernetes.Interface,
	store GraphStore,
	baseline BaselineLoader,
	ruleStore RuleStore,
	classifier *exporter.Classifier,
	builder *exporter.Builder,
	editor *graph.Editor,
) *Reconciler {
	return &Reconciler{
		config:     config,
		client:     client,
		store:      store,
		baseline:   baseline,
		rules:      ruleStore,
		classifier: classifier,
		builder:    builder,
		editor:     editor,
	}
}

// Bootstrap builds the configuration from the baseline template and all running pods on
// this node and persists it.
func (r *Reconciler) Bootstrap(ctx context.Context) (err error) {
	defer func() { metrics.RecordReconciliation(metrics.TriggerBootstrap, err) }()

	log := logf.FromContext(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.baseline.Load()
	if err != nil {
		return fmt.Errorf("failed to load baseline template: %w", err)
	}

	r.external = cfg.UnresolvedInputs()
	if len(r.external) > 0 {
		log.Info("Baseline template references components it does not define", "inputs", r.external)
	}

	if err := r.editor.SetNodeSinkEndpoint(cfg); err != nil {
		return err
	}

	rs := r.rules.Fetch(ctx)

	pods, err := k8sutils.ListRunningNodePods(ctx, r.client, r.config.NodeName)
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}

	applied := r.applyPods(ctx, cfg, pods, rs, allKinds)

	if err := r.persist(ctx, cfg); err != nil {
		return err
	}

	log.Info("Bootstrapped vector config", "pods", len(pods), "exporters", applied)

	return nil
}

// HandlePodEvent applies a single pod event. Running exporters are added, terminating
// exporters are removed, all other pods are ignored.
func (r *Reconciler) HandlePodEvent(ctx context.Context, eventType watch.EventType, pod *corev1.Pod) error {
	log := logf.FromContext(ctx).WithValues("pod", pod.Namespace+"/"+pod.Name, "event", eventType)

	state := podStateOf(eventType, pod)
	if state == podIgnored {
		log.V(1).Info("Ignoring pod in phase", "phase", pod.Status.Phase)
		recordSkipped(metrics.TriggerPod)

		return nil
	}

	kind := r.classifier.Classify(pod)
	if kind == exporter.KindNone {
		log.V(1).Info("Ignoring pod that is not an exporter")
		recordSkipped(metrics.TriggerPod)

		return nil
	}

	if state == podRunning && pod.Status.PodIP == "" {
		log.V(1).Info("Ignoring running exporter without pod IP", "kind", kind)
		recordSkipped(metrics.TriggerPod)

		return nil
	}

	err := r.handlePod(ctx, state, kind, pod)
	metrics.RecordReconciliation(metrics.TriggerPod, err)

	return err
}

func (r *Reconciler) handlePod(ctx context.Context, state podState, kind exporter.Kind, pod *corev1.Pod) error {
	log := logf.FromContext(ctx).WithValues("pod", pod.Namespace+"/"+pod.Name, "kind", kind)

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load vector config: %w", err)
	}

	switch state {
	case podRunning:
		var policy rules.Policy
		if kind == exporter.KindCustomMetrics {
			policy = r.rules.Current().PolicyFor(exporter.DeploymentName(pod.Name))
		}

		if err := r.setExporter(ctx, cfg, pod, kind, policy); err != nil {
			return err
		}

		log.Info("Exporter added")
	case podTerminating:
		d := r.builder.BuildForRemoval(ctx, pod, kind)
		if !r.editor.Remove(cfg, d) {
			log.V(1).Info("Nothing to remove for exporter")
		} else {
			log.Info("Exporter removed")
		}
	}

	return r.persist(ctx, cfg)
}

// HandleRuleObjectEvent applies a change of the rule object by rebuilding every custom
// metrics exporter with the new policies. A deleted rule object is reported but never
// acted upon, the last known rules stay in effect.
func (r *Reconciler) HandleRuleObjectEvent(ctx context.Context, eventType watch.EventType, cm *corev1.ConfigMap) error {
	log := logf.FromContext(ctx).WithValues("configmap", cm.Namespace+"/"+cm.Name, "event", eventType)

	switch eventType {
	case watch.Deleted:
		log.Error(ErrRuleObjectDeleted, "Rule object was deleted, keeping last known rules", "severity", "critical")
		recordSkipped(metrics.TriggerRuleObject)

		return nil
	case watch.Added, watch.Modified:
	default:
		log.V(1).Info("Ignoring rule object event")
		recordSkipped(metrics.TriggerRuleObject)

		return nil
	}

	err := r.rebuildCustomMetrics(ctx, cm)
	metrics.RecordReconciliation(metrics.TriggerRuleObject, err)

	return err
}

func (r *Reconciler) rebuildCustomMetrics(ctx context.Context, cm *corev1.ConfigMap) error {
	log := logf.FromContext(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.rules.Apply(ctx, cm); err != nil {
		return fmt.Errorf("failed to apply rule object, keeping last known rules: %w", err)
	}

	cfg, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load vector config: %w", err)
	}

	pods, err := k8sutils.ListRunningNodePods(ctx, r.client, r.config.NodeName)
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}

	removed := r.editor.RemoveAllCustomMetrics(cfg)
	applied := r.applyPods(ctx, cfg, pods, r.rules.Current(), onlyKind(exporter.KindCustomMetrics))

	if err := r.persist(ctx, cfg); err != nil {
		return err
	}

	log.Info("Rebuilt custom metrics exporters", "removedComponents", removed, "exporters", applied)

	return nil
}

// applyPods adds every running exporter pod accepted by filter. Pods are expected in a
// stable order, so that of two pods sharing a sanitized id the same one always wins.
func (r *Reconciler) applyPods(ctx context.Context, cfg *config.Config, pods []corev1.Pod, rs rules.RuleSet, filter func(exporter.Kind) bool) int {
	log := logf.FromContext(ctx)

	owners := make(map[string]string)
	applied := 0

	for i := range pods {
		pod := &pods[i]

		kind := r.classifier.Classify(pod)
		if kind == exporter.KindNone || !filter(kind) {
			continue
		}

		if pod.Status.PodIP == "" {
			log.V(1).Info("Skipping exporter without pod IP", "pod", pod.Namespace+"/"+pod.Name, "kind", kind)
			continue
		}

		if kind == exporter.KindCustomMetrics {
			id := exporter.StableID(kind, pod.Name)
			if owner, taken := owners[id]; taken {
				log.Error(nil, "Skipping custom metrics pod, its id is already used by another pod",
					"pod", pod.Namespace+"/"+pod.Name, "id", id, "owner", owner)

				continue
			}

			owners[id] = pod.Namespace + "/" + pod.Name
		}

		policy := rs.PolicyFor(exporter.DeploymentName(pod.Name))

		if err := r.setExporter(ctx, cfg, pod, kind, policy); err != nil {
			log.Error(err, "Failed to add exporter", "pod", pod.Namespace+"/"+pod.Name, "kind", kind)
			continue
		}

		applied++
	}

	return applied
}

func (r *Reconciler) setExporter(ctx context.Context, cfg *config.Config, pod *corev1.Pod, kind exporter.Kind, policy rules.Policy) error {
	d, err := r.builder.Build(ctx, pod, kind, policy)
	if err != nil {
		return fmt.Errorf("failed to build descriptor: %w", err)
	}

	var program string
	if kind == exporter.KindCustomMetrics {
		program = enrichment.CustomMetrics(policy, d, r.config.Identity)
	}

	return r.editor.Set(cfg, d, program)
}

// persist re-applies the node enrichment, validates the graph and saves it.
func (r *Reconciler) persist(ctx context.Context, cfg *config.Config) error {
	if err := r.editor.SetNodeEnrichment(cfg); err != nil {
		return err
	}

	if err := graph.Validate(cfg, r.external...); err != nil {
		return fmt.Errorf("refusing to persist invalid vector config: %w", err)
	}

	if err := r.store.Save(cfg); err != nil {
		return fmt.Errorf("failed to persist vector config: %w", err)
	}

	metrics.RecordGraphComponents(len(cfg.Sources), len(cfg.Transforms), len(cfg.Sinks))
	logf.FromContext(ctx).V(1).Info("Persisted vector config",
		"sources", len(cfg.Sources), "transforms", len(cfg.Transforms), "sinks", len(cfg.Sinks))

	return nil
}

func allKinds(exporter.Kind) bool {
	return true
}

func onlyKind(kind exporter.Kind) func(exporter.Kind) bool {
	return func(k exporter.Kind) bool {
		return k == kind
	}
}

func recordSkipped(trigger string) {
	metrics.Reconciliations.WithLabelValues(trigger, metrics.ResultSkipped).Inc()
}
