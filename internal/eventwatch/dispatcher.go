package eventwatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	k8sutils "github.com/crusoecloud/vector-config-reloader/internal/kubernetes"
)

const (
	// DefaultReconnectDelay is the time to wait before a closed watch stream is re-established
	DefaultReconnectDelay = 5 * time.Second

	StreamPods       = "pods"
	StreamRuleObject = "rule_object"
)

// Handler receives the events of both streams. It is called synchronously, so it may
// block the stream it is called from but never the other one.
type Handler interface {
	HandlePodEvent(ctx context.Context, eventType watch.EventType, pod *corev1.Pod) error
	HandleRuleObjectEvent(ctx context.Context, eventType watch.EventType, cm *corev1.ConfigMap) error
}

type Config struct {
	NodeName       string
	RuleObject     types.NamespacedName
	ReconnectDelay time.Duration
}

// Dispatcher watches the pods scheduled on this node and the rule object, and feeds
// both streams into a Handler.
type Dispatcher struct {
	client  kubernetes.Interface
	handler Handler
	config  Config
}

func NewDispatcher(client kubernetes.Interface, handler Handler, config Config) *Dispatcher {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}

	return &Dispatcher{
		client:  client,
		handler: handler,
		config:  config,
	}
}

// Start runs both watch loops until the context is cancelled or one of them fails. A
// failure of one loop stops the other one as well.
func (d *Dispatcher) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.podWatcher().Start(gctx)
	})
	g.Go(func() error {
		return d.ruleObjectWatcher().Start(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logf.FromContext(ctx).Info("Event dispatcher stopped")

	return nil
}

func (d *Dispatcher) podWatcher() *watcher {
	return &watcher{
		stream:        StreamPods,
		fieldSelector: k8sutils.NodePodsSelector(d.config.NodeName),
		watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
			return d.client.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, opts)
		},
		handle:         d.dispatchPodEvent,
		reconnectDelay: d.config.ReconnectDelay,
	}
}

func (d *Dispatcher) ruleObjectWatcher() *watcher {
	return &watcher{
		stream:        StreamRuleObject,
		fieldSelector: fields.OneTermEqualSelector("metadata.name", d.config.RuleObject.Name).String(),
		watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
			return d.client.CoreV1().ConfigMaps(d.config.RuleObject.Namespace).Watch(ctx, opts)
		},
		handle:         d.dispatchRuleObjectEvent,
		reconnectDelay: d.config.ReconnectDelay,
	}
}

func (d *Dispatcher) dispatchPodEvent(ctx context.Context, event watch.Event) error {
	pod, ok := event.Object.(*corev1.Pod)
	if !ok {
		logf.FromContext(ctx).Info("Unexpected object type", "type", fmt.Sprintf("%T", event.Object))
		return nil
	}

	if pod.Spec.NodeName != d.config.NodeName {
		return nil
	}

	return d.handler.HandlePodEvent(ctx, event.Type, pod)
}

func (d *Dispatcher) dispatchRuleObjectEvent(ctx context.Context, event watch.Event) error {
	cm, ok := event.Object.(*corev1.ConfigMap)
	if !ok {
		logf.FromContext(ctx).Info("Unexpected object type", "type", fmt.Sprintf("%T", event.Object))
		return nil
	}

	if cm.Name != d.config.RuleObject.Name {
		return nil
	}

	return d.handler.HandleRuleObjectEvent(ctx, event.Type, cm)
}
