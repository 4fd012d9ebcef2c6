package eventwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/crusoecloud/vector-config-reloader/internal/errortypes"
)

const (
	testNode  = "np-7f3a-2"
	rulesNS   = "crusoe-system"
	rulesName = "vector-reloader-rules"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
	fail   map[string]bool
}

func (h *recordingHandler) record(entry string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, entry)
	if h.fail[entry] {
		return errors.New("handler failed")
	}

	return nil
}

func (h *recordingHandler) HandlePodEvent(_ context.Context, eventType watch.EventType, pod *corev1.Pod) error {
	return h.record(string(eventType) + " pod " + pod.Name)
}

func (h *recordingHandler) HandleRuleObjectEvent(_ context.Context, eventType watch.EventType, cm *corev1.ConfigMap) error {
	return h.record(string(eventType) + " configmap " + cm.Name)
}

func (h *recordingHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.events...)
}

type fakeStreams struct {
	client *fake.Clientset
	pods   *watch.FakeWatcher
	rules  *watch.FakeWatcher
}

func newFakeStreams() *fakeStreams {
	client := fake.NewClientset()
	pods := watch.NewFake()
	rules := watch.NewFake()

	client.PrependWatchReactor("pods", clienttesting.DefaultWatchReactor(pods, nil))
	client.PrependWatchReactor("configmaps", clienttesting.DefaultWatchReactor(rules, nil))

	return &fakeStreams{client: client, pods: pods, rules: rules}
}

func startDispatcher(t *testing.T, d *Dispatcher) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- d.Start(ctx)
	}()

	t.Cleanup(cancel)

	return cancel, done
}

func testPod(name, node string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec:       corev1.PodSpec{NodeName: node},
	}
}

func testRuleObject() *corev1.ConfigMap {
	return &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: rulesName, Namespace: rulesNS}}
}

func testConfig() Config {
	return Config{
		NodeName:       testNode,
		RuleObject:     types.NamespacedName{Namespace: rulesNS, Name: rulesName},
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func TestDispatcherForwardsEventsInOrder(t *testing.T) {
	streams := newFakeStreams()
	handler := &recordingHandler{}

	cancel, done := startDispatcher(t, NewDispatcher(streams.client, handler, testConfig()))

	pod := testPod("svc-a-7d9f8-x2k4l", testNode)
	streams.pods.Add(testPod("svc-b-5c6d7-p9q8r", "np-7f3a-9"))
	streams.pods.Add(pod)
	streams.pods.Modify(pod)
	streams.pods.Delete(pod)
	streams.rules.Modify(testRuleObject())

	require.Eventually(t, func() bool {
		return len(handler.Events()) == 4
	}, 2*time.Second, 10*time.Millisecond)

	var podEvents []string

	for _, e := range handler.Events() {
		if e != "MODIFIED configmap "+rulesName {
			podEvents = append(podEvents, e)
		}
	}

	require.Equal(t, []string{
		"ADDED pod svc-a-7d9f8-x2k4l",
		"MODIFIED pod svc-a-7d9f8-x2k4l",
		"DELETED pod svc-a-7d9f8-x2k4l",
	}, podEvents)
	require.Contains(t, handler.Events(), "MODIFIED configmap "+rulesName)

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcherContinuesAfterHandlerError(t *testing.T) {
	streams := newFakeStreams()
	handler := &recordingHandler{fail: map[string]bool{"ADDED pod a-1-x": true}}

	startDispatcher(t, NewDispatcher(streams.client, handler, testConfig()))

	streams.pods.Add(testPod("a-1-x", testNode))
	streams.pods.Add(testPod("b-1-x", testNode))

	require.Eventually(t, func() bool {
		return len(handler.Events()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"ADDED pod a-1-x", "ADDED pod b-1-x"}, handler.Events())
}

func TestDispatcherStopsOnWatchErrorEvent(t *testing.T) {
	streams := newFakeStreams()
	handler := &recordingHandler{}

	_, done := startDispatcher(t, NewDispatcher(streams.client, handler, testConfig()))

	streams.pods.Error(&metav1.Status{
		Status:  metav1.StatusFailure,
		Reason:  metav1.StatusReasonExpired,
		Message: "too old resource version",
		Code:    410,
	})

	select {
	case err := <-done:
		var apiErr *errortypes.APIRequestFailedError
		require.ErrorAs(t, err, &apiErr)
		require.ErrorContains(t, err, "too old resource version")
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	require.Empty(t, handler.Events())
}

func TestDispatcherStopsOnFailedWatchRequest(t *testing.T) {
	streams := newFakeStreams()
	streams.client.PrependWatchReactor("configmaps", func(clienttesting.Action) (bool, watch.Interface, error) {
		return true, nil, errors.New("configmaps is forbidden")
	})

	_, done := startDispatcher(t, NewDispatcher(streams.client, &recordingHandler{}, testConfig()))

	select {
	case err := <-done:
		var apiErr *errortypes.APIRequestFailedError
		require.ErrorAs(t, err, &apiErr)
		require.ErrorContains(t, err, "forbidden")
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestWatcherReconnectsFromLastResourceVersion(t *testing.T) {
	var (
		mu       sync.Mutex
		versions []string
	)

	streams := make(chan *watch.FakeWatcher, 2)
	handled := make(chan string, 2)

	w := &watcher{
		stream: StreamPods,
		watch: func(_ context.Context, opts metav1.ListOptions) (watch.Interface, error) {
			mu.Lock()
			versions = append(versions, opts.ResourceVersion)
			mu.Unlock()

			fw := watch.NewFake()
			streams <- fw

			return fw, nil
		},
		handle: func(ctx context.Context, event watch.Event) error {
			if ctx.Done() != nil {
				handled <- "cancellable handler context"
				return nil
			}

			handled <- event.Object.(*corev1.Pod).Name

			return nil
		},
		reconnectDelay: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- w.Start(ctx)
	}()

	first := <-streams
	pod := testPod("a-1-x", testNode)
	pod.ResourceVersion = "7"
	first.Add(pod)
	require.Equal(t, "a-1-x", <-handled)

	first.Stop()

	second := <-streams
	second.Add(testPod("b-1-x", testNode))
	require.Equal(t, "b-1-x", <-handled)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"", "7"}, versions)
}

func TestWatcherSkipsUnexpectedObjects(t *testing.T) {
	streams := newFakeStreams()
	handler := &recordingHandler{}

	startDispatcher(t, NewDispatcher(streams.client, handler, testConfig()))

	streams.pods.Add(testRuleObject())
	streams.rules.Add(&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "unrelated", Namespace: rulesNS}})
	streams.rules.Add(testPod("a-1-x", testNode))
	streams.pods.Add(testPod("b-1-x", testNode))

	require.Eventually(t, func() bool {
		return len(handler.Events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"ADDED pod b-1-x"}, handler.Events())
}
