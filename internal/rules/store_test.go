package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
)

const (
	testNamespace = "crusoe-system"
	testName      = "vector-reloader-rules"
	testKey       = "rules.yaml"
)

type recordingSyncer struct {
	levels []string
	err    error
}

func (r *recordingSyncer) Sync(level string) error {
	r.levels = append(r.levels, level)
	return r.err
}

func ruleObject(data string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      testName,
			Namespace: testNamespace,
		},
		Data: map[string]string{
			testKey: data,
		},
	}
}

func setup(objects ...runtime.Object) (*Store, *fake.Clientset, *recordingSyncer) {
	client := fake.NewClientset(objects...)
	syncer := &recordingSyncer{}
	store := NewStore(client, syncer, StoreConfig{
		ConfigMapName: types.NamespacedName{Namespace: testNamespace, Name: testName},
		ConfigMapKey:  testKey,
	})

	return store, client, syncer
}

func TestFetch(t *testing.T) {
	store, _, syncer := setup(ruleObject(`
log_level: warn
deployments:
  svc-a:
    metrics_droplist: [up]
`))

	rs := store.Fetch(t.Context())

	require.Equal(t, []string{"up"}, rs.PolicyFor("svc-a").MetricsDroplist)
	require.Equal(t, []string{"up"}, store.PolicyFor("svc-a").MetricsDroplist)
	require.Equal(t, []string{"warn"}, syncer.levels)
}

func TestFetchNotFoundKeepsCache(t *testing.T) {
	store, client, _ := setup(ruleObject(`
deployments:
  svc-a:
    metrics_droplist: [up]
`))

	store.Fetch(t.Context())

	err := client.CoreV1().ConfigMaps(testNamespace).Delete(context.Background(), testName, metav1.DeleteOptions{})
	require.NoError(t, err)

	rs := store.Fetch(t.Context())
	require.Equal(t, []string{"up"}, rs.PolicyFor("svc-a").MetricsDroplist)
}

func TestFetchNeverLoaded(t *testing.T) {
	store, _, syncer := setup()

	rs := store.Fetch(t.Context())

	require.Equal(t, RuleSet{}, rs)
	require.Empty(t, syncer.levels)
}

func TestFetchAPIFailureKeepsCache(t *testing.T) {
	store, client, _ := setup(ruleObject(`
deployments:
  svc-a:
    scrape_interval: 30
`))

	store.Fetch(t.Context())

	client.PrependReactor("get", "configmaps", func(clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})

	rs := store.Fetch(t.Context())
	require.Equal(t, 30, *rs.PolicyFor("svc-a").ScrapeInterval)
}

func TestFetchMalformedKeepsCache(t *testing.T) {
	store, client, _ := setup(ruleObject(`
deployments:
  svc-a:
    scrape_interval: 30
`))

	store.Fetch(t.Context())

	_, err := client.CoreV1().ConfigMaps(testNamespace).Update(context.Background(), ruleObject("deployments: ["), metav1.UpdateOptions{})
	require.NoError(t, err)

	rs := store.Fetch(t.Context())
	require.Equal(t, 30, *rs.PolicyFor("svc-a").ScrapeInterval)
}

func TestApplyOverwrites(t *testing.T) {
	store, _, _ := setup()

	require.NoError(t, store.Apply(t.Context(), ruleObject(`
deployments:
  svc-a:
    metrics_droplist: [up]
  svc-b:
    metrics_droplist: [up]
`)))
	require.NoError(t, store.Apply(t.Context(), ruleObject(`
deployments:
  svc-b:
    metrics_allowlist: [http_requests_total]
`)))

	require.Equal(t, Policy{}, store.PolicyFor("svc-a"))
	require.Equal(t, Policy{MetricsAllowlist: []string{"http_requests_total"}}, store.PolicyFor("svc-b"))
}

func TestApplyMissingKey(t *testing.T) {
	store, _, _ := setup()
	require.NoError(t, store.Apply(t.Context(), ruleObject(`
deployments:
  svc-a:
    metrics_droplist: [up]
`)))

	cm := ruleObject("")
	cm.Data = map[string]string{"other.yaml": "x"}

	err := store.Apply(t.Context(), cm)
	require.ErrorIs(t, err, ErrMissingKey)
	require.Equal(t, []string{"up"}, store.PolicyFor("svc-a").MetricsDroplist)
}

func TestApplyLevelSyncFailureKeepsRules(t *testing.T) {
	store, _, syncer := setup()
	syncer.err = errors.New("invalid level")

	require.NoError(t, store.Apply(t.Context(), ruleObject(`
log_level: info
deployments:
  svc-a:
    metrics_droplist: [up]
`)))
	require.Equal(t, []string{"up"}, store.PolicyFor("svc-a").MetricsDroplist)
	require.Equal(t, []string{"info"}, syncer.levels)
}
