package eventwatch

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/crusoecloud/vector-config-reloader/internal/exporter"
	"github.com/crusoecloud/vector-config-reloader/internal/nodeidentity"
	"github.com/crusoecloud/vector-config-reloader/internal/reconciler"
	"github.com/crusoecloud/vector-config-reloader/internal/rules"
	"github.com/crusoecloud/vector-config-reloader/internal/testutils"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/config"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/configstore"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/graph"
)

const rulesKey = "rules.yaml"

var _ = Describe("Event dispatcher", Ordered, func() {
	var (
		client      *fake.Clientset
		podStream   *watch.FakeWatcher
		ruleStream  *watch.FakeWatcher
		vectorStore *configstore.FileStore
		cancel      context.CancelFunc
		done        chan error
	)

	pod := testutils.NewCustomMetricsPod("svc-a-7d9f8-x2k4l", "default").WithNode(testNode).WithIP("10.0.0.7").Build()
	sourceID, transformID, sinkID := graph.CustomMetricsIDs("svc_a_7d9f8_x2k4l")

	ruleObject := func(data string) *corev1.ConfigMap {
		return &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: rulesName, Namespace: rulesNS},
			Data:       map[string]string{rulesKey: data},
		}
	}

	persisted := func(g Gomega) *config.Config {
		cfg, err := vectorStore.Load()
		g.Expect(err).NotTo(HaveOccurred())

		return cfg
	}

	BeforeAll(func() {
		client = fake.NewClientset(ruleObject("deployments: {}\n"))
		podStream = watch.NewFake()
		ruleStream = watch.NewFake()
		client.PrependWatchReactor("pods", clienttesting.DefaultWatchReactor(podStream, nil))
		client.PrependWatchReactor("configmaps", clienttesting.DefaultWatchReactor(ruleStream, nil))

		identity := nodeidentity.Identity{NodeName: testNode, ClusterID: "c-123", InstanceID: "vm-456", NodepoolID: "np-7f3a"}
		vectorStore = configstore.NewFileStore(filepath.Join(GinkgoT().TempDir(), "vector.yaml"))
		ruleStore := rules.NewStore(client, nil, rules.StoreConfig{
			ConfigMapName: types.NamespacedName{Namespace: rulesNS, Name: rulesName},
			ConfigMapKey:  rulesKey,
		})

		r := reconciler.New(
			reconciler.Config{NodeName: testNode, Identity: identity},
			client,
			vectorStore,
			configstore.NewFileStore(filepath.Join("testdata", "base.yaml")),
			ruleStore,
			exporter.NewClassifier(),
			exporter.NewBuilder(exporter.BuilderConfig{
				DCGM:          exporter.Endpoint{Port: 9400, Path: "/metrics", ScrapeInterval: 30},
				AMD:           exporter.Endpoint{Port: 5000, Path: "/metrics", ScrapeInterval: 60},
				CustomMetrics: exporter.Endpoint{Port: 9100, Path: "/metrics", ScrapeInterval: 30},
			}),
			graph.NewEditor(graph.SinkSettings{
				Endpoint:         "https://gw.example.com/api/v1/write",
				BatchMaxEvents:   1000,
				BatchTimeoutSecs: 1,
			}, identity),
		)

		ctx, cancelFunc := context.WithCancel(context.Background())
		cancel = cancelFunc

		Expect(r.Bootstrap(ctx)).To(Succeed())

		done = make(chan error, 1)

		go func() {
			defer GinkgoRecover()

			done <- NewDispatcher(client, r, testConfig()).Start(ctx)
		}()
	})

	AfterAll(func() {
		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("should add the exporter of a running pod", func() {
		_, err := client.CoreV1().Pods(pod.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
		Expect(err).NotTo(HaveOccurred())

		podStream.Add(pod)

		Eventually(func(g Gomega) {
			cfg := persisted(g)
			g.Expect(cfg.Sources).To(HaveKey(sourceID))
			g.Expect(cfg.Sinks).To(HaveKey(sinkID))
			g.Expect(cfg.Sources[sourceID].Endpoints).To(Equal([]string{"http://10.0.0.7:9100/metrics"}))
		}).Should(Succeed())
	})

	It("should rebuild custom metrics when the rule object changes", func() {
		cm := ruleObject(`
deployments:
  svc-a:
    metrics_allowlist: [http_requests_total]
`)
		_, err := client.CoreV1().ConfigMaps(rulesNS).Update(context.Background(), cm, metav1.UpdateOptions{})
		Expect(err).NotTo(HaveOccurred())

		ruleStream.Modify(cm)

		Eventually(func(g Gomega) {
			g.Expect(string(persisted(g).Transforms[transformID].Source)).To(ContainSubstring(`if !includes(["http_requests_total"], .name)`))
		}).Should(Succeed())
	})

	It("should keep the last known rules when the rule object is deleted", func() {
		before := persisted(Default)

		ruleStream.Delete(ruleObject(""))

		Consistently(func(g Gomega) {
			g.Expect(string(persisted(g).Transforms[transformID].Source)).To(Equal(string(before.Transforms[transformID].Source)))
		}, "200ms").Should(Succeed())
	})

	It("should remove the exporter of a deleted pod", func() {
		podStream.Delete(pod)

		Eventually(func(g Gomega) {
			cfg := persisted(g)
			g.Expect(cfg.Sources).NotTo(HaveKey(sourceID))
			g.Expect(cfg.Transforms).NotTo(HaveKey(transformID))
			g.Expect(cfg.Sinks).NotTo(HaveKey(sinkID))
			g.Expect(cfg.Transforms).To(HaveKey(graph.NodeEnrichmentID))
		}).Should(Succeed())
	})
})
