/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	k8sclient "k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/crusoecloud/vector-config-reloader/internal/build"
	"github.com/crusoecloud/vector-config-reloader/internal/config"
	"github.com/crusoecloud/vector-config-reloader/internal/eventwatch"
	"github.com/crusoecloud/vector-config-reloader/internal/exporter"
	"github.com/crusoecloud/vector-config-reloader/internal/kubernetes"
	"github.com/crusoecloud/vector-config-reloader/internal/logger"
	"github.com/crusoecloud/vector-config-reloader/internal/metrics"
	"github.com/crusoecloud/vector-config-reloader/internal/nodeidentity"
	"github.com/crusoecloud/vector-config-reloader/internal/reconciler"
	"github.com/crusoecloud/vector-config-reloader/internal/rules"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/configstore"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/graph"
)

var (
	configPath       string
	baseConfigPath   string
	vectorConfigPath string
	rulesConfigMap   string
	rulesNamespace   string
	rulesKey         string
	metricsAddr      string
	logLevel         string
	kubeconfig       string

	dynamicLoglevel = zap.NewAtomicLevel()
	setupLog        = ctrl.Log.WithName("setup")
)

const (
	defaultConfigPath       = "/etc/reloader/config.yaml"
	defaultBaseConfigPath   = "/etc/vector/base.yaml"
	defaultVectorConfigPath = "/etc/vector/vector.yaml"
	defaultRulesConfigMap   = "vector-reloader-rules"
	defaultRulesNamespace   = "crusoe-system"
	defaultRulesKey         = "rules.yaml"
	defaultLogLevel         = "info"

	shutdownTimeout = 10 * time.Second
)

func getEnvOrDefault(envVar string, defaultValue string) string {
	if value, ok := os.LookupEnv(envVar); ok {
		return value
	}

	return defaultValue
}

//+kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=nodes,verbs=get
//+kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch

func main() {
	if err := run(); err != nil {
		setupLog.Error(err, "Reloader exited with error")
		os.Exit(1)
	}
}

func run() error {
	flag.StringVar(&configPath, "config", getEnvOrDefault("RELOADER_CONFIG", defaultConfigPath), "Path of the static reloader configuration")
	flag.StringVar(&baseConfigPath, "base-config", getEnvOrDefault("VECTOR_BASE_CONFIG", defaultBaseConfigPath), "Path of the read-only Vector baseline template")
	flag.StringVar(&vectorConfigPath, "vector-config", getEnvOrDefault("VECTOR_CONFIG", defaultVectorConfigPath), "Path of the Vector configuration consumed by the agent")
	flag.StringVar(&rulesConfigMap, "rules-configmap", getEnvOrDefault("RULES_CONFIGMAP", defaultRulesConfigMap), "Name of the ConfigMap holding the custom metrics rules")
	flag.StringVar(&rulesNamespace, "rules-namespace", getEnvOrDefault("RULES_NAMESPACE", defaultRulesNamespace), "Namespace of the rules ConfigMap")
	flag.StringVar(&rulesKey, "rules-key", getEnvOrDefault("RULES_KEY", defaultRulesKey), "Data key of the rules document in the ConfigMap")
	flag.StringVar(&metricsAddr, "metrics-addr", getEnvOrDefault("METRICS_ADDR", ":8080"), "Address the metrics and health endpoints bind to")
	flag.StringVar(&logLevel, "log-level", getEnvOrDefault("LOG_LEVEL", ""), "Log level (debug, info, warn, error). Overrides log_level of the static configuration")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path of a kubeconfig file. In-cluster configuration is used if empty")
	flag.Parse()

	if err := setupLogger(); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if logLevel == "" && cfg.LogLevel != "" {
		parsedLevel, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q in reloader config: %w", cfg.LogLevel, err)
		}

		dynamicLoglevel.SetLevel(parsedLevel)
	}

	levelReconfigurer := logger.NewLevelReconfigurer(dynamicLoglevel)

	globals := config.NewGlobal(
		config.WithNodeName(os.Getenv("NODE_NAME")),
		config.WithVersion(build.GitTag()),
		config.WithVectorConfigPaths(vectorConfigPath, baseConfigPath),
		config.WithRulesConfigMap(rulesNamespace, rulesConfigMap, rulesKey),
	)
	if err := globals.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	setupLog.Info("Starting Vector config reloader",
		"version", globals.Version(),
		"node", globals.NodeName(),
		"vectorConfig", globals.VectorConfigPath(),
		"baseConfig", globals.BaseConfigPath(),
		"rules", globals.RulesConfigMap().String())

	ctx := logf.IntoContext(ctrl.SetupSignalHandler(), ctrl.Log.WithValues("node", globals.NodeName()))

	client, _, err := kubernetes.BuildClient(kubeconfig)
	if err != nil {
		return err
	}

	identity, err := nodeidentity.Resolve(ctx, client, globals.NodeName())
	if err != nil {
		return fmt.Errorf("failed to resolve node identity: %w", err)
	}

	setupLog.Info("Resolved node identity",
		"clusterID", identity.ClusterID,
		"instanceID", identity.InstanceID,
		"nodepoolID", identity.NodepoolID)

	r := createReconciler(client, cfg, &globals, identity, levelReconfigurer)

	if err := r.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	dispatcher := eventwatch.NewDispatcher(client, r, eventwatch.Config{
		NodeName:   globals.NodeName(),
		RuleObject: globals.RulesConfigMap(),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Start(gctx)
	})

	server := newMetricsServer(metricsAddr)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}

		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	setupLog.Info("Reloader stopped")

	return nil
}

func setupLogger() error {
	ctrl.SetLogger(logger.NewLogr(logger.New(dynamicLoglevel)))

	level := logLevel
	if level == "" {
		level = defaultLogLevel
	}

	parsedLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	dynamicLoglevel.SetLevel(parsedLevel)

	return nil
}

func createReconciler(
	client k8sclient.Interface,
	cfg config.Config,
	globals *config.Global,
	identity nodeidentity.Identity,
	levelReconfigurer *logger.LevelReconfigurer,
) *reconciler.Reconciler {
	ruleStore := rules.NewStore(client, levelReconfigurer, rules.StoreConfig{
		ConfigMapName: globals.RulesConfigMap(),
		ConfigMapKey:  globals.RulesKey(),
	})

	var disabled []exporter.Kind
	if !cfg.DCGMMetrics.IsEnabled() {
		disabled = append(disabled, exporter.KindDCGM)
	}

	if !cfg.AMDMetrics.IsEnabled() {
		disabled = append(disabled, exporter.KindAMD)
	}

	builder := exporter.NewBuilder(exporter.BuilderConfig{
		DCGM: exporter.Endpoint{
			Port:           cfg.DCGMMetrics.Port,
			Path:           cfg.DCGMMetrics.Path,
			ScrapeInterval: cfg.DCGMMetrics.ScrapeInterval,
		},
		AMD: exporter.Endpoint{
			Port:           cfg.AMDMetrics.Port,
			Path:           cfg.AMDMetrics.Path,
			ScrapeInterval: cfg.AMDMetrics.ScrapeInterval,
		},
		CustomMetrics: exporter.Endpoint{
			Port:           cfg.CustomMetrics.Port,
			Path:           cfg.CustomMetrics.Path,
			ScrapeInterval: cfg.CustomMetrics.ScrapeInterval,
		},
	})

	editor := graph.NewEditor(graph.SinkSettings{
		Endpoint:         cfg.Sink.Endpoint,
		BatchMaxEvents:   cfg.Sink.BatchMaxEvents,
		BatchTimeoutSecs: cfg.Sink.BatchTimeoutSecs,
	}, identity)

	return reconciler.New(
		reconciler.Config{NodeName: globals.NodeName(), Identity: identity},
		client,
		configstore.NewFileStore(globals.VectorConfigPath()),
		configstore.NewFileStore(globals.BaseConfigPath()),
		ruleStore,
		exporter.NewClassifier(disabled...),
		builder,
		editor,
	)
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	health := http.StripPrefix("/healthz", &healthz.Handler{
		Checks: map[string]healthz.Checker{"ping": healthz.Ping},
	})
	mux.Handle("/healthz", health)
	mux.Handle("/healthz/", health)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
