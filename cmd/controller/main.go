// Command controller is the composition root: it loads configuration,
// bootstraps the Kubernetes clients, wires every service together, and
// serves the HTTP API of spec.md §6 until a shutdown signal arrives.
// Grounded on the teacher's cmd/api/main.go: zap constructed inline
// (no dedicated logging package), viper-backed config.Load, in-cluster
// config with a kubeconfig fallback, manual dependency wiring, and
// signal-driven graceful shutdown via http.Server.Shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/api/handlers"
	"github.com/lsst-sqre/nublado-controller/internal/api/routes"
	builderfs "github.com/lsst-sqre/nublado-controller/internal/builder/fileserver"
	builderlab "github.com/lsst-sqre/nublado-controller/internal/builder/lab"
	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/identity"
	"github.com/lsst-sqre/nublado-controller/internal/k8s"
	"github.com/lsst-sqre/nublado-controller/internal/podinfo"
	"github.com/lsst-sqre/nublado-controller/internal/registry"
	svcfileserver "github.com/lsst-sqre/nublado-controller/internal/service/fileserver"
	svcimage "github.com/lsst-sqre/nublado-controller/internal/service/image"
	svclab "github.com/lsst-sqre/nublado-controller/internal/service/lab"
	"github.com/lsst-sqre/nublado-controller/internal/service/prepuller"
	"github.com/lsst-sqre/nublado-controller/internal/tokencache"
)

// downwardAPIPath is where the controller's pod identity is mounted
// (§9 "Downward-API input").
const downwardAPIPath = "/etc/podinfo"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("configuration validation failed", zap.Error(err))
	}

	info, err := podinfo.Read(downwardAPIPath)
	if err != nil {
		if cfg.K8s.RequireDownwardAPI {
			logger.Fatal("downward API identity required but unreadable", zap.Error(err))
		}
		logger.Warn("downward API identity unavailable, using fallback namespace",
			zap.String("fallback_namespace", cfg.K8s.FallbackNamespace), zap.Error(err))
		info = podinfo.Fallback(cfg.K8s.FallbackNamespace)
	}
	owner := info.OwnerReference()

	k8sConfig, err := buildK8sConfig(cfg.K8s.InCluster, cfg.K8s.ConfigPath)
	if err != nil {
		logger.Fatal("failed to build kubernetes client config", zap.Error(err))
	}
	clientset, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		logger.Fatal("failed to create kubernetes client", zap.Error(err))
	}
	dynamicClient, err := dynamic.NewForConfig(k8sConfig)
	if err != nil {
		logger.Fatal("failed to create dynamic kubernetes client", zap.Error(err))
	}

	alertSink := alert.NewLoggingSink(logger)

	var tokens *tokencache.Cache
	if cfg.Images.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Images.RedisAddr})
		tokens = tokencache.NewRedisCache(rdb, logger)
	} else {
		tokens = tokencache.NewLocalCache()
	}
	registrySource := registry.NewClient(
		"https://"+cfg.Images.Registry,
		cfg.Images.RegistryUsername,
		cfg.Images.RegistryPassword,
		tokens,
		logger,
	)

	nodeClient := k8s.New(k8s.NewNodeAccessor(clientset))
	nodeSource := svcimage.NewK8sNodeSource(nodeClient, cfg.ImageTolerations(), cfg.Images.NodeSelector)

	catalog := svcimage.New(svcimage.Config{
		Registry:       cfg.Images.Registry,
		Repository:     cfg.Images.Repository,
		RecommendedTag: cfg.Images.RecommendedTag,
		Pinned:         cfg.Images.Pinned,
		AliasTags:      cfg.AliasTagSet(),
		Releases:       cfg.Images.Releases,
		Weeklies:       cfg.Images.Weeklies,
		Dailies:        cfg.Images.Dailies,
		Cycle:          cfg.Images.Cycle,
	}, registrySource, nodeSource, logger)

	podClient := k8s.New(k8s.NewPodAccessor(clientset))
	prepullerSvc := prepuller.New(prepuller.Config{
		Namespace:      cfg.K8s.FallbackNamespace,
		OwnerReference: owner,
	}, catalog, catalog.Refreshed, podClient, alertSink, logger)

	labClients := svclab.K8sClients{
		Namespaces:      k8s.New(k8s.NewNamespaceAccessor(clientset)),
		PVCs:            k8s.New(k8s.NewPVCAccessor(clientset)),
		ConfigMaps:      k8s.New(k8s.NewConfigMapAccessor(clientset)),
		Secrets:         k8s.New(k8s.NewSecretAccessor(clientset)),
		Quotas:          k8s.New(k8s.NewResourceQuotaAccessor(clientset)),
		NetworkPolicies: k8s.New(k8s.NewNetworkPolicyAccessor(clientset)),
		Services:        k8s.New(k8s.NewServiceAccessor(clientset)),
		Pods:            podClient,
	}
	labManager := svclab.New(svclab.Config{
		Builder: builderlab.Config{
			NamespacePrefix:     cfg.K8s.NamespacePrefix,
			PullSecretName:      cfg.Lab.PullSecretName,
			OwnerReference:      owner,
			ReservedEnvVars:     cfg.Lab.ReservedEnvVars,
			ReservedMountPaths:  cfg.Lab.ReservedMountPaths,
			Volumes:             cfg.LabVolumes(),
			InitContainers:      cfg.InitContainers(),
			SecretSources:       cfg.SecretSources(),
			SizeDefinitions:     cfg.LabSizes(),
			JupyterHubNamespace: cfg.Lab.JupyterHubNamespace,
			JupyterHubSelector:  cfg.Lab.JupyterHubSelector,
			ExternalInstanceURL: cfg.Lab.ExternalInstanceURL,
			OperatorEnv:         cfg.Lab.OperatorEnv,
			PasswdBase:          cfg.Lab.PasswdBase,
			GroupBase:           cfg.Lab.GroupBase,
		},
		SpawnTimeout:      cfg.Lab.SpawnTimeout,
		ReconcileInterval: cfg.Lab.ReconcileInterval,
		SecretNamespace:   cfg.Lab.SecretNamespace,
	}, catalog, labClients, alertSink, logger)

	fsClients := svcfileserver.K8sClients{
		GafaelfawrIngresses: k8s.New(k8s.NewGafaelfawrIngressAccessor(dynamicClient)),
		Ingresses:           k8s.New(k8s.NewIngressAccessor(clientset)),
		Services:            k8s.New(k8s.NewServiceAccessor(clientset)),
		Jobs:                k8s.New(k8s.NewJobAccessor(clientset)),
		PVCs:                k8s.New(k8s.NewPVCAccessor(clientset)),
		Pods:                podClient,
	}
	fsBuilderConfig := builderfs.Config{
		Namespace:      cfg.FileServer.Namespace,
		IngressClass:   cfg.FileServer.IngressClass,
		HostTemplate:   cfg.FileServer.HostTemplate,
		Image:          cfg.FileServer.Image,
		Volumes:        cfg.FileServerVolumes(),
		OwnerReference: owner,
	}
	fsManager := svcfileserver.New(svcfileserver.Config{
		Builder:           fsBuilderConfig,
		CreateTimeout:     cfg.FileServer.CreateTimeout,
		DeleteTimeout:     cfg.FileServer.DeleteTimeout,
		WatchTimeout:      cfg.FileServer.WatchTimeout,
		ReconcileInterval: cfg.FileServer.ReconcileInterval,
	}, fsClients, alertSink, logger)

	identityClient := identity.NewHTTPClient(cfg.Identity.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := catalog.Refresh(ctx); err != nil {
		logger.Warn("initial image catalog refresh failed, continuing in background", zap.Error(err))
	}
	if err := labManager.Reconcile(ctx); err != nil {
		logger.Warn("initial lab reconciliation failed, continuing in background", zap.Error(err))
	}

	go runImageRefreshLoop(ctx, catalog, cfg.Images.RefreshInterval, alertSink, logger)
	go prepullerSvc.Run(ctx)
	go labManager.Run(ctx)
	go fsManager.Run(ctx)
	go fsManager.RunIdleWatch(ctx)

	if cfg.Server.Host == "0.0.0.0" && os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	labHandler := handlers.NewLabHandler(labManager, catalog, logger)
	fsHandler := handlers.NewFileServerHandler(fsManager, fsBuilderConfig, logger)
	routes.SetupRoutes(routes.Config{
		Router:     router,
		Lab:        labHandler,
		FileServer: fsHandler,
		Identity:   identityClient,
		AdminToken: cfg.Server.AdminToken,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}

// buildK8sConfig prefers in-cluster config and falls back to a
// kubeconfig file, matching the teacher's bootstrap order.
func buildK8sConfig(inCluster bool, kubeconfigPath string) (*rest.Config, error) {
	if inCluster {
		if restCfg, err := rest.InClusterConfig(); err == nil {
			return restCfg, nil
		}
	}
	if kubeconfigPath == "" {
		kubeconfigPath = os.Getenv("KUBECONFIG")
	}
	if kubeconfigPath == "" {
		kubeconfigPath = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// runImageRefreshLoop periodically refreshes the image catalog,
// matching the background-loop propagation policy of §7: a single
// failure is logged and alerted, never fatal, and the next iteration
// begins immediately if the interval already elapsed during the
// failure.
func runImageRefreshLoop(ctx context.Context, catalog *svcimage.Catalog, interval time.Duration, alerts alert.Sink, logger *zap.Logger) {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := catalog.Refresh(ctx); err != nil {
				logger.Error("image catalog refresh failed", zap.Error(err))
				alert.Report(ctx, alerts, alert.SeverityError, "image-refresh", err)
			}
		}
	}
}
