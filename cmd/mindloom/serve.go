package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/moosh3/mindloom/pkg/api"
	"github.com/moosh3/mindloom/pkg/auth"
	"github.com/moosh3/mindloom/pkg/config"
	"github.com/moosh3/mindloom/pkg/coordinator"
	"github.com/moosh3/mindloom/pkg/election"
	"github.com/moosh3/mindloom/pkg/health"
	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/moosh3/mindloom/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Serve starts the control plane: the run API with its result and log
stream gateways, the orphan reaper and the finished-worker cleanup.

Configuration comes from --config plus MINDLOOM_* environment
overrides; credentials (database URL, redis URL, auth tokens) normally
arrive through the environment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-json") {
			cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML config file")
	serveCmd.Flags().Bool("log-json", false, "Log JSON instead of console output")
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Msg("Starting control plane")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	b, err := openBus(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	defer b.Close()
	metrics.RegisterComponent("bus", true, "")

	sched, kube, err := openScheduler(cfg)
	if err != nil {
		return fmt.Errorf("failed to open scheduler: %w", err)
	}
	metrics.RegisterComponent("scheduler", true, "")

	if cfg.Store.Driver == "bolt" && cfg.Scheduler.Driver == "kubernetes" {
		logger.Warn().Msg("Bolt store with the kubernetes scheduler: workers on other nodes cannot reach the store")
	}

	elector, err := openElector(cfg, kube)
	if err != nil {
		return err
	}

	coord := coordinator.New(store, sched, b, coordinator.Config{
		WorkerImage:       cfg.Worker.Image,
		SecretRef:         cfg.Worker.SecretRef,
		ServiceAccount:    cfg.Worker.ServiceAccount,
		CPURequest:        cfg.Worker.CPURequest,
		CPULimit:          cfg.Worker.CPULimit,
		MemoryRequest:     cfg.Worker.MemoryRequest,
		MemoryLimit:       cfg.Worker.MemoryLimit,
		WorkerEnv:         workerEnv(cfg),
		LaunchRetryBudget: cfg.Launch.RetryBudget.Std(),
	})

	reaper := coordinator.NewReaper(store, sched, b, elector,
		cfg.Reaper.Period.Std(), cfg.Reaper.UnknownGrace.Std())
	cleanup := coordinator.NewCleanup(sched, elector,
		cfg.Cleanup.Interval.Std(), cfg.Cleanup.CompletedAge.Std(), cfg.Cleanup.KeepPerRun)

	var verifier auth.Verifier
	if len(cfg.Server.AuthTokens) > 0 {
		verifier = auth.NewStaticVerifier(cfg.Server.AuthTokens)
	} else {
		logger.Warn().Msg("No auth tokens configured; the API accepts every request")
		verifier = auth.AllowAll{}
	}

	srv := api.New(coord, store, b, verifier, cfg)

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	prober := health.NewProber(health.DefaultConfig(),
		health.StoreProbe(store), health.BusProbe(b), health.SchedulerProbe(sched))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return elector.Run(ctx) })
	g.Go(func() error { return reaper.Run(ctx) })
	g.Go(func() error { return cleanup.Run(ctx) })
	g.Go(func() error { return prober.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	logger.Info().Str("listen", cfg.Server.Listen).Msg("Control plane up")
	err = g.Wait()
	logger.Info().Msg("Control plane stopped")
	return err
}

func openScheduler(cfg *config.Config) (scheduler.Scheduler, kubernetes.Interface, error) {
	switch cfg.Scheduler.Driver {
	case "kubernetes":
		kube, err := kubeClient(cfg.Scheduler.Kubeconfig)
		if err != nil {
			return nil, nil, err
		}
		return scheduler.NewKubeScheduler(kube, cfg.Scheduler.Namespace), kube, nil
	case "containerd":
		sched, err := scheduler.NewContainerdScheduler(
			cfg.Scheduler.ContainerdSocket, cfg.Scheduler.ContainerdNamespace, credentialEnv(cfg))
		return sched, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown scheduler driver %q", cfg.Scheduler.Driver)
	}
}

func openElector(cfg *config.Config, kube kubernetes.Interface) (election.Elector, error) {
	switch cfg.Reaper.Election {
	case "none":
		return election.Standalone{}, nil
	case "kubernetes-lease":
		if kube == nil {
			var err error
			kube, err = kubeClient(cfg.Scheduler.Kubeconfig)
			if err != nil {
				return nil, fmt.Errorf("lease election needs a kubernetes client: %w", err)
			}
		}
		host, _ := os.Hostname()
		identity := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
		return election.NewLeaseElector(kube, cfg.Reaper.LeaseName, cfg.Reaper.LeaseNamespace, identity), nil
	default:
		return nil, fmt.Errorf("unknown election mode %q", cfg.Reaper.Election)
	}
}

// kubeClient prefers in-cluster credentials and falls back to a kubeconfig.
func kubeClient(kubeconfig string) (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	return kubernetes.NewForConfig(restCfg)
}

// workerEnv is the non-credential environment every worker receives, mostly
// driver selection so the worker process opens the same store and bus.
func workerEnv(cfg *config.Config) map[string]string {
	env := map[string]string{
		"MINDLOOM_STORE_DRIVER":  cfg.Store.Driver,
		"MINDLOOM_BUS_DRIVER":    cfg.Bus.Driver,
		"MINDLOOM_LOG_LEVEL":     cfg.Log.Level,
		"MINDLOOM_LOG_JSON":      "true",
		"MINDLOOM_WORKER_ENGINE": cfg.Worker.Engine,
	}
	if cfg.Store.Driver == "bolt" && cfg.Store.DataDir != "" {
		env["MINDLOOM_DATA_DIR"] = cfg.Store.DataDir
	}
	return env
}

// credentialEnv carries the connection URLs for containerd workers, which
// have no cluster secret to mount them from.
func credentialEnv(cfg *config.Config) map[string]string {
	env := make(map[string]string)
	if cfg.Store.DatabaseURL != "" {
		env["MINDLOOM_DATABASE_URL"] = cfg.Store.DatabaseURL
	}
	if cfg.Bus.RedisURL != "" {
		env["MINDLOOM_REDIS_URL"] = cfg.Bus.RedisURL
	}
	return env
}
