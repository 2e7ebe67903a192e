package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nekobot/gatekeeper/internal/admission"
	"github.com/nekobot/gatekeeper/internal/cache"
	"github.com/nekobot/gatekeeper/internal/config"
	"github.com/nekobot/gatekeeper/internal/gate"
	"github.com/nekobot/gatekeeper/internal/logger"
	"github.com/nekobot/gatekeeper/internal/policy"
	"github.com/nekobot/gatekeeper/internal/replication"
	"github.com/nekobot/gatekeeper/internal/storage"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Authorization gate and snapshot cache for chat-bot command dispatch",
	}

	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gatekeeper daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("version", Version).Msg("gatekeeper starting")

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var hub *replication.Hub
	var pub replication.Publisher
	if cfg.ReplicationEnabled {
		ch, err := replication.NewRedisChannel(ctx, cfg.RedisURL, cfg.ReplicationChannel)
		if err != nil {
			return fmt.Errorf("connect replication channel: %w", err)
		}
		defer ch.Close()
		hub = replication.NewHub(replication.NewInstanceID(), ch, nil, log)
		pub = hub
		log.Info().Str("instance", hub.Source()).Str("channel", cfg.ReplicationChannel).
			Msg("replication enabled")
	}

	mgr := cache.NewManager(store, cache.Config{
		BanRefreshInterval:    cfg.BanRefreshInterval,
		BotRefreshInterval:    cfg.BotRefreshInterval,
		GroupRefreshInterval:  cfg.GroupRefreshInterval,
		PluginRefreshInterval: cfg.PluginRefreshInterval,
		LimitRefreshInterval:  cfg.LimitRefreshInterval,
		LevelRefreshInterval:  cfg.LevelRefreshInterval,
		BotNegativeTTL:        cfg.BotNegativeTTL,
		GroupNegativeTTL:      cfg.GroupNegativeTTL,
		PluginNegativeTTL:     cfg.PluginNegativeTTL,
		LevelNegativeTTL:      cfg.LevelNegativeTTL,
		BanCleanInterval:      cfg.BanCleanInterval,
		BanCleanupDB:          cfg.BanCleanupDB,
		UserFlushBatch:        cfg.UserFlushBatch,
	}, pub, log)
	if hub != nil {
		hub.SetApplier(mgr)
	}

	if err := mgr.Init(ctx); err != nil {
		return fmt.Errorf("initial cache load: %w", err)
	}

	ctrl := admission.New(admission.Config{
		MaxConcurrent:    cfg.AdmissionMaxConcurrent,
		QueueDepth:       cfg.DeferredQueueDepth,
		Workers:          cfg.DeferredWorkers,
		OverloadWindow:   cfg.OverloadWindow,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		StageTimeout:     cfg.StageTimeout,
		PipelineTimeout:  cfg.PipelineTimeout,
	}, log)

	pipeline := policy.New(policy.Config{
		Superusers:        cfg.Superusers,
		WakeCommand:       cfg.WakeCommand,
		BanNoticeTemplate: cfg.BanNoticeTemplate,
		NoticeInterval:    cfg.NoticeInterval,
	}, mgr, ctrl, nil, log)

	svc := gate.New(ctrl, pipeline, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return svc.Run(ctx) })
	if hub != nil {
		g.Go(func() error { return hub.Run(ctx) })
	}

	if cfg.MetricsEnabled {
		g.Go(func() error { return serveHTTP(ctx, cfg.MetricsAddr, promhttp.Handler(), "metrics", log) })
	}
	g.Go(func() error {
		return serveHTTP(ctx, cfg.HealthAddr, healthHandler(svc), "health", log)
	})

	log.Info().Msg("gatekeeper ready")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("gatekeeper stopped")
	return nil
}

// healthHandler answers /healthz; 503 while the shed-load window is open.
func healthHandler(svc *gate.Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Overloaded() {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// serveHTTP runs one HTTP listener until ctx is cancelled, then shuts it
// down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, name string, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("server", name).Msg("http listener up")
		errc <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	case err := <-errc:
		return fmt.Errorf("%s server: %w", name, err)
	}
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatekeeper %s\n", Version)
		},
	}
}
