package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zmgate/streaming-server/internal/config"
	"github.com/zmgate/streaming-server/internal/hlsstore"
	"github.com/zmgate/streaming-server/internal/httpapi"
	"github.com/zmgate/streaming-server/internal/livesession"
	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/internal/metrics"
	"github.com/zmgate/streaming-server/internal/plugin"
	"github.com/zmgate/streaming-server/internal/process"
)

var (
	// Command-line flags. Flags win over config file values.
	configPath  = flag.String("config", "/etc/zmgate/streaming.toml", "Base config file")
	profilePath = flag.String("profile", "", "Profile config overlay")
	zmConfPath  = flag.String("zm-conf", "/etc/zm/zm.conf", "Legacy zm.conf path")
	httpAddr    = flag.String("http", "", "HTTP server address (overrides config)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (overrides config)")
	watchConfig = flag.Bool("watch-config", false, "Reload config file on change")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	cfg, err := config.Load(*configPath, *profilePath, *zmConfPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger.Info("Main", "Streaming gateway starting...")
	logger.Info("Main", "Log level: %s", level)
	logger.Info("Main", "HLS store at %s (target %s, retention %s)",
		cfg.Streaming.HLSBase, cfg.TargetDuration(), cfg.Retention())

	if err := run(cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, err := hlsstore.New(hlsstore.Config{
		Root:           cfg.Streaming.HLSBase,
		TargetDuration: cfg.TargetDuration(),
		MaxAge:         cfg.Retention(),
		MaxSegments:    cfg.Streaming.MaxSegmentsPerStream,
	}, m)
	if err != nil {
		return err
	}

	mse := plugin.NewMSEManager(cfg.Plugins.MSEAddr, m)
	var signaling *plugin.SignalingClient
	if cfg.Plugins.WebRTCAddr != "" {
		signaling = plugin.NewSignalingClient(cfg.Plugins.WebRTCAddr, m)
	}

	live := livesession.NewManager(cfg, store, mse, m)
	api := httpapi.New(cfg, store, live, signaling, m)

	daemons := process.NewManager(cfg.DaemonStopGrace())
	if err := daemons.StartAll(cfg.Daemons); err != nil {
		return err
	}
	defer daemons.StopAll()

	if *watchConfig {
		watcher := config.NewWatcher(*configPath)
		watcher.OnReload(func(fresh config.Config) {
			logger.Info("Main", "Config reloaded from %s", *configPath)
			store.SetRetention(fresh.Retention(), fresh.Streaming.MaxSegmentsPerStream)
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("Main", "Config watcher: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.Run(ctx)
	})
	g.Go(func() error {
		store.RunRetention(ctx)
		return nil
	})
	if signaling != nil {
		g.Go(func() error {
			signaling.RunSweeper(ctx)
			return nil
		})
	}
	go func() {
		logger.Info("Main", "Metrics on %s/metrics", cfg.MetricsAddr)
		if err := m.StartServer(cfg.MetricsAddr); err != nil {
			logger.Error("Main", "Metrics server: %v", err)
		}
	}()
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Main", "Shutting down...")
		live.StopAll()
		mse.DropAll()
		return nil
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Shutdown path: listener close errors are expected.
		return nil
	}
	return err
}
