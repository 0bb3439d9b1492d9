package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bjpl/backendsim/pkg/auth"
	"github.com/bjpl/backendsim/pkg/config"
	"github.com/bjpl/backendsim/pkg/crypto"
	"github.com/bjpl/backendsim/pkg/gateway"
	"github.com/bjpl/backendsim/pkg/hub"
	"github.com/bjpl/backendsim/pkg/logging"
	"github.com/bjpl/backendsim/pkg/metrics"
	"github.com/bjpl/backendsim/pkg/netstate"
	"github.com/bjpl/backendsim/pkg/store"
	"github.com/bjpl/backendsim/pkg/syncq"
	"github.com/bjpl/backendsim/pkg/version"
)

func main() {
	cfg, showVersion, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if showVersion {
		fmt.Println("backendsim " + version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("backendsim error", "err", err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration: defaults, then the
// YAML file if one is named, then any flags given on the command line.
func loadConfig(fs *flag.FlagSet, args []string) (config.Config, bool, error) {
	configPath := fs.String("config", "", "YAML config file (defaults apply if empty)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	ovr := config.Default()
	fs.StringVar(&ovr.DBPath, "db", ovr.DBPath, "SQLite database file path")
	fs.StringVar(&ovr.BackendURL, "backend", ovr.BackendURL, "Real backend base URL")
	fs.StringVar(&ovr.ListenAddr, "listen", ovr.ListenAddr, "HTTP bind address for the gateway (empty to disable)")
	fs.StringVar(&ovr.MetricsAddr, "metrics", ovr.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	fs.BoolVar(&ovr.StartOnline, "online", ovr.StartOnline, "Assume the real backend is reachable at startup")
	fs.StringVar(&ovr.LogLevel, "log-level", ovr.LogLevel, "Log level: "+logging.LevelNames())
	fs.StringVar(&ovr.LogFormat, "log-format", ovr.LogFormat, "Log format: text or json")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, false, err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return config.Config{}, false, err
		}
		cfg = loaded
	}

	// Only flags actually given on the command line win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.DBPath = ovr.DBPath
		case "backend":
			cfg.BackendURL = ovr.BackendURL
		case "listen":
			cfg.ListenAddr = ovr.ListenAddr
		case "metrics":
			cfg.MetricsAddr = ovr.MetricsAddr
		case "online":
			cfg.StartOnline = ovr.StartOnline
		case "log-level":
			cfg.LogLevel = ovr.LogLevel
		case "log-format":
			cfg.LogFormat = ovr.LogFormat
		}
	})
	return cfg, *showVersion, nil
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = st.Close() }()

	m := metrics.New()
	net := netstate.NewMonitor(cfg.StartOnline)
	authSvc := auth.NewService(st, m)

	h := hub.New(hub.Config{
		JitterMin:         cfg.JitterMin,
		JitterMax:         cfg.JitterMax,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		QueueSize:         cfg.ClientQueueSize,
	}, m)
	h.StartHeartbeat(ctx)

	gw := gateway.New(gateway.Config{
		BackendURL:     cfg.BackendURL,
		HealthPath:     cfg.HealthPath,
		ProbeTimeout:   cfg.ProbeTimeout,
		RequestTimeout: cfg.RequestTimeout,
		CacheNamespace: cfg.CacheNamespace,
	}, net, st, nil, m)

	coord, err := syncq.New(syncq.Config{
		MaxAttempts:   cfg.MaxSyncAttempts,
		FlushInterval: cfg.FlushInterval,
		BackoffBase:   cfg.SyncBackoffBase,
	}, st, gw, net, m)
	if err != nil {
		return fmt.Errorf("init sync queue: %w", err)
	}
	gw.SetQueue(coord)
	go coord.Run(ctx)

	// The token signing key is per-process: locally issued tokens do not
	// outlive the simulator.
	signingKey, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	api := gateway.NewAuthAPI(authSvc, st, signingKey, cfg.SessionTTL)
	api.AttachSyncAdmin(coord)
	api.Register(gw.Router())

	gw.StartProbing(ctx, cfg.ProbeInterval)

	if cfg.MetricsAddr != "" {
		m.StartHTTP(ctx, cfg.MetricsAddr)
	}
	if cfg.ListenAddr != "" {
		if err := gw.StartHTTP(ctx, cfg.ListenAddr); err != nil {
			return fmt.Errorf("start gateway listener: %w", err)
		}
	}

	go sessionJanitor(ctx, authSvc, m)
	m.StartPeriodicLog(5*time.Minute, ctx.Done())

	slog.Info("backendsim started",
		"version", version.String(),
		"db", cfg.DBPath,
		"backend", cfg.BackendURL,
		"online", net.Online())

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// sessionJanitor removes expired sessions in bulk so the lazy purge in
// the auth layer is a fast path, not the only path.
func sessionJanitor(ctx context.Context, svc *auth.Service, m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.CleanExpiredSessions()
			if err != nil {
				slog.Error("session cleanup failed", "err", err)
				continue
			}
			if n > 0 {
				m.SessionsPurged.Add(n)
				slog.Debug("expired sessions purged", "count", n)
			}
		}
	}
}
