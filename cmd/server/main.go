package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"

	"sacctd/config"
	"sacctd/internal/app/router"
	"sacctd/internal/module/acct"
	"sacctd/internal/module/api"
	"sacctd/internal/module/assoc"
	"sacctd/internal/module/cluster"
	"sacctd/internal/module/job"
	"sacctd/internal/module/qos"
	"sacctd/internal/module/tres"
	"sacctd/internal/module/usage"
	"sacctd/internal/module/user"
	"sacctd/internal/module/wckey"
	"sacctd/internal/pkg/auth"
	"sacctd/internal/pkg/cache"
	"sacctd/internal/pkg/client/ctld"
	ldapc "sacctd/internal/pkg/client/ldap"
	"sacctd/internal/pkg/policy"
	"sacctd/internal/pkg/rollup"
	"sacctd/internal/pkg/storage"
	_ "sacctd/internal/pkg/storage/filetxt"
	_ "sacctd/internal/pkg/storage/mysql"
	_ "sacctd/internal/pkg/storage/none"
)

func main() {
	var (
		addrFlag        = kingpin.Flag("addr", "Server listen address (e.g. :6819 or 127.0.0.1:6819)").Default(":6819").Envar("SACCTD_ADDR").String()
		shutdownTimeout = kingpin.Flag("shutdown-timeout", "Graceful shutdown timeout (e.g. 10s)").Default("10s").Envar("SACCTD_SHUTDOWN_TIMEOUT").String()
		logFormat       = kingpin.Flag("log-format", "Log format").Default("text").Envar("SACCTD_LOG_FORMAT").Enum("text", "json")
		logOutput       = kingpin.Flag("log-output", "Log output destination").Default("stdout").Envar("SACCTD_LOG_OUTPUT").Enum("stdout", "stderr", "file")
		logFile         = kingpin.Flag("log-file", "Log file path (used when --log-output=file)").Envar("SACCTD_LOG_FILE").String()
		configFile      = kingpin.Flag("config", "Path to YAML config file").Short('c').Default("sacctd.yaml").Envar("SACCTD_CONFIG").String()
		showVersion     = kingpin.Flag("version", "Print version and exit").Bool()
	)
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if *showVersion {
		fmt.Println(version.Print("sacctd"))
		return
	}

	logger, cleanup, err := newLogger(*logOutput, *logFormat, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", *configFile), slog.Any("err", err))
		os.Exit(1)
	}
	private, err := config.ParsePrivate(cfg.Server.PrivateData)
	if err != nil {
		logger.Error("bad privateData", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage backend.
	plugin, err := storage.Open(ctx, &cfg.Server, logger)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("storage backend ready",
		slog.String("plugin", plugin.PluginType()),
		slog.Uint64("version", uint64(plugin.PluginVersion())))

	cacheConn, err := plugin.GetConnection(ctx, 0, false, cfg.Server.ClusterName)
	if err != nil {
		logger.Error("failed to open cache connection", slog.Any("err", err))
		os.Exit(1)
	}

	// Cache manager.
	mgr, err := cache.New(&cfg.Server, cacheConn, logger)
	if err != nil {
		logger.Error("failed to build cache", slog.Any("err", err))
		os.Exit(1)
	}
	if err := mgr.Load(ctx); err != nil {
		logger.Error("failed to load accounting state", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(versioncollector.NewCollector("sacctd"))
	policyMetrics := policy.NewMetrics(reg)
	rollupMetrics := rollup.NewMetrics(reg)
	engine := policy.New(mgr, logger, policyMetrics)

	// Update distribution: apply locally, push to registered controllers.
	dist := cache.NewDistributor(mgr, 64, logger)
	pusher := ctld.New(10*time.Second, logger)
	dist.AddForwarder(func(b []byte) {
		pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		conn, cerr := plugin.GetConnection(pctx, -1, true, cfg.Server.ClusterName)
		if cerr != nil {
			logger.Warn("update push skipped, no storage handle", slog.Any("err", cerr))
			return
		}
		defer conn.Close()
		clusters, cerr := conn.GetClusters(pctx, false)
		if cerr != nil {
			logger.Warn("update push skipped, cluster list unavailable", slog.Any("err", cerr))
			return
		}
		pusher.Broadcast(pctx, clusters, b)
	})
	go dist.Run(ctx)

	// Usage rollup on its interval.
	roller := rollup.New(plugin, time.Local, logger,
		rollup.WithWCKeys(cfg.Server.TrackWCKey),
		rollup.WithMetrics(rollupMetrics))
	go runRollups(ctx, plugin, roller, cfg, logger)

	// Directory client is optional; without it uids stay unresolved.
	var resolver ldapc.Resolver
	if cfg.Server.LDAP.Host != "" {
		lcli, lerr := ldapc.New(cfg.Server.LDAP)
		if lerr != nil {
			logger.Error("failed to initialize ldap client", slog.Any("err", lerr))
			os.Exit(1)
		}
		defer lcli.Close()
		resolver = lcli
	}

	env := &api.Env{
		Cluster: cfg.Server.ClusterName,
		Plugin:  plugin,
		Cache:   mgr,
		Auth:    auth.New(mgr, private, cfg.Server.DisableCoordDBD, logger),
		Dist:    dist,
		LDAP:    resolver,
		Policy:  engine,
		Rollup:  roller,
		Logger:  logger,
	}

	r := router.New()
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.Register(
		user.NewRouter(env),
		acct.NewRouter(env),
		assoc.NewRouter(env),
		qos.NewRouter(env),
		tres.NewRouter(env),
		wckey.NewRouter(env),
		cluster.NewRouter(env),
		usage.NewRouter(env),
		job.NewRouter(env),
	)
	router.MountAll(r)

	srv := &http.Server{
		Addr:              *addrFlag,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", *addrFlag))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	case <-ctx.Done():
	}
	logger.Info("shutting down server...")

	to, err := time.ParseDuration(*shutdownTimeout)
	if err != nil || to <= 0 {
		to = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), to)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("err", err))
	}

	// Drain queued updates, save cache state, release the backend.
	dist.Wait()
	if err := mgr.Shutdown(); err != nil {
		logger.Error("state save failed", slog.Any("err", err))
	}
	_ = cacheConn.Close()
	if err := plugin.Fini(); err != nil {
		logger.Error("storage shutdown failed", slog.Any("err", err))
	}
	logger.Info("server exiting")
}

// runRollups runs RollAll on the configured interval against every
// registered cluster.
func runRollups(ctx context.Context, plugin storage.Plugin, roller *rollup.Manager, cfg *config.Config, logger *slog.Logger) {
	interval := time.Hour
	if d, err := time.ParseDuration(cfg.Server.Rollup.Interval); err == nil && d > 0 {
		interval = d
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			conn, err := plugin.GetConnection(ctx, -2, true, cfg.Server.ClusterName)
			if err != nil {
				logger.Warn("rollup skipped, storage unavailable", slog.Any("err", err))
				continue
			}
			rows, err := conn.GetClusters(ctx, false)
			conn.Close()
			if err != nil {
				logger.Warn("rollup skipped, cluster list unavailable", slog.Any("err", err))
				continue
			}
			names := make([]string, 0, len(rows))
			for i := range rows {
				names = append(names, rows[i].Name)
			}
			if _, err := roller.RollAll(ctx, names, now); err != nil {
				logger.Error("rollup run failed", slog.Any("err", err))
			}
		}
	}
}

func newLogger(logOutput, logFormat, logFile string) (*slog.Logger, func(), error) {
	var w io.Writer
	var closer io.Closer
	switch logOutput {
	case "stdout", "":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "file":
		if logFile == "" {
			return nil, nil, fmt.Errorf("--log-file is required when --log-output=file")
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closer = f
	default:
		return nil, nil, fmt.Errorf("unsupported log output: %s", logOutput)
	}

	var handler slog.Handler
	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, AddSource: false})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, AddSource: false})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s", logFormat)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	cleanup := func() {
		if closer != nil {
			_ = closer.Close()
		}
	}
	return logger, cleanup, nil
}
