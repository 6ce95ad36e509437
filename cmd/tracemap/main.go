package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/NERVsystems/tracemap/pkg/aggregator"
	"github.com/NERVsystems/tracemap/pkg/bitmap"
	"github.com/NERVsystems/tracemap/pkg/cachedb"
	"github.com/NERVsystems/tracemap/pkg/journey"
	"github.com/NERVsystems/tracemap/pkg/monitoring"
	"github.com/NERVsystems/tracemap/pkg/renderer"
	"github.com/NERVsystems/tracemap/pkg/server"
	"github.com/NERVsystems/tracemap/pkg/tracing"
	ver "github.com/NERVsystems/tracemap/pkg/version"
)

var (
	debug          bool
	listenAddr     string
	mainDbPath     string
	cacheDbPath    string
	layerName      string
	includeOngoing bool

	// Monitoring flags
	enableMonitoring bool
	monitoringAddr   string

	// Rate limits for the tile API
	apiRPS   float64
	apiBurst int
)

func init() {
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.StringVar(&listenAddr, "listen", ":7090", "HTTP server address for the tile API")
	flag.StringVar(&mainDbPath, "db", "tracemap.db", "Path to the main journey database")
	flag.StringVar(&cacheDbPath, "cache-db", "tracemap_cache.db", "Path to the layer cache database")
	flag.StringVar(&layerName, "layer", "all", "Layer to serve: all, default, or flight")
	flag.BoolVar(&includeOngoing, "include-ongoing", true, "Overlay the in-progress recording")

	flag.BoolVar(&enableMonitoring, "enable-monitoring", true, "Enable Prometheus metrics and health endpoints")
	flag.StringVar(&monitoringAddr, "monitoring-addr", ":9090", "Monitoring server address")

	flag.Float64Var(&apiRPS, "api-rps", 50.0, "Tile API rate limit in requests per second per client")
	flag.IntVar(&apiBurst, "api-burst", 100, "Tile API rate limit burst size")
}

func main() {
	flag.Parse()

	// Configure logging
	var logLevel slog.Level
	if debug {
		logLevel = slog.LevelDebug
	} else {
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry tracing
	ctx := context.Background()
	shutdownTracing, err := tracing.InitTracing(ctx, ver.BuildVersion)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		// Continue without tracing - it's not critical
	} else {
		defer func() {
			if err := shutdownTracing(ctx); err != nil {
				logger.Error("error shutting down tracing", "error", err)
			}
		}()

		if endpoint := os.Getenv("OTLP_ENDPOINT"); endpoint != "" {
			logger.Info("OpenTelemetry tracing enabled", "endpoint", endpoint)
		}
	}

	layerKind, ok := parseLayer(layerName)
	if !ok {
		logger.Error("unknown layer", "layer", layerName)
		os.Exit(1)
	}

	logger.Info("starting tracemap",
		"version", ver.BuildVersion,
		"log_level", logLevel.String(),
		"listen", listenAddr,
		"layer", layerName,
		"monitoring_enabled", enableMonitoring,
		"monitoring_addr", monitoringAddr)

	mainDb, err := journey.Open(mainDbPath, logger)
	if err != nil {
		logger.Error("failed to open main db", "error", err)
		os.Exit(1)
	}
	defer mainDb.Close()

	cacheDb, err := cachedb.Open(cacheDbPath, logger)
	if err != nil {
		logger.Error("failed to open cache db", "error", err)
		os.Exit(1)
	}
	defer cacheDb.Close()

	// Build the renderer. A warm layer cache gives a lazy source; a cold
	// one falls back to eager aggregation and populates the cache.
	mapRenderer, err := buildRenderer(mainDb, cacheDb, &layerKind, logger)
	if err != nil {
		logger.Error("failed to build renderer", "error", err)
		os.Exit(1)
	}

	// Initialize health checker
	var healthChecker *monitoring.HealthChecker
	if enableMonitoring {
		healthChecker = monitoring.NewHealthChecker(monitoring.ServiceName, ver.BuildVersion)
		defer healthChecker.Shutdown()
		healthChecker.UpdateConnection("main_db", "connected", 0, nil)
		healthChecker.UpdateConnection("cache_db", "connected", 0, nil)
	}

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start monitoring server if enabled
	if enableMonitoring {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", healthChecker.HealthHandler())
		mux.HandleFunc("/ready", healthChecker.ReadinessHandler())
		mux.HandleFunc("/live", healthChecker.LivenessHandler())

		monitoringServer := &http.Server{
			Addr:              monitoringAddr,
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		}

		go func() {
			logger.Info("starting monitoring server", "addr", monitoringAddr)
			if err := monitoringServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitoring server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := monitoringServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown monitoring server", "error", err)
			}
		}()
	}

	// Start the tile API
	apiServer := server.New(mapRenderer, logger, server.Config{
		RateLimit: rate.Limit(apiRPS),
		RateBurst: apiBurst,
	})

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting tile API server", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("tile API server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tile API server", "error", err)
	}
}

func parseLayer(name string) (journey.LayerKind, bool) {
	switch name {
	case "all":
		return journey.LayerAll, true
	case "default":
		return journey.LayerForKind(journey.KindDefault), true
	case "flight":
		return journey.LayerForKind(journey.KindFlight), true
	default:
		return journey.LayerKind{}, false
	}
}

func buildRenderer(mainDb *journey.MainDb, cacheDb *cachedb.CacheDb, layerKind *journey.LayerKind, logger *slog.Logger) (*renderer.MapRenderer, error) {
	blob, jb, err := aggregator.GetLatestLazy(mainDb, cacheDb, layerKind, includeOngoing)
	if err != nil {
		return nil, err
	}

	if blob == nil {
		logger.Info("layer cache cold, starting with eager bitmap", "tiles", len(jb.Tiles))
		return renderer.New(jb), nil
	}

	source, err := renderer.NewLazyTileSource(blob)
	if err != nil {
		return nil, err
	}
	logger.Info("layer cache warm, starting with lazy source",
		"blob_bytes", len(blob),
		"tiles", len(source.TileKeys()))

	mapRenderer := renderer.New(bitmap.NewJourneyBitmap())
	mapRenderer.ReplaceLazy(source, jb)
	return mapRenderer, nil
}
