package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/collector/flood"
	"github.com/floodwatch-ph/floodroute/internal/collector/scout"
	"github.com/floodwatch-ph/floodroute/internal/core/config"
	"github.com/floodwatch-ph/floodroute/internal/core/httpclient"
	apirouter "github.com/floodwatch-ph/floodroute/internal/core/router"
	"github.com/floodwatch-ph/floodroute/internal/core/server"
	"github.com/floodwatch-ph/floodroute/internal/evac"
	"github.com/floodwatch-ph/floodroute/internal/gazetteer"
	"github.com/floodwatch-ph/floodroute/internal/graph"
	"github.com/floodwatch-ph/floodroute/internal/hazard"
	"github.com/floodwatch-ph/floodroute/internal/live"
	"github.com/floodwatch-ph/floodroute/internal/logger"
	"github.com/floodwatch-ph/floodroute/internal/metrics"
	"github.com/floodwatch-ph/floodroute/internal/mission"
	"github.com/floodwatch-ph/floodroute/internal/model"
	"github.com/floodwatch-ph/floodroute/internal/raster"
	"github.com/floodwatch-ph/floodroute/internal/routing"
	"github.com/floodwatch-ph/floodroute/internal/scheduler"
	"github.com/floodwatch-ph/floodroute/internal/snapshot"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	networkFlag := flag.String("network", "", "street network JSON path")
	flag.Parse()

	cfg := config.FromEnv()
	if *networkFlag != "" {
		cfg.NetworkPath = strings.TrimSpace(*networkFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "floodroute",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)
	appLog.Info("starting floodroute",
		"addr", cfg.Addr,
		"version", Version,
		"network", cfg.NetworkPath,
		"collect_period", cfg.CollectPeriod.String())

	g, err := graph.LoadFile(cfg.NetworkPath)
	if err != nil {
		appLog.Error("street network load failed", "path", cfg.NetworkPath, "err", err)
		return 1
	}
	appLog.Info("street network loaded", "nodes", g.NodeCount(), "edges", g.EdgeCount())

	var depth hazard.DepthSource
	if cat, err := raster.NewCatalog(cfg.FloodmapsDir, cfg.RasterCacheTiles, zl); err != nil {
		appLog.Warn("flood raster catalog unavailable", "dir", cfg.FloodmapsDir, "err", err)
	} else {
		depth = cat
	}

	shelters, err := evac.LoadSheltersFile(cfg.SheltersPath)
	if err != nil {
		appLog.Warn("shelter registry unavailable", "path", cfg.SheltersPath, "err", err)
	}

	table, err := gazetteer.LoadFile(cfg.GazetteerPath)
	if err != nil {
		appLog.Warn("gazetteer unavailable, geocoding disabled", "path", cfg.GazetteerPath, "err", err)
		table, _ = gazetteer.Load(strings.NewReader("name,lat,lon"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	for _, id := range []string{model.AgentHazard, model.AgentFlood, model.AgentScout, model.AgentOrchestrator} {
		b.Register(id)
	}
	hub := live.NewHub(zl)

	var snapshots hazard.SnapshotSink
	if cfg.Redis.Enabled {
		store := snapshot.New(cfg.Redis.Addr, cfg.Redis.TTL, zl)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			appLog.Warn("redis unreachable, snapshots disabled", "addr", cfg.Redis.Addr, "err", err)
			_ = store.Close()
		} else {
			snapshots = store
			defer func() { _ = store.Close() }()
		}
		cancel()
	}

	engine := hazard.NewEngine(g, b, zl, hazard.Options{
		Depth:     depth,
		Live:      hub,
		Snapshots: snapshots,
	})

	outbound := httpclient.NewOutbound(cfg.SourceTimeout)
	var sources []flood.Source
	if cfg.RiverGaugeURL != "" {
		sources = append(sources, flood.NewRiverSource(cfg.RiverGaugeURL, outbound))
	}
	if cfg.WeatherURL != "" {
		sources = append(sources, flood.NewWeatherSource(cfg.WeatherURL, outbound))
	}
	if cfg.DamStatusURL != "" {
		sources = append(sources, flood.NewDamSource(cfg.DamStatusURL, outbound))
	}
	if cfg.StaticFeedPath != "" {
		sources = append(sources, flood.NewFileSource(cfg.StaticFeedPath))
	}
	if len(sources) == 0 {
		appLog.Warn("no flood sources configured; collection runs will fail until one is set")
	}
	floodCollector := flood.New(b, sources, cfg.CollectPeriod, cfg.SourceTimeout, zl)

	var driver scout.Driver
	switch cfg.Scout.Driver {
	case "http":
		driver = &scout.HTTPDriver{
			URL:      cfg.Scout.FeedURL,
			Client:   outbound,
			Interval: cfg.CollectPeriod,
			Log:      zl,
		}
	case "kafka":
		driver = &scout.KafkaDriver{
			Brokers: strings.Split(cfg.Scout.Brokers, ","),
			Topic:   cfg.Scout.Topic,
			GroupID: cfg.Scout.GroupID,
			Log:     zl,
		}
	default:
		driver = &scout.ReplayDriver{Path: cfg.Scout.ReplayPath}
	}
	scoutCollector := scout.New(b, driver, table, 0, cfg.Scout.Strict, zl)

	routes := routing.New(g, zl)
	planner := evac.NewPlanner(g, routes, shelters, 0, zl)
	orch := mission.NewOrchestrator(b, routes, planner, mission.Timeouts{}, zl)
	sched := scheduler.New(b, cfg.CollectPeriod, true, zl)

	metricsEnabled := os.Getenv("METRICS_ENABLED") == "true"
	if metricsEnabled {
		addr := os.Getenv("METRICS_ADDR")
		if addr == "" {
			addr = ":9090"
		}
		path := os.Getenv("METRICS_PATH")
		if path == "" {
			path = "/metrics"
		}

		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    addr,
			Path:    path,
			Build: metrics.BuildInfo{
				Version:   os.Getenv("BUILD_VERSION"),
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})

		mux := http.NewServeMux()
		mux.Handle(path, p.Handler())

		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		go func() {
			log.Printf("metrics: listening on %s%s", addr, path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server exited: %v", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics: shutdown error: %v", err)
			}
		}()
	}

	sup := &supervisor{ctx: ctx, stop: stop, log: appLog}
	sup.launch("hazard", engine.Run)
	sup.launch("flood-collector", floodCollector.Run)
	sup.launch("scout-collector", scoutCollector.Run)
	sup.launch("scheduler", sched.Run)
	sup.launch("orchestrator", orch.Run)
	sup.launch("live-heartbeat", hub.RunHeartbeat)

	api := apirouter.New(apirouter.Deps{
		Bus:         b,
		Graph:       g,
		Routes:      routes,
		Planner:     planner,
		Engine:      engine,
		Orch:        orch,
		Sched:       sched,
		Hub:         hub,
		CallTimeout: cfg.MissionTimeout,
		Log:         zl,
	})

	if err := server.Run(ctx, cfg, appLog, api); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}

	orch.Drain(cfg.DrainTimeout)
	b.Close()
	if sup.failed.Load() {
		appLog.Error("exiting after unrecoverable agent failure")
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// supervisor launches agent goroutines and records whether any of them
// exited with an unrecoverable error, so the process can report a
// non-zero exit even though the shutdown itself is orderly.
type supervisor struct {
	ctx    context.Context
	stop   context.CancelFunc
	log    *slog.Logger
	failed atomic.Bool
}

func (s *supervisor) launch(name string, fn func(context.Context) error) {
	go func() {
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("agent exited", "agent", name, "err", err)
			s.failed.Store(true)
			s.stop()
		}
	}()
}
