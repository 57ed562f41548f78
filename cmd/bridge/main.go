// Command bridge runs the control-surface bridge as a standalone process:
// it loads configuration from the environment, wires the cache backend,
// Manager client, registry, selector and orchestrator bottom-up, and
// serves /health, /metrics and /debug/snapshot while the orchestrator runs
// in the background.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aditbridge/core/internal/cache"
	"github.com/aditbridge/core/internal/config"
	"github.com/aditbridge/core/internal/host"
	"github.com/aditbridge/core/internal/logging"
	"github.com/aditbridge/core/internal/managerclient"
	"github.com/aditbridge/core/internal/model"
	"github.com/aditbridge/core/internal/orchestrator"
	"github.com/aditbridge/core/internal/registry"
	"github.com/aditbridge/core/internal/selector"
	"github.com/aditbridge/core/internal/supervisor"
	"github.com/aditbridge/core/internal/transport"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg := logging.New("[bridge] ", cfg.Verbose)

	if !cfg.Valid() {
		lg.Error("configuration missing required managerHost/managerPort; refusing to start")
		serveHealthOnly(lg)
		return
	}

	backend := buildCacheBackend(cfg, lg)
	managerEndpoint := cfg.ManagerHost + ":" + strconv.Itoa(cfg.ManagerPort)
	cacheStore := cache.New(backend, managerEndpoint, cfg.ChannelID)

	mgrClient := managerclient.New()
	sink := host.NewLoggingSink(lg)

	var sel *selector.Selector
	var reg *registry.Registry
	sel = selector.New(logging.New("[selector] ", cfg.Verbose))

	supervisorCfg := supervisor.Config{
		ControlInterfaceID: cfg.ControlInterfaceID,
		ConnectTimeout:     cfg.TransportConnectTimeout,
		ReconnectDelay:     cfg.ReconnectDelay,
		PongTimeout:        cfg.PongTimeout,
	}

	factory := func(inst *model.Instance) registry.Supervisor {
		id := inst.ID
		dial := func() (supervisor.Dialer, <-chan transport.Event) {
			t := transport.New()
			return t, t.Events
		}
		varSink := func(variableID, value string) { sink.SetVariable(variableID, value) }
		primarySource := func() (string, bool) {
			p := sel.Current()
			return p.ID, p.Known
		}
		reeval := func() {
			snap := reg.Snapshot()
			order := reg.Ordered()
			sel.Run(snap, order)
		}
		return supervisor.New(id, supervisorCfg, inst.ControlHost, inst.ControlPort, dial, reg, varSink, primarySource, reeval, logging.New("[supervisor:"+id+"] ", cfg.Verbose))
	}
	reg = registry.New(factory, logging.New("[registry] ", cfg.Verbose))

	orchCfg := orchestrator.Config{
		ManagerEndpoint:        managerEndpoint,
		ChannelID:              cfg.ChannelID,
		ManagerPollInterval:    cfg.ManagerPollInterval,
		InstanceStatusInterval: cfg.InstanceStatusInterval,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		HTTPManagerTimeout:     cfg.HTTPManagerTimeout,
		HTTPInstanceTimeout:    cfg.HTTPInstanceTimeout,
	}
	orch := orchestrator.New(orchCfg, mgrClient, reg, sel, cacheStore, sink, logging.New("[orchestrator] ", cfg.Verbose))

	rootCtx, cancel := context.WithCancel(context.Background())
	orch.Start(rootCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(orch.Snapshot())
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		lg.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		orch.Stop()
		cancel()
	}()

	lg.Info("bridge listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		lg.Error("http server failed: %v", err)
	}
}

// serveHealthOnly keeps the process alive reporting badConfig instead of
// exiting, so an operator dashboard polling /health sees a live-but-
// unconfigured process rather than a crash loop.
func serveHealthOnly(lg *logging.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("badConfig"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		<-sigCh
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	lg.Warn("serving /health=badConfig only, listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		lg.Error("http server failed: %v", err)
	}
}

func buildCacheBackend(cfg config.Config, lg *logging.Logger) cache.Backend {
	redisAddr := os.Getenv("ADIT_REDIS_ADDR")
	if redisAddr == "" {
		lg.Warn("no ADIT_REDIS_ADDR configured, using in-memory cache backend (lost on restart)")
		return cache.NewMemoryBackend()
	}

	managerEndpoint := cfg.ManagerHost + ":" + strconv.Itoa(cfg.ManagerPort)
	redisBackend, err := cache.NewRedisBackend(redisAddr, os.Getenv("ADIT_REDIS_PASSWORD"), 0, managerEndpoint, cfg.ChannelID)
	if err != nil {
		lg.Warn("redis cache backend unavailable (%v), falling back to in-memory", err)
		return cache.NewMemoryBackend()
	}
	lg.Info("connected to redis at %s for definition cache", redisAddr)

	if pgConn := os.Getenv("ADIT_POSTGRES_DSN"); pgConn != "" {
		mirror, err := cache.NewPostgresMirror(context.Background(), redisBackend, pgConn, managerEndpoint, cfg.ChannelID)
		if err != nil {
			lg.Warn("postgres cache mirror unavailable (%v), continuing with redis only", err)
			return redisBackend
		}
		lg.Info("mirroring cache saves to postgres cache_history")
		return mirror
	}

	return redisBackend
}
