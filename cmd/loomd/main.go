// Command loomd runs the loom orchestration server: it loads
// configuration, wires every collaborator explicitly, starts the
// HTTP/WebSocket surface, and shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom/internal/config"
	"loom/internal/convstore"
	"loom/internal/domain"
	"loom/internal/eventbus"
	"loom/internal/httpapi"
	"loom/internal/logx"
	"loom/internal/metrics"
	"loom/internal/projectstore"
	"loom/internal/router"
	"loom/internal/searchindex"
	"loom/internal/supervisor"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to loom.yaml")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("LOOM_CONFIG")
	}
	if configPath == "" {
		configPath = "loom.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loomd: load config: %v", err)
	}

	srv, err := newServer(cfg)
	if err != nil {
		log.Fatalf("loomd: build server: %v", err)
	}

	ctx := context.Background()
	srv.start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	srv.log.Info("received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.shutdown(shutdownCtx); err != nil {
		log.Printf("loomd: shutdown error: %v", err)
		os.Exit(1)
	}
	srv.log.Info("shutdown complete")
}

// server bundles every top-level collaborator constructed by main.
type server struct {
	cfg      *config.Config
	log      *logx.Logger
	bus      *eventbus.Bus
	projects *projectstore.Store
	settings *projectstore.SettingsStore
	conv     *convstore.Store
	index    *searchindex.Index
	sup        *supervisor.Supervisor
	router     *router.Router
	httpSrv    *http.Server
	metricsSrv *http.Server // nil when metricsAddr is empty
}

func newServer(cfg *config.Config) (*server, error) {
	baseLog := logx.NewLogger("loomd")

	if err := os.MkdirAll(cfg.GlobalDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create global data dir: %w", err)
	}

	projects, err := projectstore.New(cfg.GlobalDataDir, baseLog.With("projectstore"))
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}
	settingsStore := projectstore.NewSettingsStore(cfg.GlobalDataDir)

	index, err := searchindex.Open(filepath.Join(cfg.GlobalDataDir, "search.db"))
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}

	bus := eventbus.New(baseLog.With("eventbus"))
	conv := convstore.New(projects, cfg.ConversationMaxMessages, index, baseLog.With("convstore"))

	sup := supervisor.New(supervisor.Deps{
		Conv:             conv,
		Projects:         projects,
		Bus:              bus,
		Log:              baseLog.With("supervisor"),
		AssistantCommand: cfg.AssistantCommand,
		AssistantArgs:    cfg.AssistantArgs,
		ModeSwitchDelay:  cfg.ModeSwitchDelay,
		MaxConcurrent:    cfg.MaxConcurrent,
	})

	// The default registerer backs both metrics.New (collectors) and the
	// promhttp.Handler() httpapi.Server mounts at /metrics, so there is
	// exactly one Prometheus surface, not one per listen address.
	m := metrics.New(prometheus.DefaultRegisterer)
	m.Attach(bus)

	snapshot := func(projectID string) (domain.AgentStatusPayload, bool) {
		rt, ok := sup.Runtime(projectID)
		if !ok {
			return domain.AgentStatusPayload{}, false
		}
		return rt.Status(), true
	}
	wsRouter := router.New(bus, snapshot, baseLog.With("router"))

	var auth *httpapi.BasicAuth
	existing, err := settingsStore.Load(projectstore.Settings{
		MaxConcurrent:     cfg.MaxConcurrent,
		ReconnectBaseMs:   cfg.ReconnectBaseMs,
		ReconnectCapMs:    cfg.ReconnectCapMs,
		ReconnectMaxTries: cfg.ReconnectMaxTries,
	})
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if existing.WebUIPasswordHash != "" {
		auth = httpapi.NewBasicAuth("loom", existing.WebUIPasswordHash)
	}

	httpHandler := httpapi.New(httpapi.Deps{
		Projects: projects,
		Settings: settingsStore,
		Conv:     conv,
		Sup:      sup,
		Router:   wsRouter,
		Log:      baseLog.With("httpapi"),
		Auth:     auth,
	}).Handler()

	srv := &server{
		cfg:      cfg,
		log:      baseLog,
		bus:      bus,
		projects: projects,
		settings: settingsStore,
		conv:     conv,
		index:    index,
		sup:      sup,
		router:   wsRouter,
		httpSrv:  &http.Server{Addr: cfg.HTTPAddr, Handler: httpHandler},
	}
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		srv.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	}
	return srv, nil
}

func (s *server) start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server: %v", err)
		}
	}()
	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("metrics server: %v", err)
			}
		}()
	}
	s.log.Info("listening on %s", s.cfg.HTTPAddr)
}

func (s *server) shutdown(ctx context.Context) error {
	if err := s.sup.Shutdown(ctx); err != nil {
		s.log.Error("supervisor shutdown: %v", err)
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Error("http server shutdown: %v", err)
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.log.Error("metrics server shutdown: %v", err)
		}
	}
	if err := s.index.Close(); err != nil {
		s.log.Error("close search index: %v", err)
	}
	return nil
}
