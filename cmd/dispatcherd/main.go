// Command dispatcherd runs the dispatch and load-balancing layer: the
// scheduling loop, health supervisor, autoscale advisor, and the admin HTTP
// API in front of them. Env-configured wiring, a flat http.HandleFunc mux,
// CORS middleware wrapping the whole mux, and a background catalog-refresh
// goroutine.
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

	"golang.org/x/time/rate"

	"github.com/nnatri/modelmesh/internal/adminapi"
	"github.com/nnatri/modelmesh/internal/autoscale"
	"github.com/nnatri/modelmesh/internal/configstore"
	"github.com/nnatri/modelmesh/internal/dispatchcore"
	"github.com/nnatri/modelmesh/internal/dispatcher"
	"github.com/nnatri/modelmesh/internal/eventbus"
	"github.com/nnatri/modelmesh/internal/executor"
	"github.com/nnatri/modelmesh/internal/health"
	"github.com/nnatri/modelmesh/internal/middleware"
	"github.com/nnatri/modelmesh/internal/queue"
	"github.com/nnatri/modelmesh/internal/registry"
	"github.com/nnatri/modelmesh/internal/selector"
	"github.com/nnatri/modelmesh/internal/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// modelListerAdapter binds a fixed backend address to the Transport's
// ListModels so it satisfies registry.ModelLister, which has no notion of
// "which instance" — RefreshModels polls one designated catalog source.
type modelListerAdapter struct {
	t       transport.Transport
	address string
}

func (a modelListerAdapter) ListModels(ctx context.Context) ([]dispatchcore.ModelInfo, error) {
	return a.t.ListModels(ctx, a.address)
}

func newConfigStore() configstore.Store {
	switch os.Getenv("CONFIG_STORE") {
	case "postgres":
		dsn := os.Getenv("POSTGRES_DSN")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := configstore.NewPostgres(ctx, dsn)
		if err != nil {
			log.Fatalf("failed to connect config store (postgres): %v", err)
		}
		log.Println("config store: postgres")
		return store
	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		store, err := configstore.NewRedis(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("failed to connect config store (redis): %v", err)
		}
		log.Println("config store: redis at", addr)
		return store
	default:
		log.Println("config store: in-memory (set CONFIG_STORE=postgres|redis to persist)")
		return configstore.NewMemory()
	}
}

func loadDispatcherConfig(ctx context.Context, store configstore.Store) dispatcher.Config {
	cfg := dispatcher.DefaultConfig()
	all, err := store.All(ctx)
	if err != nil {
		log.Printf("WARN: failed to load dispatcher config, using defaults: %v", err)
		return cfg
	}
	if v, ok := all[configstore.KeyMaxConcurrentRequests]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentRequests = n
		}
	}
	if v, ok := all[configstore.KeyAutoRetryEnabled]; ok {
		cfg.AutoRetryEnabled = v == "true"
	}
	if v, ok := all[configstore.KeyQueueTickMs]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueTickMs = n
		}
	}
	return cfg
}

func loadPreferenceTable(ctx context.Context, store configstore.Store) map[dispatchcore.ScenarioTag][]string {
	out := make(map[dispatchcore.ScenarioTag][]string)
	all, err := store.All(ctx)
	if err != nil {
		log.Printf("WARN: failed to load preference table: %v", err)
		return out
	}
	for k, v := range all {
		if len(k) <= len(configstore.KeyPreferencePrefix) || k[:len(configstore.KeyPreferencePrefix)] != configstore.KeyPreferencePrefix {
			continue
		}
		scenario := dispatchcore.ScenarioTag(k[len(configstore.KeyPreferencePrefix):])
		var models []string
		if err := json.Unmarshal([]byte(v), &models); err == nil {
			out[scenario] = models
		}
	}
	return out
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgStore := newConfigStore()

	backendAddr := os.Getenv("OLLAMA_ADDR")
	if backendAddr == "" {
		backendAddr = transport.DefaultAddress
	}

	reg := registry.New()
	bus := eventbus.New()
	httpTransport := transport.NewOllamaClient(nil)

	if err := reg.RefreshModels(ctx, modelListerAdapter{t: httpTransport, address: backendAddr}); err != nil {
		log.Printf("WARN: initial model catalog refresh failed: %v", err)
	}

	sel := selector.New(loadPreferenceTable(ctx, cfgStore))
	if v, ok, err := cfgStore.Get(ctx, configstore.KeyModelSelectionStrategy); err == nil && ok {
		sel.SetStrategy(dispatchcore.ModelSelectionStrategy(v))
	}

	exec := executor.New(httpTransport, reg, bus)
	q := queue.New(10000)

	healthSupervisor := health.New(reg, bus, 10*time.Second, 30*time.Second, rate.Limit(1), 3)
	go healthSupervisor.Run(ctx)

	autoscaleAdvisor := autoscale.New(reg, bus, autoscale.DefaultConfig())
	go autoscaleAdvisor.Run(ctx, 15*time.Second)

	disp := dispatcher.New(reg, sel, q, exec, bus, healthSupervisor, loadDispatcherConfig(ctx, cfgStore))
	go disp.Run(ctx)

	go refreshModelsLoop(ctx, reg, modelListerAdapter{t: httpTransport, address: backendAddr})

	wsHub := eventbus.NewWebSocketHub(bus)
	go wsHub.Run(ctx)

	api := adminapi.New(disp, wsHub)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.HandleHealth)
	mux.HandleFunc("/requests", api.HandleRequests)
	mux.HandleFunc("/requests/", api.HandleRequests)
	mux.HandleFunc("/queue/status", api.HandleQueueStatus)
	mux.HandleFunc("/dashboard/stream", api.HandleDashboardStream)
	mux.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{Addr: addr, Handler: middleware.CORS(mux)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("dispatcherd listening on %s (backend %s)", addr, backendAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func refreshModelsLoop(ctx context.Context, reg *registry.Registry, lister modelListerAdapter) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reg.RefreshModels(ctx, lister); err != nil {
				log.Printf("WARN: model catalog refresh failed: %v", err)
			}
		}
	}
}
