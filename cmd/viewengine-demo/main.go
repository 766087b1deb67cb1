// Command viewengine-demo wires the view engine to an in-memory view
// provider and a Prometheus /metrics endpoint, for manual verification and
// as a template for embedding the engine in a real service.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/viewengine/engine"
	"github.com/adred-codev/viewengine/internal/config"
	"github.com/adred-codev/viewengine/internal/logging"
	"github.com/adred-codev/viewengine/viewtypes"
)

func main() {
	bootLogger := log.New(os.Stdout, "[viewengine-demo] ", log.LstdFlags)

	cfg, err := config.Load(nil)
	if err != nil {
		bootLogger.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	fooView := newMemView("foo", map[viewtypes.Namespace]map[string]int{
		"a": {"foo": 1, "bar": 200},
		"b": {"foo": 2},
	})
	barView := newMemView("bar", map[viewtypes.Namespace]map[string]int{
		"a": {"foo": 1, "bar": 200},
	})

	promReg := prometheus.NewRegistry()

	eng, err := engine.New(engine.Options{
		Views: []viewtypes.View{fooView, barView},
		SendFunc: func(subscriber viewtypes.SubscriberKey, sig viewtypes.ViewSignature, data any) {
			logger.Info().
				Interface("subscriber", subscriber).
				Str("view_id", string(sig.ViewID)).
				Interface("parameters", []any(sig.Parameters)).
				Interface("data", data).
				Msg("send")
		},
		RefreshQueueSize:   cfg.RefreshQueueSize,
		RefreshInterval:    cfg.RefreshInterval,
		WorkerThreads:      cfg.WorkerThreads,
		InitialPoolSize:    cfg.InitialPoolSize,
		InitialPoolQueue:   cfg.InitialPoolQueue,
		StatsLogInterval:   cfg.StatsLogInterval,
		Logger:             logger,
		PrometheusRegistry: promReg,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct engine")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	ctx := context.Background()
	if _, err := eng.Subscribe(ctx, viewtypes.ViewSignature{Namespace: "a", ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}, "demo-subscriber"); err != nil {
		logger.Error().Err(err).Msg("demo subscribe failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	eng.Shutdown(true)
}
