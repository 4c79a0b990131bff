// Command testhubserver serves the test hub, by default at http://localhost:8080/test.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubkit/signalr/internal/config"
	"github.com/hubkit/signalr/internal/testhub"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	listen := flag.String("listen", "", "listen address, overrides server.listen")
	debug := flag.Bool("debug", false, "log debug events")
	flag.Parse()

	logger := log.With(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), "ts", log.DefaultTimestampUTC)
	cfg, err := config.Load(*configPath)
	if err != nil {
		_ = level.Error(logger).Log("event", "load config", "error", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	cfg.Log.Debug = cfg.Log.Debug || *debug

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := serve(ctx, cfg, logger); err != nil {
		_ = level.Error(logger).Log("event", "serve", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	hub, err := testhub.NewServer(ctx,
		testhub.Logger(logger, cfg.Log.Debug),
		testhub.KeepAliveInterval(cfg.Server.KeepAliveInterval),
		testhub.LogRequests())
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "testhub",
		Name:      "sessions",
		Help:      "Number of connected hub clients.",
	}, func() float64 { return float64(hub.SessionCount()) }))

	router := mux.NewRouter()
	router.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.PathPrefix(cfg.Server.Path).Handler(hub.Handler(cfg.Server.Path))

	server := &http.Server{Addr: cfg.Server.Listen, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	_ = level.Info(logger).Log("event", "listen", "address", cfg.Server.Listen, "path", cfg.Server.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
