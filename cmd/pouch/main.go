// Spins up the pouch server: a cache pool over the chosen backend, served over the Redis protocol.

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nobletooth/pouch/pkg/config"
	"github.com/nobletooth/pouch/pkg/port"
	"github.com/nobletooth/pouch/pkg/utils"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	metricsAddress = flag.String("metrics_address", "",
		"The ip:port serving Prometheus metrics on /metrics; empty to disable.")
)

// serveMetrics serves the Prometheus registry until `ctx` is done.
func serveMetrics(ctx context.Context, address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	slog.Info("Serving metrics.", "address", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server stopped.", "error", err)
	}
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Pouch build info.", utils.BuildAttrs()...)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling server context.", "signal", sig)
		cancel()
	}()

	if *metricsAddress != "" {
		go serveMetrics(ctx, *metricsAddress)
	}

	backend, err := port.NewBackend()
	if err != nil {
		slog.Error("Failed to build the cache backend.", "err", err)
		os.Exit(1)
	}
	if err := port.RunRedisServer(ctx, port.NewPoolFactory(backend)); err != nil {
		slog.Error("Pouch server stopped.", "err", err)
		os.Exit(1)
	}
}
