// Command pastepoint runs the collaboration hub: WebSocket sessions keyed
// by network origin or by private code, named rooms, WebRTC signal relay
// and chunked file sharing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/SloMR/pastepoint/internal/chat"
	"github.com/SloMR/pastepoint/internal/config"
	"github.com/SloMR/pastepoint/internal/monitoring"
	"github.com/SloMR/pastepoint/internal/session"
	"github.com/SloMR/pastepoint/internal/transport"
)

const (
	version = "1.0.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pastepoint: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat)
	// automaxprocs already sized GOMAXPROCS from the container CPU limit.
	logger.Info().
		Str("version", version).
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("Starting PastePoint")
	cfg.LogConfig(logger)

	metrics := monitoring.NewMetrics()

	sysmon := monitoring.NewSystemMonitor(metrics, logger)
	sysmon.Start()

	hub := chat.NewServer(chat.DefaultCleanupInterval, metrics, logger)
	hub.Start()

	store := session.NewStore(hub, session.DefaultExpiration, metrics, logger)

	srv := transport.NewServer(cfg, store, hub, metrics, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}
	hub.Shutdown()
	sysmon.Stop()
	logger.Info().Msg("Goodbye")
}
