// Command proxy is the deniable-messaging proxy entrypoint: it wires
// together the config loader, the buffer manager and router, the
// client-facing WebSocket transport, the admin HTTP surface, and the
// Prometheus metrics endpoint, then serves until an interrupt arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/denim-research/denim-proxy/internal/api"
	"github.com/denim-research/denim-proxy/internal/audit"
	"github.com/denim-research/denim-proxy/internal/buffermanager"
	"github.com/denim-research/denim-proxy/internal/config"
	"github.com/denim-research/denim-proxy/internal/debug"
	"github.com/denim-research/denim-proxy/internal/keyengine"
	"github.com/denim-research/denim-proxy/internal/metrics"
	"github.com/denim-research/denim-proxy/internal/middleware"
	"github.com/denim-research/denim-proxy/internal/router"
	"github.com/denim-research/denim-proxy/internal/transport"
	"github.com/denim-research/denim-proxy/internal/wire"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to proxy configuration file")
	flag.Parse()

	logger := logrus.New()
	if debug.Enabled() {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("proxy: failed to load configuration")
	}

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		logger.WithError(err).Fatal("proxy: failed to construct audit logger")
	}
	defer auditLogger.Close()

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	keys := keyengine.New()
	blocks := router.NewBlockList()
	ids := router.NewMessageIDProvider()
	rtr := router.New(keys, blocks, ids, logger)
	rtr.SetAudit(auditLogger)
	rtr.SetMetrics(m)
	buffers := buffermanager.New(rtr, cfg.Buffers.InitialQ, logger).WithMetrics(m)

	watcher, err := config.WatchFile(*configPath, logger, func(next config.Config) {
		buffers.SetQ(next.Buffers.InitialQ)
	})
	if err != nil {
		logger.WithError(err).Warn("proxy: config hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	dialer := transport.WebSocketRelayDialer{URL: cfg.Transport.RelayURL}
	proxy := transport.New(dialer, buffers, logger, accountFromRequest).
		WithStatusInterval(time.Duration(cfg.Transport.StatusEvery) * time.Second).
		WithAudit(auditLogger).
		WithMetrics(m)

	topRouter := mux.NewRouter()
	topRouter.Use(middleware.LoggingMiddleware(logger))
	topRouter.Use(middleware.RecoveryMiddleware(logger))
	topRouter.Path("/connect").Handler(proxy)

	handler := api.NewHandler(buffers, blocks, logger, m)
	handler.RegisterRoutes(topRouter)

	adminSrv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux(m)}
	transportSrv := &http.Server{Addr: cfg.Transport.ListenAddr, Handler: topRouter}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("proxy: shutdown signal received")
		cancel()
	}()

	go func() {
		logger.WithField("addr", cfg.Metrics.ListenAddr).Info("proxy: metrics server listening")
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("proxy: metrics server failed")
		}
	}()

	go func() {
		logger.WithField("addr", cfg.Transport.ListenAddr).Info("proxy: transport server listening")
		if err := transportSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("proxy: transport server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	transportSrv.Shutdown(shutdownCtx)
	adminSrv.Shutdown(shutdownCtx)
	logger.Info("proxy: shutdown complete")
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

// accountFromRequest extracts the account id a connecting client is
// authenticating as. Account provisioning and credential verification are
// out of scope; the proxy trusts the same opaque Authorization header it
// forwards to the relay and expects the account id as a request header set
// by whatever fronts this service.
func accountFromRequest(r *http.Request) wire.AccountID {
	var id wire.AccountID
	copy(id[:], r.Header.Get("X-Account-Id"))
	return id
}
