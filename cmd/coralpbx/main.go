package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/httpapi"
	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/metrics"
	"github.com/coralpbx/coralpbx/internal/qos"
	sipserver "github.com/coralpbx/coralpbx/internal/sip"
	"github.com/coralpbx/coralpbx/internal/voicemail"
	"github.com/coralpbx/coralpbx/internal/webhook"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting coralpbx",
		"sip_port", cfg.SIPPort,
		"http_port", cfg.HTTPPort,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
		"auth_mode", cfg.AuthMode,
		"data_dir", cfg.DataDir,
	)

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		logger.Error("opening database failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	extensions := database.NewExtensionRepository(db)
	phones := database.NewPhoneRepository(db)
	cdrs := database.NewCallRecordRepository(db)
	qosRepo := database.NewQoSRepository(db)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Optional Postgres mirror for CDR and QoS rows. Nil when no DSN is
	// configured; mirroring calls are nil-safe.
	mirror, err := database.NewPGSink(appCtx, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Error("connecting postgres mirror failed", "error", err)
		os.Exit(1)
	}
	if mirror != nil {
		defer mirror.Close()
	}

	events := webhook.NewDispatcher(cfg.WebhookURL, logger)
	defer events.Close()

	engine := media.NewEngine(cfg.RTPPortMin, cfg.RTPPortMax, logger)

	monitor := qos.NewMonitor(qos.ThresholdsFromConfig(cfg), qosRepo, mirror, events, logger)
	go monitor.Run(appCtx)

	calls := call.NewManager(cdrs, mirror, engine, monitor, events, logger)

	vmStore, err := voicemail.NewStore(cfg.DataDir, logger)
	if err != nil {
		logger.Error("opening voicemail store failed", "error", err)
		os.Exit(1)
	}

	// Registrations are transient; rows surviving a crash are stale.
	if err := sipserver.BootPurge(appCtx, phones, logger); err != nil {
		logger.Error("purging stale registrations failed", "error", err)
		os.Exit(1)
	}

	registry := sipserver.NewRegistry(extensions, logger)
	if err := registry.Seed(appCtx); err != nil {
		logger.Error("seeding extension registry failed", "error", err)
		os.Exit(1)
	}

	trustedNets, err := cfg.TrustedNetworks()
	if err != nil {
		logger.Error("parsing trusted networks failed", "error", err)
		os.Exit(1)
	}
	auth := sipserver.NewAuthenticator(cfg.AuthMode, registry, trustedNets, logger)
	registrar := sipserver.NewRegistrar(registry, phones, auth, events, logger)

	ua, err := sipserver.NewUserAgent(cfg)
	if err != nil {
		logger.Error("creating sip user agent failed", "error", err)
		os.Exit(1)
	}
	dialer, err := sipserver.NewDialer(ua, cfg, logger)
	if err != nil {
		logger.Error("creating sip dialer failed", "error", err)
		os.Exit(1)
	}

	router := sipserver.NewRouter(cfg, registry, calls, engine, dialer, monitor, vmStore, events, logger)

	sipSrv, err := sipserver.NewServer(cfg, ua, sipserver.Deps{
		Registry:  registry,
		Registrar: registrar,
		Auth:      auth,
		Calls:     calls,
		Router:    router,
		Dialer:    dialer,
	}, logger)
	if err != nil {
		logger.Error("creating sip server failed", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		logger.Error("starting sip server failed", "error", err)
		os.Exit(1)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(
		calls, registry, engine, extensions, qosRepo, monitor, time.Now(),
	))
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	api := httpapi.NewServer(cfg.HTTPPort, calls, registry, monitor, qosRepo, metricsHandler, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := api.Start(); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "error", err)
	}

	shutdown(appCtx, cfg, logger, sipSrv, api, calls, engine)
	appCancel()
	logger.Info("coralpbx stopped")
}

// shutdown drains the SIP server, waits out the grace period for active
// calls, then force-ends whatever remains and stops the listeners.
func shutdown(ctx context.Context, cfg *config.Config, logger *slog.Logger, sipSrv *sipserver.Server, api *httpapi.Server, calls *call.Manager, engine *media.Engine) {
	sipSrv.Drain()

	if n := calls.Count(); n > 0 {
		logger.Info("waiting for active calls", "count", n, "grace", cfg.ShutdownGrace.String())
		deadline := time.After(cfg.ShutdownGrace)
		ticker := time.NewTicker(500 * time.Millisecond)
	wait:
		for {
			select {
			case <-deadline:
				break wait
			case <-ticker.C:
				if calls.Count() == 0 {
					break wait
				}
			}
		}
		ticker.Stop()
	}

	if ended := calls.EndAll(ctx, call.ReasonShutdown); ended > 0 {
		logger.Warn("force-ended calls at shutdown", "count", ended)
	}
	engine.ReleaseAll()

	sipSrv.Stop()

	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(httpCtx); err != nil && err != http.ErrServerClosed {
		logger.Error("http server shutdown error", "error", err)
	}
}
