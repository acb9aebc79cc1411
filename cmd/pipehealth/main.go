package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/greenwichg/etl-transforations/internal/backoff"
	"github.com/greenwichg/etl-transforations/internal/bus"
	"github.com/greenwichg/etl-transforations/internal/config"
	"github.com/greenwichg/etl-transforations/internal/escalate"
	"github.com/greenwichg/etl-transforations/internal/gateway"
	"github.com/greenwichg/etl-transforations/internal/notify"
	otelPkg "github.com/greenwichg/etl-transforations/internal/otel"
	"github.com/greenwichg/etl-transforations/internal/persistence"
	"github.com/greenwichg/etl-transforations/internal/reconcile"
	"github.com/greenwichg/etl-transforations/internal/telemetry"
	"github.com/greenwichg/etl-transforations/internal/tracker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s daemon                   Run the pipeline health daemon
  %s status                   Show daemon health (/api/v1/healthz)
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PIPEHEALTH_HOME             Data directory (default: ~/.pipehealth)
  PIPEHEALTH_TOKEN            Bearer token for the operator API
  SLACK_WEBHOOK_URL           Webhook URL when url_env names it
  TELEGRAM_TOKEN              Telegram bot token

EXAMPLES:
  Run the daemon:             %s daemon
  Check daemon health:        %s status
`, os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "daemon"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "daemon":
		os.Exit(runDaemon(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.Log.Level, cfg.Log.Quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting pipehealth",
		"version", Version,
		"home", cfg.HomeDir,
		"config_fingerprint", cfg.Fingerprint(),
	)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		logger.Error("otel init", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metrics init", "error", err)
		return 1
	}

	store, err := persistence.Open(cfg.StorePath())
	if err != nil {
		logger.Error("store open", "path", cfg.StorePath(), "error", err)
		return 1
	}
	defer store.Close()

	eventBus := bus.New(bus.WithQueueSize(cfg.Bus.QueueSize))

	observer := newMetricsObserver(eventBus, metrics, logger)
	observer.Start(ctx)
	defer observer.Stop()

	pipelines := make(map[string]tracker.PipelineSpec, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		pipelines[p.ID] = tracker.PipelineSpec{
			Deadline:        p.Deadline.Std(),
			HeartbeatWindow: p.HeartbeatWindow.Std(),
			MaxAttempts:     p.MaxAttempts,
		}
	}
	runTracker := tracker.New(tracker.Config{
		Store:     store,
		Bus:       eventBus,
		Logger:    logger,
		Pipelines: pipelines,
	})
	runTracker.Start(ctx)
	defer runTracker.Stop()

	var engine *reconcile.Engine
	if cfg.Reconcile.Enabled() {
		checks := make(map[string][]reconcile.MetricCheck, len(cfg.Pipelines))
		for _, p := range cfg.Pipelines {
			for _, m := range p.Metrics {
				checks[p.ID] = append(checks[p.ID], reconcile.MetricCheck{
					Name:      m.Name,
					Tolerance: m.Tolerance,
					Mode:      reconcile.ToleranceMode(m.Mode),
				})
			}
		}
		token := cfg.Reconcile.AuthToken()
		engine, err = reconcile.New(reconcile.Config{
			Store:        store,
			Bus:          eventBus,
			Logger:       logger,
			Source:       reconcile.NewHTTPProvider(cfg.Reconcile.SourceURL, token, otelProvider.Tracer, nil),
			Target:       reconcile.NewHTTPProvider(cfg.Reconcile.TargetURL, token, otelProvider.Tracer, nil),
			Pipelines:    checks,
			FetchTimeout: cfg.Reconcile.FetchTimeout.Std(),
			BatchCount:   cfg.Reconcile.BatchCount,
			MaxDepth:     cfg.Reconcile.MaxDepth,
			RecheckCron:  cfg.Reconcile.RecheckCron,
		})
		if err != nil {
			logger.Error("reconcile init", "error", err)
			return 1
		}
		engine.Start(ctx)
		defer engine.Stop()
	} else {
		logger.Info("reconciliation disabled, no provider endpoints configured")
	}

	tiers := make([]escalate.TierPolicy, 0, len(cfg.Escalation.Tiers))
	for _, t := range cfg.Escalation.Tiers {
		tiers = append(tiers, escalate.TierPolicy{Tier: t.Tier, Delay: t.Delay.Std()})
	}
	scheduler := escalate.New(escalate.Config{
		Store:  store,
		Bus:    eventBus,
		Logger: logger,
		Tiers:  tiers,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	dispatcher := notify.New(notify.Config{
		Store:       store,
		Bus:         eventBus,
		Logger:      logger,
		Channels:    buildChannels(cfg, logger),
		Audiences:   cfg.ChannelAudiences(),
		Workers:     cfg.Notify.Workers,
		MaxAttempts: cfg.Notify.MaxAttempts,
		Backoff:     backoff.NewExponentialJitter(cfg.Notify.BaseDelay.Std(), time.Minute),
		Tracer:      otelProvider.Tracer,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.New(gateway.Config{
			Store:             store,
			Bus:               eventBus,
			Tracker:           runTracker,
			Addr:              cfg.Gateway.Addr,
			AuthToken:         cfg.Gateway.AuthToken(),
			ConfigFingerprint: cfg.Fingerprint(),
			Logger:            logger,
			Tracer:            otelProvider.Tracer,
		})
		if err := gw.Start(); err != nil {
			logger.Error("gateway start", "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = gw.Stop(shutdownCtx)
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher start", "error", err)
	} else {
		go watchConfig(ctx, watcher, cfg.Fingerprint(), logger)
	}

	logger.Info("pipehealth running", "pipelines", len(cfg.Pipelines))
	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

// watchConfig re-validates config.yaml on change and tells the operator
// whether a restart is needed. Live application is limited to what the
// components can absorb; everything else takes effect on restart.
func watchConfig(ctx context.Context, watcher *config.Watcher, fingerprint string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			if next.Fingerprint() != fingerprint {
				logger.Warn("config changed, restart required to apply", "fingerprint", next.Fingerprint())
			} else {
				logger.Info("config reloaded, no restart-relevant changes")
			}
		}
	}
}

func buildChannels(cfg config.Config, logger *slog.Logger) []notify.Channel {
	var channels []notify.Channel
	for _, wh := range cfg.Notify.Webhooks {
		url := wh.ResolveURL()
		if url == "" {
			logger.Warn("webhook has no URL, skipping", "name", wh.Name)
			continue
		}
		channels = append(channels, notify.NewWebhookChannel(wh.Name, notify.WebhookFormat(wh.Type), url, nil))
	}
	if cfg.Notify.Telegram.Enabled {
		token := cfg.Notify.Telegram.Token()
		if token == "" {
			logger.Warn("telegram enabled but no token, skipping")
		} else {
			channels = append(channels, notify.NewTelegramChannel(token, cfg.Notify.Telegram.ChatID))
		}
	}
	if cfg.Notify.Ticket.Enabled {
		channels = append(channels, notify.NewTicketChannel("tickets", cfg.Notify.Ticket.URL, cfg.Notify.Ticket.APIKey(), &http.Client{Timeout: 15 * time.Second}))
	}
	return channels
}
