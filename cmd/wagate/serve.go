package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wagate/internal/alert"
	"wagate/internal/api"
	"wagate/internal/bus"
	"wagate/internal/config"
	"wagate/internal/connector"
	"wagate/internal/metrics"
	"wagate/internal/session"
	"wagate/internal/store"
	"wagate/internal/webhook"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session gateway (registry + HTTP API + webhooks)",
		Long:  "Restores previously connected sessions, serves the admin API and provider webhooks, and keeps sessions alive until Ctrl+C.",
		RunE:  runServe,
	}
}

// gateway is the wired process: everything serve and pair share.
type gateway struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	events   *bus.EventBus
	inbound  *bus.InMemoryBus
	registry *session.Registry
}

func openGateway(cfg *config.Config) (*gateway, error) {
	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("channel store: %w", err)
	}

	events := bus.NewEventBus(logger)
	st.RecordTransitions(events)

	inbound := bus.New(256, logger)
	factory := connector.NewFactory(connector.FactoryConfig{
		Providers: cfg.Providers,
		Logger:    logger,
	})
	registry := session.New(session.Config{
		Store:   st,
		Factory: factory,
		Sink:    inbound,
		Events:  events,
		Session: cfg.Session,
		Logger:  logger,
	})
	return &gateway{cfg: cfg, store: st, events: events, inbound: inbound, registry: registry}, nil
}

// close stops every session within the shutdown timeout, then releases the
// store.
func (g *gateway) close() error {
	timeout := time.Duration(g.cfg.Server.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErr error
	if err := g.registry.Cleanup(ctx); err != nil {
		logger.Warn("session cleanup incomplete", "err", err)
		shutdownErr = fmt.Errorf("shutdown timed out")
	}
	g.inbound.Close()
	if err := g.store.Close(); err != nil {
		logger.Warn("close store", "err", err)
	}
	return shutdownErr
}

// drainInbound logs every normalized inbound message until the bus closes.
func drainInbound(in *bus.InMemoryBus) {
	for msg := range in.Subscribe() {
		logger.Info("inbound message",
			"channel", msg.ChannelID,
			"from", msg.Message.SenderID,
			"chat", msg.Message.RemoteID,
			"type", msg.Message.Kind,
		)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = l

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := openGateway(cfg)
	if err != nil {
		return err
	}
	go drainInbound(gw.inbound)

	var alerts *alert.Dispatcher
	if cfg.Alerts.Enabled {
		alerts = alert.NewDispatcher(alert.Config{
			Notifiers:    alert.FromConfig(cfg.Alerts, logger),
			DedupeWindow: time.Duration(cfg.Alerts.DedupeWindowSec) * time.Second,
			Logger:       logger,
		})
		alerts.Subscribe(gw.events)
	}

	srvCfg := api.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		APIKey:   cfg.Server.APIKey,
		Sessions: gw.registry,
		Channels: gw.store,
		Logger:   logger,
	}
	if cfg.Metrics.Enabled {
		collector := metrics.New()
		metrics.Subscribe(collector, gw.events)
		metrics.RegisterSessions(collector, gw.registry.GetStats)
		srvCfg.Metrics = collector.Handler()
		srvCfg.MetricsPath = cfg.Metrics.Endpoint
	}

	hub := api.NewHub(logger)
	hub.Subscribe(gw.events)
	srvCfg.Hub = hub

	srvCfg.Mounts = []api.Mount{webhook.New(webhook.Config{
		Store:        gw.store,
		Dispatcher:   gw.registry,
		Events:       gw.events,
		Secret:       cfg.Webhook.Secret,
		APIKey:       cfg.Webhook.APIKey,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Logger:       logger,
	})}
	srv := api.NewServer(srvCfg)

	if cfg.Session.LoadConnectedOnStart {
		n, err := gw.registry.LoadConnected(ctx)
		if err != nil {
			logger.Error("restore sessions failed", "err", err)
		} else {
			logger.Info("sessions restored", "count", n)
		}
	}

	logger.Info("wagate started. Press Ctrl+C to stop.", "version", version)
	serveErr := srv.Run(ctx)
	if serveErr != nil {
		logger.Error("http server stopped", "err", serveErr)
	}

	logger.Info("shutting down wagate...")
	shutdownErr := gw.close()
	if alerts != nil {
		alerts.Wait()
	}
	if serveErr != nil {
		return serveErr
	}
	if shutdownErr == nil {
		logger.Info("shutdown complete")
	}
	return shutdownErr
}
