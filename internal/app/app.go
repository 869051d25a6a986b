package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/cadence/internal/api"
	"github.com/foxzi/cadence/internal/automation"
	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/events"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/payment"
	"github.com/foxzi/cadence/internal/ratelimit"
	"github.com/foxzi/cadence/internal/schedule"
	"github.com/foxzi/cadence/internal/telemetry"
)

// Version is reported in traces and by the version command
var Version = "dev"

// App represents the application
type App struct {
	config *config.Config
	logger *slog.Logger

	db      *db.DB
	quotaDB *bolt.DB
	limiter *ratelimit.Limiter

	contacts   *contacts.Repository
	store      *schedule.Store
	cleaner    *schedule.Cleaner
	dispatcher *dispatch.Dispatcher
	engine     *automation.Engine
	sweeper    *automation.Sweeper
	sink       events.Sink

	whatsapp   *channel.WhatsAppSession
	reconciler *payment.Reconciler
	payments   *payment.Service
	consumer   *events.Consumer

	apiServer     *api.Server
	metrics       *metrics.Metrics
	collector     *metrics.Collector
	metricsServer *metrics.Server

	shutdownTracing func(context.Context) error
}

// New creates a new application instance
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	return &App{
		config: cfg,
		logger: logger,
	}, nil
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts the application
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.init(ctx); err != nil {
		a.close()
		return err
	}

	a.logger.Info("starting cadence",
		"name", a.config.Server.Name,
		"api", a.config.API.ListenAddr,
		"channels", a.registeredChannels(),
	)

	a.cleaner.Start(ctx)
	a.dispatcher.Start(ctx)
	a.sweeper.Start(ctx)
	if a.reconciler != nil {
		a.reconciler.Start(ctx)
	}
	if a.consumer != nil {
		a.consumer.Start(ctx)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown()
}

// init opens storage and builds every component
func (a *App) init(ctx context.Context) error {
	cfg := a.config

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	a.shutdownTracing = shutdownTracing

	a.db, err = db.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	if err := a.db.Migrate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.QuotaPath), 0755); err != nil {
		return fmt.Errorf("failed to create quota directory: %w", err)
	}
	a.quotaDB, err = bolt.Open(cfg.Storage.QuotaPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open quota storage: %w", err)
	}
	a.limiter, err = ratelimit.NewLimiter(a.quotaDB, cfg.QuotaConfig())
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	a.contacts = contacts.NewRepository(a.db.DB)
	a.store = schedule.NewStore(a.db.DB, a.logger.With("component", "schedule"))
	a.cleaner = schedule.NewCleaner(a.store, schedule.CleanerConfig{
		Retention: cfg.Storage.Retention,
		Interval:  cfg.Storage.CleanupInterval,
	}, a.logger.With("component", "cleaner"))

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
		a.collector, err = metrics.NewCollector(a.quotaDB, a.metrics, a.store, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, a.logger.With("component", "metrics"))
	}

	senders, err := a.setupChannels(ctx)
	if err != nil {
		return err
	}

	rules := automation.NewRepository(a.db.DB)
	a.engine = automation.NewEngine(a.db.DB, rules, a.store, a.logger.With("component", "automation"))
	a.sink = &activitySink{contacts: a.contacts, next: a.engine, logger: a.logger.With("component", "events")}
	a.sweeper = automation.NewSweeper(a.contacts, a.sink, automation.SweeperConfig{
		InactiveAfter: cfg.Automation.InactiveAfter,
		Interval:      cfg.Automation.SweepInterval,
	}, a.logger.With("component", "sweeper"))

	resolver := contacts.NewResolver(a.contacts)
	a.dispatcher = dispatch.New(a.store, senderConfigs(cfg), dispatch.Config{
		Workers:      cfg.Dispatch.Workers,
		PollInterval: cfg.Dispatch.PollInterval,
		BatchSize:    cfg.Dispatch.BatchSize,
		Concurrency:  cfg.Dispatch.Concurrency,
		StaleAfter:   cfg.Dispatch.StaleAfter,
		SendTimeout:  cfg.Dispatch.SendTimeout,
	}, a.logger.With("component", "dispatcher"))
	messages := dispatch.NewMessageHandler(resolver, senders)
	a.dispatcher.Handle(schedule.KindCampaign, messages)
	a.dispatcher.Handle(schedule.KindReminder, messages)
	a.dispatcher.Handle(schedule.KindRuleAction, automation.NewActionHandler(resolver, senders, a.store, a.contacts))

	if cfg.Payment.GatewayURL != "" {
		a.reconciler, a.payments = a.setupPayments()
	}

	if cfg.Events.AMQPURL != "" {
		a.consumer = events.NewConsumer(events.ConsumerConfig{
			URL:      cfg.Events.AMQPURL,
			Queue:    cfg.Events.Queue,
			Prefetch: cfg.Events.Prefetch,
		}, countedSink("amqp", a.sink), a.logger.With("component", "amqp"))
	}

	a.apiServer = api.NewServer(api.Deps{
		Store:         a.store,
		Engine:        a.engine,
		Contacts:      a.contacts,
		Events:        a.sink,
		Payments:      a.payments,
		Reconciler:    a.reconciler,
		WebhookSecret: cfg.Payment.WebhookSecret,
		Version:       Version,
	}, &cfg.API, a.logger.With("component", "api"))

	return nil
}

// setupChannels registers a sender for every enabled channel, each paced
// and counted against its persisted quota.
func (a *App) setupChannels(ctx context.Context) (*channel.Registry, error) {
	cfg := a.config.Channels
	senders := channel.NewRegistry()

	if cfg.Email.Enabled {
		email, err := channel.NewEmailSender(channel.EmailConfig{
			Host:               cfg.Email.Host,
			Port:               cfg.Email.Port,
			Username:           cfg.Email.Username,
			Password:           cfg.Email.Password,
			StartTLS:           cfg.Email.StartTLS,
			ImplicitTLS:        cfg.Email.ImplicitTLS,
			HeloName:           cfg.Email.HeloName,
			Timeout:            cfg.Email.Timeout,
			InsecureSkipVerify: cfg.Email.InsecureSkipVerify,
			DKIM: channel.DKIMConfig{
				Enabled:  cfg.Email.DKIM.Enabled,
				Domain:   cfg.Email.DKIM.Domain,
				Selector: cfg.Email.DKIM.Selector,
				KeyFile:  cfg.Email.DKIM.KeyFile,
			},
		}, a.logger.With("component", "email"))
		if err != nil {
			return nil, fmt.Errorf("failed to create email sender: %w", err)
		}
		a.register(senders, channel.Email, email)
	}

	if cfg.WhatsApp.Enabled {
		session, err := channel.OpenWhatsApp(ctx, cfg.WhatsApp.StorePath, a.logger.With("component", "whatsapp"))
		if err != nil {
			return nil, fmt.Errorf("failed to open whatsapp session: %w", err)
		}
		a.whatsapp = session
		if !session.Paired() {
			a.logger.Warn("whatsapp device is not paired, run 'cadence whatsapp pair'")
		} else if err := session.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect whatsapp: %w", err)
		}
		a.register(senders, channel.WhatsApp, channel.NewWhatsAppSender(session, a.logger.With("component", "whatsapp")))
	}

	return senders, nil
}

func (a *App) register(senders *channel.Registry, k channel.Kind, s channel.Sender) {
	perSecond, burst := a.config.Pacing(string(k))
	senders.Register(k, channel.NewThrottled(k, s, perSecond, burst, a.limiter, a.logger.With("component", "throttle")))
}

func (a *App) setupPayments() (*payment.Reconciler, *payment.Service) {
	cfg := a.config.Payment
	repo := payment.NewRepository(a.db.DB)
	gateway := payment.NewHTTPGateway(cfg.GatewayURL, cfg.APIKey)

	reconciler := payment.NewReconciler(repo, gateway, a.sink, payment.ReconcilerConfig{
		Interval:       cfg.PollInterval,
		MaxAttempts:    cfg.MaxAttempts,
		ResumeAfter:    cfg.ResumeAfter,
		ResumeInterval: cfg.ResumeInterval,
	}, a.logger.With("component", "reconciler"))

	service := payment.NewService(repo, gateway, reconciler, a.sink, payment.ServiceConfig{
		SuccessURL: cfg.SuccessURL,
		CancelURL:  cfg.CancelURL,
	}, a.logger.With("component", "checkout"))

	return reconciler, service
}

func (a *App) registeredChannels() []channel.Kind {
	var kinds []channel.Kind
	if a.config.Channels.Email.Enabled {
		kinds = append(kinds, channel.Email)
	}
	if a.config.Channels.WhatsApp.Enabled {
		kinds = append(kinds, channel.WhatsApp)
	}
	return kinds
}

// senderConfigs builds the sender identities from configuration
func senderConfigs(cfg *config.Config) *channel.StaticConfig {
	static := &channel.StaticConfig{
		Default: channel.SenderConfig{
			FromEmail: cfg.Channels.Email.From,
			FromName:  cfg.Channels.Email.FromName,
			ReplyTo:   cfg.Channels.Email.ReplyTo,
		},
		Owners: make(map[string]channel.SenderConfig, len(cfg.Channels.Owners)),
	}
	for owner, o := range cfg.Channels.Owners {
		static.Owners[owner] = channel.SenderConfig{
			OwnerID:   owner,
			FromEmail: o.From,
			FromName:  o.FromName,
			ReplyTo:   o.ReplyTo,
		}
	}
	return static
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown() error {
	a.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new work first
	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(ctx); err != nil {
			a.logger.Error("API server shutdown error", "error", err)
		}
	}
	if a.consumer != nil {
		a.consumer.Stop()
	}

	// Let in-flight dispatches finalize before storage goes away
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.cleaner != nil {
		a.cleaner.Stop()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector shutdown error", "error", err)
		}
	}

	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Error("tracing shutdown error", "error", err)
		}
	}

	a.close()

	a.logger.Info("shutdown complete")
	return nil
}

// close releases sessions and storage
func (a *App) close() {
	if a.whatsapp != nil {
		a.whatsapp.Disconnect()
	}
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("failed to persist rate limit counters", "error", err)
		}
	}
	if a.quotaDB != nil {
		if err := a.quotaDB.Close(); err != nil {
			a.logger.Error("quota storage close error", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLogger(cfg, os.Stdout)
}

// NewLogger creates a logger writing to w. The CLI uses it for commands
// that run without the full application.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
