package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"LeadNurture/internal/config"
	"LeadNurture/internal/domain"
	"LeadNurture/internal/guard"
	"LeadNurture/internal/httpapi"
	"LeadNurture/internal/infrastructure/channel"
	"LeadNurture/internal/infrastructure/llm"
	"LeadNurture/internal/infrastructure/ml"
	"LeadNurture/internal/infrastructure/scheduler"
	"LeadNurture/internal/infrastructure/storage"
	"LeadNurture/internal/infrastructure/telegram"
	"LeadNurture/internal/logging"
	"LeadNurture/internal/memory"
	"LeadNurture/internal/metrics"
	"LeadNurture/internal/ports"
	"LeadNurture/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.SQLiteRepository
	enroller  *usecase.Enroller
	monitor   *memory.Monitor
	scheduler *usecase.Scheduler
	api       *httpapi.Server
}

// New opens the store and builds every component. Close releases the store.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg.Channels, baseLogger.With("component", "channel"))
	if err != nil {
		return nil, err
	}
	if err := checkChannels(policies, registry); err != nil {
		return nil, err
	}

	store, err := storage.OpenSQLite(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	var composer ports.Composer
	if cfg.ChatGPT.APIKey != "" {
		composer = llm.NewChatGPTClient(cfg.ChatGPT)
	}
	var scorer ports.Scorer
	if cfg.ML.InferenceURL != "" {
		scorer = ml.NewClient(cfg.ML.InferenceURL, cfg.ML.APIKey)
	}
	var notifier ports.Notifier
	if cfg.Notifications.Telegram.BotToken != "" {
		n, err := telegram.NewNotifier(cfg.Notifications.Telegram)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		notifier = n
	}

	monitor, err := memory.New(memory.Config{
		Interval:          cfg.Memory.Interval.Duration,
		PauseThresholdMB:  cfg.Memory.PauseThresholdMB,
		ResumeThresholdMB: cfg.Memory.ResumeThresholdMB,
	}, memory.RuntimeSampler, baseLogger.With("component", "memory"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	clock := ports.SystemClock{}
	engine := usecase.NewEngine(usecase.EngineDeps{
		Store:       store,
		Messenger:   channel.NewRouter(registry, composer, baseLogger.With("component", "channel")),
		Clock:       clock,
		Logger:      baseLogger.With("component", "engine"),
		Policies:    policies,
		SendTimeout: cfg.Scheduler.SendTimeout.Duration,
		RunTimeout:  cfg.Scheduler.RunTimeout.Duration,
		Concurrency: cfg.Scheduler.Concurrency,
	})
	enroller := usecase.NewEnroller(store, scorer, clock, policies, baseLogger.With("component", "enroller"))

	spec := scheduler.Every(cfg.Scheduler.Interval.Duration)
	if cfg.Scheduler.CronExpression != "" {
		spec = cfg.Scheduler.CronExpression
	}
	driver := scheduler.NewCronScheduler(spec,
		scheduler.WithLocation(cfg.Scheduler.Location()),
		scheduler.WithLogger(baseLogger),
		scheduler.WithRunOnStart(cfg.Scheduler.RunOnStart),
	)

	sched := usecase.NewScheduler(usecase.SchedulerDeps{
		Driver:    driver,
		Runner:    engine,
		Enroller:  enroller,
		Guard:     guard.New(cfg.Guard.MinInterval.Duration, clock, baseLogger.With("component", "guard")),
		Memory:    monitor,
		Metrics:   metrics.NewRecorder(cfg.Scheduler.HistorySize),
		Notifier:  notifier,
		Clock:     clock,
		Logger:    baseLogger.With("component", "scheduler"),
		Campaigns: cfg.CampaignOrder(),
		Interval:  cfg.Scheduler.Interval.Duration,
		Cooldown:  cfg.Scheduler.Cooldown.Duration,
	})
	if err := sched.Validate(); err != nil {
		_ = store.Close()
		return nil, err
	}

	api := httpapi.New(cfg.HTTP.Listen, httpapi.Deps{
		Campaigns: sched,
		Sequences: engine,
		Enroller:  enroller,
		Logger:    baseLogger.With("component", "http"),
	})

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		store:     store,
		enroller:  enroller,
		monitor:   monitor,
		scheduler: sched,
		api:       api,
	}, nil
}

// newRegistry registers a sender for every channel that has settings.
func newRegistry(cfg config.ChannelsConfig, logger *slog.Logger) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	var errs []error

	if cfg.Email.Host != "" {
		sender, err := channel.NewEmail(cfg.Email)
		errs = append(errs, err)
		if err == nil {
			registry.Register(sender)
		}
	}
	if cfg.WhatsApp.Token != "" {
		sender, err := channel.NewWhatsApp(cfg.WhatsApp)
		errs = append(errs, err)
		if err == nil {
			registry.Register(sender)
		}
	}
	if cfg.Reddit.Token != "" {
		sender, err := channel.NewReddit(cfg.Reddit)
		errs = append(errs, err)
		if err == nil {
			registry.Register(sender.WithLogger(logger))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("configure channels: %w", err)
	}
	return registry, nil
}

// checkChannels fails when a campaign stage names a channel with no sender.
func checkChannels(policies map[domain.SequenceType]domain.CampaignPolicy, registry *channel.Registry) error {
	var errs []error
	for _, campaign := range domain.KnownSequenceTypes {
		policy, ok := policies[campaign]
		if !ok {
			continue
		}
		for i, stage := range policy.Stages {
			if _, err := registry.Resolve(stage.Channel); err != nil {
				errs = append(errs, fmt.Errorf("campaign %s stage %d: %w", campaign, i+1, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Serve runs the scheduler, memory monitor and HTTP API until ctx ends.
func (a *Application) Serve(ctx context.Context) error {
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}
	defer a.monitor.Stop()

	if err := a.api.Start(); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		a.stopAPI()
		return err
	}
	a.logger.Info("leadnurture started", "listen", a.cfg.HTTP.Listen, "campaigns", a.cfg.Scheduler.Campaigns)

	<-ctx.Done()
	a.logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	a.stopAPI()
	if err := a.scheduler.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}

func (a *Application) stopAPI() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.api.Stop(ctx); err != nil {
		a.logger.Warn("http api shutdown", "error", err)
	}
}

// Trigger runs one campaign through the guard, as a manual trigger would.
func (a *Application) Trigger(ctx context.Context, campaign domain.SequenceType) (usecase.TriggerResult, error) {
	a.monitor.Check()
	return a.scheduler.Trigger(ctx, campaign)
}

// Enroll runs one qualification pass for a campaign.
func (a *Application) Enroll(ctx context.Context, campaign domain.SequenceType) (usecase.EnrollResult, error) {
	return a.enroller.Enroll(ctx, campaign)
}

// Close releases the lead store.
func (a *Application) Close() error {
	return a.store.Close()
}
