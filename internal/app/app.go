package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"oraclewatch/internal/alerting"
	"oraclewatch/internal/config"
	"oraclewatch/internal/oracle"
	"oraclewatch/internal/scheduler"
	"oraclewatch/internal/service"
	"oraclewatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newSources builds the primary reflector source and, when enabled, the
// chainlink fallback.
func (a *App) newSources() (oracle.PriceSource, oracle.PriceSource) {
	primary := oracle.NewReflector(oracle.ReflectorOptions{
		BaseURL:   a.Config.Oracle.Reflector.BaseURL,
		Timeout:   a.Config.Oracle.Reflector.RequestTimeout,
		UserAgent: a.Config.Oracle.Reflector.UserAgent,
	}, a.Logger)

	var fallback oracle.PriceSource
	if a.Config.Oracle.Chainlink.Enabled {
		fallback = oracle.NewChainlink(oracle.ChainlinkOptions{
			RPCURL:  a.Config.Oracle.Chainlink.RPCURL,
			Feeds:   a.Config.Oracle.Chainlink.Feeds,
			Timeout: a.Config.Oracle.Chainlink.RequestTimeout,
		}, a.Logger)
	}

	return primary, fallback
}

func (a *App) newReader() *oracle.Reader {
	return oracle.NewReader(a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence and deviation history disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	primary, fallback := a.newSources()
	notifier := a.newNotifier()

	var priceStore storage.PriceStore
	var alertStore storage.AlertStore
	if store != nil {
		priceStore = store
		alertStore = store
	}

	svc := service.New(a.Config, sched, a.newReader(), primary, fallback, priceStore, alertStore, notifier, a.Logger)

	a.Logger.Info().Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Asset string
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
