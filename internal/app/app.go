package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/luminalpark/3cx-translator/internal/eventlog"
	"github.com/luminalpark/3cx-translator/internal/httpapi"
	"github.com/luminalpark/3cx-translator/internal/provider"
	"github.com/luminalpark/3cx-translator/internal/relay"
)

type App struct {
	cfg      Config
	logger   *zap.SugaredLogger
	db       *pgxpool.Pool
	eventLog *eventlog.Logger
	provider provider.Provider
	sessions *relay.Registry
}

// NewLogger builds the production logger at the given level
// (debug, info, warn, error). Unknown levels fall back to info.
func NewLogger(level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func New(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		sessions: relay.NewRegistry(),
	}

	// The event log is optional. Without DATABASE_URL events are discarded.
	// Migrations are applied externally (migrations/*.sql).
	if cfg.DatabaseURL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(dbCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Ping(dbCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
		logger.Infof("app: event log enabled")
	}
	a.eventLog = eventlog.New(a.db)

	p, err := newProvider(ctx, cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.provider = p
	logger.Infof("app: provider %s (model=%s voice=%s)", p.Name(), p.Model(), p.Voice())

	return a, nil
}

func newProvider(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (provider.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return provider.NewOpenAI(provider.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			URL:    cfg.OpenAIURL,
			Model:  cfg.OpenAIModel,
			Voice:  cfg.OpenAIVoice,
			Logger: logger,
		}), nil
	default:
		g, err := provider.NewGemini(ctx, provider.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Voice:  cfg.GeminiVoice,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini: %w", err)
		}
		return g, nil
	}
}

// reconnectDelay is the pause before the single reconnect after a provider
// stream failure.
const reconnectDelay = 500 * time.Millisecond

// RelayConfig maps the environment onto per-session defaults.
func (a *App) RelayConfig() relay.Config {
	mode, _ := relay.ParseMode(a.cfg.TurnDetection)
	return relay.Config{
		SourceLang:       a.cfg.SourceLang,
		TargetLang:       a.cfg.TargetLang,
		Streaming:        a.cfg.Streaming,
		Mode:             mode,
		ClientRate:       a.cfg.ClientSampleRate,
		QueueSize:        a.cfg.QueueSize,
		MaxBufferSeconds: a.cfg.MaxBufferSeconds,
		ReadyTimeout:     a.cfg.ReadyTimeout,
		ResponseTimeout:  a.cfg.ResponseTimeout,
		IdleTimeout:      a.cfg.IdleTimeout,
		BatchTimeout:     a.cfg.BatchTimeout,
		PeriodicInterval: a.cfg.PeriodicInterval,
		ReconnectDelay:   reconnectDelay,
		VAD: provider.VAD{
			Threshold:       a.cfg.VADThreshold,
			PrefixPadding:   time.Duration(a.cfg.VADPrefixPaddingMs) * time.Millisecond,
			SilenceDuration: time.Duration(a.cfg.VADSilenceMs) * time.Millisecond,
		},
	}
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		AuthToken: a.cfg.AuthToken,
		JWTSecret: a.cfg.JWTSecret,
		JWTExpiry: a.cfg.JWTExpiry,
		Session:   a.RelayConfig(),
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.provider, a.eventLog, a.sessions)
}

// Sessions is the registry of live translation sessions.
func (a *App) Sessions() *relay.Registry {
	return a.sessions
}

func (a *App) Close() error {
	if a.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := a.eventLog.Flush(ctx); err != nil {
			a.logger.Warnf("app: event log flush: %v", err)
		}
		a.db.Close()
	}
	return nil
}
