package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/chain"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/decision"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/events"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/failure"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/history"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostcfg"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/httpapi"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/ledger"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/logging"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/metrics"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/plugin"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/ratelimit"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/switcher"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/tracing"
)

// Server wires the full daemon: budget components, hook plugin, HTTP surface,
// the chain file watcher, and the midnight rollover sweep.
type Server struct {
	cfg Config

	r *chi.Mux

	registry *chain.Registry
	ledger   *ledger.Ledger
	legacy   *ledger.LegacyLedger
	switcher *switcher.Switcher
	plugin   *plugin.Plugin
	archive  *history.Archive

	watcher      *chain.Watcher
	cron         *cron.Cron
	limiter      *ratelimit.Limiter
	traceCleanup func(context.Context) error

	logger *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "budgetchaind",
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Admin-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	registry, err := chain.Load(cfg.ChainPath())
	if err != nil {
		return nil, err
	}

	led := ledger.New(cfg.LedgerPath(), registry)
	legacy := ledger.NewLegacy(cfg.LegacyPath(), cfg.DailyBudgetUSD)
	failures := failure.NewTracker(cfg.FailurePath())

	engine := decision.NewEngine(registry, led, failures, logger)
	engine.FailureThreshold = cfg.FailureThreshold
	engine.AdvisoryRouting = cfg.AdvisoryRouting
	engine.DisableOptimize = cfg.DisableOptimize
	engine.Local = cfg.LocalModels

	patcher := hostcfg.New(cfg.HostConfigPath, cfg.RestartCmd, logger)
	sw := switcher.New(cfg.SwitcherPath(), cfg.OllamaURL, patcher, logger)

	var archive *history.Archive
	if cfg.HistoryDSN != "" {
		archive, err = history.Open(cfg.HistoryDSN)
		if err != nil {
			return nil, err
		}
		if err := archive.Migrate(context.Background()); err != nil {
			_ = archive.Close()
			return nil, err
		}
		logger.Info("history archive ready", slog.String("dsn", cfg.HistoryDSN))
	}

	m := metrics.New()
	bus := events.NewBus()

	var limiter *ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst,
			ratelimit.WithCounter(m.RateLimitedTotal))
		r.Use(limiter.Middleware)
	}

	p := plugin.New(plugin.Options{
		Logger:            logger,
		ChainMode:         cfg.UseChainMode,
		Registry:          registry,
		Ledger:            led,
		Legacy:            legacy,
		Failures:          failures,
		Engine:            engine,
		Patcher:           patcher,
		Switcher:          sw,
		Metrics:           m,
		Archive:           archive,
		Bus:               bus,
		SessionsDir:       cfg.SessionsDir,
		SessionKey:        cfg.SessionKey,
		TruncationEnabled: cfg.TruncationEnabled,
		ContextMaxTokens:  cfg.ContextMaxTokens,
		ContextKeepRecent: cfg.ContextKeepRecent,
	})

	admin, err := httpapi.NewAdminToken(cfg.AdminToken, cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		r:            r,
		registry:     registry,
		ledger:       led,
		legacy:       legacy,
		switcher:     sw,
		plugin:       p,
		archive:      archive,
		limiter:      limiter,
		traceCleanup: shutdownTracing,
		logger:       logger,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Logger:    logger,
		ChainMode: cfg.UseChainMode,
		Plugin:    p,
		Registry:  registry,
		Ledger:    led,
		Legacy:    legacy,
		Switcher:  sw,
		Metrics:   m,
		Archive:   archive,
		Bus:       bus,
		Admin:     admin,
	})

	if cfg.UseChainMode {
		watcher, err := chain.Watch(registry, logger)
		if err != nil {
			logger.Warn("chain file watcher unavailable", slog.Any("error", err))
		} else {
			s.watcher = watcher
		}
	}

	s.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc("0 0 * * *", s.rolloverSweep); err != nil {
		return nil, err
	}
	s.cron.Start()

	logger.Info("budgetchaind configured",
		slog.Bool("chain_mode", cfg.UseChainMode),
		slog.String("data_dir", cfg.DataDir),
		slog.String("host_config", cfg.HostConfigPath))
	return s, nil
}

// rolloverSweep forces the daily reset at midnight UTC instead of waiting for
// the next turn, so the restore-to-original-model path runs promptly.
func (s *Server) rolloverSweep() {
	var wasReset bool
	var err error
	if s.cfg.UseChainMode {
		_, wasReset, err = s.ledger.LoadWithStatus()
	} else {
		_, wasReset, err = s.legacy.Load()
	}
	if err != nil {
		s.logger.Error("rollover sweep failed", slog.Any("error", err))
		return
	}
	if !wasReset {
		return
	}
	s.logger.Info("midnight rollover: budget reset")
	if err := s.switcher.RestoreIfHealthy(true); err != nil {
		s.logger.Error("rollover restore failed", slog.Any("error", err))
	}
}

func (s *Server) Router() http.Handler { return s.r }

// ReloadChain re-reads the provider chain declaration from disk. Wired to
// SIGHUP so operators can edit the chain without a restart.
func (s *Server) ReloadChain() error {
	if !s.cfg.UseChainMode {
		return nil
	}
	return s.registry.Reload()
}

// Plugin exposes the hook facade for in-process embedding.
func (s *Server) Plugin() *plugin.Plugin { return s.plugin }

func (s *Server) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.traceCleanup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.traceCleanup(ctx)
	}
	if s.archive != nil {
		return s.archive.Close()
	}
	return nil
}
