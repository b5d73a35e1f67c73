// Package app builds the long-lived services of the scraper from configuration
// and releases them on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/api"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/browser"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/clock/system"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/config"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/detector"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/export"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/hash/md5"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/probe"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/runner"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/scraper"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/storage/gcs"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/storage/memory"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/storage/postgres"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/storage/postgrest"
)

type closer interface {
	Close() error
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

type namedCloser struct {
	name string
	c    closer
}

// App holds the services shared by the CLI commands.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   *system.Clock
	store   scraper.Store
	prober  *probe.Prober
	runner  *runner.Runner
	server  *http.Server
	closers []namedCloser
}

// New validates cfg and builds every configured service. Services built before
// a failure are released before the error is returned.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	loc, err := cfg.Site.Location()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, clock: system.New(loc)}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	store, err := a.buildStore(ctx)
	if err != nil {
		return err
	}
	a.store = store

	detect := detector.NewHeuristic(nil, nil)
	deps := runner.Deps{
		NewSession:    a.sessionFactory(),
		Store:         store,
		Fingerprinter: md5.New(),
		Clock:         a.clock,
		Detector:      detect,
		Logger:        a.logger,
	}

	if cfg.Export.Enabled {
		dir := cfg.Export.Dir
		deps.NewSink = func(resume bool) (runner.Sink, error) {
			w, err := export.Open(dir, resume)
			if err != nil {
				return nil, err
			}
			return w, nil
		}
		if cfg.Export.GCSBucket != "" {
			blobs, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Export.GCSBucket, Prefix: cfg.Export.GCSPrefix})
			if err != nil {
				return fmt.Errorf("open export bucket: %w", err)
			}
			a.track("gcs", blobs)
			deps.Uploader = blobs
			a.logger.Info("export upload enabled", zap.String("bucket", cfg.Export.GCSBucket))
		}
	}

	if cfg.PubSub.Enabled() {
		pub, err := pubsub.New(ctx, pubsub.Config{ProjectID: cfg.PubSub.ProjectID, TopicID: cfg.PubSub.TopicID})
		if err != nil {
			return fmt.Errorf("open summary topic: %w", err)
		}
		a.track("pubsub", pub)
		deps.Publisher = pub
		a.logger.Info("run summaries published", zap.String("topic", cfg.PubSub.TopicID))
	}

	a.prober = probe.New(probe.Config{
		UserAgent: cfg.Site.UserAgent,
		Timeout:   seconds(cfg.Probe.TimeoutSeconds),
	}, detect, a.logger)
	if cfg.Probe.Enabled {
		deps.Prober = a.prober
	}

	r, err := runner.New(a.runnerConfig(), deps)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}
	a.runner = r

	if cfg.Server.Enabled {
		srv := api.NewServer(r, api.Config{APIKey: cfg.Server.APIKey}, a.logger)
		a.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

func (a *App) buildStore(ctx context.Context) (scraper.Store, error) {
	sc := a.cfg.Store
	switch sc.Provider {
	case config.ProviderPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:      sc.DSN,
			Schema:   sc.Schema,
			MaxConns: sc.MaxConns,
			Timeout:  seconds(sc.TimeoutSeconds),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.track("postgres", closeFunc(func() error {
			s.Close()
			return nil
		}))
		a.logger.Info("using postgres store", zap.String("schema", sc.Schema))
		return s, nil
	case config.ProviderPostgREST:
		s, err := postgrest.New(postgrest.Config{
			URL:     sc.URL,
			Key:     sc.Key,
			Schema:  sc.Schema,
			Timeout: seconds(sc.TimeoutSeconds),
		}, a.clock.Now)
		if err != nil {
			return nil, fmt.Errorf("open postgrest store: %w", err)
		}
		a.logger.Info("using postgrest store", zap.String("url", sc.URL), zap.String("schema", sc.Schema))
		return s, nil
	case config.ProviderMemory:
		a.logger.Warn("using in-memory store; records are discarded on exit")
		return memory.NewStore(a.clock.Now), nil
	default:
		return nil, fmt.Errorf("unknown store provider: %s", sc.Provider)
	}
}

func (a *App) sessionFactory() func() runner.Session {
	b := a.cfg.Browser
	bcfg := browser.Config{
		ExecPath:         b.ExecPath,
		Headless:         b.Headless,
		NoSandbox:        b.NoSandbox,
		UserAgent:        a.cfg.Site.UserAgent,
		WindowWidth:      b.WindowWidth,
		WindowHeight:     b.WindowHeight,
		StartAttempts:    b.StartAttempts,
		StartTimeout:     seconds(b.StartTimeoutSeconds),
		SmokeTest:        b.SmokeTest,
		Settle:           a.cfg.Scrape.Settle(),
		Language:         a.cfg.Site.Language,
		LanguageToggle:   b.LanguageToggle,
		LanguageAttempts: b.LanguageAttempts,
		LanguageBackoff:  time.Duration(b.LanguageBackoffMs) * time.Millisecond,
		NavigateAttempts: b.NavigateAttempts,
		NavigateBackoff:  seconds(b.NavigateBackoffSeconds),
		RestartDelay:     seconds(b.RestartDelaySeconds),
	}
	logger := a.logger
	return func() runner.Session {
		return browser.New(bcfg, logger)
	}
}

func (a *App) runnerConfig() runner.Config {
	cfg := a.cfg
	return runner.Config{
		Pipeline: scraper.Config{
			BaseURL:         cfg.Site.BaseURL,
			Settle:          cfg.Scrape.Settle(),
			Delay:           cfg.Scrape.Delay(),
			RefreshExisting: cfg.Scrape.RefreshExisting,
			ReconcileActive: cfg.Scrape.ReconcileActive,
			ShowtimeMode:    scraper.ShowtimeMode(cfg.Scrape.ShowtimeMode),
		},
		Recovery: scraper.RecoveryConfig{
			ItemTimeout:    seconds(cfg.Scrape.ItemTimeoutSeconds),
			RestartTimeout: seconds(cfg.Scrape.RestartTimeoutSeconds),
			BlockRetries:   cfg.Scrape.BlockRetries,
			BlockBackoff:   seconds(cfg.Scrape.BlockBackoffSeconds),
		},
		HomeAttempts:           cfg.Scrape.HomeAttempts,
		HomeBackoff:            seconds(cfg.Scrape.HomeBackoffSeconds),
		ListingAttempts:        cfg.Scrape.ListingAttempts,
		ListingBackoff:         seconds(cfg.Scrape.ListingBackoffSeconds),
		Once:                   cfg.Run.Once,
		Interval:               seconds(cfg.Run.IntervalSeconds),
		DailyAt:                cfg.Run.DailyAt,
		Location:               a.clock.Location(),
		RetryBase:              seconds(cfg.Run.RetryBaseSeconds),
		MaxBackoff:             seconds(cfg.Run.MaxBackoffSeconds),
		BackoffJitter:          cfg.Run.BackoffJitter,
		MaxConsecutiveFailures: cfg.Run.MaxConsecutiveFailures,
		SessionRestarts:        cfg.Run.SessionRestarts,
		SessionBackoff:         seconds(cfg.Browser.RestartDelaySeconds),
		ResumeExport:           cfg.Export.Resume,
		ProbeAbortOnBlock:      cfg.Probe.AbortOnBlock,
	}
}

func (a *App) track(name string, c closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the configured record store.
func (a *App) Store() scraper.Store { return a.store }

// Runner returns the run coordinator.
func (a *App) Runner() *runner.Runner { return a.runner }

// Prober returns the site probe, built even when pre-pass probing is disabled.
func (a *App) Prober() *probe.Prober { return a.prober }

// BaseURL returns the scraped site's entry URL.
func (a *App) BaseURL() string { return a.cfg.Site.BaseURL }

// Run drives the coordinator and, when enabled, serves the operator API until
// the coordinator returns. A server failure stops the coordinator.
func (a *App) Run(ctx context.Context) error {
	if a.server == nil {
		return a.runner.Run(ctx)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	runErr := a.runner.Run(runCtx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-serveErr; err != nil {
		a.logger.Error("http server error", zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("serve http: %w", err)
		}
	}
	return runErr
}

// Close releases services in reverse construction order and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", nc.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
