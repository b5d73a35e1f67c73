// Package runner sequences scrape passes and schedules them in one-shot or continuous mode.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/export"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/metrics"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/probe"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/scraper"
)

// SummaryEvent is the event attribute of published run summaries.
const SummaryEvent = "run_summary"

// Session is a browser session the runner owns for one pass.
type Session interface {
	scraper.Session
	Start(ctx context.Context) error
	Close()
	Restarts() int
}

// Sink is a pass-scoped output sink whose files are uploaded after the pass.
type Sink interface {
	scraper.Sink
	Files() []string
	Close() error
}

// Publisher announces finished passes.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Prober checks the site before a browser is launched.
type Prober interface {
	Probe(ctx context.Context, url string) (probe.Result, error)
}

// Deps are the collaborators the runner wires into every pass.
// NewSession and Store are required; the rest are optional.
type Deps struct {
	NewSession    func() Session
	Store         scraper.Store
	Fingerprinter scraper.Fingerprinter
	Clock         scraper.Clock
	Detector      scraper.BlockDetector
	// NewSink opens the export tables; resume keeps rows written by an earlier pass.
	NewSink   func(resume bool) (Sink, error)
	Uploader  export.Uploader
	Publisher Publisher
	Prober    Prober
	Logger    *zap.Logger
}

// Config controls pass sequencing and scheduling.
type Config struct {
	Pipeline scraper.Config
	Recovery scraper.RecoveryConfig

	HomeAttempts    int
	HomeBackoff     time.Duration
	ListingAttempts int
	ListingBackoff  time.Duration

	Once     bool
	Interval time.Duration
	// DailyAt schedules continuous passes at HH:MM in Location instead of Interval.
	DailyAt  string
	Location *time.Location

	RetryBase              time.Duration
	MaxBackoff             time.Duration
	BackoffJitter          bool
	MaxConsecutiveFailures int

	// SessionRestarts is how many times a pass is rerun after its session is lost.
	SessionRestarts int
	SessionBackoff  time.Duration

	ResumeExport      bool
	ProbeAbortOnBlock bool
}

// Runner drives scrape passes. Latest, Healthy and Trigger are safe for concurrent use.
type Runner struct {
	cfg     Config
	deps    Deps
	backoff Backoff
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
	trigger chan struct{}

	mu        sync.Mutex
	latest    scraper.Summary
	hasLatest bool
	healthy   bool
	passes    int
}

// New validates deps and builds a Runner.
func New(cfg Config, deps Deps) (*Runner, error) {
	switch {
	case deps.NewSession == nil:
		return nil, errors.New("runner: session factory is required")
	case deps.Store == nil:
		return nil, errors.New("runner: store is required")
	case deps.Fingerprinter == nil:
		return nil, errors.New("runner: fingerprinter is required")
	case deps.Clock == nil:
		return nil, errors.New("runner: clock is required")
	}
	if cfg.HomeAttempts <= 0 {
		cfg.HomeAttempts = 3
	}
	if cfg.ListingAttempts <= 0 {
		cfg.ListingAttempts = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DailyAt != "" {
		if _, err := nextDaily(time.Now(), cfg.Location, cfg.DailyAt); err != nil {
			return nil, fmt.Errorf("runner: invalid daily time %q: %w", cfg.DailyAt, err)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		deps:    deps,
		backoff: Backoff{Base: cfg.RetryBase, Max: cfg.MaxBackoff, Jitter: cfg.BackoffJitter},
		logger:  logger.Named("runner"),
		sleep:   scraper.Sleep,
		trigger: make(chan struct{}, 1),
		healthy: true,
	}, nil
}

// Latest returns the summary of the most recent pass.
func (r *Runner) Latest() (scraper.Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.hasLatest
}

// Healthy reports false once the consecutive failure limit has been hit,
// until the next successful pass.
func (r *Runner) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy
}

// Trigger asks a continuous runner to start the next pass now.
// It returns false when a request is already queued.
func (r *Runner) Trigger() bool {
	select {
	case r.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run executes one pass in one-shot mode, otherwise loops until ctx is done.
// A canceled context ends continuous mode without error.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Once {
		_, err := r.RunPass(ctx)
		return err
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := r.RunPass(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var wait time.Duration
		switch {
		case err == nil:
			failures = 0
			wait = r.untilNext()
		case failures+1 >= r.cfg.MaxConsecutiveFailures && r.cfg.MaxConsecutiveFailures > 0:
			r.logger.Error("consecutive failure limit reached, resetting",
				zap.Int("failures", failures+1),
				zap.Error(err),
			)
			failures = 0
			r.setHealthy(false)
			wait = r.untilNext()
		default:
			failures++
			wait = r.backoff.Next(failures)
			r.logger.Warn("pass failed, backing off",
				zap.Int("failures", failures),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}
		metrics.SetConsecutiveFailures(failures)

		r.logger.Info("waiting for next pass", zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-r.trigger:
			timer.Stop()
			r.logger.Info("pass triggered")
		case <-timer.C:
		}
	}
}

func (r *Runner) untilNext() time.Duration {
	if r.cfg.DailyAt == "" {
		return r.cfg.Interval
	}
	now := r.deps.Clock.Now()
	next, err := nextDaily(now, r.cfg.Location, r.cfg.DailyAt)
	if err != nil {
		return r.cfg.Interval
	}
	return next.Sub(now)
}

// RunPass executes one pass, rerunning it with a fresh session when the
// session is lost, and records, logs and publishes the final summary.
func (r *Runner) RunPass(ctx context.Context) (scraper.Summary, error) {
	var (
		summary scraper.Summary
		err     error
	)
	for attempt := 0; ; attempt++ {
		summary, err = r.pass(ctx, attempt)
		summary.Restarts += attempt
		if err == nil || !sessionLost(err) || attempt >= r.cfg.SessionRestarts || ctx.Err() != nil {
			break
		}
		r.logger.Warn("browser session lost, rerunning pass",
			zap.String("run_id", summary.RunID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_restarts", r.cfg.SessionRestarts),
			zap.Error(err),
		)
		if serr := r.sleep(ctx, r.cfg.SessionBackoff); serr != nil {
			break
		}
	}
	r.finish(ctx, summary, err)
	return summary, err
}

func sessionLost(err error) bool {
	var startErr *scraper.StartupError
	return errors.Is(err, scraper.ErrSessionLost) || errors.As(err, &startErr)
}

func (r *Runner) finish(ctx context.Context, summary scraper.Summary, err error) {
	status := "success"
	if err != nil {
		summary.Error = err.Error()
		status = "failure"
		if ctx.Err() != nil {
			status = "interrupted"
		}
	}
	metrics.ObserveRun(status, summary.FinishedAt.Sub(summary.StartedAt))

	fields := append(summary.Fields(), zap.String("status", status))
	if err != nil {
		r.logger.Error("pass finished", append(fields, zap.Error(err))...)
	} else {
		r.logger.Info("pass finished", fields...)
	}

	if r.deps.Publisher != nil {
		pubCtx := context.WithoutCancel(ctx)
		if _, perr := r.deps.Publisher.Publish(pubCtx, SummaryEvent, summary); perr != nil {
			r.logger.Warn("publish run summary failed", zap.String("run_id", summary.RunID), zap.Error(perr))
		}
	}

	r.mu.Lock()
	r.latest = summary
	r.hasLatest = true
	if err == nil {
		r.healthy = true
	}
	r.mu.Unlock()
}

func (r *Runner) setHealthy(ok bool) {
	r.mu.Lock()
	r.healthy = ok
	r.mu.Unlock()
}

// pass runs the full sequence once on a fresh session.
func (r *Runner) pass(ctx context.Context, attempt int) (summary scraper.Summary, err error) {
	summary = scraper.Summary{RunID: uuid.NewString(), StartedAt: r.deps.Clock.Now()}
	log := r.logger.With(zap.String("run_id", summary.RunID))
	defer func() { summary.FinishedAt = r.deps.Clock.Now() }()

	if err := r.probe(ctx, log); err != nil {
		return summary, err
	}

	sink, err := r.openSink(attempt)
	if err != nil {
		return summary, err
	}
	if sink != nil {
		defer r.closeSink(ctx, log, sink, summary.RunID)
	}

	session := r.deps.NewSession()
	defer session.Close()
	defer func() { summary.Restarts = session.Restarts() }()

	log.Info("pass started", zap.Int("attempt", attempt+1))
	if err := session.Start(ctx); err != nil {
		return summary, err
	}

	pipelineDeps := scraper.Deps{
		Session:       session,
		Store:         r.deps.Store,
		Controller:    scraper.NewController(session, r.cfg.Recovery, log),
		Fingerprinter: r.deps.Fingerprinter,
		Clock:         r.deps.Clock,
		Detector:      r.deps.Detector,
		Logger:        log,
	}
	if sink != nil {
		pipelineDeps.Sink = sink
	}
	p, err := scraper.New(r.cfg.Pipeline, pipelineDeps)
	if err != nil {
		return summary, fmt.Errorf("build pipeline: %w", err)
	}

	if err := r.navigateHome(ctx, log, session); err != nil {
		return summary, err
	}
	movies, err := r.discoverMovies(ctx, log, session, p)
	if err != nil {
		return summary, err
	}
	cinemas := r.discoverCinemas(ctx, log, session, p)

	if err := p.ProcessMovies(ctx, movies, &summary.Movies); err != nil {
		return summary, err
	}
	cinemaErr := p.ProcessCinemas(ctx, cinemas, &summary.Cinemas, &summary.Showtimes)
	p.FlushShowtimes(context.WithoutCancel(ctx), &summary.Showtimes)
	if cinemaErr != nil {
		return summary, cinemaErr
	}
	p.Reconcile(ctx)
	return summary, nil
}

func (r *Runner) probe(ctx context.Context, log *zap.Logger) error {
	if r.deps.Prober == nil {
		return nil
	}
	res, err := r.deps.Prober.Probe(ctx, r.cfg.Pipeline.BaseURL)
	if err != nil {
		return fmt.Errorf("probe site: %w", err)
	}
	log.Info("site probed",
		zap.String("status", res.Status),
		zap.Int("status_code", res.StatusCode),
		zap.Duration("duration", res.Duration),
	)
	if res.Status == probe.StatusBlocked && r.cfg.ProbeAbortOnBlock {
		return &scraper.BlockedError{URL: res.URL, Signature: res.Signature}
	}
	return nil
}

func (r *Runner) openSink(attempt int) (Sink, error) {
	if r.deps.NewSink == nil {
		return nil, nil
	}
	r.mu.Lock()
	first := r.passes == 0
	r.passes++
	r.mu.Unlock()

	resume := r.cfg.ResumeExport && (first || attempt > 0)
	sink, err := r.deps.NewSink(resume)
	if err != nil {
		return nil, fmt.Errorf("open export tables: %w", err)
	}
	return sink, nil
}

func (r *Runner) closeSink(ctx context.Context, log *zap.Logger, sink Sink, runID string) {
	if err := sink.Close(); err != nil {
		log.Warn("close export tables failed", zap.Error(err))
	}
	if r.deps.Uploader == nil {
		return
	}
	uploaded, err := export.Upload(context.WithoutCancel(ctx), r.deps.Uploader, runID, sink.Files())
	if err != nil {
		log.Warn("upload export tables failed", zap.Error(err))
	}
	if len(uploaded) > 0 {
		log.Info("export tables uploaded", zap.Strings("objects", uploaded))
	}
}

// navigateHome loads the entry page with bounded attempts.
func (r *Runner) navigateHome(ctx context.Context, log *zap.Logger, session Session) error {
	home := r.cfg.Pipeline.BaseURL
	var lastErr error
	for attempt := 1; attempt <= r.cfg.HomeAttempts; attempt++ {
		if lastErr = r.navigate(ctx, session, home); lastErr == nil {
			return nil
		}
		class := scraper.Classify(lastErr)
		log.Warn("home navigation failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.HomeAttempts),
			zap.Stringer("classification", class),
			zap.Error(lastErr),
		)
		if attempt == r.cfg.HomeAttempts {
			break
		}
		if class == scraper.BrowserFailure {
			if err := r.restart(ctx, session); err != nil {
				return err
			}
		}
		if err := r.sleep(ctx, r.cfg.HomeBackoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("open home page: %w", lastErr)
}

// discoverMovies retries until the listing is non-empty. An empty listing aborts the pass.
func (r *Runner) discoverMovies(ctx context.Context, log *zap.Logger, session Session, p *scraper.Pipeline) ([]scraper.ListingEntry, error) {
	entries, err := r.discover(ctx, log, session, scraper.KindMovie, p.DiscoverMovies)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("discover movies: %w", scraper.ErrEmptyListing)
	}
	return entries, nil
}

// discoverCinemas retries like discoverMovies but never aborts the pass.
func (r *Runner) discoverCinemas(ctx context.Context, log *zap.Logger, session Session, p *scraper.Pipeline) []scraper.ListingEntry {
	entries, err := r.discover(ctx, log, session, scraper.KindCinema, p.DiscoverCinemas)
	if err != nil {
		log.Warn("cinema discovery failed, continuing with movies only", zap.Error(err))
		return nil
	}
	if len(entries) == 0 {
		log.Warn("cinema listing is empty, continuing with movies only")
	}
	return entries
}

func (r *Runner) discover(
	ctx context.Context,
	log *zap.Logger,
	session Session,
	kind scraper.Kind,
	fn func(context.Context) ([]scraper.ListingEntry, error),
) ([]scraper.ListingEntry, error) {
	log = log.With(zap.String("kind", string(kind)))
	var lastErr error
	for attempt := 1; attempt <= r.cfg.ListingAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("discover %s: %w", kind, err)
		}
		entries, err := scraper.WithTimeout(ctx, r.cfg.Recovery.ItemTimeout, "discover "+string(kind), fn)
		if err == nil && len(entries) > 0 {
			return entries, nil
		}
		lastErr = err
		class := scraper.Classify(err)
		log.Warn("listing attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.ListingAttempts),
			zap.Stringer("classification", class),
			zap.Error(err),
		)
		if attempt == r.cfg.ListingAttempts {
			break
		}

		wait := r.cfg.ListingBackoff
		switch class {
		case scraper.BrowserFailure:
			if err := r.restart(ctx, session); err != nil {
				return nil, err
			}
		case scraper.BlockingDetected:
			wait = max(wait, r.cfg.Recovery.BlockBackoff)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("discover %s: %w", kind, err)
		}
		if err := r.navigate(ctx, session, r.cfg.Pipeline.BaseURL); err != nil {
			log.Warn("reload home page failed", zap.Error(err))
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("discover %s: %w", kind, lastErr)
	}
	return nil, nil
}

// navigate loads url under the item timeout.
func (r *Runner) navigate(ctx context.Context, session Session, url string) error {
	_, err := scraper.WithTimeout(ctx, r.cfg.Recovery.ItemTimeout, "navigate "+url, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, session.Navigate(ctx, url)
	})
	return err
}

// restart relaunches the browser; a launch failure means the session is lost.
func (r *Runner) restart(ctx context.Context, session Session) error {
	restartCtx := ctx
	if r.cfg.Recovery.RestartTimeout > 0 {
		var cancel context.CancelFunc
		restartCtx, cancel = context.WithTimeout(ctx, r.cfg.Recovery.RestartTimeout)
		defer cancel()
	}
	err := session.Restart(restartCtx)
	if err == nil {
		return nil
	}
	var startErr *scraper.StartupError
	if errors.As(err, &startErr) {
		return fmt.Errorf("%w: %w", scraper.ErrSessionLost, err)
	}
	r.logger.Warn("browser restart incomplete", zap.Error(err))
	return nil
}
