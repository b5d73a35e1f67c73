package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/metrics"
)

// Sentinels stored in the text fields of degraded results.
const (
	SentinelTimeout    = "Timeout Error"
	SentinelConnection = "Connection Error"
	SentinelBlocked    = "Blocked Error"
	SentinelExtraction = "Extraction Error"
)

var sentinels = []string{SentinelTimeout, SentinelConnection, SentinelBlocked, SentinelExtraction}

// IsDegraded reports whether any value is a degraded-result sentinel.
func IsDegraded(values ...string) bool {
	for _, v := range values {
		for _, s := range sentinels {
			if strings.TrimSpace(v) == s {
				return true
			}
		}
	}
	return false
}

// RecoveryConfig bounds the controller's retries and timeouts.
type RecoveryConfig struct {
	ItemTimeout    time.Duration
	RestartTimeout time.Duration
	BlockRetries   int
	BlockBackoff   time.Duration
}

// Restarter rebuilds a browser session.
type Restarter interface {
	Navigate(ctx context.Context, url string) error
	Restart(ctx context.Context) error
}

// Controller wraps remote steps with a timeout and applies the recovery policy.
type Controller struct {
	session Restarter
	cfg     RecoveryConfig
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewController builds a Controller for the session.
func NewController(session Restarter, cfg RecoveryConfig, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		session: session,
		cfg:     cfg,
		logger:  logger,
		sleep:   Sleep,
	}
}

// Step is one network-bound extraction unit.
type Step[T any] struct {
	Name string
	Kind Kind
	// URL is loaded before every attempt when non-empty.
	URL string
	Run func(ctx context.Context) (T, error)
	// Degraded builds the placeholder returned when recovery gives up.
	Degraded func(sentinel string) T
}

// Report summarizes how a step was recovered.
type Report struct {
	Class     Classification
	Attempts  int
	Restarted bool
	Degraded  bool
	Sentinel  string
	Err       error
}

// Execute runs step under the recovery policy. It only returns an error when the
// session could not be relaunched (ErrSessionLost); other failures degrade.
func Execute[T any](ctx context.Context, c *Controller, step Step[T]) (T, Report, error) {
	var (
		report     Report
		restarted  bool
		blockTries int
	)
	log := c.logger.With(zap.String("kind", string(step.Kind)), zap.String("step", step.Name))

	degrade := func(sentinel string) (T, Report, error) {
		report.Degraded = true
		report.Sentinel = sentinel
		log.Warn("step degraded",
			zap.Int("attempts", report.Attempts),
			zap.String("classification", report.Class.String()),
			zap.String("sentinel", sentinel),
			zap.Error(report.Err),
		)
		metrics.ObserveRecovery(report.Class.String(), "degrade")
		var zero T
		if step.Degraded != nil {
			zero = step.Degraded(sentinel)
		}
		return zero, report, nil
	}

	for {
		report.Attempts++
		value, err := WithTimeout(ctx, c.cfg.ItemTimeout, step.Name, func(ctx context.Context) (T, error) {
			if step.URL != "" {
				if navErr := c.session.Navigate(ctx, step.URL); navErr != nil {
					var zero T
					return zero, navErr
				}
			}
			return step.Run(ctx)
		})
		if err == nil {
			if report.Attempts > 1 {
				log.Info("step recovered", zap.Int("attempts", report.Attempts), zap.Bool("restarted", restarted))
			}
			return value, report, nil
		}

		class := Classify(err)
		report.Class = class
		report.Err = err

		switch class {
		case BrowserFailure:
			if restarted {
				return degrade(browserSentinel(err))
			}
			log.Warn("browser failure, restarting session",
				zap.Int("attempt", report.Attempts),
				zap.String("classification", class.String()),
				zap.String("action", "restart"),
				zap.Error(err),
			)
			metrics.ObserveRecovery(class.String(), "restart")
			if restartErr := c.restart(ctx); restartErr != nil {
				var startErr *StartupError
				if errors.As(restartErr, &startErr) {
					log.Error("session relaunch failed", zap.Error(restartErr))
					var zero T
					return zero, report, fmt.Errorf("%w: %w", ErrSessionLost, restartErr)
				}
				report.Err = restartErr
				log.Warn("session restart failed", zap.Error(restartErr))
				return degrade(browserSentinel(err))
			}
			restarted = true
			report.Restarted = true
		case BlockingDetected:
			if restarted || blockTries >= c.cfg.BlockRetries {
				return degrade(SentinelBlocked)
			}
			blockTries++
			log.Warn("blocking detected, backing off",
				zap.Int("attempt", report.Attempts),
				zap.Int("block_retry", blockTries),
				zap.String("classification", class.String()),
				zap.String("action", "renavigate"),
				zap.Duration("backoff", c.cfg.BlockBackoff),
				zap.Error(err),
			)
			metrics.ObserveRecovery(class.String(), "renavigate")
			if sleepErr := c.sleep(ctx, c.cfg.BlockBackoff); sleepErr != nil {
				return degrade(SentinelBlocked)
			}
		default:
			return degrade(SentinelExtraction)
		}
	}
}

func (c *Controller) restart(ctx context.Context) error {
	_, err := WithTimeout(ctx, c.cfg.RestartTimeout, "session restart", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.session.Restart(ctx)
	})
	return err
}

func browserSentinel(err error) string {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return SentinelTimeout
	}
	return SentinelConnection
}

// WithTimeout returns at the deadline even when fn ignores its context.
// The abandoned goroutine finishes in the background.
func WithTimeout[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, &TimeoutError{Op: op, After: d}
		}
		return r.value, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, &TimeoutError{Op: op, After: d}
		}
		return zero, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
