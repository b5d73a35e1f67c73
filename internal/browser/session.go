// Package browser owns the single automated Chrome session used by a scrape pass.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/metrics"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/scraper"
)

// State is the lifecycle state of a Manager.
type State int

// Manager states.
const (
	Uninitialized State = iota
	Starting
	Ready
	Navigating
	Closed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Navigating:
		return "navigating"
	case Closed:
		return "closed"
	default:
		return "uninitialized"
	}
}

var (
	// ErrNotReady is returned when a page operation runs without a live session.
	ErrNotReady = fmt.Errorf("session not ready: %w", scraper.ErrBrowserUnavailable)
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("browser session closed")
)

// Config controls how Chrome is launched and how pages are prepared.
type Config struct {
	ExecPath     string
	Headless     bool
	NoSandbox    bool
	UserAgent    string
	WindowWidth  int
	WindowHeight int

	StartAttempts int
	// StartTimeout is the budget of the first attempt; attempt n gets n times this.
	StartTimeout time.Duration
	SmokeTest    bool

	Settle           time.Duration
	Language         string
	LanguageToggle   string
	LanguageAttempts int
	LanguageBackoff  time.Duration

	NavigateAttempts int
	NavigateBackoff  time.Duration
	RestartDelay     time.Duration
}

// tab is the remote page capability backing a Manager.
type tab interface {
	navigate(ctx context.Context, url string) error
	attribute(ctx context.Context, selector, name string) (string, error)
	click(ctx context.Context, selector string) error
	clickNth(ctx context.Context, selector string, index int) error
	count(ctx context.Context, selector string) (int, error)
	html(ctx context.Context) (string, error)
	close() error
}

type launchFunc func(ctx context.Context, cfg Config) (tab, error)

// Manager implements scraper.Session on top of one browser tab.
// The mutex guards state only and is never held across a remote call.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	launch launchFunc
	sleep  func(context.Context, time.Duration) error

	mu       sync.Mutex
	state    State
	tab      tab
	entryURL string
	restarts int
}

// New builds a Manager that launches Chrome through chromedp.
func New(cfg Config, logger *zap.Logger) *Manager {
	return newManager(cfg, logger, launchChrome)
}

func newManager(cfg Config, logger *zap.Logger, launch launchFunc) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = 3
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.NavigateAttempts <= 0 {
		cfg.NavigateAttempts = 3
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("browser"),
		launch: launch,
		sleep:  scraper.Sleep,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restarts returns the number of completed restarts.
func (m *Manager) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

// Start launches the browser, retrying with a growing per-attempt timeout.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.state = Starting
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.StartAttempts; attempt++ {
		budget := m.cfg.StartTimeout * time.Duration(attempt)
		attemptCtx, cancel := context.WithTimeout(ctx, budget)
		t, err := m.launch(attemptCtx, m.cfg)
		cancel()
		if err == nil {
			if !m.install(t) {
				_ = t.close()
				return ErrClosed
			}
			m.logger.Info("browser started", zap.Int("attempt", attempt))
			m.smokeTest(ctx, t)
			return nil
		}
		lastErr = err
		m.logger.Warn("browser start failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.StartAttempts),
			zap.Duration("timeout", budget),
			zap.Error(err),
		)
		if attempt < m.cfg.StartAttempts {
			if err := m.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				lastErr = err
				break
			}
		}
	}

	m.mu.Lock()
	if m.state == Starting {
		m.state = Uninitialized
	}
	m.mu.Unlock()
	return &scraper.StartupError{Attempts: m.cfg.StartAttempts, Err: lastErr}
}

// install publishes a freshly launched tab unless Close won the race.
func (m *Manager) install(t tab) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return false
	}
	m.tab = t
	m.state = Ready
	return true
}

func (m *Manager) smokeTest(ctx context.Context, t tab) {
	if !m.cfg.SmokeTest {
		return
	}
	smokeCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	if err := t.navigate(smokeCtx, "about:blank"); err != nil {
		m.logger.Warn("browser smoke test failed", zap.Error(err))
	}
}

// Navigate loads url into the tab and makes sure the page shows the target language.
func (m *Manager) Navigate(ctx context.Context, url string) error {
	t, err := m.acquire(Navigating)
	if err != nil {
		return &scraper.NavigationError{URL: url, Err: err}
	}
	defer m.release(Navigating)

	if err := t.navigate(ctx, url); err != nil {
		return &scraper.NavigationError{URL: url, Err: err}
	}
	m.mu.Lock()
	m.entryURL = url
	m.mu.Unlock()

	if err := m.sleep(ctx, m.cfg.Settle); err != nil {
		return &scraper.NavigationError{URL: url, Err: err}
	}
	return m.ensureLanguage(ctx, t, url)
}

func (m *Manager) ensureLanguage(ctx context.Context, t tab, url string) error {
	want := strings.ToLower(strings.TrimSpace(m.cfg.Language))
	if want == "" {
		return nil
	}
	for attempt := 0; ; attempt++ {
		lang, err := t.attribute(ctx, "html", "lang")
		if err != nil {
			return &scraper.NavigationError{URL: url, Err: fmt.Errorf("read page language: %w", err)}
		}
		if strings.HasPrefix(strings.ToLower(lang), want) {
			return nil
		}
		if attempt >= m.cfg.LanguageAttempts {
			return &scraper.NavigationError{
				URL: url,
				Err: fmt.Errorf("%w: have %q want %q", scraper.ErrLanguageNotConverged, lang, want),
			}
		}
		m.logger.Debug("switching page language",
			zap.String("url", url),
			zap.String("lang", lang),
			zap.Int("attempt", attempt+1),
		)
		if err := t.click(ctx, m.cfg.LanguageToggle); err != nil {
			m.logger.Debug("language toggle click failed", zap.Error(err))
		}
		if err := m.sleep(ctx, m.cfg.Settle+m.cfg.LanguageBackoff); err != nil {
			return &scraper.NavigationError{URL: url, Err: err}
		}
	}
}

// Click clicks the first element matching selector.
func (m *Manager) Click(ctx context.Context, selector string) error {
	t, err := m.acquire(Ready)
	if err != nil {
		return err
	}
	return t.click(ctx, selector)
}

// ClickNth clicks the index-th element matching selector.
func (m *Manager) ClickNth(ctx context.Context, selector string, index int) error {
	t, err := m.acquire(Ready)
	if err != nil {
		return err
	}
	return t.clickNth(ctx, selector, index)
}

// Count returns the number of elements matching selector.
func (m *Manager) Count(ctx context.Context, selector string) (int, error) {
	t, err := m.acquire(Ready)
	if err != nil {
		return 0, err
	}
	return t.count(ctx, selector)
}

// HTML returns the outer HTML of the loaded document.
func (m *Manager) HTML(ctx context.Context) (string, error) {
	t, err := m.acquire(Ready)
	if err != nil {
		return "", err
	}
	return t.html(ctx)
}

// Restart tears the session down, starts a new one and reloads the last entry URL.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.tab
	entry := m.entryURL
	m.tab = nil
	m.state = Uninitialized
	m.mu.Unlock()

	m.logger.Info("restarting browser", zap.String("entry_url", entry))
	if old != nil {
		if err := old.close(); err != nil {
			m.logger.Debug("teardown error ignored", zap.Error(err))
		}
	}
	if err := m.sleep(ctx, m.cfg.RestartDelay); err != nil {
		return fmt.Errorf("restart delay: %w", err)
	}
	if err := m.Start(ctx); err != nil {
		metrics.ObserveRestart(false)
		return err
	}

	if entry != "" {
		var lastErr error
		for attempt := 1; attempt <= m.cfg.NavigateAttempts; attempt++ {
			if lastErr = m.Navigate(ctx, entry); lastErr == nil {
				break
			}
			m.logger.Warn("post-restart navigation failed", zap.Int("attempt", attempt), zap.Error(lastErr))
			if attempt < m.cfg.NavigateAttempts {
				if err := m.sleep(ctx, m.cfg.NavigateBackoff); err != nil {
					break
				}
			}
		}
		if lastErr != nil {
			metrics.ObserveRestart(false)
			var navErr *scraper.NavigationError
			if errors.As(lastErr, &navErr) {
				return navErr
			}
			return &scraper.NavigationError{URL: entry, Err: lastErr}
		}
	}

	m.mu.Lock()
	m.restarts++
	m.mu.Unlock()
	metrics.ObserveRestart(true)
	return nil
}

// Close tears the session down. It never fails and is safe to call twice.
func (m *Manager) Close() {
	m.mu.Lock()
	t := m.tab
	m.tab = nil
	m.state = Closed
	m.mu.Unlock()
	if t != nil {
		if err := t.close(); err != nil {
			m.logger.Debug("close error ignored", zap.Error(err))
		}
	}
}

func (m *Manager) acquire(next State) (tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state == Closed:
		return nil, ErrClosed
	case m.tab == nil || (m.state != Ready && m.state != Navigating):
		return nil, ErrNotReady
	}
	if next == Navigating {
		m.state = Navigating
	}
	return m.tab, nil
}

func (m *Manager) release(from State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == from {
		m.state = Ready
	}
}
