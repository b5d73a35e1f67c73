package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/detector"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/export"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/hash/md5"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/probe"
	pubmemory "github.com/JakeFAU/cinema-showtime-scraper/internal/publisher/memory"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/scraper"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/storage/memory"
)

const baseURL = "https://example.com"

var testNow = time.Date(2026, time.October, 14, 12, 0, 0, 0, time.FixedZone("HKT", 8*3600))

const homeHTML = `<html lang="en"><body><header>
<div class="nav-item movies"><a class="dropdown-toggle">Movies</a>
  <div class="dropdown-menu"><a href="/m/1">Movie A</a><a href="/m/2">Movie B</a></div>
</div>
<div class="nav-item cinemas"><a class="dropdown-toggle">Cinemas</a>
  <div class="dropdown-menu"><a href="/c/1">Cinema One</a></div>
</div>
</header></body></html>`

const emptyHomeHTML = `<html lang="en"><body><header></header></body></html>`

const movieHTML = `<html lang="en"><body><div class="movie-info">
<span class="category">Drama</span><p class="synopsis">A story</p></div></body></html>`

const cinemaHTML = `<html lang="en"><body>
<div class="cinema-info"><p class="address">1 Harbour Road</p></div>
<div class="date-selector"><div class="date-tab selected">15/10 (Thu)</div></div>
<div class="showtime-list">
  <div class="movie-showing">
    <span class="movie-name">Movie A</span><span class="version">English</span>
    <span class="time">10:30</span><span class="time">19:45</span>
  </div>
  <div class="movie-showing">
    <span class="movie-name">Unknown Film</span><span class="version">Cantonese</span>
    <span class="time">12:00</span>
  </div>
</div></body></html>`

type fakeClock struct{}

func (fakeClock) Now() time.Time { return testNow }

type fakeSession struct {
	mu        sync.Mutex
	pages     map[string]string
	startErr  error
	navErrs   []error
	current   string
	restarts  int
	closed    bool
	navigated []string
	// stallNavs and stallHTML make the next calls block until ctx is done.
	stallNavs int
	stallHTML int
}

func (s *fakeSession) stall(counter *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *counter == 0 {
		return false
	}
	*counter--
	return true
}

func newFakeSession(home string) *fakeSession {
	return &fakeSession{pages: map[string]string{
		baseURL:          home,
		baseURL + "/m/1": movieHTML,
		baseURL + "/m/2": movieHTML,
		baseURL + "/c/1": cinemaHTML,
	}}
}

func (s *fakeSession) Start(context.Context) error { return s.startErr }

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSession) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	if s.stall(&s.stallNavs) {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigated = append(s.navigated, url)
	if len(s.navErrs) > 0 {
		err := s.navErrs[0]
		s.navErrs = s.navErrs[1:]
		if err != nil {
			return err
		}
	}
	s.current = url
	return nil
}

func (s *fakeSession) Restart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return nil
}

func (s *fakeSession) Click(context.Context, string) error         { return nil }
func (s *fakeSession) ClickNth(context.Context, string, int) error { return nil }

func (s *fakeSession) Count(_ context.Context, selector string) (int, error) {
	if selector == scraper.DefaultSelectors.DateTabs {
		return 1, nil
	}
	return 0, nil
}

func (s *fakeSession) HTML(ctx context.Context) (string, error) {
	if s.stall(&s.stallHTML) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if html, ok := s.pages[s.current]; ok {
		return html, nil
	}
	return "<html><body></body></html>", nil
}

func (s *fakeSession) homeLoads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.navigated {
		if u == baseURL {
			n++
		}
	}
	return n
}

type stubProber struct {
	result probe.Result
}

func (p stubProber) Probe(_ context.Context, url string) (probe.Result, error) {
	res := p.result
	res.URL = url
	return res, nil
}

func testConfig() Config {
	return Config{
		Pipeline:               scraper.Config{BaseURL: baseURL, ReconcileActive: true},
		HomeAttempts:           2,
		ListingAttempts:        2,
		Once:                   true,
		RetryBase:              time.Millisecond,
		MaxBackoff:             5 * time.Millisecond,
		MaxConsecutiveFailures: 2,
		SessionRestarts:        1,
	}
}

func newTestRunner(t *testing.T, cfg Config, deps Deps) *Runner {
	t.Helper()
	if deps.Store == nil {
		deps.Store = memory.NewStore(fakeClock{}.Now)
	}
	deps.Fingerprinter = md5.New()
	deps.Clock = fakeClock{}
	deps.Detector = detector.NewHeuristic(nil, nil)
	deps.Logger = zap.NewNop()
	r, err := New(cfg, deps)
	require.NoError(t, err)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func sessions(list ...*fakeSession) (func() Session, *atomic.Int32) {
	var n atomic.Int32
	return func() Session {
		i := int(n.Add(1)) - 1
		if i >= len(list) {
			i = len(list) - 1
		}
		return list[i]
	}, &n
}

func TestRunPassScrapesMoviesCinemasAndShowtimes(t *testing.T) {
	t.Parallel()

	session := newFakeSession(homeHTML)
	newSession, _ := sessions(session)
	store := memory.NewStore(fakeClock{}.Now)
	pub := pubmemory.New()
	blobs := memory.NewBlobStore()
	dir := t.TempDir()

	r := newTestRunner(t, testConfig(), Deps{
		NewSession: newSession,
		Store:      store,
		Publisher:  pub,
		Uploader:   blobs,
		NewSink: func(resume bool) (Sink, error) {
			return export.Open(dir, resume)
		},
	})

	summary, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	require.Equal(t, 2, summary.Movies.Processed)
	require.Equal(t, 2, summary.Movies.Added)
	require.Equal(t, 1, summary.Cinemas.Added)
	require.Equal(t, 2, summary.Showtimes.Inserted)
	require.Equal(t, 1, summary.Showtimes.Unresolved)
	require.True(t, session.closed)

	movie, ok, err := store.FindMovieByName(context.Background(), "Movie A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Drama", movie.Category)
	require.True(t, movie.IsActive)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, SummaryEvent, msgs[0].Topic)
	var published scraper.Summary
	require.NoError(t, json.Unmarshal(msgs[0].Data, &published))
	require.Equal(t, summary.RunID, published.RunID)

	_, ok = blobs.Object(summary.RunID + "/" + export.MovieDetailsFile)
	require.True(t, ok)

	latest, ok := r.Latest()
	require.True(t, ok)
	require.Equal(t, summary.RunID, latest.RunID)
	require.True(t, r.Healthy())
}

func TestRunPassSkipsStoredMovies(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(fakeClock{}.Now)
	_, err := store.InsertMovie(context.Background(), scraper.Movie{Name: "Movie A"})
	require.NoError(t, err)

	newSession, _ := sessions(newFakeSession(homeHTML))
	r := newTestRunner(t, testConfig(), Deps{NewSession: newSession, Store: store})

	summary, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Movies.Skipped)
	require.Equal(t, 1, summary.Movies.Added)
}

func TestRunPassAbortsOnEmptyMovieListing(t *testing.T) {
	t.Parallel()

	session := newFakeSession(emptyHomeHTML)
	newSession, _ := sessions(session)
	r := newTestRunner(t, testConfig(), Deps{NewSession: newSession})

	summary, err := r.RunPass(context.Background())
	require.ErrorIs(t, err, scraper.ErrEmptyListing)
	require.Equal(t, 2, session.homeLoads())
	require.Zero(t, summary.Movies.Processed)

	latest, ok := r.Latest()
	require.True(t, ok)
	require.Contains(t, latest.Error, "listing is empty")
}

func TestRunPassRetriesHomeNavigation(t *testing.T) {
	t.Parallel()

	session := newFakeSession(homeHTML)
	session.navErrs = []error{&scraper.NavigationError{URL: baseURL, Err: errors.New("net::ERR_CONNECTION_RESET")}}
	newSession, _ := sessions(session)
	r := newTestRunner(t, testConfig(), Deps{NewSession: newSession})

	summary, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, session.Restarts())
	require.Equal(t, 1, summary.Restarts)
}

func TestRunPassRestartsAfterStalledHomeNavigation(t *testing.T) {
	t.Parallel()

	session := newFakeSession(homeHTML)
	session.stallNavs = 1
	newSession, _ := sessions(session)
	cfg := testConfig()
	cfg.Recovery.ItemTimeout = 50 * time.Millisecond
	r := newTestRunner(t, cfg, Deps{NewSession: newSession})

	start := time.Now()
	summary, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 2, summary.Movies.Added)
	require.Equal(t, 1, session.Restarts())
}

func TestRunPassRestartsAfterStalledListingRead(t *testing.T) {
	t.Parallel()

	session := newFakeSession(homeHTML)
	session.stallHTML = 1
	newSession, _ := sessions(session)
	cfg := testConfig()
	cfg.Recovery.ItemTimeout = 50 * time.Millisecond
	r := newTestRunner(t, cfg, Deps{NewSession: newSession})

	start := time.Now()
	summary, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 2, summary.Movies.Added)
	require.Equal(t, 1, session.Restarts())
}

func TestRunPassGivesUpOnUnreachableHome(t *testing.T) {
	t.Parallel()

	session := newFakeSession(homeHTML)
	navErr := &scraper.NavigationError{URL: baseURL, Err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	session.navErrs = []error{navErr, navErr}
	newSession, _ := sessions(session)
	r := newTestRunner(t, testConfig(), Deps{NewSession: newSession})

	_, err := r.RunPass(context.Background())
	var target *scraper.NavigationError
	require.ErrorAs(t, err, &target)
	require.Contains(t, err.Error(), "open home page")
}

func TestRunPassRerunsAfterStartupFailure(t *testing.T) {
	t.Parallel()

	broken := newFakeSession(homeHTML)
	broken.startErr = &scraper.StartupError{Attempts: 3, Err: errors.New("chrome not found")}
	healthy := newFakeSession(homeHTML)
	newSession, created := sessions(broken, healthy)
	r := newTestRunner(t, testConfig(), Deps{NewSession: newSession})

	summary, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), created.Load())
	require.Equal(t, 1, summary.Restarts)
	require.Equal(t, 2, summary.Movies.Added)
	require.True(t, broken.closed)
}

func TestRunPassStopsAfterSessionRestarts(t *testing.T) {
	t.Parallel()

	broken := newFakeSession(homeHTML)
	broken.startErr = &scraper.StartupError{Attempts: 3, Err: errors.New("chrome not found")}
	newSession, created := sessions(broken)
	r := newTestRunner(t, testConfig(), Deps{NewSession: newSession})

	_, err := r.RunPass(context.Background())
	var startErr *scraper.StartupError
	require.ErrorAs(t, err, &startErr)
	require.Equal(t, int32(2), created.Load())
}

func TestRunPassAbortsWhenProbeSeesBlock(t *testing.T) {
	t.Parallel()

	newSession, created := sessions(newFakeSession(homeHTML))
	cfg := testConfig()
	cfg.ProbeAbortOnBlock = true
	r := newTestRunner(t, cfg, Deps{
		NewSession: newSession,
		Prober:     stubProber{result: probe.Result{Status: probe.StatusBlocked, Signature: "captcha"}},
	})

	_, err := r.RunPass(context.Background())
	var blocked *scraper.BlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, "captcha", blocked.Signature)
	require.Zero(t, created.Load())
}

func TestRunPassIgnoresProbeBlockByDefault(t *testing.T) {
	t.Parallel()

	newSession, _ := sessions(newFakeSession(homeHTML))
	r := newTestRunner(t, testConfig(), Deps{
		NewSession: newSession,
		Prober:     stubProber{result: probe.Result{Status: probe.StatusBlocked}},
	})

	_, err := r.RunPass(context.Background())
	require.NoError(t, err)
}

func TestRunPassToleratesPublishFailure(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	pub.FailWith(errors.New("topic gone"))
	newSession, _ := sessions(newFakeSession(homeHTML))
	r := newTestRunner(t, testConfig(), Deps{NewSession: newSession, Publisher: pub})

	_, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.Empty(t, pub.Messages())
}

func TestResumeOnlyOnFirstPass(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var resumes []bool
	newSession, _ := sessions(newFakeSession(homeHTML))
	cfg := testConfig()
	cfg.ResumeExport = true
	dir := t.TempDir()
	r := newTestRunner(t, cfg, Deps{
		NewSession: newSession,
		NewSink: func(resume bool) (Sink, error) {
			mu.Lock()
			resumes = append(resumes, resume)
			mu.Unlock()
			return export.Open(dir, resume)
		},
	})

	_, err := r.RunPass(context.Background())
	require.NoError(t, err)
	_, err = r.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, resumes)
}

func TestRunOnceReturnsPassError(t *testing.T) {
	t.Parallel()

	newSession, _ := sessions(newFakeSession(emptyHomeHTML))
	r := newTestRunner(t, testConfig(), Deps{NewSession: newSession})
	require.ErrorIs(t, r.Run(context.Background()), scraper.ErrEmptyListing)
}

func TestRunContinuousHonorsTriggerAndCancel(t *testing.T) {
	t.Parallel()

	newSession, created := sessions(newFakeSession(homeHTML))
	cfg := testConfig()
	cfg.Once = false
	cfg.Interval = time.Hour
	r := newTestRunner(t, cfg, Deps{NewSession: newSession})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return created.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := r.Latest()
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, r.Trigger())
	require.Eventually(t, func() bool { return created.Load() == 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunContinuousMarksUnhealthyAfterFailureLimit(t *testing.T) {
	t.Parallel()

	newSession, created := sessions(newFakeSession(emptyHomeHTML))
	cfg := testConfig()
	cfg.Once = false
	cfg.Interval = time.Millisecond
	r := newTestRunner(t, cfg, Deps{NewSession: newSession})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return !r.Healthy() }, 5*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, created.Load(), int32(2))

	cancel()
	require.NoError(t, <-done)
}

func TestTriggerQueuesOnce(t *testing.T) {
	t.Parallel()

	newSession, _ := sessions(newFakeSession(homeHTML))
	r := newTestRunner(t, testConfig(), Deps{NewSession: newSession})
	require.True(t, r.Trigger())
	require.False(t, r.Trigger())
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.EqualError(t, err, "runner: session factory is required")

	newSession, _ := sessions(newFakeSession(homeHTML))
	_, err = New(Config{DailyAt: "25:99"}, Deps{
		NewSession:    newSession,
		Store:         memory.NewStore(nil),
		Fingerprinter: md5.New(),
		Clock:         fakeClock{},
	})
	require.ErrorContains(t, err, "invalid daily time")
}
