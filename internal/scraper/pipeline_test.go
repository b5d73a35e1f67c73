package scraper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const homeHTML = `<html lang="en"><body><header>
<div class="nav-item movies"><a class="dropdown-toggle">Movies</a>
  <div class="dropdown-menu">
    <a href="/m/1">Movie A</a>
    <a href="/m/2">Movie B</a>
    <a href="/m/1">Movie A</a>
    <a href="#">Coming soon</a>
  </div>
</div>
<div class="nav-item cinemas"><a class="dropdown-toggle">Cinemas</a>
  <div class="dropdown-menu"><a href="https://example.com/c/1">Cinema One</a></div>
</div>
</header></body></html>`

func moviePage(category, synopsis string) string {
	return fmt.Sprintf(`<html lang="en"><body><div class="movie-info">
<span class="category">%s</span><p class="synopsis">%s</p></div></body></html>`, category, synopsis)
}

func cinemaPage(tab int) string {
	labels := []string{"14/10 (Wed)", "15/10 (Thu)"}
	return fmt.Sprintf(`<html lang="en"><body>
<div class="cinema-info"><p class="address">1 Harbour Road,  Wan Chai</p></div>
<div class="date-selector">
  <div class="date-tab%s">%s</div>
  <div class="date-tab%s">%s</div>
</div>
<div class="showtime-list">
  <div class="movie-showing">
    <span class="movie-name">Movie B</span><span class="version">English</span>
    <span class="time">10:30</span><span class="time">19:45</span>
  </div>
  <div class="movie-showing">
    <span class="movie-name">Unknown Film</span><span class="version">Cantonese</span>
    <span class="time">12:00</span>
  </div>
</div></body></html>`, selected(tab, 0), labels[0], selected(tab, 1), labels[1])
}

func selected(tab, i int) string {
	if tab == i {
		return " selected"
	}
	return ""
}

var testNow = time.Date(2026, time.October, 14, 9, 0, 0, 0, time.FixedZone("HKT", 8*60*60))

func newTestPipeline(t *testing.T, session *fakeSession, store *fakeStore, cfg Config) *Pipeline {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://example.com"
	}
	controller := NewController(session, RecoveryConfig{ItemTimeout: time.Second, RestartTimeout: time.Second, BlockRetries: 1}, zap.NewNop())
	controller.sleep = func(context.Context, time.Duration) error { return nil }
	p, err := New(cfg, Deps{
		Session:       session,
		Store:         store,
		Controller:    controller,
		Fingerprinter: fakeFingerprinter{},
		Clock:         fakeClock{now: testNow},
		Detector:      keywordDetector{},
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

type keywordDetector struct{}

func (keywordDetector) Detect(html string) (string, bool) {
	if containsAny(html, []string{"verify you are human"}) {
		return "verify you are human", true
	}
	return "", false
}

func TestPipelineEndToEndSkipsStoredMovie(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.page("https://example.com", homeHTML)
	session.page("https://example.com/m/1", moviePage("Drama", "Old"))
	session.page("https://example.com/m/2", moviePage("Comedy", "A new story"))
	store := newFakeStore()
	store.movies["Movie A"] = Movie{ID: "movie-a", Name: "Movie A"}

	p := newTestPipeline(t, session, store, Config{})
	require.NoError(t, session.Navigate(context.Background(), "https://example.com"))

	entries, err := p.DiscoverMovies(context.Background())
	require.NoError(t, err)
	require.Equal(t, []ListingEntry{
		{Name: "Movie A", URL: "https://example.com/m/1"},
		{Name: "Movie B", URL: "https://example.com/m/2"},
	}, entries)

	var counts Counts
	require.NoError(t, p.ProcessMovies(context.Background(), entries, &counts))
	require.Equal(t, 2, counts.Processed)
	require.Equal(t, 1, counts.Skipped)
	require.Equal(t, 1, counts.Added)
	require.NotContains(t, session.navigated, "https://example.com/m/1")

	stored := store.movies["Movie B"]
	require.Equal(t, "Comedy", stored.Category)
	require.Equal(t, "A new story", stored.Description)
	require.Equal(t, fakeFingerprinter{}.Fingerprint(movieFields(MovieDetail{Name: "Movie B", Category: "Comedy", Description: "A new story"})), stored.ContentHash)
	require.True(t, stored.IsActive)
}

func TestSaveMovieUnchangedFingerprintSkipsWrite(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	p := newTestPipeline(t, newFakeSession(), store, Config{})
	detail := MovieDetail{Name: "Movie B", URL: "https://example.com/m/2", Category: "Comedy", Description: "Story"}

	first, err := p.SaveMovie(context.Background(), detail)
	require.NoError(t, err)
	require.Equal(t, OutcomeAdded, first)
	second, err := p.SaveMovie(context.Background(), detail)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, second)
	require.Equal(t, 1, store.mutations)

	detail.Description = "Story, revised"
	third, err := p.SaveMovie(context.Background(), detail)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, third)
	require.Equal(t, 2, store.mutations)
}

func TestSaveMovieDegradedNeverWrites(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	p := newTestPipeline(t, newFakeSession(), store, Config{})

	outcome, err := p.SaveMovie(context.Background(), MovieDetail{Name: "Movie C", Category: SentinelTimeout, Description: SentinelTimeout})
	require.NoError(t, err)
	require.Equal(t, OutcomeDegraded, outcome)
	require.Zero(t, store.mutations)
}

func TestProcessMoviesTimeoutDegradesWithoutWrite(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	block := make(chan struct{})
	defer close(block)
	session.pages["https://example.com/m/9"] = func(int) string {
		<-block
		return moviePage("x", "y")
	}
	store := newFakeStore()
	p := newTestPipeline(t, session, store, Config{})
	p.controller.cfg.ItemTimeout = 20 * time.Millisecond

	var counts Counts
	err := p.ProcessMovies(context.Background(), []ListingEntry{{Name: "Slow", URL: "https://example.com/m/9"}}, &counts)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Processed)
	require.Equal(t, 1, counts.Degraded)
	require.Equal(t, 1, session.restarts)
	require.Zero(t, store.mutations)
}

func TestProcessCinemasWritesShowtimesOnce(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.pages["https://example.com/c/1"] = cinemaPage
	session.tabCount = 2
	store := newFakeStore()
	store.movies["Movie B"] = Movie{ID: "movie-b", Name: "Movie B"}
	p := newTestPipeline(t, session, store, Config{})
	entries := []ListingEntry{{Name: "Cinema One", URL: "https://example.com/c/1"}}

	var counts Counts
	var shows ShowtimeCounts
	require.NoError(t, p.ProcessCinemas(context.Background(), entries, &counts, &shows))
	require.Equal(t, Counts{Processed: 1, Added: 1}, counts)
	require.Equal(t, 4, shows.Inserted)
	require.Equal(t, 2, shows.Unresolved)
	require.Len(t, store.showtimes, 4)
	require.Equal(t, "1 Harbour Road, Wan Chai", store.cinemas["Cinema One"].Address)

	key := ShowtimeKey{
		MovieID:  "movie-b",
		CinemaID: store.cinemas["Cinema One"].ID,
		StartsAt: time.Date(2026, time.October, 15, 19, 45, 0, 0, testNow.Location()),
		Language: "English",
	}
	_, ok := store.showtimes[key]
	require.True(t, ok)

	// Second pass sees every tuple already stored.
	var again ShowtimeCounts
	var counts2 Counts
	require.NoError(t, p.ProcessCinemas(context.Background(), entries, &counts2, &again))
	require.Equal(t, 1, counts2.Updated)
	require.Zero(t, again.Inserted)
	require.Equal(t, 4, again.Duplicate)
	require.Len(t, store.showtimes, 4)
}

func TestShowtimeReplaceModeFlushes(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.pages["https://example.com/c/1"] = cinemaPage
	session.tabCount = 2
	store := newFakeStore()
	store.movies["Movie B"] = Movie{ID: "movie-b", Name: "Movie B"}
	stale := Showtime{MovieID: "movie-b", CinemaID: "old", StartsAt: testNow.AddDate(0, 0, -3), Language: "English"}
	store.showtimes[stale.Key()] = stale
	p := newTestPipeline(t, session, store, Config{ShowtimeMode: ShowtimeReplace})

	var counts Counts
	var shows ShowtimeCounts
	require.NoError(t, p.ProcessCinemas(context.Background(), []ListingEntry{{Name: "Cinema One", URL: "https://example.com/c/1"}}, &counts, &shows))
	require.Zero(t, shows.Inserted)
	require.Len(t, store.showtimes, 1)

	p.FlushShowtimes(context.Background(), &shows)
	require.Equal(t, 4, shows.Inserted)
	require.Equal(t, []string{"movie-b"}, store.deleted)
	require.Len(t, store.showtimes, 4)
	_, staleLeft := store.showtimes[stale.Key()]
	require.False(t, staleLeft)
}

func TestDiscoverEmptyListing(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.page("https://example.com", `<html><body><p>nothing here</p></body></html>`)
	p := newTestPipeline(t, session, newFakeStore(), Config{})
	require.NoError(t, session.Navigate(context.Background(), "https://example.com"))

	entries, err := p.DiscoverCinemas(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)

	session.page("https://example.com", `<html><body><h1>Please verify you are human</h1></body></html>`)
	_, err = p.DiscoverMovies(context.Background())
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, BlockingDetected, Classify(err))
}

func TestReconcileSkipsEmptyActiveSet(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	session.page("https://example.com", homeHTML)
	store := newFakeStore()
	p := newTestPipeline(t, session, store, Config{ReconcileActive: true})

	p.Reconcile(context.Background())
	require.Empty(t, store.reconciled)

	require.NoError(t, session.Navigate(context.Background(), "https://example.com"))
	_, err := p.DiscoverMovies(context.Background())
	require.NoError(t, err)
	p.Reconcile(context.Background())
	require.Equal(t, [][]string{{"Movie A", "Movie B"}}, store.reconciled)
}

func TestProcessMoviesStopsWhenCanceled(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	p := newTestPipeline(t, newFakeSession(), store, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var counts Counts
	err := p.ProcessMovies(ctx, []ListingEntry{{Name: "A", URL: "https://example.com/m/1"}}, &counts)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, counts.Processed)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "https://example.com"}, Deps{})
	require.Error(t, err)

	_, err = New(Config{BaseURL: "not a url"}, Deps{
		Session:       newFakeSession(),
		Store:         newFakeStore(),
		Fingerprinter: fakeFingerprinter{},
		Clock:         fakeClock{},
	})
	require.Error(t, err)
}

func TestScreeningsOnLogsUnparseableTimes(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &fakeSession{}, newFakeStore(), Config{})
	core, logs := observer.New(zapcore.WarnLevel)
	p.logger = zap.New(core)

	date := time.Date(2026, time.October, 15, 0, 0, 0, 0, testNow.Location())
	got := p.screeningsOn(date, []showing{{movie: "Movie A", language: "English", times: []string{"10:30", "25:99"}}})
	require.Len(t, got, 1)
	require.Equal(t, 10, got[0].StartsAt.Hour())

	entries := logs.FilterMessage("showtime unparseable").All()
	require.Len(t, entries, 1)
	require.Equal(t, "25:99", entries[0].ContextMap()["time"])
}
