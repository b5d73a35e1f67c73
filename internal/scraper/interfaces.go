package scraper

import (
	"context"
	"time"
)

// Store persists movies, cinemas and showtimes keyed by natural names.
// Every error returned wraps ErrStore.
type Store interface {
	FindMovieByName(ctx context.Context, name string) (Movie, bool, error)
	FindCinemaByName(ctx context.Context, name string) (Cinema, bool, error)
	ExistsByName(ctx context.Context, kind Kind, name string) (bool, error)
	UpsertMovie(ctx context.Context, movie Movie) (string, error)
	UpsertCinema(ctx context.Context, cinema Cinema) (string, error)
	InsertMovie(ctx context.Context, movie Movie) (string, error)
	InsertCinema(ctx context.Context, cinema Cinema) (string, error)
	InsertShowtimes(ctx context.Context, showtimes []Showtime) (int, error)
	DeleteShowtimesForMovie(ctx context.Context, movieID string) error
	ReconcileActive(ctx context.Context, activeNames []string) error
	ShowtimeExists(ctx context.Context, key ShowtimeKey) (bool, error)
}

// Page reads and interacts with the currently loaded document.
type Page interface {
	Click(ctx context.Context, selector string) error
	ClickNth(ctx context.Context, selector string, index int) error
	Count(ctx context.Context, selector string) (int, error)
	HTML(ctx context.Context) (string, error)
}

// Session is the browser capability the pipeline and controller consume.
type Session interface {
	Page
	Navigate(ctx context.Context, url string) error
	Restart(ctx context.Context) error
}

// Fingerprinter digests semantic fields for change detection.
type Fingerprinter interface {
	Fingerprint(fields map[string]string) string
	ShouldUpdate(current, stored string) bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// BlockDetector inspects page HTML for anti-bot challenge signatures.
type BlockDetector interface {
	Detect(html string) (signature string, blocked bool)
}

// Sink records pipeline output incrementally.
type Sink interface {
	WriteListing(kind Kind, entries []ListingEntry) error
	WriteMovieDetail(detail MovieDetail) error
	WriteCinemaDetail(detail CinemaDetail) error
	// Done reports whether the item was fully written by an earlier pass.
	Done(kind Kind, name string) bool
}

type nopSink struct{}

func (nopSink) WriteListing(Kind, []ListingEntry) error { return nil }
func (nopSink) WriteMovieDetail(MovieDetail) error      { return nil }
func (nopSink) WriteCinemaDetail(CinemaDetail) error    { return nil }
func (nopSink) Done(Kind, string) bool                  { return false }
