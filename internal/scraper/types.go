package scraper

import "time"

// Kind names an entity kind handled by the pipeline.
type Kind string

// Supported entity kinds.
const (
	KindMovie    Kind = "movie"
	KindCinema   Kind = "cinema"
	KindShowtime Kind = "showtime"
)

// ShowtimeMode selects how showtimes are written.
type ShowtimeMode string

const (
	// ShowtimeAppend inserts rows whose composite key is absent.
	ShowtimeAppend ShowtimeMode = "append"
	// ShowtimeReplace clears a movie's rows and re-inserts the pass's rows.
	ShowtimeReplace ShowtimeMode = "replace"
)

// ListingEntry is one item revealed by a listing menu.
type ListingEntry struct {
	Name string
	URL  string
}

// Movie is a stored movie row.
type Movie struct {
	ID          string
	Name        string
	URL         string
	Category    string
	Description string
	ContentHash string
	IsActive    bool
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Cinema is a stored cinema row.
type Cinema struct {
	ID          string
	Name        string
	URL         string
	Address     string
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Showtime is a stored screening row. The composite key is never duplicated.
type Showtime struct {
	ID        string
	MovieID   string
	CinemaID  string
	StartsAt  time.Time
	Language  string
	CreatedAt time.Time
}

// Key returns the unique identity of the showtime.
func (s Showtime) Key() ShowtimeKey {
	return ShowtimeKey{
		MovieID:  s.MovieID,
		CinemaID: s.CinemaID,
		StartsAt: s.StartsAt,
		Language: s.Language,
	}
}

// ShowtimeKey is the (movie, cinema, instant, language) tuple.
type ShowtimeKey struct {
	MovieID  string
	CinemaID string
	StartsAt time.Time
	Language string
}

// MovieDetail is the result of a movie detail extraction.
type MovieDetail struct {
	Name        string
	URL         string
	Category    string
	Description string
}

// CinemaDetail is the result of a cinema detail extraction.
type CinemaDetail struct {
	Name       string
	URL        string
	Address    string
	Screenings []Screening
}

// Screening is one (movie, language, instant) read from a cinema's date tab.
type Screening struct {
	MovieName string
	Language  string
	StartsAt  time.Time
}
