// Package postgrest implements scraper.Store against a hosted PostgREST API.
package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/scraper"
)

// Config describes the hosted endpoint.
type Config struct {
	URL     string
	Key     string
	Schema  string
	Timeout time.Duration
}

// Store talks to <URL>/rest/v1 with the project's API key.
type Store struct {
	client *resty.Client
	now    func() time.Time
}

var _ scraper.Store = (*Store)(nil)

type movieRow struct {
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Category    string     `json:"category"`
	Description string     `json:"description"`
	ContentHash string     `json:"content_hash"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

type cinemaRow struct {
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Address     string     `json:"address"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

type showtimeRow struct {
	ID        string    `json:"id,omitempty"`
	MovieID   string    `json:"movie_id"`
	CinemaID  string    `json:"cinema_id"`
	StartsAt  time.Time `json:"starts_at"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds a Store. now stamps created_at and last_updated; nil means time.Now.
func New(cfg Config, now func() time.Time) (*Store, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, fmt.Errorf("store.url and store.key are required")
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")+"/rest/v1").
		SetTimeout(timeout).
		SetHeader("apikey", cfg.Key).
		SetAuthToken(cfg.Key).
		SetHeader("Accept-Profile", schema).
		SetHeader("Content-Profile", schema).
		SetHeader("Content-Type", "application/json")
	return &Store{client: client, now: now}, nil
}

func (s *Store) do(ctx context.Context, op, method, path string, query map[string]string, body any, prefer string, out any) error {
	req := s.client.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if prefer != "" {
		req.SetHeader("Prefer", prefer)
	}
	res, err := req.Execute(method, path)
	if err != nil {
		return scraper.StoreError(op, err)
	}
	if res.IsError() {
		return scraper.StoreError(op, fmt.Errorf("postgrest %s %s: status %d: %s",
			method, path, res.StatusCode(), strings.TrimSpace(res.String())))
	}
	if out != nil && len(res.Body()) > 0 {
		if err := json.Unmarshal(res.Body(), out); err != nil {
			return scraper.StoreError(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func eq(v string) string { return "eq." + v }

// inList renders a PostgREST in.(...) operand with every value double-quoted.
func inList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `"`, `\"`)
		quoted[i] = `"` + v + `"`
	}
	return "(" + strings.Join(quoted, ",") + ")"
}

func (s *Store) findMovie(ctx context.Context, name string) (movieRow, bool, error) {
	var rows []movieRow
	err := s.do(ctx, "find movie", http.MethodGet, "/movies",
		map[string]string{"select": "*", "name": eq(name)}, nil, "", &rows)
	if err != nil || len(rows) == 0 {
		return movieRow{}, false, err
	}
	return rows[0], true, nil
}

func (s *Store) findCinema(ctx context.Context, name string) (cinemaRow, bool, error) {
	var rows []cinemaRow
	err := s.do(ctx, "find cinema", http.MethodGet, "/cinemas",
		map[string]string{"select": "*", "name": eq(name)}, nil, "", &rows)
	if err != nil || len(rows) == 0 {
		return cinemaRow{}, false, err
	}
	return rows[0], true, nil
}

// FindMovieByName returns the movie stored under name.
func (s *Store) FindMovieByName(ctx context.Context, name string) (scraper.Movie, bool, error) {
	row, ok, err := s.findMovie(ctx, name)
	if !ok || err != nil {
		return scraper.Movie{}, false, err
	}
	return row.toMovie(), true, nil
}

// FindCinemaByName returns the cinema stored under name.
func (s *Store) FindCinemaByName(ctx context.Context, name string) (scraper.Cinema, bool, error) {
	row, ok, err := s.findCinema(ctx, name)
	if !ok || err != nil {
		return scraper.Cinema{}, false, err
	}
	return row.toCinema(), true, nil
}

// ExistsByName reports whether a movie or cinema row carries name.
func (s *Store) ExistsByName(ctx context.Context, kind scraper.Kind, name string) (bool, error) {
	var table string
	switch kind {
	case scraper.KindMovie:
		table = "/movies"
	case scraper.KindCinema:
		table = "/cinemas"
	default:
		return false, scraper.StoreError("exists by name", fmt.Errorf("unsupported kind %q", kind))
	}
	var rows []struct {
		ID string `json:"id"`
	}
	err := s.do(ctx, "exists by name", http.MethodGet, table,
		map[string]string{"select": "id", "name": eq(name), "limit": "1"}, nil, "", &rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// UpsertMovie updates the row keyed by name or inserts it, returning its id.
func (s *Store) UpsertMovie(ctx context.Context, m scraper.Movie) (string, error) {
	existing, ok, err := s.findMovie(ctx, m.Name)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.InsertMovie(ctx, m)
	}
	now := s.now()
	row := movieFromDomain(m)
	row.LastUpdated = &now
	return s.writeOne(ctx, "update movie", http.MethodPatch, "/movies",
		map[string]string{"id": eq(existing.ID)}, row)
}

// UpsertCinema updates the row keyed by name or inserts it, returning its id.
func (s *Store) UpsertCinema(ctx context.Context, c scraper.Cinema) (string, error) {
	existing, ok, err := s.findCinema(ctx, c.Name)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.InsertCinema(ctx, c)
	}
	now := s.now()
	row := cinemaFromDomain(c)
	row.LastUpdated = &now
	return s.writeOne(ctx, "update cinema", http.MethodPatch, "/cinemas",
		map[string]string{"id": eq(existing.ID)}, row)
}

// InsertMovie inserts a new movie row.
func (s *Store) InsertMovie(ctx context.Context, m scraper.Movie) (string, error) {
	now := s.now()
	row := movieFromDomain(m)
	row.CreatedAt = &now
	return s.writeOne(ctx, "insert movie", http.MethodPost, "/movies", nil, row)
}

// InsertCinema inserts a new cinema row.
func (s *Store) InsertCinema(ctx context.Context, c scraper.Cinema) (string, error) {
	now := s.now()
	row := cinemaFromDomain(c)
	row.CreatedAt = &now
	return s.writeOne(ctx, "insert cinema", http.MethodPost, "/cinemas", nil, row)
}

func (s *Store) writeOne(ctx context.Context, op, method, path string, query map[string]string, body any) (string, error) {
	var rows []struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, op, method, path, query, body, "return=representation", &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", scraper.StoreError(op, fmt.Errorf("no row returned"))
	}
	return rows[0].ID, nil
}

// InsertShowtimes bulk inserts rows, ignoring duplicates of the composite key,
// and returns how many rows the server reports as written.
func (s *Store) InsertShowtimes(ctx context.Context, rows []scraper.Showtime) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	now := s.now()
	body := make([]showtimeRow, len(rows))
	for i, r := range rows {
		body[i] = showtimeRow{
			MovieID:   r.MovieID,
			CinemaID:  r.CinemaID,
			StartsAt:  r.StartsAt,
			Language:  r.Language,
			CreatedAt: now,
		}
	}
	var written []struct {
		ID string `json:"id"`
	}
	err := s.do(ctx, "insert showtimes", http.MethodPost, "/showtimes",
		map[string]string{"on_conflict": "movie_id,cinema_id,starts_at,language"},
		body, "return=representation,resolution=ignore-duplicates", &written)
	if err != nil {
		return 0, err
	}
	return len(written), nil
}

// DeleteShowtimesForMovie removes every showtime of movieID.
func (s *Store) DeleteShowtimesForMovie(ctx context.Context, movieID string) error {
	return s.do(ctx, "delete showtimes", http.MethodDelete, "/showtimes",
		map[string]string{"movie_id": eq(movieID)}, nil, "", nil)
}

// ReconcileActive marks listed names active and every other movie inactive.
// An empty list marks every movie inactive.
func (s *Store) ReconcileActive(ctx context.Context, activeNames []string) error {
	now := s.now()
	inactive := map[string]string{"id": "not.is.null"}
	if len(activeNames) > 0 {
		inactive = map[string]string{"name": "not.in." + inList(activeNames)}
	}
	err := s.do(ctx, "reconcile active", http.MethodPatch, "/movies", inactive,
		map[string]any{"is_active": false, "last_updated": now}, "", nil)
	if err != nil || len(activeNames) == 0 {
		return err
	}
	return s.do(ctx, "reconcile active", http.MethodPatch, "/movies",
		map[string]string{"name": "in." + inList(activeNames)},
		map[string]any{"is_active": true, "last_updated": now}, "", nil)
}

// ShowtimeExists reports whether the composite key is already stored.
func (s *Store) ShowtimeExists(ctx context.Context, key scraper.ShowtimeKey) (bool, error) {
	var rows []struct {
		ID string `json:"id"`
	}
	err := s.do(ctx, "showtime exists", http.MethodGet, "/showtimes", map[string]string{
		"select":    "id",
		"movie_id":  eq(key.MovieID),
		"cinema_id": eq(key.CinemaID),
		"starts_at": eq(key.StartsAt.Format(time.RFC3339)),
		"language":  eq(key.Language),
		"limit":     "1",
	}, nil, "", &rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func movieFromDomain(m scraper.Movie) movieRow {
	return movieRow{
		Name:        m.Name,
		URL:         m.URL,
		Category:    m.Category,
		Description: m.Description,
		ContentHash: m.ContentHash,
		IsActive:    m.IsActive,
	}
}

func (r movieRow) toMovie() scraper.Movie {
	m := scraper.Movie{
		ID:          r.ID,
		Name:        r.Name,
		URL:         r.URL,
		Category:    r.Category,
		Description: r.Description,
		ContentHash: r.ContentHash,
		IsActive:    r.IsActive,
	}
	if r.CreatedAt != nil {
		m.CreatedAt = *r.CreatedAt
	}
	if r.LastUpdated != nil {
		m.LastUpdated = *r.LastUpdated
	}
	return m
}

func cinemaFromDomain(c scraper.Cinema) cinemaRow {
	return cinemaRow{Name: c.Name, URL: c.URL, Address: c.Address}
}

func (r cinemaRow) toCinema() scraper.Cinema {
	c := scraper.Cinema{ID: r.ID, Name: r.Name, URL: r.URL, Address: r.Address}
	if r.CreatedAt != nil {
		c.CreatedAt = *r.CreatedAt
	}
	if r.LastUpdated != nil {
		c.LastUpdated = *r.LastUpdated
	}
	return c
}
