// Package postgres implements scraper.Store on top of a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/scraper"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Timeout bounds every statement; zero leaves the caller's deadline alone.
	Timeout time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists movies, cinemas and showtimes into Postgres.
type Store struct {
	pool    queryExecCloser
	timeout time.Duration
}

var _ scraper.Store = (*Store)(nil)

// New connects a pool using cfg. The schema is selected through search_path.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.Schema != "" {
		if !validSchemaName.MatchString(cfg.Schema) {
			return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
		}
		poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, timeout: cfg.Timeout}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool queryExecCloser, timeout time.Duration) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, timeout: timeout}, nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const selectMovie = `
SELECT id::text, name, url, category, description, content_hash, is_active,
	created_at, COALESCE(last_updated, created_at)
FROM movies
WHERE name = $1`

// FindMovieByName returns the movie stored under name.
func (s *Store) FindMovieByName(ctx context.Context, name string) (scraper.Movie, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var m scraper.Movie
	err := s.pool.QueryRow(ctx, selectMovie, name).Scan(
		&m.ID,
		&m.Name,
		&m.URL,
		&m.Category,
		&m.Description,
		&m.ContentHash,
		&m.IsActive,
		&m.CreatedAt,
		&m.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.Movie{}, false, nil
	}
	if err != nil {
		return scraper.Movie{}, false, scraper.StoreError("find movie", err)
	}
	return m, true, nil
}

const selectCinema = `
SELECT id::text, name, url, address, created_at, COALESCE(last_updated, created_at)
FROM cinemas
WHERE name = $1`

// FindCinemaByName returns the cinema stored under name.
func (s *Store) FindCinemaByName(ctx context.Context, name string) (scraper.Cinema, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var c scraper.Cinema
	err := s.pool.QueryRow(ctx, selectCinema, name).Scan(
		&c.ID,
		&c.Name,
		&c.URL,
		&c.Address,
		&c.CreatedAt,
		&c.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.Cinema{}, false, nil
	}
	if err != nil {
		return scraper.Cinema{}, false, scraper.StoreError("find cinema", err)
	}
	return c, true, nil
}

// ExistsByName reports whether a movie or cinema row carries name.
func (s *Store) ExistsByName(ctx context.Context, kind scraper.Kind, name string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var query string
	switch kind {
	case scraper.KindMovie:
		query = `SELECT EXISTS (SELECT 1 FROM movies WHERE name = $1)`
	case scraper.KindCinema:
		query = `SELECT EXISTS (SELECT 1 FROM cinemas WHERE name = $1)`
	default:
		return false, scraper.StoreError("exists by name", fmt.Errorf("unsupported kind %q", kind))
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, scraper.StoreError("exists by name", err)
	}
	return exists, nil
}

const upsertMovie = `
INSERT INTO movies (name, url, category, description, content_hash, is_active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (name) DO UPDATE
SET url = EXCLUDED.url,
	category = EXCLUDED.category,
	description = EXCLUDED.description,
	content_hash = EXCLUDED.content_hash,
	is_active = EXCLUDED.is_active,
	last_updated = now()
RETURNING id::text`

// UpsertMovie inserts or refreshes the movie keyed by name and returns its id.
func (s *Store) UpsertMovie(ctx context.Context, m scraper.Movie) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var id string
	err := s.pool.QueryRow(ctx, upsertMovie,
		m.Name, m.URL, m.Category, m.Description, m.ContentHash, m.IsActive,
	).Scan(&id)
	if err != nil {
		return "", scraper.StoreError("upsert movie", err)
	}
	return id, nil
}

const upsertCinema = `
INSERT INTO cinemas (name, url, address, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (name) DO UPDATE
SET url = EXCLUDED.url,
	address = EXCLUDED.address,
	last_updated = now()
RETURNING id::text`

// UpsertCinema inserts or refreshes the cinema keyed by name and returns its id.
func (s *Store) UpsertCinema(ctx context.Context, c scraper.Cinema) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var id string
	if err := s.pool.QueryRow(ctx, upsertCinema, c.Name, c.URL, c.Address).Scan(&id); err != nil {
		return "", scraper.StoreError("upsert cinema", err)
	}
	return id, nil
}

const insertMovie = `
INSERT INTO movies (name, url, category, description, content_hash, is_active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
RETURNING id::text`

// InsertMovie inserts a new movie row.
func (s *Store) InsertMovie(ctx context.Context, m scraper.Movie) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var id string
	err := s.pool.QueryRow(ctx, insertMovie,
		m.Name, m.URL, m.Category, m.Description, m.ContentHash, m.IsActive,
	).Scan(&id)
	if err != nil {
		return "", scraper.StoreError("insert movie", err)
	}
	return id, nil
}

const insertCinema = `
INSERT INTO cinemas (name, url, address, created_at)
VALUES ($1, $2, $3, now())
RETURNING id::text`

// InsertCinema inserts a new cinema row.
func (s *Store) InsertCinema(ctx context.Context, c scraper.Cinema) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var id string
	if err := s.pool.QueryRow(ctx, insertCinema, c.Name, c.URL, c.Address).Scan(&id); err != nil {
		return "", scraper.StoreError("insert cinema", err)
	}
	return id, nil
}

const insertShowtimes = `
INSERT INTO showtimes (movie_id, cinema_id, starts_at, language, created_at)
SELECT m, c, s, l, now()
FROM unnest($1::uuid[], $2::uuid[], $3::timestamptz[], $4::text[]) AS t(m, c, s, l)
ON CONFLICT ON CONSTRAINT showtimes_unique_screening DO NOTHING`

// InsertShowtimes bulk inserts rows and returns how many were actually written.
// Rows whose composite key already exists are skipped.
func (s *Store) InsertShowtimes(ctx context.Context, rows []scraper.Showtime) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	movieIDs := make([]string, len(rows))
	cinemaIDs := make([]string, len(rows))
	starts := make([]time.Time, len(rows))
	languages := make([]string, len(rows))
	for i, row := range rows {
		movieIDs[i] = row.MovieID
		cinemaIDs[i] = row.CinemaID
		starts[i] = row.StartsAt
		languages[i] = row.Language
	}
	tag, err := s.pool.Exec(ctx, insertShowtimes, movieIDs, cinemaIDs, starts, languages)
	if err != nil {
		return 0, scraper.StoreError("insert showtimes", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteShowtimesForMovie removes every showtime of movieID.
func (s *Store) DeleteShowtimesForMovie(ctx context.Context, movieID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if _, err := s.pool.Exec(ctx, `DELETE FROM showtimes WHERE movie_id = $1`, movieID); err != nil {
		return scraper.StoreError("delete showtimes", err)
	}
	return nil
}

const reconcileActive = `
UPDATE movies
SET is_active = (name = ANY($1::text[])),
	last_updated = now()
WHERE is_active IS DISTINCT FROM (name = ANY($1::text[]))`

// ReconcileActive marks listed names active and every other movie inactive.
// An empty list marks every movie inactive.
func (s *Store) ReconcileActive(ctx context.Context, activeNames []string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if activeNames == nil {
		activeNames = []string{}
	}
	if _, err := s.pool.Exec(ctx, reconcileActive, activeNames); err != nil {
		return scraper.StoreError("reconcile active", err)
	}
	return nil
}

const showtimeExists = `
SELECT EXISTS (
	SELECT 1 FROM showtimes
	WHERE movie_id = $1 AND cinema_id = $2 AND starts_at = $3 AND language = $4
)`

// ShowtimeExists reports whether the composite key is already stored.
func (s *Store) ShowtimeExists(ctx context.Context, key scraper.ShowtimeKey) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var exists bool
	err := s.pool.QueryRow(ctx, showtimeExists, key.MovieID, key.CinemaID, key.StartsAt, key.Language).Scan(&exists)
	if err != nil {
		return false, scraper.StoreError("showtime exists", err)
	}
	return exists, nil
}
