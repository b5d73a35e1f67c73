// Package memory keeps records and blobs in process memory for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/scraper"
)

// Store implements scraper.Store with mutex-guarded maps keyed by name.
type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	movies    map[string]scraper.Movie
	cinemas   map[string]scraper.Cinema
	showtimes map[scraper.ShowtimeKey]scraper.Showtime
}

var _ scraper.Store = (*Store)(nil)

// NewStore creates an empty Store. now stamps timestamps; nil means time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:       now,
		movies:    make(map[string]scraper.Movie),
		cinemas:   make(map[string]scraper.Cinema),
		showtimes: make(map[scraper.ShowtimeKey]scraper.Showtime),
	}
}

// FindMovieByName returns the movie stored under name.
func (s *Store) FindMovieByName(_ context.Context, name string) (scraper.Movie, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.movies[name]
	return m, ok, nil
}

// FindCinemaByName returns the cinema stored under name.
func (s *Store) FindCinemaByName(_ context.Context, name string) (scraper.Cinema, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cinemas[name]
	return c, ok, nil
}

// ExistsByName reports whether a movie or cinema carries name.
func (s *Store) ExistsByName(_ context.Context, kind scraper.Kind, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case scraper.KindMovie:
		_, ok := s.movies[name]
		return ok, nil
	case scraper.KindCinema:
		_, ok := s.cinemas[name]
		return ok, nil
	default:
		return false, scraper.StoreError("exists by name", fmt.Errorf("unsupported kind %q", kind))
	}
}

// UpsertMovie inserts or refreshes the movie keyed by name, preserving id and created_at.
func (s *Store) UpsertMovie(_ context.Context, m scraper.Movie) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.movies[m.Name]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
		m.LastUpdated = now
	} else {
		m.ID = uuid.NewString()
		m.CreatedAt = now
		m.LastUpdated = time.Time{}
	}
	s.movies[m.Name] = m
	return m.ID, nil
}

// UpsertCinema inserts or refreshes the cinema keyed by name, preserving id and created_at.
func (s *Store) UpsertCinema(_ context.Context, c scraper.Cinema) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.cinemas[c.Name]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		c.LastUpdated = now
	} else {
		c.ID = uuid.NewString()
		c.CreatedAt = now
		c.LastUpdated = time.Time{}
	}
	s.cinemas[c.Name] = c
	return c.ID, nil
}

// InsertMovie inserts a new movie; a duplicate name fails.
func (s *Store) InsertMovie(_ context.Context, m scraper.Movie) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.movies[m.Name]; ok {
		return "", scraper.StoreError("insert movie", fmt.Errorf("duplicate name %q", m.Name))
	}
	m.ID = uuid.NewString()
	m.CreatedAt = s.now()
	s.movies[m.Name] = m
	return m.ID, nil
}

// InsertCinema inserts a new cinema; a duplicate name fails.
func (s *Store) InsertCinema(_ context.Context, c scraper.Cinema) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cinemas[c.Name]; ok {
		return "", scraper.StoreError("insert cinema", fmt.Errorf("duplicate name %q", c.Name))
	}
	c.ID = uuid.NewString()
	c.CreatedAt = s.now()
	s.cinemas[c.Name] = c
	return c.ID, nil
}

// InsertShowtimes stores rows whose composite key is absent and returns how many were written.
func (s *Store) InsertShowtimes(_ context.Context, rows []scraper.Showtime) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	inserted := 0
	for _, row := range rows {
		key := row.Key()
		key.StartsAt = key.StartsAt.UTC()
		if _, ok := s.showtimes[key]; ok {
			continue
		}
		row.ID = uuid.NewString()
		row.CreatedAt = now
		s.showtimes[key] = row
		inserted++
	}
	return inserted, nil
}

// DeleteShowtimesForMovie removes every showtime of movieID.
func (s *Store) DeleteShowtimesForMovie(_ context.Context, movieID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.showtimes {
		if key.MovieID == movieID {
			delete(s.showtimes, key)
		}
	}
	return nil
}

// ReconcileActive marks listed names active and every other movie inactive.
func (s *Store) ReconcileActive(_ context.Context, activeNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make(map[string]struct{}, len(activeNames))
	for _, name := range activeNames {
		active[name] = struct{}{}
	}
	now := s.now()
	for name, m := range s.movies {
		_, want := active[name]
		if m.IsActive != want {
			m.IsActive = want
			m.LastUpdated = now
			s.movies[name] = m
		}
	}
	return nil
}

// ShowtimeExists reports whether the composite key is already stored.
func (s *Store) ShowtimeExists(_ context.Context, key scraper.ShowtimeKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key.StartsAt = key.StartsAt.UTC()
	_, ok := s.showtimes[key]
	return ok, nil
}

// Showtimes returns a copy of every stored showtime.
func (s *Store) Showtimes() []scraper.Showtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scraper.Showtime, 0, len(s.showtimes))
	for _, row := range s.showtimes {
		out = append(out, row)
	}
	return out
}
