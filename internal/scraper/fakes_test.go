package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

type fakeFingerprinter struct{}

func (fakeFingerprinter) Fingerprint(fields map[string]string) string {
	return fmt.Sprintf("%s|%s|%s", fields["name"], fields["category"], fields["description"])
}

func (fakeFingerprinter) ShouldUpdate(current, stored string) bool {
	return stored == "" || current != stored
}

// fakeSession serves canned HTML per URL. A page func receives the selected tab.
type fakeSession struct {
	mu        sync.Mutex
	pages     map[string]func(tab int) string
	current   string
	tab       int
	restarts  int
	navErrs   []error
	htmlErrs  []error
	tabCount  int
	navigated []string
	clicks    []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{pages: make(map[string]func(int) string)}
}

func (s *fakeSession) page(url, html string) {
	s.pages[url] = func(int) string { return html }
}

func (s *fakeSession) Navigate(_ context.Context, url string) error {
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
	s.tab = 0
	return nil
}

func (s *fakeSession) Restart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return nil
}

func (s *fakeSession) Click(_ context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, selector)
	return nil
}

func (s *fakeSession) ClickNth(_ context.Context, selector string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, fmt.Sprintf("%s[%d]", selector, index))
	s.tab = index
	return nil
}

func (s *fakeSession) Count(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabCount, nil
}

func (s *fakeSession) HTML(context.Context) (string, error) {
	s.mu.Lock()
	if len(s.htmlErrs) > 0 {
		err := s.htmlErrs[0]
		s.htmlErrs = s.htmlErrs[1:]
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	fn, ok := s.pages[s.current]
	tab := s.tab
	s.mu.Unlock()
	if !ok {
		return "<html><body></body></html>", nil
	}
	return fn(tab), nil
}

// fakeStore is an in-memory Store that counts mutations.
type fakeStore struct {
	mu         sync.Mutex
	movies     map[string]Movie
	cinemas    map[string]Cinema
	showtimes  map[ShowtimeKey]Showtime
	mutations  int
	reconciled [][]string
	deleted    []string
	failExists error
	nextID     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		movies:    make(map[string]Movie),
		cinemas:   make(map[string]Cinema),
		showtimes: make(map[ShowtimeKey]Showtime),
	}
}

func (s *fakeStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *fakeStore) FindMovieByName(_ context.Context, name string) (Movie, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.movies[name]
	return m, ok, nil
}

func (s *fakeStore) FindCinemaByName(_ context.Context, name string) (Cinema, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cinemas[name]
	return c, ok, nil
}

func (s *fakeStore) ExistsByName(_ context.Context, kind Kind, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failExists != nil {
		return false, StoreError("exists", s.failExists)
	}
	switch kind {
	case KindMovie:
		_, ok := s.movies[name]
		return ok, nil
	case KindCinema:
		_, ok := s.cinemas[name]
		return ok, nil
	default:
		return false, StoreError("exists", errors.New("unsupported kind"))
	}
}

func (s *fakeStore) UpsertMovie(_ context.Context, m Movie) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	if existing, ok := s.movies[m.Name]; ok {
		m.ID = existing.ID
	} else {
		m.ID = s.id("movie")
	}
	s.movies[m.Name] = m
	return m.ID, nil
}

func (s *fakeStore) UpsertCinema(_ context.Context, c Cinema) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	if existing, ok := s.cinemas[c.Name]; ok {
		c.ID = existing.ID
	} else {
		c.ID = s.id("cinema")
	}
	s.cinemas[c.Name] = c
	return c.ID, nil
}

func (s *fakeStore) InsertMovie(_ context.Context, m Movie) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	m.ID = s.id("movie")
	s.movies[m.Name] = m
	return m.ID, nil
}

func (s *fakeStore) InsertCinema(_ context.Context, c Cinema) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	c.ID = s.id("cinema")
	s.cinemas[c.Name] = c
	return c.ID, nil
}

func (s *fakeStore) InsertShowtimes(_ context.Context, rows []Showtime) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	n := 0
	for _, r := range rows {
		if _, dup := s.showtimes[r.Key()]; dup {
			continue
		}
		s.showtimes[r.Key()] = r
		n++
	}
	return n, nil
}

func (s *fakeStore) DeleteShowtimesForMovie(_ context.Context, movieID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	s.deleted = append(s.deleted, movieID)
	for k := range s.showtimes {
		if k.MovieID == movieID {
			delete(s.showtimes, k)
		}
	}
	return nil
}

func (s *fakeStore) ReconcileActive(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	s.reconciled = append(s.reconciled, append([]string(nil), names...))
	return nil
}

func (s *fakeStore) ShowtimeExists(_ context.Context, key ShowtimeKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.showtimes[key]
	return ok, nil
}
