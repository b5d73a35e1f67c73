package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/metrics"
)

// Config controls pipeline behavior.
type Config struct {
	BaseURL string
	// Settle is the wait after a UI interaction before the DOM is read.
	Settle time.Duration
	// Delay paces detail extractions.
	Delay           time.Duration
	RefreshExisting bool
	ReconcileActive bool
	ShowtimeMode    ShowtimeMode
	Selectors       Selectors
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Session       Session
	Store         Store
	Controller    *Controller
	Fingerprinter Fingerprinter
	Clock         Clock
	Detector      BlockDetector
	Sink          Sink
	Logger        *zap.Logger
}

// Pipeline discovers, extracts and persists movies, cinemas and showtimes.
// A Pipeline is bound to one session and one pass; it is not safe for concurrent use.
type Pipeline struct {
	cfg        Config
	base       *url.URL
	sel        Selectors
	session    Session
	store      Store
	controller *Controller
	fp         Fingerprinter
	clock      Clock
	detector   BlockDetector
	sink       Sink
	logger     *zap.Logger
	limiter    *rate.Limiter
	sleep      func(context.Context, time.Duration) error

	movieIDs    map[string]string
	pending     map[string][]Showtime
	pendingKeys map[ShowtimeKey]struct{}
	activeNames []string
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Session == nil:
		return nil, errors.New("pipeline: session is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Fingerprinter == nil:
		return nil, errors.New("pipeline: fingerprinter is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("pipeline: invalid base url %q", cfg.BaseURL)
	}
	if cfg.ShowtimeMode == "" {
		cfg.ShowtimeMode = ShowtimeAppend
	}
	sel := cfg.Selectors
	if sel == (Selectors{}) {
		sel = DefaultSelectors
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	controller := deps.Controller
	if controller == nil {
		controller = NewController(deps.Session, RecoveryConfig{}, logger)
	}
	sink := deps.Sink
	if sink == nil {
		sink = nopSink{}
	}
	var limiter *rate.Limiter
	if cfg.Delay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Delay), 1)
	}
	return &Pipeline{
		cfg:         cfg,
		base:        base,
		sel:         sel,
		session:     deps.Session,
		store:       deps.Store,
		controller:  controller,
		fp:          deps.Fingerprinter,
		clock:       deps.Clock,
		detector:    deps.Detector,
		sink:        sink,
		logger:      logger,
		limiter:     limiter,
		sleep:       Sleep,
		movieIDs:    make(map[string]string),
		pending:     make(map[string][]Showtime),
		pendingKeys: make(map[ShowtimeKey]struct{}),
	}, nil
}

// DiscoverMovies reads the movie menu of the current page.
func (p *Pipeline) DiscoverMovies(ctx context.Context) ([]ListingEntry, error) {
	entries, err := p.discover(ctx, KindMovie, p.sel.MovieMenuToggle, p.sel.MovieMenuItems)
	if err != nil {
		return nil, err
	}
	p.activeNames = p.activeNames[:0]
	for _, e := range entries {
		p.activeNames = append(p.activeNames, e.Name)
	}
	return entries, nil
}

// DiscoverCinemas reads the cinema menu of the current page.
func (p *Pipeline) DiscoverCinemas(ctx context.Context) ([]ListingEntry, error) {
	return p.discover(ctx, KindCinema, p.sel.CinemaMenuToggle, p.sel.CinemaMenuItems)
}

// discover returns an empty slice without error when the menu is genuinely empty
// and a BlockedError when the page carries a challenge signature.
func (p *Pipeline) discover(ctx context.Context, kind Kind, toggle, items string) ([]ListingEntry, error) {
	log := p.logger.With(zap.String("kind", string(kind)))
	if err := p.session.Click(ctx, toggle); err != nil {
		if Classify(err) != UnknownFailure {
			return nil, fmt.Errorf("open %s menu: %w", kind, err)
		}
		log.Debug("menu toggle not clickable", zap.String("selector", toggle), zap.Error(err))
	}
	if err := p.sleep(ctx, p.cfg.Settle); err != nil {
		return nil, err
	}
	html, err := p.session.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s menu: %w", kind, err)
	}
	entries, err := parseListing(html, items, p.base)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if sig, blocked := p.detect(html); blocked {
			return nil, &BlockedError{URL: p.cfg.BaseURL, Signature: sig}
		}
		log.Warn("listing is empty", zap.String("selector", items))
		return nil, nil
	}
	if err := p.sink.WriteListing(kind, entries); err != nil {
		log.Warn("write listing failed", zap.Error(err))
	}
	log.Info("listing discovered", zap.Int("entries", len(entries)))
	return entries, nil
}

func (p *Pipeline) detect(html string) (string, bool) {
	if p.detector == nil {
		return "", false
	}
	return p.detector.Detect(html)
}

// ProcessMovies extracts and writes every movie. It stops before the next item
// once ctx is done; the item in flight runs to completion under its own timeout.
func (p *Pipeline) ProcessMovies(ctx context.Context, entries []ListingEntry, counts *Counts) error {
	work := context.WithoutCancel(ctx)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("movie pass interrupted: %w", err)
		}
		counts.Processed++
		outcome, err := p.processMovie(ctx, work, entry)
		if err != nil {
			return err
		}
		counts.record(outcome)
		metrics.ObserveItem(string(KindMovie), string(outcome))
	}
	return nil
}

func (p *Pipeline) processMovie(ctx, work context.Context, entry ListingEntry) (Outcome, error) {
	log := p.logger.With(zap.String("kind", string(KindMovie)), zap.String("name", entry.Name))
	if p.sink.Done(KindMovie, entry.Name) {
		log.Debug("already exported, skipping")
		return OutcomeSkipped, nil
	}
	if !p.cfg.RefreshExisting {
		exists, err := p.store.ExistsByName(work, KindMovie, entry.Name)
		if err != nil {
			log.Warn("existence check failed", zap.Error(err))
			return OutcomeFailed, nil
		}
		if exists {
			log.Debug("already stored, skipping")
			return OutcomeSkipped, nil
		}
	}
	if err := p.pace(ctx); err != nil {
		return "", err
	}
	detail, report, err := p.ExtractMovie(work, entry)
	if err != nil {
		return "", err
	}
	if !report.Degraded {
		if err := p.sink.WriteMovieDetail(detail); err != nil {
			log.Warn("write movie detail failed", zap.Error(err))
		}
	}
	outcome, err := p.SaveMovie(work, detail)
	if err != nil {
		log.Warn("save movie failed", zap.Error(err))
	}
	return outcome, nil
}

// ExtractMovie loads the movie page and reads category and description.
func (p *Pipeline) ExtractMovie(ctx context.Context, entry ListingEntry) (MovieDetail, Report, error) {
	return Execute(ctx, p.controller, Step[MovieDetail]{
		Name: entry.Name,
		Kind: KindMovie,
		URL:  entry.URL,
		Run: func(ctx context.Context) (MovieDetail, error) {
			html, err := p.session.HTML(ctx)
			if err != nil {
				return MovieDetail{}, fmt.Errorf("read movie page: %w", err)
			}
			category, description, err := parseMovieDetail(html, p.sel)
			if err != nil {
				return MovieDetail{}, p.blockedOr(entry.URL, html, err)
			}
			return MovieDetail{Name: entry.Name, URL: entry.URL, Category: category, Description: description}, nil
		},
		Degraded: func(sentinel string) MovieDetail {
			return MovieDetail{Name: entry.Name, URL: entry.URL, Category: sentinel, Description: sentinel}
		},
	})
}

// SaveMovie writes the movie when its fingerprint is new or changed.
// Degraded details never reach the store.
func (p *Pipeline) SaveMovie(ctx context.Context, detail MovieDetail) (Outcome, error) {
	if IsDegraded(detail.Category, detail.Description) {
		return OutcomeDegraded, nil
	}
	digest := p.fp.Fingerprint(movieFields(detail))
	existing, found, err := p.store.FindMovieByName(ctx, detail.Name)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("find movie %q: %w", detail.Name, err)
	}
	if found && !p.fp.ShouldUpdate(digest, existing.ContentHash) {
		p.movieIDs[detail.Name] = existing.ID
		return OutcomeUnchanged, nil
	}
	movie := Movie{
		ID:          existing.ID,
		Name:        detail.Name,
		URL:         detail.URL,
		Category:    detail.Category,
		Description: detail.Description,
		ContentHash: digest,
		IsActive:    true,
	}
	id, err := p.store.UpsertMovie(ctx, movie)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("upsert movie %q: %w", detail.Name, err)
	}
	p.movieIDs[detail.Name] = id
	if found {
		p.logger.Info("movie updated", zap.String("name", detail.Name), zap.String("id", id))
		return OutcomeUpdated, nil
	}
	p.logger.Info("movie added", zap.String("name", detail.Name), zap.String("id", id))
	return OutcomeAdded, nil
}

func movieFields(d MovieDetail) map[string]string {
	return map[string]string{
		"name":        d.Name,
		"category":    d.Category,
		"description": d.Description,
	}
}

// ProcessCinemas extracts and writes every cinema together with its showtimes.
func (p *Pipeline) ProcessCinemas(ctx context.Context, entries []ListingEntry, counts *Counts, showtimes *ShowtimeCounts) error {
	work := context.WithoutCancel(ctx)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cinema pass interrupted: %w", err)
		}
		counts.Processed++
		outcome, err := p.processCinema(ctx, work, entry, showtimes)
		if err != nil {
			return err
		}
		counts.record(outcome)
		metrics.ObserveItem(string(KindCinema), string(outcome))
	}
	return nil
}

func (p *Pipeline) processCinema(ctx, work context.Context, entry ListingEntry, showtimes *ShowtimeCounts) (Outcome, error) {
	log := p.logger.With(zap.String("kind", string(KindCinema)), zap.String("name", entry.Name))
	if p.sink.Done(KindCinema, entry.Name) {
		log.Debug("already exported, skipping")
		return OutcomeSkipped, nil
	}
	if err := p.pace(ctx); err != nil {
		return "", err
	}
	detail, report, err := p.ExtractCinema(work, entry)
	if err != nil {
		return "", err
	}
	if !report.Degraded {
		if err := p.sink.WriteCinemaDetail(detail); err != nil {
			log.Warn("write cinema detail failed", zap.Error(err))
		}
	}
	outcome, cinemaID, err := p.SaveCinema(work, detail)
	if err != nil {
		log.Warn("save cinema failed", zap.Error(err))
		return outcome, nil
	}
	if cinemaID != "" && len(detail.Screenings) > 0 {
		p.SaveShowtimes(work, cinemaID, detail.Screenings, showtimes)
	}
	return outcome, nil
}

// ExtractCinema reads the cinema address and, when that succeeded, its showtimes.
func (p *Pipeline) ExtractCinema(ctx context.Context, entry ListingEntry) (CinemaDetail, Report, error) {
	detail, report, err := Execute(ctx, p.controller, Step[CinemaDetail]{
		Name: entry.Name,
		Kind: KindCinema,
		URL:  entry.URL,
		Run: func(ctx context.Context) (CinemaDetail, error) {
			html, err := p.session.HTML(ctx)
			if err != nil {
				return CinemaDetail{}, fmt.Errorf("read cinema page: %w", err)
			}
			address, err := parseCinemaAddress(html, p.sel)
			if err != nil {
				return CinemaDetail{}, p.blockedOr(entry.URL, html, err)
			}
			return CinemaDetail{Name: entry.Name, URL: entry.URL, Address: address}, nil
		},
		Degraded: func(sentinel string) CinemaDetail {
			return CinemaDetail{Name: entry.Name, URL: entry.URL, Address: sentinel}
		},
	})
	if err != nil || report.Degraded {
		return detail, report, err
	}

	screenings, showReport, err := Execute(ctx, p.controller, Step[[]Screening]{
		Name: entry.Name + " showtimes",
		Kind: KindShowtime,
		URL:  entry.URL,
		Run:  p.readShowtimes,
	})
	if err != nil {
		return detail, showReport, err
	}
	if showReport.Degraded {
		p.logger.Warn("showtimes unavailable", zap.String("cinema", entry.Name), zap.String("sentinel", showReport.Sentinel))
	}
	detail.Screenings = screenings
	return detail, report, nil
}

// readShowtimes clicks through every date tab of the loaded cinema page.
func (p *Pipeline) readShowtimes(ctx context.Context) ([]Screening, error) {
	tabs, err := p.session.Count(ctx, p.sel.DateTabs)
	if err != nil {
		return nil, fmt.Errorf("count date tabs: %w", err)
	}
	now := p.clock.Now()
	var screenings []Screening
	for i := 0; i < tabs; i++ {
		if err := p.session.ClickNth(ctx, p.sel.DateTabs, i); err != nil {
			return nil, fmt.Errorf("select date tab %d: %w", i, err)
		}
		if err := p.sleep(ctx, p.cfg.Settle); err != nil {
			return nil, err
		}
		html, err := p.session.HTML(ctx)
		if err != nil {
			return nil, fmt.Errorf("read date tab %d: %w", i, err)
		}
		label, showings, err := parseDateTab(html, p.sel)
		if err != nil {
			p.logger.Warn("date tab unreadable", zap.Int("tab", i), zap.Error(err))
			continue
		}
		date, err := ResolveDate(label, now)
		if err != nil {
			p.logger.Warn("date label unparseable", zap.String("label", label), zap.Error(err))
			continue
		}
		screenings = append(screenings, p.screeningsOn(date, showings)...)
	}
	return screenings, nil
}

func (p *Pipeline) screeningsOn(date time.Time, showings []showing) []Screening {
	var screenings []Screening
	for _, sh := range showings {
		for _, hhmm := range sh.times {
			startsAt, err := CombineDateTime(date, hhmm)
			if err != nil {
				p.logger.Warn("showtime unparseable",
					zap.String("movie", sh.movie),
					zap.String("time", hhmm),
					zap.Error(err),
				)
				continue
			}
			screenings = append(screenings, Screening{MovieName: sh.movie, Language: sh.language, StartsAt: startsAt})
		}
	}
	return screenings
}

// SaveCinema inserts a new cinema or refreshes an existing one.
func (p *Pipeline) SaveCinema(ctx context.Context, detail CinemaDetail) (Outcome, string, error) {
	if IsDegraded(detail.Address) {
		return OutcomeDegraded, "", nil
	}
	cinema := Cinema{Name: detail.Name, URL: detail.URL, Address: detail.Address}
	exists, err := p.store.ExistsByName(ctx, KindCinema, detail.Name)
	if err != nil {
		return OutcomeFailed, "", fmt.Errorf("check cinema %q: %w", detail.Name, err)
	}
	if !exists {
		id, err := p.store.InsertCinema(ctx, cinema)
		if err != nil {
			return OutcomeFailed, "", fmt.Errorf("insert cinema %q: %w", detail.Name, err)
		}
		p.logger.Info("cinema added", zap.String("name", detail.Name), zap.String("id", id))
		return OutcomeAdded, id, nil
	}
	id, err := p.store.UpsertCinema(ctx, cinema)
	if err != nil {
		return OutcomeFailed, "", fmt.Errorf("upsert cinema %q: %w", detail.Name, err)
	}
	return OutcomeUpdated, id, nil
}

// SaveShowtimes writes screenings for one cinema. In replace mode rows are
// buffered per movie until FlushShowtimes.
func (p *Pipeline) SaveShowtimes(ctx context.Context, cinemaID string, screenings []Screening, counts *ShowtimeCounts) {
	for _, sc := range screenings {
		outcome := p.saveShowtime(ctx, cinemaID, sc)
		switch outcome {
		case "inserted":
			counts.Inserted++
		case "duplicate":
			counts.Duplicate++
		case "unresolved":
			counts.Unresolved++
		case "failed":
			counts.Failed++
		}
		metrics.ObserveItem(string(KindShowtime), outcome)
	}
}

func (p *Pipeline) saveShowtime(ctx context.Context, cinemaID string, sc Screening) string {
	movieID, ok := p.resolveMovie(ctx, sc.MovieName)
	if !ok {
		p.logger.Warn("showtime movie not found", zap.String("movie", sc.MovieName))
		return "unresolved"
	}
	row := Showtime{MovieID: movieID, CinemaID: cinemaID, StartsAt: sc.StartsAt, Language: sc.Language}

	if p.cfg.ShowtimeMode == ShowtimeReplace {
		if _, dup := p.pendingKeys[row.Key()]; dup {
			return "duplicate"
		}
		p.pendingKeys[row.Key()] = struct{}{}
		p.pending[movieID] = append(p.pending[movieID], row)
		return "buffered"
	}

	exists, err := p.store.ShowtimeExists(ctx, row.Key())
	if err != nil {
		p.logger.Warn("showtime existence check failed", zap.Error(err))
		return "failed"
	}
	if exists {
		return "duplicate"
	}
	n, err := p.store.InsertShowtimes(ctx, []Showtime{row})
	if err != nil || n != 1 {
		p.logger.Warn("showtime insert failed", zap.Int("inserted", n), zap.Error(err))
		return "failed"
	}
	return "inserted"
}

func (p *Pipeline) resolveMovie(ctx context.Context, name string) (string, bool) {
	if id, ok := p.movieIDs[name]; ok {
		return id, id != ""
	}
	movie, found, err := p.store.FindMovieByName(ctx, name)
	if err != nil {
		p.logger.Warn("movie lookup failed", zap.String("movie", name), zap.Error(err))
		return "", false
	}
	if !found {
		p.movieIDs[name] = ""
		return "", false
	}
	p.movieIDs[name] = movie.ID
	return movie.ID, true
}

// FlushShowtimes clears and re-inserts the buffered rows of every movie seen
// in replace mode. It is a no-op in append mode.
func (p *Pipeline) FlushShowtimes(ctx context.Context, counts *ShowtimeCounts) {
	if len(p.pending) == 0 {
		return
	}
	movieIDs := make([]string, 0, len(p.pending))
	for id := range p.pending {
		movieIDs = append(movieIDs, id)
	}
	sort.Strings(movieIDs)

	for _, movieID := range movieIDs {
		rows := p.pending[movieID]
		if err := p.store.DeleteShowtimesForMovie(ctx, movieID); err != nil {
			counts.Failed += len(rows)
			p.logger.Warn("clear showtimes failed", zap.String("movie_id", movieID), zap.Error(err))
			continue
		}
		n, err := p.store.InsertShowtimes(ctx, rows)
		if err != nil {
			counts.Failed += len(rows)
			p.logger.Warn("replace showtimes failed", zap.String("movie_id", movieID), zap.Error(err))
			continue
		}
		if n != len(rows) {
			p.logger.Warn("short showtime write", zap.String("movie_id", movieID), zap.Int("want", len(rows)), zap.Int("inserted", n))
			counts.Failed += len(rows) - n
		}
		counts.Inserted += n
	}
	p.pending = make(map[string][]Showtime)
	p.pendingKeys = make(map[ShowtimeKey]struct{})
}

// Reconcile recomputes the movie active flag from the latest listing.
// An empty listing never deactivates the catalog.
func (p *Pipeline) Reconcile(ctx context.Context) {
	if !p.cfg.ReconcileActive {
		return
	}
	if len(p.activeNames) == 0 {
		p.logger.Warn("skipping reconcile: no active movies in listing")
		return
	}
	if err := p.store.ReconcileActive(ctx, p.activeNames); err != nil {
		p.logger.Warn("reconcile active movies failed", zap.Error(err))
		return
	}
	p.logger.Info("movie active flags reconciled", zap.Int("active", len(p.activeNames)))
}

func (p *Pipeline) pace(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace: %w", err)
	}
	return nil
}

// blockedOr returns a BlockedError when html carries a challenge signature, else err.
func (p *Pipeline) blockedOr(rawURL, html string, err error) error {
	if sig, blocked := p.detect(html); blocked {
		return &BlockedError{URL: rawURL, Signature: sig}
	}
	return err
}
