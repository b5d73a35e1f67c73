// Package export writes the pipe-delimited tables produced by a scrape pass.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/scraper"
)

// Table file names.
const (
	MoviesFile        = "movies.csv"
	CinemasFile       = "cinemas.csv"
	MovieDetailsFile  = "movies_details.csv"
	CinemaDetailsFile = "cinemas_details.csv"
)

const contentType = "text/csv"

var (
	listingHeader       = []string{"name", "url"}
	movieDetailsHeader  = []string{"name", "url", "category", "description"}
	cinemaDetailsHeader = []string{"name", "url", "address"}
)

// Uploader stores a finished table somewhere durable.
type Uploader interface {
	PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error)
}

type table struct {
	file *os.File
	w    *csv.Writer
}

func (t *table) write(record []string) error {
	if err := t.w.Write(record); err != nil {
		return err
	}
	t.w.Flush()
	return t.w.Error()
}

func (t *table) close() error {
	if t == nil || t.file == nil {
		return nil
	}
	t.w.Flush()
	return errors.Join(t.w.Error(), t.file.Close())
}

// Writer implements scraper.Sink, flushing every row as soon as it is written.
type Writer struct {
	dir string

	mu      sync.Mutex
	tables  map[string]*table
	done    map[scraper.Kind]map[string]struct{}
	written []string
}

var _ scraper.Sink = (*Writer)(nil)

// Open prepares the detail tables in dir. With resume, rows of existing detail
// tables are kept and their names reported by Done; otherwise tables are truncated.
func Open(dir string, resume bool) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	w := &Writer{
		dir:    dir,
		tables: make(map[string]*table),
		done: map[scraper.Kind]map[string]struct{}{
			scraper.KindMovie:  {},
			scraper.KindCinema: {},
		},
	}
	details := []struct {
		kind   scraper.Kind
		file   string
		header []string
	}{
		{scraper.KindMovie, MovieDetailsFile, movieDetailsHeader},
		{scraper.KindCinema, CinemaDetailsFile, cinemaDetailsHeader},
	}
	for _, d := range details {
		if resume {
			names, err := readNames(filepath.Join(dir, d.file))
			if err != nil {
				_ = w.Close()
				return nil, err
			}
			for _, name := range names {
				w.done[d.kind][name] = struct{}{}
			}
		}
		if _, err := w.open(d.file, d.header, !resume); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	return w, nil
}

// open creates or reopens file, writing header when the file is new or truncated.
func (w *Writer) open(name string, header []string, truncate bool) (*table, error) {
	p := filepath.Join(w.dir, name)
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	t := &table{file: f, w: newCSVWriter(f)}
	if info.Size() == 0 {
		if err := t.write(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write %s header: %w", name, err)
		}
	}
	w.tables[name] = t
	w.written = appendUnique(w.written, name)
	return t, nil
}

func newCSVWriter(out io.Writer) *csv.Writer {
	w := csv.NewWriter(out)
	w.Comma = scraper.FieldDelimiter
	return w
}

func readNames(p string) ([]string, error) {
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(p), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = scraper.FieldDelimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var names []string
	for first := true; ; first = false {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(p), err)
		}
		if first || len(record) == 0 || record[0] == "" {
			continue
		}
		names = append(names, record[0])
	}
}

// WriteListing rewrites the listing table of kind with entries.
func (w *Writer) WriteListing(kind scraper.Kind, entries []scraper.ListingEntry) error {
	var name string
	switch kind {
	case scraper.KindMovie:
		name = MoviesFile
	case scraper.KindCinema:
		name = CinemasFile
	default:
		return fmt.Errorf("no listing table for kind %q", kind)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if old := w.tables[name]; old != nil {
		if err := old.close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
	}
	t, err := w.open(name, listingHeader, true)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := t.write([]string{e.Name, e.URL}); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// WriteMovieDetail appends one movie row.
func (w *Writer) WriteMovieDetail(d scraper.MovieDetail) error {
	return w.writeDetail(scraper.KindMovie, MovieDetailsFile, d.Name,
		[]string{d.Name, d.URL, d.Category, d.Description})
}

// WriteCinemaDetail appends one cinema row.
func (w *Writer) WriteCinemaDetail(d scraper.CinemaDetail) error {
	return w.writeDetail(scraper.KindCinema, CinemaDetailsFile, d.Name,
		[]string{d.Name, d.URL, d.Address})
}

func (w *Writer) writeDetail(kind scraper.Kind, file, name string, record []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.tables[file]
	if t == nil {
		return fmt.Errorf("%s is closed", file)
	}
	if err := t.write(record); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	w.done[kind][name] = struct{}{}
	return nil
}

// Done reports whether name already has a detail row.
func (w *Writer) Done(kind scraper.Kind, name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.done[kind][name]
	return ok
}

// Files returns the paths of every table written so far.
func (w *Writer) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.written))
	for i, name := range w.written {
		out[i] = filepath.Join(w.dir, name)
	}
	return out
}

// Close flushes and closes every table.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for name, t := range w.tables {
		if err := t.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(w.tables, name)
	}
	return errors.Join(errs...)
}

// Upload sends each table to up as <runID>/<file> and returns the resulting URIs.
func Upload(ctx context.Context, up Uploader, runID string, files []string) ([]string, error) {
	uris := make([]string, 0, len(files))
	for _, p := range files {
		f, err := os.Open(p)
		if err != nil {
			return uris, fmt.Errorf("open %s: %w", filepath.Base(p), err)
		}
		uri, err := up.PutObject(ctx, path.Join(runID, filepath.Base(p)), contentType, f)
		_ = f.Close()
		if err != nil {
			return uris, fmt.Errorf("upload %s: %w", filepath.Base(p), err)
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
