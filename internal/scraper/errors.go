package scraper

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStore marks any failure reported by a Store implementation.
	ErrStore = errors.New("store operation failed")
	// ErrSessionLost means the browser could not be relaunched during recovery.
	ErrSessionLost = errors.New("browser session lost")
	// ErrEmptyListing means listing discovery found nothing after every attempt.
	ErrEmptyListing = errors.New("listing is empty")
	// ErrLanguageNotConverged means the language toggle never produced the target language.
	ErrLanguageNotConverged = errors.New("page language did not converge")
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("operation timed out")
	// ErrBrowserUnavailable means no live browser tab backs the session.
	ErrBrowserUnavailable = errors.New("browser unavailable")
)

// StoreError wraps err so that errors.Is(err, ErrStore) holds.
func StoreError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

// StartupError is returned when the browser cannot be launched after bounded retries.
type StartupError struct {
	Attempts int
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("browser startup failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// NavigationError is returned when a page cannot be loaded into a usable state.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// TimeoutError is returned when a wrapped operation exceeds its budget.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// BlockedError is returned when a page shows an anti-bot challenge.
type BlockedError struct {
	URL       string
	Signature string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked at %s: %s", e.URL, e.Signature)
}
