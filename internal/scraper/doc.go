// Package scraper holds the domain model, error taxonomy, failure classification,
// retry/recovery controller and extraction pipeline for the showtime scraper.
//
// Everything in this package runs on a single goroutine per pass: the browser
// session owns one page and is never navigated concurrently.
package scraper
